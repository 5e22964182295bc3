package publisher

import (
	"fmt"
	"strings"

	"github.com/shouni/go-storybook-kit/pkg/consistency"
	"github.com/shouni/go-storybook-kit/pkg/domain"
)

// BuildReportMarkdown は一貫性レポートを人間がレビューしやすい
// Markdown 文字列に整形します。
func BuildReportMarkdown(report *domain.ConsistencyReport, book *domain.Book) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("# Consistency Report: %s\n\n", book.Title))
	sb.WriteString(fmt.Sprintf("- book: %s\n", report.BookID))
	sb.WriteString(fmt.Sprintf("- checked_at: %s\n", report.CheckedAt.Format("2006-01-02 15:04:05 MST")))
	sb.WriteString(fmt.Sprintf("- consistent: %t\n\n", report.Consistent))

	if report.Consistent {
		sb.WriteString("問題は検出されませんでした。\n")
		return sb.String()
	}

	sb.WriteString("## Issues\n\n")
	sb.WriteString("| Character | Kind | Severity | Pages | Description |\n")
	sb.WriteString("|---|---|---|---|---|\n")
	for _, issue := range report.Issues {
		pages := make([]string, 0, len(issue.Pages))
		for _, p := range issue.Pages {
			pages = append(pages, fmt.Sprintf("%d", p))
		}
		sb.WriteString(fmt.Sprintf("| %s | %s | %s | %s | %s |\n",
			issue.Character, issue.Kind, issue.Severity,
			strings.Join(pages, ", "), sanitizeCell(issue.Description)))
	}
	return sb.String()
}

// BuildReviewMarkdown は破棄された一貫性補修の候補をレビュー用に整形します。
// 自動判定が「改善なし」とした補修を人間が見直すための一覧です。
func BuildReviewMarkdown(results []*consistency.EntityRepairResult) string {
	var sb strings.Builder
	sb.WriteString("# Repair Review\n\n")

	rejected := 0
	for _, res := range results {
		if res == nil || !res.Rejected {
			continue
		}
		rejected++
		sb.WriteString(fmt.Sprintf("## Page %d: %s\n\n", res.Page, res.Character))
		sb.WriteString(fmt.Sprintf("- before_score: %d\n", res.BeforeScore))
		sb.WriteString(fmt.Sprintf("- after_score: %d\n", res.AfterScore))
		if res.Before.URI != "" {
			sb.WriteString(fmt.Sprintf("- before: %s\n", res.Before.URI))
		}
		if res.After.URI != "" {
			sb.WriteString(fmt.Sprintf("- after: %s\n", res.After.URI))
		}
		sb.WriteString(fmt.Sprintf("- reference: %s\n\n", res.Reference))
	}

	if rejected == 0 {
		sb.WriteString("レビュー対象の補修候補はありません。\n")
	}
	return sb.String()
}

// sanitizeCell は Markdown テーブルを壊す文字を除去します。
func sanitizeCell(s string) string {
	s = strings.ReplaceAll(s, "|", "/")
	return strings.ReplaceAll(s, "\n", " ")
}
