package domain

import (
	"sort"
	"time"
)

// IssueKind は一貫性チェックで検出される問題の種別です。
type IssueKind string

const (
	IssueDrift     IssueKind = "drift"     // リファレンスとの外見乖離
	IssueDuplicate IssueKind = "duplicate" // 同一キャラクターの重複出現
	IssueMissing   IssueKind = "missing"   // 期待されたキャラクターの不在
)

// CharacterRegion は視覚評価がページ内で特定したキャラクターの位置です。
type CharacterRegion struct {
	Name       string   `json:"name"`
	Box        BBox     `json:"box"`
	Confidence float64  `json:"confidence"`
	Issues     []string `json:"issues,omitempty"`
}

// ConsistencyIssue はあるキャラクターについて検出された1件の問題です。
type ConsistencyIssue struct {
	Character   string    `json:"character"`
	Pages       []int     `json:"pages"`
	Kind        IssueKind `json:"kind"`
	Description string    `json:"description"`
	Severity    Severity  `json:"severity"`
}

// ConsistencyReport はブック全体・キャラクター別の一貫性チェック結果です。
// 再計算のたびに新しいレポートで置き換えられます（マージはしません）。
type ConsistencyReport struct {
	BookID     string             `json:"book_id"`
	CheckedAt  time.Time          `json:"checked_at"`
	Consistent bool               `json:"consistent"`
	Issues     []ConsistencyIssue `json:"issues"`
}

// ForCharacter は指定キャラクターに関する問題のみを抽出します。
func (r *ConsistencyReport) ForCharacter(name string) []ConsistencyIssue {
	var issues []ConsistencyIssue
	for _, issue := range r.Issues {
		if issue.Character == name {
			issues = append(issues, issue)
		}
	}
	return issues
}

// FlaggedPages は問題が検出されたページ番号を重複なく昇順で返します。
func (r *ConsistencyReport) FlaggedPages(character string) []int {
	set := make(map[int]struct{})
	for _, issue := range r.Issues {
		if character != "" && issue.Character != character {
			continue
		}
		for _, p := range issue.Pages {
			set[p] = struct{}{}
		}
	}
	pages := make([]int, 0, len(set))
	for p := range set {
		pages = append(pages, p)
	}
	sort.Ints(pages)
	return pages
}
