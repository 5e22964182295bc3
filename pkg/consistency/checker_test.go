package consistency

import (
	"context"
	"testing"

	"github.com/shouni/go-storybook-kit/pkg/adapters"
	"github.com/shouni/go-storybook-kit/pkg/domain"
)

func TestCheckerCheck(t *testing.T) {
	matcher := NewMatcher(0.25, 0.5)

	t.Run("全キャラクターが一致していればレポートは consistent", func(t *testing.T) {
		book := newTestBook()
		addActivePage(book, 1, []string{"noel", "luis"}, []domain.CharacterRegion{
			{Name: "Noel", Box: domain.BBox{X: 0.10, Y: 0.10, Width: 0.20, Height: 0.20}},
			{Name: "Luis", Box: domain.BBox{X: 0.60, Y: 0.10, Width: 0.20, Height: 0.20}},
		})

		det := &fakeDetector{regions: []adapters.DetectedRegion{
			region(0.11, 0.11, 0.20, 0.20, "face with glasses"),
			region(0.61, 0.11, 0.19, 0.19, "face"),
		}}
		eval := &fakeEvaluator{evals: []adapters.Evaluation{
			{Score: 92, Reasoning: "一致"},
		}}
		checker := NewChecker(newTestComposer(&fakeImageGen{}, eval, det), newCatalog(t), matcher, 80, 5)

		report, err := checker.Check(context.Background(), book)
		if err != nil {
			t.Fatalf("Check がエラーを返した: %v", err)
		}
		if !report.Consistent {
			t.Errorf("Consistent = false, issues: %+v", report.Issues)
		}
		if report.BookID != "book-1" {
			t.Errorf("BookID = %q", report.BookID)
		}
	})

	t.Run("期待キャラクターが検出されないページは不在として報告する", func(t *testing.T) {
		book := newTestBook()
		addActivePage(book, 1, []string{"noel", "luis"}, []domain.CharacterRegion{
			{Name: "Noel", Box: domain.BBox{X: 0.10, Y: 0.10, Width: 0.20, Height: 0.20}},
		})

		// 検出される顔は Noel の1つだけ。Luis はどこにもいない。
		det := &fakeDetector{regions: []adapters.DetectedRegion{
			region(0.11, 0.11, 0.20, 0.20, "face with glasses"),
		}}
		eval := &fakeEvaluator{evals: []adapters.Evaluation{
			{Score: 90, Reasoning: "Noel は一致"},
		}}
		checker := NewChecker(newTestComposer(&fakeImageGen{}, eval, det), newCatalog(t), matcher, 80, 5)

		report, err := checker.Check(context.Background(), book)
		if err != nil {
			t.Fatalf("Check がエラーを返した: %v", err)
		}
		if report.Consistent {
			t.Fatal("Consistent = true, want false")
		}
		if len(report.Issues) != 1 {
			t.Fatalf("問題数 = %d, want 1: %+v", len(report.Issues), report.Issues)
		}
		issue := report.Issues[0]
		if issue.Kind != domain.IssueMissing || issue.Character != "Luis" {
			t.Errorf("不在の報告が誤っている: %+v", issue)
		}
		if issue.Description != "Luis not detected in any face" {
			t.Errorf("Description = %q", issue.Description)
		}
		if len(issue.Pages) != 1 || issue.Pages[0] != 1 {
			t.Errorf("Pages = %v, want [1]", issue.Pages)
		}
	})

	t.Run("類似スコアが閾値を下回ると drift として報告する", func(t *testing.T) {
		book := newTestBook()
		addActivePage(book, 1, []string{"noel"}, []domain.CharacterRegion{
			{Name: "Noel", Box: domain.BBox{X: 0.10, Y: 0.10, Width: 0.20, Height: 0.20}},
		})

		det := &fakeDetector{regions: []adapters.DetectedRegion{
			region(0.11, 0.11, 0.20, 0.20, "face with glasses"),
		}}
		eval := &fakeEvaluator{evals: []adapters.Evaluation{
			{Score: 35, Reasoning: "髪色がリファレンスと異なる"},
		}}
		checker := NewChecker(newTestComposer(&fakeImageGen{}, eval, det), newCatalog(t), matcher, 80, 5)

		report, err := checker.Check(context.Background(), book)
		if err != nil {
			t.Fatalf("Check がエラーを返した: %v", err)
		}
		if len(report.Issues) != 1 {
			t.Fatalf("問題数 = %d, want 1: %+v", len(report.Issues), report.Issues)
		}
		issue := report.Issues[0]
		if issue.Kind != domain.IssueDrift {
			t.Errorf("Kind = %s, want %s", issue.Kind, domain.IssueDrift)
		}
		if issue.Severity != domain.SeverityHigh {
			t.Errorf("Severity = %s, want high (スコア 35 < 閾値の半分)", issue.Severity)
		}
		if issue.Description != "髪色がリファレンスと異なる" {
			t.Errorf("Description = %q", issue.Description)
		}
	})

	t.Run("同一の問題は複数ページにわたって集約される", func(t *testing.T) {
		book := newTestBook()
		known := []domain.CharacterRegion{
			{Name: "Noel", Box: domain.BBox{X: 0.10, Y: 0.10, Width: 0.20, Height: 0.20}},
		}
		addActivePage(book, 1, []string{"noel", "luis"}, known)
		addActivePage(book, 2, []string{"noel", "luis"}, known)

		det := &fakeDetector{regions: []adapters.DetectedRegion{
			region(0.11, 0.11, 0.20, 0.20, "face with glasses"),
		}}
		eval := &fakeEvaluator{evals: []adapters.Evaluation{
			{Score: 90},
		}}
		checker := NewChecker(newTestComposer(&fakeImageGen{}, eval, det), newCatalog(t), matcher, 80, 5)

		report, err := checker.Check(context.Background(), book)
		if err != nil {
			t.Fatalf("Check がエラーを返した: %v", err)
		}
		if len(report.Issues) != 1 {
			t.Fatalf("問題数 = %d, want 1 (集約されるべき): %+v", len(report.Issues), report.Issues)
		}
		if got := report.Issues[0].Pages; len(got) != 2 || got[0] != 1 || got[1] != 2 {
			t.Errorf("Pages = %v, want [1 2]", got)
		}
		if flagged := report.FlaggedPages("Luis"); len(flagged) != 2 {
			t.Errorf("FlaggedPages = %v, want [1 2]", flagged)
		}
	})

	t.Run("画像が未生成のページは対象外", func(t *testing.T) {
		book := newTestBook()
		if err := book.AddPage(&domain.Page{Number: 1, Characters: []string{"noel"}}); err != nil {
			t.Fatal(err)
		}

		checker := NewChecker(newTestComposer(&fakeImageGen{}, &fakeEvaluator{}, &fakeDetector{}), newCatalog(t), matcher, 80, 5)
		report, err := checker.Check(context.Background(), book)
		if err != nil {
			t.Fatalf("Check がエラーを返した: %v", err)
		}
		if !report.Consistent {
			t.Errorf("未生成ページから問題が出た: %+v", report.Issues)
		}
	})
}
