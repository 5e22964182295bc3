package consistency

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/shouni/go-storybook-kit/pkg/adapters"
	"github.com/shouni/go-storybook-kit/pkg/domain"
	"github.com/shouni/go-storybook-kit/pkg/ledger"
)

func TestEntityRepairerRepairPage(t *testing.T) {
	matcher := NewMatcher(0.25, 0.5)
	noelRegion := domain.CharacterRegion{
		Name: "Noel",
		Box:  domain.BBox{X: 0.10, Y: 0.10, Width: 0.20, Height: 0.20},
	}

	t.Run("類似スコアが改善したら新バージョンとして採用する", func(t *testing.T) {
		book := newTestBook()
		page := addActivePage(book, 1, []string{"noel"}, []domain.CharacterRegion{noelRegion})
		lg := ledger.New(book)

		eval := &fakeEvaluator{evals: []adapters.Evaluation{
			{Score: 50, Reasoning: "眼鏡が描かれていない"},
			{Score: 85, Reasoning: "リファレンスに一致"},
		}}
		repairer := NewEntityRepairer(
			newTestComposer(&fakeImageGen{}, eval, &fakeDetector{}),
			newCatalog(t), matcher, &fakeImageStore{}, "test-model", 80, 5,
		)

		res, err := repairer.RepairPage(context.Background(), book, lg, 1, "Noel")
		if err != nil {
			t.Fatalf("RepairPage がエラーを返した: %v", err)
		}
		if res.Rejected {
			t.Fatal("改善したのに Rejected になっている")
		}
		if res.BeforeScore != 50 || res.AfterScore != 85 {
			t.Errorf("スコア = (%d, %d), want (50, 85)", res.BeforeScore, res.AfterScore)
		}
		if res.Version == nil || res.Version.Kind != domain.KindEntityRepair {
			t.Fatalf("採用バージョンが不正: %+v", res.Version)
		}

		active, idx, err := lg.Active(1)
		if err != nil {
			t.Fatal(err)
		}
		if idx != 1 || active.Kind != domain.KindEntityRepair {
			t.Errorf("アクティブ版 = (index %d, kind %s), want (1, entity-repair)", idx, active.Kind)
		}
		if len(page.History) != 1 {
			t.Fatalf("履歴数 = %d, want 1", len(page.History))
		}
		entry := page.History[0]
		if entry.PreRepairScore == nil || *entry.PreRepairScore != 50 {
			t.Errorf("PreRepairScore = %v, want 50", entry.PreRepairScore)
		}
		if entry.PostRepairScore == nil || *entry.PostRepairScore != 85 {
			t.Errorf("PostRepairScore = %v, want 85", entry.PostRepairScore)
		}
	})

	t.Run("改善しなかった候補は破棄しレビュー用に3点を保持する", func(t *testing.T) {
		book := newTestBook()
		page := addActivePage(book, 1, []string{"noel"}, []domain.CharacterRegion{noelRegion})
		lg := ledger.New(book)

		eval := &fakeEvaluator{evals: []adapters.Evaluation{
			{Score: 50, Reasoning: "眼鏡が描かれていない"},
			{Score: 45, Reasoning: "悪化した"},
		}}
		repairer := NewEntityRepairer(
			newTestComposer(&fakeImageGen{}, eval, &fakeDetector{}),
			newCatalog(t), matcher, &fakeImageStore{}, "test-model", 80, 5,
		)

		res, err := repairer.RepairPage(context.Background(), book, lg, 1, "Noel")
		if err != nil {
			t.Fatalf("RepairPage がエラーを返した: %v", err)
		}
		if !res.Rejected {
			t.Fatal("悪化したのに採用されている")
		}
		if res.Before.URI != "gs://pages/p.png" {
			t.Errorf("補修前画像が保持されていない: %+v", res.Before)
		}
		if res.After.IsZero() {
			t.Error("補修後画像が保持されていない")
		}
		if res.Reference != "gs://refs/noel.png" {
			t.Errorf("リファレンス = %q", res.Reference)
		}

		// 台帳は変更されない。履歴のみ追記される。
		if len(page.Versions) != 1 {
			t.Errorf("バージョン数 = %d, want 1", len(page.Versions))
		}
		if len(page.History) != 1 {
			t.Errorf("履歴数 = %d, want 1", len(page.History))
		}
	})

	t.Run("既知領域が無ければ検出とマッチングで位置を特定する", func(t *testing.T) {
		book := newTestBook()
		addActivePage(book, 1, []string{"noel"}, nil)
		lg := ledger.New(book)

		det := &fakeDetector{regions: []adapters.DetectedRegion{
			region(0.30, 0.30, 0.25, 0.25, "face with glasses"),
		}}
		eval := &fakeEvaluator{evals: []adapters.Evaluation{
			{Score: 40},
			{Score: 70},
		}}
		repairer := NewEntityRepairer(
			newTestComposer(&fakeImageGen{}, eval, det),
			newCatalog(t), matcher, &fakeImageStore{}, "test-model", 80, 5,
		)

		res, err := repairer.RepairPage(context.Background(), book, lg, 1, "Noel")
		if err != nil {
			t.Fatalf("RepairPage がエラーを返した: %v", err)
		}
		if res.Rejected {
			t.Fatal("改善したのに Rejected になっている")
		}
		if res.Version.Characters[len(res.Version.Characters)-1].Box.X != 0.30 {
			t.Errorf("検出された領域が記録されていない: %+v", res.Version.Characters)
		}
	})

	t.Run("未定義のキャラクターはエラー", func(t *testing.T) {
		book := newTestBook()
		addActivePage(book, 1, []string{"noel"}, nil)
		lg := ledger.New(book)

		repairer := NewEntityRepairer(
			newTestComposer(&fakeImageGen{}, &fakeEvaluator{evals: []adapters.Evaluation{{}}}, &fakeDetector{}),
			newCatalog(t), matcher, &fakeImageStore{}, "test-model", 80, 5,
		)
		if _, err := repairer.RepairPage(context.Background(), book, lg, 1, "Ghost"); err == nil {
			t.Fatal("未定義キャラクターでエラーになるべき")
		}
	})
}

func TestEntityRepairerRepairBook(t *testing.T) {
	matcher := NewMatcher(0.25, 0.5)
	noelRegion := domain.CharacterRegion{
		Name: "Noel",
		Box:  domain.BBox{X: 0.10, Y: 0.10, Width: 0.20, Height: 0.20},
	}

	t.Run("drift が報告された対のみを補修する", func(t *testing.T) {
		book := newTestBook()
		addActivePage(book, 1, []string{"noel"}, []domain.CharacterRegion{noelRegion})
		addActivePage(book, 2, []string{"noel"}, []domain.CharacterRegion{noelRegion})
		lg := ledger.New(book)

		report := &domain.ConsistencyReport{
			BookID: book.ID,
			Issues: []domain.ConsistencyIssue{
				{Character: "Noel", Pages: []int{1}, Kind: domain.IssueDrift, Description: "髪色が異なる"},
				{Character: "Luis", Pages: []int{2}, Kind: domain.IssueMissing, Description: "Luis not detected in any face"},
			},
		}

		eval := &fakeEvaluator{evals: []adapters.Evaluation{
			{Score: 50},
			{Score: 85},
		}}
		repairer := NewEntityRepairer(
			newTestComposer(&fakeImageGen{}, eval, &fakeDetector{}),
			newCatalog(t), matcher, &fakeImageStore{}, "test-model", 80, 1,
		)

		results, err := repairer.RepairBook(context.Background(), book, lg, report)
		if err != nil {
			t.Fatalf("RepairBook がエラーを返した: %v", err)
		}
		// missing はスキップされ、drift の1対だけが補修される。
		if len(results) != 1 {
			t.Fatalf("結果数 = %d, want 1: %+v", len(results), results)
		}
		if results[0].Page != 1 || results[0].Character != "Noel" {
			t.Errorf("補修対象 = (%d, %s), want (1, Noel)", results[0].Page, results[0].Character)
		}
	})

	t.Run("同一ページの複数キャラクターは直列に補修される", func(t *testing.T) {
		luisRegion := domain.CharacterRegion{
			Name: "Luis",
			Box:  domain.BBox{X: 0.60, Y: 0.10, Width: 0.20, Height: 0.20},
		}
		book := newTestBook()
		page := addActivePage(book, 1, []string{"noel", "luis"},
			[]domain.CharacterRegion{noelRegion, luisRegion})
		lg := ledger.New(book)

		report := &domain.ConsistencyReport{
			BookID: book.ID,
			Issues: []domain.ConsistencyIssue{
				{Character: "Noel", Pages: []int{1}, Kind: domain.IssueDrift, Description: "眼鏡が無い"},
				{Character: "Luis", Pages: []int{1}, Kind: domain.IssueDrift, Description: "マフラーが無い"},
			},
		}

		eval := &fakeEvaluator{evals: []adapters.Evaluation{
			{Score: 50},
			{Score: 85},
			{Score: 55},
			{Score: 90},
		}}
		repairer := NewEntityRepairer(
			newTestComposer(&fakeImageGen{}, eval, &fakeDetector{}),
			newCatalog(t), matcher, &fakeImageStore{}, "test-model", 80, 5,
		)

		results, err := repairer.RepairBook(context.Background(), book, lg, report)
		if err != nil {
			t.Fatalf("RepairBook がエラーを返した: %v", err)
		}
		if len(results) != 2 {
			t.Fatalf("結果数 = %d, want 2: %+v", len(results), results)
		}
		if results[0].Character != "Noel" || results[1].Character != "Luis" {
			t.Errorf("補修順 = (%s, %s), want (Noel, Luis)", results[0].Character, results[1].Character)
		}
		for _, res := range results {
			if res.Err != nil {
				t.Fatalf("ページ %d / %s の補修が失敗した: %v", res.Page, res.Character, res.Err)
			}
			if res.Rejected {
				t.Errorf("%s の補修が採用されていない", res.Character)
			}
		}

		// ワーカー数が余っていても、同一ページ内の補修は重ならない。
		if max := atomic.LoadInt64(&eval.maxInFlight); max != 1 {
			t.Errorf("同時評価数 = %d, want 1", max)
		}

		if len(page.Versions) != 3 {
			t.Fatalf("バージョン数 = %d, want 3", len(page.Versions))
		}
		active, idx, err := lg.Active(1)
		if err != nil {
			t.Fatal(err)
		}
		if idx != 2 || active.Kind != domain.KindEntityRepair {
			t.Errorf("アクティブ版 = (index %d, kind %s), want (2, entity-repair)", idx, active.Kind)
		}
		activeCount := 0
		for _, v := range page.Versions {
			if v.IsActive {
				activeCount++
			}
		}
		if activeCount != 1 {
			t.Errorf("アクティブ版の数 = %d, want 1", activeCount)
		}
	})

	t.Run("キャンセル済みコンテキストでは新しいページに着手しない", func(t *testing.T) {
		book := newTestBook()
		addActivePage(book, 1, []string{"noel"}, []domain.CharacterRegion{noelRegion})
		lg := ledger.New(book)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		report := &domain.ConsistencyReport{
			BookID: book.ID,
			Issues: []domain.ConsistencyIssue{
				{Character: "Noel", Pages: []int{1}, Kind: domain.IssueDrift},
			},
		}
		gen := &fakeImageGen{}
		repairer := NewEntityRepairer(
			newTestComposer(gen, &fakeEvaluator{evals: []adapters.Evaluation{{}}}, &fakeDetector{}),
			newCatalog(t), matcher, &fakeImageStore{}, "test-model", 80, 1,
		)

		results, err := repairer.RepairBook(ctx, book, lg, report)
		if err == nil {
			t.Fatal("キャンセルがエラーとして返るべき")
		}
		if len(results) != 0 {
			t.Errorf("結果数 = %d, want 0", len(results))
		}
	})
}
