package ledger

import (
	"sync"
	"testing"

	"github.com/shouni/go-storybook-kit/pkg/domain"
)

func newTestBook(t *testing.T) *domain.Book {
	t.Helper()
	book := domain.NewBook("book-1", "テストブック")
	if err := book.AddPage(&domain.Page{Number: 1}); err != nil {
		t.Fatal(err)
	}
	return book
}

// assertSingleActive はページ内で有効なバージョンがちょうど1件であることを検証します。
func assertSingleActive(t *testing.T, page *domain.Page) {
	t.Helper()
	active := 0
	for _, v := range page.Versions {
		if v.IsActive {
			active++
		}
	}
	if active != 1 {
		t.Fatalf("有効バージョンは常にちょうど1件でなければなりません: %d 件", active)
	}
}

func TestLedger_Append(t *testing.T) {
	book := newTestBook(t)
	lg := New(book)

	t.Run("追記は常に末尾に置かれ、同時に有効化されること", func(t *testing.T) {
		idx1, err := lg.Append(1, domain.NewImageVersion(domain.KindOriginal, domain.ImageRef{URI: "a.png"}, "p1", "m"))
		if err != nil {
			t.Fatal(err)
		}
		idx2, err := lg.Append(1, domain.NewImageVersion(domain.KindRegeneration, domain.ImageRef{URI: "b.png"}, "p2", "m"))
		if err != nil {
			t.Fatal(err)
		}

		if idx1 != 0 || idx2 != 1 {
			t.Errorf("インデックスが末尾になっていません: %d, %d", idx1, idx2)
		}

		page := book.Pages[1]
		assertSingleActive(t, page)
		if !page.Versions[1].IsActive {
			t.Error("最後に追記したバージョンが有効化されていません")
		}
	})

	t.Run("追記は既存バージョンの payload を変更しないこと", func(t *testing.T) {
		page := book.Pages[1]
		if page.Versions[0].Image.URI != "a.png" || page.Versions[0].Description != "p1" {
			t.Error("既存バージョンの payload が変更されています")
		}
	})
}

func TestLedger_SetActive(t *testing.T) {
	book := newTestBook(t)
	lg := New(book)

	for _, uri := range []string{"a.png", "b.png", "c.png"} {
		if _, err := lg.Append(1, domain.NewImageVersion(domain.KindRegeneration, domain.ImageRef{URI: uri}, "", "m")); err != nil {
			t.Fatal(err)
		}
	}

	t.Run("指定インデックスのみが有効化されること", func(t *testing.T) {
		if err := lg.SetActive(1, 0); err != nil {
			t.Fatal(err)
		}
		page := book.Pages[1]
		assertSingleActive(t, page)
		if !page.Versions[0].IsActive {
			t.Error("指定したバージョンが有効になっていません")
		}
	})

	t.Run("範囲外のインデックスはエラーになり状態が壊れないこと", func(t *testing.T) {
		if err := lg.SetActive(1, 99); err == nil {
			t.Error("範囲外インデックスでエラーが発生しませんでした")
		}
		assertSingleActive(t, book.Pages[1])
	})

	t.Run("Active が現在の有効バージョンを返すこと", func(t *testing.T) {
		v, idx, err := lg.Active(1)
		if err != nil {
			t.Fatal(err)
		}
		if idx != 0 || v.Image.URI != "a.png" {
			t.Errorf("有効バージョンが期待と異なります: idx=%d, uri=%s", idx, v.Image.URI)
		}
	})
}

func TestLedger_Migration(t *testing.T) {
	book := domain.NewBook("book-legacy", "旧形式ブック")
	page := &domain.Page{
		Number:            1,
		LegacyImageURL:    "legacy.png",
		LegacyDescription: "台帳導入前の画像",
	}
	if err := book.AddPage(page); err != nil {
		t.Fatal(err)
	}
	lg := New(book)

	t.Run("初回書き込み時に kind=original が合成されること", func(t *testing.T) {
		if _, err := lg.Append(1, domain.NewImageVersion(domain.KindRegeneration, domain.ImageRef{URI: "new.png"}, "", "m")); err != nil {
			t.Fatal(err)
		}

		if len(page.Versions) != 2 {
			t.Fatalf("移行バージョン＋新規バージョンの2件であるべきです: %d 件", len(page.Versions))
		}
		if page.Versions[0].Kind != domain.KindOriginal || page.Versions[0].Image.URI != "legacy.png" {
			t.Errorf("移行バージョンが正しくありません: %+v", page.Versions[0])
		}
		assertSingleActive(t, page)
		if !page.Versions[1].IsActive {
			t.Error("新規追記が有効になっていません")
		}
	})
}

func TestLedger_ConcurrentAppend(t *testing.T) {
	book := newTestBook(t)
	lg := New(book)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = lg.Append(1, domain.NewImageVersion(domain.KindRegeneration, domain.ImageRef{URI: "x.png"}, "", "m"))
		}()
	}
	wg.Wait()

	page := book.Pages[1]
	if len(page.Versions) != 20 {
		t.Fatalf("全ての追記が保存されるべきです: %d 件", len(page.Versions))
	}
	assertSingleActive(t, page)
}

func TestLedger_AppendHistory(t *testing.T) {
	book := newTestBook(t)
	lg := New(book)

	entries := []domain.RetryHistoryEntry{
		{Attempt: 1, Type: domain.HistoryGeneration, Score: 55},
		{Attempt: 2, Type: domain.HistoryGeneration, Score: 90},
	}
	if err := lg.AppendHistory(1, entries...); err != nil {
		t.Fatal(err)
	}

	page := book.Pages[1]
	if len(page.History) != 2 || page.History[0].Score != 55 {
		t.Errorf("履歴が正しく追記されていません: %+v", page.History)
	}
}
