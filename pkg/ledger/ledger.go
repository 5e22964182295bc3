// Package ledger はページ単位の画像バージョン台帳を提供します。
//
// 台帳は追記専用です。一度追記された ImageVersion の payload は変更されず、
// IsActive フラグのみが切り替わります。「ページ内で有効なバージョンは常に
// ちょうど1件」という不変条件は呼び出し側ではなく台帳自身が保証します。
package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shouni/go-storybook-kit/pkg/domain"
)

// Ledger は1冊のブックに対するバージョン台帳です。
// フラグの付け替えは単一のロック下で行われるため、並行する読み手から
// 「有効バージョンが0件または2件」の中間状態が観測されることはありません。
type Ledger struct {
	mu   sync.Mutex
	book *domain.Book
}

// New は指定されたブックの台帳を生成します。
func New(book *domain.Book) *Ledger {
	return &Ledger{book: book}
}

// Append はバージョンを末尾に追記し、同時にそれを有効化します
// （追記＝有効化。履歴だけ残して表示を切り替えない、という操作は
// 仕様上存在しません）。戻り値は追記されたバージョンのインデックスです。
func (l *Ledger) Append(pageNumber int, version domain.ImageVersion) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	page, err := l.book.Page(pageNumber)
	if err != nil {
		return 0, err
	}
	migratePage(page)

	for i := range page.Versions {
		page.Versions[i].IsActive = false
	}
	version.IsActive = true
	page.Versions = append(page.Versions, version)
	return len(page.Versions) - 1, nil
}

// SetActive は指定インデックスのバージョンだけを有効化します。
// payload には一切触れません。
func (l *Ledger) SetActive(pageNumber, index int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	page, err := l.book.Page(pageNumber)
	if err != nil {
		return err
	}
	migratePage(page)

	if index < 0 || index >= len(page.Versions) {
		return fmt.Errorf("バージョンインデックス %d は範囲外です (ページ %d, 全 %d 件)", index, pageNumber, len(page.Versions))
	}

	for i := range page.Versions {
		page.Versions[i].IsActive = i == index
	}
	return nil
}

// Active は現在有効なバージョンのコピーとインデックスを返します。
func (l *Ledger) Active(pageNumber int) (*domain.ImageVersion, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	page, err := l.book.Page(pageNumber)
	if err != nil {
		return nil, -1, err
	}
	migratePage(page)

	v, idx := page.ActiveVersion()
	if v == nil {
		return nil, -1, fmt.Errorf("ページ %d にはまだバージョンがありません", pageNumber)
	}
	res := *v
	return &res, idx, nil
}

// AppendHistory はリトライ・補修履歴を追記します。履歴も追記専用です。
func (l *Ledger) AppendHistory(pageNumber int, entries ...domain.RetryHistoryEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	page, err := l.book.Page(pageNumber)
	if err != nil {
		return err
	}
	page.History = append(page.History, entries...)
	return nil
}

// migratePage は台帳導入以前に保存されたページを初回書き込み時に移行します。
// レガシー画像から kind=original のバージョンを1件合成して有効化し、
// 以降の不変条件を成立させます。既に移行済みのページには何もしません。
func migratePage(page *domain.Page) bool {
	if len(page.Versions) > 0 || page.LegacyImageURL == "" {
		return false
	}

	page.Versions = append(page.Versions, domain.ImageVersion{
		ID:          uuid.NewString(),
		Image:       domain.ImageRef{URI: page.LegacyImageURL},
		Description: page.LegacyDescription,
		CreatedAt:   time.Now().UTC(),
		Kind:        domain.KindOriginal,
		IsActive:    true,
	})
	return true
}
