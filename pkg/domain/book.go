package domain

import (
	"fmt"
	"sort"
)

// Page は絵本の見開き1単位（1枚の挿絵）を表します。
// Versions と History は追記専用で、削除されるのは Book ごと削除される場合のみです。
type Page struct {
	Number     int      `json:"number"`     // ブック内で一意、順序に意味あり
	SceneText  string   `json:"scene_text"` // シーンの説明文
	Prompt     string   `json:"prompt"`     // 最後に組み立てられた生成プロンプト
	Characters []string `json:"characters"` // 登場が期待されるキャラクターID
	Clothing   string   `json:"clothing"`   // 衣装カテゴリ（"winter" 等）

	Versions []ImageVersion      `json:"versions"`
	History  []RetryHistoryEntry `json:"history"`

	// LegacyImageURL / LegacyDescription は台帳導入以前に保存されたページの
	// 移行元フィールドです。台帳への初回書き込み時に kind=original の
	// バージョンとして合成されます。
	LegacyImageURL    string `json:"legacy_image_url,omitempty"`
	LegacyDescription string `json:"legacy_description,omitempty"`
}

// ActiveVersion は現在有効なバージョンとそのインデックスを返します。
// 台帳未使用のページでは (nil, -1) を返します。
func (p *Page) ActiveVersion() (*ImageVersion, int) {
	for i := range p.Versions {
		if p.Versions[i].IsActive {
			return &p.Versions[i], i
		}
	}
	return nil, -1
}

// NextAttempt はリトライ履歴の次の試行番号を返します。
func (p *Page) NextAttempt() int {
	return len(p.History) + 1
}

// Book は1冊の絵本です。ページとキャラクターはIDをキーとした
// フラットなコレクションとして保持し、相互参照はIDで行います
// （ポインタの循環参照を持たせないため）。
type Book struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	Style       string        `json:"style"` // 画風の識別子（リファレンス選択に使用）
	VisualBible []string      `json:"visual_bible,omitempty"`
	Pages       map[int]*Page `json:"pages"`
	Characters  CharactersMap `json:"characters"`
}

// NewBook は空のページ・キャラクターコレクションを持つ Book を生成します。
func NewBook(id, title string) *Book {
	return &Book{
		ID:         id,
		Title:      title,
		Pages:      make(map[int]*Page),
		Characters: make(CharactersMap),
	}
}

// Page は番号からページを取得します。
func (b *Book) Page(number int) (*Page, error) {
	p, ok := b.Pages[number]
	if !ok {
		return nil, fmt.Errorf("ページ %d は存在しません", number)
	}
	return p, nil
}

// PageNumbers はページ番号の昇順リストを返します。
func (b *Book) PageNumbers() []int {
	nums := make([]int, 0, len(b.Pages))
	for n := range b.Pages {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums
}

// AddPage はページを登録します。同じ番号のページは上書きせずエラーとします。
func (b *Book) AddPage(p *Page) error {
	if _, exists := b.Pages[p.Number]; exists {
		return fmt.Errorf("ページ番号 %d は既に登録されています", p.Number)
	}
	b.Pages[p.Number] = p
	return nil
}
