package parser

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/shouni/go-storybook-kit/pkg/domain"
)

const (
	fieldKeyStyle      = "style"
	fieldKeyBible      = "bible"
	fieldKeyScene      = "scene"
	fieldKeyPrompt     = "prompt"
	fieldKeyCharacters = "characters"
	fieldKeyClothing   = "clothing"
)

// ScriptParser は Markdown 形式の絵本台本を解析し、構造化データに変換する構造体です。
//
// 台本の形式:
//
//	# タイトル
//	- style: watercolor
//	- bible: 赤い屋根の家
//
//	## Page
//	- scene: ノエルが窓辺で目を覚ます。
//	- characters: noel, luis
//	- clothing: pajama
type ScriptParser struct {
}

// NewScriptParser は ScriptParser を初期化するのだ。引数は不要なのだ。
func NewScriptParser() *ScriptParser {
	return &ScriptParser{}
}

// Parse は Markdown テキストを解析して domain.Book 構造体に変換します。
// ページ番号は出現順に 1 から振られます。
func (p *ScriptParser) Parse(bookID string, input string) (*domain.Book, error) {
	book := domain.NewBook(bookID, "")
	var currentPage *domain.Page

	// 前のページを確定して追加するヘルパー関数
	addPreviousPage := func() error {
		if currentPage != nil && hasContent(currentPage) {
			return book.AddPage(currentPage)
		}
		return nil
	}

	for _, line := range strings.Split(input, "\n") {
		trimmedLine := strings.TrimSpace(line)
		if trimmedLine == "" {
			continue
		}

		if m := TitleRegex.FindStringSubmatch(trimmedLine); m != nil {
			book.Title = strings.TrimSpace(m[1])
			continue
		}

		if PageRegex.MatchString(trimmedLine) {
			if err := addPreviousPage(); err != nil {
				return nil, err
			}
			currentPage = &domain.Page{
				Number: len(book.Pages) + 1,
			}
			continue
		}

		m := FieldRegex.FindStringSubmatch(trimmedLine)
		if m == nil {
			continue
		}
		key, val := strings.ToLower(m[1]), strings.TrimSpace(m[2])

		// ページ区切りより前のフィールドはブック全体の設定です。
		if currentPage == nil {
			switch key {
			case fieldKeyStyle:
				book.Style = val
			case fieldKeyBible:
				book.VisualBible = append(book.VisualBible, val)
			default:
				slog.Debug("台本内に未知のブックフィールドが見つかりました", "key", key)
			}
			continue
		}

		switch key {
		case fieldKeyScene:
			currentPage.SceneText = val
		case fieldKeyPrompt:
			currentPage.Prompt = val
		case fieldKeyCharacters:
			currentPage.Characters = splitCharacterIDs(val)
		case fieldKeyClothing:
			currentPage.Clothing = strings.ToLower(val)
		default:
			slog.Debug("台本内に未知のページフィールドが見つかりました", "key", key)
		}
	}

	if err := addPreviousPage(); err != nil {
		return nil, err
	}

	if len(book.Pages) == 0 {
		return nil, fmt.Errorf("有効なページ情報が見つかりませんでした")
	}
	return book, nil
}

// splitCharacterIDs はカンマ区切りのキャラクターID列を正規化します。
// IDはシステム内で一意に扱うため、小文字に正規化する
func splitCharacterIDs(val string) []string {
	parts := strings.Split(val, ",")
	ids := make([]string, 0, len(parts))
	for _, part := range parts {
		id := strings.ToLower(strings.TrimSpace(part))
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// hasContent はページに有効な情報が含まれているか判定します。
func hasContent(page *domain.Page) bool {
	return page.SceneText != "" || page.Prompt != ""
}
