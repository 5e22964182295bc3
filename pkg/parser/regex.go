package parser

import "regexp"

var (
	// TitleRegex は "# タイトル" 形式のタイトル行をキャプチャします。
	TitleRegex = regexp.MustCompile(`^#\s+(.+)`)

	// PageRegex は "## Page" で始まるページ区切り行を特定します。
	PageRegex = regexp.MustCompile(`^##\s+Page`)

	// FieldRegex は "- key: value" 形式のフィールド行をキャプチャします。
	FieldRegex = regexp.MustCompile(`^\s*-\s*([a-zA-Z_]+):\s*(.+)`)
)
