package asset

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/shouni/go-utils/urlpath"
)

const (
	// DefaultImageDir は生成された挿絵を格納するデフォルトのディレクトリ名です。
	DefaultImageDir = "images"
	// DefaultBookFileName はブックの状態（台帳込み）のデフォルト JSON ファイル名です。
	DefaultBookFileName = "book.json"
	// DefaultPageFileName はページ挿絵の共通のベースファイル名です。
	DefaultPageFileName = "page.png"
	// DefaultReportFileName は一貫性レポートのデフォルト Markdown ファイル名です。
	DefaultReportFileName = "consistency_report.md"
	// DefaultReviewFileName は破棄された補修候補のレビュー用 Markdown ファイル名です。
	DefaultReviewFileName = "repair_review.md"
)

var (
	// PageFileRegex はページ挿絵 (page_1.png 等) に一致します
	PageFileRegex = createIndexedRegex(DefaultPageFileName)
)

// ResolveOutputPath は、ベースとなるディレクトリパスとファイル名から、
// GCS/ローカルを考慮した最終的な出力パスを生成します。
func ResolveOutputPath(baseDir, fileName string) (string, error) {
	return urlpath.ResolveOutputPath(baseDir, fileName)
}

// ResolveBaseURL は、入力パス（URLまたはローカルパス）から
// 親ディレクトリのパスを解決し、末尾がセパレータで終わるように正規化します。
func ResolveBaseURL(rawPath string) string {
	return urlpath.ResolveBaseURL(rawPath)
}

// GenerateIndexedPath は、指定されたベースパスの拡張子の前に連番を挿入し、
// 新しいパス文字列を生成します。index は1以上の整数である必要があります。
// 例: "path/to/page.png", 1 -> "path/to/page_1.png"
func GenerateIndexedPath(basePath string, index int) (string, error) {
	return urlpath.GenerateIndexedPath(basePath, index)
}

// createIndexedRegex は、ファイル名に基づきインデックス付きファイル用の正規表現を生成します。
// 例: "page.png" -> ^page_\d+\.png$
func createIndexedRegex(fileName string) *regexp.Regexp {
	ext := filepath.Ext(fileName)
	baseName := strings.TrimSuffix(fileName, ext)

	// baseName と ext の両方を QuoteMeta でエスケープすることで
	// ドットや特殊文字が含まれていても正しくリテラルとしてマッチします。
	pattern := fmt.Sprintf(`^%s_\d+%s$`, regexp.QuoteMeta(baseName), regexp.QuoteMeta(ext))
	return regexp.MustCompile(pattern)
}
