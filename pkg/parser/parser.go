package parser

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/shouni/go-remote-io/pkg/remoteio"

	"github.com/shouni/go-storybook-kit/pkg/domain"
)

// Parser は絵本の入力ソースを解析するためのインターフェースを定義します。
type Parser interface {
	// ParseScriptFromPath は Markdown 台本を読み込み、新規ブックを構築します。
	ParseScriptFromPath(ctx context.Context, bookID, scriptPath string) (*domain.Book, error)
	// LoadBookFromPath は保存済みのブック状態（台帳込み）を読み込みます。
	LoadBookFromPath(ctx context.Context, bookPath string) (*domain.Book, error)
}

// BookParser は GCS URIやローカルファイルパスからブックを読み込む構造体です。
type BookParser struct {
	reader remoteio.InputReader
	script *ScriptParser
}

// NewBookParser は新しい BookParser インスタンスを生成します。
func NewBookParser(r remoteio.InputReader) *BookParser {
	return &BookParser{reader: r, script: NewScriptParser()}
}

// ParseScriptFromPath は指定されたパスから Markdown 台本を読み込み、
// 解析して domain.Book を返します。
func (p *BookParser) ParseScriptFromPath(ctx context.Context, bookID, scriptPath string) (*domain.Book, error) {
	slog.InfoContext(ctx, "台本ファイルを読み込んでいます", "path", scriptPath)
	rc, err := p.reader.Open(ctx, scriptPath)
	if err != nil {
		return nil, fmt.Errorf("台本ファイルのオープンに失敗しました (%s): %w", scriptPath, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("台本ファイルの読み込みに失敗しました: %w", err)
	}
	return p.script.Parse(bookID, string(data))
}

// LoadBookFromPath は保存済みのブック JSON を読み込み、解析して返します。
func (p *BookParser) LoadBookFromPath(ctx context.Context, bookPath string) (*domain.Book, error) {
	slog.InfoContext(ctx, "ブックファイルを読み込んでいます", "path", bookPath)
	rc, err := p.reader.Open(ctx, bookPath)
	if err != nil {
		return nil, fmt.Errorf("ブックファイルのオープンに失敗しました (%s): %w", bookPath, err)
	}
	defer rc.Close()

	book := &domain.Book{}
	if err := json.NewDecoder(rc).Decode(book); err != nil {
		return nil, fmt.Errorf("ブックJSONのパースに失敗しました: %w", err)
	}
	if book.Pages == nil {
		book.Pages = make(map[int]*domain.Page)
	}
	if book.Characters == nil {
		book.Characters = make(domain.CharactersMap)
	}
	return book, nil
}
