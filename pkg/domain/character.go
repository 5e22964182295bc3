package domain

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// CharacterTraits はフォールバック分類に使う安価な視覚的特徴です。
// ポインタ型のフィールドは「未定義」と「false」を区別するためです。
type CharacterTraits struct {
	Eyewear   *bool  `json:"eyewear,omitempty"`    // 眼鏡の有無
	HairColor string `json:"hair_color,omitempty"` // 髪色
}

// Character は絵本に登場するキャラクターの定義を保持します。
type Character struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	VisualCues []string        `json:"visual_cues"` // 生成プロンプトに注入する外見上の特徴
	Traits     CharacterTraits `json:"traits"`

	// ReferenceURL は一貫性判定の基準となる正準リファレンス画像です。
	ReferenceURL string `json:"reference_url"`

	// References は (画風, 衣装カテゴリ) をキーとした差分リファレンスです。
	// キーの形式は "style/clothing"。該当が無い場合は ReferenceURL に
	// フォールバックします。
	References map[string]string `json:"references,omitempty"`
}

// String はキャラクターの情報を文字列で返すのだ。
func (c Character) String() string {
	return fmt.Sprintf("%s (%s)", c.Name, c.ID)
}

// ReferenceFor は画風と衣装カテゴリに対応するリファレンス画像を返します。
// 完全一致 → 衣装のみ一致 → 正準リファレンス の順で解決します。
func (c Character) ReferenceFor(style, clothing string) string {
	if c.References != nil {
		if url, ok := c.References[style+"/"+clothing]; ok && url != "" {
			return url
		}
		if url, ok := c.References["/"+clothing]; ok && url != "" {
			return url
		}
	}
	return c.ReferenceURL
}

// CharactersMap はIDや名前をキーとしたキャラクターの検索用マップなのだ。
type CharactersMap map[string]Character

// FindCharacter は ID からキャラクター情報を特定します。
func (m CharactersMap) FindCharacter(id string) *Character {
	if m == nil {
		return nil
	}
	if char, ok := m[id]; ok {
		res := char
		return &res
	}
	return nil
}

// FindByName は表示名からキャラクター情報を特定します。
// 一貫性レポートはキャラクターを名前で参照するため、逆引きが必要になります。
func (m CharactersMap) FindByName(name string) *Character {
	for _, char := range m {
		if char.Name == name {
			res := char
			return &res
		}
	}
	return nil
}

// SortedIDs は決定論的な走査のためにソート済みのキー一覧を返します。
func (m CharactersMap) SortedIDs() []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Subset は指定された ID 群に対応するキャラクターだけを抽出します。
// 存在しない ID は無視します。
func (m CharactersMap) Subset(ids []string) []Character {
	chars := make([]Character, 0, len(ids))
	for _, id := range ids {
		if c := m.FindCharacter(id); c != nil {
			chars = append(chars, *c)
		}
	}
	return chars
}

// LoadCharacters は指定されたファイルパスからJSONを読み込み、キャラクターマップを返すのだ。
func LoadCharacters(path string) (CharactersMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("キャラクターファイルの読み込みに失敗したのだ: %w", err)
	}
	return GetCharacters(data)
}

// GetCharacters はJSONバイト列からキャラクターマップをパースして返します。
// この関数はステートレスであり、キャッシュを行いません。
func GetCharacters(charactersJSON []byte) (CharactersMap, error) {
	var chars CharactersMap
	if err := json.Unmarshal(charactersJSON, &chars); err != nil {
		return nil, fmt.Errorf("キャラクター情報のJSONパースに失敗しました: %w", err)
	}
	return chars, nil
}
