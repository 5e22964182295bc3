package consistency

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shouni/go-storybook-kit/pkg/adapters"
	"github.com/shouni/go-storybook-kit/pkg/domain"
)

// Matcher は検出された顔領域を期待キャラクターへ対応付けるコンポーネントです。
// 検出器は同じ顔を複数の矩形で報告することがあるため、先に重複除去を行い、
// 残った顔を評価パス由来の既知領域へ貪欲法で割り当てます。
type Matcher struct {
	// IoUThreshold を超える重なりを持つ候補同士は同一の顔とみなします。
	IoUThreshold float64
	// ContainedCutoff 以上の面積比で採用済み領域に含まれる候補も重複扱いです
	// （大きな顔の内側に小さな部分検出が出るケース）。
	ContainedCutoff float64
}

// NewMatcher は Matcher を生成します。
func NewMatcher(iouThreshold, containedCutoff float64) *Matcher {
	return &Matcher{IoUThreshold: iouThreshold, ContainedCutoff: containedCutoff}
}

// Assignment は1つの顔領域とキャラクターの対応です。
type Assignment struct {
	Character string      `json:"character"`
	Box       domain.BBox `json:"box"`
	Label     string      `json:"label,omitempty"`

	// ByTrait は位置ではなく視覚的特徴（眼鏡の有無など）による割り当てです。
	ByTrait bool `json:"by_trait,omitempty"`

	// Issues は既知領域から引き継いだ評価時の指摘です。
	Issues []string `json:"issues,omitempty"`
}

// MatchResult はマッチングの結果です。Issues の Pages は呼び出し側
// （ページ番号を知っている側）が設定します。
type MatchResult struct {
	Assignments []Assignment
	Unassigned  []adapters.DetectedRegion
	Issues      []domain.ConsistencyIssue
}

// Deduplicate は検出候補の重複を除去します。面積の大きい順に走査し、
// 採用済みの領域と強く重なる候補を捨てます。結果は面積降順です。
// 冪等です: 一度除去した結果に再適用しても変化しません。
func (m *Matcher) Deduplicate(regions []adapters.DetectedRegion) []adapters.DetectedRegion {
	sorted := make([]adapters.DetectedRegion, len(regions))
	copy(sorted, regions)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Box.Area() > sorted[j].Box.Area()
	})

	kept := make([]adapters.DetectedRegion, 0, len(sorted))
	for _, cand := range sorted {
		dup := false
		for _, k := range kept {
			if k.Box.IoU(cand.Box) > m.IoUThreshold || cand.Box.ContainedRatio(k.Box) >= m.ContainedCutoff {
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, cand)
		}
	}
	return kept
}

// Match は検出された顔を期待キャラクターへ割り当てます。
//
//  1. 候補の重複除去（面積降順で採用）。
//  2. 各顔を中心距離が最小の「未使用の」既知領域へ貪欲に割り当てます。
//     既知領域は一度しか使えません。
//  3. 既知領域が尽きた顔は安価な視覚的特徴（眼鏡の有無）で分類を試み、
//     一意に決まらない場合は未割り当てのまま残します。
//  4. 同じキャラクターが2つ目の顔に対応した場合は面積の大きい方を保持し、
//     重複出現の問題を報告します。期待されたのにどの顔にも対応しなかった
//     キャラクターは不在として報告します。
func (m *Matcher) Match(detected []adapters.DetectedRegion, known []domain.CharacterRegion, expected []domain.Character) *MatchResult {
	faces := m.Deduplicate(detected)
	res := &MatchResult{}

	assigned := make(map[string]bool)
	usedKnown := make([]bool, len(known))

	var leftover []adapters.DetectedRegion
	for _, face := range faces {
		idx := nearestKnown(face.Box, known, usedKnown)
		if idx < 0 {
			leftover = append(leftover, face)
			continue
		}
		usedKnown[idx] = true
		name := known[idx].Name
		if assigned[name] {
			// 重複除去を通過した別個の顔が同じキャラクターに対応した。
			// 面積降順で走査しているため、採用済みの方が大きい顔です。
			res.Issues = append(res.Issues, duplicateIssue(name))
			res.Unassigned = append(res.Unassigned, face)
			continue
		}
		assigned[name] = true
		res.Assignments = append(res.Assignments, Assignment{
			Character: name,
			Box:       face.Box,
			Label:     face.Label,
			Issues:    known[idx].Issues,
		})
	}

	for _, face := range leftover {
		char, ok := classifyByTrait(face, expected)
		if !ok {
			res.Unassigned = append(res.Unassigned, face)
			continue
		}
		if assigned[char.Name] {
			res.Issues = append(res.Issues, duplicateIssue(char.Name))
			res.Unassigned = append(res.Unassigned, face)
			continue
		}
		assigned[char.Name] = true
		res.Assignments = append(res.Assignments, Assignment{
			Character: char.Name,
			Box:       face.Box,
			Label:     face.Label,
			ByTrait:   true,
		})
	}

	for _, char := range expected {
		if !assigned[char.Name] {
			res.Issues = append(res.Issues, missingIssue(char.Name))
		}
	}
	return res
}

// nearestKnown は未使用の既知領域のうち中心距離が最小のものを返します。
// 候補が無い場合は -1 です。
func nearestKnown(box domain.BBox, known []domain.CharacterRegion, used []bool) int {
	best := -1
	bestDist := 0.0
	for i, region := range known {
		if used[i] {
			continue
		}
		d := box.CenterDistance(region.Box)
		if best < 0 || d < bestDist {
			best = i
			bestDist = d
		}
	}
	return best
}

// classifyByTrait は検出ラベル中の眼鏡の有無から期待キャラクターを推定します。
// 特徴が一致するキャラクターがちょうど1人のときだけ成功します。曖昧な場合に
// 当てずっぽうで割り当てるより、未割り当てで残す方が安全です。
func classifyByTrait(face adapters.DetectedRegion, expected []domain.Character) (domain.Character, bool) {
	hasEyewear := strings.Contains(strings.ToLower(face.Label), "glasses")

	var match domain.Character
	count := 0
	for _, char := range expected {
		if char.Traits.Eyewear == nil {
			continue
		}
		if *char.Traits.Eyewear == hasEyewear {
			match = char
			count++
		}
	}
	if count != 1 {
		return domain.Character{}, false
	}
	return match, true
}

func duplicateIssue(name string) domain.ConsistencyIssue {
	return domain.ConsistencyIssue{
		Character:   name,
		Kind:        domain.IssueDuplicate,
		Description: fmt.Sprintf("%s appears multiple times", name),
		Severity:    domain.SeverityHigh,
	}
}

func missingIssue(name string) domain.ConsistencyIssue {
	return domain.ConsistencyIssue{
		Character:   name,
		Kind:        domain.IssueMissing,
		Description: fmt.Sprintf("%s not detected in any face", name),
		Severity:    domain.SeverityMedium,
	}
}
