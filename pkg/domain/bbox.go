package domain

import (
	"fmt"
	"math"
)

// BBox は画像内の矩形領域を正規化座標 (0.0〜1.0) で表します。
// 評価・検出系の Capability が返す座標systemと共通です。
type BBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Validate は領域が画像内に収まる正規化矩形であることを検証します。
func (b BBox) Validate() error {
	if b.X < 0 || b.Y < 0 || b.X > 1 || b.Y > 1 {
		return fmt.Errorf("領域の原点が正規化範囲外です: x=%.3f, y=%.3f", b.X, b.Y)
	}
	if b.Width <= 0 || b.Height <= 0 {
		return fmt.Errorf("領域の幅・高さは正の値である必要があります: w=%.3f, h=%.3f", b.Width, b.Height)
	}
	if b.X+b.Width > 1+1e-9 || b.Y+b.Height > 1+1e-9 {
		return fmt.Errorf("領域が画像からはみ出しています: x+w=%.3f, y+h=%.3f", b.X+b.Width, b.Y+b.Height)
	}
	return nil
}

// Area は矩形の面積（正規化座標系）を返します。
func (b BBox) Area() float64 {
	if b.Width <= 0 || b.Height <= 0 {
		return 0
	}
	return b.Width * b.Height
}

// Center は矩形の中心座標を返します。
func (b BBox) Center() (float64, float64) {
	return b.X + b.Width/2, b.Y + b.Height/2
}

// CenterDistance は2つの矩形の中心間のユークリッド距離を返します。
func (b BBox) CenterDistance(o BBox) float64 {
	bx, by := b.Center()
	ox, oy := o.Center()
	return math.Hypot(bx-ox, by-oy)
}

// intersectionArea は2つの矩形の重なり面積を返します。
func (b BBox) intersectionArea(o BBox) float64 {
	w := math.Min(b.X+b.Width, o.X+o.Width) - math.Max(b.X, o.X)
	h := math.Min(b.Y+b.Height, o.Y+o.Height) - math.Max(b.Y, o.Y)
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// IoU は Intersection over Union を計算します。重複検出の判定に使用します。
func (b BBox) IoU(o BBox) float64 {
	inter := b.intersectionArea(o)
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// ContainedRatio は、自身の面積のうち相手の矩形に含まれる割合を返します。
// 小さい検出が大きい検出の内側に入れ子になっているケースの判定に使います。
func (b BBox) ContainedRatio(o BBox) float64 {
	area := b.Area()
	if area <= 0 {
		return 0
	}
	return b.intersectionArea(o) / area
}

// UnionBBox は複数の矩形を全て包含する最小の矩形を返します。
// 部分補修の際に編集対象領域をひとつにまとめるために使用します。
func UnionBBox(boxes []BBox) BBox {
	if len(boxes) == 0 {
		return BBox{}
	}
	minX, minY := 1.0, 1.0
	maxX, maxY := 0.0, 0.0
	for _, b := range boxes {
		minX = math.Min(minX, b.X)
		minY = math.Min(minY, b.Y)
		maxX = math.Max(maxX, b.X+b.Width)
		maxY = math.Max(maxY, b.Y+b.Height)
	}
	return BBox{X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY}
}
