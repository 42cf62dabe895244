/**
 * OCR Types - Shared data structures for recognition
 *
 * Used by the Tesseract engine, the recognition cache and the workspace
 */

package ocr

import (
	"context"
	"time"
)

// Engine recognizes text in an encoded image
type Engine interface {
	Recognize(ctx context.Context, image []byte) (*Result, error)
	Close() error
}

// Result represents the result of one recognition pass
type Result struct {
	Text       string        `json:"text"`
	Words      []Word        `json:"words"`
	Confidence float64       `json:"confidence"`
	Language   string        `json:"language"`
	Duration   time.Duration `json:"duration"`
}

// Word represents a single recognized word with its bounding box
type Word struct {
	Text       string      `json:"text"`
	Confidence float64     `json:"confidence"`
	BBox       BoundingBox `json:"bbox"`
}

// BoundingBox is an axis-aligned rectangle in pixel coordinates
type BoundingBox struct {
	X0 int `json:"x0"`
	Y0 int `json:"y0"`
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
}

// Empty reports whether the box has no area
func (b BoundingBox) Empty() bool { return b.X1 <= b.X0 || b.Y1 <= b.Y0 }

// Downscale maps a box from an image scaled by factor back to the original,
// rounding outward so the box still covers the word
func (b BoundingBox) Downscale(factor int) BoundingBox {
	if factor <= 1 {
		return b
	}
	return BoundingBox{
		X0: floorDiv(b.X0, factor),
		Y0: floorDiv(b.Y0, factor),
		X1: ceilDiv(b.X1, factor),
		Y1: ceilDiv(b.Y1, factor),
	}
}

// Downscale returns a copy of r with every word box mapped back by factor
func (r *Result) Downscale(factor int) *Result {
	out := *r
	out.Words = make([]Word, len(r.Words))
	for i, w := range r.Words {
		w.BBox = w.BBox.Downscale(factor)
		out.Words[i] = w
	}
	return &out
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && (a < 0) {
		q--
	}
	return q
}

func ceilDiv(a, b int) int {
	return -floorDiv(-a, b)
}
