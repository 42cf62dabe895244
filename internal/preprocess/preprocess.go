/**
 * Image Preprocessor
 *
 * Prepares an uploaded page for OCR: upscale, convert to luminance
 * grayscale and re-encode as PNG.
 */

package preprocess

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"math"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DefaultScale matches the upscale applied before recognition
const DefaultScale = 2

// DefaultMaxPixels bounds the source page area accepted for decoding
const DefaultMaxPixels = 25_000_000

// ErrTooLarge is returned for pages whose declared area exceeds the limit
var ErrTooLarge = errors.New("image exceeds pixel limit")

// Luminance weights (ITU-R BT.601)
const (
	weightR = 0.299
	weightG = 0.587
	weightB = 0.114
)

// Result is a preprocessed page ready for OCR
type Result struct {
	PNG          []byte
	Image        *image.NRGBA
	SourceWidth  int
	SourceHeight int
	Width        int
	Height       int
	Scale        int
}

// Preprocessor scales and grays images
type Preprocessor struct {
	scale     int
	maxPixels int64
}

// New creates a preprocessor; scale < 1 falls back to DefaultScale
func New(scale int) *Preprocessor {
	if scale < 1 {
		scale = DefaultScale
	}
	return &Preprocessor{scale: scale, maxPixels: DefaultMaxPixels}
}

// WithMaxPixels sets the largest accepted source area; n < 1 keeps the default
func (p *Preprocessor) WithMaxPixels(n int64) *Preprocessor {
	if n > 0 {
		p.maxPixels = n
	}
	return p
}

// MaxPixels returns the largest accepted source area
func (p *Preprocessor) MaxPixels() int64 {
	return p.maxPixels
}

// Scale returns the configured upscale factor
func (p *Preprocessor) Scale() int {
	return p.scale
}

// Decode decodes any registered image format. The header is read first so
// a page declaring more than MaxPixels is rejected before any pixel buffer
// is allocated.
func (p *Preprocessor) Decode(data []byte) (image.Image, string, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode image header: %w", err)
	}
	if err := p.checkArea(cfg.Width, cfg.Height); err != nil {
		return nil, "", err
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	return img, format, nil
}

func (p *Preprocessor) checkArea(w, h int) error {
	if area := int64(w) * int64(h); area > p.maxPixels {
		return fmt.Errorf("%w: %dx%d is %d pixels, limit %d", ErrTooLarge, w, h, area, p.maxPixels)
	}
	return nil
}

// Process decodes data and returns the grayscale, upscaled page
func (p *Preprocessor) Process(ctx context.Context, data []byte) (*Result, error) {
	src, _, err := p.Decode(data)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.ProcessImage(ctx, src)
}

// ProcessImage runs the pipeline on an already decoded image
func (p *Preprocessor) ProcessImage(ctx context.Context, src image.Image) (*Result, error) {
	b := src.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("empty image %dx%d", b.Dx(), b.Dy())
	}
	if err := p.checkArea(b.Dx(), b.Dy()); err != nil {
		return nil, err
	}

	gray := Grayscale(Upscale(src, p.scale))
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, gray); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}

	return &Result{
		PNG:          buf.Bytes(),
		Image:        gray,
		SourceWidth:  b.Dx(),
		SourceHeight: b.Dy(),
		Width:        gray.Rect.Dx(),
		Height:       gray.Rect.Dy(),
		Scale:        p.scale,
	}, nil
}

// Upscale resamples src to scale times its size with bilinear filtering
func Upscale(src image.Image, scale int) *image.NRGBA {
	b := src.Bounds()
	if scale == 1 {
		return imaging.Clone(src)
	}
	return imaging.Resize(src, b.Dx()*scale, b.Dy()*scale, imaging.Linear)
}

// Grayscale sets R=G=B to the pixel's luminance, keeping alpha
func Grayscale(img image.Image) *image.NRGBA {
	return imaging.Grayscale(img)
}

// luminance returns round(0.299R + 0.587G + 0.114B) clamped to a byte.
// imaging.Grayscale applies the same weights.
func luminance(r, g, b uint8) uint8 {
	y := math.Round(weightR*float64(r) + weightG*float64(g) + weightB*float64(b))
	if y > 255 {
		return 255
	}
	return uint8(y)
}
