/**
 * Renderer/Exporter
 *
 * Flattens the source page and its annotation overlays into one PNG.
 * Each overlay is a half-transparent white box at the word's bounding
 * box with the translated text drawn in black, 2px inside the box.
 */

package render

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"

	"golang.org/x/image/font"
	"golang.org/x/image/math/fixed"

	"github.com/adverant/nexus/comic-typesetter/internal/annotation"
	apperrors "github.com/adverant/nexus/comic-typesetter/internal/errors"
	"github.com/adverant/nexus/comic-typesetter/internal/fonts"
	"github.com/adverant/nexus/comic-typesetter/internal/logging"
)

// Style of the overlay boxes
type Style struct {
	Background color.Color
	Text       color.Color
	Padding    int
}

// DefaultStyle mirrors the editor: rgba(255,255,255,0.5) boxes, black text, 2px padding
var DefaultStyle = Style{
	Background: color.NRGBA{R: 255, G: 255, B: 255, A: 128},
	Text:       color.Black,
	Padding:    2,
}

// Exporter composes pages with their overlays
type Exporter struct {
	fonts *fonts.Registry
	style Style
	log   *logging.Logger
}

// NewExporter creates an exporter drawing text with faces from registry
func NewExporter(registry *fonts.Registry, style Style, log *logging.Logger) *Exporter {
	return &Exporter{
		fonts: registry,
		style: style,
		log:   log,
	}
}

// Compose draws src at its natural size with every annotation on top
func (e *Exporter) Compose(src image.Image, annotations []annotation.Annotation) (*image.RGBA, error) {
	if src == nil {
		return nil, apperrors.NewNoSourceImageError()
	}
	b := src.Bounds()
	if b.Empty() {
		return nil, apperrors.NewExportFailedError(fmt.Errorf("source image is empty"))
	}

	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)

	bg := image.NewUniform(e.style.Background)
	fg := image.NewUniform(e.style.Text)

	for i, a := range annotations {
		box := image.Rect(a.BBox.X0, a.BBox.Y0, a.BBox.X1, a.BBox.Y1)
		draw.Draw(dst, box, bg, image.Point{}, draw.Over)

		if a.Translated == "" {
			continue
		}
		if err := e.drawText(dst, fg, box, a); err != nil {
			e.log.Warn("Skipping overlay text", "index", i, "family", a.FontFamily, "error", err)
		}
	}

	return dst, nil
}

func (e *Exporter) drawText(dst draw.Image, fg image.Image, box image.Rectangle, a annotation.Annotation) error {
	// text taller than the page cannot be seen
	size := a.FontSize
	if h := dst.Bounds().Dy(); size > h {
		size = h
	}
	face, err := e.fonts.Face(a.FontFamily, size)
	if err != nil {
		return err
	}
	defer face.Close()

	ascent := face.Metrics().Ascent.Ceil()
	d := &font.Drawer{
		Dst:  dst,
		Src:  fg,
		Face: face,
		Dot:  fixed.P(box.Min.X+e.style.Padding, box.Min.Y+e.style.Padding+ascent),
	}
	d.DrawString(a.Translated)
	return nil
}

// Export writes the composed page as PNG
func (e *Exporter) Export(w io.Writer, src image.Image, annotations []annotation.Annotation) error {
	img, err := e.Compose(src, annotations)
	if err != nil {
		return err
	}
	if err := png.Encode(w, img); err != nil {
		return apperrors.NewExportFailedError(err)
	}
	e.log.Debug("Exported page", "width", img.Rect.Dx(), "height", img.Rect.Dy(), "overlays", len(annotations))
	return nil
}
