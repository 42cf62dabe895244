/**
 * Tesseract OCR engine
 *
 * One long-lived gosseract client configured for a fixed language.
 * Word boxes come from the RIL_WORD page iterator.
 */

package ocr

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"time"

	"github.com/otiai10/gosseract/v2"
)

// TesseractConfig holds Tesseract configuration
type TesseractConfig struct {
	Language       string
	TessdataPrefix string
	PageSegMode    int
}

// TesseractEngine implements Engine on top of a single gosseract client
type TesseractEngine struct {
	mu       sync.Mutex
	client   *gosseract.Client
	language string
	closed   bool
}

// NewTesseractEngine creates and configures the client
func NewTesseractEngine(cfg *TesseractConfig) (*TesseractEngine, error) {
	if cfg.Language == "" {
		cfg.Language = "eng"
	}
	// 0 is OSD only, which yields no words
	if cfg.PageSegMode == 0 {
		cfg.PageSegMode = int(gosseract.PSM_AUTO)
	}

	client := gosseract.NewClient()

	if cfg.TessdataPrefix != "" {
		if err := client.SetTessdataPrefix(cfg.TessdataPrefix); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to set tessdata prefix: %w", err)
		}
	}

	if err := client.SetLanguage(cfg.Language); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set language %q: %w", cfg.Language, err)
	}

	if err := client.SetPageSegMode(gosseract.PageSegMode(cfg.PageSegMode)); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set page segmentation mode %d: %w", cfg.PageSegMode, err)
	}

	return &TesseractEngine{
		client:   client,
		language: cfg.Language,
	}, nil
}

// Warmup forces the underlying API to initialize by recognizing a blank page.
// gosseract initializes lazily, so this is where a missing language pack shows up.
func (t *TesseractEngine) Warmup(ctx context.Context) error {
	blank := image.NewGray(image.Rect(0, 0, 32, 32))
	for i := range blank.Pix {
		blank.Pix[i] = uint8(color.White.Y >> 8)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, blank); err != nil {
		return fmt.Errorf("failed to encode warmup image: %w", err)
	}
	if _, err := t.Recognize(ctx, buf.Bytes()); err != nil {
		return fmt.Errorf("tesseract warmup failed: %w", err)
	}
	return nil
}

// Recognize performs OCR on an encoded image
func (t *TesseractEngine) Recognize(ctx context.Context, data []byte) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("tesseract engine is closed")
	}

	startTime := time.Now()

	if err := t.client.SetImageFromBytes(data); err != nil {
		return nil, fmt.Errorf("failed to set image: %w", err)
	}

	text, err := t.client.Text()
	if err != nil {
		return nil, fmt.Errorf("tesseract OCR failed: %w", err)
	}

	boxes, err := t.client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil, fmt.Errorf("failed to get word boxes: %w", err)
	}

	words, confidence := wordsFromBoxes(boxes)

	return &Result{
		Text:       strings.TrimSpace(text),
		Words:      words,
		Confidence: confidence,
		Language:   t.language,
		Duration:   time.Since(startTime),
	}, nil
}

// Close releases the client
func (t *TesseractEngine) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.client.Close()
}

// Version reports the linked Tesseract version
func (t *TesseractEngine) Version() string {
	return gosseract.Version()
}

func wordsFromBoxes(boxes []gosseract.BoundingBox) ([]Word, float64) {
	words := make([]Word, 0, len(boxes))
	var sum float64
	for _, b := range boxes {
		if strings.TrimSpace(b.Word) == "" {
			continue
		}
		conf := b.Confidence / 100.0
		sum += conf
		words = append(words, Word{
			Text:       b.Word,
			Confidence: conf,
			BBox: BoundingBox{
				X0: b.Box.Min.X,
				Y0: b.Box.Min.Y,
				X1: b.Box.Max.X,
				Y1: b.Box.Max.Y,
			},
		})
	}
	if len(words) == 0 {
		return words, 0
	}
	return words, sum / float64(len(words))
}
