/**
 * Recognition Pipeline
 *
 * preprocess -> fingerprint -> cache -> OCR -> boxes back to source space
 */

package workspace

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net/http"
	"time"

	"github.com/adverant/nexus/comic-typesetter/internal/cache"
	apperrors "github.com/adverant/nexus/comic-typesetter/internal/errors"
	"github.com/adverant/nexus/comic-typesetter/internal/logging"
	"github.com/adverant/nexus/comic-typesetter/internal/ocr"
	"github.com/adverant/nexus/comic-typesetter/internal/preprocess"
)

// Recognizer is the part of the OCR adapter the pipeline needs
type Recognizer interface {
	Ready() bool
	Recognize(ctx context.Context, image []byte) (*ocr.Result, error)
}

// PipelineConfig holds pipeline dependencies
type PipelineConfig struct {
	Preprocessor *preprocess.Preprocessor
	Recognizer   Recognizer
	Cache        cache.RecognitionCache
	Language     string
	Logger       *logging.Logger
}

// Pipeline turns an uploaded page into recognized words in source-image space
type Pipeline struct {
	pre      *preprocess.Preprocessor
	ocr      Recognizer
	cache    cache.RecognitionCache
	language string
	log      *logging.Logger
}

// NewPipeline creates a pipeline
func NewPipeline(cfg *PipelineConfig) (*Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Recognizer == nil {
		return nil, fmt.Errorf("recognizer is required")
	}
	pre := cfg.Preprocessor
	if pre == nil {
		pre = preprocess.New(preprocess.DefaultScale)
	}
	c := cfg.Cache
	if c == nil {
		c = cache.NoopCache{}
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}
	return &Pipeline{
		pre:      pre,
		ocr:      cfg.Recognizer,
		cache:    c,
		language: cfg.Language,
		log:      log,
	}, nil
}

// Ready reports whether the OCR engine accepts work
func (p *Pipeline) Ready() bool {
	return p.ocr.Ready()
}

// Decode decodes an uploaded page within the preprocessor's pixel limit
func (p *Pipeline) Decode(uploadID string, data []byte) (image.Image, string, error) {
	img, format, err := p.pre.Decode(data)
	if errors.Is(err, preprocess.ErrTooLarge) {
		return nil, "", apperrors.NewImageTooLargeError(uploadID, p.pre.MaxPixels(), err)
	}
	if err != nil {
		return nil, "", apperrors.NewUnsupportedFormatError(uploadID, http.DetectContentType(data), err)
	}
	return img, format, nil
}

// Run recognizes an already decoded source image
func (p *Pipeline) Run(ctx context.Context, uploadID string, src image.Image) (*ocr.Result, error) {
	log := p.log.With("upload", uploadID)
	startTime := time.Now()

	log.Debug("Step 1: Preprocessing image", "scale", p.pre.Scale())
	pre, err := p.pre.ProcessImage(ctx, src)
	if err != nil {
		return nil, apperrors.NewPreprocessFailedError(uploadID, "grayscale", err)
	}
	log.Debug("Preprocessing complete", "width", pre.Width, "height", pre.Height, "bytes", len(pre.PNG))

	key, err := cache.Fingerprint(pre.Image, p.language)
	if err != nil {
		log.Warn("Fingerprint failed, skipping cache", "error", err)
		key = ""
	}

	if key != "" {
		cached, hit, err := p.cache.Get(ctx, key)
		if err != nil {
			log.Warn("Cache lookup failed", "error", err)
		} else if hit {
			log.Info("Recognition cache hit", "words", len(cached.Words))
			return cached.Downscale(pre.Scale), nil
		}
	}

	log.Debug("Step 2: Running OCR")
	result, err := p.ocr.Recognize(ctx, pre.PNG)
	if err != nil {
		return nil, apperrors.NewOCRFailedError(uploadID, p.language, err)
	}
	log.Info("OCR complete",
		"words", len(result.Words),
		"confidence", fmt.Sprintf("%.2f", result.Confidence),
		"duration", time.Since(startTime).Round(time.Millisecond))

	if key != "" {
		if err := p.cache.Put(ctx, key, result); err != nil {
			log.Warn("Cache store failed", "error", err)
		}
	}

	return result.Downscale(pre.Scale), nil
}
