package ocr

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/adverant/nexus/comic-typesetter/internal/errors"
	"github.com/adverant/nexus/comic-typesetter/internal/logging"
)

// Factory constructs a ready-to-use engine
type Factory func(ctx context.Context) (Engine, error)

// TesseractFactory builds and warms up a TesseractEngine
func TesseractFactory(cfg *TesseractConfig) Factory {
	return func(ctx context.Context) (Engine, error) {
		engine, err := NewTesseractEngine(cfg)
		if err != nil {
			return nil, err
		}
		if err := engine.Warmup(ctx); err != nil {
			engine.Close()
			return nil, err
		}
		return engine, nil
	}
}

// Adapter owns the lifetime of the process-wide engine.
// Recognize fails with ErrOCRNotReady until Start has finished building it.
type Adapter struct {
	factory Factory
	log     *logging.Logger

	mu      sync.RWMutex
	engine  Engine
	initErr error
	started bool
	closed  bool
	done    chan struct{}
}

// NewAdapter creates an adapter; nothing is built until Start
func NewAdapter(factory Factory, log *logging.Logger) *Adapter {
	return &Adapter{
		factory: factory,
		log:     log,
		done:    make(chan struct{}),
	}
}

// Start builds the engine in the background. Calling it twice is a no-op.
func (a *Adapter) Start(ctx context.Context) {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return
	}
	a.started = true
	a.mu.Unlock()

	go func() {
		defer close(a.done)
		startTime := time.Now()
		a.log.Info("Initializing OCR engine")

		engine, err := a.factory(ctx)

		a.mu.Lock()
		defer a.mu.Unlock()

		if err != nil {
			a.initErr = err
			a.log.Error("OCR engine init failed", "error", err)
			return
		}
		if a.closed {
			// Close ran while we were initializing.
			if cerr := engine.Close(); cerr != nil {
				a.log.Warn("Failed to close late engine", "error", cerr)
			}
			return
		}
		a.engine = engine
		a.log.Info("OCR engine ready",
			"version", engineVersion(engine),
			"duration", time.Since(startTime).Round(time.Millisecond))
	}()
}

// versioned is implemented by engines that know their library version
type versioned interface {
	Version() string
}

func engineVersion(e Engine) string {
	if v, ok := e.(versioned); ok {
		return v.Version()
	}
	return "unknown"
}

// Version reports the engine's library version, or "" before it is ready
func (a *Adapter) Version() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.engine == nil {
		return ""
	}
	return engineVersion(a.engine)
}

// Ready reports whether the engine can accept work
func (a *Adapter) Ready() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.engine != nil && !a.closed
}

// Wait blocks until initialization has finished and returns its error
func (a *Adapter) Wait(ctx context.Context) error {
	a.mu.RLock()
	started := a.started
	a.mu.RUnlock()
	if !started {
		return fmt.Errorf("ocr adapter not started")
	}

	select {
	case <-a.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.initErr != nil {
		return a.initErr
	}
	if a.engine == nil {
		return apperrors.ErrOCRNotReady
	}
	return nil
}

// Recognize delegates to the engine once it is ready
func (a *Adapter) Recognize(ctx context.Context, image []byte) (*Result, error) {
	a.mu.RLock()
	engine := a.engine
	closed := a.closed
	a.mu.RUnlock()

	if engine == nil || closed {
		return nil, apperrors.NewOCRNotReadyError("")
	}
	return engine.Recognize(ctx, image)
}

// Close releases the engine. An in-flight Start closes its engine when it lands.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if a.engine == nil {
		return nil
	}
	a.log.Info("Releasing OCR engine")
	err := a.engine.Close()
	a.engine = nil
	return err
}
