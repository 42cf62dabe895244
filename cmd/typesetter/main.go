/**
 * Comic Typesetter - Main Entry Point
 *
 * Serves the comic translation editor: upload a page, OCR it with
 * Tesseract, edit the recognized words and download the typeset page.
 *
 * Architecture:
 * - net/http API + embedded single-page editor
 * - One process-wide Tesseract engine, built in the background at startup
 * - Per-session workspaces with background recognition pipelines
 * - Optional Redis recognition cache keyed by page fingerprint
 */

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/adverant/nexus/comic-typesetter/internal/annotation"
	"github.com/adverant/nexus/comic-typesetter/internal/cache"
	"github.com/adverant/nexus/comic-typesetter/internal/config"
	"github.com/adverant/nexus/comic-typesetter/internal/fonts"
	"github.com/adverant/nexus/comic-typesetter/internal/logging"
	"github.com/adverant/nexus/comic-typesetter/internal/ocr"
	"github.com/adverant/nexus/comic-typesetter/internal/preprocess"
	"github.com/adverant/nexus/comic-typesetter/internal/render"
	"github.com/adverant/nexus/comic-typesetter/internal/server"
	"github.com/adverant/nexus/comic-typesetter/internal/workspace"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env not found, using system environment variables")
	}

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.NewLoggerTo(os.Stdout, "Typesetter", logging.ParseLevel(cfg.LogLevel))
	logger.Info("Comic Typesetter starting...",
		"listen", cfg.ListenAddr,
		"language", cfg.OCRLanguage,
		"scale", cfg.PreprocessScale,
		"cache", cfg.CacheEnabled(),
		"env", cfg.AppEnv)

	if err := run(cfg, logger); err != nil {
		logger.Error("Typesetter stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Fonts
	fontRegistry, err := fonts.NewRegistry(cfg.DefaultFontFamily)
	if err != nil {
		return err
	}
	if cfg.FontMapPath != "" {
		n, err := fontRegistry.LoadFontMap(cfg.FontMapPath)
		if err != nil {
			return err
		}
		logger.Info("Font map loaded", "path", cfg.FontMapPath, "families", n)
	}

	// Recognition cache
	var recCache cache.RecognitionCache = cache.NoopCache{}
	if cfg.CacheEnabled() {
		rc, err := cache.NewRedisCache(&cache.RedisCacheConfig{
			RedisURL: cfg.RedisURL,
			TTL:      cfg.CacheTTL,
		})
		if err != nil {
			return err
		}
		recCache = rc
		logger.Info("Recognition cache connected", "ttl", cfg.CacheTTL)
	}
	defer recCache.Close()

	// OCR engine, built in the background; uploads get 503 until it is ready
	engine := ocr.NewAdapter(ocr.TesseractFactory(&ocr.TesseractConfig{
		Language:       cfg.OCRLanguage,
		TessdataPrefix: cfg.TessdataPrefix,
		PageSegMode:    cfg.PageSegMode,
	}), logger.Named("ocr"))
	engine.Start(ctx)
	defer engine.Close()

	pipeline, err := workspace.NewPipeline(&workspace.PipelineConfig{
		Preprocessor: preprocess.New(cfg.PreprocessScale).WithMaxPixels(cfg.MaxImagePixels),
		Recognizer:   engine,
		Cache:        recCache,
		Language:     cfg.OCRLanguage,
		Logger:       logger.Named("pipeline"),
	})
	if err != nil {
		return err
	}

	sessions := workspace.NewRegistry(workspace.RegistryConfig{
		Pipeline: pipeline,
		Exporter: render.NewExporter(fontRegistry, render.DefaultStyle, logger.Named("render")),
		Defaults: annotation.Defaults{
			FontSize:   cfg.DefaultFontSize,
			FontFamily: cfg.DefaultFontFamily,
		},
		IdleTimeout: cfg.SessionIdleTimeout,
		Logger:      logger,
	})

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: server.New(sessions, engine, server.Options{
			MaxUploadSize:  cfg.MaxUploadSize,
			ExportFilename: cfg.ExportFilename,
			Fonts:          fontRegistry,
		}, logger).Handler(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return sessions.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Initiating graceful shutdown...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP shutdown incomplete", "error", err)
		}
		if err := sessions.Wait(shutdownCtx); err != nil {
			logger.Warn("Abandoning in-flight recognitions", "error", err)
		}
		return nil
	})

	return g.Wait()
}
