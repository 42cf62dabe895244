package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/adverant/nexus/comic-typesetter/internal/annotation"
	"github.com/adverant/nexus/comic-typesetter/internal/fonts"
	"github.com/adverant/nexus/comic-typesetter/internal/logging"
	"github.com/adverant/nexus/comic-typesetter/internal/ocr"
	"github.com/adverant/nexus/comic-typesetter/internal/preprocess"
	"github.com/adverant/nexus/comic-typesetter/internal/render"
	"github.com/adverant/nexus/comic-typesetter/internal/workspace"
)

type typesetOptions struct {
	in       string
	out      string
	lang     string
	scale    int
	maxPix   int64
	fontMap  string
	timeout  time.Duration
	verbose  bool
	tessdata string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	opts := &typesetOptions{}
	cmd := newRootCmd(opts)
	return cmd.Execute()
}

func newRootCmd(opts *typesetOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "typeset",
		Short:         "OCR a comic page and export it with its overlay boxes",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.in == "" {
				return fmt.Errorf("required flag --in not specified")
			}
			return runWithOptions(cmd.Context(), *opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&opts.in, "in", "", "input page image")
	cmd.Flags().StringVar(&opts.out, "out", "translated_comic.png", "output PNG path")
	cmd.Flags().StringVar(&opts.lang, "lang", "eng", "Tesseract language")
	cmd.Flags().IntVar(&opts.scale, "scale", preprocess.DefaultScale, "upscale factor before OCR")
	cmd.Flags().Int64Var(&opts.maxPix, "max-pixels", preprocess.DefaultMaxPixels, "largest accepted page area in pixels")
	cmd.Flags().StringVar(&opts.fontMap, "font-map", "", "YAML font map")
	cmd.Flags().StringVar(&opts.tessdata, "tessdata", "", "tessdata directory")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "engine start and recognition timeout")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "log to stderr")

	return cmd
}

func runWithOptions(ctx context.Context, opts typesetOptions, stdout, stderr io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	level := logging.LevelWarn
	if opts.verbose {
		level = logging.LevelDebug
	}
	logger := logging.NewLoggerTo(stderr, "typeset", level)

	data, err := os.ReadFile(opts.in)
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}

	fontRegistry, err := fonts.NewRegistry(annotation.DefaultFontFamily)
	if err != nil {
		return err
	}
	if opts.fontMap != "" {
		if _, err := fontRegistry.LoadFontMap(opts.fontMap); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	engine := ocr.NewAdapter(ocr.TesseractFactory(&ocr.TesseractConfig{
		Language:       opts.lang,
		TessdataPrefix: opts.tessdata,
	}), logger.Named("ocr"))
	engine.Start(ctx)
	defer engine.Close()

	if err := engine.Wait(ctx); err != nil {
		return fmt.Errorf("OCR engine unavailable: %w", err)
	}

	pipeline, err := workspace.NewPipeline(&workspace.PipelineConfig{
		Preprocessor: preprocess.New(opts.scale).WithMaxPixels(opts.maxPix),
		Recognizer:   engine,
		Language:     opts.lang,
		Logger:       logger.Named("pipeline"),
	})
	if err != nil {
		return err
	}

	return typeset(ctx, pipeline, render.NewExporter(fontRegistry, render.DefaultStyle, logger), data, opts.out, stdout)
}

// typeset recognizes one page and writes the flattened export with default annotations
func typeset(ctx context.Context, pipeline *workspace.Pipeline, exporter *render.Exporter, data []byte, outPath string, stdout io.Writer) error {
	src, _, err := pipeline.Decode("cli", data)
	if err != nil {
		return err
	}

	result, err := pipeline.Run(ctx, "cli", src)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, result.Text)

	list := annotation.NewList(annotation.Defaults{})
	list.Replace(result.Words)

	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("failed to create output: %w", err)
	}
	if err := exporter.Export(f, src, list.Snapshot()); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
