// Package app wires the backend, rubrics, extractor, analyzer and coordinator from configuration.
package app

import (
	"context"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/joseph-ayodele/gradeflow/internal/common"
	"github.com/joseph-ayodele/gradeflow/internal/export"
	"github.com/joseph-ayodele/gradeflow/internal/extract"
	"github.com/joseph-ayodele/gradeflow/internal/ingest"
	"github.com/joseph-ayodele/gradeflow/internal/llm/openai"
	"github.com/joseph-ayodele/gradeflow/internal/metrics"
	"github.com/joseph-ayodele/gradeflow/internal/pipeline"
	"github.com/joseph-ayodele/gradeflow/internal/rubric"
	"github.com/joseph-ayodele/gradeflow/internal/server"
)

// App holds everything a binary needs to grade documents.
type App struct {
	Config      *common.Config
	Backend     *server.Backend
	Rubrics     *rubric.Registry
	Coordinator *pipeline.Coordinator
	Ingestor    *ingest.FSIngestor
	Exporter    *export.Service
	Recorder    *metrics.Recorder
	Logger      *slog.Logger
}

// NewLogger returns the text logger used by every binary. level is one of debug, info, warn, error.
func NewLogger(level string) *slog.Logger {
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(level)); err != nil {
		lv = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: lv,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	}))
	slog.SetDefault(logger)
	return logger
}

// Build connects the backend and assembles the pipeline. reg may be nil when no metrics are exported.
// Callers own Close.
func Build(ctx context.Context, cfg *common.Config, reg prometheus.Registerer, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		return nil, err
	}

	rubrics, err := rubric.LoadDir(cfg.Rubrics.Dir, logger)
	if err != nil {
		logger.Error("failed to load rubrics", "dir", cfg.Rubrics.Dir, "error", err)
		return nil, err
	}

	backend, err := server.ConnectBackend(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	extractor := extract.NewCommandExtractor(extract.Config{
		Pdftotext:     cfg.OCR.Pdftotext,
		Tesseract:     cfg.OCR.Tesseract,
		TesseractLang: cfg.OCR.TesseractLang,
		TessdataDir:   cfg.OCR.TessdataDir,
		HeicConverter: cfg.OCR.HeicConverter,
	}, logger)

	analyzer := openai.NewClient(openai.Config{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout,
	}, logger)
	logger.Info("analyzer ready", "model", cfg.LLM.Model)

	a := &App{
		Config:   cfg,
		Backend:  backend,
		Rubrics:  rubrics,
		Ingestor: ingest.NewFSIngestor(logger),
		Exporter: export.NewService(logger),
		Logger:   logger,
	}

	var opts []pipeline.Option
	if reg != nil {
		a.Recorder = metrics.NewRecorder(reg)
		opts = append(opts, pipeline.WithObserver(a.Recorder))
	}
	a.Coordinator = pipeline.New(pipeline.ConfigFrom(cfg.Pipeline), pipeline.Deps{
		Store:     backend.Store,
		Ledger:    backend.Ledger,
		Rubrics:   rubrics,
		Extractor: extractor,
		Analyzer:  analyzer,
	}, logger, opts...)
	if a.Recorder != nil {
		a.Recorder.Attach(a.Coordinator)
	}

	// Results frozen by an earlier run count as already seen.
	if _, err := a.Coordinator.Resume(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}

// Close drains the pipeline and releases the backend.
func (a *App) Close(ctx context.Context) {
	a.Coordinator.Shutdown(ctx)
	a.Backend.Close()
}
