package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/rekacad/rekacad/internal/api"
	"github.com/rekacad/rekacad/internal/config"
	"github.com/rekacad/rekacad/internal/job"
	"github.com/rekacad/rekacad/internal/llm"
	"github.com/rekacad/rekacad/internal/media"
	"github.com/rekacad/rekacad/internal/pipeline"
	"github.com/rekacad/rekacad/internal/queue"
	"github.com/rekacad/rekacad/internal/speech"
	"github.com/rekacad/rekacad/internal/watcher"
	"github.com/rekacad/rekacad/internal/webhook"
)

func main() {
	// A missing .env is normal in production.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("dotenv", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return fmt.Errorf("work dir: %w", err)
	}

	store, err := job.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer store.Close()

	generator, err := newGenerator(ctx, cfg)
	if err != nil {
		return err
	}

	backend := speech.NewHTTPBackend(cfg.SpeechURL, nil)
	transcriber := speech.NewTranscriber(backend, cfg.SpeechLanguage, cfg.SpeechTask, logger)
	extractor := media.NewExtractor(cfg.FFmpegPath)

	preflight(ctx, cfg, backend, logger)

	sender := webhook.NewSender(webhook.Options{AllowPrivate: cfg.WebhookAllowPrivate}, logger)
	q := queue.New(store, queue.Options{Concurrency: cfg.Concurrency, QueueSize: cfg.QueueSize}, sender, logger)

	orch := pipeline.New(store, extractor, transcriber, generator, q, pipeline.Options{
		WorkDir:           cfg.WorkDir,
		SummaryMaxTokens:  cfg.SummaryMaxTokens,
		NotesMaxTokens:    cfg.NotesMaxTokens,
		ExtractTimeout:    cfg.ExtractTimeout,
		TranscribeTimeout: cfg.TranscribeTimeout,
		GenerateTimeout:   cfg.GenerateTimeout,
	}, logger)

	q.Start(ctx, orch)
	// Workers write to the store, so they must be done before the deferred
	// store.Close runs.
	defer func() {
		cancel()
		q.Wait()
	}()
	if err := q.Recovery(ctx); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	q.StartSweep(ctx, cfg.SweepInterval)

	if cfg.WatchDir != "" {
		w, err := watcher.New(cfg.WatchDir, watcher.Ingest(store, q, cfg.WatchOwner, cfg.WatchGroup, logger), 0, logger)
		if err != nil {
			return fmt.Errorf("watcher: %w", err)
		}
		defer w.Close()
		watchDone := make(chan struct{})
		defer func() { <-watchDone }()
		go func() {
			defer close(watchDone)
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("watcher stopped", "error", err)
			}
		}()
	}

	mux := http.NewServeMux()
	h := api.NewHandler(store, q, backend, cfg.WorkDir, logger)
	h.RegisterRoutes(mux)

	handler := api.Chain(mux,
		api.CORS(cfg.CORSOrigins),
		api.RequestID,
		api.Logging(logger),
		api.Auth(cfg.APIKeys),
		api.RateLimit(cfg.RateLimit),
	)

	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		// SSE streams stay open for the length of a job, so no WriteTimeout.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	}()

	logger.Info("rekacad listening", "addr", cfg.ListenAddr, "provider", cfg.GenerationProvider, "concurrency", cfg.Concurrency)
	err = srv.ListenAndServe()

	// Cancelled stages finalise their jobs as FAILED before the workers exit.
	cancel()
	q.Wait()
	sender.Wait()

	if !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func newGenerator(ctx context.Context, cfg *config.Config) (llm.Generator, error) {
	switch cfg.GenerationProvider {
	case config.ProviderGemini:
		g, err := llm.NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, cfg.GeminiBaseURL)
		if err != nil {
			return nil, fmt.Errorf("gemini: %w", err)
		}
		return g, nil
	default:
		return llm.NewOpenRouter(cfg.OpenRouterURL, cfg.OpenRouterAPIKey, cfg.OpenRouterModel, nil), nil
	}
}
