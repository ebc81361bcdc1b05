package main

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/rekacad/rekacad/internal/config"
)

type readiness interface {
	Ready(ctx context.Context) error
}

// preflight warns about missing runtime dependencies. It never aborts
// startup: jobs fail individually with a precise log instead, and the speech
// server is often started after this service.
func preflight(ctx context.Context, cfg *config.Config, speech readiness, logger *slog.Logger) {
	if _, err := exec.LookPath(cfg.FFmpegPath); err != nil {
		logger.Warn("preflight: ffmpeg not found, audio extraction will fail", "path", cfg.FFmpegPath, "error", err)
	}

	probe, err := os.CreateTemp(cfg.WorkDir, ".preflight-*")
	if err != nil {
		logger.Warn("preflight: work dir is not writable", "dir", cfg.WorkDir, "error", err)
	} else {
		probe.Close()
		os.Remove(probe.Name())
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := speech.Ready(ctx); err != nil {
		logger.Warn("preflight: speech backend not ready", "url", cfg.SpeechURL, "error", err)
		return
	}
	logger.Info("preflight: speech backend ready", "url", cfg.SpeechURL)
}
