package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rekacad/rekacad/internal/job"
)

// Result is a normalised transcription.
type Result struct {
	Text        string
	Chunks      []job.Chunk
	Granularity Granularity
}

// Transcriber wraps a Backend with timestamp fallback and chunk normalisation.
type Transcriber struct {
	backend  Backend
	language string
	task     string
	logger   *slog.Logger
}

// NewTranscriber returns a Transcriber. A nil backend makes every call fail
// with ErrBackendUnavailable.
func NewTranscriber(backend Backend, language, task string, logger *slog.Logger) *Transcriber {
	if logger == nil {
		logger = slog.Default()
	}
	if task == "" {
		task = "transcribe"
	}
	return &Transcriber{backend: backend, language: language, task: task, logger: logger}
}

// Transcribe requests word-level timestamps and falls back once to
// segment-level timestamps if the backend rejects word granularity.
func (t *Transcriber) Transcribe(ctx context.Context, audioPath string) (*Result, error) {
	if t.backend == nil {
		return nil, ErrBackendUnavailable
	}
	if err := t.backend.Ready(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}

	opts := Options{Language: t.language, Task: t.task, Granularity: GranularityWord}
	raw, err := t.backend.Transcribe(ctx, audioPath, opts)
	if errors.Is(err, ErrGranularityUnsupported) {
		t.logger.Warn("speech: word-level timestamps rejected, falling back to segments", "error", err)
		opts.Granularity = GranularitySegment
		raw, err = t.backend.Transcribe(ctx, audioPath, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("transcribe (%s timestamps): %w", opts.Granularity, err)
	}

	res := &Result{Granularity: opts.Granularity, Chunks: []job.Chunk{}}
	if raw == nil {
		return res, nil
	}
	res.Text = raw.Text
	res.Chunks = Normalize(raw.Chunks, t.logger)
	return res, nil
}
