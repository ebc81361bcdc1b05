// Package watcher turns media files dropped into a directory into jobs.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/rekacad/rekacad/internal/job"
)

var mediaExts = map[string]bool{
	".mp4": true, ".mov": true, ".avi": true, ".mkv": true, ".webm": true, ".m4v": true, ".flv": true,
	".mp3": true, ".wav": true, ".m4a": true, ".ogg": true, ".flac": true,
}

// IsMedia reports whether path has an extension ffmpeg is expected to decode.
func IsMedia(path string) bool {
	return mediaExts[strings.ToLower(filepath.Ext(path))]
}

// Handler processes one new file.
type Handler func(ctx context.Context, path string) error

// Watcher monitors a single directory for newly created media files.
type Watcher struct {
	dir     string
	handler Handler
	logger  *slog.Logger
	fs      *fsnotify.Watcher
	// settle is how long a file must stop growing before it is handled.
	settle time.Duration
	wg     sync.WaitGroup
}

func New(dir string, handler Handler, settle time.Duration, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if settle <= 0 {
		settle = 500 * time.Millisecond
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("add watch path: %w", err)
	}
	return &Watcher{dir: dir, handler: handler, logger: logger, fs: fsw, settle: settle}, nil
}

// Run dispatches create events until ctx is cancelled, then waits for
// handlers still running.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info("watcher started", "dir", w.dir)
	defer w.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watcher stopped", "dir", w.dir)
			return ctx.Err()

		case event, ok := <-w.fs.Events:
			if !ok {
				return errors.New("watcher events channel closed")
			}
			if !event.Has(fsnotify.Create) {
				continue
			}
			if !IsMedia(event.Name) {
				w.logger.Debug("watcher: ignoring non-media file", "path", event.Name)
				continue
			}
			w.wg.Add(1)
			go func(path string) {
				defer w.wg.Done()
				w.handle(ctx, path)
			}(event.Name)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return errors.New("watcher errors channel closed")
			}
			w.logger.Error("watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, path string) {
	if err := w.waitStable(ctx, path); err != nil {
		w.logger.Warn("watcher: file not ready", "path", path, "error", err)
		return
	}
	if err := w.handler(ctx, path); err != nil {
		w.logger.Error("watcher: handle file", "path", path, "error", err)
	}
}

// waitStable returns once the file size is unchanged across one settle period.
func (w *Watcher) waitStable(ctx context.Context, path string) error {
	last := int64(-1)
	for {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if info.Size() == last {
			return nil
		}
		last = info.Size()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.settle):
		}
	}
}

// Close releases the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.fs.Close()
}

// Registrar stores recordings.
type Registrar interface {
	CreateRecording(ctx context.Context, r *job.Recording) error
}

// Submitter creates and enqueues a job. *queue.Queue satisfies it.
type Submitter interface {
	Submit(ctx context.Context, req job.CreateRequest) (*job.Job, error)
}

// Ingest returns a Handler that registers each file as a recording owned by
// owner/group and submits a job for it.
func Ingest(reg Registrar, sub Submitter, owner, group string, logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, path string) error {
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		rec := &job.Recording{
			ID:        uuid.New().String(),
			Owner:     owner,
			Group:     group,
			MediaPath: abs,
			CreatedAt: time.Now().UTC(),
		}
		if err := reg.CreateRecording(ctx, rec); err != nil {
			return fmt.Errorf("register recording: %w", err)
		}
		j, err := sub.Submit(ctx, job.CreateRequest{RecordingID: rec.ID})
		if err != nil {
			return fmt.Errorf("submit job: %w", err)
		}
		logger.Info("watcher: job submitted", "path", abs, "recording_id", rec.ID, "job_id", j.ID)
		return nil
	}
}
