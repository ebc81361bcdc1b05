// Package pipeline drives one job through audio extraction, transcription,
// summary generation and notes generation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/rekacad/rekacad/internal/job"
	"github.com/rekacad/rekacad/internal/llm"
	"github.com/rekacad/rekacad/internal/speech"
)

// Store is the part of job.Store the orchestrator writes through.
type Store interface {
	Get(ctx context.Context, id string) (*job.Job, error)
	GetRecording(ctx context.Context, id string) (*job.Recording, error)
	MarkRunning(ctx context.Context, id string, at time.Time) error
	Finish(ctx context.Context, id string, status job.Status, log string, at time.Time) error
	SaveTranscript(ctx context.Context, t *job.Transcript) error
	SaveSummary(ctx context.Context, s *job.Summary) error
	SaveNotes(ctx context.Context, n *job.Notes) error
}

// Extractor decodes a media file's audio track to a wav file.
type Extractor interface {
	Extract(ctx context.Context, inputPath, outputPath string) error
}

// Transcriber turns a wav file into text and canonical chunks.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (*speech.Result, error)
}

// Notifier observes progress. All methods must return quickly.
type Notifier interface {
	StageStarted(jobID string, stage Stage)
	JobFinished(j *job.Job)
}

// Options tunes token budgets, stage deadlines and scratch space.
// A zero timeout means no deadline for that stage.
type Options struct {
	WorkDir           string
	SummaryMaxTokens  int
	NotesMaxTokens    int
	ExtractTimeout    time.Duration
	TranscribeTimeout time.Duration
	GenerateTimeout   time.Duration
}

// Orchestrator runs the pipeline for one job at a time per call; it holds no
// per-job state, so one instance serves every worker.
type Orchestrator struct {
	store       Store
	extractor   Extractor
	transcriber Transcriber
	generator   llm.Generator
	notifier    Notifier
	opts        Options
	logger      *slog.Logger
	now         func() time.Time
}

// New builds an Orchestrator. notifier and logger may be nil.
func New(store Store, extractor Extractor, transcriber Transcriber, generator llm.Generator, notifier Notifier, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.WorkDir == "" {
		opts.WorkDir = os.TempDir()
	}
	if opts.SummaryMaxTokens <= 0 {
		opts.SummaryMaxTokens = 1500
	}
	if opts.NotesMaxTokens <= 0 {
		opts.NotesMaxTokens = 5000
	}
	return &Orchestrator{
		store:       store,
		extractor:   extractor,
		transcriber: transcriber,
		generator:   generator,
		notifier:    notifier,
		opts:        opts,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Run executes the pipeline for jobID. Stage failures do not surface as an
// error: they leave the job FAILED with the cause in its log. Run returns an
// error only when the job is missing, not PENDING, or could not be
// finalised.
func (o *Orchestrator) Run(ctx context.Context, jobID string) (err error) {
	j, err := o.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status != job.StatusPending {
		return fmt.Errorf("job %s is %s: %w", jobID, j.Status, ErrNotRunnable)
	}
	if err := o.store.MarkRunning(ctx, jobID, o.now()); err != nil {
		if errors.Is(err, job.ErrNotPending) {
			return fmt.Errorf("%w: %w", ErrNotRunnable, err)
		}
		return err
	}

	log := o.logger.With("job_id", jobID)
	log.Info("job started", "recording_id", j.RecordingID)
	start := time.Now()

	var runErr error
	defer func() {
		if r := recover(); r != nil {
			runErr = &PanicError{Value: r, Stack: debug.Stack()}
		}

		status, text := job.StatusSuccess, ""
		if runErr != nil {
			status, text = job.StatusFailed, failureLog(runErr)
		}

		// The terminal write must land even if ctx was cancelled mid-stage.
		fctx := context.WithoutCancel(ctx)
		if ferr := o.store.Finish(fctx, jobID, status, text, o.now()); ferr != nil {
			log.Error("finalize job", "status", status, "error", ferr)
			err = fmt.Errorf("finalize job %s: %w", jobID, ferr)
			return
		}

		if runErr != nil {
			log.Warn("job failed", "error", runErr, "duration", time.Since(start))
		} else {
			log.Info("job succeeded", "duration", time.Since(start))
		}
		if o.notifier != nil {
			if final, gerr := o.store.Get(fctx, jobID); gerr == nil {
				o.notifier.JobFinished(final)
			}
		}
	}()

	runErr = o.execute(ctx, j, log)
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, j *job.Job, log *slog.Logger) error {
	inputPath, err := o.resolveInput(ctx, j)
	if err != nil {
		return &StageError{Stage: StageInput, Err: err}
	}

	audioPath := filepath.Join(o.opts.WorkDir, j.ID+".wav")
	defer os.Remove(audioPath)

	o.stage(j.ID, StageExtract, log)
	err = o.withTimeout(ctx, o.opts.ExtractTimeout, func(ctx context.Context) error {
		return o.extractor.Extract(ctx, inputPath, audioPath)
	})
	if err != nil {
		return &StageError{Stage: StageExtract, Err: err}
	}

	o.stage(j.ID, StageTranscribe, log)
	var tr *speech.Result
	err = o.withTimeout(ctx, o.opts.TranscribeTimeout, func(ctx context.Context) error {
		var terr error
		tr, terr = o.transcriber.Transcribe(ctx, audioPath)
		return terr
	})
	if err != nil {
		return &StageError{Stage: StageTranscribe, Err: err}
	}
	transcript := &job.Transcript{JobID: j.ID, Text: tr.Text, Chunks: tr.Chunks}
	if err := o.store.SaveTranscript(ctx, transcript); err != nil {
		return &StageError{Stage: StageTranscribe, Err: err}
	}
	log.Info("transcript saved", "chunks", len(tr.Chunks), "granularity", tr.Granularity)

	o.stage(j.ID, StageSummarize, log)
	summary, err := o.generate(ctx, buildSummaryPrompt(tr.Text), o.opts.SummaryMaxTokens)
	if err != nil {
		return &StageError{Stage: StageSummarize, Err: err}
	}
	if err := o.store.SaveSummary(ctx, &job.Summary{JobID: j.ID, Text: summary}); err != nil {
		return &StageError{Stage: StageSummarize, Err: err}
	}

	o.stage(j.ID, StageNotes, log)
	notes, err := o.generate(ctx, buildNotesPrompt(tr.Text), o.opts.NotesMaxTokens)
	if err != nil {
		return &StageError{Stage: StageNotes, Err: err}
	}
	if err := o.store.SaveNotes(ctx, &job.Notes{JobID: j.ID, Text: notes}); err != nil {
		return &StageError{Stage: StageNotes, Err: err}
	}
	return nil
}

func (o *Orchestrator) resolveInput(ctx context.Context, j *job.Job) (string, error) {
	rec, err := o.store.GetRecording(ctx, j.RecordingID)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInputUnavailable, err)
	}
	info, err := os.Stat(rec.MediaPath)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInputUnavailable, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrInputUnavailable, rec.MediaPath)
	}
	return rec.MediaPath, nil
}

func (o *Orchestrator) generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	var text string
	err := o.withTimeout(ctx, o.opts.GenerateTimeout, func(ctx context.Context) error {
		var gerr error
		text, gerr = o.generator.Generate(ctx, prompt, maxTokens)
		return gerr
	})
	return text, err
}

func (o *Orchestrator) stage(jobID string, s Stage, log *slog.Logger) {
	log.Info("stage started", "stage", s)
	if o.notifier != nil {
		o.notifier.StageStarted(jobID, s)
	}
}

func (o *Orchestrator) withTimeout(ctx context.Context, d time.Duration, fn func(context.Context) error) error {
	if d <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	if err := fn(ctx); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("deadline of %s exceeded: %w", d, err)
		}
		return err
	}
	return nil
}
