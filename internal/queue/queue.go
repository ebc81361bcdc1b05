// Package queue hands jobs from the request layer to background workers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rekacad/rekacad/internal/job"
	"github.com/rekacad/rekacad/internal/pipeline"
	"github.com/rekacad/rekacad/internal/webhook"
)

// ErrQueueFull is returned by Enqueue when the buffer has no room. The job
// stays PENDING and the sweeper picks it up later.
var ErrQueueFull = errors.New("queue full")

// interruptedLog is written to jobs found RUNNING at startup.
const interruptedLog = "interrupted: worker restarted"

// SSEEvent represents a Server-Sent Events event.
type SSEEvent struct {
	Event string // "status", "stage", "result"
	Data  string // JSON string
}

// Runner executes one job. *pipeline.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, jobID string) error
}

// Callbacks delivers completion webhooks. *webhook.Sender satisfies it.
type Callbacks interface {
	Send(ctx context.Context, callbackURL string, p webhook.Payload)
}

// Options sizes the queue.
type Options struct {
	Concurrency int
	QueueSize   int
}

// Queue manages the job channel, the worker goroutines and SSE subscribers.
type Queue struct {
	jobs        chan string
	store       job.Store
	concurrency int
	callbacks   Callbacks
	logger      *slog.Logger

	mu   sync.RWMutex
	subs map[string][]chan SSEEvent

	flightMu sync.Mutex
	inflight map[string]struct{}

	workers sync.WaitGroup

	// baseCtx outlives individual jobs; webhooks are bound to it.
	baseCtx context.Context
	now     func() time.Time
}

// New creates a Queue. callbacks and logger may be nil.
func New(store job.Store, opts Options, callbacks Callbacks, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 1
	}
	return &Queue{
		jobs:        make(chan string, opts.QueueSize),
		store:       store,
		concurrency: opts.Concurrency,
		callbacks:   callbacks,
		logger:      logger,
		subs:        make(map[string][]chan SSEEvent),
		inflight:    make(map[string]struct{}),
		baseCtx:     context.Background(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Submit creates a PENDING job for an existing recording and enqueues it.
// A full queue is not an error: the job is persisted and swept later.
func (q *Queue) Submit(ctx context.Context, req job.CreateRequest) (*job.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if _, err := q.store.GetRecording(ctx, req.RecordingID); err != nil {
		return nil, err
	}

	j := &job.Job{
		ID:          uuid.New().String(),
		RecordingID: req.RecordingID,
		Status:      job.StatusPending,
		CallbackURL: req.CallbackURL,
		CreatedAt:   q.now(),
	}
	if err := q.store.Create(ctx, j); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	if err := q.Enqueue(j.ID); err != nil {
		q.logger.Warn("job left pending", "job_id", j.ID, "error", err)
	}
	return j, nil
}

// Enqueue hands a job ID to the workers without blocking. Enqueuing an ID
// that is already queued or running is a no-op.
func (q *Queue) Enqueue(jobID string) error {
	q.flightMu.Lock()
	defer q.flightMu.Unlock()

	if _, ok := q.inflight[jobID]; ok {
		return nil
	}
	select {
	case q.jobs <- jobID:
		q.inflight[jobID] = struct{}{}
		return nil
	default:
		return fmt.Errorf("%w: cannot enqueue job %s", ErrQueueFull, jobID)
	}
}

func (q *Queue) release(jobID string) {
	q.flightMu.Lock()
	delete(q.inflight, jobID)
	q.flightMu.Unlock()
}

// InFlight reports whether jobID is queued or running in this process.
func (q *Queue) InFlight(jobID string) bool {
	q.flightMu.Lock()
	defer q.flightMu.Unlock()
	_, ok := q.inflight[jobID]
	return ok
}

// Start launches the worker goroutines. They stop when ctx is cancelled,
// after finalising the job they hold; Wait blocks until then.
func (q *Queue) Start(ctx context.Context, runner Runner) {
	q.baseCtx = ctx
	for range q.concurrency {
		q.workers.Add(1)
		go func() {
			defer q.workers.Done()
			q.runWorker(ctx, runner)
		}()
	}
}

// Wait blocks until every worker started by Start has returned. Call it after
// cancelling the Start context and before closing the store.
func (q *Queue) Wait() {
	q.workers.Wait()
}

// Recovery finalises jobs a dead worker left RUNNING and re-enqueues every
// PENDING job. Call it after Start.
func (q *Queue) Recovery(ctx context.Context) error {
	failed, err := q.store.FailRunning(ctx, interruptedLog, q.now())
	if err != nil {
		return fmt.Errorf("fail running jobs: %w", err)
	}
	for _, id := range failed {
		q.logger.Warn("recovery: interrupted job marked failed", "job_id", id)
		if j, err := q.store.Get(ctx, id); err == nil {
			q.JobFinished(j)
		}
	}

	n, err := q.enqueuePending(ctx)
	if err != nil {
		return err
	}
	if n > 0 || len(failed) > 0 {
		q.logger.Info("recovery complete", "failed", len(failed), "requeued", n)
	}
	return nil
}

// StartSweep periodically re-enqueues PENDING jobs that are not in flight.
func (q *Queue) StartSweep(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := q.enqueuePending(ctx)
				if err != nil {
					q.logger.Error("sweep failed", "error", err)
				} else if n > 0 {
					q.logger.Info("sweep requeued pending jobs", "count", n)
				}
			}
		}
	}()
}

func (q *Queue) enqueuePending(ctx context.Context) (int, error) {
	ids, err := q.store.ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending: %w", err)
	}
	n := 0
	for _, id := range ids {
		if q.InFlight(id) {
			continue
		}
		if err := q.Enqueue(id); err != nil {
			q.logger.Warn("requeue stopped", "job_id", id, "error", err)
			break
		}
		n++
	}
	return n, nil
}

func (q *Queue) runWorker(ctx context.Context, runner Runner) {
	for {
		select {
		case <-ctx.Done():
			return
		case jobID := <-q.jobs:
			q.processJob(ctx, runner, jobID)
		}
	}
}

func (q *Queue) processJob(ctx context.Context, runner Runner, jobID string) {
	defer q.release(jobID)

	err := runner.Run(ctx, jobID)
	switch {
	case err == nil:
	case errors.Is(err, pipeline.ErrNotRunnable):
		q.logger.Debug("worker: skipping job", "job_id", jobID, "error", err)
	case errors.Is(err, job.ErrNotFound):
		q.logger.Warn("worker: job not found (deleted?)", "job_id", jobID)
	default:
		q.logger.Error("worker: run job", "job_id", jobID, "error", err)
	}
}

// GetJob returns the current state of a job.
func (q *Queue) GetJob(ctx context.Context, id string) (*job.Job, error) {
	return q.store.Get(ctx, id)
}

// GetTranscript returns a job's transcript, or job.ErrNotFound if the job or
// its transcript does not exist.
func (q *Queue) GetTranscript(ctx context.Context, id string) (*job.Transcript, error) {
	if _, err := q.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return q.store.GetTranscript(ctx, id)
}

func (q *Queue) GetSummary(ctx context.Context, id string) (*job.Summary, error) {
	if _, err := q.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return q.store.GetSummary(ctx, id)
}

func (q *Queue) GetNotes(ctx context.Context, id string) (*job.Notes, error) {
	if _, err := q.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return q.store.GetNotes(ctx, id)
}

// GetArtifact returns the artifact of the given kind.
func (q *Queue) GetArtifact(ctx context.Context, id string, kind job.ArtifactKind) (any, error) {
	switch kind {
	case job.ArtifactTranscript:
		return q.GetTranscript(ctx, id)
	case job.ArtifactSummary:
		return q.GetSummary(ctx, id)
	case job.ArtifactNotes:
		return q.GetNotes(ctx, id)
	default:
		return nil, fmt.Errorf("unknown artifact kind %q", kind)
	}
}

// Subscribe creates a buffered SSE channel for a job and returns it.
func (q *Queue) Subscribe(jobID string) chan SSEEvent {
	ch := make(chan SSEEvent, 64)
	q.mu.Lock()
	q.subs[jobID] = append(q.subs[jobID], ch)
	q.mu.Unlock()
	return ch
}

// Unsubscribe removes an SSE channel from the map.
func (q *Queue) Unsubscribe(jobID string, ch chan SSEEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()

	chans := q.subs[jobID]
	for i, c := range chans {
		if c == ch {
			q.subs[jobID] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(q.subs[jobID]) == 0 {
		delete(q.subs, jobID)
	}
}

// StageStarted implements pipeline.Notifier.
func (q *Queue) StageStarted(jobID string, stage pipeline.Stage) {
	data, _ := json.Marshal(map[string]string{
		"status": string(job.StatusRunning),
		"stage":  string(stage),
	})
	q.notify(jobID, SSEEvent{Event: "stage", Data: string(data)})
}

// JobFinished implements pipeline.Notifier: it closes SSE streams with a
// result event and fires the callback webhook, if any.
func (q *Queue) JobFinished(j *job.Job) {
	data, _ := json.Marshal(map[string]any{
		"status":      j.Status,
		"log":         j.Log,
		"finished_at": j.FinishedAt,
	})
	q.notifyAndClose(j.ID, SSEEvent{Event: "result", Data: string(data)})

	if j.CallbackURL != "" && q.callbacks != nil {
		q.callbacks.Send(q.baseCtx, j.CallbackURL, webhook.Payload{
			JobID:      j.ID,
			Status:     string(j.Status),
			Log:        j.Log,
			FinishedAt: j.FinishedAt,
		})
	}
}

// notify sends an event to all subscribers of a job without blocking.
func (q *Queue) notify(jobID string, event SSEEvent) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for _, ch := range q.subs[jobID] {
		select {
		case ch <- event:
		default:
		}
	}
}

// notifyAndClose sends the final event and closes all channels for the job.
func (q *Queue) notifyAndClose(jobID string, event SSEEvent) {
	q.mu.Lock()
	chans := q.subs[jobID]
	delete(q.subs, jobID)
	q.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- event:
		default:
		}
		close(ch)
	}
}
