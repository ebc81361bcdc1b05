package job

import (
	"context"
	"time"
)

// Store persists and retrieves jobs, recordings and artifacts.
type Store interface {
	CreateRecording(ctx context.Context, r *Recording) error
	GetRecording(ctx context.Context, id string) (*Recording, error)
	// DeleteRecording removes a recording and cascades to its jobs and
	// artifacts. It returns ErrNotFound if the recording does not exist.
	DeleteRecording(ctx context.Context, id string) error

	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// MarkRunning moves a PENDING job to RUNNING and sets started_at.
	// It returns ErrNotFound if the job is missing and ErrNotPending if it
	// has already left PENDING.
	MarkRunning(ctx context.Context, id string, at time.Time) error
	// Finish moves a RUNNING job to a terminal status and sets finished_at.
	// It returns ErrInvalidTransition if status is not terminal and
	// ErrNotRunning if the job has already left RUNNING.
	Finish(ctx context.Context, id string, status Status, log string, at time.Time) error
	// FailRunning finalises every RUNNING job as FAILED and returns their IDs.
	// Called at startup: a RUNNING job there was owned by a dead worker.
	FailRunning(ctx context.Context, log string, at time.Time) ([]string, error)
	// ListPending returns the IDs of all PENDING jobs, oldest first.
	ListPending(ctx context.Context) ([]string, error)
	// List returns a page of jobs ordered by created_at DESC, plus the total count.
	// An empty recordingID lists all jobs.
	List(ctx context.Context, recordingID string, limit, offset int) ([]*Job, int, error)

	SaveTranscript(ctx context.Context, t *Transcript) error
	SaveSummary(ctx context.Context, s *Summary) error
	SaveNotes(ctx context.Context, n *Notes) error
	GetTranscript(ctx context.Context, jobID string) (*Transcript, error)
	GetSummary(ctx context.Context, jobID string) (*Summary, error)
	GetNotes(ctx context.Context, jobID string) (*Notes, error)
}
