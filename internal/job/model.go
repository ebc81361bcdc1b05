package job

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a job, recording or artifact does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNotPending is returned when a job has already left PENDING.
	ErrNotPending = errors.New("job is not pending")
	// ErrNotRunning is returned when finishing a job that is not RUNNING.
	ErrNotRunning = errors.New("job is not running")
	// ErrInvalidTransition is returned when the requested status cannot
	// follow the current one.
	ErrInvalidTransition = errors.New("invalid status transition")
)

type Status string

const (
	StatusPending Status = "PENDING"
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// IsTerminal returns true for statuses that represent a final state.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// CanTransition reports whether a job may move from s to next.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning
	case StatusRunning:
		return next == StatusSuccess || next == StatusFailed
	default:
		return false
	}
}

// Job is the persisted state of one processing run of a recording.
type Job struct {
	ID          string     `json:"id"`
	RecordingID string     `json:"recording_id"`
	Status      Status     `json:"status"`
	Log         string     `json:"log"`
	CallbackURL string     `json:"callback_url,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at"`
}

// Chunk is one timestamped piece of a transcript. Start and End use MM:SS.
type Chunk struct {
	Start string  `json:"start"`
	End   *string `json:"end"`
	Text  string  `json:"text"`
}

type Transcript struct {
	JobID  string  `json:"-"`
	Text   string  `json:"text"`
	Chunks []Chunk `json:"timestamps"`
}

type Summary struct {
	JobID string `json:"-"`
	Text  string `json:"text"`
}

type Notes struct {
	JobID string `json:"-"`
	Text  string `json:"text"`
}

// ArtifactKind names one of the three artifacts a job can produce.
type ArtifactKind string

const (
	ArtifactTranscript ArtifactKind = "transcript"
	ArtifactSummary    ArtifactKind = "summary"
	ArtifactNotes      ArtifactKind = "notes"
)

// ParseArtifactKind maps a path segment to an ArtifactKind.
func ParseArtifactKind(s string) (ArtifactKind, bool) {
	switch k := ArtifactKind(s); k {
	case ArtifactTranscript, ArtifactSummary, ArtifactNotes:
		return k, true
	}
	return "", false
}

// Recording is the uploaded session a job processes. Storage of the media
// itself happens elsewhere; only a readable path is kept.
type Recording struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Group     string    `json:"group"`
	MediaPath string    `json:"media_path"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateRequest is the payload used to submit a new job.
type CreateRequest struct {
	RecordingID string `json:"recording_id"`
	CallbackURL string `json:"callback_url,omitempty"`
}

func (r *CreateRequest) Validate() error {
	if r.RecordingID == "" {
		return errors.New("recording_id must not be empty")
	}
	return nil
}

// RegisterRecordingRequest is the payload used to register an uploaded file.
type RegisterRecordingRequest struct {
	Owner     string `json:"owner"`
	Group     string `json:"group"`
	MediaPath string `json:"media_path"`
}

func (r *RegisterRecordingRequest) Validate() error {
	if r.MediaPath == "" {
		return errors.New("media_path must not be empty")
	}
	if r.Owner == "" {
		return errors.New("owner must not be empty")
	}
	if r.Group == "" {
		return errors.New("group must not be empty")
	}
	return nil
}
