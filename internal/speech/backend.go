// Package speech turns extracted audio into a transcript with canonical
// timestamped chunks.
package speech

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrBackendUnavailable means no speech backend could be initialised.
	ErrBackendUnavailable = errors.New("speech backend unavailable")
	// ErrGranularityUnsupported is reported by a backend that rejects the
	// requested timestamp granularity.
	ErrGranularityUnsupported = errors.New("timestamp granularity unsupported")
)

// Granularity selects how fine the backend's timestamps are.
type Granularity string

const (
	GranularityWord    Granularity = "word"
	GranularitySegment Granularity = "segment"
)

// Options are the per-request hints sent to a backend.
type Options struct {
	Language    string
	Task        string
	Granularity Granularity
}

// RawResult is a backend response before chunk normalisation.
type RawResult struct {
	Text   string            `json:"text"`
	Chunks []json.RawMessage `json:"chunks"`
}

// Backend is a speech-to-text engine.
type Backend interface {
	// Ready reports whether the backend can serve requests.
	Ready(ctx context.Context) error
	Transcribe(ctx context.Context, audioPath string, opts Options) (*RawResult, error)
}
