package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInputUnavailable means the recording's media could not be located.
	ErrInputUnavailable = errors.New("input unavailable")
	// ErrNotRunnable means the job has already left PENDING.
	ErrNotRunnable = errors.New("job is not runnable")
)

// Stage names one step of the pipeline.
type Stage string

const (
	StageInput      Stage = "input"
	StageExtract    Stage = "extract"
	StageTranscribe Stage = "transcribe"
	StageSummarize  Stage = "summarize"
	StageNotes      Stage = "notes"
)

// StageError is the failure of one stage.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// PanicError is a panic recovered while a stage was running.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("unexpected panic: %v", e.Value)
}

// failureLog renders the job log for a failed run: a readable cause on the
// first line, then diagnostic detail.
func failureLog(err error) string {
	var sb strings.Builder

	var se *StageError
	var pe *PanicError
	switch {
	case errors.As(err, &se):
		sb.WriteString(stageHeadline(se.Stage))
		sb.WriteString(": ")
		sb.WriteString(se.Err.Error())
		fmt.Fprintf(&sb, "\n\nstage: %s", se.Stage)
	default:
		sb.WriteString(err.Error())
	}

	sb.WriteString("\ncause chain:")
	for e := err; e != nil; e = errors.Unwrap(e) {
		fmt.Fprintf(&sb, "\n  %T: %v", e, e)
	}

	if errors.As(err, &pe) {
		sb.WriteString("\n\n")
		sb.Write(pe.Stack)
	}
	return sb.String()
}

func stageHeadline(s Stage) string {
	switch s {
	case StageInput:
		return "recording media is unavailable"
	case StageExtract:
		return "audio extraction failed"
	case StageTranscribe:
		return "transcription failed"
	case StageSummarize:
		return "summary generation failed"
	case StageNotes:
		return "notes generation failed"
	default:
		return string(s) + " failed"
	}
}
