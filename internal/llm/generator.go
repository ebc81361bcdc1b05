// Package llm sends prompts to a remote text-generation model. Every call is
// a single attempt; callers decide whether to retry.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// ErrGenerationFailed matches every *GenerationError.
var ErrGenerationFailed = errors.New("generation failed")

// Generator turns a prompt into generated text.
type Generator interface {
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// GenerationError is a non-success answer from the generation backend.
// StatusCode is zero when the backend reported no HTTP status.
type GenerationError struct {
	Provider   string
	StatusCode int
	Body       string
	Err        error
}

func (e *GenerationError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("%s request failed with status %d: %s", e.Provider, e.StatusCode, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("%s request failed: %v", e.Provider, e.Err)
	default:
		return fmt.Sprintf("%s request failed: %s", e.Provider, e.Body)
	}
}

func (e *GenerationError) Is(target error) bool { return target == ErrGenerationFailed }

func (e *GenerationError) Unwrap() error { return e.Err }
