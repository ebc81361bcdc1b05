package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// ExitError reports a decoder process that ran but exited non-zero.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with code %d: %s", e.Command, e.ExitCode, e.Stderr)
}

// Extractor decodes the audio track of a media file into 16 kHz mono PCM wav,
// the input format the speech backend expects.
type Extractor struct {
	ffmpegPath string
}

// NewExtractor returns an Extractor that runs the ffmpeg binary at ffmpegPath.
func NewExtractor(ffmpegPath string) *Extractor {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Extractor{ffmpegPath: ffmpegPath}
}

// Extract writes the audio of inputPath to outputPath. The output directory
// is created if needed and an existing file is overwritten.
func (e *Extractor) Extract(ctx context.Context, inputPath, outputPath string) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return fmt.Errorf("create audio dir: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.ffmpegPath, buildArgs(inputPath, outputPath)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("ffmpeg: %w", ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &ExitError{
				Command:  filepath.Base(e.ffmpegPath),
				ExitCode: exitErr.ExitCode(),
				Stderr:   tail(strings.TrimSpace(stderr.String()), 2000),
			}
		}
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	if _, err := os.Stat(outputPath); err != nil {
		return fmt.Errorf("ffmpeg completed but output is missing: %w", err)
	}
	return nil
}

// buildArgs returns the ffmpeg arguments for a 16 kHz mono s16le wav.
func buildArgs(inputPath, outputPath string) []string {
	return []string{
		"-nostdin",
		"-y",
		"-i", inputPath,
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", "16000",
		"-ac", "1",
		outputPath,
	}
}

// tail keeps at most the last n bytes of s, cut on a rune boundary; ffmpeg
// puts the actual error at the end.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return "..." + s[i:]
}
