package speech

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rekacad/rekacad/internal/job"
)

type chunkShape int

const (
	shapeUnknown chunkShape = iota
	// {"start": s, "end": e, "text": ...}
	shapeStartEnd
	// {"timestamp": [s] | [s, e], "text": ...}
	shapeTimestamp
)

// rawChunk keeps each field raw so that key presence can be told apart from
// an explicit null.
type rawChunk struct {
	Start     json.RawMessage `json:"start"`
	End       json.RawMessage `json:"end"`
	Timestamp json.RawMessage `json:"timestamp"`
	Text      string          `json:"text"`
}

func (c *rawChunk) shape() chunkShape {
	switch {
	case c.Start != nil && c.End != nil:
		return shapeStartEnd
	case c.Timestamp != nil:
		return shapeTimestamp
	default:
		return shapeUnknown
	}
}

// span decodes the chunk's start and end offsets in seconds. A nil start
// means the backend did not report one.
func (c *rawChunk) span() (start, end *float64, err error) {
	switch c.shape() {
	case shapeStartEnd:
		if start, err = decodeSeconds(c.Start); err != nil {
			return nil, nil, fmt.Errorf("start: %w", err)
		}
		if end, err = decodeSeconds(c.End); err != nil {
			return nil, nil, fmt.Errorf("end: %w", err)
		}
		return start, end, nil
	case shapeTimestamp:
		var pair []json.RawMessage
		if err := json.Unmarshal(c.Timestamp, &pair); err != nil {
			return nil, nil, fmt.Errorf("timestamp: %w", err)
		}
		if len(pair) >= 1 {
			if start, err = decodeSeconds(pair[0]); err != nil {
				return nil, nil, fmt.Errorf("timestamp[0]: %w", err)
			}
		}
		if len(pair) >= 2 {
			if end, err = decodeSeconds(pair[1]); err != nil {
				return nil, nil, fmt.Errorf("timestamp[1]: %w", err)
			}
		}
		return start, end, nil
	}
	return nil, nil, fmt.Errorf("unrecognised chunk shape")
}

func decodeSeconds(raw json.RawMessage) (*float64, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Normalize converts backend chunks into canonical chunks. Chunks without a
// start are dropped; chunks of an unknown shape are logged and skipped.
func Normalize(raw []json.RawMessage, logger *slog.Logger) []job.Chunk {
	if logger == nil {
		logger = slog.Default()
	}
	chunks := make([]job.Chunk, 0, len(raw))
	for i, r := range raw {
		var c rawChunk
		if err := json.Unmarshal(r, &c); err != nil {
			logger.Warn("speech: skipping malformed chunk", "index", i, "chunk", string(r), "error", err)
			continue
		}
		start, end, err := c.span()
		if err != nil {
			logger.Warn("speech: skipping chunk", "index", i, "chunk", string(r), "error", err)
			continue
		}
		if start == nil {
			continue
		}
		chunk := job.Chunk{
			Start: FormatTimestamp(*start),
			Text:  strings.TrimSpace(c.Text),
		}
		if end != nil {
			e := FormatTimestamp(*end)
			chunk.End = &e
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}

// FormatTimestamp renders whole seconds as MM:SS. Minutes are not wrapped
// into hours.
func FormatTimestamp(seconds float64) string {
	s := int(seconds)
	if s < 0 {
		s = 0
	}
	return fmt.Sprintf("%02d:%02d", s/60, s%60)
}
