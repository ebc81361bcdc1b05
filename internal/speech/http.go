package speech

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

const codeGranularityUnsupported = "unsupported_timestamp_granularity"

// StatusError is a non-success response from the speech server.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("speech server returned %d: %s", e.StatusCode, e.Body)
}

// HTTPBackend talks to a speech server that accepts multipart audio uploads.
//
//	GET  {base}/health         -> 200 when the model is loaded
//	POST {base}/v1/transcribe  -> {"text": "...", "chunks": [...]}
type HTTPBackend struct {
	baseURL string
	client  *http.Client
}

// NewHTTPBackend returns a backend for the server at baseURL. A nil client
// uses http.DefaultClient; deadlines come from the request context.
func NewHTTPBackend(baseURL string, client *http.Client) *HTTPBackend {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPBackend{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (b *HTTPBackend) Ready(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &StatusError{StatusCode: resp.StatusCode, Body: readBody(resp.Body)}
	}
	return nil
}

func (b *HTTPBackend) Transcribe(ctx context.Context, audioPath string, opts Options) (*RawResult, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, fmt.Errorf("open audio: %w", err)
	}

	// Stream the upload; a lecture's wav is too large to buffer.
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		defer f.Close()
		pw.CloseWithError(writeForm(mw, f, filepath.Base(audioPath), opts))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/transcribe", pr)
	if err != nil {
		pr.Close()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := readBody(resp.Body)
		if resp.StatusCode == http.StatusUnprocessableEntity && errorCode(body) == codeGranularityUnsupported {
			return nil, fmt.Errorf("%w: %s", ErrGranularityUnsupported, body)
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: body}
	}

	var out RawResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

func writeForm(mw *multipart.Writer, audio io.Reader, name string, opts Options) error {
	fields := [][2]string{
		{"language", opts.Language},
		{"task", opts.Task},
		{"timestamps", string(opts.Granularity)},
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile("audio", name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, audio); err != nil {
		return err
	}
	return mw.Close()
}

func errorCode(body string) string {
	var payload struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(body), &payload) != nil {
		return ""
	}
	return payload.Error.Code
}

func readBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 64<<10))
	return strings.TrimSpace(string(b))
}
