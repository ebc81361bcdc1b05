package speech

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func writeAudio(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "job.wav")
	if err := os.WriteFile(path, []byte("RIFF....WAVE"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func newSpeechServer(t *testing.T, handler http.HandlerFunc) *HTTPBackend {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("POST /v1/transcribe", handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewHTTPBackend(srv.URL+"/", srv.Client())
}

func TestHTTPBackend_Transcribe(t *testing.T) {
	t.Parallel()
	b := newSpeechServer(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.FormValue("timestamps") != "word" || r.FormValue("language") != "russian" || r.FormValue("task") != "transcribe" {
			http.Error(w, "bad fields", http.StatusBadRequest)
			return
		}
		f, _, err := r.FormFile("audio")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(f)
		if string(data) != "RIFF....WAVE" {
			http.Error(w, "bad audio", http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"text":"hello","chunks":[{"start":0,"end":1.5,"text":"hello"}]}`)) //nolint:errcheck
	})

	if err := b.Ready(context.Background()); err != nil {
		t.Fatalf("Ready: %v", err)
	}
	res, err := b.Transcribe(context.Background(), writeAudio(t), Options{Language: "russian", Task: "transcribe", Granularity: GranularityWord})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "hello" || len(res.Chunks) != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestHTTPBackend_GranularityRejected(t *testing.T) {
	t.Parallel()
	b := newSpeechServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":{"code":"unsupported_timestamp_granularity","message":"word timestamps need eager attention"}}`)) //nolint:errcheck
	})
	_, err := b.Transcribe(context.Background(), writeAudio(t), Options{Granularity: GranularityWord})
	if !errors.Is(err, ErrGranularityUnsupported) {
		t.Fatalf("error = %v, want ErrGranularityUnsupported", err)
	}
}

func TestHTTPBackend_ServerError(t *testing.T) {
	t.Parallel()
	b := newSpeechServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "out of memory", http.StatusInternalServerError)
	})
	_, err := b.Transcribe(context.Background(), writeAudio(t), Options{Granularity: GranularityWord})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *StatusError", err)
	}
	if se.StatusCode != http.StatusInternalServerError || se.Body != "out of memory" {
		t.Errorf("StatusError = %+v", se)
	}
	if errors.Is(err, ErrGranularityUnsupported) {
		t.Error("a 500 must not be treated as a granularity rejection")
	}
}

func TestHTTPBackend_NotReady(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	if err := NewHTTPBackend(srv.URL, nil).Ready(context.Background()); err == nil {
		t.Fatal("expected Ready to fail on 503")
	}
}

func TestHTTPBackend_MissingAudio(t *testing.T) {
	t.Parallel()
	b := NewHTTPBackend("http://127.0.0.1:1", nil)
	if _, err := b.Transcribe(context.Background(), "/nonexistent.wav", Options{}); err == nil {
		t.Fatal("expected error for missing audio file")
	}
}
