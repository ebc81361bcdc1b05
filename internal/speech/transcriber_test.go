package speech

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

type fakeBackend struct {
	readyErr error
	// results and errs are keyed by requested granularity.
	results map[Granularity]*RawResult
	errs    map[Granularity]error
	calls   []Options
}

func (f *fakeBackend) Ready(ctx context.Context) error { return f.readyErr }

func (f *fakeBackend) Transcribe(ctx context.Context, audioPath string, opts Options) (*RawResult, error) {
	f.calls = append(f.calls, opts)
	if err := f.errs[opts.Granularity]; err != nil {
		return nil, err
	}
	return f.results[opts.Granularity], nil
}

func TestTranscribe_WordLevel(t *testing.T) {
	t.Parallel()
	b := &fakeBackend{results: map[Granularity]*RawResult{
		GranularityWord: {Text: "hi there", Chunks: []json.RawMessage{json.RawMessage(`{"start":0,"end":1,"text":"hi"}`)}},
	}}
	tr := NewTranscriber(b, "russian", "", nil)

	res, err := tr.Transcribe(context.Background(), "/a.wav")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "hi there" || len(res.Chunks) != 1 || res.Granularity != GranularityWord {
		t.Errorf("result = %+v", res)
	}
	if len(b.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(b.calls))
	}
	if b.calls[0].Language != "russian" || b.calls[0].Task != "transcribe" {
		t.Errorf("options = %+v", b.calls[0])
	}
}

func TestTranscribe_FallsBackToSegments(t *testing.T) {
	t.Parallel()
	b := &fakeBackend{
		errs: map[Granularity]error{GranularityWord: fmt.Errorf("%w: attention mask", ErrGranularityUnsupported)},
		results: map[Granularity]*RawResult{
			GranularitySegment: {Text: "coarse", Chunks: []json.RawMessage{json.RawMessage(`{"timestamp":[0,30],"text":"coarse"}`)}},
		},
	}
	res, err := NewTranscriber(b, "", "", nil).Transcribe(context.Background(), "/a.wav")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Granularity != GranularitySegment || res.Text != "coarse" {
		t.Errorf("result = %+v", res)
	}
	if len(b.calls) != 2 || b.calls[1].Granularity != GranularitySegment {
		t.Errorf("calls = %+v, want word then segment", b.calls)
	}
}

func TestTranscribe_FallbackAlsoFails(t *testing.T) {
	t.Parallel()
	b := &fakeBackend{errs: map[Granularity]error{
		GranularityWord:    ErrGranularityUnsupported,
		GranularitySegment: ErrGranularityUnsupported,
	}}
	_, err := NewTranscriber(b, "", "", nil).Transcribe(context.Background(), "/a.wav")
	if err == nil {
		t.Fatal("expected error")
	}
	if len(b.calls) != 2 {
		t.Errorf("calls = %d, want exactly one retry", len(b.calls))
	}
}

func TestTranscribe_OtherErrorsAreNotRetried(t *testing.T) {
	t.Parallel()
	boom := errors.New("connection reset")
	b := &fakeBackend{errs: map[Granularity]error{GranularityWord: boom}}
	_, err := NewTranscriber(b, "", "", nil).Transcribe(context.Background(), "/a.wav")
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want wrapped boom", err)
	}
	if len(b.calls) != 1 {
		t.Errorf("calls = %d, want 1", len(b.calls))
	}
}

func TestTranscribe_EmptyResultIsNotAnError(t *testing.T) {
	t.Parallel()
	b := &fakeBackend{results: map[Granularity]*RawResult{GranularityWord: {}}}
	res, err := NewTranscriber(b, "", "", nil).Transcribe(context.Background(), "/a.wav")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "" || len(res.Chunks) != 0 {
		t.Errorf("result = %+v, want empty", res)
	}
}

func TestTranscribe_BackendUnavailable(t *testing.T) {
	t.Parallel()
	_, err := NewTranscriber(nil, "", "", nil).Transcribe(context.Background(), "/a.wav")
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("nil backend error = %v, want ErrBackendUnavailable", err)
	}

	b := &fakeBackend{readyErr: errors.New("model not loaded")}
	_, err = NewTranscriber(b, "", "", nil).Transcribe(context.Background(), "/a.wav")
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("not ready error = %v, want ErrBackendUnavailable", err)
	}
	if len(b.calls) != 0 {
		t.Error("Transcribe called on a backend that is not ready")
	}
}
