package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rekacad/rekacad/internal/job"
	"github.com/rekacad/rekacad/internal/pipeline"
	"github.com/rekacad/rekacad/internal/queue"
)

const testAPIKey = "test-api-key"

type fakeProbe struct{ err error }

func (p fakeProbe) Ready(ctx context.Context) error { return p.err }

type testEnv struct {
	srv   *httptest.Server
	store *job.SQLiteStore
	queue *queue.Queue
}

// newTestServer builds an httptest.Server with a real SQLiteStore, Queue and
// Handler. Workers are not started, so submitted jobs stay PENDING.
func newTestServer(t *testing.T, probe Probe) *testEnv {
	t.Helper()

	store, err := job.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	q := queue.New(store, queue.Options{Concurrency: 1, QueueSize: 100}, nil, nil)
	h := NewHandler(store, q, probe, t.TempDir(), nil)

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	handler := Chain(mux, CORS(nil), RequestID, Auth([]string{testAPIKey}))

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: store, queue: q}
}

func doRequest(t *testing.T, env *testEnv, method, path string, body any, withAuth bool) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rd = strings.NewReader(b)
		default:
			data, _ := json.Marshal(b)
			rd = bytes.NewReader(data)
		}
	}
	req, err := http.NewRequest(method, env.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if withAuth {
		req.Header.Set("X-API-Key", testAPIKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func (env *testEnv) seedRecording(t *testing.T) *job.Recording {
	t.Helper()
	resp := doRequest(t, env, http.MethodPost, "/api/v1/recordings", map[string]string{
		"owner": "alice", "group": "physics-101", "media_path": "/srv/media/lecture.mp4",
	}, true)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create recording: status = %d, want 201", resp.StatusCode)
	}
	return decode[*job.Recording](t, resp)
}

func (env *testEnv) seedJob(t *testing.T, recordingID string) *job.Job {
	t.Helper()
	resp := doRequest(t, env, http.MethodPost, "/api/v1/jobs", map[string]string{"recording_id": recordingID}, true)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("create job: status = %d, want 202", resp.StatusCode)
	}
	return decode[*job.Job](t, resp)
}

func (env *testEnv) finish(t *testing.T, id string, status job.Status, log string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	if err := env.store.MarkRunning(ctx, id, now); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if err := env.store.Finish(ctx, id, status, log, now); err != nil {
		t.Fatalf("Finish: %v", err)
	}
}

func TestCreateRecording(t *testing.T) {
	env := newTestServer(t, nil)
	rec := env.seedRecording(t)
	if rec.ID == "" || rec.Owner != "alice" || rec.Group != "physics-101" {
		t.Errorf("recording = %+v", rec)
	}

	resp := doRequest(t, env, http.MethodGet, "/api/v1/recordings/"+rec.ID, nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get recording: status = %d, want 200", resp.StatusCode)
	}
	if got := decode[*job.Recording](t, resp); got.MediaPath != "/srv/media/lecture.mp4" {
		t.Errorf("media_path = %q", got.MediaPath)
	}
}

func TestCreateRecording_BadRequests(t *testing.T) {
	env := newTestServer(t, nil)
	tests := []struct {
		name string
		body any
	}{
		{"invalid JSON", "{not json"},
		{"missing media_path", map[string]string{"owner": "a", "group": "g"}},
		{"missing owner", map[string]string{"group": "g", "media_path": "/x.mp4"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doRequest(t, env, http.MethodPost, "/api/v1/recordings", tt.body, true)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestGetRecording_NotFound(t *testing.T) {
	env := newTestServer(t, nil)
	resp := doRequest(t, env, http.MethodGet, "/api/v1/recordings/nope", nil, true)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestDeleteRecording(t *testing.T) {
	env := newTestServer(t, nil)
	rec := env.seedRecording(t)
	j := env.seedJob(t, rec.ID)
	env.finish(t, j.ID, job.StatusSuccess, "")

	resp := doRequest(t, env, http.MethodDelete, "/api/v1/recordings/"+rec.ID, nil, true)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	if resp := doRequest(t, env, http.MethodGet, "/api/v1/jobs/"+j.ID, nil, true); resp.StatusCode != http.StatusNotFound {
		t.Errorf("job after delete: status = %d, want 404", resp.StatusCode)
	}
	if resp := doRequest(t, env, http.MethodDelete, "/api/v1/recordings/"+rec.ID, nil, true); resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete: status = %d, want 404", resp.StatusCode)
	}
}

func TestDeleteRecording_RunningJobConflict(t *testing.T) {
	env := newTestServer(t, nil)
	rec := env.seedRecording(t)
	j := env.seedJob(t, rec.ID)
	if err := env.store.MarkRunning(context.Background(), j.ID, time.Now().UTC()); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}

	resp := doRequest(t, env, http.MethodDelete, "/api/v1/recordings/"+rec.ID, nil, true)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	if _, err := env.store.GetRecording(context.Background(), rec.ID); err != nil {
		t.Errorf("recording removed despite running job: %v", err)
	}
}

func TestCreateJob_Returns202Pending(t *testing.T) {
	env := newTestServer(t, nil)
	rec := env.seedRecording(t)
	j := env.seedJob(t, rec.ID)

	if j.ID == "" || j.Status != job.StatusPending || j.RecordingID != rec.ID {
		t.Errorf("job = %+v", j)
	}
	if j.StartedAt != nil || j.FinishedAt != nil {
		t.Errorf("pending job has timestamps: %+v", j)
	}
	if !env.queue.InFlight(j.ID) {
		t.Error("job was not enqueued")
	}
}

func TestCreateJob_Errors(t *testing.T) {
	env := newTestServer(t, nil)
	tests := []struct {
		name string
		body any
		want int
	}{
		{"invalid JSON", "{", http.StatusBadRequest},
		{"missing recording_id", map[string]string{}, http.StatusBadRequest},
		{"unknown recording", map[string]string{"recording_id": "ghost"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doRequest(t, env, http.MethodPost, "/api/v1/jobs", tt.body, true)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestGetJob(t *testing.T) {
	env := newTestServer(t, nil)
	rec := env.seedRecording(t)
	j := env.seedJob(t, rec.ID)
	env.finish(t, j.ID, job.StatusFailed, "audio extraction failed: boom")

	resp := doRequest(t, env, http.MethodGet, "/api/v1/jobs/"+j.ID, nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	got := decode[*job.Job](t, resp)
	if got.Status != job.StatusFailed || got.Log != "audio extraction failed: boom" || got.FinishedAt == nil {
		t.Errorf("job = %+v", got)
	}

	resp = doRequest(t, env, http.MethodGet, "/api/v1/jobs/does-not-exist", nil, true)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing job: status = %d, want 404", resp.StatusCode)
	}
}

func TestListJobs(t *testing.T) {
	env := newTestServer(t, nil)
	recA := env.seedRecording(t)
	recB := env.seedRecording(t)
	env.seedJob(t, recA.ID)
	env.seedJob(t, recA.ID)
	env.seedJob(t, recB.ID)

	type page struct {
		Jobs  []*job.Job `json:"jobs"`
		Total int        `json:"total"`
		Limit int        `json:"limit"`
	}

	all := decode[page](t, doRequest(t, env, http.MethodGet, "/api/v1/jobs", nil, true))
	if all.Total != 3 || len(all.Jobs) != 3 || all.Limit != 20 {
		t.Errorf("all = total %d, len %d, limit %d", all.Total, len(all.Jobs), all.Limit)
	}

	filtered := decode[page](t, doRequest(t, env, http.MethodGet, "/api/v1/jobs?recording_id="+recA.ID+"&limit=1", nil, true))
	if filtered.Total != 2 || len(filtered.Jobs) != 1 || filtered.Jobs[0].RecordingID != recA.ID {
		t.Errorf("filtered = %+v", filtered)
	}

	clamped := decode[page](t, doRequest(t, env, http.MethodGet, "/api/v1/jobs?limit=5000", nil, true))
	if clamped.Limit != 100 {
		t.Errorf("limit = %d, want 100", clamped.Limit)
	}

	empty := doRequest(t, env, http.MethodGet, "/api/v1/jobs?recording_id=none", nil, true)
	body, _ := io.ReadAll(empty.Body)
	if !strings.Contains(string(body), `"jobs":[]`) {
		t.Errorf("empty list body = %s", body)
	}
}

func TestGetArtifact(t *testing.T) {
	env := newTestServer(t, nil)
	rec := env.seedRecording(t)
	j := env.seedJob(t, rec.ID)

	end := "00:01"
	err := env.store.SaveTranscript(context.Background(), &job.Transcript{
		JobID:  j.ID,
		Text:   "hi",
		Chunks: []job.Chunk{{Start: "00:00", End: &end, Text: "hi"}, {Start: "00:05", Text: "there"}},
	})
	if err != nil {
		t.Fatalf("SaveTranscript: %v", err)
	}

	resp := doRequest(t, env, http.MethodGet, "/api/v1/jobs/"+j.ID+"/transcript", nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("transcript: status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	want := `{"text":"hi","timestamps":[{"start":"00:00","end":"00:01","text":"hi"},{"start":"00:05","end":null,"text":"there"}]}`
	if strings.TrimSpace(string(body)) != want {
		t.Errorf("transcript body = %s, want %s", body, want)
	}

	tests := []struct {
		name string
		path string
		want int
	}{
		{"summary not produced yet", "/api/v1/jobs/" + j.ID + "/summary", http.StatusNotFound},
		{"unknown kind", "/api/v1/jobs/" + j.ID + "/slides", http.StatusNotFound},
		{"unknown job", "/api/v1/jobs/ghost/transcript", http.StatusNotFound},
		{"docx not produced yet", "/api/v1/jobs/" + j.ID + "/notes.docx", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if resp := doRequest(t, env, http.MethodGet, tt.path, nil, true); resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestExportDocx(t *testing.T) {
	env := newTestServer(t, nil)
	rec := env.seedRecording(t)
	j := env.seedJob(t, rec.ID)
	if err := env.store.SaveSummary(context.Background(), &job.Summary{JobID: j.ID, Text: "00:00 - 06:30: **intro**"}); err != nil {
		t.Fatalf("SaveSummary: %v", err)
	}

	resp := doRequest(t, env, http.MethodGet, "/api/v1/jobs/"+j.ID+"/summary.docx", nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != docxContentType {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, j.ID+"-summary.docx") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.HasPrefix(body, []byte("PK")) {
		t.Error("body is not a zip container")
	}
}

func TestStreamSSE_TerminalJob(t *testing.T) {
	env := newTestServer(t, nil)
	rec := env.seedRecording(t)
	j := env.seedJob(t, rec.ID)
	env.finish(t, j.ID, job.StatusSuccess, "")

	resp := doRequest(t, env, http.MethodGet, "/api/v1/jobs/"+j.ID+"/sse", nil, true)
	body, _ := io.ReadAll(resp.Body)
	if !strings.HasPrefix(string(body), "event: result\n") || !strings.Contains(string(body), `"status":"SUCCESS"`) {
		t.Errorf("body = %s", body)
	}
}

func TestStreamSSE_LiveEvents(t *testing.T) {
	env := newTestServer(t, nil)
	rec := env.seedRecording(t)
	j := env.seedJob(t, rec.ID)

	resp := doRequest(t, env, http.MethodGet, "/api/v1/jobs/"+j.ID+"/sse", nil, true)
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	br := bufio.NewReader(resp.Body)

	// The initial status frame proves the handler has subscribed.
	line, err := br.ReadString('\n')
	if err != nil || line != "event: status\n" {
		t.Fatalf("first line = %q, err = %v", line, err)
	}

	env.queue.StageStarted(j.ID, pipeline.StageSummarize)
	env.finish(t, j.ID, job.StatusSuccess, "")
	final, err := env.store.Get(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	env.queue.JobFinished(final)

	rest, _ := io.ReadAll(br)
	if !strings.Contains(string(rest), "event: stage\n") || !strings.Contains(string(rest), `"stage":"summarize"`) {
		t.Errorf("stream missing stage event: %s", rest)
	}
	if !strings.Contains(string(rest), "event: result\n") {
		t.Errorf("stream missing result event: %s", rest)
	}
}

func TestStreamSSE_NotFound(t *testing.T) {
	env := newTestServer(t, nil)
	resp := doRequest(t, env, http.MethodGet, "/api/v1/jobs/ghost/sse", nil, true)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name  string
		probe Probe
		want  string
	}{
		{"no probe", nil, "unknown"},
		{"ready", fakeProbe{}, "ready"},
		{"down", fakeProbe{err: errors.New("connection refused")}, "unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestServer(t, tt.probe)
			resp := doRequest(t, env, http.MethodGet, "/api/v1/health", nil, false)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, want 200", resp.StatusCode)
			}
			got := decode[map[string]string](t, resp)
			if got["status"] != "ok" || got["speech"] != tt.want {
				t.Errorf("health = %v", got)
			}
		})
	}
}

func TestAuth_NoAPIKey_Returns401(t *testing.T) {
	env := newTestServer(t, nil)
	resp := doRequest(t, env, http.MethodPost, "/api/v1/jobs", map[string]string{"recording_id": "x"}, false)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}
