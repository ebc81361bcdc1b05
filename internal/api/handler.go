// Package api exposes recordings, jobs and their artifacts over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/rekacad/rekacad/internal/export"
	"github.com/rekacad/rekacad/internal/job"
	"github.com/rekacad/rekacad/internal/queue"
)

const docxContentType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

// Probe reports whether a downstream dependency is ready.
type Probe interface {
	Ready(ctx context.Context) error
}

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	store     job.Store
	queue     *queue.Queue
	speech    Probe
	exportDir string
	logger    *slog.Logger
}

// NewHandler constructs a Handler. speech may be nil; exportDir holds
// temporary .docx files.
func NewHandler(store job.Store, q *queue.Queue, speech Probe, exportDir string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if exportDir == "" {
		exportDir = os.TempDir()
	}
	return &Handler{store: store, queue: q, speech: speech, exportDir: exportDir, logger: logger}
}

// RegisterRoutes registers all API routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/recordings", h.CreateRecording)
	mux.HandleFunc("GET /api/v1/recordings/{id}", h.GetRecording)
	mux.HandleFunc("DELETE /api/v1/recordings/{id}", h.DeleteRecording)
	mux.HandleFunc("POST /api/v1/jobs", h.CreateJob)
	mux.HandleFunc("GET /api/v1/jobs", h.ListJobs)
	mux.HandleFunc("GET /api/v1/jobs/{id}", h.GetJob)
	mux.HandleFunc("GET /api/v1/jobs/{id}/sse", h.StreamSSE)
	mux.HandleFunc("GET /api/v1/jobs/{id}/{kind}", h.GetArtifact)
	mux.HandleFunc("GET /api/v1/jobs/{id}/summary.docx", h.ExportDocx(job.ArtifactSummary))
	mux.HandleFunc("GET /api/v1/jobs/{id}/notes.docx", h.ExportDocx(job.ArtifactNotes))
	mux.HandleFunc("GET /api/v1/health", h.Health)
}

// CreateRecording handles POST /api/v1/recordings and responds 201 with the
// registered recording.
func (h *Handler) CreateRecording(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req job.RegisterRecordingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec := &job.Recording{
		ID:        uuid.New().String(),
		Owner:     req.Owner,
		Group:     req.Group,
		MediaPath: req.MediaPath,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.CreateRecording(r.Context(), rec); err != nil {
		h.logger.Error("create recording", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create recording")
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// GetRecording handles GET /api/v1/recordings/{id}.
func (h *Handler) GetRecording(w http.ResponseWriter, r *http.Request) {
	rec, err := h.store.GetRecording(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeLookupError(w, err, "recording")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// DeleteRecording handles DELETE /api/v1/recordings/{id}. The recording's
// jobs and artifacts go with it; a recording with a RUNNING job is refused
// with 409 so the worker can still finalise it.
func (h *Handler) DeleteRecording(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	running, err := h.hasRunningJob(r.Context(), id)
	if err != nil {
		h.writeLookupError(w, err, "recording")
		return
	}
	if running {
		writeError(w, http.StatusConflict, "recording has a running job")
		return
	}
	if err := h.store.DeleteRecording(r.Context(), id); err != nil {
		h.writeLookupError(w, err, "recording")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) hasRunningJob(ctx context.Context, recordingID string) (bool, error) {
	const page = 100
	for offset := 0; ; offset += page {
		jobs, total, err := h.store.List(ctx, recordingID, page, offset)
		if err != nil {
			return false, err
		}
		for _, j := range jobs {
			if j.Status == job.StatusRunning {
				return true, nil
			}
		}
		if offset+page >= total {
			return false, nil
		}
	}
}

// CreateJob handles POST /api/v1/jobs and responds 202 with the PENDING job.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req job.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	j, err := h.queue.Submit(r.Context(), req)
	if err != nil {
		h.writeLookupError(w, err, "recording")
		return
	}
	writeJSON(w, http.StatusAccepted, j)
}

// ListJobs handles GET /api/v1/jobs and responds 200 with a paginated list
// of jobs, optionally filtered by recording_id.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := clamp(parseIntParam(q.Get("limit"), 20), 1, 100)
	offset := max(parseIntParam(q.Get("offset"), 0), 0)

	jobs, total, err := h.store.List(r.Context(), q.Get("recording_id"), limit, offset)
	if err != nil {
		h.logger.Error("list jobs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	// Return an empty array instead of null when there are no jobs.
	if jobs == nil {
		jobs = []*job.Job{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   jobs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// parseIntParam parses a query string integer, returning the fallback on empty or invalid input.
func parseIntParam(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}

// GetJob handles GET /api/v1/jobs/{id} and responds 200 with the job.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.queue.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeLookupError(w, err, "job")
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// GetArtifact handles GET /api/v1/jobs/{id}/{transcript|summary|notes}.
func (h *Handler) GetArtifact(w http.ResponseWriter, r *http.Request) {
	kind, ok := job.ParseArtifactKind(r.PathValue("kind"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown artifact")
		return
	}
	a, err := h.queue.GetArtifact(r.Context(), r.PathValue("id"), kind)
	if err != nil {
		h.writeLookupError(w, err, string(kind))
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// ExportDocx returns a handler that renders the summary or notes of a job
// as a .docx download.
func (h *Handler) ExportDocx(kind job.ArtifactKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")

		var title, text string
		switch kind {
		case job.ArtifactSummary:
			s, err := h.queue.GetSummary(r.Context(), id)
			if err != nil {
				h.writeLookupError(w, err, "summary")
				return
			}
			title, text = "Summary", s.Text
		case job.ArtifactNotes:
			n, err := h.queue.GetNotes(r.Context(), id)
			if err != nil {
				h.writeLookupError(w, err, "notes")
				return
			}
			title, text = "Notes", n.Text
		default:
			writeError(w, http.StatusNotFound, "unknown artifact")
			return
		}

		if err := h.serveDocx(w, fmt.Sprintf("%s-%s.docx", id, kind), title, text); err != nil {
			h.logger.Error("export docx", "job_id", id, "kind", kind, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to export document")
		}
	}
}

func (h *Handler) serveDocx(w http.ResponseWriter, filename, title, text string) error {
	tmp, err := os.CreateTemp(h.exportDir, "export-*.docx")
	if err != nil {
		return err
	}
	path := tmp.Name()
	tmp.Close()
	defer os.Remove(path)

	if err := export.WriteFile(title, text, path); err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w.Header().Set("Content-Type", docxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, err = io.Copy(w, f)
	if err != nil {
		h.logger.Warn("export docx: write response", "error", err)
	}
	return nil
}

// Health handles GET /api/v1/health. It reports the speech backend state
// without failing the check: jobs can still be queued while it is down.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{"status": "ok", "speech": "unknown"}
	if h.speech != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.speech.Ready(ctx); err != nil {
			resp["speech"] = "unavailable"
			resp["speech_error"] = err.Error()
		} else {
			resp["speech"] = "ready"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeLookupError(w http.ResponseWriter, err error, what string) {
	if errors.Is(err, job.ErrNotFound) {
		writeError(w, http.StatusNotFound, what+" not found")
		return
	}
	h.logger.Error("lookup failed", "what", what, "error", err)
	writeError(w, http.StatusInternalServerError, "failed to get "+what)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
