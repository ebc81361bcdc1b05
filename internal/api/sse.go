package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rekacad/rekacad/internal/job"
)

const sseKeepAlive = 15 * time.Second

// StreamSSE handles GET /api/v1/jobs/{id}/sse.
// It streams server-sent events for the job until it reaches a terminal
// status or the client disconnects.
func (h *Handler) StreamSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	id := r.PathValue("id")

	j, err := h.queue.GetJob(r.Context(), id)
	if err != nil {
		h.writeLookupError(w, err, "job")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// If already terminal, send the result event and close immediately.
	if j.Status.IsTerminal() {
		writeSSEEvent(w, flusher, "result", j)
		return
	}

	ch := h.queue.Subscribe(id)
	defer h.queue.Unsubscribe(id, ch)

	// The job may have finished between the first read and Subscribe.
	if latest, err := h.queue.GetJob(r.Context(), id); err == nil {
		if latest.Status.IsTerminal() {
			writeSSEEvent(w, flusher, "result", latest)
			return
		}
		j = latest
	}

	// Send the current status so the client has an initial state.
	writeSSEEvent(w, flusher, "status", statusEvent{Status: j.Status})

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case event, open := <-ch:
			if !open {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Event, event.Data)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

type statusEvent struct {
	Status job.Status `json:"status"`
}

// writeSSEEvent serialises data as JSON and writes a single SSE event frame.
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	flusher.Flush()
}
