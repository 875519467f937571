package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/extractable/extractable/internal/events"
)

const keepaliveInterval = 30 * time.Second

// StreamEvents handles GET /api/v1/extractions/{id}/events. It streams
// server-sent events for the job until it reaches a terminal state or the
// client disconnects. A comment frame goes out every 30 seconds so proxies
// keep the connection open.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	job, ok := h.fetch(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Connected ack carrying the current state, so a late subscriber is
	// never left guessing.
	ack := events.Event{Type: events.TypeConnected, JobID: job.ID, Status: job.Status}
	writeSSEEvent(w, flusher, ack)

	// Already terminal: the final status is all there is to say.
	if job.Status.IsTerminal() {
		writeSSEEvent(w, flusher, events.StatusUpdate(job.ID, job.Status, "Extraction already finished"))
		return
	}

	ch := h.events.Subscribe(job.ID)
	defer h.events.Unsubscribe(job.ID, ch)

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case ev, open := <-ch:
			if !open {
				return
			}
			writeSSEEvent(w, flusher, ev)
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// writeSSEEvent serialises the event as JSON and writes one SSE frame.
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, ev events.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
	flusher.Flush()
}
