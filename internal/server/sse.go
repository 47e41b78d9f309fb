package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/cip999/limmat/internal/status"
)

// WriteSSE streams bus messages to an HTTP response as Server-Sent Events.
// The first event is the coalesced snapshot, then one event per transition.
func WriteSSE(w http.ResponseWriter, r *http.Request, bus *status.Bus) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx proxy compatibility
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	msgs, doneCh, unsub := bus.Subscribe()
	defer unsub()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				// Channel closed: either the orchestrator shut down or this
				// client was dropped for slowness. Only announce the former.
				select {
				case <-doneCh:
					fmt.Fprintf(w, "event: done\ndata: {}\n\n")
					flusher.Flush()
				default:
				}
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
