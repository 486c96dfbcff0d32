package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/agentorch/agentorch/internal/bridge"
)

// streamSSE relays events onto the response as a server-sent-events
// stream, enforcing the drain-or-SSEWriteTimeout backpressure contract
// (spec.md §5): a frame write that blocks past SSEWriteTimeout ends the
// stream with a final error frame. The sandbox itself is never touched
// here — relayAndSettle's deferred MarkWaiting runs once the producer
// observes the request context being canceled, leaving it waiting, not
// destroyed.
func streamSSE(w http.ResponseWriter, r *http.Request, events <-chan bridge.Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		ok := writeFrame(w, flusher, r, ev)
		if !ok || ev.IsTerminal() {
			return
		}
	}
}

// writeFrame writes one event as an SSE frame, bounding the write by
// SSEWriteTimeout. On timeout it sends a final error frame (best
// effort) and reports false so the caller tears the stream down.
func writeFrame(w http.ResponseWriter, flusher http.Flusher, r *http.Request, ev bridge.Event) bool {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("sse: marshal event: %v", err)
		return false
	}

	done := make(chan error, 1)
	go func() {
		_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
		done <- err
	}()

	timer := time.NewTimer(SSEWriteTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			log.Printf("sse: write event: %v", err)
			return false
		}
		flusher.Flush()
		return true
	case <-r.Context().Done():
		return false
	case <-timer.C:
		log.Printf("sse: write timed out after %s, closing stream", SSEWriteTimeout)
		fmt.Fprintf(w, "event: error\ndata: {\"type\":\"error\",\"error\":\"write timeout\"}\n\n")
		flusher.Flush()
		return false
	}
}
