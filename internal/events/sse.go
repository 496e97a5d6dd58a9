package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// KeepAlive is the interval of comment lines sent on an idle stream.
const KeepAlive = 15 * time.Second

// ErrStreamingUnsupported is returned when the response writer cannot flush.
var ErrStreamingUnsupported = errors.New("streaming unsupported")

// Stream writes every event for id to w as Server-Sent Events until ctx is
// done. Terminal events (done, error) are delivered but do not end the
// stream; a client may run several merges on one subscription.
func (h *Hub) Stream(ctx context.Context, w http.ResponseWriter, id string) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return ErrStreamingUnsupported
	}

	ch, cancel := h.Subscribe(id)
	defer cancel()

	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, ": subscribed %s\n\n", id)
	flusher.Flush()

	ticker := time.NewTicker(KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return err
			}
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := WriteEvent(w, ev); err != nil {
				return err
			}
			flusher.Flush()
		}
	}
}

// WriteEvent encodes one event in SSE framing.
func WriteEvent(w io.Writer, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}
