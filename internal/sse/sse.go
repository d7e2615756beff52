// Package sse implements the Server-Sent Events surface for live session
// and training updates, per spec.md §4.C10. Response framing follows the
// pattern retrieved from CarlosSprekelsen-CameraRecorder's telemetry hub:
// no-cache / keep-alive headers, one `data: <json>\n\n` frame per event,
// flushed through http.Flusher after every write.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/cattlefeed/ingest/internal/hub"
	"github.com/cattlefeed/ingest/internal/logger"
)

// Handler streams events for one channel key to an http.ResponseWriter.
type Handler struct {
	hub *hub.Hub
}

func New(h *hub.Hub) *Handler {
	return &Handler{hub: h}
}

// Stream subscribes to key and writes events to w until the request
// context is cancelled or the write fails, per spec.md §4.C10's four-step
// contract: subscribe, emit connected, loop, unsubscribe on exit.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request, key string) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("sse: response writer does not support flushing")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sub := h.hub.Subscribe(key)
	defer h.hub.Unsubscribe(sub)

	if err := writeFrame(w, flusher, hub.Event{Type: "connected", Data: map[string]any{"channel": key}}); err != nil {
		return err
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := writeFrame(w, flusher, event); err != nil {
				logger.Warn("sse write failed, closing stream", "channel", key, "error", err)
				return err
			}
		}
	}
}

func writeFrame(w http.ResponseWriter, flusher http.Flusher, event hub.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("sse: marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("sse: write frame: %w", err)
	}
	flusher.Flush()
	return nil
}
