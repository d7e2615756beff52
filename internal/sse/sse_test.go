package sse

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cattlefeed/ingest/internal/hub"
)

func TestStreamEmitsConnectedThenEvents(t *testing.T) {
	h := hub.New()
	handler := New(h)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/stream", nil)
	ctx, cancel := context.WithCancel(req.Context())
	req = req.WithContext(ctx)

	done := make(chan error, 1)
	go func() {
		done <- handler.Stream(rec, req, hub.AnimalKey("a1"))
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(rec.Body.String(), `"event":"connected"`)
	}, time.Second, time.Millisecond)

	h.Publish(hub.AnimalKey("a1"), hub.Event{Type: "sensor_update", Data: map[string]any{"weight": 3.0}})

	require.Eventually(t, func() bool {
		return strings.Contains(rec.Body.String(), "sensor_update")
	}, time.Second, time.Millisecond)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Stream did not exit after context cancellation")
	}
}

func TestStreamSetsEventStreamHeaders(t *testing.T) {
	h := hub.New()
	handler := New(h)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/stream", nil)
	ctx, cancel := context.WithCancel(req.Context())
	req = req.WithContext(ctx)

	go func() {
		_ = handler.Stream(rec, req, hub.SystemKey("anomalies"))
	}()

	require.Eventually(t, func() bool {
		return rec.Header().Get("Content-Type") == "text/event-stream"
	}, time.Second, time.Millisecond)

	require.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	require.Equal(t, "keep-alive", rec.Header().Get("Connection"))
	cancel()
}
