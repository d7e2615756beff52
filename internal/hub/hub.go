// Package hub implements the in-process pub/sub broker serving SSE
// subscribers, keyed by animal identity or by named system channel, per
// spec.md §4.C9. Generalized from the teacher's internal/relay/workers.go
// WingRegistry — there, dashboard subscribers were dual-indexed by userID
// and orgID; here, every subscriber is indexed by a single string key
// (an animal id or a system channel name), since the two keyspaces spec.md
// describes never overlap in practice and can share one map.
package hub

import (
	"encoding/json"

	"github.com/cattlefeed/ingest/internal/metrics"
)

// Event is a JSON-serializable message published on one channel key.
type Event struct {
	Type string         `json:"event"`
	Data map[string]any `json:"-"`
}

// MarshalJSON flattens Type into the "event" field alongside Data's own
// fields, matching spec.md §6's SSE envelope shape.
func (e Event) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Data)+1)
	for k, v := range e.Data {
		m[k] = v
	}
	m["event"] = e.Type
	return json.Marshal(m)
}

const subscriberQueueDepth = 32

// Subscription is a handle returned by Subscribe; pass it to Unsubscribe.
type Subscription struct {
	key string
	ch  chan Event
}

// Events returns the channel new events for this subscription arrive on.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Hub fans out published events to every current subscriber of a channel
// key, without blocking on slow subscribers (drop-oldest on a full queue).
type Hub struct {
	reg *registry
	met *metrics.Metrics
}

func New() *Hub {
	return &Hub{reg: newRegistry()}
}

// SetMetrics wires m in to record subscriber-queue drops. Optional — a Hub
// with no metrics set simply skips recording.
func (h *Hub) SetMetrics(m *metrics.Metrics) {
	h.met = m
}

// Subscribe registers a new subscriber for key (an animal id or a system
// channel name) and returns its handle.
func (h *Hub) Subscribe(key string) *Subscription {
	sub := &Subscription{key: key, ch: make(chan Event, subscriberQueueDepth)}
	h.reg.add(key, sub)
	return sub
}

// Unsubscribe removes sub from its channel's subscriber set.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.reg.remove(sub.key, sub)
}

// Publish enqueues event on every current subscriber of key. Publication
// never blocks: a full subscriber queue has its oldest event dropped to
// make room, per spec.md §4.C9's non-blocking-publish contract.
func (h *Hub) Publish(key string, event Event) {
	for _, sub := range h.reg.subscribersOf(key) {
		h.enqueueDropOldest(sub.ch, event)
	}
}

func (h *Hub) enqueueDropOldest(ch chan Event, event Event) {
	select {
	case ch <- event:
		return
	default:
	}
	// Queue full: drop the oldest pending event and retry once. If another
	// publisher races us for the slot, well-behaved subscribers drain fast
	// enough that a second default-case miss just means we leave it to the
	// next publish — it is not a given that every intermediate event is
	// seen, only that subscribers catch up in finite time.
	if h.met != nil {
		h.met.HubQueueDrops.Inc()
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- event:
	default:
	}
}
