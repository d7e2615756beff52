package hub

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	h := New()
	sub := h.Subscribe(AnimalKey("a1"))

	h.Publish(AnimalKey("a1"), Event{Type: "sensor_update", Data: map[string]any{"weight": 12.5}})

	select {
	case ev := <-sub.Events():
		require.Equal(t, "sensor_update", ev.Type)
		require.Equal(t, 12.5, ev.Data["weight"])
	default:
		t.Fatal("expected event to be delivered")
	}
}

func TestPublishOnlyReachesMatchingKey(t *testing.T) {
	h := New()
	sub := h.Subscribe(AnimalKey("a1"))

	h.Publish(AnimalKey("a2"), Event{Type: "sensor_update"})

	select {
	case <-sub.Events():
		t.Fatal("subscriber should not receive events for a different key")
	default:
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := New()
	sub := h.Subscribe(SystemKey("anomalies"))
	h.Unsubscribe(sub)

	h.Publish(SystemKey("anomalies"), Event{Type: "anomaly"})

	select {
	case <-sub.Events():
		t.Fatal("unsubscribed subscriber should not receive events")
	default:
	}
}

func TestPublishDropsOldestWhenQueueFull(t *testing.T) {
	h := New()
	sub := h.Subscribe(SystemKey("anomalies"))

	for i := 0; i < subscriberQueueDepth+5; i++ {
		h.Publish(SystemKey("anomalies"), Event{Type: "anomaly", Data: map[string]any{"n": i}})
	}

	require.LessOrEqual(t, len(sub.Events()), subscriberQueueDepth)

	var last int
	drained := 0
	for {
		select {
		case ev := <-sub.Events():
			last = ev.Data["n"].(int)
			drained++
			continue
		default:
		}
		break
	}
	require.Greater(t, drained, 0)
	require.Equal(t, subscriberQueueDepth+4, last)
}

func TestMultipleSubscribersOnSameKeyAllReceive(t *testing.T) {
	h := New()
	sub1 := h.Subscribe(AnimalKey("a1"))
	sub2 := h.Subscribe(AnimalKey("a1"))

	h.Publish(AnimalKey("a1"), Event{Type: "session_end"})

	for _, s := range []*Subscription{sub1, sub2} {
		select {
		case ev := <-s.Events():
			require.Equal(t, "session_end", ev.Type)
		default:
			t.Fatal("expected both subscribers to receive the event")
		}
	}
}

func TestEventMarshalJSONFlattensType(t *testing.T) {
	ev := Event{Type: "sensor_update", Data: map[string]any{"weight": 1.0}}
	data, err := ev.MarshalJSON()
	require.NoError(t, err)
	require.Contains(t, string(data), `"event":"sensor_update"`)
	require.Contains(t, string(data), `"weight":1`)
}
