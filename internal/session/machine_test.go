package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cattlefeed/ingest/internal/clock"
	"github.com/cattlefeed/ingest/internal/config"
	"github.com/cattlefeed/ingest/internal/domain"
	"github.com/cattlefeed/ingest/internal/hub"
	"github.com/cattlefeed/ingest/internal/store"
)

type fakeResolver struct {
	byTag map[string]string
}

func (f *fakeResolver) ResolveAnimalByTag(_ context.Context, tag string) (string, error) {
	return f.byTag[tag], nil
}

type fakeSessionStore struct {
	inserted []domain.Session
	scores   []*domain.AnomalyScore
}

func (f *fakeSessionStore) InsertSessionWithScore(_ context.Context, sess domain.Session, score *domain.AnomalyScore) (store.FinalizeSessionResult, error) {
	f.inserted = append(f.inserted, sess)
	f.scores = append(f.scores, score)
	return store.FinalizeSessionResult{SessionID: sess.ID}, nil
}

type fakeScorer struct {
	score *domain.AnomalyScore
}

func (f *fakeScorer) Score(_ context.Context, _ domain.Session) (*domain.AnomalyScore, error) {
	return f.score, nil
}

func testThresholds() func() config.Thresholds {
	return func() config.Thresholds {
		return config.Thresholds{
			NoiseThreshold:       0.1,
			WeightStartThreshold: 1.0,
			SessionTimeout:       60 * time.Second,
		}
	}
}

func TestOpenSessionRequiresResolvedTagAndMinWeight(t *testing.T) {
	resolver := &fakeResolver{byTag: map[string]string{"tag1": "animal1"}}
	st := &fakeSessionStore{}
	h := hub.New()
	m := New(resolver, st, nil, h, clock.NewFake(time.Unix(0, 0)), testThresholds())

	// Weight below threshold: no session opens.
	require.NoError(t, m.HandleSample(context.Background(), Sample{DeviceID: "d1", Tag: "tag1", Weight: 0.5, Instant: time.Now()}))
	m.mu.Lock()
	_, open := m.sessions["d1"]
	m.mu.Unlock()
	require.False(t, open)

	// Weight above threshold with a resolvable tag: session opens.
	require.NoError(t, m.HandleSample(context.Background(), Sample{DeviceID: "d1", Tag: "tag1", Weight: 5.0, Instant: time.Now()}))
	m.mu.Lock()
	_, open = m.sessions["d1"]
	m.mu.Unlock()
	require.True(t, open)
}

func TestContinueSessionFiltersNoiseAndBroadcasts(t *testing.T) {
	resolver := &fakeResolver{byTag: map[string]string{"tag1": "animal1"}}
	st := &fakeSessionStore{}
	h := hub.New()
	sub := h.Subscribe(hub.AnimalKey("animal1"))
	m := New(resolver, st, nil, h, clock.NewFake(time.Unix(0, 0)), testThresholds())

	start := time.Unix(1000, 0)
	require.NoError(t, m.HandleSample(context.Background(), Sample{DeviceID: "d1", Tag: "tag1", Weight: 5.0, Instant: start}))

	// Small delta within noise threshold: last-consumption should not move.
	require.NoError(t, m.HandleSample(context.Background(), Sample{DeviceID: "d1", Tag: "tag1", Weight: 4.95, Instant: start.Add(time.Second)}))
	m.mu.Lock()
	require.Equal(t, start, m.sessions["d1"].lastConsumption)
	m.mu.Unlock()

	// Large delta beyond noise threshold: last-consumption advances.
	require.NoError(t, m.HandleSample(context.Background(), Sample{DeviceID: "d1", Tag: "tag1", Weight: 4.0, Instant: start.Add(2 * time.Second)}))
	m.mu.Lock()
	require.Equal(t, start.Add(2*time.Second), m.sessions["d1"].lastConsumption)
	m.mu.Unlock()

	select {
	case ev := <-sub.Events():
		require.Equal(t, "sensor_update", ev.Type)
	default:
		t.Fatal("expected a sensor_update broadcast")
	}
}

func TestTagChangeFinalizesPriorSession(t *testing.T) {
	resolver := &fakeResolver{byTag: map[string]string{"tag1": "animal1", "tag2": "animal2"}}
	st := &fakeSessionStore{}
	h := hub.New()
	m := New(resolver, st, nil, h, clock.NewFake(time.Unix(0, 0)), testThresholds())

	start := time.Unix(1000, 0)
	require.NoError(t, m.HandleSample(context.Background(), Sample{DeviceID: "d1", Tag: "tag1", Weight: 10.0, Instant: start}))
	require.NoError(t, m.HandleSample(context.Background(), Sample{DeviceID: "d1", Tag: "tag1", Weight: 9.0, Instant: start.Add(2 * time.Second)}))
	require.NoError(t, m.HandleSample(context.Background(), Sample{DeviceID: "d1", Tag: "tag2", Weight: 8.0, Instant: start.Add(5 * time.Second)}))

	require.Len(t, st.inserted, 1, "prior session should be finalized once the tag changes")
	require.Equal(t, "animal1", st.inserted[0].AnimalID)

	m.mu.Lock()
	next, open := m.sessions["d1"]
	m.mu.Unlock()
	require.True(t, open)
	require.Equal(t, "animal2", next.animalID)
}

func TestFinalizeDiscardsWhenEndWeightNotLessThanStart(t *testing.T) {
	resolver := &fakeResolver{byTag: map[string]string{"tag1": "animal1"}}
	st := &fakeSessionStore{}
	h := hub.New()
	m := New(resolver, st, nil, h, clock.NewFake(time.Unix(0, 0)), testThresholds())

	start := time.Unix(1000, 0)
	require.NoError(t, m.HandleSample(context.Background(), Sample{DeviceID: "d1", Tag: "tag1", Weight: 10.0, Instant: start}))
	require.NoError(t, m.finalize(context.Background(), "d1", 10.0, start.Add(time.Second)))

	require.Empty(t, st.inserted, "no net consumption should not be persisted")
}

func TestReaperFinalizesTimedOutSessions(t *testing.T) {
	resolver := &fakeResolver{byTag: map[string]string{"tag1": "animal1"}}
	st := &fakeSessionStore{}
	h := hub.New()
	sub := h.Subscribe(hub.AnimalKey("animal1"))
	clk := clock.NewFake(time.Unix(1000, 0))
	m := New(resolver, st, nil, h, clk, testThresholds())

	require.NoError(t, m.HandleSample(context.Background(), Sample{DeviceID: "d1", Tag: "tag1", Weight: 10.0, Instant: clk.Now()}))
	require.NoError(t, m.HandleSample(context.Background(), Sample{DeviceID: "d1", Tag: "tag1", Weight: 8.0, Instant: clk.Now().Add(5 * time.Second)}))
	clk.Advance(90 * time.Second)

	m.Reap(context.Background())

	require.Len(t, st.inserted, 1)
	m.mu.Lock()
	_, open := m.sessions["d1"]
	m.mu.Unlock()
	require.False(t, open)

	var sawTimeout bool
	for i := 0; i < 2; i++ {
		select {
		case ev := <-sub.Events():
			if ev.Type == "session_timeout" {
				sawTimeout = true
			}
		default:
		}
	}
	require.True(t, sawTimeout)
}

func TestFinalizeUsesScorerWhenAvailable(t *testing.T) {
	resolver := &fakeResolver{byTag: map[string]string{"tag1": "animal1"}}
	st := &fakeSessionStore{}
	scorer := &fakeScorer{score: &domain.AnomalyScore{ModelID: "m1", Score: 1.5, Anomaly: true}}
	h := hub.New()
	m := New(resolver, st, scorer, h, clock.NewFake(time.Unix(0, 0)), testThresholds())

	start := time.Unix(1000, 0)
	require.NoError(t, m.HandleSample(context.Background(), Sample{DeviceID: "d1", Tag: "tag1", Weight: 10.0, Instant: start}))
	require.NoError(t, m.finalize(context.Background(), "d1", 2.0, start.Add(time.Minute)))

	require.Len(t, st.scores, 1)
	require.NotNil(t, st.scores[0])
	require.True(t, st.scores[0].Anomaly)
}
