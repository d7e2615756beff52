// Package session implements the per-device eating-session state machine,
// per spec.md §4.C4: reconstructing bounded "sessions" from a stream of
// (device, tag, weight, temperature, instant) samples, and finalizing them
// into persisted records with an anomaly score.
package session

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/cattlefeed/ingest/internal/apperr"
	"github.com/cattlefeed/ingest/internal/clock"
	"github.com/cattlefeed/ingest/internal/config"
	"github.com/cattlefeed/ingest/internal/domain"
	"github.com/google/uuid"

	"github.com/cattlefeed/ingest/internal/hub"
	"github.com/cattlefeed/ingest/internal/logger"
	"github.com/cattlefeed/ingest/internal/metrics"
	"github.com/cattlefeed/ingest/internal/store"
)

// Sample is one telemetry reading delivered by the broker subscriber.
type Sample struct {
	DeviceID    string
	Tag         string // "" when absent
	Weight      float64
	Temperature sql.NullFloat64
	Instant     time.Time
}

// AnimalResolver looks up the animal currently owning a tag.
type AnimalResolver interface {
	ResolveAnimalByTag(ctx context.Context, tag string) (string, error)
}

// Store persists a finalized session and its optional anomaly score.
type Store interface {
	InsertSessionWithScore(ctx context.Context, sess domain.Session, score *domain.AnomalyScore) (store.FinalizeSessionResult, error)
}

// Scorer computes the anomaly score for a finalized session, or (nil, nil)
// when no model is available to score against.
type Scorer interface {
	Score(ctx context.Context, sess domain.Session) (*domain.AnomalyScore, error)
}

// Publisher is the subset of *hub.Hub the machine needs.
type Publisher interface {
	Publish(key string, event hub.Event)
}

// active tracks one device's in-progress session, per spec.md §4.C4's
// per-device state.
type active struct {
	tag             string
	animalID        string
	deviceID        string
	start           time.Time
	startWeight     float64
	lastSeen        time.Time
	lastConsumption time.Time
	lastWeight      float64
	tempSum         float64
	tempCount       int
}

// Machine holds live per-device session state and the collaborators needed
// to resolve, score, and persist sessions on finalize.
type Machine struct {
	resolver   AnimalResolver
	store      Store
	scorer     Scorer
	pub        Publisher
	clk        clock.Clock
	thresholds func() config.Thresholds

	mu       sync.Mutex
	sessions map[string]*active // device id -> active session

	met *metrics.Metrics
}

func New(resolver AnimalResolver, store Store, scorer Scorer, pub Publisher, clk clock.Clock, thresholds func() config.Thresholds) *Machine {
	return &Machine{
		resolver:   resolver,
		store:      store,
		scorer:     scorer,
		pub:        pub,
		clk:        clk,
		thresholds: thresholds,
		sessions:   make(map[string]*active),
	}
}

// SetMetrics wires m in to record session-lifecycle counts. Optional.
func (m *Machine) SetMetrics(met *metrics.Metrics) {
	m.met = met
}

// HandleSample applies spec.md §4.C4's three per-sample rules for s.
func (m *Machine) HandleSample(ctx context.Context, s Sample) error {
	m.mu.Lock()
	existing, hasSession := m.sessions[s.DeviceID]
	m.mu.Unlock()

	switch {
	case !hasSession:
		return m.tryOpen(ctx, s)
	case existing.tag == s.Tag:
		m.continueSession(existing, s)
		return nil
	default:
		if err := m.finalize(ctx, s.DeviceID, existing.lastWeight, existing.lastSeen); err != nil {
			logger.Warn("finalize on tag change failed", "device_id", s.DeviceID, "error", err)
		}
		return m.tryOpen(ctx, s)
	}
}

// tryOpen implements rule 1: open a session only when the sample carries a
// tag that resolves to a known animal via an open ownership window and the
// weight clears the minimum plausible starting mass.
func (m *Machine) tryOpen(ctx context.Context, s Sample) error {
	if s.Tag == "" {
		return nil
	}
	th := m.thresholds()
	if s.Weight <= th.WeightStartThreshold {
		return nil
	}

	animalID, err := m.resolver.ResolveAnimalByTag(ctx, s.Tag)
	if err != nil {
		return err
	}
	if animalID == "" {
		return nil
	}

	sess := &active{
		tag:             s.Tag,
		animalID:        animalID,
		deviceID:        s.DeviceID,
		start:           s.Instant,
		startWeight:     s.Weight,
		lastSeen:        s.Instant,
		lastConsumption: s.Instant,
		lastWeight:      s.Weight,
	}
	if s.Temperature.Valid {
		sess.tempSum = s.Temperature.Float64
		sess.tempCount = 1
	}

	m.mu.Lock()
	m.sessions[s.DeviceID] = sess
	m.mu.Unlock()
	if m.met != nil {
		m.met.SessionsOpened.Inc()
		m.met.ActiveSessions.Inc()
	}
	return nil
}

// continueSession implements rule 2.
func (m *Machine) continueSession(sess *active, s Sample) {
	th := m.thresholds()

	m.mu.Lock()
	sess.lastSeen = s.Instant
	delta := sess.lastWeight - s.Weight
	if delta > th.NoiseThreshold {
		sess.lastConsumption = s.Instant
	}
	sess.lastWeight = s.Weight
	if s.Temperature.Valid {
		sess.tempSum += s.Temperature.Float64
		sess.tempCount++
	}
	animalID := sess.animalID
	m.mu.Unlock()

	m.pub.Publish(hub.AnimalKey(animalID), hub.Event{
		Type: "sensor_update",
		Data: map[string]any{
			"animal_id":   animalID,
			"device_id":   s.DeviceID,
			"timestamp":   s.Instant,
			"weight":      s.Weight,
			"temperature": nullableFloat(s.Temperature),
		},
	})
}

// Reap finalizes every active session whose last-consumption instant is
// older than SESSION_TIMEOUT relative to now, per spec.md §4.C4's
// inactivity reaper. Intended to be called from a ticker loop every 10s.
func (m *Machine) Reap(ctx context.Context) {
	th := m.thresholds()
	now := m.clk.Now()

	m.mu.Lock()
	var timedOut []*active
	for _, sess := range m.sessions {
		if now.Sub(sess.lastConsumption) > th.SessionTimeout {
			timedOut = append(timedOut, sess)
		}
	}
	m.mu.Unlock()

	for _, sess := range timedOut {
		m.pub.Publish(hub.AnimalKey(sess.animalID), hub.Event{
			Type: "session_timeout",
			Data: map[string]any{
				"animal_id": sess.animalID,
				"device_id": sess.deviceID,
				"timestamp": sess.lastSeen,
			},
		})
		if err := m.finalize(ctx, sess.deviceID, sess.lastWeight, sess.lastSeen); err != nil {
			logger.Warn("finalize on reaper timeout failed", "device_id", sess.deviceID, "error", err)
		}
	}
}

// finalize implements spec.md §4.C4's Finalize algorithm for the active
// session on deviceID, using endWeight/endInstant as the session's end.
func (m *Machine) finalize(ctx context.Context, deviceID string, endWeight float64, endInstant time.Time) error {
	m.mu.Lock()
	sess, ok := m.sessions[deviceID]
	if ok {
		delete(m.sessions, deviceID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if m.met != nil {
		m.met.ActiveSessions.Dec()
	}

	if endWeight >= sess.startWeight {
		if m.met != nil {
			m.met.SessionsDiscarded.Inc()
		}
		return nil // no net consumption: discard the candidate
	}

	meanTemp := 0.0
	if sess.tempCount > 0 {
		meanTemp = sess.tempSum / float64(sess.tempCount)
	}

	record := domain.Session{
		ID:          uuid.NewString(),
		DeviceID:    deviceID,
		Tag:         sess.tag,
		AnimalID:    sess.animalID,
		Start:       sess.start,
		End:         endInstant,
		WeightStart: sess.startWeight,
		WeightEnd:   endWeight,
		MeanTemp:    meanTemp,
	}

	var score *domain.AnomalyScore
	if m.scorer != nil {
		s, err := m.scorer.Score(ctx, record)
		if err != nil {
			logger.Warn("score session failed, persisting without score", "device_id", deviceID, "error", err)
		} else {
			score = s
		}
	}

	result, err := m.store.InsertSessionWithScore(ctx, record, score)
	if err != nil {
		return apperr.Internal("persist finalized session", err)
	}

	anomaly := false
	var scoreValue float64
	if score != nil {
		anomaly = score.Anomaly
		scoreValue = score.Score
	}
	if m.met != nil {
		m.met.SessionsFinal.Inc()
		if anomaly {
			m.met.AnomaliesFlagged.Inc()
		}
	}
	m.pub.Publish(hub.AnimalKey(sess.animalID), hub.Event{
		Type: "session_end",
		Data: map[string]any{
			"animal_id":     sess.animalID,
			"device_id":     deviceID,
			"session_id":    result.SessionID,
			"mean_temp":     meanTemp,
			"is_anomaly":    anomaly,
			"anomaly_score": scoreValue,
		},
	})
	return nil
}

// RunReaper calls Reap every interval until ctx is cancelled.
func (m *Machine) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Reap(ctx)
		}
	}
}

func nullableFloat(v sql.NullFloat64) any {
	if v.Valid {
		return v.Float64
	}
	return nil
}
