// Package training implements the periodic and on-demand model-training
// driver and the scoring backfill cycle, per spec.md §4.C7.
package training

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"time"

	"github.com/cattlefeed/ingest/internal/anomodel"
	"github.com/cattlefeed/ingest/internal/clock"
	"github.com/cattlefeed/ingest/internal/cron"
	"github.com/cattlefeed/ingest/internal/domain"
	"github.com/cattlefeed/ingest/internal/features"
	"github.com/cattlefeed/ingest/internal/hub"
	"github.com/cattlefeed/ingest/internal/logger"
	"github.com/cattlefeed/ingest/internal/metrics"
)

// SystemChannel is the C9 system channel training progress is published on.
const SystemChannel = "ml_training_status"

// Store is the subset of *store.Store the driver needs.
type Store interface {
	AllAnimalIDs(ctx context.Context) ([]string, error)
	SessionsForTraining(ctx context.Context, animalID string, start, end time.Time) ([]domain.Session, error)
	ActivateModel(ctx context.Context, m domain.Model) (string, error)
	UnscoredSessions(ctx context.Context, limit int) ([]domain.Session, error)
	ActiveModel(ctx context.Context, animalID string) (*domain.Model, error)
	InsertAnomalyScores(ctx context.Context, scores []domain.AnomalyScore) error
}

// Publisher is the subset of *hub.Hub the driver needs.
type Publisher interface {
	Publish(key string, event hub.Event)
}

// Params configures the driver's schedule and training thresholds.
type Params struct {
	TrainingHour       int
	ScoringInterval    time.Duration
	ScoringBatchLimit  int
	MinSessionsToTrain int
	TrainingWindowDays int
	ForestParams       anomodel.Params
}

// Driver owns the daily training schedule and the hourly scoring backfill
// cycle described in spec.md §4.C7.
type Driver struct {
	store  Store
	pub    Publisher
	clk    clock.Clock
	params Params
	sched  *cron.Schedule

	met *metrics.Metrics
}

func New(store Store, pub Publisher, clk clock.Clock, params Params) (*Driver, error) {
	sched, err := cron.Daily(params.TrainingHour)
	if err != nil {
		return nil, fmt.Errorf("training schedule: %w", err)
	}
	return &Driver{store: store, pub: pub, clk: clk, params: params, sched: sched}, nil
}

// SetMetrics wires m in to record training/scoring run counts. Optional.
func (d *Driver) SetMetrics(m *metrics.Metrics) {
	d.met = m
}

// RunSchedule blocks, firing TrainAll once per day at the configured hour,
// until ctx is cancelled.
func (d *Driver) RunSchedule(ctx context.Context) {
	for {
		next := d.sched.Next(d.clk.Now())
		wait := next.Sub(d.clk.Now())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			d.TrainAll(ctx)
		}
	}
}

// RunScoringCycle blocks, running one ScoreBacklog pass every
// ScoringInterval, until ctx is cancelled.
func (d *Driver) RunScoringCycle(ctx context.Context) {
	ticker := time.NewTicker(d.params.ScoringInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.ScoreBacklog(ctx); err != nil {
				logger.Error("scoring backfill cycle failed", "error", err)
			}
		}
	}
}

// TrainAll launches on-demand training for every known animal as a
// fire-and-forget job, per spec.md §4.C7's on-demand contract.
func (d *Driver) TrainAll(ctx context.Context) {
	go func() {
		ids, err := d.store.AllAnimalIDs(ctx)
		if err != nil {
			d.reportStatus("failed", "", err)
			return
		}
		for _, id := range ids {
			d.trainOne(ctx, id)
		}
	}()
}

// TrainAnimal launches on-demand training for a single animal.
func (d *Driver) TrainAnimal(ctx context.Context, animalID string) {
	go d.trainOne(ctx, animalID)
}

func (d *Driver) trainOne(ctx context.Context, animalID string) {
	end := d.clk.Now()
	start := end.AddDate(0, 0, -d.params.TrainingWindowDays)

	sessions, err := d.store.SessionsForTraining(ctx, animalID, start, end)
	if err != nil {
		d.reportStatus("failed", animalID, err)
		return
	}
	if len(sessions) < d.params.MinSessionsToTrain {
		d.reportStatus("skipped_insufficient_data", animalID, nil)
		return
	}

	X := make([][]float64, len(sessions))
	for i, sess := range sessions {
		vec := features.Extract(sess)
		X[i] = vec[:]
	}

	rng := rand.New(rand.NewSource(d.clk.Now().UnixNano()))
	forest := anomodel.Train(X, d.params.ForestParams, rng)

	artifact, err := anomodel.Marshal(forest)
	if err != nil {
		d.reportStatus("failed", animalID, err)
		return
	}

	model := domain.Model{
		AnimalID:      nullableAnimalID(animalID),
		Version:       d.clk.Now().Format(time.RFC3339),
		Artifact:      artifact,
		TrainingStart: start,
		TrainingEnd:   end,
		Active:        true,
	}
	if _, err := d.store.ActivateModel(ctx, model); err != nil {
		d.reportStatus("failed", animalID, err)
		return
	}

	if d.met != nil {
		d.met.TrainingRuns.Inc()
	}
	d.reportStatus("completed", animalID, nil)
}

// ScoreBacklog implements spec.md §4.C7's scoring backfill cycle: find
// unscored sessions, look up each animal's active model once and cache its
// deserialized forest by animal id, score, and batch-insert with
// (model, session) do-nothing conflict handling.
func (d *Driver) ScoreBacklog(ctx context.Context) error {
	sessions, err := d.store.UnscoredSessions(ctx, d.params.ScoringBatchLimit)
	if err != nil {
		return fmt.Errorf("score backlog: list unscored: %w", err)
	}
	if len(sessions) == 0 {
		return nil
	}

	cache := anomodel.NewCache()
	models := make(map[string]*domain.Model)
	var scores []domain.AnomalyScore

	for _, sess := range sessions {
		model, seen := models[sess.AnimalID]
		if !seen {
			model, err = d.store.ActiveModel(ctx, sess.AnimalID)
			if err != nil {
				logger.Warn("score backlog: active model lookup failed", "animal_id", sess.AnimalID, "error", err)
				continue
			}
			models[sess.AnimalID] = model
		}
		if model == nil {
			continue
		}

		forest, err := cache.GetOrLoad(sess.AnimalID, func() (*anomodel.Forest, error) {
			return anomodel.Unmarshal(model.Artifact)
		})
		if err != nil {
			logger.Warn("score backlog: unmarshal model failed", "model_id", model.ID, "error", err)
			continue
		}

		vec := features.Extract(sess)
		score, anomaly := forest.Predict(vec[:])
		scores = append(scores, domain.AnomalyScore{
			ModelID:   model.ID,
			SessionID: sess.ID,
			Score:     score,
			Anomaly:   anomaly,
		})
	}

	if err := d.store.InsertAnomalyScores(ctx, scores); err != nil {
		return fmt.Errorf("score backlog: insert scores: %w", err)
	}
	if d.met != nil {
		d.met.ScoringRuns.Inc()
	}
	return nil
}

func (d *Driver) reportStatus(status, animalID string, err error) {
	data := map[string]any{"status": status, "animal_id": animalID}
	if err != nil {
		data["error"] = err.Error()
		logger.Error("training failed", "animal_id", animalID, "error", err)
		if d.met != nil {
			d.met.TrainingErrors.Inc()
		}
	}
	d.pub.Publish(hub.SystemKey(SystemChannel), hub.Event{Type: "ml_training_status", Data: data})
}

func nullableAnimalID(id string) sql.NullString {
	if id == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: id, Valid: true}
}
