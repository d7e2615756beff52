package session

import (
	"context"
	"fmt"

	"github.com/cattlefeed/ingest/internal/anomodel"
	"github.com/cattlefeed/ingest/internal/domain"
	"github.com/cattlefeed/ingest/internal/features"
)

// ModelStore is the subset of *store.Store the finalize-time scorer reads
// the active model artifact through.
type ModelStore interface {
	ActiveModel(ctx context.Context, animalID string) (*domain.Model, error)
}

// ModelScorer implements Scorer by loading the resolved animal's active
// model (falling back to the null-animal model, per spec.md §4.C4 step 5)
// and scoring the session's extracted features against it. Unlike C7's
// backfill cycle, this does not cache across calls — a single finalize is
// rare enough that a fresh lookup and deserialization each time is fine,
// and spec.md's Cache contract is scoped to the batch scoring cycle only.
type ModelScorer struct {
	models ModelStore
}

func NewModelScorer(models ModelStore) *ModelScorer {
	return &ModelScorer{models: models}
}

// Score returns nil, nil when no active model exists for the session's
// animal or the global fallback.
func (m *ModelScorer) Score(ctx context.Context, sess domain.Session) (*domain.AnomalyScore, error) {
	model, err := m.models.ActiveModel(ctx, sess.AnimalID)
	if err != nil {
		return nil, fmt.Errorf("load active model: %w", err)
	}
	if model == nil {
		return nil, nil
	}

	forest, err := anomodel.Unmarshal(model.Artifact)
	if err != nil {
		return nil, fmt.Errorf("unmarshal model %s: %w", model.ID, err)
	}

	vec := features.Extract(sess)
	score, anomaly := forest.Predict(vec[:])

	return &domain.AnomalyScore{
		ModelID:   model.ID,
		SessionID: sess.ID,
		Score:     score,
		Anomaly:   anomaly,
	}, nil
}
