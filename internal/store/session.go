package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/cattlefeed/ingest/internal/domain"
	"github.com/cattlefeed/ingest/internal/logger"
)

// ResolveAnimalByTag returns the animal id currently owning tag via an open
// ownership window, or "" if the tag is unassigned.
func (s *Store) ResolveAnimalByTag(ctx context.Context, tag string) (string, error) {
	var animalID string
	err := s.db.QueryRowContext(ctx, `
		SELECT animal_id FROM rfid_ownership WHERE tag = $1 AND time_end IS NULL
	`, tag).Scan(&animalID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve animal by tag %s: %w", tag, err)
	}
	return animalID, nil
}

// FinalizeSessionResult is what InsertSessionWithScore hands back for event
// publication.
type FinalizeSessionResult struct {
	SessionID string
}

// InsertSessionWithScore inserts the session row and, if score is non-nil,
// the anomaly row keyed by (model, session) in one transaction. Per
// spec.md §4.C4 step 7, both writes succeed together or the session row
// still exists: a failed anomaly insert is rolled back to a savepoint and
// the session row is committed without it, so the scoring cycle can
// backfill the score later.
func (s *Store) InsertSessionWithScore(ctx context.Context, sess domain.Session, score *domain.AnomalyScore) (FinalizeSessionResult, error) {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return FinalizeSessionResult{}, fmt.Errorf("insert session: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO eat_session
			(id, device_id, tag, animal_id, time_start, time_end, weight_start, weight_end, mean_temp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, sess.ID, sess.DeviceID, sess.Tag, sess.AnimalID, sess.Start, sess.End, sess.WeightStart, sess.WeightEnd, sess.MeanTemp)
	if err != nil {
		return FinalizeSessionResult{}, fmt.Errorf("insert session: %w", err)
	}

	if score != nil {
		if _, err := tx.ExecContext(ctx, `SAVEPOINT anomaly_score`); err != nil {
			return FinalizeSessionResult{}, fmt.Errorf("insert anomaly score: savepoint: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO anomaly_score (model_id, session_id, score, is_anomaly)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (model_id, session_id) DO NOTHING
		`, score.ModelID, sess.ID, score.Score, score.Anomaly)
		if err != nil {
			if _, rbErr := tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT anomaly_score`); rbErr != nil {
				return FinalizeSessionResult{}, fmt.Errorf("insert anomaly score: %w", err)
			}
			logger.Warn("anomaly score not stored, keeping session for backfill", "session_id", sess.ID, "error", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return FinalizeSessionResult{}, fmt.Errorf("insert session: commit: %w", err)
	}
	return FinalizeSessionResult{SessionID: sess.ID}, nil
}
