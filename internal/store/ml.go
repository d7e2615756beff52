package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cattlefeed/ingest/internal/domain"
)

// ActivateModel deactivates all prior active models for animalID's partition
// (the animal itself, or the NULL/global bucket when animalID == "") and
// inserts the new row as active, in one transaction — the activation step
// from spec.md §4.C7.
func (s *Store) ActivateModel(ctx context.Context, m domain.Model) (string, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("activate model: begin: %w", err)
	}
	defer tx.Rollback()

	if m.AnimalID.Valid {
		if _, err := tx.ExecContext(ctx, `
			UPDATE ml_model SET is_active = false WHERE animal_id = $1 AND is_active = true
		`, m.AnimalID.String); err != nil {
			return "", fmt.Errorf("activate model: deactivate prior: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `
			UPDATE ml_model SET is_active = false WHERE animal_id IS NULL AND is_active = true
		`); err != nil {
			return "", fmt.Errorf("activate model: deactivate prior global: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ml_model
			(id, animal_id, version, artifact, training_data_start, training_data_end, metrics, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, true)
	`, m.ID, nullableString(m.AnimalID), m.Version, m.Artifact, m.TrainingStart, m.TrainingEnd, m.Metrics)
	if err != nil {
		return "", fmt.Errorf("activate model: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("activate model: commit: %w", err)
	}
	return m.ID, nil
}

func nullableString(v sql.NullString) any {
	if v.Valid {
		return v.String
	}
	return nil
}

// ActiveModel returns the active model for animalID, falling back to the
// null-animal (global) model when no per-animal model is active. Returns
// (nil, nil) when neither exists.
func (s *Store) ActiveModel(ctx context.Context, animalID string) (*domain.Model, error) {
	m, err := s.scanActiveModel(ctx, `
		SELECT id, animal_id, version, artifact, training_data_start, training_data_end, metrics, is_active
		FROM ml_model WHERE animal_id = $1 AND is_active = true
	`, animalID)
	if err != nil {
		return nil, err
	}
	if m != nil {
		return m, nil
	}
	return s.scanActiveModel(ctx, `
		SELECT id, animal_id, version, artifact, training_data_start, training_data_end, metrics, is_active
		FROM ml_model WHERE animal_id IS NULL AND is_active = true
	`)
}

func (s *Store) scanActiveModel(ctx context.Context, query string, args ...any) (*domain.Model, error) {
	row := s.db.QueryRowContext(ctx, query, args...)
	var m domain.Model
	err := row.Scan(&m.ID, &m.AnimalID, &m.Version, &m.Artifact, &m.TrainingStart, &m.TrainingEnd, &m.Metrics, &m.Active)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active model: %w", err)
	}
	return &m, nil
}

// SessionsForTraining returns sessions for animalID in [start, end], used to
// build the training feature matrix.
func (s *Store) SessionsForTraining(ctx context.Context, animalID string, start, end time.Time) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, tag, animal_id, time_start, time_end, weight_start, weight_end, mean_temp
		FROM eat_session
		WHERE animal_id = $1 AND time_start BETWEEN $2 AND $3
		ORDER BY time_start
	`, animalID, start, end)
	if err != nil {
		return nil, fmt.Errorf("sessions for training: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// AllAnimalIDs returns every animal id known to the store, used by the
// all-animals training cycle.
func (s *Store) AllAnimalIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM animal`)
	if err != nil {
		return nil, fmt.Errorf("all animal ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("all animal ids: scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UnscoredSessions returns up to limit sessions absent from anomaly_score,
// for the scoring backfill cycle.
func (s *Store) UnscoredSessions(ctx context.Context, limit int) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT es.id, es.device_id, es.tag, es.animal_id, es.time_start, es.time_end, es.weight_start, es.weight_end, es.mean_temp
		FROM eat_session es
		LEFT JOIN anomaly_score a ON es.id = a.session_id
		WHERE a.session_id IS NULL
		ORDER BY es.time_start
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("unscored sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// InsertAnomalyScores batch-inserts scores with conflict policy
// (model, session) DO NOTHING, per spec.md §4.C7's scoring backfill cycle.
func (s *Store) InsertAnomalyScores(ctx context.Context, scores []domain.AnomalyScore) error {
	if len(scores) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert anomaly scores: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO anomaly_score (model_id, session_id, score, is_anomaly)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (model_id, session_id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("insert anomaly scores: prepare: %w", err)
	}
	defer stmt.Close()

	for _, sc := range scores {
		if _, err := stmt.ExecContext(ctx, sc.ModelID, sc.SessionID, sc.Score, sc.Anomaly); err != nil {
			return fmt.Errorf("insert anomaly score for session %s: %w", sc.SessionID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("insert anomaly scores: commit: %w", err)
	}
	return nil
}

func scanSessions(rows *sql.Rows) ([]domain.Session, error) {
	var out []domain.Session
	for rows.Next() {
		var sess domain.Session
		if err := rows.Scan(&sess.ID, &sess.DeviceID, &sess.Tag, &sess.AnimalID,
			&sess.Start, &sess.End, &sess.WeightStart, &sess.WeightEnd, &sess.MeanTemp); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}
