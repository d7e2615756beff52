package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cattlefeed/ingest/internal/domain"
)

// SensorHistory returns raw samples for animalID in [start, end], attributed
// to the animal only for the window(s) in which its tag was owned by that
// animal — the join from original_source's get_sensor_history, generalized
// to cover every tag the animal has ever owned rather than just its current
// one.
func (s *Store) SensorHistory(ctx context.Context, animalID string, start, end time.Time) ([]domain.RawSample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.instant, r.device_id, r.tag, r.weight, r.temperature, r.address
		FROM raw_sample r
		INNER JOIN rfid_ownership o
			ON r.tag = o.tag
			AND o.animal_id = $1
			AND r.instant >= o.time_start
			AND (r.instant <= o.time_end OR o.time_end IS NULL)
		WHERE r.instant BETWEEN $2 AND $3
		ORDER BY r.instant DESC
		LIMIT 1000
	`, animalID, start, end)
	if err != nil {
		return nil, fmt.Errorf("sensor history: %w", err)
	}
	defer rows.Close()

	var out []domain.RawSample
	for rows.Next() {
		var rec domain.RawSample
		if err := rows.Scan(&rec.Instant, &rec.DeviceID, &rec.Tag, &rec.Weight, &rec.Temperature, &rec.Address); err != nil {
			return nil, fmt.Errorf("sensor history: scan: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SessionsForAnimal lists sessions for animalID, optionally bounded by
// [start, end] when non-zero.
func (s *Store) SessionsForAnimal(ctx context.Context, animalID string, start, end time.Time) ([]domain.Session, error) {
	query := `
		SELECT id, device_id, tag, animal_id, time_start, time_end, weight_start, weight_end, mean_temp
		FROM eat_session
		WHERE animal_id = $1
	`
	args := []any{animalID}
	if !start.IsZero() {
		args = append(args, start)
		query += fmt.Sprintf(" AND time_start >= $%d", len(args))
	}
	if !end.IsZero() {
		args = append(args, end)
		query += fmt.Sprintf(" AND time_start <= $%d", len(args))
	}
	query += " ORDER BY time_start DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sessions for animal: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// DailyRollup aggregates sessions for animalID over the trailing n days.
func (s *Store) DailyRollup(ctx context.Context, animalID string, since time.Time) ([]domain.DailyRollup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			date_trunc('day', es.time_start) AS day,
			COUNT(*) AS session_count,
			COALESCE(SUM(EXTRACT(EPOCH FROM (es.time_end - es.time_start))), 0) AS total_duration_sec,
			COALESCE(SUM(es.weight_start - es.weight_end), 0) AS total_consumption,
			COALESCE(AVG(es.mean_temp), 0) AS mean_temperature,
			COALESCE(SUM(CASE WHEN a.is_anomaly THEN 1 ELSE 0 END), 0) AS anomaly_count
		FROM eat_session es
		LEFT JOIN anomaly_score a ON a.session_id = es.id
		WHERE es.animal_id = $1 AND es.time_start >= $2
		GROUP BY day
		ORDER BY day DESC
	`, animalID, since)
	if err != nil {
		return nil, fmt.Errorf("daily rollup: %w", err)
	}
	defer rows.Close()

	var out []domain.DailyRollup
	for rows.Next() {
		var r domain.DailyRollup
		var totalSec float64
		var anomalyCount int
		if err := rows.Scan(&r.Day, &r.SessionCount, &totalSec, &r.TotalConsumption, &r.MeanTemperature, &anomalyCount); err != nil {
			return nil, fmt.Errorf("daily rollup: scan: %w", err)
		}
		r.TotalDuration = time.Duration(totalSec) * time.Second
		r.AnomalyCount = anomalyCount
		out = append(out, r)
	}
	return out, rows.Err()
}

// AnomalyListItem is one row of an anomaly listing, joined through to the
// owning farmer for the authorization check at the API layer.
type AnomalyListItem struct {
	Session  domain.Session
	FarmerID string
	Score    float64
}

// AnomaliesForFarmer lists anomalous sessions across every animal owned by
// farmerID over the trailing n days, newest first.
func (s *Store) AnomaliesForFarmer(ctx context.Context, farmerID string, since time.Time) ([]AnomalyListItem, error) {
	return s.anomalyQuery(ctx, `
		SELECT es.id, es.device_id, es.tag, es.animal_id, es.time_start, es.time_end,
		       es.weight_start, es.weight_end, es.mean_temp, a.score, an.farmer_id
		FROM eat_session es
		JOIN anomaly_score a ON a.session_id = es.id AND a.is_anomaly = true
		JOIN animal an ON an.id = es.animal_id
		WHERE an.farmer_id = $1 AND es.time_start >= $2
		ORDER BY es.time_start DESC
	`, farmerID, since)
}

// AnomaliesForAnimal lists anomalous sessions for one animal over the
// trailing n days, newest first.
func (s *Store) AnomaliesForAnimal(ctx context.Context, animalID string, since time.Time) ([]AnomalyListItem, error) {
	return s.anomalyQuery(ctx, `
		SELECT es.id, es.device_id, es.tag, es.animal_id, es.time_start, es.time_end,
		       es.weight_start, es.weight_end, es.mean_temp, a.score, an.farmer_id
		FROM eat_session es
		JOIN anomaly_score a ON a.session_id = es.id AND a.is_anomaly = true
		JOIN animal an ON an.id = es.animal_id
		WHERE es.animal_id = $1 AND es.time_start >= $2
		ORDER BY es.time_start DESC
	`, animalID, since)
}

func (s *Store) anomalyQuery(ctx context.Context, query string, args ...any) ([]AnomalyListItem, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("anomaly listing: %w", err)
	}
	defer rows.Close()

	var out []AnomalyListItem
	for rows.Next() {
		var item AnomalyListItem
		if err := rows.Scan(&item.Session.ID, &item.Session.DeviceID, &item.Session.Tag, &item.Session.AnimalID,
			&item.Session.Start, &item.Session.End, &item.Session.WeightStart, &item.Session.WeightEnd,
			&item.Session.MeanTemp, &item.Score, &item.FarmerID); err != nil {
			return nil, fmt.Errorf("anomaly listing: scan: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// AnimalOwner returns the farmer id owning animalID, or sql.ErrNoRows if the
// animal does not exist.
func (s *Store) AnimalOwner(ctx context.Context, animalID string) (string, error) {
	var farmerID string
	err := s.db.QueryRowContext(ctx, `SELECT farmer_id FROM animal WHERE id = $1`, animalID).Scan(&farmerID)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", err
		}
		return "", fmt.Errorf("animal owner: %w", err)
	}
	return farmerID, nil
}
