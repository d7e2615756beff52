package store

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/cattlefeed/ingest/internal/domain"
)

// DeviceSeen describes the most recent instant and address observed for one
// device within a flush batch.
type DeviceSeen struct {
	DeviceID string
	Address  string
	Instant  time.Time
}

// UpsertDevices marks each device ONLINE with its most recent address and
// instant from the batch. Order relative to UpsertTags/InsertRawSamples
// matters: devices and tags must exist before raw samples reference them.
func (s *Store) UpsertDevices(ctx context.Context, devices []DeviceSeen) error {
	if len(devices) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert devices: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO device (id, last_ip, last_seen, status)
		VALUES ($1, $2, $3, 'ONLINE')
		ON CONFLICT (id) DO UPDATE
		SET last_ip = EXCLUDED.last_ip, last_seen = EXCLUDED.last_seen, status = 'ONLINE'
	`)
	if err != nil {
		return fmt.Errorf("upsert devices: prepare: %w", err)
	}
	defer stmt.Close()

	for _, d := range devices {
		if _, err := stmt.ExecContext(ctx, d.DeviceID, d.Address, d.Instant); err != nil {
			return fmt.Errorf("upsert device %s: %w", d.DeviceID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("upsert devices: commit: %w", err)
	}
	return nil
}

// UpsertTags registers any previously-unseen RFID tags. No-op on conflict.
func (s *Store) UpsertTags(ctx context.Context, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert tags: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO rfid_tag (tag) VALUES ($1) ON CONFLICT (tag) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("upsert tags: prepare: %w", err)
	}
	defer stmt.Close()

	for _, tag := range tags {
		if _, err := stmt.ExecContext(ctx, tag); err != nil {
			return fmt.Errorf("upsert tag %s: %w", tag, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("upsert tags: commit: %w", err)
	}
	return nil
}

// InsertRawSamples inserts the batch in one round-trip via COPY.
func (s *Store) InsertRawSamples(ctx context.Context, samples []domain.RawSample) error {
	if len(samples) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert raw samples: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("raw_sample",
		"instant", "device_id", "tag", "weight", "temperature", "address"))
	if err != nil {
		return fmt.Errorf("insert raw samples: prepare copy: %w", err)
	}

	for _, rec := range samples {
		var tag any
		if rec.Tag.Valid {
			tag = rec.Tag.String
		}
		var temp any
		if rec.Temperature.Valid {
			temp = rec.Temperature.Float64
		}
		if _, err := stmt.ExecContext(ctx, rec.Instant, rec.DeviceID, tag, rec.Weight, temp, rec.Address); err != nil {
			stmt.Close()
			return fmt.Errorf("insert raw samples: copy row: %w", err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("insert raw samples: copy flush: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("insert raw samples: copy close: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("insert raw samples: commit: %w", err)
	}
	return nil
}
