package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AssignTag closes any open ownership window for tag and opens a new one for
// animalID at `at`, atomically — the single-transaction pattern from
// original_source's assign_rfid_to_cow, generalized so both edges of the
// swap share one instant instead of relying on NOW() twice.
func (s *Store) AssignTag(ctx context.Context, tag, animalID string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("assign tag: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE rfid_ownership SET time_end = $2 WHERE tag = $1 AND time_end IS NULL
	`, tag, at); err != nil {
		return fmt.Errorf("assign tag: close prior window: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rfid_ownership (id, tag, animal_id, time_start, time_end)
		VALUES ($1, $2, $3, $4, NULL)
	`, uuid.NewString(), tag, animalID, at); err != nil {
		return fmt.Errorf("assign tag: open new window: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("assign tag: commit: %w", err)
	}
	return nil
}
