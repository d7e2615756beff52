// Package store provides typed wrappers over database/sql for the relational
// store: batch inserts, upserts, transactional model activation, and the
// session/scoring writes, grounded on the teacher's internal/relay/store.go
// shape (one *Store wrapping *sql.DB, embedded migrations, %w-wrapped
// errors) but targeting Postgres via lib/pq instead of sqlite.
package store

import (
	"database/sql"
	"embed"
	"fmt"

	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the relational connection pool used by every other component.
type Store struct {
	db *sql.DB
}

// DB returns the underlying connection pool for callers that need raw
// access.
func (s *Store) DB() *sql.DB { return s.db }

// Open connects to dsn, applies embedded migrations, and returns a ready
// Store.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("read %s: %w", entry.Name(), err)
		}
		if _, err := s.db.Exec(string(data)); err != nil {
			return fmt.Errorf("apply %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
