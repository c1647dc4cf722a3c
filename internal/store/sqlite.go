package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Store is the SQLite system of record behind the feature store, model
// registry and experiment tracker.
type Store struct {
	db  *sql.DB
	log logrus.FieldLogger
}

func New(db *sql.DB, log logrus.FieldLogger) *Store {
	return &Store{db: db, log: log}
}

// Open opens (or creates) the database at path and applies migrations.
// SQLite allows a single writer, so the pool is limited to one connection;
// this also keeps ":memory:" databases shared across calls.
func Open(ctx context.Context, path string, log logrus.FieldLogger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", "PRAGMA foreign_keys=ON"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := New(db, log)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
