package store

import (
	"errors"
	"io"
	"log/slog"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps the database connection and named queries for the decision
// core's three tables: events, journeys, and completions.
type Store struct {
	db     *sqlx.DB
	q      *Queries
	logger *slog.Logger
}

// New creates a Store over an open database connection. The schema must
// already be migrated; see MigrateUp.
func New(db *sqlx.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	q, err := LoadQueries(db)
	if err != nil {
		return nil, err
	}

	return &Store{db: db, q: q, logger: logger}, nil
}

// DB exposes the underlying connection for migrations and tests.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
