// Package store implements the PostgreSQL persistence layer for the
// dispatch engine. All mutations that gate processing are single-row
// compare-and-swap updates so overlapping invocations cannot both claim the
// same due item.
package store

import (
	"context"
	"database/sql"
	"time"
)

// Store wraps the shared database handle.
type Store struct {
	db *sql.DB
}

// New creates a store on an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for advisory locks.
func (s *Store) DB() *sql.DB { return s.db }

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func intPtr(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}
