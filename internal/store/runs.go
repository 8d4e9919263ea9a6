package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecordRun persists one trigger invocation's outcome so operators can audit
// tick history.
func (s *Store) RecordRun(ctx context.Context, engine string, startedAt, finishedAt time.Time, processed, sent, errCount int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dispatch_runs (id, engine, started_at, finished_at, processed, sent, errors)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.New(), engine, startedAt, finishedAt, processed, sent, errCount)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// RegisterWorker upserts a poller instance into the workers table.
func (s *Store) RegisterWorker(ctx context.Context, id, workerType, hostname string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dispatch_workers (id, worker_type, hostname, status, started_at, last_heartbeat_at)
		VALUES ($1, $2, $3, 'running', NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET status = 'running', last_heartbeat_at = NOW()
	`, id, workerType, hostname)
	return err
}

// WorkerHeartbeat refreshes a poller's liveness timestamp.
func (s *Store) WorkerHeartbeat(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE dispatch_workers SET last_heartbeat_at = NOW() WHERE id = $1
	`, id)
	return err
}

// DeregisterWorker marks a poller as stopped.
func (s *Store) DeregisterWorker(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE dispatch_workers SET status = 'stopped' WHERE id = $1
	`, id)
	return err
}
