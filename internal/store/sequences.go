package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/embermail/dispatch/internal/domain"
)

// RunningAutoEnrollSequences returns running sequences with auto-enrollment
// enabled, for the enrollment pass.
func (s *Store) RunningAutoEnrollSequences(ctx context.Context) ([]domain.Sequence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, status, target_audience, auto_enroll, created_at, updated_at
		FROM sequences
		WHERE status = 'running' AND auto_enroll = TRUE
	`)
	if err != nil {
		return nil, fmt.Errorf("query auto-enroll sequences: %w", err)
	}
	defer rows.Close()

	var seqs []domain.Sequence
	for rows.Next() {
		var sq domain.Sequence
		if err := rows.Scan(&sq.ID, &sq.Name, &sq.Status, &sq.TargetAudience, &sq.AutoEnroll, &sq.CreatedAt, &sq.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan sequence: %w", err)
		}
		seqs = append(seqs, sq)
	}
	return seqs, rows.Err()
}

// SequenceEmail returns the active step with the given 1-based order, or nil
// when no such step exists. A missing next step is the completion signal for
// an execution, not an error.
func (s *Store) SequenceEmail(ctx context.Context, sequenceID uuid.UUID, order int) (*domain.SequenceEmail, error) {
	var e domain.SequenceEmail
	err := s.db.QueryRowContext(ctx, `
		SELECT id, sequence_id, step_order, subject, content, delay_days, send_time, is_active
		FROM sequence_emails
		WHERE sequence_id = $1 AND step_order = $2 AND is_active = TRUE
	`, sequenceID, order).Scan(
		&e.ID, &e.SequenceID, &e.StepOrder, &e.Subject, &e.Content, &e.DelayDays, &e.SendTime, &e.IsActive,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query sequence email: %w", err)
	}
	return &e, nil
}

// EnrolledEmails returns the set of lowercased subscriber emails that already
// have an execution in the sequence, regardless of status. Enrollment diffs
// against this set so re-runs never duplicate an execution.
func (s *Store) EnrolledEmails(ctx context.Context, sequenceID uuid.UUID) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT subscriber_email FROM sequence_executions WHERE sequence_id = $1
	`, sequenceID)
	if err != nil {
		return nil, fmt.Errorf("query enrolled emails: %w", err)
	}
	defer rows.Close()

	enrolled := make(map[string]struct{})
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, fmt.Errorf("scan enrolled email: %w", err)
		}
		enrolled[strings.ToLower(email)] = struct{}{}
	}
	return enrolled, rows.Err()
}

// CreateExecution inserts an execution for a net-new subscriber. The unique
// key on (sequence_id, subscriber_email) plus ON CONFLICT DO NOTHING narrows
// the enrollment race between overlapping invocations; the return value
// reports whether a row was actually created.
func (s *Store) CreateExecution(ctx context.Context, e *domain.SequenceExecution) (bool, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO sequence_executions (
			id, sequence_id, subscriber_email, subscriber_name,
			status, current_step, next_email_due, emails_sent,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (sequence_id, subscriber_email) DO NOTHING
	`,
		e.ID, e.SequenceID, e.SubscriberEmail, e.SubscriberName,
		e.Status, e.CurrentStep, nullTime(e.NextEmailDue), e.EmailsSent,
	)
	if err != nil {
		return false, fmt.Errorf("create execution: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// DueExecution is an execution joined with its sequence for run reporting.
type DueExecution struct {
	domain.SequenceExecution
	SequenceName string
}

// DueExecutions returns active executions of running sequences whose next
// email is due. Completed executions can never be selected.
func (s *Store) DueExecutions(ctx context.Context, now time.Time) ([]DueExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.sequence_id, e.subscriber_email, COALESCE(e.subscriber_name, ''),
		       e.status, e.current_step, e.next_email_due, e.emails_sent,
		       e.last_email_sent, e.completed_at, e.created_at, e.updated_at,
		       q.name
		FROM sequence_executions e
		JOIN sequences q ON q.id = e.sequence_id
		WHERE e.status = 'active'
		  AND q.status = 'running'
		  AND e.next_email_due IS NOT NULL
		  AND e.next_email_due <= $1
	`, now)
	if err != nil {
		return nil, fmt.Errorf("query due executions: %w", err)
	}
	defer rows.Close()

	var due []DueExecution
	for rows.Next() {
		var d DueExecution
		var nextDue, lastSent, completedAt sql.NullTime
		err := rows.Scan(
			&d.ID, &d.SequenceID, &d.SubscriberEmail, &d.SubscriberName,
			&d.Status, &d.CurrentStep, &nextDue, &d.EmailsSent,
			&lastSent, &completedAt, &d.CreatedAt, &d.UpdatedAt,
			&d.SequenceName,
		)
		if err != nil {
			return nil, fmt.Errorf("scan due execution: %w", err)
		}
		d.NextEmailDue = timePtr(nextDue)
		d.LastEmailSent = timePtr(lastSent)
		d.CompletedAt = timePtr(completedAt)
		due = append(due, d)
	}
	return due, rows.Err()
}

// UpdateExecution persists an execution's advancement or completion. Guarded
// on status so a concurrently completed execution is never rewound.
func (s *Store) UpdateExecution(ctx context.Context, e *domain.SequenceExecution) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sequence_executions
		SET current_step = $2, status = $3, next_email_due = $4,
		    emails_sent = $5, last_email_sent = $6, completed_at = $7,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'active'
	`,
		e.ID, e.CurrentStep, e.Status, nullTime(e.NextEmailDue),
		e.EmailsSent, nullTime(e.LastEmailSent), nullTime(e.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("update execution %s: %w", e.ID, err)
	}
	return nil
}

// AppendSequenceLog writes one immutable audit row for a step attempt.
func (s *Store) AppendSequenceLog(ctx context.Context, l *domain.SequenceLog) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sequence_logs (id, execution_id, sequence_id, step_order, event, subject, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`, l.ID, l.ExecutionID, l.SequenceID, l.StepOrder, l.Event, l.Subject, l.Error)
	if err != nil {
		return fmt.Errorf("append sequence log: %w", err)
	}
	return nil
}
