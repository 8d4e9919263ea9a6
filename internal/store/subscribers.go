package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/embermail/dispatch/internal/domain"
)

// OptInContacts returns the general contact list filtered by the newsletter
// opt-in flag, ordered by email for deterministic downstream partitioning.
func (s *Store) OptInContacts(ctx context.Context) ([]domain.Recipient, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT email, COALESCE(name, '')
		FROM contacts
		WHERE newsletter_opt_in = TRUE
		ORDER BY email ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query opt-in contacts: %w", err)
	}
	defer rows.Close()
	return scanRecipients(rows)
}

// ActiveSubscribers returns the dedicated subscription list filtered by the
// active flag.
func (s *Store) ActiveSubscribers(ctx context.Context) ([]domain.Recipient, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT email, COALESCE(name, '')
		FROM newsletter_subscribers
		WHERE is_active = TRUE
		ORDER BY email ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query active subscribers: %w", err)
	}
	defer rows.Close()
	return scanRecipients(rows)
}

// ContactsByIDs returns opt-in contacts restricted to an explicit id list.
func (s *Store) ContactsByIDs(ctx context.Context, ids []uuid.UUID) ([]domain.Recipient, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT email, COALESCE(name, '')
		FROM contacts
		WHERE id = ANY($1)
		  AND newsletter_opt_in = TRUE
		ORDER BY email ASC
	`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("query contacts by ids: %w", err)
	}
	defer rows.Close()
	return scanRecipients(rows)
}

// SegmentExists reports whether a named audience segment is defined.
func (s *Store) SegmentExists(ctx context.Context, tag string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM audience_segments WHERE tag = $1
	`, tag).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("query segment %q: %w", tag, err)
	}
	return count > 0, nil
}

// SegmentRecipients merges both subscriber sources restricted to a segment
// tag. Duplicate emails across the two sources are resolved by the caller.
func (s *Store) SegmentRecipients(ctx context.Context, tag string) ([]domain.Recipient, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT email, COALESCE(name, '') FROM contacts
		WHERE newsletter_opt_in = TRUE AND $1 = ANY(segments)
		UNION ALL
		SELECT email, COALESCE(name, '') FROM newsletter_subscribers
		WHERE is_active = TRUE AND $1 = ANY(segments)
		ORDER BY email ASC
	`, tag)
	if err != nil {
		return nil, fmt.Errorf("query segment recipients: %w", err)
	}
	defer rows.Close()
	return scanRecipients(rows)
}

// Unsubscribe opts an email out of both subscriber sources. Case-insensitive
// on the email; unknown addresses are a no-op, not an error.
func (s *Store) Unsubscribe(ctx context.Context, email string) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE contacts SET newsletter_opt_in = FALSE, updated_at = NOW()
		WHERE LOWER(email) = LOWER($1)
	`, email); err != nil {
		return fmt.Errorf("unsubscribe contact: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE newsletter_subscribers SET is_active = FALSE, unsubscribed_at = NOW()
		WHERE LOWER(email) = LOWER($1)
	`, email); err != nil {
		return fmt.Errorf("unsubscribe subscriber: %w", err)
	}
	return nil
}

func scanRecipients(rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}) ([]domain.Recipient, error) {
	var recipients []domain.Recipient
	for rows.Next() {
		var r domain.Recipient
		if err := rows.Scan(&r.Email, &r.Name); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		recipients = append(recipients, r)
	}
	return recipients, rows.Err()
}
