package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/embermail/dispatch/internal/domain"
)

const campaignColumns = `id, name, subject, content, status,
	scheduled_at, sent_at, sent_count,
	recipient_type, selected_ids, COALESCE(test_emails, ''),
	is_recurring, COALESCE(recurring_type, ''), next_send_date,
	is_ab_test, COALESCE(ab_test_split, 0), parent_id, COALESCE(ab_variant, ''),
	COALESCE(last_error, ''), created_at, updated_at`

func scanCampaign(row interface {
	Scan(dest ...interface{}) error
}) (*domain.Campaign, error) {
	var c domain.Campaign
	var scheduledAt, sentAt, nextSendDate sql.NullTime
	var sentCount sql.NullInt64
	var parentID uuid.NullUUID
	var selectedIDs []uuid.UUID

	err := row.Scan(
		&c.ID, &c.Name, &c.Subject, &c.Content, &c.Status,
		&scheduledAt, &sentAt, &sentCount,
		&c.RecipientType, pq.Array(&selectedIDs), &c.TestEmails,
		&c.IsRecurring, &c.RecurringType, &nextSendDate,
		&c.IsABTest, &c.ABTestSplit, &parentID, &c.ABVariant,
		&c.LastError, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.ScheduledAt = timePtr(scheduledAt)
	c.SentAt = timePtr(sentAt)
	c.NextSendDate = timePtr(nextSendDate)
	c.SentCount = intPtr(sentCount)
	c.SelectedIDs = selectedIDs
	if parentID.Valid {
		id := parentID.UUID
		c.ParentID = &id
	}
	return &c, nil
}

// DueCampaigns returns scheduled top-level campaigns whose send time has
// arrived. A/B children are excluded; they are processed under their parent.
func (s *Store) DueCampaigns(ctx context.Context, now time.Time) ([]domain.Campaign, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE status = 'scheduled'
		  AND scheduled_at <= $1
		  AND parent_id IS NULL
	`, now)
	if err != nil {
		return nil, fmt.Errorf("query due campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		campaigns = append(campaigns, *c)
	}
	return campaigns, rows.Err()
}

// ChildCampaigns returns the A/B variant children of a parent campaign,
// ordered by variant tag so partitioning is deterministic.
func (s *Store) ChildCampaigns(ctx context.Context, parentID uuid.UUID) ([]domain.Campaign, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE parent_id = $1
		ORDER BY ab_variant ASC
	`, parentID)
	if err != nil {
		return nil, fmt.Errorf("query child campaigns: %w", err)
	}
	defer rows.Close()

	var children []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan child campaign: %w", err)
		}
		children = append(children, *c)
	}
	return children, rows.Err()
}

// ClaimCampaign atomically moves a campaign from one status to another.
// Returns false when another invocation already claimed it.
func (s *Store) ClaimCampaign(ctx context.Context, id uuid.UUID, from, to string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE campaigns
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, from, to)
	if err != nil {
		return false, fmt.Errorf("claim campaign %s: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// MarkCampaignSent records the terminal sent transition. SentCount is the
// number of confirmed deliveries, set exactly once here.
func (s *Store) MarkCampaignSent(ctx context.Context, id uuid.UUID, sentCount int, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaigns
		SET status = 'sent', sent_count = $2, sent_at = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'sending'
	`, id, sentCount, at)
	if err != nil {
		return fmt.Errorf("mark campaign sent %s: %w", id, err)
	}
	return nil
}

// MarkCampaignFailed records the terminal failed transition with the error
// message that caused it.
func (s *Store) MarkCampaignFailed(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaigns
		SET status = 'failed', last_error = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ('scheduled', 'sending')
	`, id, reason)
	if err != nil {
		return fmt.Errorf("mark campaign failed %s: %w", id, err)
	}
	return nil
}

// CreateCampaign inserts a new campaign row. Used by recurrence chaining to
// materialize the next occurrence.
func (s *Store) CreateCampaign(ctx context.Context, c *domain.Campaign) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO campaigns (
			id, name, subject, content, status,
			scheduled_at, recipient_type, selected_ids, test_emails,
			is_recurring, recurring_type, next_send_date,
			is_ab_test, ab_test_split, parent_id, ab_variant,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, NOW(), NOW())
	`,
		c.ID, c.Name, c.Subject, c.Content, c.Status,
		nullTime(c.ScheduledAt), c.RecipientType, pq.Array(c.SelectedIDs), c.TestEmails,
		c.IsRecurring, c.RecurringType, nullTime(c.NextSendDate),
		c.IsABTest, c.ABTestSplit, c.ParentID, c.ABVariant,
	)
	if err != nil {
		return fmt.Errorf("create campaign: %w", err)
	}
	return nil
}

// RecordCampaignRecipient appends the per-recipient analytics row for a
// campaign send. Duplicate rows are expected under re-delivery and are
// swallowed, both via ON CONFLICT and via the unique-violation code for
// schemas where the conflict target differs.
func (s *Store) RecordCampaignRecipient(ctx context.Context, campaignID uuid.UUID, r domain.Recipient) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO campaign_recipients (id, campaign_id, email, name, sent_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (campaign_id, email) DO NOTHING
	`, uuid.New(), campaignID, r.Email, r.Name)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return nil
		}
		return fmt.Errorf("record campaign recipient: %w", err)
	}
	return nil
}
