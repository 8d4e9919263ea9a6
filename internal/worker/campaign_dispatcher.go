package worker

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/embermail/dispatch/internal/audience"
	"github.com/embermail/dispatch/internal/delivery"
	"github.com/embermail/dispatch/internal/domain"
	"github.com/embermail/dispatch/internal/pkg/distlock"
	"github.com/embermail/dispatch/internal/pkg/logger"
	"github.com/embermail/dispatch/internal/render"
	"github.com/embermail/dispatch/internal/store"
)

// Dispatcher processes due campaigns: claims each one with a conditional
// status update, resolves its audience, sends through the batched sender,
// records the terminal status, and chains the next occurrence of recurring
// campaigns. One invocation handles every campaign that is due.
type Dispatcher struct {
	store    *store.Store
	resolver *audience.Resolver
	renderer *render.Renderer
	sender   *BatchSender
	lock     distlock.Lock

	fromEmail string
	fromName  string

	log *logger.Logger
	now func() time.Time
}

// NewDispatcher assembles a campaign dispatcher. lock may be nil, in which
// case only the per-campaign claim guards against overlapping invocations.
func NewDispatcher(st *store.Store, resolver *audience.Resolver, renderer *render.Renderer, sender *BatchSender, lock distlock.Lock, fromEmail, fromName string) *Dispatcher {
	return &Dispatcher{
		store:     st,
		resolver:  resolver,
		renderer:  renderer,
		sender:    sender,
		lock:      lock,
		fromEmail: fromEmail,
		fromName:  fromName,
		log:       logger.With("campaigns"),
		now:       time.Now,
	}
}

// Run executes one dispatch pass and returns the per-campaign summary.
// A store failure before any campaign is selected aborts the whole pass;
// per-campaign failures are recorded on the campaign and in the summary,
// never propagated.
func (d *Dispatcher) Run(ctx context.Context) (*domain.CampaignRunSummary, error) {
	startedAt := d.now()
	summary := &domain.CampaignRunSummary{Results: []domain.CampaignResult{}}

	if d.lock != nil {
		acquired, err := d.lock.TryAcquire(ctx)
		if err != nil {
			d.log.Warn("lock acquire failed, relying on claim updates", "error", err)
		} else if !acquired {
			d.log.Info("dispatch already running elsewhere, skipping pass")
			return summary, nil
		} else {
			defer d.lock.Release(ctx)
		}
	}

	due, err := d.store.DueCampaigns(ctx, startedAt)
	if err != nil {
		return nil, fmt.Errorf("select due campaigns: %w", err)
	}

	for i := range due {
		c := &due[i]

		claimed, err := d.store.ClaimCampaign(ctx, c.ID, domain.CampaignScheduled, domain.CampaignSending)
		if err != nil {
			d.log.Error("claim failed", "campaign", c.ID, "error", err)
			summary.ProcessedCampaigns++
			summary.Results = append(summary.Results, domain.CampaignResult{
				CampaignID: c.ID, Name: c.Name, Error: err.Error(),
			})
			continue
		}
		if !claimed {
			// Another worker moved it first.
			continue
		}

		result := d.process(ctx, c)
		summary.ProcessedCampaigns++
		summary.TotalSent += result.SentCount
		summary.Results = append(summary.Results, result)
	}

	errCount := 0
	for _, r := range summary.Results {
		if !r.Success {
			errCount++
		}
	}
	if err := d.store.RecordRun(ctx, "campaigns", startedAt, d.now(), summary.ProcessedCampaigns, summary.TotalSent, errCount); err != nil {
		d.log.Warn("record run failed", "error", err)
	}

	d.log.Info("dispatch pass complete",
		"processed", summary.ProcessedCampaigns, "sent", summary.TotalSent, "failed", errCount)
	return summary, nil
}

// process sends one claimed campaign to completion. Any error marks the
// campaign failed and is reported in the result, not returned.
func (d *Dispatcher) process(ctx context.Context, c *domain.Campaign) domain.CampaignResult {
	result := domain.CampaignResult{CampaignID: c.ID, Name: c.Name}

	sent, err := d.send(ctx, c)
	if err != nil {
		d.log.Error("campaign failed", "campaign", c.ID, "name", c.Name, "error", err)
		if markErr := d.store.MarkCampaignFailed(ctx, c.ID, err.Error()); markErr != nil {
			d.log.Error("mark failed errored", "campaign", c.ID, "error", markErr)
		}
		result.Error = err.Error()
		return result
	}

	if err := d.store.MarkCampaignSent(ctx, c.ID, sent, d.now()); err != nil {
		d.log.Error("mark sent errored", "campaign", c.ID, "error", err)
		result.Error = err.Error()
		return result
	}

	if c.IsRecurring {
		if err := d.materializeNextOccurrence(ctx, c); err != nil {
			// The send itself succeeded; chaining failure is logged and
			// reported but does not flip the campaign to failed.
			d.log.Error("recurrence chaining failed", "campaign", c.ID, "error", err)
			result.SentCount = sent
			result.Error = fmt.Sprintf("sent but recurrence not scheduled: %v", err)
			return result
		}
	}

	result.SentCount = sent
	result.Success = true
	return result
}

func (d *Dispatcher) send(ctx context.Context, c *domain.Campaign) (int, error) {
	recipients, err := d.resolver.Resolve(ctx, audience.ForCampaign(c))
	if err != nil {
		return 0, fmt.Errorf("resolve audience: %w", err)
	}
	if len(recipients) == 0 {
		d.log.Info("no recipients resolved, nothing to send", "campaign", c.ID)
		return 0, nil
	}

	if c.IsABTest {
		children, err := d.store.ChildCampaigns(ctx, c.ID)
		if err != nil {
			return 0, fmt.Errorf("load ab variants: %w", err)
		}
		if len(children) > 0 {
			return d.sendABTest(ctx, c, children, recipients)
		}
	}

	return d.deliver(ctx, c, c.ID, recipients), nil
}

// sendABTest partitions the parent's resolved audience across the variant
// children and sends the parent's content to each partition. The aggregate
// count is written to the parent by the caller; each child gets its own.
func (d *Dispatcher) sendABTest(ctx context.Context, parent *domain.Campaign, children []domain.Campaign, recipients []domain.Recipient) (int, error) {
	partA, partB := splitRecipients(recipients, parent.ABTestSplit)

	total := 0
	for i := range children {
		child := &children[i]

		part := partB
		if child.ABVariant == domain.VariantA {
			part = partA
		}

		claimed, err := d.store.ClaimCampaign(ctx, child.ID, domain.CampaignScheduled, domain.CampaignSending)
		if err != nil {
			return total, fmt.Errorf("claim variant %s: %w", child.ABVariant, err)
		}
		if !claimed {
			d.log.Warn("variant already claimed, skipping", "campaign", child.ID, "variant", child.ABVariant)
			continue
		}

		sent := d.deliver(ctx, parent, child.ID, part)
		if err := d.store.MarkCampaignSent(ctx, child.ID, sent, d.now()); err != nil {
			return total, fmt.Errorf("mark variant %s sent: %w", child.ABVariant, err)
		}

		d.log.Info("variant sent", "campaign", child.ID, "variant", child.ABVariant,
			"recipients", len(part), "sent", sent)
		total += sent
	}
	return total, nil
}

// deliver renders and sends one campaign body to a recipient list, writing
// an analytics row per confirmed send against analyticsID.
func (d *Dispatcher) deliver(ctx context.Context, c *domain.Campaign, analyticsID uuid.UUID, recipients []domain.Recipient) int {
	now := d.now()

	renderFn := func(rcpt domain.Recipient) (*delivery.Message, error) {
		msg, err := d.renderer.Campaign(c, rcpt, now)
		if err != nil {
			return nil, err
		}
		return &delivery.Message{
			From:     d.fromEmail,
			FromName: d.fromName,
			To:       rcpt.Email,
			ToName:   rcpt.Name,
			Subject:  msg.Subject,
			HTML:     msg.HTML,
			Headers:  msg.Headers,
		}, nil
	}

	return d.sender.Send(ctx, recipients, renderFn, SendCallbacks{
		OnSent: func(rcpt domain.Recipient) {
			if err := d.store.RecordCampaignRecipient(ctx, analyticsID, rcpt); err != nil {
				d.log.Warn("analytics record failed", "campaign", analyticsID, "recipient", rcpt.Email, "error", err)
			}
		},
	})
}

// splitRecipients partitions recipients for an A/B test: variant A takes the
// first floor(total*split) entries, variant B the remainder. The resolver's
// ordering is deterministic, so the partition is stable across retries.
func splitRecipients(recipients []domain.Recipient, split float64) (a, b []domain.Recipient) {
	n := int(math.Floor(float64(len(recipients)) * split))
	if n < 0 {
		n = 0
	}
	if n > len(recipients) {
		n = len(recipients)
	}
	return recipients[:n], recipients[n:]
}

// materializeNextOccurrence chains a recurring campaign forward by exactly
// one link: a fresh scheduled row at the stored next-send date, carrying its
// own next-send date one interval further out.
func (d *Dispatcher) materializeNextOccurrence(ctx context.Context, c *domain.Campaign) error {
	base := d.now()
	if c.NextSendDate != nil {
		base = *c.NextSendDate
	} else if c.ScheduledAt != nil {
		base = *c.ScheduledAt
	}

	nextSend := advanceRecurrence(base, c.RecurringType)
	following := advanceRecurrence(nextSend, c.RecurringType)

	next := &domain.Campaign{
		ID:            uuid.New(),
		Name:          c.Name,
		Subject:       c.Subject,
		Content:       c.Content,
		Status:        domain.CampaignScheduled,
		ScheduledAt:   &nextSend,
		RecipientType: c.RecipientType,
		SelectedIDs:   c.SelectedIDs,
		TestEmails:    c.TestEmails,
		IsRecurring:   true,
		RecurringType: c.RecurringType,
		NextSendDate:  &following,
		IsABTest:      c.IsABTest,
		ABTestSplit:   c.ABTestSplit,
	}
	if err := d.store.CreateCampaign(ctx, next); err != nil {
		return err
	}

	d.log.Info("next occurrence scheduled", "campaign", c.ID,
		"next", next.ID, "scheduledAt", nextSend.Format(time.RFC3339))
	return nil
}

// advanceRecurrence steps a date forward by one recurrence interval.
// Unrecognized intervals are treated as weekly.
func advanceRecurrence(t time.Time, recurringType string) time.Time {
	switch recurringType {
	case domain.RecurringMonthly:
		return t.AddDate(0, 1, 0)
	case domain.RecurringQuarterly:
		return t.AddDate(0, 3, 0)
	default:
		return t.AddDate(0, 0, 7)
	}
}
