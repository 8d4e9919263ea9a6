// Package audience resolves abstract audience selectors into deduplicated
// recipient lists.
package audience

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/embermail/dispatch/internal/domain"
	"github.com/embermail/dispatch/internal/pkg/logger"
)

// Selector kinds.
const (
	SelectAll      = "all"
	SelectSelected = "selected"
	SelectTest     = "test"
	SelectSegment  = "segment"
)

// Selector describes an audience to resolve. Exactly one of the payload
// fields is meaningful depending on Kind.
type Selector struct {
	Kind        string
	SelectedIDs []uuid.UUID // Kind == selected
	TestEmails  string      // Kind == test, comma-separated
	Segment     string      // Kind == segment
}

// ForCampaign builds a selector from a campaign's recipient configuration.
func ForCampaign(c *domain.Campaign) Selector {
	switch c.RecipientType {
	case domain.RecipientSelected:
		return Selector{Kind: SelectSelected, SelectedIDs: c.SelectedIDs}
	case domain.RecipientTest:
		return Selector{Kind: SelectTest, TestEmails: c.TestEmails}
	default:
		return Selector{Kind: SelectAll}
	}
}

// ForSegment builds a selector from a sequence's target audience tag.
// An empty tag targets the full audience.
func ForSegment(tag string) Selector {
	if tag == "" || tag == SelectAll {
		return Selector{Kind: SelectAll}
	}
	return Selector{Kind: SelectSegment, Segment: tag}
}

// Source provides the two underlying subscriber lists.
type Source interface {
	OptInContacts(ctx context.Context) ([]domain.Recipient, error)
	ActiveSubscribers(ctx context.Context) ([]domain.Recipient, error)
	ContactsByIDs(ctx context.Context, ids []uuid.UUID) ([]domain.Recipient, error)
	SegmentExists(ctx context.Context, tag string) (bool, error)
	SegmentRecipients(ctx context.Context, tag string) ([]domain.Recipient, error)
}

// Resolver turns selectors into deduplicated recipient lists. Resolution is
// a pure read; an empty result means "nothing to send", never an error.
type Resolver struct {
	source Source
	log    *logger.Logger
}

// NewResolver creates a resolver over a subscriber source.
func NewResolver(source Source) *Resolver {
	return &Resolver{
		source: source,
		log:    logger.With("audience"),
	}
}

// Resolve returns the recipient list for a selector, deduplicated by email
// with the first occurrence winning. Source ordering is preserved, so the
// result order is deterministic for a given store state.
func (r *Resolver) Resolve(ctx context.Context, sel Selector) ([]domain.Recipient, error) {
	switch sel.Kind {
	case SelectTest:
		return testRecipients(sel.TestEmails), nil

	case SelectSelected:
		contacts, err := r.source.ContactsByIDs(ctx, sel.SelectedIDs)
		if err != nil {
			return nil, err
		}
		return dedupe(contacts), nil

	case SelectSegment:
		known, err := r.source.SegmentExists(ctx, sel.Segment)
		if err != nil {
			return nil, err
		}
		if !known {
			// Unknown segments fall back to the full opt-in contact list.
			// Permissive on purpose; surfaced as a warning so misconfigured
			// audiences are visible.
			r.log.Warn("unknown audience segment, falling back to opt-in contacts", "segment", sel.Segment)
			contacts, err := r.source.OptInContacts(ctx)
			if err != nil {
				return nil, err
			}
			return dedupe(contacts), nil
		}
		recipients, err := r.source.SegmentRecipients(ctx, sel.Segment)
		if err != nil {
			return nil, err
		}
		return dedupe(recipients), nil

	default: // SelectAll
		contacts, err := r.source.OptInContacts(ctx)
		if err != nil {
			return nil, err
		}
		subscribers, err := r.source.ActiveSubscribers(ctx)
		if err != nil {
			return nil, err
		}
		return dedupe(append(contacts, subscribers...)), nil
	}
}

// testRecipients splits a comma-separated address list into synthetic
// recipients. Empty and whitespace-only entries are dropped.
func testRecipients(raw string) []domain.Recipient {
	var recipients []domain.Recipient
	for _, part := range strings.Split(raw, ",") {
		email := strings.TrimSpace(part)
		if email == "" {
			continue
		}
		recipients = append(recipients, domain.Recipient{
			Email: email,
			Name:  fmt.Sprintf("Test User %d", len(recipients)+1),
		})
	}
	return recipients
}

// dedupe removes duplicate emails, keeping the first occurrence. Comparison
// is case-insensitive since mail routing is.
func dedupe(recipients []domain.Recipient) []domain.Recipient {
	seen := make(map[string]struct{}, len(recipients))
	out := recipients[:0:0]
	for _, r := range recipients {
		key := strings.ToLower(strings.TrimSpace(r.Email))
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}
	return out
}
