package worker

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/embermail/dispatch/internal/delivery"
	"github.com/embermail/dispatch/internal/domain"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error: %v", err)
	}
	return db, mock, func() { db.Close() }
}

// fakeProvider records attempted sends and fails or skips on demand.
type fakeProvider struct {
	mu       sync.Mutex
	sent     []string
	failFor  map[string]error
	disabled bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{failFor: map[string]error{}}
}

func (p *fakeProvider) Name() string  { return "fake" }
func (p *fakeProvider) Enabled() bool { return !p.disabled }

func (p *fakeProvider) Send(ctx context.Context, msg *delivery.Message) error {
	if p.disabled {
		return delivery.ErrNotConfigured
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.failFor[msg.To]; ok {
		return err
	}
	p.sent = append(p.sent, msg.To)
	return nil
}

func (p *fakeProvider) sentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

// fakeSource is an in-memory audience.Source.
type fakeSource struct {
	contacts    []domain.Recipient
	subscribers []domain.Recipient
	segments    map[string][]domain.Recipient
}

func (f *fakeSource) OptInContacts(ctx context.Context) ([]domain.Recipient, error) {
	return f.contacts, nil
}

func (f *fakeSource) ActiveSubscribers(ctx context.Context) ([]domain.Recipient, error) {
	return f.subscribers, nil
}

func (f *fakeSource) ContactsByIDs(ctx context.Context, ids []uuid.UUID) ([]domain.Recipient, error) {
	return f.contacts, nil
}

func (f *fakeSource) SegmentExists(ctx context.Context, tag string) (bool, error) {
	_, ok := f.segments[tag]
	return ok, nil
}

func (f *fakeSource) SegmentRecipients(ctx context.Context, tag string) ([]domain.Recipient, error) {
	return f.segments[tag], nil
}

// noWait replaces the inter-batch sleep in tests.
func noWait(ctx context.Context, d time.Duration) {}
