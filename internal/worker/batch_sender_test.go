package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/embermail/dispatch/internal/delivery"
	"github.com/embermail/dispatch/internal/domain"
)

func passthroughRender(rcpt domain.Recipient) (*delivery.Message, error) {
	return &delivery.Message{To: rcpt.Email, Subject: "hi"}, nil
}

func makeRecipients(n int) []domain.Recipient {
	recipients := make([]domain.Recipient, n)
	for i := range recipients {
		recipients[i] = domain.Recipient{Email: fmt.Sprintf("user%d@example.com", i+1)}
	}
	return recipients
}

func TestBatchSender_FailureIsolation(t *testing.T) {
	provider := newFakeProvider()
	provider.failFor["user3@example.com"] = errors.New("mailbox on fire")

	sender := NewBatchSender(provider, 10, time.Second)
	sender.wait = noWait

	var failed []string
	sent := sender.Send(context.Background(), makeRecipients(12), passthroughRender, SendCallbacks{
		OnFailed: func(rcpt domain.Recipient, err error) {
			failed = append(failed, rcpt.Email)
		},
	})

	if sent != 11 {
		t.Errorf("sent = %d, want 11", sent)
	}
	if provider.sentCount() != 11 {
		t.Errorf("provider deliveries = %d, want 11", provider.sentCount())
	}
	if len(failed) != 1 || failed[0] != "user3@example.com" {
		t.Errorf("failed = %v, want [user3@example.com]", failed)
	}
}

func TestBatchSender_BatchDelayBetweenBatches(t *testing.T) {
	provider := newFakeProvider()
	sender := NewBatchSender(provider, 10, time.Second)

	waits := 0
	sender.wait = func(ctx context.Context, d time.Duration) {
		if d != time.Second {
			t.Errorf("wait duration = %v, want 1s", d)
		}
		waits++
	}

	sent := sender.Send(context.Background(), makeRecipients(25), passthroughRender, SendCallbacks{})
	if sent != 25 {
		t.Errorf("sent = %d, want 25", sent)
	}
	if waits != 2 {
		t.Errorf("inter-batch waits = %d, want 2", waits)
	}
}

func TestBatchSender_DryRunSkipsAreNotCounted(t *testing.T) {
	provider := newFakeProvider()
	provider.disabled = true

	sender := NewBatchSender(provider, 10, time.Second)
	sender.wait = noWait

	skipped := 0
	sent := sender.Send(context.Background(), makeRecipients(3), passthroughRender, SendCallbacks{
		OnSkipped: func(rcpt domain.Recipient) { skipped++ },
		OnSent:    func(rcpt domain.Recipient) { t.Errorf("OnSent fired for %s in dry-run", rcpt.Email) },
	})

	if sent != 0 {
		t.Errorf("sent = %d, want 0", sent)
	}
	if skipped != 3 {
		t.Errorf("skipped = %d, want 3", skipped)
	}
}

func TestBatchSender_RenderErrorCountsAsFailure(t *testing.T) {
	provider := newFakeProvider()
	sender := NewBatchSender(provider, 10, time.Second)
	sender.wait = noWait

	render := func(rcpt domain.Recipient) (*delivery.Message, error) {
		if rcpt.Email == "user2@example.com" {
			return nil, errors.New("bad template")
		}
		return passthroughRender(rcpt)
	}

	sent := sender.Send(context.Background(), makeRecipients(3), render, SendCallbacks{})
	if sent != 2 {
		t.Errorf("sent = %d, want 2", sent)
	}
	if provider.sentCount() != 2 {
		t.Errorf("provider deliveries = %d, want 2", provider.sentCount())
	}
}

func TestBatchSender_CallbacksAreSerialized(t *testing.T) {
	provider := newFakeProvider()
	sender := NewBatchSender(provider, 10, time.Second)
	sender.wait = noWait

	// A plain counter would race if callbacks ran concurrently; the test
	// relies on the race detector to prove serialization.
	counter := 0
	var order []string

	sent := sender.Send(context.Background(), makeRecipients(10), passthroughRender, SendCallbacks{
		OnSent: func(rcpt domain.Recipient) {
			counter++
			order = append(order, rcpt.Email)
		},
	})

	if sent != 10 || counter != 10 || len(order) != 10 {
		t.Errorf("sent=%d counter=%d callbacks=%d, want 10/10/10", sent, counter, len(order))
	}
}

func TestBatchSender_EmptyRecipients(t *testing.T) {
	sender := NewBatchSender(newFakeProvider(), 10, time.Second)
	if sent := sender.Send(context.Background(), nil, passthroughRender, SendCallbacks{}); sent != 0 {
		t.Errorf("sent = %d, want 0", sent)
	}
}
