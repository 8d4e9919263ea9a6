// Package worker contains the dispatch engines: the batched sender, the
// campaign dispatcher, the sequence runner, and the poll loop that drives
// them in the standalone worker binary.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/embermail/dispatch/internal/delivery"
	"github.com/embermail/dispatch/internal/domain"
	"github.com/embermail/dispatch/internal/pkg/logger"
)

// RenderFunc produces the outbound message for one recipient.
type RenderFunc func(domain.Recipient) (*delivery.Message, error)

// SendCallbacks are invoked per recipient as sends settle. Callbacks run
// serialized, never concurrently, so they may touch shared state and the
// database without their own locking. Any callback may be nil.
type SendCallbacks struct {
	OnSent    func(domain.Recipient)
	OnFailed  func(domain.Recipient, error)
	OnSkipped func(domain.Recipient)
}

// BatchSender fans recipients out to the delivery provider in fixed-size
// batches with an inter-batch delay. Sends within a batch run concurrently;
// a failed recipient never aborts its siblings or later batches.
type BatchSender struct {
	provider  delivery.Provider
	batchSize int
	delay     time.Duration
	log       *logger.Logger

	// wait is swapped out in tests to avoid real sleeps.
	wait func(ctx context.Context, d time.Duration)
}

// NewBatchSender creates a sender. batchSize and delay fall back to the
// provider-safe defaults of 10 and 1s when non-positive.
func NewBatchSender(provider delivery.Provider, batchSize int, delay time.Duration) *BatchSender {
	if batchSize <= 0 {
		batchSize = 10
	}
	if delay <= 0 {
		delay = time.Second
	}
	return &BatchSender{
		provider:  provider,
		batchSize: batchSize,
		delay:     delay,
		log:       logger.With("sender"),
		wait:      sleepCtx,
	}
}

// Send delivers a message to every recipient and returns the number of
// confirmed sends. The count excludes render failures, provider failures and
// dry-run skips, so it is always <= len(recipients). A cancelled context
// stops before the next batch; recipients already in flight still settle.
func (b *BatchSender) Send(ctx context.Context, recipients []domain.Recipient, render RenderFunc, cb SendCallbacks) int {
	if len(recipients) == 0 {
		return 0
	}

	var (
		mu   sync.Mutex
		sent int
	)

	for start := 0; start < len(recipients); start += b.batchSize {
		if start > 0 {
			b.wait(ctx, b.delay)
		}
		if ctx.Err() != nil {
			b.log.Warn("send aborted by context", "delivered", sent, "remaining", len(recipients)-start)
			break
		}

		end := start + b.batchSize
		if end > len(recipients) {
			end = len(recipients)
		}

		var wg sync.WaitGroup
		for _, rcpt := range recipients[start:end] {
			wg.Add(1)
			go func(rcpt domain.Recipient) {
				defer wg.Done()
				err := b.sendOne(ctx, rcpt, render)

				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					sent++
					if cb.OnSent != nil {
						cb.OnSent(rcpt)
					}
				case errors.Is(err, delivery.ErrNotConfigured):
					if cb.OnSkipped != nil {
						cb.OnSkipped(rcpt)
					}
				default:
					b.log.Error("send failed", "recipient", rcpt.Email, "error", err)
					if cb.OnFailed != nil {
						cb.OnFailed(rcpt, err)
					}
				}
			}(rcpt)
		}
		wg.Wait()
	}

	return sent
}

func (b *BatchSender) sendOne(ctx context.Context, rcpt domain.Recipient, render RenderFunc) error {
	msg, err := render(rcpt)
	if err != nil {
		return err
	}
	return b.provider.Send(ctx, msg)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
