package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/embermail/dispatch/internal/pkg/logger"
	"github.com/embermail/dispatch/internal/store"
)

// Poller drives both engines on a fixed interval in the standalone worker
// binary. It registers itself in the worker table and heartbeats so stalled
// workers are visible operationally.
type Poller struct {
	dispatcher *Dispatcher
	sequences  *SequenceRunner
	store      *store.Store
	interval   time.Duration

	workerID string
	log      *logger.Logger

	running atomic.Bool
	passes  atomic.Int64
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewPoller creates a poller. interval falls back to one minute when
// non-positive, matching the external cron cadence.
func NewPoller(dispatcher *Dispatcher, sequences *SequenceRunner, st *store.Store, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = time.Minute
	}
	host, _ := os.Hostname()
	return &Poller{
		dispatcher: dispatcher,
		sequences:  sequences,
		store:      st,
		interval:   interval,
		workerID:   fmt.Sprintf("dispatch-%s-%s", host, uuid.New().String()[:8]),
		log:        logger.With("poller"),
		stop:       make(chan struct{}),
	}
}

// Start launches the poll loop and heartbeat goroutines. Safe to call once.
func (p *Poller) Start(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		return
	}

	if err := p.store.RegisterWorker(ctx, p.workerID, "dispatch", hostnameOnly(p.workerID)); err != nil {
		p.log.Warn("worker registration failed", "error", err)
	}

	p.wg.Add(2)
	go p.loop(ctx)
	go p.heartbeat(ctx)
	p.log.Info("poller started", "worker", p.workerID, "interval", p.interval.String())
}

// Stop signals the loops and waits for the in-flight pass to finish.
func (p *Poller) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.stop)
	p.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.DeregisterWorker(ctx, p.workerID); err != nil {
		p.log.Warn("worker deregistration failed", "error", err)
	}
	p.log.Info("poller stopped", "worker", p.workerID, "passes", p.passes.Load())
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// First pass immediately instead of waiting out a full interval.
	p.runOnce(ctx)

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.runOnce(ctx)
		}
	}
}

func (p *Poller) runOnce(ctx context.Context) {
	p.passes.Add(1)

	if _, err := p.dispatcher.Run(ctx); err != nil {
		p.log.Error("campaign pass failed", "error", err)
	}
	if _, err := p.sequences.Run(ctx); err != nil {
		p.log.Error("sequence pass failed", "error", err)
	}
}

func (p *Poller) heartbeat(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.store.WorkerHeartbeat(ctx, p.workerID); err != nil {
				p.log.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

func hostnameOnly(workerID string) string {
	host, err := os.Hostname()
	if err != nil {
		return workerID
	}
	return host
}
