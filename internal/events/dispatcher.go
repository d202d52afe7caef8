package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nfcpay/cardledger/internal/ledger"
)

// AsyncDispatcher delivers events of committed results on a background
// goroutine. It is used when no job queue is available; events still queued
// when the process dies are lost.
type AsyncDispatcher struct {
	deliverer *Deliverer
	threshold int64
	logger    *slog.Logger

	mu     sync.Mutex
	closed bool
	queue  chan Event
	done   chan struct{}
}

// NewAsyncDispatcher starts a dispatcher with a queue of size buffer.
func NewAsyncDispatcher(d *Deliverer, lowBalanceThreshold int64, buffer int, logger *slog.Logger) *AsyncDispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	a := &AsyncDispatcher{
		deliverer: d,
		threshold: lowBalanceThreshold,
		logger:    logger,
		queue:     make(chan Event, buffer),
		done:      make(chan struct{}),
	}
	go a.run()
	return a
}

// Dispatch queues the events of res. It never blocks; a full queue drops events.
func (a *AsyncDispatcher) Dispatch(ctx context.Context, res ledger.Result) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	for _, ev := range Build(res.Record, res.Account, a.threshold) {
		select {
		case a.queue <- ev:
		default:
			a.logger.WarnContext(ctx, "event queue full, dropping event",
				slog.String("event_id", ev.ID), slog.String("type", ev.Type))
		}
	}
}

// Close stops accepting events and waits for the queue to drain.
func (a *AsyncDispatcher) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	<-a.done
}

func (a *AsyncDispatcher) run() {
	defer close(a.done)
	for ev := range a.queue {
		if err := a.deliverer.Deliver(context.Background(), ev); err != nil {
			a.logger.Error("event delivery failed",
				slog.String("event_id", ev.ID), slog.String("type", ev.Type), slog.Any("error", err))
		}
	}
}
