package events

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/nfcpay/cardledger/internal/card"
	"github.com/nfcpay/cardledger/internal/ledger"
)

const queueEvents = "ledger_events"

// DeliverEventArgs is the River job carrying one ledger event.
type DeliverEventArgs struct {
	Event Event `json:"event"`
}

func (DeliverEventArgs) Kind() string { return "deliver_ledger_event" }

func (DeliverEventArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: queueEvents, MaxAttempts: 10}
}

// Queues returns the River queue configuration the worker needs.
func Queues(maxWorkers int) map[string]river.QueueConfig {
	if maxWorkers <= 0 {
		maxWorkers = 5
	}
	return map[string]river.QueueConfig{queueEvents: {MaxWorkers: maxWorkers}}
}

// DeliverEventWorker delivers queued ledger events.
type DeliverEventWorker struct {
	river.WorkerDefaults[DeliverEventArgs]
	deliverer *Deliverer
}

// NewDeliverEventWorker builds the worker.
func NewDeliverEventWorker(d *Deliverer) *DeliverEventWorker {
	return &DeliverEventWorker{deliverer: d}
}

func (w *DeliverEventWorker) Work(ctx context.Context, job *river.Job[DeliverEventArgs]) error {
	if err := w.deliverer.Deliver(ctx, job.Args.Event); err != nil {
		return fmt.Errorf("deliver %s: %w", job.Args.Event.ID, err)
	}
	return nil
}

// TxInserter inserts jobs inside an existing transaction. *river.Client[pgx.Tx] implements it.
type TxInserter interface {
	InsertTx(ctx context.Context, tx pgx.Tx, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// EnqueueHook returns a commit hook that inserts one delivery job per event in
// the same transaction as the ledger record, so an event exists if and only if
// its record was committed.
func EnqueueHook(inserter TxInserter, lowBalanceThreshold int64) ledger.CommitHook {
	return func(ctx context.Context, tx pgx.Tx, rec ledger.Record, acct card.Account) error {
		for _, ev := range Build(rec, acct, lowBalanceThreshold) {
			if _, err := inserter.InsertTx(ctx, tx, DeliverEventArgs{Event: ev}, nil); err != nil {
				return fmt.Errorf("enqueue %s: %w", ev.Type, err)
			}
		}
		return nil
	}
}
