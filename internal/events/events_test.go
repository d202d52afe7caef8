package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/stretchr/testify/require"

	"github.com/nfcpay/cardledger/internal/card"
	"github.com/nfcpay/cardledger/internal/ledger"
	"github.com/nfcpay/cardledger/internal/logging"
	"github.com/nfcpay/cardledger/internal/metrics"
	"github.com/nfcpay/cardledger/internal/money"
	"github.com/nfcpay/cardledger/internal/notification"
)

func purchaseRecord(before, amount int64) ledger.Record {
	return ledger.Record{
		ID:            "7d0c8a8e-8f4e-4b39-9d5e-0f3b8f3f9a11",
		CardUID:       "04A1B2C3",
		Kind:          ledger.KindPurchase,
		Direction:     ledger.DirectionDebit,
		Amount:        money.New(amount, "XAF"),
		BalanceBefore: money.New(before, "XAF"),
		BalanceAfter:  money.New(before-amount, "XAF"),
		Status:        ledger.StatusCompleted,
		Sequence:      4,
		CreatedAt:     time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC),
	}
}

var holder = card.Account{UID: "04A1B2C3", CustomerID: "cust-42"}

type captureNotifier struct {
	mu   sync.Mutex
	sent []notification.Message
}

func (n *captureNotifier) Send(_ context.Context, msg notification.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return nil
}

func (n *captureNotifier) messages() []notification.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification.Message(nil), n.sent...)
}

type capturePublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (p *capturePublisher) Publish(_ context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func TestBuildLowBalance(t *testing.T) {
	evs := Build(purchaseRecord(12_000, 4_000), holder, 10_000)
	require.Len(t, evs, 2)
	require.Equal(t, TypeTransactionCompleted, evs[0].Type)
	require.Equal(t, TypeLowBalance, evs[1].Type)
	require.Equal(t, "cust-42", evs[1].CustomerID)
	require.NotEqual(t, evs[0].ID, evs[1].ID)

	// Already under the threshold: no repeated warning.
	require.Len(t, Build(purchaseRecord(9_000, 1_000), holder, 10_000), 1)
	// Disabled threshold.
	require.Len(t, Build(purchaseRecord(12_000, 4_000), holder, 0), 1)
}

func TestDelivererPublishesAndNotifies(t *testing.T) {
	pub := &capturePublisher{}
	notifier := &captureNotifier{}
	d := NewDeliverer(pub, notifier, metrics.New(), logging.Discard())

	for _, ev := range Build(purchaseRecord(12_000, 4_000), holder, 10_000) {
		require.NoError(t, d.Deliver(context.Background(), ev))
	}
	require.Len(t, pub.events, 2)
	msgs := notifier.messages()
	require.Len(t, msgs, 2)
	require.Equal(t, notification.KindReceipt, msgs[0].Kind)
	require.Equal(t, notification.KindLowBalance, msgs[1].Kind)
	require.Contains(t, msgs[0].Body, "****B2C3")
	require.NotContains(t, msgs[0].Body, "04A1B2C3")
}

func TestDelivererReturnsPublishError(t *testing.T) {
	notifier := &captureNotifier{}
	d := NewDeliverer(&capturePublisher{err: errors.New("broker down")}, notifier, nil, logging.Discard())
	err := d.Deliver(context.Background(), Build(purchaseRecord(5_000, 100), holder, 0)[0])
	require.Error(t, err)
	require.Empty(t, notifier.messages())
}

func TestKafkaPublisher(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var ev Event
		if err := json.Unmarshal(val, &ev); err != nil {
			return err
		}
		if ev.TransactionID != "7d0c8a8e-8f4e-4b39-9d5e-0f3b8f3f9a11" || ev.BalanceAfter.Amount != 8_000 {
			return errors.New("unexpected event payload")
		}
		return nil
	})
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	pub := NewKafkaPublisher(producer, "card-ledger")
	ev := Build(purchaseRecord(12_000, 4_000), holder, 0)[0]
	require.NoError(t, pub.Publish(context.Background(), ev))
	require.ErrorIs(t, pub.Publish(context.Background(), ev), sarama.ErrOutOfBrokers)
	require.NoError(t, pub.Close())
}

func TestDeliverEventWorker(t *testing.T) {
	pub := &capturePublisher{}
	w := NewDeliverEventWorker(NewDeliverer(pub, nil, nil, logging.Discard()))
	ev := Build(purchaseRecord(12_000, 4_000), holder, 0)[0]

	err := w.Work(context.Background(), &river.Job[DeliverEventArgs]{Args: DeliverEventArgs{Event: ev}})
	require.NoError(t, err)
	require.Equal(t, []Event{ev}, pub.events)

	pub.err = errors.New("broker down")
	err = w.Work(context.Background(), &river.Job[DeliverEventArgs]{Args: DeliverEventArgs{Event: ev}})
	require.Error(t, err)
}

type fakeInserter struct {
	args []river.JobArgs
	err  error
}

func (f *fakeInserter) InsertTx(_ context.Context, _ pgx.Tx, args river.JobArgs, _ *river.InsertOpts) (*rivertype.JobInsertResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.args = append(f.args, args)
	return &rivertype.JobInsertResult{}, nil
}

func TestEnqueueHook(t *testing.T) {
	ins := &fakeInserter{}
	hook := EnqueueHook(ins, 10_000)

	require.NoError(t, hook(context.Background(), nil, purchaseRecord(12_000, 4_000), holder))
	require.Len(t, ins.args, 2)
	first, ok := ins.args[0].(DeliverEventArgs)
	require.True(t, ok)
	require.Equal(t, "deliver_ledger_event", first.Kind())
	require.Equal(t, queueEvents, first.InsertOpts().Queue)

	failing := EnqueueHook(&fakeInserter{err: errors.New("tx aborted")}, 0)
	require.Error(t, failing(context.Background(), nil, purchaseRecord(12_000, 4_000), holder))
}

func TestAsyncDispatcherDrainsOnClose(t *testing.T) {
	pub := &capturePublisher{}
	a := NewAsyncDispatcher(NewDeliverer(pub, nil, nil, logging.Discard()), 10_000, 8, logging.Discard())

	a.Dispatch(context.Background(), ledger.Result{Record: purchaseRecord(12_000, 4_000), Account: holder})
	a.Dispatch(context.Background(), ledger.Result{Record: purchaseRecord(8_000, 1_000), Account: holder})
	a.Close()
	a.Close()

	require.Len(t, pub.events, 3)
	// Dispatch after Close is ignored.
	a.Dispatch(context.Background(), ledger.Result{Record: purchaseRecord(8_000, 1_000), Account: holder})
	require.Len(t, pub.events, 3)
}
