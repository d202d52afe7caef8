package events

import (
	"time"

	"github.com/nfcpay/cardledger/internal/card"
	"github.com/nfcpay/cardledger/internal/ledger"
	"github.com/nfcpay/cardledger/internal/money"
)

const (
	TypeTransactionCompleted = "transaction.completed"
	TypeLowBalance           = "card.low_balance"
)

// Event is a ledger fact published after commit. ID is stable across
// redeliveries so consumers can deduplicate.
type Event struct {
	ID            string      `json:"id"`
	Type          string      `json:"type"`
	CardUID       string      `json:"card_uid"`
	CustomerID    string      `json:"customer_id,omitempty"`
	TransactionID string      `json:"transaction_id"`
	Kind          ledger.Kind `json:"kind"`
	Amount        money.Money `json:"amount"`
	BalanceAfter  money.Money `json:"balance_after"`
	Reference     string      `json:"reference,omitempty"`
	Sequence      int64       `json:"sequence"`
	OccurredAt    time.Time   `json:"occurred_at"`
}

// Build returns the events produced by committing rec. A low-balance event is
// added when a debit takes the balance from at least threshold to below it.
// A threshold of zero disables low-balance events.
func Build(rec ledger.Record, acct card.Account, threshold int64) []Event {
	base := Event{
		ID:            rec.ID + ":" + TypeTransactionCompleted,
		Type:          TypeTransactionCompleted,
		CardUID:       rec.CardUID,
		CustomerID:    acct.CustomerID,
		TransactionID: rec.ID,
		Kind:          rec.Kind,
		Amount:        rec.Amount,
		BalanceAfter:  rec.BalanceAfter,
		Reference:     rec.Reference,
		Sequence:      rec.Sequence,
		OccurredAt:    rec.CreatedAt,
	}
	out := []Event{base}

	if threshold > 0 && rec.Direction == ledger.DirectionDebit &&
		rec.BalanceBefore.Amount >= threshold && rec.BalanceAfter.Amount < threshold {
		low := base
		low.ID = rec.ID + ":" + TypeLowBalance
		low.Type = TypeLowBalance
		out = append(out, low)
	}
	return out
}
