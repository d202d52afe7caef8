package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/nfcpay/cardledger/internal/money"
)

// Kind is the type of a card transaction.
type Kind string

const (
	KindPurchase Kind = "purchase"
	KindTopUp    Kind = "topup"
	KindRefund   Kind = "refund"
	KindReversal Kind = "reversal"
)

// Valid reports whether k is a known transaction kind.
func (k Kind) Valid() bool {
	switch k {
	case KindPurchase, KindTopUp, KindRefund, KindReversal:
		return true
	}
	return false
}

// Direction is the effect of a record on the card balance.
type Direction string

const (
	DirectionDebit  Direction = "debit"
	DirectionCredit Direction = "credit"
)

// Opposite returns the reverse direction.
func (d Direction) Opposite() Direction {
	if d == DirectionDebit {
		return DirectionCredit
	}
	return DirectionDebit
}

// Status is the settlement state of a record.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusPending   Status = "pending"
	StatusFailed    Status = "failed"
)

// Record is one applied card transaction. Completed records are never
// modified; corrections are new reversal records.
type Record struct {
	ID            string            `json:"id"`
	CardUID       string            `json:"card_uid"`
	Kind          Kind              `json:"kind"`
	Direction     Direction         `json:"direction"`
	Amount        money.Money       `json:"amount"`
	BalanceBefore money.Money       `json:"balance_before"`
	BalanceAfter  money.Money       `json:"balance_after"`
	Status        Status            `json:"status"`
	Reference     string            `json:"reference,omitempty"`
	TargetID      string            `json:"target_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	// Sequence orders the records of one card; the first record is 1.
	Sequence int64 `json:"sequence"`
}

// Balanced reports whether BalanceAfter equals BalanceBefore moved by Amount in Direction.
func (r Record) Balanced() bool {
	var want money.Money
	var err error
	if r.Direction == DirectionDebit {
		want, err = r.BalanceBefore.Subtract(r.Amount)
	} else {
		want, err = r.BalanceBefore.Add(r.Amount)
	}
	return err == nil && want == r.BalanceAfter
}

// Intent is a request to move money on one card, validated before it reaches
// the engine. For reversals a zero Amount means "the target's amount".
type Intent struct {
	CardUID            string
	Kind               Kind
	Amount             money.Money
	Reference          string
	TargetID           string
	PINVerified        bool
	DailyLimitOverride *money.Money
	Metadata           map[string]string
	At                 time.Time
}

// Validate checks the intent shape. It does not look at card state.
func (i Intent) Validate() error {
	if strings.TrimSpace(i.CardUID) == "" {
		return fmt.Errorf("%w: card uid is required", ErrInvalidIntent)
	}
	if !i.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidIntent, i.Kind)
	}

	omitAmount := i.Kind == KindReversal && i.Amount.Amount == 0
	if !omitAmount {
		if !i.Amount.IsPositive() {
			return fmt.Errorf("%w: amount must be positive", ErrInvalidIntent)
		}
		if !money.ValidCurrency(i.Amount.Currency) {
			return fmt.Errorf("%w: %w", ErrInvalidIntent, money.ErrInvalidCurrency)
		}
	}

	switch i.Kind {
	case KindRefund, KindReversal:
		if i.TargetID == "" {
			return fmt.Errorf("%w: %s requires a target transaction", ErrInvalidIntent, i.Kind)
		}
	default:
		if i.TargetID != "" {
			return fmt.Errorf("%w: %s does not take a target transaction", ErrInvalidIntent, i.Kind)
		}
	}

	if i.DailyLimitOverride != nil {
		if i.Kind != KindPurchase {
			return fmt.Errorf("%w: daily limit override applies to purchases only", ErrInvalidIntent)
		}
		if i.DailyLimitOverride.IsNegative() || i.DailyLimitOverride.Currency != i.Amount.Currency {
			return fmt.Errorf("%w: bad daily limit override", ErrInvalidIntent)
		}
	}
	return nil
}

// matches reports whether r is the record a replay of i would produce.
func (i Intent) matches(r Record) bool {
	if r.CardUID != i.CardUID || r.Kind != i.Kind || r.TargetID != i.TargetID {
		return false
	}
	if i.Kind == KindReversal && i.Amount.Amount == 0 {
		return true
	}
	return r.Amount == i.Amount
}

func directionOf(k Kind) Direction {
	if k == KindPurchase {
		return DirectionDebit
	}
	return DirectionCredit
}
