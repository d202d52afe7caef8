package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nfcpay/cardledger/internal/card"
	"github.com/nfcpay/cardledger/internal/money"
)

// Policy holds the configurable rules of the engine.
type Policy struct {
	// Location defines the calendar day used for daily spend windows.
	Location *time.Location
	// MaxTopUp caps a single top-up in minor units. Zero disables the cap.
	MaxTopUp int64
	// AllowInactiveTopUp lets inactive cards receive top-ups.
	AllowInactiveTopUp bool
	// RequirePurchasePIN rejects purchases whose PIN was not verified.
	RequirePurchasePIN bool
}

// Result is the outcome of applying an intent.
type Result struct {
	Record  Record       `json:"transaction"`
	Account card.Account `json:"card"`
	// Replayed is set when the intent matched an already committed record.
	Replayed bool `json:"replayed"`
}

// Engine validates intents against card state and computes the next state.
// It performs no I/O; callers run it inside the card lock and persist the result.
type Engine struct {
	policy Policy
	newID  func() string
}

// NewEngine builds an engine applying policy.
func NewEngine(policy Policy) *Engine {
	if policy.Location == nil {
		policy.Location = time.UTC
	}
	return &Engine{policy: policy, newID: uuid.NewString}
}

// Policy returns the engine policy.
func (e *Engine) Policy() Policy {
	return e.policy
}

// Apply validates in against acct and h and returns the record to commit with
// the updated account. Nothing is persisted.
func (e *Engine) Apply(in Intent, acct card.Account, h History) (Result, error) {
	if err := in.Validate(); err != nil {
		return Result{}, err
	}
	if in.CardUID != acct.UID {
		return Result{}, fmt.Errorf("%w: intent for %s applied to %s", ErrInvalidIntent, in.CardUID, acct.UID)
	}
	if in.At.IsZero() {
		return Result{}, fmt.Errorf("%w: missing timestamp", ErrInvalidIntent)
	}

	if prev, ok := h.ByReference(in.Reference); ok {
		if !in.matches(prev) {
			return Result{}, fmt.Errorf("%w: reference %s belongs to %s %s", ErrDuplicateReference, in.Reference, prev.Kind, prev.ID)
		}
		return Result{Record: prev, Account: acct, Replayed: true}, nil
	}

	day := card.Day(in.At, e.policy.Location)
	var (
		rec Record
		err error
	)
	switch in.Kind {
	case KindPurchase:
		rec, err = e.purchase(in, acct, day)
	case KindTopUp:
		rec, err = e.topUp(in, acct)
	case KindRefund:
		rec, err = e.refund(in, acct, h)
	case KindReversal:
		rec, err = e.reversal(in, acct, h)
	}
	if err != nil {
		return Result{}, err
	}

	if rec.Direction == DirectionDebit {
		rec.BalanceAfter, err = acct.Balance.Subtract(rec.Amount)
	} else {
		rec.BalanceAfter, err = acct.Balance.Add(rec.Amount)
	}
	if err != nil {
		return Result{}, err
	}
	if rec.BalanceAfter.IsNegative() {
		return Result{}, ErrInsufficientBalance
	}

	rec.ID = e.newID()
	rec.CardUID = acct.UID
	rec.Kind = in.Kind
	rec.BalanceBefore = acct.Balance
	rec.Status = StatusCompleted
	rec.Reference = in.Reference
	rec.TargetID = in.TargetID
	rec.Metadata = in.Metadata
	rec.CreatedAt = in.At.UTC()
	rec.Sequence = acct.LastSequence + 1

	next := acct
	next.Balance = rec.BalanceAfter
	if in.Kind == KindPurchase {
		spent, err := acct.SpentOnDay(day).Add(rec.Amount)
		if err != nil {
			return Result{}, err
		}
		next.SpentToday = spent
		next.SpentOn = day
	}
	if in.Kind == KindReversal {
		next.SpentToday, next.SpentOn = e.restoredSpend(acct, h, rec, day)
	}
	usedAt := rec.CreatedAt
	next.LastUsedAt = &usedAt
	next.LastSequence = rec.Sequence
	next.Version++

	return Result{Record: rec, Account: next}, nil
}

func (e *Engine) purchase(in Intent, acct card.Account, day string) (Record, error) {
	if acct.Status != card.StatusActive {
		return Record{}, fmt.Errorf("%w: status %s", ErrCardBlocked, acct.Status)
	}
	if in.Amount.Currency != acct.Currency() {
		return Record{}, fmt.Errorf("%w: card holds %s", money.ErrCurrencyMismatch, acct.Currency())
	}
	if e.policy.RequirePurchasePIN && !in.PINVerified {
		return Record{}, ErrUnauthorized
	}
	err := acct.DebitCheck(in.Amount, day, in.DailyLimitOverride)
	switch {
	case err == nil:
	case errors.Is(err, card.ErrNotActive):
		return Record{}, fmt.Errorf("%w: status %s", ErrCardBlocked, acct.Status)
	default:
		return Record{}, err
	}
	return Record{Amount: in.Amount, Direction: DirectionDebit}, nil
}

func (e *Engine) topUp(in Intent, acct card.Account) (Record, error) {
	if in.Amount.Currency != acct.Currency() {
		return Record{}, fmt.Errorf("%w: card holds %s", money.ErrCurrencyMismatch, acct.Currency())
	}
	if !acct.CanCredit(e.policy.AllowInactiveTopUp) {
		return Record{}, fmt.Errorf("%w: status %s", ErrCardBlocked, acct.Status)
	}
	if e.policy.MaxTopUp > 0 && in.Amount.Amount > e.policy.MaxTopUp {
		return Record{}, fmt.Errorf("%w: %s", ErrTopUpLimitExceeded, money.New(e.policy.MaxTopUp, acct.Currency()))
	}
	return Record{Amount: in.Amount, Direction: DirectionCredit}, nil
}

func (e *Engine) refund(in Intent, acct card.Account, h History) (Record, error) {
	target, ok := h.ByID(in.TargetID)
	if !ok || target.CardUID != acct.UID {
		return Record{}, fmt.Errorf("%w: %s not found on card", ErrInvalidRefundTarget, in.TargetID)
	}
	if target.Kind != KindPurchase || target.Status != StatusCompleted {
		return Record{}, fmt.Errorf("%w: %s is a %s %s", ErrInvalidRefundTarget, target.ID, target.Status, target.Kind)
	}
	if _, reversed := h.ReversalOf(target.ID); reversed {
		return Record{}, fmt.Errorf("%w: %s was reversed", ErrInvalidRefundTarget, target.ID)
	}
	if in.Amount.Currency != target.Amount.Currency {
		return Record{}, fmt.Errorf("%w: purchase was in %s", money.ErrCurrencyMismatch, target.Amount.Currency)
	}
	if h.RefundedAmount(target.ID)+in.Amount.Amount > target.Amount.Amount {
		return Record{}, fmt.Errorf("%w: %s already refunded of %s",
			ErrRefundExceedsOriginal, money.New(h.RefundedAmount(target.ID), target.Amount.Currency), target.Amount)
	}
	// Refunds of a card's own purchases are accepted on inactive cards.
	if !acct.CanCredit(true) {
		return Record{}, fmt.Errorf("%w: status %s", ErrCardBlocked, acct.Status)
	}
	return Record{Amount: in.Amount, Direction: DirectionCredit}, nil
}

func (e *Engine) reversal(in Intent, acct card.Account, h History) (Record, error) {
	target, ok := h.ByID(in.TargetID)
	if !ok || target.CardUID != acct.UID {
		return Record{}, fmt.Errorf("%w: %s not found on card", ErrInvalidReversalTarget, in.TargetID)
	}
	if target.Status != StatusCompleted || target.Kind == KindReversal {
		return Record{}, fmt.Errorf("%w: %s is a %s %s", ErrInvalidReversalTarget, target.ID, target.Status, target.Kind)
	}
	if prev, reversed := h.ReversalOf(target.ID); reversed {
		return Record{}, fmt.Errorf("%w: already reversed by %s", ErrInvalidReversalTarget, prev.ID)
	}
	if target.Kind == KindPurchase && h.RefundedAmount(target.ID) > 0 {
		return Record{}, fmt.Errorf("%w: %s is partially refunded", ErrInvalidReversalTarget, target.ID)
	}

	amount := target.Amount
	if in.Amount.Amount != 0 && in.Amount != target.Amount {
		return Record{}, fmt.Errorf("%w: amount %s does not match %s", ErrInvalidReversalTarget, in.Amount, target.Amount)
	}
	if amount.Currency != acct.Currency() {
		return Record{}, fmt.Errorf("%w: card holds %s", money.ErrCurrencyMismatch, acct.Currency())
	}
	return Record{Amount: amount, Direction: target.Direction.Opposite()}, nil
}

// restoredSpend gives a same-day purchase back to the daily allowance when it is reversed.
func (e *Engine) restoredSpend(acct card.Account, h History, rec Record, day string) (money.Money, string) {
	target, ok := h.ByID(rec.TargetID)
	if !ok || target.Kind != KindPurchase || card.Day(target.CreatedAt, e.policy.Location) != day {
		return acct.SpentToday, acct.SpentOn
	}
	spent := acct.SpentOnDay(day)
	restored, err := spent.Subtract(rec.Amount)
	if err != nil {
		return acct.SpentToday, acct.SpentOn
	}
	if restored.IsNegative() {
		restored = money.Zero(acct.Currency())
	}
	return restored, day
}
