package card

import (
	"errors"
	"time"

	"github.com/nfcpay/cardledger/internal/money"
)

// Status is the lifecycle state of an NFC card.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusBlocked  Status = "blocked"
	StatusLost     Status = "lost"
	StatusStolen   Status = "stolen"
)

// dayLayout is the format of Account.SpentOn.
const dayLayout = "2006-01-02"

var (
	// ErrNotActive is returned by DebitCheck when the card cannot be debited because of its status.
	ErrNotActive = errors.New("card is not active")
	// ErrInsufficientBalance is returned by DebitCheck when the balance cannot cover the amount.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrDailyLimitExceeded is returned by DebitCheck when the daily spend would exceed the limit.
	ErrDailyLimitExceeded = errors.New("daily limit exceeded")
	// ErrInvalidStatusTransition is returned when a status change is not allowed.
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	// ErrInvalidCard is returned when issuance data is malformed.
	ErrInvalidCard = errors.New("invalid card")
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusBlocked, StatusLost, StatusStolen:
		return true
	}
	return false
}

// Restricted reports whether the card is barred from every balance movement.
func (s Status) Restricted() bool {
	return s == StatusBlocked || s == StatusLost || s == StatusStolen
}

// Terminal reports whether the status can never change again.
func (s Status) Terminal() bool {
	return s == StatusLost || s == StatusStolen
}

// Account is the balance-bearing state of one NFC card. It is a plain value:
// mutation happens only by the ledger engine producing a new snapshot.
type Account struct {
	UID           string      `json:"uid"`
	CustomerID    string      `json:"customer_id"`
	Balance       money.Money `json:"balance"`
	Status        Status      `json:"status"`
	DailyLimit    money.Money `json:"daily_limit"`
	SpentToday    money.Money `json:"spent_today"`
	SpentOn       string      `json:"spent_on,omitempty"`
	IssuedBalance money.Money `json:"issued_balance"`
	IssuedAt      time.Time   `json:"issued_at"`
	LastUsedAt    *time.Time  `json:"last_used_at,omitempty"`
	BlockReason   string      `json:"block_reason,omitempty"`
	BlockedAt     *time.Time  `json:"blocked_at,omitempty"`
	PINHash       []byte      `json:"-"`
	Version       int64       `json:"version"`
	// LastSequence is the sequence number of the latest committed transaction.
	LastSequence int64 `json:"last_sequence"`
}

// Currency returns the card's currency.
func (a Account) Currency() string {
	return a.Balance.Currency
}

// Day returns the calendar-day key of t in loc, used for daily spend windows.
func Day(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(dayLayout)
}

// SpentOnDay returns the amount spent during day. A stored counter that
// belongs to another day counts as zero; the reset is lazy.
func (a Account) SpentOnDay(day string) money.Money {
	if a.SpentOn != day {
		return money.Zero(a.Currency())
	}
	return a.SpentToday
}

// DebitCheck returns nil if amount can be debited on day, or the reason it cannot.
// limit overrides the card's own daily limit when non-nil.
func (a Account) DebitCheck(amount money.Money, day string, limit *money.Money) error {
	if a.Status != StatusActive {
		return ErrNotActive
	}
	remaining, err := a.Balance.Subtract(amount)
	if err != nil {
		return err
	}
	if remaining.IsNegative() {
		return ErrInsufficientBalance
	}
	spent, err := a.SpentOnDay(day).Add(amount)
	if err != nil {
		return err
	}
	effective := a.DailyLimit
	if limit != nil {
		effective = *limit
	}
	cmp, err := spent.Compare(effective)
	if err != nil {
		return err
	}
	if cmp > 0 {
		return ErrDailyLimitExceeded
	}
	return nil
}

// CanDebit reports whether the card is active, can cover amount and stays within its daily limit.
func (a Account) CanDebit(amount money.Money, day string) bool {
	return a.DebitCheck(amount, day, nil) == nil
}

// CanCredit reports whether the card may receive funds. Inactive cards are
// accepted only when allowInactive is set.
func (a Account) CanCredit(allowInactive bool) bool {
	if a.Status.Restricted() {
		return false
	}
	if a.Status == StatusInactive {
		return allowInactive
	}
	return true
}

// WithStatus returns a copy of the account moved to next, enforcing the lifecycle rules.
func (a Account) WithStatus(next Status, reason string, at time.Time) (Account, error) {
	if !next.Valid() {
		return Account{}, ErrInvalidStatusTransition
	}
	if a.Status.Terminal() || a.Status == next {
		return Account{}, ErrInvalidStatusTransition
	}
	if a.Status == StatusBlocked && next == StatusInactive {
		return Account{}, ErrInvalidStatusTransition
	}

	out := a
	out.Status = next
	if next.Restricted() {
		ts := at.UTC()
		out.BlockReason = reason
		out.BlockedAt = &ts
	} else {
		out.BlockReason = ""
		out.BlockedAt = nil
	}
	out.Version++
	return out, nil
}
