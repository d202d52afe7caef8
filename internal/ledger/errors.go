package ledger

import (
	"errors"

	"github.com/nfcpay/cardledger/internal/card"
	"github.com/nfcpay/cardledger/internal/money"
)

var (
	// ErrCardNotFound is returned when no card exists for a UID.
	ErrCardNotFound = errors.New("card not found")

	// ErrCardExists is returned when issuing a UID that is already registered.
	ErrCardExists = errors.New("card already exists")

	// ErrCardBlocked is returned when the card status forbids the movement.
	ErrCardBlocked = errors.New("card is blocked")

	// ErrInsufficientBalance is returned when a debit would take the balance below zero.
	ErrInsufficientBalance = card.ErrInsufficientBalance

	// ErrDailyLimitExceeded is returned when a purchase would exceed the daily spend limit.
	ErrDailyLimitExceeded = card.ErrDailyLimitExceeded

	// ErrDuplicateReference is returned when an external reference is reused with
	// different parameters. It indicates a data-integrity problem upstream.
	ErrDuplicateReference = errors.New("duplicate reference with different parameters")

	// ErrInvalidReversalTarget is returned when the reversal target is missing, already
	// reversed, or otherwise not reversible.
	ErrInvalidReversalTarget = errors.New("invalid reversal target")

	// ErrInvalidRefundTarget is returned when the refund target is not a completed,
	// unreversed purchase on the same card.
	ErrInvalidRefundTarget = errors.New("invalid refund target")

	// ErrRefundExceedsOriginal is returned when refunds would exceed the purchase amount.
	ErrRefundExceedsOriginal = errors.New("refund exceeds original amount")

	// ErrTopUpLimitExceeded is returned when a single top-up is above the configured maximum.
	ErrTopUpLimitExceeded = errors.New("top-up exceeds maximum amount")

	// ErrUnauthorized is returned when a purchase requires a verified PIN and has none.
	ErrUnauthorized = errors.New("cardholder verification required")

	// ErrInvalidIntent is returned for malformed intents.
	ErrInvalidIntent = errors.New("invalid intent")

	// ErrCurrencyMismatch is re-exported for callers that only import ledger.
	ErrCurrencyMismatch = money.ErrCurrencyMismatch
)

var terminalErrors = []error{
	ErrCardNotFound,
	ErrCardExists,
	ErrCardBlocked,
	ErrInsufficientBalance,
	ErrDailyLimitExceeded,
	ErrDuplicateReference,
	ErrInvalidReversalTarget,
	ErrInvalidRefundTarget,
	ErrRefundExceedsOriginal,
	ErrTopUpLimitExceeded,
	ErrUnauthorized,
	ErrInvalidIntent,
	ErrCurrencyMismatch,
	card.ErrInvalidStatusTransition,
	card.ErrInvalidCard,
	card.ErrInvalidPIN,
}

// IsTerminal reports whether err is a business rejection: retrying the same
// intent cannot succeed. Lock timeouts and infrastructure errors are not terminal.
func IsTerminal(err error) bool {
	for _, target := range terminalErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

var (
	// ErrTransactionNotFound is returned when a record lookup finds nothing.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrConcurrentUpdate is returned when the card changed between read and
	// commit. It is transient.
	ErrConcurrentUpdate = errors.New("card was modified concurrently")
)
