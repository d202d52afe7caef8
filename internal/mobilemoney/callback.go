package mobilemoney

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nfcpay/cardledger/internal/ledger"
	"github.com/nfcpay/cardledger/internal/money"
)

// ErrUnknownStatus is returned for a provider status we cannot classify.
var ErrUnknownStatus = errors.New("mobilemoney: unknown provider status")

// Outcome classifies a provider status.
type Outcome int

const (
	OutcomeCredit Outcome = iota
	OutcomePending
	OutcomeFailed
)

// Callback is the payload a mobile money provider posts once a top-up
// collection settles.
type Callback struct {
	TransactionID string    `json:"transaction_id"`
	Provider      string    `json:"provider"`
	Status        string    `json:"status"`
	CardUID       string    `json:"card_uid"`
	Amount        string    `json:"amount"`
	Currency      string    `json:"currency"`
	PhoneNumber   string    `json:"phone_number"`
	Timestamp     time.Time `json:"timestamp"`
}

// Outcome maps the provider status onto what the ledger should do with it.
func (cb Callback) Outcome() (Outcome, error) {
	switch strings.ToUpper(strings.TrimSpace(cb.Status)) {
	case "SUCCESSFUL", "SUCCESS", "COMPLETED":
		return OutcomeCredit, nil
	case "PENDING", "PROCESSING":
		return OutcomePending, nil
	case "FAILED", "CANCELLED", "REJECTED", "EXPIRED":
		return OutcomeFailed, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownStatus, cb.Status)
	}
}

// Reference is the ledger reference for this callback. Providers retry
// callbacks, so it is derived only from the provider's own identifiers.
func (cb Callback) Reference() string {
	return "mm:" + strings.ToLower(strings.TrimSpace(cb.Provider)) + ":" + strings.TrimSpace(cb.TransactionID)
}

// Intent converts a successful callback into a top-up intent.
func (cb Callback) Intent() (ledger.Intent, error) {
	if strings.TrimSpace(cb.TransactionID) == "" || strings.TrimSpace(cb.Provider) == "" {
		return ledger.Intent{}, fmt.Errorf("%w: transaction_id and provider are required", ledger.ErrInvalidIntent)
	}
	amount, err := money.ParseMajor(cb.Amount, cb.Currency)
	if err != nil {
		return ledger.Intent{}, err
	}
	return ledger.Intent{
		CardUID:   cb.CardUID,
		Kind:      ledger.KindTopUp,
		Amount:    amount,
		Reference: cb.Reference(),
		Metadata: map[string]string{
			"channel":  "mobile_money",
			"provider": strings.ToLower(strings.TrimSpace(cb.Provider)),
			"phone":    cb.PhoneNumber,
		},
	}, nil
}
