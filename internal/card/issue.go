package card

import (
	"fmt"
	"strings"
	"time"

	"github.com/nfcpay/cardledger/internal/money"
)

// IssueInput captures the data needed to register a new card.
type IssueInput struct {
	UID            string
	CustomerID     string
	Currency       string
	DailyLimit     int64
	InitialBalance int64
	PIN            string
}

// NormalizeUID upper-cases an NFC UID and strips the separators readers like to add.
func NormalizeUID(uid string) string {
	uid = strings.ToUpper(strings.TrimSpace(uid))
	return strings.NewReplacer(":", "", "-", "", " ", "").Replace(uid)
}

// Issue validates input and returns the initial account for a new card.
func Issue(input IssueInput, now time.Time) (Account, error) {
	uid := NormalizeUID(input.UID)
	if uid == "" {
		return Account{}, fmt.Errorf("%w: uid is required", ErrInvalidCard)
	}
	for _, r := range uid {
		if !(r >= '0' && r <= '9' || r >= 'A' && r <= 'F') {
			return Account{}, fmt.Errorf("%w: uid must be hexadecimal", ErrInvalidCard)
		}
	}
	currency := strings.ToUpper(input.Currency)
	if !money.ValidCurrency(currency) {
		return Account{}, fmt.Errorf("%w: %w", ErrInvalidCard, money.ErrInvalidCurrency)
	}
	if input.DailyLimit < 0 {
		return Account{}, fmt.Errorf("%w: daily limit must not be negative", ErrInvalidCard)
	}
	if input.InitialBalance < 0 {
		return Account{}, fmt.Errorf("%w: initial balance must not be negative", ErrInvalidCard)
	}

	acct := Account{
		UID:           uid,
		CustomerID:    input.CustomerID,
		Balance:       money.New(input.InitialBalance, currency),
		Status:        StatusActive,
		DailyLimit:    money.New(input.DailyLimit, currency),
		SpentToday:    money.Zero(currency),
		IssuedBalance: money.New(input.InitialBalance, currency),
		IssuedAt:      now.UTC(),
		Version:       1,
	}

	if input.PIN != "" {
		hash, err := HashPIN(input.PIN)
		if err != nil {
			return Account{}, err
		}
		acct.PINHash = hash
	}
	return acct, nil
}
