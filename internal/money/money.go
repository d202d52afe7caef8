package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrCurrencyMismatch is returned when an operation mixes two currencies.
	ErrCurrencyMismatch = errors.New("currency mismatch")

	// ErrInvalidCurrency indicates a currency code that is not three upper-case letters.
	ErrInvalidCurrency = errors.New("invalid currency code")

	// ErrInvalidAmount indicates a decimal amount that cannot be expressed in minor units.
	ErrInvalidAmount = errors.New("invalid amount")
)

// zeroDecimalCurrencies have no minor unit; everything else is treated as cents.
var zeroDecimalCurrencies = map[string]bool{
	"XAF": true,
	"XOF": true,
	"RWF": true,
	"UGX": true,
	"BIF": true,
	"GNF": true,
	"KMF": true,
	"DJF": true,
	"JPY": true,
	"KRW": true,
}

// Money is an exact amount in minor units tagged with its ISO-4217 currency.
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// New builds a Money value. The currency is upper-cased.
func New(amount int64, currency string) Money {
	return Money{Amount: amount, Currency: strings.ToUpper(currency)}
}

// FromMinorUnits is an alias of New kept for call sites that read better with it.
func FromMinorUnits(amount int64, currency string) Money {
	return New(amount, currency)
}

// Zero returns a zero amount in the given currency.
func Zero(currency string) Money {
	return New(0, currency)
}

// MinorUnits returns the raw integer amount.
func (m Money) MinorUnits() int64 {
	return m.Amount
}

// Add returns m + other.
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("%w: cannot add %s to %s", ErrCurrencyMismatch, other.Currency, m.Currency)
	}
	return Money{Amount: m.Amount + other.Amount, Currency: m.Currency}, nil
}

// Subtract returns m - other. The result may be negative; callers that
// maintain non-negative balances must reject it themselves.
func (m Money) Subtract(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("%w: cannot subtract %s from %s", ErrCurrencyMismatch, other.Currency, m.Currency)
	}
	return Money{Amount: m.Amount - other.Amount, Currency: m.Currency}, nil
}

// Compare returns -1, 0 or 1 when m is less than, equal to or greater than other.
func (m Money) Compare(other Money) (int, error) {
	if m.Currency != other.Currency {
		return 0, fmt.Errorf("%w: cannot compare %s with %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	switch {
	case m.Amount < other.Amount:
		return -1, nil
	case m.Amount > other.Amount:
		return 1, nil
	default:
		return 0, nil
	}
}

// IsNegative reports whether the amount is below zero.
func (m Money) IsNegative() bool { return m.Amount < 0 }

// IsZero reports whether the amount is zero.
func (m Money) IsZero() bool { return m.Amount == 0 }

// IsPositive reports whether the amount is above zero.
func (m Money) IsPositive() bool { return m.Amount > 0 }

// String renders the amount in major units, e.g. "450.50 USD" or "1500 XAF".
func (m Money) String() string {
	exp := Exponent(m.Currency)
	return decimal.New(m.Amount, -exp).StringFixed(exp) + " " + m.Currency
}

// Exponent returns the number of minor-unit digits for a currency.
func Exponent(currency string) int32 {
	if zeroDecimalCurrencies[strings.ToUpper(currency)] {
		return 0
	}
	return 2
}

// ValidCurrency reports whether code looks like an ISO-4217 alpha code.
func ValidCurrency(code string) bool {
	if len(code) != 3 {
		return false
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// ParseMajor converts a decimal string expressed in major units (as sent by
// payment providers) into Money. Precision finer than the currency's minor
// unit is rejected rather than rounded.
func ParseMajor(value, currency string) (Money, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if !ValidCurrency(currency) {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidCurrency, currency)
	}
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return Money{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	exp := Exponent(currency)
	minor := d.Shift(exp)
	if !minor.IsInteger() {
		return Money{}, fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidAmount, value, exp)
	}
	if minor.Abs().GreaterThan(decimal.NewFromInt(1 << 62)) {
		return Money{}, fmt.Errorf("%w: %s out of range", ErrInvalidAmount, value)
	}
	return New(minor.IntPart(), currency), nil
}
