package card

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidPIN is returned when a PIN does not match or is malformed.
	ErrInvalidPIN = errors.New("invalid PIN")
	// ErrNoPIN is returned when a card has no PIN configured.
	ErrNoPIN = errors.New("card has no PIN")
)

// HashPIN validates the PIN format (4 to 6 digits) and returns its bcrypt hash.
func HashPIN(pin string) ([]byte, error) {
	if len(pin) < 4 || len(pin) > 6 {
		return nil, ErrInvalidPIN
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return nil, ErrInvalidPIN
		}
	}
	return bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
}

// VerifyPIN checks pin against the card's stored hash.
func (a Account) VerifyPIN(pin string) error {
	if len(a.PINHash) == 0 {
		return ErrNoPIN
	}
	if err := bcrypt.CompareHashAndPassword(a.PINHash, []byte(pin)); err != nil {
		return ErrInvalidPIN
	}
	return nil
}

// WithPIN returns a copy of the account with pin hashed in place of any
// previous PIN.
func (a Account) WithPIN(pin string) (Account, error) {
	hash, err := HashPIN(pin)
	if err != nil {
		return Account{}, err
	}
	out := a
	out.PINHash = hash
	out.Version++
	return out, nil
}
