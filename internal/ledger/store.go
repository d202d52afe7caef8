package ledger

import (
	"context"

	"github.com/nfcpay/cardledger/internal/card"
)

// Store persists cards and their transaction records.
type Store interface {
	Create(ctx context.Context, acct card.Account) error
	Get(ctx context.Context, uid string) (card.Account, error)
	// Records returns the card's records newest first. A limit of zero returns all of them.
	Records(ctx context.Context, uid string, limit int) ([]Record, error)
	ByReference(ctx context.Context, ref string) (Record, error)
	// InCardTx runs fn against a consistent snapshot of the card. Changes made
	// through CardTx.Commit become visible only if fn returns nil.
	InCardTx(ctx context.Context, uid string, fn func(ctx context.Context, tx CardTx) error) error
}

// CardTx is the unit of work for one card.
type CardTx interface {
	Account() card.Account
	// Related loads the records the engine needs to judge in.
	Related(ctx context.Context, in Intent) (History, error)
	// Commit writes acct and, when rec is non-nil, appends rec.
	Commit(ctx context.Context, acct card.Account, rec *Record) error
}
