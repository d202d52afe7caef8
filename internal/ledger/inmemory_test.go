package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/nfcpay/cardledger/internal/card"
)

func seedCard(t *testing.T, s *MemoryStore, uid string, balance int64) {
	t.Helper()
	acct := testAccount(balance)
	acct.UID = uid
	if err := s.Create(context.Background(), acct); err != nil {
		t.Fatalf("create card: %v", err)
	}
}

func TestMemoryStore_CommitAppendsAndUpdates(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedCard(t, s, "04A1", 1_000)
	e := NewEngine(Policy{})

	err := s.InCardTx(ctx, "04A1", func(ctx context.Context, tx CardTx) error {
		h, err := tx.Related(ctx, intent(KindTopUp, 500))
		if err != nil {
			return err
		}
		in := intent(KindTopUp, 500)
		in.CardUID = "04A1"
		res, err := e.Apply(in, tx.Account(), h)
		if err != nil {
			return err
		}
		return tx.Commit(ctx, res.Account, &res.Record)
	})
	if err != nil {
		t.Fatalf("card tx: %v", err)
	}

	acct, _ := s.Get(ctx, "04A1")
	if acct.Balance != xaf(1_500) {
		t.Fatalf("expected balance 1500, got %s", acct.Balance)
	}
	recs, _ := s.Records(ctx, "04A1", 0)
	if len(recs) != 1 || recs[0].BalanceAfter != xaf(1_500) {
		t.Fatalf("unexpected records: %+v", recs)
	}
}

func TestMemoryStore_RejectsStaleSnapshot(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedCard(t, s, "04A1", 1_000)

	err := s.InCardTx(ctx, "04A1", func(ctx context.Context, tx CardTx) error {
		// Another writer moves the card on while this snapshot is held.
		if err := s.InCardTx(ctx, "04A1", func(ctx context.Context, other CardTx) error {
			next := other.Account()
			next.Version++
			return other.Commit(ctx, next, nil)
		}); err != nil {
			return err
		}
		next := tx.Account()
		next.Version++
		return tx.Commit(ctx, next, nil)
	})
	if !errors.Is(err, ErrConcurrentUpdate) {
		t.Fatalf("expected concurrent update, got %v", err)
	}
}

func TestMemoryStore_ReferenceIsGlobal(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedCard(t, s, "0A", 0)
	seedCard(t, s, "0B", 0)

	commit := func(uid string) error {
		return s.InCardTx(ctx, uid, func(ctx context.Context, tx CardTx) error {
			acct := tx.Account()
			rec := Record{ID: uid + "-1", CardUID: uid, Kind: KindTopUp, Direction: DirectionCredit,
				Amount: xaf(10), BalanceBefore: acct.Balance, BalanceAfter: xaf(10), Status: StatusCompleted,
				Reference: "ref-1", Sequence: 1}
			acct.Balance = xaf(10)
			acct.Version++
			return tx.Commit(ctx, acct, &rec)
		})
	}
	if err := commit("0A"); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if err := commit("0B"); !errors.Is(err, ErrDuplicateReference) {
		t.Fatalf("expected duplicate reference, got %v", err)
	}

	b, _ := s.Get(ctx, "0B")
	if !b.Balance.IsZero() {
		t.Fatalf("rejected commit must not change the card, got %s", b.Balance)
	}
}

func TestMemoryStore_NotFound(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if _, err := s.Get(ctx, "nope"); !errors.Is(err, ErrCardNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := s.InCardTx(ctx, "nope", func(context.Context, CardTx) error { return nil }); !errors.Is(err, ErrCardNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := s.Create(ctx, card.Account{UID: "x"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Create(ctx, card.Account{UID: "x"}); !errors.Is(err, ErrCardExists) {
		t.Fatalf("expected exists, got %v", err)
	}
}
