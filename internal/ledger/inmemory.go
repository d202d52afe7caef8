package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nfcpay/cardledger/internal/card"
)

// MemoryStore is a concurrency-safe in-memory Store useful for unit tests and
// local development.
type MemoryStore struct {
	mu         sync.RWMutex
	cards      map[string]card.Account
	records    map[string][]Record
	references map[string]Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cards:      make(map[string]card.Account),
		records:    make(map[string][]Record),
		references: make(map[string]Record),
	}
}

func (s *MemoryStore) Create(_ context.Context, acct card.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.cards[acct.UID]; exists {
		return fmt.Errorf("%w: %s", ErrCardExists, acct.UID)
	}
	s.cards[acct.UID] = acct
	return nil
}

func (s *MemoryStore) Get(_ context.Context, uid string) (card.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, exists := s.cards[uid]
	if !exists {
		return card.Account{}, ErrCardNotFound
	}
	return acct, nil
}

func (s *MemoryStore) Records(_ context.Context, uid string, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, exists := s.cards[uid]; !exists {
		return nil, ErrCardNotFound
	}
	recs := s.records[uid]
	out := make([]Record, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		out = append(out, recs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) ByReference(_ context.Context, ref string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, exists := s.references[ref]
	if !exists || ref == "" {
		return Record{}, ErrTransactionNotFound
	}
	return rec, nil
}

func (s *MemoryStore) InCardTx(ctx context.Context, uid string, fn func(ctx context.Context, tx CardTx) error) error {
	acct, err := s.Get(ctx, uid)
	if err != nil {
		return err
	}
	return fn(ctx, &memoryCardTx{store: s, acct: acct})
}

type memoryCardTx struct {
	store *MemoryStore
	acct  card.Account
	done  bool
}

func (t *memoryCardTx) Account() card.Account { return t.acct }

func (t *memoryCardTx) Related(_ context.Context, in Intent) (History, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	set := NewRecordSet(t.store.records[t.acct.UID]...)
	if prev, ok := t.store.references[in.Reference]; ok && in.Reference != "" && prev.CardUID != t.acct.UID {
		set.Add(prev)
	}
	return set, nil
}

// Commit checks the snapshot version and the global reference index again
// before writing, mirroring the row lock and unique index of the SQL store.
func (t *memoryCardTx) Commit(_ context.Context, acct card.Account, rec *Record) error {
	if t.done {
		return fmt.Errorf("card %s: transaction already committed", t.acct.UID)
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.cards[t.acct.UID]
	if !exists {
		return ErrCardNotFound
	}
	if current.Version != t.acct.Version {
		return ErrConcurrentUpdate
	}
	if rec != nil {
		if rec.Reference != "" {
			if _, dup := s.references[rec.Reference]; dup {
				return fmt.Errorf("%w: %s", ErrDuplicateReference, rec.Reference)
			}
		}
		recs := append(s.records[t.acct.UID], *rec)
		sort.SliceStable(recs, func(i, j int) bool { return recs[i].Sequence < recs[j].Sequence })
		s.records[t.acct.UID] = recs
		if rec.Reference != "" {
			s.references[rec.Reference] = *rec
		}
	}
	s.cards[t.acct.UID] = acct
	t.done = true
	return nil
}
