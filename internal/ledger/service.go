package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nfcpay/cardledger/internal/card"
	"github.com/nfcpay/cardledger/internal/lock"
	"github.com/nfcpay/cardledger/internal/metrics"
)

// Dispatcher receives committed results after the card lock is released.
// Implementations must not block the caller for long.
type Dispatcher interface {
	Dispatch(ctx context.Context, res Result)
}

// Defaults fill in issuance fields a caller leaves empty.
type Defaults struct {
	Currency   string
	DailyLimit int64
}

// Service applies intents to cards under the per-card lock and persists the
// outcome through a Store.
type Service struct {
	store      Store
	locker     lock.Locker
	engine     *Engine
	logger     *slog.Logger
	metrics    *metrics.Metrics
	dispatcher Dispatcher
	defaults   Defaults
	now        func() time.Time
}

// ServiceOption customises a Service.
type ServiceOption func(*Service)

// WithMetrics records apply outcomes in m.
func WithMetrics(m *metrics.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithDispatcher hands committed results to d.
func WithDispatcher(d Dispatcher) ServiceOption {
	return func(s *Service) { s.dispatcher = d }
}

// WithDefaults sets issuance defaults.
func WithDefaults(d Defaults) ServiceOption {
	return func(s *Service) { s.defaults = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService wires a ledger service.
func NewService(store Store, locker lock.Locker, engine *Engine, logger *slog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		store:    store,
		locker:   locker,
		engine:   engine,
		logger:   logger,
		defaults: Defaults{Currency: "XAF"},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Apply validates and applies an intent atomically for its card. Replaying an
// intent whose reference is already committed returns the original record.
func (s *Service) Apply(ctx context.Context, in Intent) (Result, error) {
	start := time.Now()
	in.CardUID = card.NormalizeUID(in.CardUID)
	if in.At.IsZero() {
		in.At = s.now()
	}

	var res Result
	err := in.Validate()
	if err == nil {
		err = s.locker.WithCardLock(ctx, in.CardUID, func(ctx context.Context) error {
			return s.store.InCardTx(ctx, in.CardUID, func(ctx context.Context, tx CardTx) error {
				h, err := tx.Related(ctx, in)
				if err != nil {
					return err
				}
				out, err := s.engine.Apply(in, tx.Account(), h)
				if err != nil {
					return err
				}
				if !out.Replayed {
					if err := tx.Commit(ctx, out.Account, &out.Record); err != nil {
						return err
					}
				}
				res = out
				return nil
			})
		})
	}

	s.metrics.ObserveApply(string(in.Kind), outcome(err, res), time.Since(start))
	if err != nil {
		s.logRejection(ctx, in, err)
		return Result{}, err
	}

	attrs := []any{
		slog.String("card_uid", res.Record.CardUID),
		slog.String("transaction_id", res.Record.ID),
		slog.String("kind", string(res.Record.Kind)),
		slog.String("amount", res.Record.Amount.String()),
		slog.String("balance_after", res.Record.BalanceAfter.String()),
		slog.Int64("sequence", res.Record.Sequence),
	}
	if res.Replayed {
		s.logger.DebugContext(ctx, "ledger.apply replayed", append(attrs, slog.String("reference", in.Reference))...)
		return res, nil
	}
	s.logger.InfoContext(ctx, "ledger.apply committed", attrs...)
	if s.dispatcher != nil {
		s.dispatcher.Dispatch(ctx, res)
	}
	return res, nil
}

func (s *Service) logRejection(ctx context.Context, in Intent, err error) {
	attrs := []any{
		slog.String("card_uid", in.CardUID),
		slog.String("kind", string(in.Kind)),
		slog.String("reference", in.Reference),
		slog.Any("error", err),
	}
	switch {
	case errors.Is(err, ErrDuplicateReference):
		s.logger.ErrorContext(ctx, "ledger.apply reference reused with different parameters", attrs...)
	case IsTerminal(err):
		s.logger.WarnContext(ctx, "ledger.apply rejected", attrs...)
	case errors.Is(err, lock.ErrLockTimeout), errors.Is(err, ErrConcurrentUpdate):
		s.logger.WarnContext(ctx, "ledger.apply contended", attrs...)
	default:
		s.logger.ErrorContext(ctx, "ledger.apply failed", attrs...)
	}
}

func outcome(err error, res Result) string {
	switch {
	case err == nil && res.Replayed:
		return "replayed"
	case err == nil:
		return "completed"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrDailyLimitExceeded):
		return "daily_limit_exceeded"
	case errors.Is(err, ErrCardBlocked):
		return "card_blocked"
	case errors.Is(err, ErrCardNotFound):
		return "card_not_found"
	case errors.Is(err, ErrDuplicateReference):
		return "duplicate_reference"
	case errors.Is(err, lock.ErrLockTimeout):
		return "lock_timeout"
	case IsTerminal(err):
		return "rejected"
	default:
		return "error"
	}
}

// IssueCard registers a new card.
func (s *Service) IssueCard(ctx context.Context, input card.IssueInput) (card.Account, error) {
	if input.Currency == "" {
		input.Currency = s.defaults.Currency
	}
	if input.DailyLimit == 0 {
		input.DailyLimit = s.defaults.DailyLimit
	}
	acct, err := card.Issue(input, s.now())
	if err != nil {
		return card.Account{}, err
	}
	if err := s.store.Create(ctx, acct); err != nil {
		return card.Account{}, err
	}
	s.metrics.CardIssued()
	s.logger.InfoContext(ctx, "card.issued",
		slog.String("card_uid", acct.UID),
		slog.String("customer_id", acct.CustomerID),
		slog.String("balance", acct.Balance.String()),
	)
	return acct, nil
}

// Card returns the current state of a card.
func (s *Service) Card(ctx context.Context, uid string) (card.Account, error) {
	return s.store.Get(ctx, card.NormalizeUID(uid))
}

// History returns up to limit records of a card, newest first.
func (s *Service) History(ctx context.Context, uid string, limit int) ([]Record, error) {
	return s.store.Records(ctx, card.NormalizeUID(uid), limit)
}

// ByReference looks a record up by its external reference, for callers whose
// request timed out before they saw the result.
func (s *Service) ByReference(ctx context.Context, ref string) (Record, error) {
	return s.store.ByReference(ctx, ref)
}

// VerifyPIN checks pin against the card's PIN hash.
func (s *Service) VerifyPIN(ctx context.Context, uid, pin string) error {
	acct, err := s.Card(ctx, uid)
	if err != nil {
		return err
	}
	return acct.VerifyPIN(pin)
}

// SetStatus moves a card through its lifecycle under the card lock.
func (s *Service) SetStatus(ctx context.Context, uid string, next card.Status, reason string) (card.Account, error) {
	uid = card.NormalizeUID(uid)
	var out card.Account
	err := s.locker.WithCardLock(ctx, uid, func(ctx context.Context) error {
		return s.store.InCardTx(ctx, uid, func(ctx context.Context, tx CardTx) error {
			prev := tx.Account()
			acct, err := prev.WithStatus(next, reason, s.now())
			if err != nil {
				return fmt.Errorf("%w: %s -> %s", err, prev.Status, next)
			}
			if err := tx.Commit(ctx, acct, nil); err != nil {
				return err
			}
			out = acct
			return nil
		})
	})
	if err != nil {
		s.logger.WarnContext(ctx, "card.status change failed",
			slog.String("card_uid", uid), slog.String("status", string(next)), slog.Any("error", err))
		return card.Account{}, err
	}
	s.logger.InfoContext(ctx, "card.status changed",
		slog.String("card_uid", uid), slog.String("status", string(next)), slog.String("reason", reason))
	return out, nil
}

// SetPIN replaces the card's PIN under the card lock.
func (s *Service) SetPIN(ctx context.Context, uid, pin string) error {
	uid = card.NormalizeUID(uid)
	err := s.locker.WithCardLock(ctx, uid, func(ctx context.Context) error {
		return s.store.InCardTx(ctx, uid, func(ctx context.Context, tx CardTx) error {
			acct, err := tx.Account().WithPIN(pin)
			if err != nil {
				return err
			}
			return tx.Commit(ctx, acct, nil)
		})
	})
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "card.pin set", slog.String("card_uid", uid))
	return nil
}
