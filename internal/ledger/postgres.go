package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nfcpay/cardledger/internal/card"
	"github.com/nfcpay/cardledger/internal/lock"
	"github.com/nfcpay/cardledger/internal/money"
)

const (
	uniqueViolation      = "23505"
	lockNotAvailable     = "55P03"
	deadlockDetected     = "40P01"
	serializationFailure = "40001"
	referenceConstraint  = "card_transactions_external_reference_key"
)

// CommitHook runs inside the database transaction that appends rec, after the
// card row is updated. Returning an error rolls the whole transaction back.
type CommitHook func(ctx context.Context, tx pgx.Tx, rec Record, acct card.Account) error

// PostgresStore persists cards and records in PostgreSQL. Each card
// transaction holds the card row lock (SELECT ... FOR UPDATE) until commit.
type PostgresStore struct {
	db    *pgxpool.Pool
	hooks []CommitHook
}

// NewPostgresStore constructs a Postgres-backed store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// OnCommit registers a hook run inside every transaction that appends a record.
// Hooks must be registered before the store is used.
func (s *PostgresStore) OnCommit(hook CommitHook) {
	s.hooks = append(s.hooks, hook)
}

const cardColumns = `uid, customer_id, currency, balance, status, daily_limit, spent_today, spent_on,
        issued_balance, issued_at, last_used_at, block_reason, blocked_at, pin_hash, version, last_sequence`

const recordColumns = `id, card_uid, kind, direction, amount, currency, balance_before, balance_after,
        status, COALESCE(external_reference, ''), target_id, COALESCE(metadata, '{}'::jsonb), created_at, sequence`

// Create inserts a newly issued card.
func (s *PostgresStore) Create(ctx context.Context, acct card.Account) error {
	const query = `INSERT INTO nfc_cards (` + cardColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`
	_, err := s.db.Exec(ctx, query,
		acct.UID, acct.CustomerID, acct.Currency(), acct.Balance.Amount, string(acct.Status),
		acct.DailyLimit.Amount, acct.SpentToday.Amount, spentOnParam(acct.SpentOn),
		acct.IssuedBalance.Amount, acct.IssuedAt, acct.LastUsedAt, nullString(acct.BlockReason), acct.BlockedAt,
		acct.PINHash, acct.Version, acct.LastSequence)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", ErrCardExists, acct.UID)
		}
		return fmt.Errorf("insert card: %w", err)
	}
	return nil
}

// Get loads a card without locking it.
func (s *PostgresStore) Get(ctx context.Context, uid string) (card.Account, error) {
	return scanAccount(s.db.QueryRow(ctx, `SELECT `+cardColumns+` FROM nfc_cards WHERE uid = $1`, uid))
}

// Records returns the card's records newest first.
func (s *PostgresStore) Records(ctx context.Context, uid string, limit int) ([]Record, error) {
	if _, err := s.Get(ctx, uid); err != nil {
		return nil, err
	}
	query := `SELECT ` + recordColumns + ` FROM card_transactions WHERE card_uid = $1 ORDER BY sequence DESC`
	args := []any{uid}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	return collectRecords(rows)
}

// ByReference returns the record carrying an external reference.
func (s *PostgresStore) ByReference(ctx context.Context, ref string) (Record, error) {
	if ref == "" {
		return Record{}, ErrTransactionNotFound
	}
	rec, err := scanRecord(s.db.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM card_transactions WHERE external_reference = $1`, ref))
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrTransactionNotFound
	}
	return rec, err
}

// InCardTx locks the card row and runs fn. The transaction commits only if fn returns nil.
func (s *PostgresStore) InCardTx(ctx context.Context, uid string, fn func(ctx context.Context, tx CardTx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin card tx: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	acct, err := scanAccount(tx.QueryRow(ctx, `SELECT `+cardColumns+` FROM nfc_cards WHERE uid = $1 FOR UPDATE`, uid))
	if err != nil {
		return transientError(err)
	}

	if err := fn(ctx, &pgCardTx{tx: tx, acct: acct, hooks: s.hooks}); err != nil {
		return transientError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return transientError(fmt.Errorf("commit card tx: %w", err))
	}
	return nil
}

// transientError marks lock timeouts, deadlocks and serialization failures
// so callers retry them instead of treating them as internal errors.
func transientError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case lockNotAvailable:
		return fmt.Errorf("%w: %w", lock.ErrLockTimeout, err)
	case deadlockDetected, serializationFailure:
		return fmt.Errorf("%w: %w", ErrConcurrentUpdate, err)
	}
	return err
}

type pgCardTx struct {
	tx    pgx.Tx
	acct  card.Account
	hooks []CommitHook
}

func (t *pgCardTx) Account() card.Account { return t.acct }

// Related loads the record holding the intent's reference (on any card) and,
// for refunds and reversals, the target with every record pointing at it and
// the reversals of those records.
func (t *pgCardTx) Related(ctx context.Context, in Intent) (History, error) {
	var target uuid.NullUUID
	if in.TargetID != "" {
		if id, err := uuid.Parse(in.TargetID); err == nil {
			target = uuid.NullUUID{UUID: id, Valid: true}
		}
	}
	if in.Reference == "" && !target.Valid {
		return NewRecordSet(), nil
	}

	const query = `SELECT ` + recordColumns + ` FROM card_transactions
        WHERE ($1 <> '' AND external_reference = $1)
           OR ($2::uuid IS NOT NULL AND (id = $2 OR target_id = $2
               OR target_id IN (SELECT id FROM card_transactions WHERE target_id = $2)))`
	rows, err := t.tx.Query(ctx, query, in.Reference, target)
	if err != nil {
		return nil, fmt.Errorf("query related records: %w", err)
	}
	recs, err := collectRecords(rows)
	if err != nil {
		return nil, err
	}
	return NewRecordSet(recs...), nil
}

func (t *pgCardTx) Commit(ctx context.Context, acct card.Account, rec *Record) error {
	if rec != nil {
		if err := insertRecord(ctx, t.tx, *rec); err != nil {
			return err
		}
	}

	const update = `UPDATE nfc_cards SET
            balance = $2, status = $3, daily_limit = $4, spent_today = $5, spent_on = $6,
            last_used_at = $7, block_reason = $8, blocked_at = $9, pin_hash = $10,
            version = $11, last_sequence = $12, updated_at = NOW()
        WHERE uid = $1 AND version = $13`
	tag, err := t.tx.Exec(ctx, update,
		acct.UID, acct.Balance.Amount, string(acct.Status), acct.DailyLimit.Amount, acct.SpentToday.Amount,
		spentOnParam(acct.SpentOn), acct.LastUsedAt, nullString(acct.BlockReason), acct.BlockedAt, acct.PINHash,
		acct.Version, acct.LastSequence, t.acct.Version)
	if err != nil {
		return fmt.Errorf("update card: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrentUpdate
	}

	if rec != nil {
		for _, hook := range t.hooks {
			if err := hook(ctx, t.tx, *rec, acct); err != nil {
				return fmt.Errorf("commit hook: %w", err)
			}
		}
	}
	t.acct = acct
	return nil
}

func insertRecord(ctx context.Context, tx pgx.Tx, rec Record) error {
	id, err := uuid.Parse(rec.ID)
	if err != nil {
		return fmt.Errorf("record id: %w", err)
	}
	var target uuid.NullUUID
	if rec.TargetID != "" {
		parsed, err := uuid.Parse(rec.TargetID)
		if err != nil {
			return fmt.Errorf("%w: target %s", ErrInvalidIntent, rec.TargetID)
		}
		target = uuid.NullUUID{UUID: parsed, Valid: true}
	}
	metadata := rec.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}

	const insert = `INSERT INTO card_transactions (id, card_uid, kind, direction, amount, currency,
            balance_before, balance_after, status, external_reference, target_id, metadata, created_at, sequence)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err = tx.Exec(ctx, insert,
		id, rec.CardUID, string(rec.Kind), string(rec.Direction), rec.Amount.Amount, rec.Amount.Currency,
		rec.BalanceBefore.Amount, rec.BalanceAfter.Amount, string(rec.Status), nullString(rec.Reference),
		target, metadata, rec.CreatedAt, rec.Sequence)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == referenceConstraint {
			return fmt.Errorf("%w: %s", ErrDuplicateReference, rec.Reference)
		}
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

func scanAccount(row pgx.Row) (card.Account, error) {
	var (
		acct                          card.Account
		currency, status              string
		balance, limit, spent, issued int64
		spentOn, lastUsed, blockedAt  *time.Time
		blockReason                   *string
	)
	err := row.Scan(&acct.UID, &acct.CustomerID, &currency, &balance, &status, &limit, &spent, &spentOn,
		&issued, &acct.IssuedAt, &lastUsed, &blockReason, &blockedAt, &acct.PINHash, &acct.Version, &acct.LastSequence)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return card.Account{}, ErrCardNotFound
		}
		return card.Account{}, fmt.Errorf("scan card: %w", err)
	}
	acct.Status = card.Status(status)
	acct.Balance = money.New(balance, currency)
	acct.DailyLimit = money.New(limit, currency)
	acct.SpentToday = money.New(spent, currency)
	acct.IssuedBalance = money.New(issued, currency)
	if spentOn != nil {
		acct.SpentOn = spentOn.Format("2006-01-02")
	}
	acct.LastUsedAt = lastUsed
	acct.BlockedAt = blockedAt
	if blockReason != nil {
		acct.BlockReason = *blockReason
	}
	return acct, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec                          Record
		id                           uuid.UUID
		target                       uuid.NullUUID
		kind, direction, status, cur string
		amount, before, after        int64
	)
	err := row.Scan(&id, &rec.CardUID, &kind, &direction, &amount, &cur, &before, &after,
		&status, &rec.Reference, &target, &rec.Metadata, &rec.CreatedAt, &rec.Sequence)
	if err != nil {
		return Record{}, err
	}
	rec.ID = id.String()
	if target.Valid {
		rec.TargetID = target.UUID.String()
	}
	rec.Kind = Kind(kind)
	rec.Direction = Direction(direction)
	rec.Status = Status(status)
	rec.Amount = money.New(amount, cur)
	rec.BalanceBefore = money.New(before, cur)
	rec.BalanceAfter = money.New(after, cur)
	if len(rec.Metadata) == 0 {
		rec.Metadata = nil
	}
	return rec, nil
}

func collectRecords(rows pgx.Rows) ([]Record, error) {
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

func spentOnParam(day string) *time.Time {
	if day == "" {
		return nil
	}
	t, err := time.Parse("2006-01-02", day)
	if err != nil {
		return nil
	}
	return &t
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
