package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/nfcpay/cardledger/internal/card"
	"github.com/nfcpay/cardledger/internal/money"
)

// Discrepancy is one problem found while replaying a card's records.
type Discrepancy struct {
	Sequence      int64  `json:"sequence,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
	Problem       string `json:"problem"`
}

// AuditReport is the result of replaying a card's records from its issued balance.
type AuditReport struct {
	CardUID       string        `json:"card_uid"`
	IssuedBalance money.Money   `json:"issued_balance"`
	Credits       money.Money   `json:"credits"`
	Debits        money.Money   `json:"debits"`
	Expected      money.Money   `json:"expected_balance"`
	Stored        money.Money   `json:"stored_balance"`
	Records       int           `json:"records"`
	Consistent    bool          `json:"consistent"`
	Discrepancies []Discrepancy `json:"discrepancies,omitempty"`
	CheckedAt     time.Time     `json:"checked_at"`
}

// Audit replays every record of a card and checks that the balances chain and
// that issued + credits - debits equals the stored balance. It is read-only.
func (s *Service) Audit(ctx context.Context, uid string) (AuditReport, error) {
	acct, err := s.Card(ctx, uid)
	if err != nil {
		return AuditReport{}, err
	}
	recs, err := s.store.Records(ctx, acct.UID, 0)
	if err != nil {
		return AuditReport{}, err
	}
	report := Replay(acct, recs)
	report.CheckedAt = s.now().UTC()

	if !report.Consistent {
		s.logger.ErrorContext(ctx, "ledger.audit found discrepancies",
			slog.String("card_uid", acct.UID),
			slog.Int("discrepancies", len(report.Discrepancies)),
			slog.String("expected", report.Expected.String()),
			slog.String("stored", report.Stored.String()),
		)
	}
	return report, nil
}

// Replay checks recs, in any order, against acct.
func Replay(acct card.Account, recs []Record) AuditReport {
	cur := acct.Currency()
	report := AuditReport{
		CardUID:       acct.UID,
		IssuedBalance: acct.IssuedBalance,
		Credits:       money.Zero(cur),
		Debits:        money.Zero(cur),
		Stored:        acct.Balance,
		Records:       len(recs),
	}
	flag := func(r Record, format string, args ...any) {
		report.Discrepancies = append(report.Discrepancies, Discrepancy{
			Sequence:      r.Sequence,
			TransactionID: r.ID,
			Problem:       fmt.Sprintf(format, args...),
		})
	}

	ordered := append([]Record(nil), recs...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Sequence < ordered[j].Sequence })

	running := acct.IssuedBalance
	for i, r := range ordered {
		if r.Sequence != int64(i+1) {
			flag(r, "sequence gap: expected %d", i+1)
		}
		if r.Status != StatusCompleted {
			continue
		}
		if r.Amount.Currency != cur {
			flag(r, "currency %s on a %s card", r.Amount.Currency, cur)
			continue
		}
		if r.BalanceBefore != running {
			flag(r, "balance_before %s does not follow previous balance %s", r.BalanceBefore, running)
		}
		if !r.Balanced() {
			flag(r, "balance_after %s is not balance_before %s %s %s", r.BalanceAfter, r.BalanceBefore, r.Direction, r.Amount)
		}
		if r.BalanceAfter.IsNegative() {
			flag(r, "negative balance %s", r.BalanceAfter)
		}
		if r.Direction == DirectionDebit {
			report.Debits.Amount += r.Amount.Amount
		} else {
			report.Credits.Amount += r.Amount.Amount
		}
		running = r.BalanceAfter
	}

	report.Expected = money.New(report.IssuedBalance.Amount+report.Credits.Amount-report.Debits.Amount, cur)
	if report.Expected != report.Stored {
		report.Discrepancies = append(report.Discrepancies, Discrepancy{
			Problem: fmt.Sprintf("stored balance %s, replay gives %s", report.Stored, report.Expected),
		})
	}
	if running != report.Stored && report.Expected == report.Stored {
		report.Discrepancies = append(report.Discrepancies, Discrepancy{
			Problem: fmt.Sprintf("last balance_after %s differs from stored balance", running),
		})
	}
	if n := len(ordered); n > 0 && ordered[n-1].Sequence != acct.LastSequence {
		report.Discrepancies = append(report.Discrepancies, Discrepancy{
			Problem: fmt.Sprintf("card last sequence %d, newest record %d", acct.LastSequence, ordered[n-1].Sequence),
		})
	}
	report.Consistent = len(report.Discrepancies) == 0
	return report
}
