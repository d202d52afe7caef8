package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nfcpay/cardledger/internal/card"
	"github.com/nfcpay/cardledger/internal/money"
)

var testNow = time.Date(2026, 10, 19, 14, 30, 0, 0, time.UTC)

func xaf(v int64) money.Money { return money.New(v, "XAF") }

func testAccount(balance int64) card.Account {
	return card.Account{
		UID:           "04A1B2C3",
		Balance:       xaf(balance),
		Status:        card.StatusActive,
		DailyLimit:    xaf(500_000),
		SpentToday:    xaf(0),
		IssuedBalance: xaf(balance),
		Version:       1,
	}
}

func intent(kind Kind, amount int64) Intent {
	return Intent{CardUID: "04A1B2C3", Kind: kind, Amount: xaf(amount), At: testNow}
}

// applyAll runs intents in order against acct, committing into h.
func applyAll(t *testing.T, e *Engine, acct card.Account, h *RecordSet, ins ...Intent) (card.Account, []Record) {
	t.Helper()
	var recs []Record
	for _, in := range ins {
		res, err := e.Apply(in, acct, h)
		require.NoError(t, err)
		if !res.Replayed {
			h.Add(res.Record)
		}
		acct = res.Account
		recs = append(recs, res.Record)
	}
	return acct, recs
}

func TestTopUpThenPurchase(t *testing.T) {
	e := NewEngine(Policy{})
	acct := testAccount(0)
	h := NewRecordSet()

	acct, recs := applyAll(t, e, acct, h, intent(KindTopUp, 100_000), intent(KindPurchase, 45_000))

	purchase := recs[1]
	require.Equal(t, xaf(100_000), purchase.BalanceBefore)
	require.Equal(t, xaf(55_000), purchase.BalanceAfter)
	require.Equal(t, DirectionDebit, purchase.Direction)
	require.Equal(t, StatusCompleted, purchase.Status)
	require.Equal(t, int64(2), purchase.Sequence)

	require.Equal(t, xaf(55_000), acct.Balance)
	require.Equal(t, xaf(45_000), acct.SpentToday)
	require.Equal(t, "2026-10-19", acct.SpentOn)
	require.Equal(t, int64(3), acct.Version)
	require.Equal(t, int64(2), acct.LastSequence)
	require.NotNil(t, acct.LastUsedAt)
}

func TestDailyLimit(t *testing.T) {
	e := NewEngine(Policy{})
	acct := testAccount(1_000_000)
	acct.SpentToday = xaf(480_000)
	acct.SpentOn = "2026-10-19"
	h := NewRecordSet()

	_, err := e.Apply(intent(KindPurchase, 30_000), acct, h)
	require.ErrorIs(t, err, ErrDailyLimitExceeded)

	res, err := e.Apply(intent(KindPurchase, 20_000), acct, h)
	require.NoError(t, err)
	require.Equal(t, xaf(500_000), res.Account.SpentToday)

	// Yesterday's counter does not count against today.
	acct.SpentOn = "2026-10-18"
	res, err = e.Apply(intent(KindPurchase, 30_000), acct, h)
	require.NoError(t, err)
	require.Equal(t, xaf(30_000), res.Account.SpentToday)
}

func TestDailyWindowUsesPolicyLocation(t *testing.T) {
	loc := time.FixedZone("WAT", 60*60)
	e := NewEngine(Policy{Location: loc})
	acct := testAccount(100_000)

	in := intent(KindPurchase, 1_000)
	in.At = time.Date(2026, 10, 19, 23, 30, 0, 0, time.UTC) // 00:30 on the 20th in WAT
	res, err := e.Apply(in, acct, NewRecordSet())
	require.NoError(t, err)
	require.Equal(t, "2026-10-20", res.Account.SpentOn)
}

func TestDailyLimitOverride(t *testing.T) {
	e := NewEngine(Policy{})
	acct := testAccount(1_000_000)
	acct.SpentToday = xaf(480_000)
	acct.SpentOn = "2026-10-19"

	in := intent(KindPurchase, 100_000)
	override := xaf(600_000)
	in.DailyLimitOverride = &override
	_, err := e.Apply(in, acct, NewRecordSet())
	require.NoError(t, err)
}

func TestPurchaseRejections(t *testing.T) {
	e := NewEngine(Policy{RequirePurchasePIN: true})
	acct := testAccount(10_000)

	in := intent(KindPurchase, 5_000)
	_, err := e.Apply(in, acct, NewRecordSet())
	require.ErrorIs(t, err, ErrUnauthorized)

	in.PINVerified = true
	_, err = e.Apply(intent(KindPurchase, 10_001), acct, NewRecordSet())
	require.ErrorIs(t, err, ErrUnauthorized)

	over := in
	over.Amount = xaf(10_001)
	_, err = e.Apply(over, acct, NewRecordSet())
	require.ErrorIs(t, err, ErrInsufficientBalance)
	require.True(t, IsTerminal(err))

	usd := in
	usd.Amount = money.New(100, "USD")
	_, err = e.Apply(usd, acct, NewRecordSet())
	require.ErrorIs(t, err, money.ErrCurrencyMismatch)
}

func TestBlockedCardRejectsEverything(t *testing.T) {
	e := NewEngine(Policy{AllowInactiveTopUp: true})
	for _, status := range []card.Status{card.StatusBlocked, card.StatusLost, card.StatusStolen} {
		acct := testAccount(1_000_000)
		acct.Status = status

		_, err := e.Apply(intent(KindPurchase, 1), acct, NewRecordSet())
		require.ErrorIs(t, err, ErrCardBlocked, status)
		_, err = e.Apply(intent(KindTopUp, 1), acct, NewRecordSet())
		require.ErrorIs(t, err, ErrCardBlocked, status)
	}

	pinRequired := NewEngine(Policy{RequirePurchasePIN: true})
	acct := testAccount(1_000_000)
	acct.Status = card.StatusBlocked
	_, err := pinRequired.Apply(intent(KindPurchase, 1), acct, NewRecordSet())
	require.ErrorIs(t, err, ErrCardBlocked)
	usd := intent(KindPurchase, 1)
	usd.Amount = money.New(1, "USD")
	_, err = pinRequired.Apply(usd, acct, NewRecordSet())
	require.ErrorIs(t, err, ErrCardBlocked)
}

func TestInactiveTopUpPolicy(t *testing.T) {
	acct := testAccount(0)
	acct.Status = card.StatusInactive

	_, err := NewEngine(Policy{AllowInactiveTopUp: false}).Apply(intent(KindTopUp, 1_000), acct, NewRecordSet())
	require.ErrorIs(t, err, ErrCardBlocked)

	res, err := NewEngine(Policy{AllowInactiveTopUp: true}).Apply(intent(KindTopUp, 1_000), acct, NewRecordSet())
	require.NoError(t, err)
	require.Equal(t, xaf(1_000), res.Account.Balance)

	_, err = NewEngine(Policy{}).Apply(intent(KindPurchase, 1), res.Account, NewRecordSet())
	require.ErrorIs(t, err, ErrCardBlocked)
}

func TestTopUpLimit(t *testing.T) {
	e := NewEngine(Policy{MaxTopUp: 50_000})
	_, err := e.Apply(intent(KindTopUp, 50_001), testAccount(0), NewRecordSet())
	require.ErrorIs(t, err, ErrTopUpLimitExceeded)
}

func TestIdempotentReplay(t *testing.T) {
	e := NewEngine(Policy{})
	acct := testAccount(0)
	h := NewRecordSet()

	in := intent(KindTopUp, 25_000)
	in.Reference = "MM-REF-1"
	first, err := e.Apply(in, acct, h)
	require.NoError(t, err)
	h.Add(first.Record)

	second, err := e.Apply(in, first.Account, h)
	require.NoError(t, err)
	require.True(t, second.Replayed)
	require.Equal(t, first.Record, second.Record)
	require.Equal(t, first.Account, second.Account)

	different := in
	different.Amount = xaf(30_000)
	_, err = e.Apply(different, first.Account, h)
	require.ErrorIs(t, err, ErrDuplicateReference)

	otherCard := in
	otherCard.CardUID = "04FFFFFF"
	other := testAccount(0)
	other.UID = "04FFFFFF"
	_, err = e.Apply(otherCard, other, h)
	require.ErrorIs(t, err, ErrDuplicateReference)
}

func TestRefundBounds(t *testing.T) {
	e := NewEngine(Policy{})
	acct := testAccount(0)
	h := NewRecordSet()
	acct, recs := applyAll(t, e, acct, h, intent(KindTopUp, 100_000), intent(KindPurchase, 45_000))
	purchase := recs[1]

	tooMuch := intent(KindRefund, 50_000)
	tooMuch.TargetID = purchase.ID
	_, err := e.Apply(tooMuch, acct, h)
	require.ErrorIs(t, err, ErrRefundExceedsOriginal)

	full := intent(KindRefund, 45_000)
	full.TargetID = purchase.ID
	acct, recs = applyAll(t, e, acct, h, full)
	require.Equal(t, xaf(100_000), acct.Balance)
	require.Equal(t, DirectionCredit, recs[0].Direction)

	again := intent(KindRefund, 1)
	again.TargetID = purchase.ID
	_, err = e.Apply(again, acct, h)
	require.ErrorIs(t, err, ErrRefundExceedsOriginal)
}

func TestPartialRefunds(t *testing.T) {
	e := NewEngine(Policy{})
	acct := testAccount(0)
	h := NewRecordSet()
	acct, recs := applyAll(t, e, acct, h, intent(KindTopUp, 100_000), intent(KindPurchase, 45_000))
	purchase := recs[1]

	part := intent(KindRefund, 20_000)
	part.TargetID = purchase.ID
	acct, _ = applyAll(t, e, acct, h, part, part)
	require.Equal(t, xaf(95_000), acct.Balance)

	rest := intent(KindRefund, 5_001)
	rest.TargetID = purchase.ID
	_, err := e.Apply(rest, acct, h)
	require.ErrorIs(t, err, ErrRefundExceedsOriginal)

	reversal := intent(KindReversal, 0)
	reversal.TargetID = purchase.ID
	_, err = e.Apply(reversal, acct, h)
	require.ErrorIs(t, err, ErrInvalidReversalTarget)
}

func TestReversedRefundFreesPurchase(t *testing.T) {
	e := NewEngine(Policy{})
	acct := testAccount(0)
	h := NewRecordSet()
	acct, recs := applyAll(t, e, acct, h, intent(KindTopUp, 100_000), intent(KindPurchase, 45_000))
	purchase := recs[1]

	refund := intent(KindRefund, 45_000)
	refund.TargetID = purchase.ID
	acct, recs = applyAll(t, e, acct, h, refund)
	require.Equal(t, int64(45_000), h.RefundedAmount(purchase.ID))

	undo := intent(KindReversal, 0)
	undo.TargetID = recs[0].ID
	acct, _ = applyAll(t, e, acct, h, undo)
	require.Equal(t, xaf(55_000), acct.Balance)
	require.Zero(t, h.RefundedAmount(purchase.ID))

	again := intent(KindRefund, 45_000)
	again.TargetID = purchase.ID
	res, err := e.Apply(again, acct, h)
	require.NoError(t, err)
	require.Equal(t, xaf(100_000), res.Account.Balance)

	rev := intent(KindReversal, 0)
	rev.TargetID = purchase.ID
	res, err = e.Apply(rev, acct, h)
	require.NoError(t, err)
	require.Equal(t, xaf(100_000), res.Account.Balance)
}

func TestRefundTargetRules(t *testing.T) {
	e := NewEngine(Policy{})
	acct := testAccount(0)
	h := NewRecordSet()
	acct, recs := applyAll(t, e, acct, h, intent(KindTopUp, 100_000))

	refundTopUp := intent(KindRefund, 1_000)
	refundTopUp.TargetID = recs[0].ID
	_, err := e.Apply(refundTopUp, acct, h)
	require.ErrorIs(t, err, ErrInvalidRefundTarget)

	missing := intent(KindRefund, 1_000)
	missing.TargetID = "does-not-exist"
	_, err = e.Apply(missing, acct, h)
	require.ErrorIs(t, err, ErrInvalidRefundTarget)
}

func TestReversalOfPurchase(t *testing.T) {
	e := NewEngine(Policy{})
	acct := testAccount(0)
	h := NewRecordSet()
	acct, recs := applyAll(t, e, acct, h, intent(KindTopUp, 100_000), intent(KindPurchase, 45_000))
	purchase := recs[1]
	require.Equal(t, xaf(45_000), acct.SpentToday)

	rev := intent(KindReversal, 0)
	rev.TargetID = purchase.ID
	acct, recs = applyAll(t, e, acct, h, rev)
	require.Equal(t, xaf(100_000), acct.Balance)
	require.Equal(t, xaf(0), acct.SpentToday)
	require.Equal(t, DirectionCredit, recs[0].Direction)
	require.Equal(t, xaf(45_000), recs[0].Amount)

	_, err := e.Apply(rev, acct, h)
	require.ErrorIs(t, err, ErrInvalidReversalTarget)

	revRev := intent(KindReversal, 0)
	revRev.TargetID = recs[0].ID
	_, err = e.Apply(revRev, acct, h)
	require.ErrorIs(t, err, ErrInvalidReversalTarget)

	refund := intent(KindRefund, 1_000)
	refund.TargetID = purchase.ID
	_, err = e.Apply(refund, acct, h)
	require.ErrorIs(t, err, ErrInvalidRefundTarget)
}

func TestReversalOfTopUpNeedsBalance(t *testing.T) {
	e := NewEngine(Policy{})
	acct := testAccount(0)
	h := NewRecordSet()
	acct, recs := applyAll(t, e, acct, h, intent(KindTopUp, 100_000), intent(KindPurchase, 60_000))

	rev := intent(KindReversal, 0)
	rev.TargetID = recs[0].ID
	_, err := e.Apply(rev, acct, h)
	require.ErrorIs(t, err, ErrInsufficientBalance)

	wrongAmount := intent(KindReversal, 10)
	wrongAmount.TargetID = recs[1].ID
	_, err = e.Apply(wrongAmount, acct, h)
	require.ErrorIs(t, err, ErrInvalidReversalTarget)
}

func TestConservationAndNonNegativity(t *testing.T) {
	e := NewEngine(Policy{})
	acct := testAccount(5_000)
	h := NewRecordSet()

	amounts := []int64{12_000, 3_000, 7_500, 40_000, 1, 9_999, 25_000, 600}
	for i, amount := range amounts {
		kind := KindPurchase
		if i%3 == 0 {
			kind = KindTopUp
		}
		res, err := e.Apply(intent(kind, amount), acct, h)
		if err != nil {
			require.True(t, IsTerminal(err), "unexpected error %v", err)
			continue
		}
		require.True(t, res.Record.Balanced())
		require.False(t, res.Account.Balance.IsNegative())
		h.Add(res.Record)
		acct = res.Account
	}

	report := Replay(acct, h.records)
	require.True(t, report.Consistent, "%+v", report.Discrepancies)
	require.Equal(t, acct.Balance, report.Expected)
}

func TestIntentValidation(t *testing.T) {
	cases := map[string]Intent{
		"unknown kind":       {CardUID: "04A1", Kind: "withdrawal", Amount: xaf(1)},
		"zero purchase":      {CardUID: "04A1", Kind: KindPurchase, Amount: xaf(0)},
		"negative topup":     {CardUID: "04A1", Kind: KindTopUp, Amount: xaf(-5)},
		"refund w/o target":  {CardUID: "04A1", Kind: KindRefund, Amount: xaf(5)},
		"bad currency":       {CardUID: "04A1", Kind: KindTopUp, Amount: money.Money{Amount: 5, Currency: "x"}},
		"missing card":       {Kind: KindTopUp, Amount: xaf(5)},
		"purchase w/ target": {CardUID: "04A1", Kind: KindPurchase, Amount: xaf(5), TargetID: "x"},
	}
	for name, in := range cases {
		require.ErrorIs(t, in.Validate(), ErrInvalidIntent, name)
	}

	require.NoError(t, Intent{CardUID: "04A1", Kind: KindReversal, TargetID: "x"}.Validate())
}
