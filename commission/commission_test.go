package commission_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/commission/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func twd(s string) commission.Money {
	return commission.MustMoney(s, commission.CurrencyTWD)
}

func usd(s string) commission.Money {
	return commission.MustMoney(s, commission.CurrencyUSD)
}

func rate(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func commissionEntry(affiliate, order string, total, comm commission.Money) commission.LedgerEntry {
	return commission.LedgerEntry{
		AffiliateID: commission.AffiliateID(affiliate),
		OrderID:     commission.OrderID(order),
		Type:        commission.EntryCommission,
		OrderAmount: total,
		Rate:        rate("0.10"),
		Commission:  comm,
	}
}

// =============================================================================
// COMMISSION ARITHMETIC
// =============================================================================

func TestComputeCommission_ExactRate(t *testing.T) {
	got := commission.ComputeCommission(twd("1000"), rate("0.10"))
	assert.True(t, got.Amount.Equal(decimal.NewFromInt(100)), "got %s", got)
	assert.Equal(t, commission.CurrencyTWD, got.Currency)
}

func TestComputeCommission_RoundsHalfUp(t *testing.T) {
	// 999 × 0.10 = 99.9 → 100 in a zero-decimal currency
	got := commission.ComputeCommission(twd("999"), rate("0.10"))
	assert.True(t, got.Amount.Equal(decimal.NewFromInt(100)), "got %s", got)

	// 0.125 → 0.13 at two decimals
	got = commission.ComputeCommission(usd("1.25"), rate("0.10"))
	assert.Equal(t, "0.13", got.StringFixed())

	// 994 × 0.10 = 99.4 → 99
	got = commission.ComputeCommission(twd("994"), rate("0.10"))
	assert.True(t, got.Amount.Equal(decimal.NewFromInt(99)), "got %s", got)
}

func TestValidateRate(t *testing.T) {
	assert.NoError(t, commission.ValidateRate(rate("0")))
	assert.NoError(t, commission.ValidateRate(rate("1")))
	assert.NoError(t, commission.ValidateRate(rate("0.15")))

	err := commission.ValidateRate(rate("1.5"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, commission.ErrValidation))

	var ve *commission.ValidationError
	require.ErrorAs(t, commission.ValidateRate(rate("-0.1")), &ve)
	assert.Equal(t, "commission_rate", ve.Field)
}

func TestParseMoney_Rejects(t *testing.T) {
	_, err := commission.ParseMoney("12,50", commission.CurrencyUSD)
	assert.ErrorIs(t, err, commission.ErrValidation)
}

// =============================================================================
// PERIOD
// =============================================================================

func TestPeriod_Bounds(t *testing.T) {
	p, err := commission.ParsePeriod("2025-12")
	require.NoError(t, err)

	assert.Equal(t, "2025-12", p.String())
	assert.Equal(t, time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC), p.End())
	assert.True(t, p.Contains(time.Date(2025, time.December, 31, 23, 59, 59, 0, time.UTC)))
	assert.False(t, p.Contains(p.End()))
	assert.Equal(t, "2026-01", p.Next().String())
	assert.Equal(t, "2025-11", p.Previous().String())
}

func TestPreviousMonth_AcrossYear(t *testing.T) {
	p := commission.PreviousMonth(time.Date(2026, time.January, 3, 10, 0, 0, 0, time.UTC))
	assert.Equal(t, commission.NewPeriod(2025, time.December), p)
}

func TestParsePeriod_Invalid(t *testing.T) {
	for _, in := range []string{"", "2025-13", "2025/01", "25-01"} {
		_, err := commission.ParsePeriod(in)
		assert.ErrorIs(t, err, commission.ErrValidation, in)
	}
}

// =============================================================================
// SETTLEMENT STATE MACHINE
// =============================================================================

func TestSettlement_Transitions(t *testing.T) {
	now := time.Date(2025, time.April, 1, 9, 0, 0, 0, time.UTC)
	s := commission.Settlement{ID: "s-1", Status: commission.SettlementPending}

	processing, err := s.Transition(commission.SettlementProcessing, now)
	require.NoError(t, err)
	require.NotNil(t, processing.ProcessingAt)

	done, err := processing.Transition(commission.SettlementCompleted, now.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, done.ProcessedAt)
	assert.True(t, done.Status.IsTerminal())

	// No transition out of a terminal state, no skipping processing.
	_, err = done.Transition(commission.SettlementPending, now)
	assert.ErrorIs(t, err, commission.ErrInvalidTransition)

	_, err = s.Transition(commission.SettlementCompleted, now)
	var te *commission.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "pending", te.From)

	failed, err := processing.Transition(commission.SettlementFailed, now)
	require.NoError(t, err)
	_, err = failed.Transition(commission.SettlementPending, now)
	assert.ErrorIs(t, err, commission.ErrInvalidTransition)
}

func TestErrorClassification(t *testing.T) {
	wrapped := fmt.Errorf("create link: %w", commission.ErrDuplicateCode)
	assert.True(t, commission.IsClientError(wrapped))
	assert.True(t, commission.IsClientError(&commission.ValidationError{Field: "rate", Reason: "above 1"}))
	assert.True(t, commission.IsClientError(&commission.TransitionError{Entity: "settlement", From: "completed", To: "pending"}))
	assert.False(t, commission.IsClientError(commission.ErrConcurrentModification))

	assert.True(t, commission.IsNotFound(commission.ErrLinkNotFound))
	assert.True(t, commission.IsRetryable(commission.ErrConcurrentModification))
	assert.False(t, commission.IsRetryable(commission.ErrPayoutFailure))
}

func TestAffiliateStatus_Transitions(t *testing.T) {
	assert.True(t, commission.AffiliatePending.CanTransitionTo(commission.AffiliateActive))
	assert.True(t, commission.AffiliateActive.CanTransitionTo(commission.AffiliateSuspended))
	assert.True(t, commission.AffiliateSuspended.CanTransitionTo(commission.AffiliateActive))
	assert.False(t, commission.AffiliateActive.CanTransitionTo(commission.AffiliatePending))
	assert.False(t, commission.AffiliateSuspended.CanTransitionTo(commission.AffiliatePending))
}

func TestPayoutConfig_Validate(t *testing.T) {
	ok := commission.PayoutConfig{
		Method:  commission.PayoutBankTransfer,
		Details: map[string]string{"bank_code": "812", "account_number": "0001", "account_name": "Lin"},
	}
	assert.NoError(t, ok.Validate())

	missing := commission.PayoutConfig{Method: commission.PayoutPayPal, Details: map[string]string{}}
	var ve *commission.ValidationError
	require.ErrorAs(t, missing.Validate(), &ve)
	assert.Equal(t, "payout.paypal_email", ve.Field)

	unknown := commission.PayoutConfig{Method: "cheque"}
	assert.ErrorIs(t, unknown.Validate(), commission.ErrValidation)
}

func TestPromoLink_Usable(t *testing.T) {
	now := time.Date(2025, time.May, 1, 0, 0, 0, 0, time.UTC)
	expiry := now.Add(time.Hour)
	link := commission.PromoLink{Status: commission.LinkActive, ExpiresAt: &expiry}

	assert.True(t, link.Usable(now))
	assert.False(t, link.Usable(expiry), "expiry is exclusive")

	link.Status = commission.LinkInactive
	assert.False(t, link.Usable(now))
}

func TestPromoLink_ValidateLandingURL(t *testing.T) {
	link := commission.PromoLink{
		AffiliateID:    "lin",
		Code:           "LIN10",
		CommissionRate: decimal.RequireFromString("0.1"),
		LandingURL:     "https://shop.example.com/spring",
	}
	require.NoError(t, link.Validate())

	for _, bad := range []string{"javascript:alert(1)", "//evil.example.com", "/relative"} {
		link.LandingURL = bad
		var verr *commission.ValidationError
		require.ErrorAs(t, link.Validate(), &verr, bad)
		assert.Equal(t, "landing_url", verr.Field)
	}
}

// =============================================================================
// LEDGER
// =============================================================================

func TestLedger_DuplicateOrderIsRejected(t *testing.T) {
	// GIVEN: an order already credited
	// WHEN: the same completion is recorded again
	// THEN: ErrDuplicateEntry and a single entry in the store
	ctx := context.Background()
	s := store.NewMemory()
	ledger := commission.NewLedger(s, commission.CurrencyTWD)

	_, err := ledger.Record(ctx, commissionEntry("aff@example.com", "o-1", twd("1000"), twd("100")))
	require.NoError(t, err)

	_, err = ledger.Record(ctx, commissionEntry("aff@example.com", "o-1", twd("1000"), twd("100")))
	assert.ErrorIs(t, err, commission.ErrDuplicateEntry)

	// A different affiliate cannot claim the same order either.
	_, err = ledger.Record(ctx, commissionEntry("other@example.com", "o-1", twd("1000"), twd("100")))
	assert.ErrorIs(t, err, commission.ErrDuplicateEntry)

	entries, err := s.ListEntries(ctx, commission.EntryFilter{OrderID: "o-1"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLedger_RejectsInvalidEntries(t *testing.T) {
	ctx := context.Background()
	ledger := commission.NewLedger(store.NewMemory(), commission.CurrencyTWD)

	_, err := ledger.Record(ctx, commissionEntry("aff", "o-1", usd("10"), usd("1")))
	assert.ErrorIs(t, err, commission.ErrCurrencyMismatch)

	_, err = ledger.Record(ctx, commissionEntry("aff", "o-2", twd("-10"), twd("0")))
	assert.ErrorIs(t, err, commission.ErrValidation)

	_, err = ledger.Record(ctx, commissionEntry("", "o-3", twd("10"), twd("1")))
	assert.ErrorIs(t, err, commission.ErrValidation)
}

func TestLedger_ReverseFullAndPartial(t *testing.T) {
	ctx := context.Background()
	ledger := commission.NewLedger(store.NewMemory(), commission.CurrencyTWD)

	_, err := ledger.Record(ctx, commissionEntry("aff", "o-1", twd("1000"), twd("100")))
	require.NoError(t, err)

	partial := twd("-30")
	_, err = ledger.Reverse(ctx, commission.Correction{OrderID: "o-1", Reference: "refund-1", Amount: &partial})
	require.NoError(t, err)

	// Same reference again is a no-op duplicate.
	_, err = ledger.Reverse(ctx, commission.Correction{OrderID: "o-1", Reference: "refund-1", Amount: &partial})
	assert.ErrorIs(t, err, commission.ErrDuplicateEntry)

	// Full reversal would push the order below zero.
	_, err = ledger.Reverse(ctx, commission.Correction{OrderID: "o-1", Reference: "chargeback-1"})
	assert.ErrorIs(t, err, commission.ErrValidation)

	rest := twd("-70")
	_, err = ledger.Reverse(ctx, commission.Correction{OrderID: "o-1", Reference: "refund-2", Amount: &rest})
	require.NoError(t, err)

	earned, err := ledger.Earned(ctx, "aff")
	require.NoError(t, err)
	assert.True(t, earned.IsZero(), "got %s", earned)
}

func TestLedger_ReverseUnknownOrder(t *testing.T) {
	ledger := commission.NewLedger(store.NewMemory(), commission.CurrencyTWD)
	_, err := ledger.Reverse(context.Background(), commission.Correction{OrderID: "missing", Reference: "r"})
	assert.True(t, commission.IsNotFound(err))
}

func TestLedger_EntriesByPeriod(t *testing.T) {
	ctx := context.Background()
	march := time.Date(2025, time.March, 15, 0, 0, 0, 0, time.UTC)
	april := time.Date(2025, time.April, 2, 0, 0, 0, 0, time.UTC)
	s := store.NewMemory()

	ledger := commission.NewLedger(s, commission.CurrencyTWD).WithClock(fixedClock(march))
	_, err := ledger.Record(ctx, commissionEntry("aff", "o-1", twd("100"), twd("10")))
	require.NoError(t, err)

	ledger.WithClock(fixedClock(april))
	_, err = ledger.Record(ctx, commissionEntry("aff", "o-2", twd("200"), twd("20")))
	require.NoError(t, err)

	p := commission.PeriodOf(march)
	entries, err := ledger.Entries(ctx, "aff", &p)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, commission.OrderID("o-1"), entries[0].OrderID)

	all, err := ledger.Entries(ctx, "aff", nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

// =============================================================================
// BALANCE
// =============================================================================

func TestBalance_PendingAfterCompletedSettlement(t *testing.T) {
	// GIVEN: entries summing to 215.0 and one completed settlement of 125.5
	// THEN: pending = 89.5
	entries := []commission.LedgerEntry{
		commissionEntry("aff", "o-1", usd("1000"), usd("100")),
		commissionEntry("aff", "o-2", usd("1150"), usd("115")),
	}
	settlements := []commission.Settlement{
		{Status: commission.SettlementCompleted, Amount: usd("125.5")},
		{Status: commission.SettlementFailed, Amount: usd("50")},
	}

	b := commission.ComputeBalance("aff", commission.CurrencyUSD, entries, settlements)
	assert.Equal(t, "215.00", b.Earned.StringFixed())
	assert.Equal(t, "89.50", b.Pending().StringFixed())
	assert.Equal(t, "89.50", b.Payable().StringFixed())
}

func TestBalance_PayableExcludesInFlight(t *testing.T) {
	entries := []commission.LedgerEntry{commissionEntry("aff", "o-1", usd("1000"), usd("100"))}
	settlements := []commission.Settlement{
		{Status: commission.SettlementProcessing, Amount: usd("60")},
		{Status: commission.SettlementCompleted, Amount: usd("30")},
	}

	b := commission.ComputeBalance("aff", commission.CurrencyUSD, entries, settlements)
	assert.Equal(t, "70.00", b.Pending().StringFixed())
	assert.Equal(t, "10.00", b.Payable().StringFixed())
}

func TestBalance_NeverNegative(t *testing.T) {
	entries := []commission.LedgerEntry{commissionEntry("aff", "o-1", usd("100"), usd("10"))}
	settlements := []commission.Settlement{{Status: commission.SettlementCompleted, Amount: usd("10")}}
	entries = append(entries, commission.LedgerEntry{Type: commission.EntryCorrection, Commission: usd("-10")})

	b := commission.ComputeBalance("aff", commission.CurrencyUSD, entries, settlements)
	assert.True(t, b.Pending().IsZero())
	assert.True(t, b.Payable().IsZero())
}

func TestBalanceCalculator_ReadsStores(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	ledger := commission.NewLedger(s, commission.CurrencyUSD)

	_, err := ledger.Record(ctx, commissionEntry("aff", "o-1", usd("1000"), usd("100")))
	require.NoError(t, err)
	_, err = ledger.Record(ctx, commissionEntry("aff", "o-2", usd("1150"), usd("115")))
	require.NoError(t, err)
	require.NoError(t, s.CreateSettlement(ctx, commission.Settlement{
		ID: "s-1", AffiliateID: "aff", Period: commission.NewPeriod(2025, time.March),
		Amount: usd("125.5"), Status: commission.SettlementCompleted,
	}))

	b, err := commission.NewBalanceCalculator(s, s, commission.CurrencyUSD).Balance(ctx, "aff")
	require.NoError(t, err)
	assert.Equal(t, "89.50", b.Pending().StringFixed())
}
