package sqlstore_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/store/sqlstore"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	s, err := sqlstore.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var t0 = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

func seedAffiliate(t *testing.T, s *sqlstore.Store, id string) commission.Affiliate {
	t.Helper()
	a := commission.Affiliate{
		ID:    commission.AffiliateID(id),
		Email: id,
		Payout: commission.PayoutConfig{
			Method:  commission.PayoutPayPal,
			Details: map[string]string{"paypal_email": id},
		},
		Notifications: commission.NotificationPrefs{SettlementEmails: true},
		Status:        commission.AffiliateActive,
		CreatedAt:     t0,
		UpdatedAt:     t0,
	}
	require.NoError(t, s.CreateAffiliate(context.Background(), a))
	return a
}

func seedLink(t *testing.T, s *sqlstore.Store, id, affiliate, code string, limit *int) {
	t.Helper()
	require.NoError(t, s.CreateLink(context.Background(), commission.PromoLink{
		ID:             commission.PromoLinkID(id),
		AffiliateID:    commission.AffiliateID(affiliate),
		Code:           code,
		Discount:       commission.Discount{Type: commission.DiscountPercentage, Value: decimal.NewFromInt(10)},
		CommissionRate: decimal.RequireFromString("0.1"),
		UsageLimit:     limit,
		Status:         commission.LinkActive,
		CreatedAt:      t0,
		UpdatedAt:      t0,
	}))
}

func entry(affiliate, order string, amount string, at time.Time) commission.LedgerEntry {
	return commission.LedgerEntry{
		ID:             commission.EntryID("e-" + order),
		AffiliateID:    commission.AffiliateID(affiliate),
		OrderID:        commission.OrderID(order),
		Type:           commission.EntryCommission,
		OrderAmount:    commission.MustMoney("1000", commission.CurrencyUSD),
		Rate:           decimal.RequireFromString("0.1"),
		Commission:     commission.MustMoney(amount, commission.CurrencyUSD),
		IdempotencyKey: commission.CommissionKey(commission.OrderID(order)),
		CreatedAt:      at,
	}
}

func intPtr(v int) *int { return &v }

// =============================================================================
// LEDGER
// =============================================================================

func TestSQLStore_LedgerRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.AppendEntry(ctx, entry("a@x.io", "o-1", "100.25", t0)))

	got, err := s.CommissionForOrder(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, commission.AffiliateID("a@x.io"), got.AffiliateID)
	assert.True(t, got.Commission.Amount.Equal(decimal.RequireFromString("100.25")))
	assert.Equal(t, commission.CurrencyUSD, got.Commission.Currency)
	assert.True(t, got.CreatedAt.Equal(t0))

	exists, err := s.EntryExists(ctx, commission.CommissionKey("o-1"))
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = s.CommissionForOrder(ctx, "missing")
	assert.ErrorIs(t, err, commission.ErrNotFound)
}

func TestSQLStore_OneCommissionPerOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.AppendEntry(ctx, entry("a@x.io", "o-1", "10", t0)))

	// Same key.
	assert.ErrorIs(t, s.AppendEntry(ctx, entry("a@x.io", "o-1", "10", t0)), commission.ErrDuplicateEntry)

	// Different key and affiliate, same order: the partial unique index still wins.
	other := entry("b@x.io", "o-1", "10", t0)
	other.ID = "e-other"
	other.IdempotencyKey = "something-else"
	assert.ErrorIs(t, s.AppendEntry(ctx, other), commission.ErrDuplicateEntry)

	// Corrections for the same order are allowed.
	corr := entry("a@x.io", "o-1", "-5", t0.Add(time.Hour))
	corr.ID = "e-corr"
	corr.Type = commission.EntryCorrection
	corr.IdempotencyKey = commission.CorrectionKey("o-1", "refund-1")
	require.NoError(t, s.AppendEntry(ctx, corr))

	entries, err := s.ListEntries(ctx, commission.EntryFilter{OrderID: "o-1"})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestSQLStore_ListEntriesByPeriod(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.AppendEntry(ctx, entry("a@x.io", "o-1", "10", t0)))
	require.NoError(t, s.AppendEntry(ctx, entry("a@x.io", "o-2", "20", time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC))))
	require.NoError(t, s.AppendEntry(ctx, entry("b@x.io", "o-3", "30", t0)))

	march := commission.NewPeriod(2025, time.March)
	got, err := s.ListEntries(ctx, commission.EntryFilter{AffiliateID: "a@x.io", Period: &march})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, commission.OrderID("o-1"), got[0].OrderID)

	ids, err := s.AffiliatesWithEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, []commission.AffiliateID{"a@x.io", "b@x.io"}, ids)
}

// =============================================================================
// PROMO LINKS
// =============================================================================

func TestSQLStore_ReserveUsage_ConcurrentLimitOne(t *testing.T) {
	// GIVEN: a link with usage limit 1
	// WHEN: two reservations race
	// THEN: one success, one ErrLimitExceeded
	ctx := context.Background()
	s := newTestStore(t)
	seedAffiliate(t, s, "a@x.io")
	seedLink(t, s, "l-1", "a@x.io", "SPRING", intPtr(1))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.ReserveUsage(ctx, "l-1")
		}(i)
	}
	wg.Wait()

	var ok, exceeded int
	for _, err := range errs {
		if err == nil {
			ok++
		} else if errors.Is(err, commission.ErrLimitExceeded) {
			exceeded++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, exceeded)

	link, err := s.GetLink(ctx, "l-1")
	require.NoError(t, err)
	assert.Equal(t, 1, link.UsageCount)
}

func TestSQLStore_ReserveUnknownLink(t *testing.T) {
	s := newTestStore(t)
	assert.ErrorIs(t, s.ReserveUsage(context.Background(), "nope"), commission.ErrLinkNotFound)
	assert.ErrorIs(t, s.ReleaseUsage(context.Background(), "nope"), commission.ErrLinkNotFound)
}

func TestSQLStore_LinkByCodeAndTerms(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedAffiliate(t, s, "a@x.io")
	seedLink(t, s, "l-1", "a@x.io", "spring25", nil)

	link, err := s.GetLinkByCode(ctx, "Spring25")
	require.NoError(t, err)
	assert.Equal(t, "SPRING25", link.Code)
	assert.Nil(t, link.UsageLimit)

	require.NoError(t, s.ReserveUsage(ctx, "l-1"))
	expiry := t0.Add(48 * time.Hour)
	link.Status = commission.LinkInactive
	link.CommissionRate = decimal.RequireFromString("0.2")
	link.ExpiresAt = &expiry
	link.UsageCount = 99
	require.NoError(t, s.UpdateLinkTerms(ctx, link))

	got, err := s.GetLink(ctx, "l-1")
	require.NoError(t, err)
	assert.Equal(t, commission.LinkInactive, got.Status)
	assert.Equal(t, "0.2", got.CommissionRate.String())
	assert.Equal(t, 1, got.UsageCount, "usage count is not written by UpdateLinkTerms")
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, got.ExpiresAt.Equal(expiry))

	seedAffiliate(t, s, "b@x.io")
	err = s.CreateLink(ctx, commission.PromoLink{
		ID: "l-2", AffiliateID: "b@x.io", Code: "SPRING25",
		CommissionRate: decimal.Zero, Status: commission.LinkActive, CreatedAt: t0, UpdatedAt: t0,
	})
	assert.ErrorIs(t, err, commission.ErrDuplicateCode)
}

// =============================================================================
// SETTLEMENTS
// =============================================================================

func pendingSettlement(id, affiliate string, period commission.Period, amount string) commission.Settlement {
	return commission.Settlement{
		ID:          commission.SettlementID(id),
		AffiliateID: commission.AffiliateID(affiliate),
		Period:      period,
		Amount:      commission.MustMoney(amount, commission.CurrencyUSD),
		Status:      commission.SettlementPending,
		Payout: commission.PayoutConfig{
			Method:  commission.PayoutBankTransfer,
			Details: map[string]string{"bank_code": "812", "account_number": "1", "account_name": "A"},
		},
		CreatedAt: t0,
		UpdatedAt: t0,
	}
}

func TestSQLStore_SettlementUniquePerPeriod(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	march := commission.NewPeriod(2025, time.March)

	require.NoError(t, s.CreateSettlement(ctx, pendingSettlement("s-1", "a@x.io", march, "50")))
	err := s.CreateSettlement(ctx, pendingSettlement("s-2", "a@x.io", march, "50"))
	assert.ErrorIs(t, err, commission.ErrDuplicateSettlement)

	// Other period is fine.
	require.NoError(t, s.CreateSettlement(ctx, pendingSettlement("s-3", "a@x.io", march.Next(), "50")))

	got, err := s.GetSettlement(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, march, got.Period)
	assert.Equal(t, "812", got.Payout.Details["bank_code"])
	assert.Equal(t, "50.00", got.Amount.StringFixed())

	_, err = s.GetSettlement(ctx, "missing")
	assert.ErrorIs(t, err, commission.ErrSettlementNotFound)
}

func TestSQLStore_TransitionCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	march := commission.NewPeriod(2025, time.March)
	st := pendingSettlement("s-1", "a@x.io", march, "50")
	require.NoError(t, s.CreateSettlement(ctx, st))

	processing, err := st.Transition(commission.SettlementProcessing, t0.Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, s.TransitionSettlement(ctx, processing, commission.SettlementPending))
	assert.ErrorIs(t, s.TransitionSettlement(ctx, processing, commission.SettlementPending), commission.ErrConcurrentModification)

	failed, err := processing.Transition(commission.SettlementFailed, t0.Add(2*time.Minute))
	require.NoError(t, err)
	failed.FailureReason = "timeout"
	failed.Attempts = 3
	require.NoError(t, s.TransitionSettlement(ctx, failed, commission.SettlementProcessing))

	got, err := s.GetSettlement(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, commission.SettlementFailed, got.Status)
	assert.Equal(t, "timeout", got.FailureReason)
	assert.Equal(t, 3, got.Attempts)
	require.NotNil(t, got.ProcessedAt)

	// A failed row frees the (affiliate, period) slot for a replacement.
	retry := pendingSettlement("s-2", "a@x.io", march, "50")
	retry.RetryOf = "s-1"
	require.NoError(t, s.CreateSettlement(ctx, retry))

	assert.ErrorIs(t, s.TransitionSettlement(ctx, commission.Settlement{ID: "nope"}, commission.SettlementPending), commission.ErrSettlementNotFound)
}

func TestSQLStore_ListSettlementsFilters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	march := commission.NewPeriod(2025, time.March)

	a := pendingSettlement("s-1", "a@x.io", march, "10")
	b := pendingSettlement("s-2", "b@x.io", march, "20")
	b.CreatedAt = t0.Add(time.Hour)
	require.NoError(t, s.CreateSettlement(ctx, a))
	require.NoError(t, s.CreateSettlement(ctx, b))

	processing, err := a.Transition(commission.SettlementProcessing, t0)
	require.NoError(t, err)
	require.NoError(t, s.TransitionSettlement(ctx, processing, commission.SettlementPending))

	stale := t0.Add(time.Minute)
	got, err := s.ListSettlements(ctx, commission.SettlementFilter{
		Statuses:         []commission.SettlementStatus{commission.SettlementProcessing},
		ProcessingBefore: &stale,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, commission.SettlementID("s-1"), got[0].ID)

	all, err := s.ListSettlements(ctx, commission.SettlementFilter{Period: &march, Limit: 1})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, commission.SettlementID("s-2"), all[0].ID, "newest first")
}

// =============================================================================
// AFFILIATES, CLICKS, RUNS
// =============================================================================

func TestSQLStore_Affiliates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a := seedAffiliate(t, s, "a@x.io")

	assert.ErrorIs(t, s.CreateAffiliate(ctx, a), commission.ErrDuplicateAffiliate)

	a.Status = commission.AffiliateSuspended
	a.Notifications.SettlementEmails = false
	require.NoError(t, s.UpdateAffiliate(ctx, a))

	got, err := s.GetAffiliate(ctx, "a@x.io")
	require.NoError(t, err)
	assert.Equal(t, commission.AffiliateSuspended, got.Status)
	assert.False(t, got.Notifications.SettlementEmails)
	assert.Equal(t, "a@x.io", got.Payout.Details["paypal_email"])

	active, err := s.ListAffiliates(ctx, commission.AffiliateActive)
	require.NoError(t, err)
	assert.Empty(t, active)

	_, err = s.GetAffiliate(ctx, "missing")
	assert.ErrorIs(t, err, commission.ErrAffiliateNotFound)
}

func TestSQLStore_Clicks(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i, at := range []time.Time{t0, t0.Add(time.Hour), time.Date(2025, time.April, 2, 0, 0, 0, 0, time.UTC)} {
		require.NoError(t, s.RecordClick(ctx, commission.Click{
			ID:          commission.ClickID("c-" + string(rune('a'+i))),
			AffiliateID: "a@x.io",
			LinkCode:    "spring",
			At:          at,
		}))
	}

	march := commission.NewPeriod(2025, time.March)
	n, err := s.CountClicks(ctx, commission.ClickFilter{AffiliateID: "a@x.io", Period: &march})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.CountClicks(ctx, commission.ClickFilter{LinkCode: "SPRING"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestSQLStore_Runs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	march := commission.NewPeriod(2025, time.March)

	run := commission.SettlementRun{
		ID: "r-1", Period: march, Trigger: commission.TriggerManual, Status: commission.RunRunning,
		TotalAmount: commission.ZeroMoney(commission.CurrencyUSD), StartedAt: t0,
	}
	require.NoError(t, s.CreateRun(ctx, run))

	done := t0.Add(time.Minute)
	run.Status = commission.RunCompleted
	run.Processed = 2
	run.TotalAmount = commission.MustMoney("150", commission.CurrencyUSD)
	run.CompletedAt = &done
	require.NoError(t, s.UpdateRun(ctx, run))

	runs, err := s.ListRuns(ctx, &march, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, commission.RunCompleted, runs[0].Status)
	assert.Equal(t, 2, runs[0].Processed)
	assert.Equal(t, "150", runs[0].TotalAmount.Amount.String())
	require.NotNil(t, runs[0].CompletedAt)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := sqlstore.Open("oracle", "dsn")
	assert.Error(t, err)
}
