package accrual_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/accrual"
	"github.com/warp/commission-engine/attribution"
	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/commission/store"
	"github.com/warp/commission-engine/events"
	"github.com/warp/commission-engine/promo"
)

var now = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

type fixture struct {
	engine   *accrual.Engine
	store    *store.Memory
	registry *promo.Registry
	affs     *promo.Affiliates
	attrs    *attribution.MemoryStore
	events   *events.Recorder
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := func() time.Time { return now }

	s := store.NewMemory()
	affs := promo.NewAffiliates(s, log).WithClock(clock)
	affs.AutoApprove = true
	reg := promo.NewRegistry(s, s, log).WithClock(clock)
	for _, email := range []string{"lin@example.com", "kai@example.com"} {
		_, err := affs.Register(ctx, promo.Registration{
			Email:  email,
			Payout: commission.PayoutConfig{Method: commission.PayoutPayPal, Details: map[string]string{"paypal_email": email}},
		})
		require.NoError(t, err)
	}

	attrs := attribution.NewMemoryStore().WithClock(clock)
	rec := &events.Recorder{}
	ledger := commission.NewLedger(s, commission.CurrencyUSD).WithClock(clock)
	engine := accrual.NewEngine(ledger, reg, s, attrs, rec,
		accrual.Config{DefaultRate: decimal.RequireFromString("0.05")}, log)
	return &fixture{engine: engine, store: s, registry: reg, affs: affs, attrs: attrs, events: rec}
}

func (f *fixture) link(t *testing.T, affiliate commission.AffiliateID, code, rate string, limit *int) commission.PromoLink {
	t.Helper()
	l, err := f.registry.Create(context.Background(), promo.NewLink{
		AffiliateID:    affiliate,
		Code:           code,
		CommissionRate: decimal.RequireFromString(rate),
		UsageLimit:     limit,
	})
	require.NoError(t, err)
	return l
}

func order(id, total string) accrual.OrderCompleted {
	return accrual.OrderCompleted{
		OrderID:     commission.OrderID(id),
		Total:       commission.MustMoney(total, commission.CurrencyUSD),
		CompletedAt: now,
	}
}

// =============================================================================
// CREDITING
// =============================================================================

func TestOrderCompleted_PromoCode(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.link(t, "lin@example.com", "LIN10", "0.10", nil)

	// GIVEN: a $1000 order with a 10% code
	o := order("1001", "1000")
	o.PromoCode = "lin10"

	// WHEN
	res, err := f.engine.OrderCompleted(ctx, o)

	// THEN: $100 credited, usage counted, event published
	require.NoError(t, err)
	assert.Equal(t, accrual.OutcomeCredited, res.Outcome)
	require.NotNil(t, res.Entry)
	assert.Equal(t, "100.00", res.Entry.Commission.StringFixed())
	assert.Equal(t, commission.AffiliateID("lin@example.com"), res.Entry.AffiliateID)

	link, err := f.store.GetLinkByCode(ctx, "LIN10")
	require.NoError(t, err)
	assert.Equal(t, 1, link.UsageCount)
	assert.Len(t, f.events.OfType(events.CommissionAccrued), 1)
}

func TestOrderCompleted_RoundsHalfUp(t *testing.T) {
	f := setup(t)
	f.link(t, "lin@example.com", "LIN10", "0.10", nil)
	o := order("1002", "1.25")
	o.PromoCode = "LIN10"

	res, err := f.engine.OrderCompleted(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, "0.13", res.Entry.Commission.StringFixed())
}

func TestOrderCompleted_DuplicateDelivery(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.link(t, "lin@example.com", "LIN10", "0.10", nil)
	o := order("1001", "1000")
	o.PromoCode = "LIN10"

	first, err := f.engine.OrderCompleted(ctx, o)
	require.NoError(t, err)
	require.Equal(t, accrual.OutcomeCredited, first.Outcome)

	// WHEN: the webhook is redelivered
	second, err := f.engine.OrderCompleted(ctx, o)

	// THEN: no second entry and no second usage
	require.NoError(t, err)
	assert.Equal(t, accrual.OutcomeDuplicate, second.Outcome)
	entries, err := f.store.ListEntries(ctx, commission.EntryFilter{OrderID: "1001"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	link, err := f.store.GetLinkByCode(ctx, "LIN10")
	require.NoError(t, err)
	assert.Equal(t, 1, link.UsageCount)
}

func TestOrderCompleted_ConcurrentDeliveries(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.link(t, "lin@example.com", "LIN10", "0.10", nil)
	o := order("1001", "50")
	o.PromoCode = "LIN10"

	var wg sync.WaitGroup
	results := make([]accrual.Result, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.engine.OrderCompleted(ctx, o)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	credited := 0
	for _, r := range results {
		if r.Outcome == accrual.OutcomeCredited {
			credited++
		}
	}
	assert.Equal(t, 1, credited)

	// THEN: usage released by every loser
	link, err := f.store.GetLinkByCode(ctx, "LIN10")
	require.NoError(t, err)
	assert.Equal(t, 1, link.UsageCount)
}

func TestOrderCompleted_Attribution(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.link(t, "kai@example.com", "KAI20", "0.20", nil)
	require.NoError(t, f.attrs.Put(ctx, attribution.Attribution{VisitorID: "v1", AffiliateID: "kai@example.com", LinkCode: "KAI20"}, time.Hour))

	o := order("2001", "80")
	o.VisitorID = "v1"
	res, err := f.engine.OrderCompleted(ctx, o)

	require.NoError(t, err)
	assert.Equal(t, accrual.OutcomeCredited, res.Outcome)
	assert.Equal(t, "16.00", res.Entry.Commission.StringFixed())

	// THEN: the attribution is deleted
	_, err = f.attrs.Get(ctx, "v1")
	assert.ErrorIs(t, err, commission.ErrNotFound)
}

func TestOrderCompleted_AffiliateOnlyAttributionUsesDefaultRate(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	require.NoError(t, f.attrs.Put(ctx, attribution.Attribution{VisitorID: "v1", AffiliateID: "kai@example.com"}, time.Hour))

	o := order("2002", "200")
	o.VisitorID = "v1"
	res, err := f.engine.OrderCompleted(ctx, o)

	require.NoError(t, err)
	assert.Equal(t, "10.00", res.Entry.Commission.StringFixed())
	assert.Empty(t, res.Entry.PromoLinkID)
}

func TestOrderCompleted_PromoCodeBeatsAttribution(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.link(t, "lin@example.com", "LIN10", "0.10", nil)
	f.link(t, "kai@example.com", "KAI20", "0.20", nil)
	require.NoError(t, f.attrs.Put(ctx, attribution.Attribution{VisitorID: "v1", AffiliateID: "kai@example.com", LinkCode: "KAI20"}, time.Hour))

	o := order("3001", "100")
	o.VisitorID = "v1"
	o.PromoCode = "LIN10"
	res, err := f.engine.OrderCompleted(ctx, o)

	require.NoError(t, err)
	assert.Equal(t, commission.AffiliateID("lin@example.com"), res.Entry.AffiliateID)
}

// =============================================================================
// NON-AFFILIATE ORDERS
// =============================================================================

func TestOrderCompleted_NotCredited(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	once := 1
	f.link(t, "lin@example.com", "ONCE", "0.10", &once)
	dead := f.link(t, "lin@example.com", "DEAD", "0.10", nil)
	_, err := f.registry.Deactivate(ctx, dead.ID)
	require.NoError(t, err)

	first := order("4000", "10")
	first.PromoCode = "ONCE"
	res, err := f.engine.OrderCompleted(ctx, first)
	require.NoError(t, err)
	require.Equal(t, accrual.OutcomeCredited, res.Outcome)

	tests := []struct {
		name    string
		code    string
		outcome accrual.Outcome
	}{
		{"no attribution", "", accrual.OutcomeNoAttribution},
		{"unknown code", "NOPE", accrual.OutcomeLinkNotFound},
		{"inactive link", "DEAD", accrual.OutcomeLinkNotFound},
		{"limit reached", "ONCE", accrual.OutcomeLimitExceeded},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := order("40"+string(rune('1'+i)), "10")
			o.PromoCode = tt.code
			res, err := f.engine.OrderCompleted(ctx, o)
			require.NoError(t, err)
			assert.Equal(t, tt.outcome, res.Outcome)
			assert.Nil(t, res.Entry)
		})
	}
}

func TestOrderCompleted_SuspendedAffiliate(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.link(t, "lin@example.com", "LIN10", "0.10", nil)
	_, err := f.affs.SetStatus(ctx, "lin@example.com", commission.AffiliateSuspended)
	require.NoError(t, err)

	o := order("5001", "100")
	o.PromoCode = "LIN10"
	res, err := f.engine.OrderCompleted(ctx, o)

	require.NoError(t, err)
	assert.Equal(t, accrual.OutcomeAffiliateInactive, res.Outcome)
	link, err := f.store.GetLinkByCode(ctx, "LIN10")
	require.NoError(t, err)
	assert.Zero(t, link.UsageCount)
}

func TestOrderCompleted_Validation(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	eur := order("6001", "10")
	eur.Total = commission.MustMoney("10", "EUR")
	_, err := f.engine.OrderCompleted(ctx, eur)
	assert.ErrorIs(t, err, commission.ErrCurrencyMismatch)

	_, err = f.engine.OrderCompleted(ctx, order("", "10"))
	assert.ErrorIs(t, err, commission.ErrValidation)

	_, err = f.engine.OrderCompleted(ctx, order("6002", "-1"))
	assert.ErrorIs(t, err, commission.ErrValidation)
}

// =============================================================================
// PERSISTENCE FAILURES
// =============================================================================

type failingLedger struct {
	*store.Memory
}

func (failingLedger) AppendEntry(context.Context, commission.LedgerEntry) error {
	return errors.New("disk full")
}

func TestOrderCompleted_PersistenceFailureReleasesUsage(t *testing.T) {
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := store.NewMemory()
	affs := promo.NewAffiliates(s, log)
	affs.AutoApprove = true
	_, err := affs.Register(ctx, promo.Registration{
		Email:  "lin@example.com",
		Payout: commission.PayoutConfig{Method: commission.PayoutPayPal, Details: map[string]string{"paypal_email": "lin@example.com"}},
	})
	require.NoError(t, err)
	reg := promo.NewRegistry(s, s, log)
	_, err = reg.Create(ctx, promo.NewLink{AffiliateID: "lin@example.com", Code: "LIN10", CommissionRate: decimal.RequireFromString("0.1")})
	require.NoError(t, err)

	attrs := attribution.NewMemoryStore()
	require.NoError(t, attrs.Put(ctx, attribution.Attribution{VisitorID: "v1", AffiliateID: "lin@example.com", LinkCode: "LIN10"}, time.Hour))

	ledger := commission.NewLedger(failingLedger{s}, commission.CurrencyUSD)
	engine := accrual.NewEngine(ledger, reg, s, attrs, nil, accrual.Config{}, log)

	o := order("7001", "100")
	o.VisitorID = "v1"
	_, err = engine.OrderCompleted(ctx, o)

	// THEN: the error reaches the caller so the webhook is redelivered
	assert.EqualError(t, err, "disk full")
	link, err := s.GetLinkByCode(ctx, "LIN10")
	require.NoError(t, err)
	assert.Zero(t, link.UsageCount)

	// THEN: the redelivery can still find the attribution
	_, err = attrs.Get(ctx, "v1")
	assert.NoError(t, err)
}

// vanishingLinks resolves links but reports them gone at reservation, as
// when a link is removed between the two calls.
type vanishingLinks struct{ accrual.Links }

func (vanishingLinks) ReserveUsage(context.Context, commission.PromoLink) error {
	return commission.ErrLinkNotFound
}

func TestOrderCompleted_AttributionDeletedOnEveryOutcome(t *testing.T) {
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("unknown affiliate", func(t *testing.T) {
		f := setup(t)
		require.NoError(t, f.attrs.Put(ctx, attribution.Attribution{VisitorID: "v1", AffiliateID: "ghost@example.com"}, time.Hour))
		o := order("9001", "100")
		o.VisitorID = "v1"

		res, err := f.engine.OrderCompleted(ctx, o)

		require.NoError(t, err)
		assert.Equal(t, accrual.OutcomeAffiliateInactive, res.Outcome)
		_, err = f.attrs.Get(ctx, "v1")
		assert.ErrorIs(t, err, commission.ErrNotFound)
	})

	t.Run("link gone at reservation", func(t *testing.T) {
		f := setup(t)
		f.link(t, "lin@example.com", "LIN10", "0.10", nil)
		require.NoError(t, f.attrs.Put(ctx, attribution.Attribution{VisitorID: "v1", AffiliateID: "lin@example.com", LinkCode: "LIN10"}, time.Hour))
		engine := accrual.NewEngine(commission.NewLedger(f.store, commission.CurrencyUSD), vanishingLinks{f.registry},
			f.store, f.attrs, nil, accrual.Config{}, log)
		o := order("9002", "100")
		o.VisitorID = "v1"

		res, err := engine.OrderCompleted(ctx, o)

		require.NoError(t, err)
		assert.Equal(t, accrual.OutcomeLinkNotFound, res.Outcome)
		_, err = f.attrs.Get(ctx, "v1")
		assert.ErrorIs(t, err, commission.ErrNotFound)
	})
}

// =============================================================================
// CORRECTIONS
// =============================================================================

func TestCorrect(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.link(t, "lin@example.com", "LIN10", "0.10", nil)
	o := order("8001", "100")
	o.PromoCode = "LIN10"
	_, err := f.engine.OrderCompleted(ctx, o)
	require.NoError(t, err)

	entry, err := f.engine.Correct(ctx, commission.Correction{OrderID: "8001", Reference: "refund-1", Reason: "refund"})
	require.NoError(t, err)
	assert.Equal(t, "-10.00", entry.Commission.StringFixed())
	assert.Len(t, f.events.OfType(events.CommissionCorrected), 1)

	_, err = f.engine.Correct(ctx, commission.Correction{OrderID: "8001", Reference: "refund-1"})
	assert.ErrorIs(t, err, commission.ErrDuplicateEntry)
}
