/*
Package reporting is the read side: per-affiliate, per-link and per-period
rollups over the ledger, settlements and clicks.

  Nothing here mutates state. Missing click data is normal (promo codes
  convert without a tracked click), so the conversion rate is guarded
  against zero clicks and may exceed 1.

ROLLUP FIELDS:
  clicks       tracked referral visits
  conversions  commission entries (corrections do not count)
  revenue      order amounts of those conversions
  commission   net commission, corrections included
  rate         conversions / clicks, 4 decimal places, 0 without clicks
*/
package reporting

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/commission"
)

type Store interface {
	commission.LedgerStore
	commission.SettlementStore
	commission.AffiliateStore
	commission.PromoStore
	commission.ClickStore
}

type Reporter struct {
	store    Store
	balances *commission.BalanceCalculator
	currency commission.Currency
}

func NewReporter(store Store, currency commission.Currency) *Reporter {
	return &Reporter{
		store:    store,
		balances: commission.NewBalanceCalculator(store, store, currency),
		currency: currency,
	}
}

// =============================================================================
// BALANCES
// =============================================================================

type PendingCommission struct {
	AffiliateID commission.AffiliateID
	Earned      commission.Money
	Settled     commission.Money // completed settlements
	InFlight    commission.Money // pending + processing settlements
	Pending     commission.Money // earned - settled, never negative
	Payable     commission.Money // what the next settlement would pay
}

// GetPendingCommission reports what an affiliate has earned and not been
// paid.
func (r *Reporter) GetPendingCommission(ctx context.Context, affiliateID commission.AffiliateID) (PendingCommission, error) {
	if _, err := r.store.GetAffiliate(ctx, affiliateID); err != nil {
		return PendingCommission{}, err
	}
	b, err := r.balances.Balance(ctx, affiliateID)
	if err != nil {
		return PendingCommission{}, err
	}
	return PendingCommission{
		AffiliateID: affiliateID,
		Earned:      b.Earned,
		Settled:     b.Completed,
		InFlight:    b.InFlight,
		Pending:     b.Pending(),
		Payable:     b.Payable(),
	}, nil
}

// ListLedgerEntries returns an affiliate's entries, optionally for one
// period, oldest first.
func (r *Reporter) ListLedgerEntries(ctx context.Context, affiliateID commission.AffiliateID, period *commission.Period) ([]commission.LedgerEntry, error) {
	if _, err := r.store.GetAffiliate(ctx, affiliateID); err != nil {
		return nil, err
	}
	return r.store.ListEntries(ctx, commission.EntryFilter{AffiliateID: affiliateID, Period: period})
}

// =============================================================================
// ROLLUPS
// =============================================================================

type Stats struct {
	Clicks         int
	Conversions    int
	Revenue        commission.Money
	Commission     commission.Money
	ConversionRate decimal.Decimal
}

// ConversionRate returns conversions/clicks to 4 places, 0 for no clicks.
func ConversionRate(conversions, clicks int) decimal.Decimal {
	if clicks <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(conversions)).
		DivRound(decimal.NewFromInt(int64(clicks)), 4)
}

func (r *Reporter) stats(clicks int, entries []commission.LedgerEntry) Stats {
	s := Stats{
		Clicks:     clicks,
		Revenue:    commission.ZeroMoney(r.currency),
		Commission: commission.ZeroMoney(r.currency),
	}
	for _, e := range entries {
		s.Commission = s.Commission.Add(e.Commission)
		if e.Type == commission.EntryCommission {
			s.Conversions++
			s.Revenue = s.Revenue.Add(e.OrderAmount)
		}
	}
	s.ConversionRate = ConversionRate(s.Conversions, s.Clicks)
	return s
}

type AffiliateStats struct {
	AffiliateID commission.AffiliateID
	Period      *commission.Period // nil = all time
	Stats
}

func (r *Reporter) AffiliateStats(ctx context.Context, affiliateID commission.AffiliateID, period *commission.Period) (AffiliateStats, error) {
	if _, err := r.store.GetAffiliate(ctx, affiliateID); err != nil {
		return AffiliateStats{}, err
	}
	entries, err := r.store.ListEntries(ctx, commission.EntryFilter{AffiliateID: affiliateID, Period: period})
	if err != nil {
		return AffiliateStats{}, err
	}
	clicks, err := r.store.CountClicks(ctx, commission.ClickFilter{AffiliateID: affiliateID, Period: period})
	if err != nil {
		return AffiliateStats{}, err
	}
	return AffiliateStats{AffiliateID: affiliateID, Period: period, Stats: r.stats(clicks, entries)}, nil
}

type LinkStats struct {
	Link commission.PromoLink
	Stats
}

// LinkStats rolls up each of an affiliate's links.
func (r *Reporter) LinkStats(ctx context.Context, affiliateID commission.AffiliateID, period *commission.Period) ([]LinkStats, error) {
	links, err := r.store.ListLinks(ctx, affiliateID)
	if err != nil {
		return nil, err
	}
	out := make([]LinkStats, 0, len(links))
	for _, l := range links {
		entries, err := r.store.ListEntries(ctx, commission.EntryFilter{PromoLinkID: l.ID, Period: period})
		if err != nil {
			return nil, err
		}
		clicks, err := r.store.CountClicks(ctx, commission.ClickFilter{LinkCode: l.Code, Period: period})
		if err != nil {
			return nil, err
		}
		out = append(out, LinkStats{Link: l, Stats: r.stats(clicks, entries)})
	}
	return out, nil
}

type PeriodReport struct {
	Period     commission.Period
	Totals     Stats
	Affiliates []AffiliateStats // only affiliates with activity, by commission desc
}

// PeriodReport rolls up every affiliate with clicks or entries in period.
func (r *Reporter) PeriodReport(ctx context.Context, period commission.Period) (PeriodReport, error) {
	entries, err := r.store.ListEntries(ctx, commission.EntryFilter{Period: &period})
	if err != nil {
		return PeriodReport{}, err
	}
	byAffiliate := make(map[commission.AffiliateID][]commission.LedgerEntry)
	for _, e := range entries {
		byAffiliate[e.AffiliateID] = append(byAffiliate[e.AffiliateID], e)
	}

	affiliates, err := r.store.ListAffiliates(ctx, "")
	if err != nil {
		return PeriodReport{}, err
	}
	report := PeriodReport{Period: period}
	totalClicks := 0
	for _, a := range affiliates {
		clicks, err := r.store.CountClicks(ctx, commission.ClickFilter{AffiliateID: a.ID, Period: &period})
		if err != nil {
			return PeriodReport{}, err
		}
		own := byAffiliate[a.ID]
		if clicks == 0 && len(own) == 0 {
			continue
		}
		totalClicks += clicks
		p := period
		report.Affiliates = append(report.Affiliates, AffiliateStats{AffiliateID: a.ID, Period: &p, Stats: r.stats(clicks, own)})
	}
	sort.SliceStable(report.Affiliates, func(i, j int) bool {
		ci, cj := report.Affiliates[i].Commission, report.Affiliates[j].Commission
		if !ci.Amount.Equal(cj.Amount) {
			return ci.GreaterThan(cj)
		}
		return report.Affiliates[i].AffiliateID < report.Affiliates[j].AffiliateID
	})
	report.Totals = r.stats(totalClicks, entries)
	return report, nil
}

// =============================================================================
// SETTLEMENTS
// =============================================================================

type StatusTotal struct {
	Count  int
	Amount commission.Money
}

type SettlementSummary struct {
	Period   *commission.Period // nil = all time
	Earned   commission.Money   // net ledger commission accrued in the period
	Paid     commission.Money   // completed settlements labelled with the period
	Pending  commission.Money   // outstanding once settlements through the period are paid
	Failed   commission.Money   // failed rows not yet replaced
	ByStatus map[commission.SettlementStatus]StatusTotal
	Recent   []commission.Settlement
}

// RecentSettlements is how many rows GetSettlementSummary lists.
const RecentSettlements = 10

// GetSettlementSummary totals one period's settlements by status next to the
// commission accrued in that period. A batch pays the whole balance at run
// time, so a period's Paid can exceed its Earned. Pending is therefore
// computed per affiliate as max(0, earned through the period end - completed
// settlements for the period and earlier), which for the current balance
// equals the sum of GetPendingCommission. A nil period covers all time.
func (r *Reporter) GetSettlementSummary(ctx context.Context, period *commission.Period) (SettlementSummary, error) {
	all, err := r.store.ListSettlements(ctx, commission.SettlementFilter{})
	if err != nil {
		return SettlementSummary{}, err
	}
	entries, err := r.store.ListEntries(ctx, commission.EntryFilter{})
	if err != nil {
		return SettlementSummary{}, err
	}
	out := SettlementSummary{
		Period:   period,
		Earned:   commission.ZeroMoney(r.currency),
		ByStatus: make(map[commission.SettlementStatus]StatusTotal),
		Paid:     commission.ZeroMoney(r.currency),
		Pending:  commission.ZeroMoney(r.currency),
		Failed:   commission.ZeroMoney(r.currency),
	}
	for _, st := range []commission.SettlementStatus{
		commission.SettlementPending, commission.SettlementProcessing,
		commission.SettlementCompleted, commission.SettlementFailed,
	} {
		out.ByStatus[st] = StatusTotal{Amount: commission.ZeroMoney(r.currency)}
	}

	// Balances through the period end, per affiliate.
	outstanding := make(map[commission.AffiliateID]commission.Money)
	balance := func(id commission.AffiliateID) commission.Money {
		if m, ok := outstanding[id]; ok {
			return m
		}
		return commission.ZeroMoney(r.currency)
	}
	for _, e := range entries {
		if period != nil && !e.CreatedAt.Before(period.End()) {
			continue
		}
		outstanding[e.AffiliateID] = balance(e.AffiliateID).Add(e.Commission)
		if period == nil || period.Contains(e.CreatedAt) {
			out.Earned = out.Earned.Add(e.Commission)
		}
	}

	var rows []commission.Settlement
	replaced := make(map[commission.SettlementID]bool)
	for _, s := range all {
		if s.RetryOf != "" {
			replaced[s.RetryOf] = true
		}
		if s.Status == commission.SettlementCompleted && (period == nil || !period.Before(s.Period)) {
			outstanding[s.AffiliateID] = balance(s.AffiliateID).Sub(s.Amount)
		}
		if period == nil || s.Period == *period {
			rows = append(rows, s)
		}
	}
	for _, s := range rows {
		t := out.ByStatus[s.Status]
		t.Count++
		t.Amount = t.Amount.Add(s.Amount)
		out.ByStatus[s.Status] = t

		switch {
		case s.Status == commission.SettlementCompleted:
			out.Paid = out.Paid.Add(s.Amount)
		case s.Status == commission.SettlementFailed && !replaced[s.ID]:
			out.Failed = out.Failed.Add(s.Amount)
		}
	}

	for _, m := range outstanding {
		if m.IsPositive() {
			out.Pending = out.Pending.Add(m)
		}
	}
	// Rows come back newest first.
	if len(rows) > RecentSettlements {
		rows = rows[:RecentSettlements]
	}
	out.Recent = rows
	return out, nil
}
