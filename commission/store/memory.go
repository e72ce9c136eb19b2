// Package store provides an in-memory commission.Store.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/commission-engine/commission"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every collection behind one mutex, which makes each
// conditional write (reserve, create-if-absent, compare-and-set) atomic.
type Memory struct {
	mu sync.RWMutex

	entries     []commission.LedgerEntry
	idempotency map[string]bool
	orders      map[commission.OrderID]int // order -> index of its commission entry

	settlements map[commission.SettlementID]commission.Settlement
	live        map[settlementKey]commission.SettlementID // non-failed settlement per (affiliate, period)

	affiliates map[commission.AffiliateID]commission.Affiliate
	links      map[commission.PromoLinkID]commission.PromoLink
	codes      map[string]commission.PromoLinkID

	clicks []commission.Click
	runs   map[commission.RunID]commission.SettlementRun
}

type settlementKey struct {
	AffiliateID commission.AffiliateID
	Period      commission.Period
}

var _ commission.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		idempotency: make(map[string]bool),
		orders:      make(map[commission.OrderID]int),
		settlements: make(map[commission.SettlementID]commission.Settlement),
		live:        make(map[settlementKey]commission.SettlementID),
		affiliates:  make(map[commission.AffiliateID]commission.Affiliate),
		links:       make(map[commission.PromoLinkID]commission.PromoLink),
		codes:       make(map[string]commission.PromoLinkID),
		runs:        make(map[commission.RunID]commission.SettlementRun),
	}
}

func (m *Memory) Close() error { return nil }

// =============================================================================
// LEDGER
// =============================================================================

func (m *Memory) AppendEntry(_ context.Context, e commission.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.IdempotencyKey != "" && m.idempotency[e.IdempotencyKey] {
		return commission.ErrDuplicateEntry
	}
	if e.Type == commission.EntryCommission {
		if _, ok := m.orders[e.OrderID]; ok {
			return commission.ErrDuplicateEntry
		}
		m.orders[e.OrderID] = len(m.entries)
	}
	m.entries = append(m.entries, e)
	if e.IdempotencyKey != "" {
		m.idempotency[e.IdempotencyKey] = true
	}
	return nil
}

func (m *Memory) EntryExists(_ context.Context, idempotencyKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idempotency[idempotencyKey], nil
}

func (m *Memory) CommissionForOrder(_ context.Context, orderID commission.OrderID) (commission.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.orders[orderID]
	if !ok {
		return commission.LedgerEntry{}, commission.ErrNotFound
	}
	return m.entries[i], nil
}

func (m *Memory) ListEntries(_ context.Context, f commission.EntryFilter) ([]commission.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []commission.LedgerEntry
	for _, e := range m.entries {
		if f.AffiliateID != "" && e.AffiliateID != f.AffiliateID {
			continue
		}
		if f.PromoLinkID != "" && e.PromoLinkID != f.PromoLinkID {
			continue
		}
		if f.OrderID != "" && e.OrderID != f.OrderID {
			continue
		}
		if f.Period != nil && !f.Period.Contains(e.CreatedAt) {
			continue
		}
		result = append(result, e)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *Memory) AffiliatesWithEntries(_ context.Context) ([]commission.AffiliateID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[commission.AffiliateID]bool)
	var ids []commission.AffiliateID
	for _, e := range m.entries {
		if !seen[e.AffiliateID] {
			seen[e.AffiliateID] = true
			ids = append(ids, e.AffiliateID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// =============================================================================
// SETTLEMENTS
// =============================================================================

func (m *Memory) CreateSettlement(_ context.Context, s commission.Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := settlementKey{AffiliateID: s.AffiliateID, Period: s.Period}
	if s.Status != commission.SettlementFailed {
		if _, taken := m.live[k]; taken {
			return commission.ErrDuplicateSettlement
		}
		m.live[k] = s.ID
	}
	m.settlements[s.ID] = copySettlement(s)
	return nil
}

func (m *Memory) GetSettlement(_ context.Context, id commission.SettlementID) (commission.Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.settlements[id]
	if !ok {
		return commission.Settlement{}, commission.ErrSettlementNotFound
	}
	return copySettlement(s), nil
}

func (m *Memory) ListSettlements(_ context.Context, f commission.SettlementFilter) ([]commission.Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []commission.Settlement
	for _, s := range m.settlements {
		if f.AffiliateID != "" && s.AffiliateID != f.AffiliateID {
			continue
		}
		if f.Period != nil && s.Period != *f.Period {
			continue
		}
		if len(f.Statuses) > 0 && !hasStatus(f.Statuses, s.Status) {
			continue
		}
		if f.ProcessingBefore != nil && (s.ProcessingAt == nil || !s.ProcessingAt.Before(*f.ProcessingBefore)) {
			continue
		}
		result = append(result, copySettlement(s))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (m *Memory) TransitionSettlement(_ context.Context, s commission.Settlement, from commission.SettlementStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.settlements[s.ID]
	if !ok {
		return commission.ErrSettlementNotFound
	}
	if current.Status != from {
		return commission.ErrConcurrentModification
	}
	if s.Status == commission.SettlementFailed {
		k := settlementKey{AffiliateID: current.AffiliateID, Period: current.Period}
		if m.live[k] == s.ID {
			delete(m.live, k)
		}
	}
	m.settlements[s.ID] = copySettlement(s)
	return nil
}

func hasStatus(statuses []commission.SettlementStatus, s commission.SettlementStatus) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}

func copySettlement(s commission.Settlement) commission.Settlement {
	s.Payout = s.Payout.Snapshot()
	return s
}

// =============================================================================
// AFFILIATES
// =============================================================================

func (m *Memory) CreateAffiliate(_ context.Context, a commission.Affiliate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.affiliates[a.ID]; exists {
		return commission.ErrDuplicateAffiliate
	}
	a.Payout = a.Payout.Snapshot()
	m.affiliates[a.ID] = a
	return nil
}

func (m *Memory) GetAffiliate(_ context.Context, id commission.AffiliateID) (commission.Affiliate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.affiliates[id]
	if !ok {
		return commission.Affiliate{}, commission.ErrAffiliateNotFound
	}
	a.Payout = a.Payout.Snapshot()
	return a, nil
}

func (m *Memory) ListAffiliates(_ context.Context, status commission.AffiliateStatus) ([]commission.Affiliate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []commission.Affiliate
	for _, a := range m.affiliates {
		if status != "" && a.Status != status {
			continue
		}
		a.Payout = a.Payout.Snapshot()
		result = append(result, a)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) UpdateAffiliate(_ context.Context, a commission.Affiliate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.affiliates[a.ID]; !ok {
		return commission.ErrAffiliateNotFound
	}
	a.Payout = a.Payout.Snapshot()
	m.affiliates[a.ID] = a
	return nil
}

// =============================================================================
// PROMO LINKS
// =============================================================================

func (m *Memory) CreateLink(_ context.Context, l commission.PromoLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	code := commission.NormalizeCode(l.Code)
	if _, taken := m.codes[code]; taken {
		return commission.ErrDuplicateCode
	}
	l.Code = code
	m.links[l.ID] = l
	m.codes[code] = l.ID
	return nil
}

func (m *Memory) GetLink(_ context.Context, id commission.PromoLinkID) (commission.PromoLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.links[id]
	if !ok {
		return commission.PromoLink{}, commission.ErrLinkNotFound
	}
	return l, nil
}

func (m *Memory) GetLinkByCode(_ context.Context, code string) (commission.PromoLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.codes[commission.NormalizeCode(code)]
	if !ok {
		return commission.PromoLink{}, commission.ErrLinkNotFound
	}
	return m.links[id], nil
}

func (m *Memory) ListLinks(_ context.Context, affiliateID commission.AffiliateID) ([]commission.PromoLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []commission.PromoLink
	for _, l := range m.links {
		if affiliateID == "" || l.AffiliateID == affiliateID {
			result = append(result, l)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *Memory) UpdateLinkTerms(_ context.Context, l commission.PromoLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.links[l.ID]
	if !ok {
		return commission.ErrLinkNotFound
	}
	current.Status = l.Status
	current.CommissionRate = l.CommissionRate
	current.Discount = l.Discount
	current.UsageLimit = l.UsageLimit
	current.ExpiresAt = l.ExpiresAt
	current.LandingURL = l.LandingURL
	current.UpdatedAt = l.UpdatedAt
	m.links[l.ID] = current
	return nil
}

func (m *Memory) ReserveUsage(_ context.Context, id commission.PromoLinkID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[id]
	if !ok {
		return commission.ErrLinkNotFound
	}
	if !l.HasCapacity() {
		return commission.ErrLimitExceeded
	}
	l.UsageCount++
	m.links[id] = l
	return nil
}

func (m *Memory) ReleaseUsage(_ context.Context, id commission.PromoLinkID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[id]
	if !ok {
		return commission.ErrLinkNotFound
	}
	if l.UsageCount > 0 {
		l.UsageCount--
		m.links[id] = l
	}
	return nil
}

// =============================================================================
// CLICKS
// =============================================================================

func (m *Memory) RecordClick(_ context.Context, c commission.Click) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clicks = append(m.clicks, c)
	return nil
}

func (m *Memory) CountClicks(_ context.Context, f commission.ClickFilter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, c := range m.clicks {
		if f.AffiliateID != "" && c.AffiliateID != f.AffiliateID {
			continue
		}
		if f.LinkCode != "" && c.LinkCode != commission.NormalizeCode(f.LinkCode) {
			continue
		}
		if f.Period != nil && !f.Period.Contains(c.At) {
			continue
		}
		n++
	}
	return n, nil
}

// =============================================================================
// SETTLEMENT RUNS
// =============================================================================

func (m *Memory) CreateRun(_ context.Context, r commission.SettlementRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[r.ID] = r
	return nil
}

func (m *Memory) UpdateRun(_ context.Context, r commission.SettlementRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.ID]; !ok {
		return commission.ErrNotFound
	}
	m.runs[r.ID] = r
	return nil
}

func (m *Memory) ListRuns(_ context.Context, period *commission.Period, limit int) ([]commission.SettlementRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []commission.SettlementRun
	for _, r := range m.runs {
		if period != nil && r.Period != *period {
			continue
		}
		result = append(result, r)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartedAt.After(result[j].StartedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
