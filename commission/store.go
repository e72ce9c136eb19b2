/*
store.go - Persistence interfaces for the commission engine

PURPOSE:
  Defines the boundary between engine logic and the database. Every
  concurrency guarantee the engine relies on is pushed down to the store
  as an atomic operation rather than a read-then-write in application code.

KEY INTERFACES:
  LedgerStore:     Append-only ledger entries (insert-or-duplicate)
  SettlementStore: Settlements with compare-and-set status transitions
  AffiliateStore:  Affiliate registry
  PromoStore:      Promo links with check-and-increment usage reservation
  ClickStore:      Referral clicks for conversion reporting
  RunStore:        Settlement batch run history

ATOMIC OPERATIONS:
  - AppendEntry:      unique idempotency key, one commission entry per order
  - CreateSettlement: unique (affiliate, period) among non-failed rows
  - ReserveUsage:     usage_count + 1 only WHERE usage_count < usage_limit
  - Transition:       UPDATE ... WHERE status = expected

IMPLEMENTATIONS:
  - commission/store/memory.go: In-memory for tests and dev
  - store/sqlstore: SQLite and PostgreSQL

SEE ALSO:
  - ledger.go: Higher-level append-only interface over LedgerStore
  - errors.go: Sentinels every implementation must return
*/
package commission

import (
	"context"
	"time"
)

// =============================================================================
// LEDGER STORE - Append-only
// =============================================================================

// LedgerStore persists ledger entries. No Update, no Delete.
type LedgerStore interface {
	// AppendEntry returns ErrDuplicateEntry if the idempotency key exists or,
	// for EntryCommission, if the order already has a commission entry.
	AppendEntry(ctx context.Context, e LedgerEntry) error

	// EntryExists checks if an idempotency key was already written.
	EntryExists(ctx context.Context, idempotencyKey string) (bool, error)

	// CommissionForOrder returns the commission entry of an order or ErrNotFound.
	CommissionForOrder(ctx context.Context, orderID OrderID) (LedgerEntry, error)

	// ListEntries returns matching entries ordered by CreatedAt.
	ListEntries(ctx context.Context, filter EntryFilter) ([]LedgerEntry, error)

	// AffiliatesWithEntries returns every affiliate that has at least one entry.
	AffiliatesWithEntries(ctx context.Context) ([]AffiliateID, error)
}

type EntryFilter struct {
	AffiliateID AffiliateID // empty = all
	PromoLinkID PromoLinkID // empty = all
	OrderID     OrderID     // empty = all
	Period      *Period     // by CreatedAt
}

// =============================================================================
// SETTLEMENT STORE
// =============================================================================

type SettlementStore interface {
	// CreateSettlement returns ErrDuplicateSettlement if a non-failed
	// settlement exists for (AffiliateID, Period).
	CreateSettlement(ctx context.Context, s Settlement) error

	GetSettlement(ctx context.Context, id SettlementID) (Settlement, error)

	// ListSettlements returns matches, newest first.
	ListSettlements(ctx context.Context, filter SettlementFilter) ([]Settlement, error)

	// TransitionSettlement writes s only if the stored status equals from.
	// Returns ErrConcurrentModification otherwise.
	TransitionSettlement(ctx context.Context, s Settlement, from SettlementStatus) error
}

type SettlementFilter struct {
	AffiliateID      AffiliateID
	Period           *Period
	Statuses         []SettlementStatus
	ProcessingBefore *time.Time // ProcessingAt strictly before
	Limit            int        // 0 = no limit
}

// =============================================================================
// AFFILIATE STORE
// =============================================================================

type AffiliateStore interface {
	// CreateAffiliate returns ErrDuplicateAffiliate if the id is taken.
	CreateAffiliate(ctx context.Context, a Affiliate) error
	GetAffiliate(ctx context.Context, id AffiliateID) (Affiliate, error)
	ListAffiliates(ctx context.Context, status AffiliateStatus) ([]Affiliate, error) // "" = all
	UpdateAffiliate(ctx context.Context, a Affiliate) error
}

// =============================================================================
// PROMO STORE
// =============================================================================

type PromoStore interface {
	// CreateLink returns ErrDuplicateCode if the normalized code is taken.
	CreateLink(ctx context.Context, l PromoLink) error
	GetLink(ctx context.Context, id PromoLinkID) (PromoLink, error)
	GetLinkByCode(ctx context.Context, code string) (PromoLink, error)
	ListLinks(ctx context.Context, affiliateID AffiliateID) ([]PromoLink, error)

	// UpdateLinkTerms writes status, rate, discount, limit and expiry.
	// It never touches UsageCount.
	UpdateLinkTerms(ctx context.Context, l PromoLink) error

	// ReserveUsage increments UsageCount only if it is below UsageLimit.
	// Returns ErrLimitExceeded when the cap is reached.
	ReserveUsage(ctx context.Context, id PromoLinkID) error

	// ReleaseUsage undoes one reservation (never below zero).
	ReleaseUsage(ctx context.Context, id PromoLinkID) error
}

// =============================================================================
// CLICK STORE
// =============================================================================

type ClickStore interface {
	RecordClick(ctx context.Context, c Click) error
	CountClicks(ctx context.Context, filter ClickFilter) (int, error)
}

type ClickFilter struct {
	AffiliateID AffiliateID
	LinkCode    string
	Period      *Period
}

// =============================================================================
// RUN STORE
// =============================================================================

type RunStore interface {
	CreateRun(ctx context.Context, r SettlementRun) error
	UpdateRun(ctx context.Context, r SettlementRun) error
	ListRuns(ctx context.Context, period *Period, limit int) ([]SettlementRun, error)
}

// Store is everything the engine persists.
type Store interface {
	LedgerStore
	SettlementStore
	AffiliateStore
	PromoStore
	ClickStore
	RunStore
	Close() error
}
