/*
ledger.go - Append-only commission ledger

PURPOSE:
  The Ledger is the immutable source of truth for what every affiliate
  earned. Balances are always computed by replaying entries; there is no
  stored "balance" column that can drift.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: entries are never updated or deleted
  2. ONE COMMISSION PER ORDER: a second delivery of the same order is a no-op
  3. IDEMPOTENT: same idempotency key = same entry

CORRECTIONS:
  A refund or chargeback is not an edit. Reverse() appends a correction
  entry referencing the order; original and correction both stay.

    Order #1001 credited:     commission +100
    Order #1001 refunded:     correction -100
    Earned for the affiliate: 0

SEE ALSO:
  - store.go: LedgerStore
  - balance.go: earned / settled / payable replay
  - accrual/engine.go: the only writer of commission entries
*/
package commission

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store    LedgerStore
	currency Currency
	now      func() time.Time
}

func NewLedger(store LedgerStore, currency Currency) *Ledger {
	return &Ledger{store: store, currency: currency, now: time.Now}
}

// WithClock replaces the time source. Used by tests and seed scenarios.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

func (l *Ledger) Currency() Currency { return l.currency }

// Record appends an entry after validating it. ID, key and timestamp are
// filled in when empty. Returns ErrDuplicateEntry for an already recorded key.
func (l *Ledger) Record(ctx context.Context, e LedgerEntry) (LedgerEntry, error) {
	if err := l.validate(e); err != nil {
		return LedgerEntry{}, err
	}
	if e.ID == "" {
		e.ID = EntryID(uuid.NewString())
	}
	if e.IdempotencyKey == "" && e.Type == EntryCommission {
		e.IdempotencyKey = CommissionKey(e.OrderID)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now().UTC()
	}

	exists, err := l.store.EntryExists(ctx, e.IdempotencyKey)
	if err != nil {
		return LedgerEntry{}, err
	}
	if exists {
		return LedgerEntry{}, ErrDuplicateEntry
	}
	if err := l.store.AppendEntry(ctx, e); err != nil {
		return LedgerEntry{}, err
	}
	return e, nil
}

func (l *Ledger) validate(e LedgerEntry) error {
	if e.AffiliateID == "" {
		return &ValidationError{Field: "affiliate_id", Reason: "required"}
	}
	if e.OrderID == "" {
		return &ValidationError{Field: "order_id", Reason: "required"}
	}
	if e.Commission.Currency != l.currency || e.OrderAmount.Currency != l.currency {
		return ErrCurrencyMismatch
	}
	switch e.Type {
	case EntryCommission:
		if e.OrderAmount.IsNegative() {
			return &ValidationError{Field: "order_amount", Reason: "must not be negative"}
		}
		if e.Commission.IsNegative() {
			return &ValidationError{Field: "commission", Reason: "must not be negative"}
		}
		if err := ValidateRate(e.Rate); err != nil {
			return err
		}
	case EntryCorrection:
		if e.IdempotencyKey == "" {
			return &ValidationError{Field: "reference", Reason: "required for corrections"}
		}
		if e.Commission.IsZero() {
			return &ValidationError{Field: "amount", Reason: "correction must not be zero"}
		}
	default:
		return &ValidationError{Field: "type", Reason: "unknown entry type " + string(e.Type)}
	}
	return nil
}

// =============================================================================
// CORRECTIONS
// =============================================================================

type Correction struct {
	OrderID   OrderID
	Reference string // refund / chargeback id; makes the correction idempotent
	Amount    *Money // nil = reverse the full commission
	Reason    string
}

// Reverse appends a correction against an order's commission entry.
// Corrections may not push the order's net commission below zero.
func (l *Ledger) Reverse(ctx context.Context, c Correction) (LedgerEntry, error) {
	reference := strings.TrimSpace(c.Reference)
	if reference == "" {
		return LedgerEntry{}, &ValidationError{Field: "reference", Reason: "required"}
	}
	original, err := l.store.CommissionForOrder(ctx, c.OrderID)
	if err != nil {
		return LedgerEntry{}, err
	}
	key := CorrectionKey(c.OrderID, reference)
	exists, err := l.store.EntryExists(ctx, key)
	if err != nil {
		return LedgerEntry{}, err
	}
	if exists {
		return LedgerEntry{}, ErrDuplicateEntry
	}

	amount := original.Commission.Neg()
	if c.Amount != nil {
		amount = c.Amount.Round()
	}

	prior, err := l.store.ListEntries(ctx, EntryFilter{OrderID: c.OrderID})
	if err != nil {
		return LedgerEntry{}, err
	}
	net := ZeroMoney(l.currency)
	for _, e := range prior {
		net = net.Add(e.Commission)
	}
	if net.Add(amount).IsNegative() {
		return LedgerEntry{}, &ValidationError{
			Field:  "amount",
			Reason: "correction exceeds remaining commission " + net.String(),
		}
	}

	return l.Record(ctx, LedgerEntry{
		AffiliateID:    original.AffiliateID,
		OrderID:        original.OrderID,
		PromoLinkID:    original.PromoLinkID,
		Type:           EntryCorrection,
		OrderAmount:    ZeroMoney(l.currency),
		Rate:           original.Rate,
		Commission:     amount,
		Reason:         c.Reason,
		IdempotencyKey: key,
	})
}

// =============================================================================
// READS
// =============================================================================

// Entries returns an affiliate's entries, optionally limited to one period.
func (l *Ledger) Entries(ctx context.Context, affiliateID AffiliateID, period *Period) ([]LedgerEntry, error) {
	return l.store.ListEntries(ctx, EntryFilter{AffiliateID: affiliateID, Period: period})
}

// HasCommission reports whether the order already earned a commission.
func (l *Ledger) HasCommission(ctx context.Context, orderID OrderID) (bool, error) {
	return l.store.EntryExists(ctx, CommissionKey(orderID))
}

// Earned sums every entry of the affiliate, corrections included.
func (l *Ledger) Earned(ctx context.Context, affiliateID AffiliateID) (Money, error) {
	entries, err := l.store.ListEntries(ctx, EntryFilter{AffiliateID: affiliateID})
	if err != nil {
		return Money{}, err
	}
	return SumEntries(l.currency, entries), nil
}

// SumEntries adds the commission of every entry.
func SumEntries(currency Currency, entries []LedgerEntry) Money {
	total := ZeroMoney(currency)
	for _, e := range entries {
		total = total.Add(e.Commission)
	}
	return total
}
