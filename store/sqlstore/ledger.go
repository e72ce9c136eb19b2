package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/commission-engine/commission"
)

// =============================================================================
// LEDGER STORE (commission.LedgerStore interface)
// =============================================================================

const entryColumns = `id, affiliate_id, order_id, promo_link_id, entry_type, order_amount,
	rate, commission, currency, reason, idempotency_key, created_at`

// AppendEntry inserts an entry. Append-only: there is no UPDATE or DELETE
// on ledger_entries anywhere in this package.
func (s *Store) AppendEntry(ctx context.Context, e commission.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.exec(ctx, s.db, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(e.ID),
		string(e.AffiliateID),
		string(e.OrderID),
		string(e.PromoLinkID),
		string(e.Type),
		e.OrderAmount.Amount.String(),
		e.Rate.String(),
		e.Commission.Amount.String(),
		string(e.Commission.Currency),
		e.Reason,
		e.IdempotencyKey,
		formatTime(e.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return commission.ErrDuplicateEntry
		}
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

func (s *Store) EntryExists(ctx context.Context, idempotencyKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.queryRow(ctx,
		"SELECT COUNT(*) FROM ledger_entries WHERE idempotency_key = ?",
		idempotencyKey,
	).Scan(&count)
	return count > 0, err
}

func (s *Store) CommissionForOrder(ctx context.Context, orderID commission.OrderID) (commission.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := s.queryEntries(ctx,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE order_id = ? AND entry_type = ?",
		string(orderID), string(commission.EntryCommission),
	)
	if err != nil {
		return commission.LedgerEntry{}, err
	}
	if len(entries) == 0 {
		return commission.LedgerEntry{}, commission.ErrNotFound
	}
	return entries[0], nil
}

func (s *Store) ListEntries(ctx context.Context, f commission.EntryFilter) ([]commission.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var w where
	if f.AffiliateID != "" {
		w.add("affiliate_id = ?", string(f.AffiliateID))
	}
	if f.PromoLinkID != "" {
		w.add("promo_link_id = ?", string(f.PromoLinkID))
	}
	if f.OrderID != "" {
		w.add("order_id = ?", string(f.OrderID))
	}
	w.addPeriod("created_at", f.Period)

	return s.queryEntries(ctx,
		"SELECT "+entryColumns+" FROM ledger_entries"+w.String()+" ORDER BY created_at, id",
		w.args...,
	)
}

func (s *Store) AffiliatesWithEntries(ctx context.Context) ([]commission.AffiliateID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.query(ctx, "SELECT DISTINCT affiliate_id FROM ledger_entries ORDER BY affiliate_id")
	if err != nil {
		return nil, fmt.Errorf("failed to query affiliates with entries: %w", err)
	}
	defer rows.Close()

	var ids []commission.AffiliateID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, commission.AffiliateID(id))
	}
	return ids, rows.Err()
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]commission.LedgerEntry, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []commission.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(rows *sql.Rows) (commission.LedgerEntry, error) {
	var (
		e                                    commission.LedgerEntry
		id, affiliateID, orderID, linkID     string
		entryType, orderAmount, rate, amount string
		currency, createdAt                  string
	)
	err := rows.Scan(
		&id, &affiliateID, &orderID, &linkID, &entryType, &orderAmount,
		&rate, &amount, &currency, &e.Reason, &e.IdempotencyKey, &createdAt,
	)
	if err != nil {
		return e, fmt.Errorf("failed to scan ledger entry: %w", err)
	}

	cur := commission.Currency(currency)
	e.ID = commission.EntryID(id)
	e.AffiliateID = commission.AffiliateID(affiliateID)
	e.OrderID = commission.OrderID(orderID)
	e.PromoLinkID = commission.PromoLinkID(linkID)
	e.Type = commission.EntryType(entryType)
	e.OrderAmount = commission.NewMoney(parseDecimal(orderAmount), cur)
	e.Rate = parseDecimal(rate)
	e.Commission = commission.NewMoney(parseDecimal(amount), cur)
	e.CreatedAt = parseTime(createdAt)
	return e, nil
}

// notFound maps sql.ErrNoRows to the given sentinel.
func notFound(err error, sentinel error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return sentinel
	}
	return err
}
