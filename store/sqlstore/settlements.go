package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/warp/commission-engine/commission"
)

// =============================================================================
// SETTLEMENT STORE (commission.SettlementStore interface)
// =============================================================================

const settlementColumns = `id, affiliate_id, period, amount, currency, status, payout_method,
	payout_details_json, payout_reference, failure_reason, note, attempts, retry_of,
	created_at, processing_at, processed_at, updated_at`

// CreateSettlement relies on idx_settlements_live: a concurrent insert for
// the same (affiliate, period) loses with ErrDuplicateSettlement.
func (s *Store) CreateSettlement(ctx context.Context, st commission.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	details, err := json.Marshal(st.Payout.Details)
	if err != nil {
		return fmt.Errorf("failed to encode payout details: %w", err)
	}

	_, err = s.exec(ctx, s.db, `
		INSERT INTO settlements (`+settlementColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(st.ID),
		string(st.AffiliateID),
		st.Period.String(),
		st.Amount.Amount.String(),
		string(st.Amount.Currency),
		string(st.Status),
		string(st.Payout.Method),
		string(details),
		st.PayoutReference,
		st.FailureReason,
		st.Note,
		st.Attempts,
		string(st.RetryOf),
		formatTime(st.CreatedAt),
		formatTimePtr(st.ProcessingAt),
		formatTimePtr(st.ProcessedAt),
		formatTime(st.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return commission.ErrDuplicateSettlement
		}
		return fmt.Errorf("failed to create settlement: %w", err)
	}
	return nil
}

func (s *Store) GetSettlement(ctx context.Context, id commission.SettlementID) (commission.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.queryRow(ctx, "SELECT "+settlementColumns+" FROM settlements WHERE id = ?", string(id))
	st, err := scanSettlement(row)
	if err != nil {
		return commission.Settlement{}, notFound(err, commission.ErrSettlementNotFound)
	}
	return st, nil
}

func (s *Store) ListSettlements(ctx context.Context, f commission.SettlementFilter) ([]commission.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var w where
	if f.AffiliateID != "" {
		w.add("affiliate_id = ?", string(f.AffiliateID))
	}
	if f.Period != nil {
		w.add("period = ?", f.Period.String())
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		args := make([]any, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args[i] = string(st)
		}
		w.add("status IN ("+strings.Join(marks, ", ")+")", args...)
	}
	if f.ProcessingBefore != nil {
		w.add("processing_at IS NOT NULL AND processing_at < ?", formatTime(*f.ProcessingBefore))
	}

	query := "SELECT " + settlementColumns + " FROM settlements" + w.String() + " ORDER BY created_at DESC, id DESC"
	args := w.args
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query settlements: %w", err)
	}
	defer rows.Close()

	var result []commission.Settlement
	for rows.Next() {
		st, err := scanSettlement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan settlement: %w", err)
		}
		result = append(result, st)
	}
	return result, rows.Err()
}

// TransitionSettlement is a compare-and-set on status.
func (s *Store) TransitionSettlement(ctx context.Context, st commission.Settlement, from commission.SettlementStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.exec(ctx, s.db, `
		UPDATE settlements SET
			status = ?, payout_reference = ?, failure_reason = ?, note = ?, attempts = ?,
			processing_at = ?, processed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(st.Status),
		st.PayoutReference,
		st.FailureReason,
		st.Note,
		st.Attempts,
		formatTimePtr(st.ProcessingAt),
		formatTimePtr(st.ProcessedAt),
		formatTime(st.UpdatedAt),
		string(st.ID),
		string(from),
	)
	if err != nil {
		return fmt.Errorf("failed to update settlement: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var count int
	if err := s.queryRow(ctx, "SELECT COUNT(*) FROM settlements WHERE id = ?", string(st.ID)).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		return commission.ErrSettlementNotFound
	}
	return commission.ErrConcurrentModification
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSettlement(row scanner) (commission.Settlement, error) {
	var (
		st                                        commission.Settlement
		id, affiliateID, period, amount, currency string
		status, method, details, retryOf          string
		createdAt, updatedAt                      string
		processingAt, processedAt                 sql.NullString
	)
	err := row.Scan(
		&id, &affiliateID, &period, &amount, &currency, &status, &method,
		&details, &st.PayoutReference, &st.FailureReason, &st.Note, &st.Attempts, &retryOf,
		&createdAt, &processingAt, &processedAt, &updatedAt,
	)
	if err != nil {
		return st, err
	}

	st.ID = commission.SettlementID(id)
	st.AffiliateID = commission.AffiliateID(affiliateID)
	st.Period, _ = commission.ParsePeriod(period)
	st.Amount = commission.NewMoney(parseDecimal(amount), commission.Currency(currency))
	st.Status = commission.SettlementStatus(status)
	st.Payout = commission.PayoutConfig{Method: commission.PayoutMethod(method), Details: map[string]string{}}
	_ = json.Unmarshal([]byte(details), &st.Payout.Details)
	st.RetryOf = commission.SettlementID(retryOf)
	st.CreatedAt = parseTime(createdAt)
	st.UpdatedAt = parseTime(updatedAt)
	st.ProcessingAt = parseTimePtr(processingAt)
	st.ProcessedAt = parseTimePtr(processedAt)
	return st, nil
}
