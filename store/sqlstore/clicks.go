package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/warp/commission-engine/commission"
)

// =============================================================================
// CLICK STORE
// =============================================================================

func (s *Store) RecordClick(ctx context.Context, c commission.Click) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.exec(ctx, s.db, `
		INSERT INTO clicks (id, affiliate_id, link_code, visitor_id, ip_hash, user_agent_hash, referrer,
			utm_source, utm_medium, utm_campaign, utm_term, utm_content, clicked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(c.ID), string(c.AffiliateID), commission.NormalizeCode(c.LinkCode), c.VisitorID,
		c.IPHash, c.UserAgentHash, c.Referrer,
		c.Campaign.Source, c.Campaign.Medium, c.Campaign.Campaign, c.Campaign.Term, c.Campaign.Content,
		formatTime(c.At),
	)
	if err != nil {
		return fmt.Errorf("failed to record click: %w", err)
	}
	return nil
}

func (s *Store) CountClicks(ctx context.Context, f commission.ClickFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var w where
	if f.AffiliateID != "" {
		w.add("affiliate_id = ?", string(f.AffiliateID))
	}
	if f.LinkCode != "" {
		w.add("link_code = ?", commission.NormalizeCode(f.LinkCode))
	}
	w.addPeriod("clicked_at", f.Period)

	var count int
	if err := s.queryRow(ctx, "SELECT COUNT(*) FROM clicks"+w.String(), w.args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count clicks: %w", err)
	}
	return count, nil
}

// =============================================================================
// RUN STORE
// =============================================================================

const runColumns = `id, period, run_trigger, status, processed, failed, skipped,
	total_amount, currency, error, started_at, completed_at`

func (s *Store) CreateRun(ctx context.Context, r commission.SettlementRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.exec(ctx, s.db, `
		INSERT INTO settlement_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(r.ID), r.Period.String(), string(r.Trigger), string(r.Status),
		r.Processed, r.Failed, r.Skipped,
		r.TotalAmount.Amount.String(), string(r.TotalAmount.Currency), r.Error,
		formatTime(r.StartedAt), formatTimePtr(r.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create settlement run: %w", err)
	}
	return nil
}

func (s *Store) UpdateRun(ctx context.Context, r commission.SettlementRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.exec(ctx, s.db, `
		UPDATE settlement_runs SET
			status = ?, processed = ?, failed = ?, skipped = ?, total_amount = ?, currency = ?,
			error = ?, completed_at = ?
		WHERE id = ?`,
		string(r.Status), r.Processed, r.Failed, r.Skipped,
		r.TotalAmount.Amount.String(), string(r.TotalAmount.Currency),
		r.Error, formatTimePtr(r.CompletedAt), string(r.ID),
	)
	if err != nil {
		return fmt.Errorf("failed to update settlement run: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return commission.ErrNotFound
	}
	return nil
}

func (s *Store) ListRuns(ctx context.Context, period *commission.Period, limit int) ([]commission.SettlementRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var w where
	if period != nil {
		w.add("period = ?", period.String())
	}
	query := "SELECT " + runColumns + " FROM settlement_runs" + w.String() + " ORDER BY started_at DESC, id DESC"
	args := w.args
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query settlement runs: %w", err)
	}
	defer rows.Close()

	var runs []commission.SettlementRun
	for rows.Next() {
		var (
			r                               commission.SettlementRun
			id, runPeriod, trigger, status  string
			total, currency, startedAt      string
			completedAt                     sql.NullString
		)
		if err := rows.Scan(
			&id, &runPeriod, &trigger, &status, &r.Processed, &r.Failed, &r.Skipped,
			&total, &currency, &r.Error, &startedAt, &completedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan settlement run: %w", err)
		}
		r.ID = commission.RunID(id)
		r.Period, _ = commission.ParsePeriod(runPeriod)
		r.Trigger = commission.RunTrigger(trigger)
		r.Status = commission.RunStatus(status)
		r.TotalAmount = commission.NewMoney(parseDecimal(total), commission.Currency(currency))
		r.StartedAt = parseTime(startedAt)
		r.CompletedAt = parseTimePtr(completedAt)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
