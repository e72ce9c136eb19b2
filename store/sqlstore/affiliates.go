package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/warp/commission-engine/commission"
)

// =============================================================================
// AFFILIATE STORE
// =============================================================================

const affiliateColumns = `id, email, display_name, website, payout_method, payout_details_json,
	notify_settlement, notify_monthly, status, created_at, updated_at`

func (s *Store) CreateAffiliate(ctx context.Context, a commission.Affiliate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	details, err := json.Marshal(a.Payout.Details)
	if err != nil {
		return fmt.Errorf("failed to encode payout details: %w", err)
	}
	_, err = s.exec(ctx, s.db, `
		INSERT INTO affiliates (`+affiliateColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(a.ID), a.Email, a.DisplayName, a.Website,
		string(a.Payout.Method), string(details),
		boolToInt(a.Notifications.SettlementEmails), boolToInt(a.Notifications.MonthlyReport),
		string(a.Status), formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return commission.ErrDuplicateAffiliate
		}
		return fmt.Errorf("failed to create affiliate: %w", err)
	}
	return nil
}

func (s *Store) GetAffiliate(ctx context.Context, id commission.AffiliateID) (commission.Affiliate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, err := scanAffiliate(s.queryRow(ctx, "SELECT "+affiliateColumns+" FROM affiliates WHERE id = ?", string(id)))
	if err != nil {
		return commission.Affiliate{}, notFound(err, commission.ErrAffiliateNotFound)
	}
	return a, nil
}

func (s *Store) ListAffiliates(ctx context.Context, status commission.AffiliateStatus) ([]commission.Affiliate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var w where
	if status != "" {
		w.add("status = ?", string(status))
	}
	rows, err := s.query(ctx, "SELECT "+affiliateColumns+" FROM affiliates"+w.String()+" ORDER BY id", w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query affiliates: %w", err)
	}
	defer rows.Close()

	var result []commission.Affiliate
	for rows.Next() {
		a, err := scanAffiliate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan affiliate: %w", err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (s *Store) UpdateAffiliate(ctx context.Context, a commission.Affiliate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	details, err := json.Marshal(a.Payout.Details)
	if err != nil {
		return fmt.Errorf("failed to encode payout details: %w", err)
	}
	res, err := s.exec(ctx, s.db, `
		UPDATE affiliates SET
			email = ?, display_name = ?, website = ?, payout_method = ?, payout_details_json = ?,
			notify_settlement = ?, notify_monthly = ?, status = ?, updated_at = ?
		WHERE id = ?`,
		a.Email, a.DisplayName, a.Website, string(a.Payout.Method), string(details),
		boolToInt(a.Notifications.SettlementEmails), boolToInt(a.Notifications.MonthlyReport),
		string(a.Status), formatTime(a.UpdatedAt), string(a.ID),
	)
	if err != nil {
		return fmt.Errorf("failed to update affiliate: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return commission.ErrAffiliateNotFound
	}
	return nil
}

func scanAffiliate(row scanner) (commission.Affiliate, error) {
	var (
		a                          commission.Affiliate
		id, method, details        string
		status, createdAt, updated string
		notifySettle, notifyMonth  int
	)
	err := row.Scan(
		&id, &a.Email, &a.DisplayName, &a.Website, &method, &details,
		&notifySettle, &notifyMonth, &status, &createdAt, &updated,
	)
	if err != nil {
		return a, err
	}
	a.ID = commission.AffiliateID(id)
	a.Payout = commission.PayoutConfig{Method: commission.PayoutMethod(method), Details: map[string]string{}}
	_ = json.Unmarshal([]byte(details), &a.Payout.Details)
	a.Notifications = commission.NotificationPrefs{SettlementEmails: notifySettle == 1, MonthlyReport: notifyMonth == 1}
	a.Status = commission.AffiliateStatus(status)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updated)
	return a, nil
}

// =============================================================================
// PROMO STORE
// =============================================================================

const linkColumns = `id, affiliate_id, code, landing_url, discount_type, discount_value,
	commission_rate, usage_count, usage_limit, expires_at, status, created_at, updated_at`

func (s *Store) CreateLink(ctx context.Context, l commission.PromoLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.exec(ctx, s.db, `
		INSERT INTO promo_links (`+linkColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(l.ID), string(l.AffiliateID), commission.NormalizeCode(l.Code), l.LandingURL,
		string(discountType(l.Discount.Type)), l.Discount.Value.String(),
		l.CommissionRate.String(), l.UsageCount, nullInt(l.UsageLimit),
		formatTimePtr(l.ExpiresAt), string(l.Status), formatTime(l.CreatedAt), formatTime(l.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return commission.ErrDuplicateCode
		}
		return fmt.Errorf("failed to create promo link: %w", err)
	}
	return nil
}

func (s *Store) GetLink(ctx context.Context, id commission.PromoLinkID) (commission.PromoLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, err := scanLink(s.queryRow(ctx, "SELECT "+linkColumns+" FROM promo_links WHERE id = ?", string(id)))
	if err != nil {
		return commission.PromoLink{}, notFound(err, commission.ErrLinkNotFound)
	}
	return l, nil
}

func (s *Store) GetLinkByCode(ctx context.Context, code string) (commission.PromoLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, err := scanLink(s.queryRow(ctx, "SELECT "+linkColumns+" FROM promo_links WHERE code = ?", commission.NormalizeCode(code)))
	if err != nil {
		return commission.PromoLink{}, notFound(err, commission.ErrLinkNotFound)
	}
	return l, nil
}

func (s *Store) ListLinks(ctx context.Context, affiliateID commission.AffiliateID) ([]commission.PromoLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var w where
	if affiliateID != "" {
		w.add("affiliate_id = ?", string(affiliateID))
	}
	rows, err := s.query(ctx, "SELECT "+linkColumns+" FROM promo_links"+w.String()+" ORDER BY created_at, id", w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query promo links: %w", err)
	}
	defer rows.Close()

	var result []commission.PromoLink
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan promo link: %w", err)
		}
		result = append(result, l)
	}
	return result, rows.Err()
}

func (s *Store) UpdateLinkTerms(ctx context.Context, l commission.PromoLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.exec(ctx, s.db, `
		UPDATE promo_links SET
			landing_url = ?, discount_type = ?, discount_value = ?, commission_rate = ?,
			usage_limit = ?, expires_at = ?, status = ?, updated_at = ?
		WHERE id = ?`,
		l.LandingURL, string(discountType(l.Discount.Type)), l.Discount.Value.String(), l.CommissionRate.String(),
		nullInt(l.UsageLimit), formatTimePtr(l.ExpiresAt), string(l.Status), formatTime(l.UpdatedAt),
		string(l.ID),
	)
	if err != nil {
		return fmt.Errorf("failed to update promo link: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return commission.ErrLinkNotFound
	}
	return nil
}

// ReserveUsage is a single conditional UPDATE: two checkouts racing for the
// last use cannot both match the WHERE clause.
func (s *Store) ReserveUsage(ctx context.Context, id commission.PromoLinkID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.exec(ctx, s.db, `
		UPDATE promo_links SET usage_count = usage_count + 1, updated_at = ?
		WHERE id = ? AND (usage_limit IS NULL OR usage_count < usage_limit)`,
		formatTime(time.Now()), string(id),
	)
	if err != nil {
		return fmt.Errorf("failed to reserve usage: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	return s.missingOr(ctx, id, commission.ErrLimitExceeded)
}

func (s *Store) ReleaseUsage(ctx context.Context, id commission.PromoLinkID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.exec(ctx, s.db, `
		UPDATE promo_links SET usage_count = usage_count - 1, updated_at = ?
		WHERE id = ? AND usage_count > 0`,
		formatTime(time.Now()), string(id),
	)
	if err != nil {
		return fmt.Errorf("failed to release usage: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	return s.missingOr(ctx, id, nil)
}

// missingOr returns ErrLinkNotFound if the link does not exist, otherwise fallback.
func (s *Store) missingOr(ctx context.Context, id commission.PromoLinkID, fallback error) error {
	var count int
	if err := s.queryRow(ctx, "SELECT COUNT(*) FROM promo_links WHERE id = ?", string(id)).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		return commission.ErrLinkNotFound
	}
	return fallback
}

func scanLink(row scanner) (commission.PromoLink, error) {
	var (
		l                                  commission.PromoLink
		id, affiliateID, dType, dValue     string
		rate, status, createdAt, updatedAt string
		usageLimit                         sql.NullInt64
		expiresAt                          sql.NullString
	)
	err := row.Scan(
		&id, &affiliateID, &l.Code, &l.LandingURL, &dType, &dValue,
		&rate, &l.UsageCount, &usageLimit, &expiresAt, &status, &createdAt, &updatedAt,
	)
	if err != nil {
		return l, err
	}
	l.ID = commission.PromoLinkID(id)
	l.AffiliateID = commission.AffiliateID(affiliateID)
	l.Discount = commission.Discount{Type: commission.DiscountType(dType), Value: parseDecimal(dValue)}
	l.CommissionRate = parseDecimal(rate)
	if usageLimit.Valid {
		limit := int(usageLimit.Int64)
		l.UsageLimit = &limit
	}
	l.ExpiresAt = parseTimePtr(expiresAt)
	l.Status = commission.LinkStatus(status)
	l.CreatedAt = parseTime(createdAt)
	l.UpdatedAt = parseTime(updatedAt)
	return l, nil
}

func discountType(t commission.DiscountType) commission.DiscountType {
	if t == "" {
		return commission.DiscountNone
	}
	return t
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
