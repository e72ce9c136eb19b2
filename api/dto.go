/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupling the
  commission model from the wire contract. Amounts travel as decimal
  strings ("89.50") next to a currency code, never as floats.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry go-playground/validator tags for shape checks
  (required, lengths, enums). Domain rules (rate in [0,1], payout fields per
  method) stay in the commission package and surface as 400s the same way.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/link.go: LinkJSON, the create-link request body
*/
package api

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/warp/commission-engine/accrual"
	"github.com/warp/commission-engine/attribution"
	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/reporting"
	"github.com/warp/commission-engine/settlement"
)

// =============================================================================
// REQUESTS
// =============================================================================

type TrackRequest struct {
	VisitorID string            `json:"visitor_id" validate:"required,max=128"`
	Params    map[string]string `json:"params" validate:"required,min=1"`
	Referrer  string            `json:"referrer,omitempty" validate:"max=2048"`
}

type OrderCompletedRequest struct {
	OrderID     string    `json:"order_id" validate:"required,max=128"`
	Total       string    `json:"total" validate:"required,numeric"`
	Currency    string    `json:"currency" validate:"required,len=3"`
	PromoCode   string    `json:"promo_code,omitempty" validate:"max=64"`
	VisitorID   string    `json:"visitor_id,omitempty" validate:"max=128"`
	CompletedAt time.Time `json:"completed_at" validate:"required"`
}

type PayoutDTO struct {
	Method  string            `json:"method" validate:"required,oneof=bank_transfer paypal provider"`
	Details map[string]string `json:"details"`
}

type NotificationsDTO struct {
	SettlementEmails bool `json:"settlement_emails"`
	MonthlyReport    bool `json:"monthly_report"`
}

type RegisterAffiliateRequest struct {
	ID            string           `json:"id,omitempty" validate:"max=128"`
	Email         string           `json:"email" validate:"required,email"`
	DisplayName   string           `json:"display_name,omitempty" validate:"max=200"`
	Website       string           `json:"website,omitempty" validate:"omitempty,url"`
	Payout        PayoutDTO        `json:"payout"`
	Notifications NotificationsDTO `json:"notifications"`
}

type SetStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=pending active suspended"`
}

type PeriodRequest struct {
	Period string `json:"period" validate:"required,len=7"` // YYYY-MM
}

type SetRateRequest struct {
	CommissionRate string `json:"commission_rate" validate:"required,numeric"`
}

type CorrectionRequest struct {
	OrderID   string `json:"order_id" validate:"required"`
	Reference string `json:"reference" validate:"required,max=128"`
	Amount    string `json:"amount,omitempty" validate:"omitempty,numeric"` // empty = full reversal
	Reason    string `json:"reason,omitempty" validate:"max=500"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type AffiliateDTO struct {
	ID            string           `json:"id"`
	Email         string           `json:"email"`
	DisplayName   string           `json:"display_name,omitempty"`
	Website       string           `json:"website,omitempty"`
	Status        string           `json:"status"`
	Payout        PayoutDTO        `json:"payout"`
	Notifications NotificationsDTO `json:"notifications"`
	CreatedAt     string           `json:"created_at"`
}

type LinkDTO struct {
	ID             string    `json:"id"`
	AffiliateID    string    `json:"affiliate_id"`
	Code           string    `json:"code"`
	LandingURL     string    `json:"landing_url,omitempty"`
	DiscountType   string    `json:"discount_type"`
	DiscountValue  string    `json:"discount_value"`
	CommissionRate string    `json:"commission_rate"`
	UsageCount     int       `json:"usage_count"`
	UsageLimit     *int      `json:"usage_limit,omitempty"`
	ExpiresAt      string    `json:"expires_at,omitempty"`
	Status         string    `json:"status"`
	Stats          *StatsDTO `json:"stats,omitempty"`
}

type LedgerEntryDTO struct {
	ID          string `json:"id"`
	AffiliateID string `json:"affiliate_id"`
	OrderID     string `json:"order_id"`
	PromoLinkID string `json:"promo_link_id,omitempty"`
	Type        string `json:"type"`
	OrderAmount string `json:"order_amount"`
	Rate        string `json:"rate"`
	Commission  string `json:"commission"`
	Currency    string `json:"currency"`
	Reason      string `json:"reason,omitempty"`
	CreatedAt   string `json:"created_at"`
}

type SettlementDTO struct {
	ID              string `json:"id"`
	AffiliateID     string `json:"affiliate_id"`
	Period          string `json:"period"`
	Amount          string `json:"amount"`
	Currency        string `json:"currency"`
	Status          string `json:"status"`
	PayoutMethod    string `json:"payout_method"`
	PayoutReference string `json:"payout_reference,omitempty"`
	FailureReason   string `json:"failure_reason,omitempty"`
	Attempts        int    `json:"attempts"`
	RetryOf         string `json:"retry_of,omitempty"`
	CreatedAt       string `json:"created_at"`
	ProcessedAt     string `json:"processed_at,omitempty"`
}

type PendingCommissionDTO struct {
	AffiliateID string `json:"affiliate_id"`
	Currency    string `json:"currency"`
	Earned      string `json:"earned"`
	Settled     string `json:"settled"`
	InFlight    string `json:"in_flight"`
	Pending     string `json:"pending"`
	Payable     string `json:"payable"`
}

type StatsDTO struct {
	Clicks         int    `json:"clicks"`
	Conversions    int    `json:"conversions"`
	Revenue        string `json:"revenue"`
	Commission     string `json:"commission"`
	ConversionRate string `json:"conversion_rate"`
}

type AffiliateStatsDTO struct {
	AffiliateID string `json:"affiliate_id"`
	Period      string `json:"period,omitempty"`
	StatsDTO
}

type PeriodReportDTO struct {
	Period     string              `json:"period"`
	Currency   string              `json:"currency"`
	Totals     StatsDTO            `json:"totals"`
	Affiliates []AffiliateStatsDTO `json:"affiliates"`
}

type StatusTotalDTO struct {
	Count  int    `json:"count"`
	Amount string `json:"amount"`
}

type SettlementSummaryDTO struct {
	Period       string                    `json:"period,omitempty"` // empty = all time
	Currency     string                    `json:"currency"`
	TotalEarned  string                    `json:"total_earned"`
	TotalSettled string                    `json:"total_settled"`
	TotalPending string                    `json:"total_pending"`
	Failed       string                    `json:"failed"`
	ByStatus     map[string]StatusTotalDTO `json:"by_status"`
	Recent       []SettlementDTO           `json:"recent"`
}

type RunDTO struct {
	ID          string `json:"id"`
	Period      string `json:"period"`
	Trigger     string `json:"trigger"`
	Status      string `json:"status"`
	Processed   int    `json:"processed"`
	Failed      int    `json:"failed"`
	Skipped     int    `json:"skipped"`
	TotalAmount string `json:"total_amount"`
	Error       string `json:"error,omitempty"`
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at,omitempty"`
}

type AffiliateResultDTO struct {
	AffiliateID string         `json:"affiliate_id"`
	Outcome     string         `json:"outcome"`
	Settlement  *SettlementDTO `json:"settlement,omitempty"`
}

type BatchSummaryDTO struct {
	RunID       string               `json:"run_id"`
	Period      string               `json:"period"`
	Processed   int                  `json:"processed"`
	Failed      int                  `json:"failed"`
	Skipped     int                  `json:"skipped"`
	TotalAmount string               `json:"total_amount"`
	Cancelled   bool                 `json:"cancelled,omitempty"`
	Results     []AffiliateResultDTO `json:"results"`
}

type AccrualResultDTO struct {
	Outcome string          `json:"outcome"`
	Entry   *LedgerEntryDTO `json:"entry,omitempty"`
}

type AttributionDTO struct {
	Attributed  bool   `json:"attributed"`
	VisitorID   string `json:"visitor_id"`
	AffiliateID string `json:"affiliate_id,omitempty"`
	LinkCode    string `json:"link_code,omitempty"`
	ExpiresAt   string `json:"expires_at,omitempty"`
}

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

type FieldErrorDTO struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// =============================================================================
// VALIDATION
// =============================================================================

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// fieldErrors flattens validator output for the error body.
func fieldErrors(err error) []FieldErrorDTO {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	out := make([]FieldErrorDTO, 0, len(verrs))
	for _, fe := range verrs {
		reason := fe.Tag()
		if fe.Param() != "" {
			reason += "=" + fe.Param()
		}
		out = append(out, FieldErrorDTO{Field: fe.Namespace()[strings.Index(fe.Namespace(), ".")+1:], Reason: reason})
	}
	return out
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func toAffiliateDTO(a commission.Affiliate) AffiliateDTO {
	return AffiliateDTO{
		ID:          string(a.ID),
		Email:       a.Email,
		DisplayName: a.DisplayName,
		Website:     a.Website,
		Status:      string(a.Status),
		Payout:      PayoutDTO{Method: string(a.Payout.Method), Details: maskDetails(a.Payout.Details)},
		Notifications: NotificationsDTO{
			SettlementEmails: a.Notifications.SettlementEmails,
			MonthlyReport:    a.Notifications.MonthlyReport,
		},
		CreatedAt: formatTime(a.CreatedAt),
	}
}

// maskDetails hides all but the last four characters of account numbers.
func maskDetails(details map[string]string) map[string]string {
	out := make(map[string]string, len(details))
	for k, v := range details {
		if (k == "account_number" || k == "account_id") && len(v) > 4 {
			v = strings.Repeat("*", len(v)-4) + v[len(v)-4:]
		}
		out[k] = v
	}
	return out
}

func toLinkDTO(l commission.PromoLink) LinkDTO {
	return LinkDTO{
		ID:             string(l.ID),
		AffiliateID:    string(l.AffiliateID),
		Code:           l.Code,
		LandingURL:     l.LandingURL,
		DiscountType:   string(l.Discount.Type),
		DiscountValue:  l.Discount.Value.String(),
		CommissionRate: l.CommissionRate.String(),
		UsageCount:     l.UsageCount,
		UsageLimit:     l.UsageLimit,
		ExpiresAt:      formatTimePtr(l.ExpiresAt),
		Status:         string(l.Status),
	}
}

func toLedgerEntryDTO(e commission.LedgerEntry) LedgerEntryDTO {
	return LedgerEntryDTO{
		ID:          string(e.ID),
		AffiliateID: string(e.AffiliateID),
		OrderID:     string(e.OrderID),
		PromoLinkID: string(e.PromoLinkID),
		Type:        string(e.Type),
		OrderAmount: e.OrderAmount.StringFixed(),
		Rate:        e.Rate.String(),
		Commission:  e.Commission.StringFixed(),
		Currency:    string(e.Commission.Currency),
		Reason:      e.Reason,
		CreatedAt:   formatTime(e.CreatedAt),
	}
}

func toLedgerEntryDTOs(entries []commission.LedgerEntry) []LedgerEntryDTO {
	dtos := make([]LedgerEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toLedgerEntryDTO(e)
	}
	return dtos
}

func toSettlementDTO(s commission.Settlement) SettlementDTO {
	return SettlementDTO{
		ID:              string(s.ID),
		AffiliateID:     string(s.AffiliateID),
		Period:          s.Period.String(),
		Amount:          s.Amount.StringFixed(),
		Currency:        string(s.Amount.Currency),
		Status:          string(s.Status),
		PayoutMethod:    string(s.Payout.Method),
		PayoutReference: s.PayoutReference,
		FailureReason:   s.FailureReason,
		Attempts:        s.Attempts,
		RetryOf:         string(s.RetryOf),
		CreatedAt:       formatTime(s.CreatedAt),
		ProcessedAt:     formatTimePtr(s.ProcessedAt),
	}
}

func toSettlementDTOs(rows []commission.Settlement) []SettlementDTO {
	dtos := make([]SettlementDTO, len(rows))
	for i, s := range rows {
		dtos[i] = toSettlementDTO(s)
	}
	return dtos
}

func toPendingCommissionDTO(p reporting.PendingCommission) PendingCommissionDTO {
	return PendingCommissionDTO{
		AffiliateID: string(p.AffiliateID),
		Currency:    string(p.Earned.Currency),
		Earned:      p.Earned.StringFixed(),
		Settled:     p.Settled.StringFixed(),
		InFlight:    p.InFlight.StringFixed(),
		Pending:     p.Pending.StringFixed(),
		Payable:     p.Payable.StringFixed(),
	}
}

func toStatsDTO(s reporting.Stats) StatsDTO {
	return StatsDTO{
		Clicks:         s.Clicks,
		Conversions:    s.Conversions,
		Revenue:        s.Revenue.StringFixed(),
		Commission:     s.Commission.StringFixed(),
		ConversionRate: s.ConversionRate.StringFixed(4),
	}
}

func toAffiliateStatsDTO(s reporting.AffiliateStats) AffiliateStatsDTO {
	dto := AffiliateStatsDTO{AffiliateID: string(s.AffiliateID), StatsDTO: toStatsDTO(s.Stats)}
	if s.Period != nil {
		dto.Period = s.Period.String()
	}
	return dto
}

func toPeriodReportDTO(r reporting.PeriodReport) PeriodReportDTO {
	dto := PeriodReportDTO{
		Period:     r.Period.String(),
		Currency:   string(r.Totals.Commission.Currency),
		Totals:     toStatsDTO(r.Totals),
		Affiliates: make([]AffiliateStatsDTO, len(r.Affiliates)),
	}
	for i, a := range r.Affiliates {
		dto.Affiliates[i] = toAffiliateStatsDTO(a)
	}
	return dto
}

func toSettlementSummaryDTO(s reporting.SettlementSummary) SettlementSummaryDTO {
	dto := SettlementSummaryDTO{
		Currency:     string(s.Paid.Currency),
		TotalEarned:  s.Earned.StringFixed(),
		TotalSettled: s.Paid.StringFixed(),
		TotalPending: s.Pending.StringFixed(),
		Failed:       s.Failed.StringFixed(),
		ByStatus:     make(map[string]StatusTotalDTO, len(s.ByStatus)),
		Recent:       toSettlementDTOs(s.Recent),
	}
	if s.Period != nil {
		dto.Period = s.Period.String()
	}
	for status, t := range s.ByStatus {
		dto.ByStatus[string(status)] = StatusTotalDTO{Count: t.Count, Amount: t.Amount.StringFixed()}
	}
	return dto
}

func toRunDTO(r commission.SettlementRun) RunDTO {
	return RunDTO{
		ID:          string(r.ID),
		Period:      r.Period.String(),
		Trigger:     string(r.Trigger),
		Status:      string(r.Status),
		Processed:   r.Processed,
		Failed:      r.Failed,
		Skipped:     r.Skipped,
		TotalAmount: r.TotalAmount.StringFixed(),
		Error:       r.Error,
		StartedAt:   formatTime(r.StartedAt),
		CompletedAt: formatTimePtr(r.CompletedAt),
	}
}

func toAffiliateResultDTO(r settlement.AffiliateResult) AffiliateResultDTO {
	dto := AffiliateResultDTO{AffiliateID: string(r.AffiliateID), Outcome: string(r.Outcome)}
	if r.Settlement != nil {
		s := toSettlementDTO(*r.Settlement)
		dto.Settlement = &s
	}
	return dto
}

func toBatchSummaryDTO(s settlement.Summary) BatchSummaryDTO {
	dto := BatchSummaryDTO{
		RunID:       string(s.RunID),
		Period:      s.Period.String(),
		Processed:   s.Processed,
		Failed:      s.Failed,
		Skipped:     s.Skipped,
		TotalAmount: s.TotalAmount.StringFixed(),
		Cancelled:   s.Cancelled,
		Results:     make([]AffiliateResultDTO, len(s.Results)),
	}
	for i, r := range s.Results {
		dto.Results[i] = toAffiliateResultDTO(r)
	}
	return dto
}

func toAccrualResultDTO(r accrual.Result) AccrualResultDTO {
	dto := AccrualResultDTO{Outcome: string(r.Outcome)}
	if r.Entry != nil {
		e := toLedgerEntryDTO(*r.Entry)
		dto.Entry = &e
	}
	return dto
}

func toAttributionDTO(visitorID string, a attribution.Attribution, ok bool) AttributionDTO {
	if !ok {
		return AttributionDTO{VisitorID: visitorID}
	}
	return AttributionDTO{
		Attributed:  true,
		VisitorID:   a.VisitorID,
		AffiliateID: string(a.AffiliateID),
		LinkCode:    a.LinkCode,
		ExpiresAt:   formatTime(a.ExpiresAt),
	}
}
