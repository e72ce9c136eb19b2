/*
handlers.go - HTTP API handlers for the commission engine

PURPOSE:
  Exposes tracking, order webhooks, affiliate self-service, reporting and
  admin settlement operations over REST. Handlers parse and validate the
  request, call one component, and serialize the result.

ENDPOINTS:
  Tracking:
    GET    /r/{code}                          Capture + redirect to landing URL
    POST   /api/track                         Capture from JSON (headless storefronts)

  Orders:
    POST   /api/webhooks/order-completed      Accrue commission for an order

  Affiliates:
    POST   /api/affiliates                    Register
    GET    /api/affiliates                    List
    GET    /api/affiliates/{id}               Get
    PUT    /api/affiliates/{id}/payout        Replace payout method (owner or admin)
    PUT    /api/affiliates/{id}/notifications Replace e-mail preferences (owner or admin)
    GET    /api/affiliates/{id}/commission    Earned vs settled
    GET    /api/affiliates/{id}/ledger        Ledger entries (?period=YYYY-MM)
    GET    /api/affiliates/{id}/settlements   Settlement history
    GET    /api/affiliates/{id}/stats         Rollup (?period=YYYY-MM)
    GET    /api/affiliates/{id}/links         Links with per-link stats

  Admin (role=admin bearer token):
    POST   /api/admin/settlements/run         Settle a period
    POST   /api/admin/settlements/{id}/process  Pay pending / retry failed
    GET    /api/admin/settlements/summary     Totals by status (?period=YYYY-MM)
    GET    /api/admin/settlements/runs        Batch history
    POST   /api/admin/affiliates/{id}/status  Activate / suspend
    POST   /api/admin/affiliates/{id}/settle  Settle one affiliate
    POST   /api/admin/affiliates/{id}/links   Create link
    POST   /api/admin/links/{id}/deactivate   Stop crediting a link
    PUT    /api/admin/links/{id}/rate         Change rate for future orders
    POST   /api/admin/ledger/corrections      Refund / chargeback correction

ERROR HANDLING:
  Errors are returned as {"error", "details"} with:
  - 400: validation errors, malformed input
  - 404: affiliate, link or settlement not found
  - 409: duplicates, concurrent modification
  - 422: currency mismatch, disallowed status transition
  - 500: persistence failures (webhook callers retry on these)

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Dev seed loader
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/accrual"
	"github.com/warp/commission-engine/attribution"
	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/factory"
	"github.com/warp/commission-engine/promo"
	"github.com/warp/commission-engine/reporting"
	"github.com/warp/commission-engine/settlement"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store       commission.Store
	Affiliates  *promo.Affiliates
	Links       *promo.Registry
	LinkFactory *factory.LinkFactory
	Tracker     *attribution.Tracker
	Throttle    *attribution.Throttle
	Accrual     *accrual.Engine
	Settlements *settlement.Processor
	Reports     *reporting.Reporter
	Currency    commission.Currency

	Log      *slog.Logger
	validate *validator.Validate

	scenarioMu      sync.Mutex
	currentScenario string
}

// Deps are the components a Handler serves.
type Deps struct {
	Store       commission.Store
	Affiliates  *promo.Affiliates
	Links       *promo.Registry
	Tracker     *attribution.Tracker
	Throttle    *attribution.Throttle
	Accrual     *accrual.Engine
	Settlements *settlement.Processor
	Reports     *reporting.Reporter
	Currency    commission.Currency
	Log         *slog.Logger
}

func NewHandler(d Deps) *Handler {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	return &Handler{
		Store:       d.Store,
		Affiliates:  d.Affiliates,
		Links:       d.Links,
		LinkFactory: factory.NewLinkFactory(),
		Tracker:     d.Tracker,
		Throttle:    d.Throttle,
		Accrual:     d.Accrual,
		Settlements: d.Settlements,
		Reports:     d.Reports,
		Currency:    d.Currency,
		Log:         d.Log,
		validate:    newValidator(),
	}
}

// =============================================================================
// TRACKING HANDLERS
// =============================================================================

// TrackRedirect captures the referral in the path and sends the visitor to
// the link's landing page with referral parameters removed.
func (h *Handler) TrackRedirect(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	q := r.URL.Query()
	q.Set("ref", code)
	capture := r.Clone(r.Context())
	capture.URL.RawQuery = q.Encode()
	attribution.CaptureRequest(w, capture, h.Tracker, h.Throttle, h.Log)

	target := "/"
	if link, err := h.Links.Resolve(r.Context(), code); err == nil && link.LandingURL != "" {
		target = link.LandingURL
	}
	dest, err := url.Parse(target)
	if err != nil {
		dest = &url.URL{Path: "/"}
	}
	// Non-referral query parameters carry over to the landing page.
	kept := dest.Query()
	for k, v := range r.URL.Query() {
		if _, set := kept[k]; !set {
			kept[k] = v
		}
	}
	dest.RawQuery = kept.Encode()
	http.Redirect(w, r, attribution.StripParams(dest).String(), http.StatusFound)
}

// Track captures an attribution reported by a storefront backend.
func (h *Handler) Track(w http.ResponseWriter, r *http.Request) {
	var req TrackRequest
	if !h.decode(w, r, &req) {
		return
	}
	params := url.Values{}
	for k, v := range req.Params {
		params.Set(k, v)
	}

	ip := attribution.ClientIP(r)
	if !h.Throttle.Allow(ip) {
		// Throttled visits proceed unattributed.
		writeJSON(w, http.StatusOK, toAttributionDTO(req.VisitorID, attribution.Attribution{}, false))
		return
	}
	a, ok, err := h.Tracker.Capture(r.Context(), attribution.Visit{
		VisitorID: req.VisitorID,
		Params:    params,
		Referrer:  req.Referrer,
		IP:        ip,
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		h.Log.Error("attribution capture failed", "visitor_id", req.VisitorID, "error", err)
		ok = false
	}
	writeJSON(w, http.StatusOK, toAttributionDTO(req.VisitorID, a, ok))
}

// =============================================================================
// ORDER WEBHOOK
// =============================================================================

// OrderCompleted accrues commission for a completed order. Absorbed
// outcomes (no attribution, limit reached, duplicate) are 200s; only
// persistence failures are 5xx so the storefront redelivers.
func (h *Handler) OrderCompleted(w http.ResponseWriter, r *http.Request) {
	var req OrderCompletedRequest
	if !h.decode(w, r, &req) {
		return
	}
	total, err := commission.ParseMoney(req.Total, commission.NormalizeCurrency(req.Currency))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid total", err)
		return
	}

	res, err := h.Accrual.OrderCompleted(r.Context(), accrual.OrderCompleted{
		OrderID:     commission.OrderID(req.OrderID),
		Total:       total,
		PromoCode:   req.PromoCode,
		VisitorID:   req.VisitorID,
		CompletedAt: req.CompletedAt,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to process order", err)
		return
	}
	status := http.StatusOK
	if res.Outcome == accrual.OutcomeCredited {
		status = http.StatusCreated
	}
	writeJSON(w, status, toAccrualResultDTO(res))
}

// =============================================================================
// AFFILIATE HANDLERS
// =============================================================================

func (h *Handler) RegisterAffiliate(w http.ResponseWriter, r *http.Request) {
	var req RegisterAffiliateRequest
	if !h.decode(w, r, &req) {
		return
	}
	a, err := h.Affiliates.Register(r.Context(), promo.Registration{
		ID:          commission.AffiliateID(req.ID),
		Email:       req.Email,
		DisplayName: req.DisplayName,
		Website:     req.Website,
		Payout:      toPayoutConfig(req.Payout),
		Notifications: commission.NotificationPrefs{
			SettlementEmails: req.Notifications.SettlementEmails,
			MonthlyReport:    req.Notifications.MonthlyReport,
		},
	})
	if err != nil {
		h.writeDomainError(w, "Failed to register affiliate", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAffiliateDTO(a))
}

func (h *Handler) ListAffiliates(w http.ResponseWriter, r *http.Request) {
	affiliates, err := h.Affiliates.List(r.Context(), commission.AffiliateStatus(r.URL.Query().Get("status")))
	if err != nil {
		h.writeDomainError(w, "Failed to list affiliates", err)
		return
	}
	dtos := make([]AffiliateDTO, len(affiliates))
	for i, a := range affiliates {
		dtos[i] = toAffiliateDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetAffiliate(w http.ResponseWriter, r *http.Request) {
	a, err := h.Affiliates.Get(r.Context(), affiliateParam(r))
	if err != nil {
		h.writeDomainError(w, "Failed to get affiliate", err)
		return
	}
	writeJSON(w, http.StatusOK, toAffiliateDTO(a))
}

func (h *Handler) UpdatePayout(w http.ResponseWriter, r *http.Request) {
	var req PayoutDTO
	if !h.decode(w, r, &req) {
		return
	}
	a, err := h.Affiliates.UpdatePayout(r.Context(), affiliateParam(r), toPayoutConfig(req))
	if err != nil {
		h.writeDomainError(w, "Failed to update payout method", err)
		return
	}
	writeJSON(w, http.StatusOK, toAffiliateDTO(a))
}

func (h *Handler) UpdateNotifications(w http.ResponseWriter, r *http.Request) {
	var req NotificationsDTO
	if !h.decode(w, r, &req) {
		return
	}
	a, err := h.Affiliates.UpdateNotifications(r.Context(), affiliateParam(r), commission.NotificationPrefs{
		SettlementEmails: req.SettlementEmails,
		MonthlyReport:    req.MonthlyReport,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to update notification preferences", err)
		return
	}
	writeJSON(w, http.StatusOK, toAffiliateDTO(a))
}

func (h *Handler) GetPendingCommission(w http.ResponseWriter, r *http.Request) {
	p, err := h.Reports.GetPendingCommission(r.Context(), affiliateParam(r))
	if err != nil {
		h.writeDomainError(w, "Failed to get commission", err)
		return
	}
	writeJSON(w, http.StatusOK, toPendingCommissionDTO(p))
}

func (h *Handler) ListLedgerEntries(w http.ResponseWriter, r *http.Request) {
	period, ok := periodQuery(w, r)
	if !ok {
		return
	}
	entries, err := h.Reports.ListLedgerEntries(r.Context(), affiliateParam(r), period)
	if err != nil {
		h.writeDomainError(w, "Failed to list ledger entries", err)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerEntryDTOs(entries))
}

func (h *Handler) ListSettlements(w http.ResponseWriter, r *http.Request) {
	id := affiliateParam(r)
	if _, err := h.Affiliates.Get(r.Context(), id); err != nil {
		h.writeDomainError(w, "Failed to get affiliate", err)
		return
	}
	rows, err := h.Settlements.History(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to list settlements", err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementDTOs(rows))
}

func (h *Handler) GetAffiliateStats(w http.ResponseWriter, r *http.Request) {
	period, ok := periodQuery(w, r)
	if !ok {
		return
	}
	stats, err := h.Reports.AffiliateStats(r.Context(), affiliateParam(r), period)
	if err != nil {
		h.writeDomainError(w, "Failed to get stats", err)
		return
	}
	writeJSON(w, http.StatusOK, toAffiliateStatsDTO(stats))
}

func (h *Handler) ListLinks(w http.ResponseWriter, r *http.Request) {
	period, ok := periodQuery(w, r)
	if !ok {
		return
	}
	id := affiliateParam(r)
	if _, err := h.Affiliates.Get(r.Context(), id); err != nil {
		h.writeDomainError(w, "Failed to get affiliate", err)
		return
	}
	links, err := h.Reports.LinkStats(r.Context(), id, period)
	if err != nil {
		h.writeDomainError(w, "Failed to list links", err)
		return
	}
	dtos := make([]LinkDTO, len(links))
	for i, l := range links {
		dtos[i] = toLinkDTO(l.Link)
		stats := toStatsDTO(l.Stats)
		dtos[i].Stats = &stats
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateLink takes a factory.LinkJSON body; the affiliate comes from the path.
func (h *Handler) CreateLink(w http.ResponseWriter, r *http.Request) {
	var lj factory.LinkJSON
	if err := json.NewDecoder(r.Body).Decode(&lj); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	lj.AffiliateID = string(affiliateParam(r))
	in, err := h.LinkFactory.FromJSON(lj)
	if err != nil {
		h.writeDomainError(w, "Invalid link definition", err)
		return
	}
	link, err := h.Links.Create(r.Context(), in)
	if err != nil {
		h.writeDomainError(w, "Failed to create link", err)
		return
	}
	writeJSON(w, http.StatusCreated, toLinkDTO(link))
}

// =============================================================================
// REPORT HANDLERS
// =============================================================================

func (h *Handler) GetPeriodReport(w http.ResponseWriter, r *http.Request) {
	period, err := commission.ParsePeriod(chi.URLParam(r, "period"))
	if err != nil {
		h.writeDomainError(w, "Invalid period", err)
		return
	}
	report, err := h.Reports.PeriodReport(r.Context(), period)
	if err != nil {
		h.writeDomainError(w, "Failed to build report", err)
		return
	}
	writeJSON(w, http.StatusOK, toPeriodReportDTO(report))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// RunSettlementBatch settles a period synchronously. A client disconnect
// stops the batch between affiliates; the run is recorded as cancelled.
func (h *Handler) RunSettlementBatch(w http.ResponseWriter, r *http.Request) {
	var req PeriodRequest
	if !h.decode(w, r, &req) {
		return
	}
	period, err := commission.ParsePeriod(req.Period)
	if err != nil {
		h.writeDomainError(w, "Invalid period", err)
		return
	}
	summary, err := h.Settlements.RunBatch(r.Context(), period, commission.TriggerManual)
	if err != nil && summary.RunID == "" {
		h.writeDomainError(w, "Failed to run settlement batch", err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchSummaryDTO(summary))
}

func (h *Handler) ProcessSettlement(w http.ResponseWriter, r *http.Request) {
	s, err := h.Settlements.ProcessSettlement(r.Context(), commission.SettlementID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to process settlement", err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementDTO(s))
}

func (h *Handler) GetSettlementSummary(w http.ResponseWriter, r *http.Request) {
	period, ok := periodQuery(w, r)
	if !ok {
		return
	}
	sum, err := h.Reports.GetSettlementSummary(r.Context(), period)
	if err != nil {
		h.writeDomainError(w, "Failed to summarize settlements", err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementSummaryDTO(sum))
}

func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	period, ok := periodQuery(w, r)
	if !ok {
		return
	}
	runs, err := h.Settlements.Runs(r.Context(), period, 50)
	if err != nil {
		h.writeDomainError(w, "Failed to list runs", err)
		return
	}
	dtos := make([]RunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) SetAffiliateStatus(w http.ResponseWriter, r *http.Request) {
	var req SetStatusRequest
	if !h.decode(w, r, &req) {
		return
	}
	a, err := h.Affiliates.SetStatus(r.Context(), affiliateParam(r), commission.AffiliateStatus(req.Status))
	if err != nil {
		h.writeDomainError(w, "Failed to change status", err)
		return
	}
	writeJSON(w, http.StatusOK, toAffiliateDTO(a))
}

func (h *Handler) SettleAffiliate(w http.ResponseWriter, r *http.Request) {
	var req PeriodRequest
	if !h.decode(w, r, &req) {
		return
	}
	period, err := commission.ParsePeriod(req.Period)
	if err != nil {
		h.writeDomainError(w, "Invalid period", err)
		return
	}
	res, err := h.Settlements.SettleAffiliate(r.Context(), affiliateParam(r), period)
	if err != nil {
		h.writeDomainError(w, "Failed to settle affiliate", err)
		return
	}
	writeJSON(w, http.StatusOK, toAffiliateResultDTO(res))
}

func (h *Handler) DeactivateLink(w http.ResponseWriter, r *http.Request) {
	link, err := h.Links.Deactivate(r.Context(), commission.PromoLinkID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to deactivate link", err)
		return
	}
	writeJSON(w, http.StatusOK, toLinkDTO(link))
}

func (h *Handler) SetLinkRate(w http.ResponseWriter, r *http.Request) {
	var req SetRateRequest
	if !h.decode(w, r, &req) {
		return
	}
	rate, err := decimal.NewFromString(req.CommissionRate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid commission_rate", err)
		return
	}
	link, err := h.Links.SetCommissionRate(r.Context(), commission.PromoLinkID(chi.URLParam(r, "id")), rate)
	if err != nil {
		h.writeDomainError(w, "Failed to change rate", err)
		return
	}
	writeJSON(w, http.StatusOK, toLinkDTO(link))
}

func (h *Handler) CreateCorrection(w http.ResponseWriter, r *http.Request) {
	var req CorrectionRequest
	if !h.decode(w, r, &req) {
		return
	}
	c := commission.Correction{
		OrderID:   commission.OrderID(req.OrderID),
		Reference: req.Reference,
		Reason:    req.Reason,
	}
	if req.Amount != "" {
		amount, err := commission.ParseMoney(req.Amount, h.Currency)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid amount", err)
			return
		}
		c.Amount = &amount
	}
	entry, err := h.Accrual.Correct(r.Context(), c)
	if err != nil {
		h.writeDomainError(w, "Failed to record correction", err)
		return
	}
	writeJSON(w, http.StatusCreated, toLedgerEntryDTO(entry))
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads a JSON body and runs struct validation. It writes the 400
// itself and reports whether the handler should continue.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Details: fieldErrors(err)})
		return false
	}
	return true
}

func affiliateParam(r *http.Request) commission.AffiliateID {
	id, err := url.PathUnescape(chi.URLParam(r, "id"))
	if err != nil {
		id = chi.URLParam(r, "id")
	}
	return commission.AffiliateID(id)
}

// periodQuery parses ?period=YYYY-MM. Absent means all time.
func periodQuery(w http.ResponseWriter, r *http.Request) (*commission.Period, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("period"))
	if raw == "" {
		return nil, true
	}
	p, err := commission.ParsePeriod(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period (use YYYY-MM)", err)
		return nil, false
	}
	return &p, true
}

func toPayoutConfig(p PayoutDTO) commission.PayoutConfig {
	return commission.PayoutConfig{Method: commission.PayoutMethod(p.Method), Details: p.Details}
}

// statusFor maps the commission error taxonomy to HTTP.
func statusFor(err error) int {
	var verr *commission.ValidationError
	switch {
	case errors.Is(err, commission.ErrCurrencyMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, commission.ErrInvalidTransition):
		return http.StatusUnprocessableEntity
	case errors.As(err, &verr), errors.Is(err, commission.ErrValidation):
		return http.StatusBadRequest
	case commission.IsNotFound(err):
		return http.StatusNotFound
	case commission.IsDuplicate(err),
		errors.Is(err, commission.ErrDuplicateAffiliate),
		errors.Is(err, commission.ErrDuplicateCode),
		errors.Is(err, commission.ErrLimitExceeded),
		commission.IsRetryable(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Log.Error(message, "error", err)
		writeError(w, status, message, nil)
		return
	}
	var verr *commission.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, status, ErrorResponse{
			Error:   message,
			Details: []FieldErrorDTO{{Field: verr.Field, Reason: verr.Reason}},
		})
		return
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
