/*
scenarios.go - Dev seed scenarios

PURPOSE:
  Populates a development instance with realistic affiliates, links and
  orders so the reporting and settlement endpoints have something to show.
  Mounted only when dev_mode is on.

AVAILABLE SCENARIOS:
  single-affiliate:  One active affiliate, one 10% code, three orders last month
  capped-code:       A code limited to two uses; the third order is not credited
  refund:            An order later refunded in part
  settlement-ready:  Two affiliates with last month's balances, one suspended

HOW SCENARIOS WORK:
  Everything goes through the same components production traffic uses
  (registry, accrual engine, ledger corrections), never straight to the
  store. Seed order ids start with "seed-" and corrections carry the
  reason "seed", so seeded data is recognizable. Loading a scenario twice
  is harmless: duplicates are absorbed the way webhook redeliveries are.

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "settlement-ready"}

SEE ALSO:
  - factory/link.go: link presets used here
  - server.go: mounts these routes only in dev mode
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/commission-engine/accrual"
	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/factory"
	"github.com/warp/commission-engine/promo"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenario struct {
	ScenarioDTO
	load func(ctx context.Context, h *Handler, period commission.Period) error
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "single-affiliate",
			Name:        "Single Affiliate",
			Description: "One active affiliate with a 10% code and three orders last month",
		},
		load: loadSingleAffiliate,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "capped-code",
			Name:        "Capped Code",
			Description: "Code limited to two uses; the third order earns nothing",
		},
		load: loadCappedCode,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "refund",
			Name:        "Partial Refund",
			Description: "Credited order followed by a partial refund correction",
		},
		load: loadRefund,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "settlement-ready",
			Name:        "Settlement Ready",
			Description: "Two affiliates with balances for last month, one of them suspended",
		},
		load: loadSettlementReady,
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		dtos[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCurrentScenario returns the last loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.scenarioMu.Lock()
	current := h.currentScenario
	h.scenarioMu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s.ScenarioDTO)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario seeds the named scenario into last month.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	for _, s := range scenarios {
		if s.ID != req.ScenarioID {
			continue
		}
		period := commission.PreviousMonth(time.Now().UTC())
		if err := s.load(r.Context(), h, period); err != nil {
			h.writeDomainError(w, "Failed to load scenario", err)
			return
		}
		h.scenarioMu.Lock()
		h.currentScenario = s.ID
		h.scenarioMu.Unlock()

		h.Log.Info("scenario loaded", "scenario", s.ID, "period", period.String())
		writeJSON(w, http.StatusOK, map[string]string{
			"status":   "loaded",
			"scenario": s.ID,
			"period":   period.String(),
		})
		return
	}
	writeError(w, http.StatusNotFound, fmt.Sprintf("Unknown scenario: %s", req.ScenarioID), nil)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func loadSingleAffiliate(ctx context.Context, h *Handler, period commission.Period) error {
	if err := seedAffiliate(ctx, h, "lin@example.com", "Lin's Reviews", commission.PayoutConfig{
		Method:  commission.PayoutPayPal,
		Details: map[string]string{"paypal_email": "lin@example.com"},
	}); err != nil {
		return err
	}
	if err := seedLink(ctx, h, factory.PercentOffJSON("lin@example.com", "LIN10", "10", "0.10", 0)); err != nil {
		return err
	}
	return seedOrders(ctx, h, period, "LIN10", "seed-lin-", "120.00", "89.99", "450.00")
}

func loadCappedCode(ctx context.Context, h *Handler, period commission.Period) error {
	if err := seedAffiliate(ctx, h, "kai@example.com", "Kai Deals", commission.PayoutConfig{
		Method:  commission.PayoutBankTransfer,
		Details: map[string]string{"bank_code": "021000021", "account_number": "000123456789", "account_name": "Kai Deals LLC"},
	}); err != nil {
		return err
	}
	if err := seedLink(ctx, h, factory.PercentOffJSON("kai@example.com", "KAI2X", "15", "0.12", 2)); err != nil {
		return err
	}
	return seedOrders(ctx, h, period, "KAI2X", "seed-kai-", "60.00", "75.00", "80.00")
}

func loadRefund(ctx context.Context, h *Handler, period commission.Period) error {
	if err := loadSingleAffiliate(ctx, h, period); err != nil {
		return err
	}
	amount := commission.MustMoney("-20.00", h.Currency)
	_, err := h.Accrual.Correct(ctx, commission.Correction{
		OrderID:   "seed-lin-3",
		Reference: "seed-refund-1",
		Amount:    &amount,
		Reason:    "seed",
	})
	if errors.Is(err, commission.ErrDuplicateEntry) {
		return nil
	}
	return err
}

func loadSettlementReady(ctx context.Context, h *Handler, period commission.Period) error {
	if err := loadSingleAffiliate(ctx, h, period); err != nil {
		return err
	}
	if err := seedAffiliate(ctx, h, "noor@example.com", "Noor Travel", commission.PayoutConfig{
		Method:  commission.PayoutProvider,
		Details: map[string]string{"provider": "wise", "account_id": "acct_93810022"},
	}); err != nil {
		return err
	}
	if err := seedLink(ctx, h, factory.TrackingLinkJSON("noor@example.com", "NOOR", "https://shop.example.com/travel", "0.08")); err != nil {
		return err
	}
	if err := seedOrders(ctx, h, period, "NOOR", "seed-noor-", "300.00", "125.50"); err != nil {
		return err
	}
	_, err := h.Affiliates.SetStatus(ctx, "noor@example.com", commission.AffiliateSuspended)
	if errors.Is(err, commission.ErrInvalidTransition) {
		return nil // already suspended by an earlier load
	}
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

// seedAffiliate registers and activates an affiliate unless it exists.
func seedAffiliate(ctx context.Context, h *Handler, email, name string, payout commission.PayoutConfig) error {
	_, err := h.Affiliates.Register(ctx, promo.Registration{
		Email:         email,
		DisplayName:   name,
		Payout:        payout,
		Notifications: commission.NotificationPrefs{SettlementEmails: true},
	})
	switch {
	case errors.Is(err, commission.ErrDuplicateAffiliate):
		return nil
	case err != nil:
		return err
	}
	a, err := h.Affiliates.Get(ctx, commission.AffiliateID(email))
	if err != nil {
		return err
	}
	if a.Status == commission.AffiliatePending {
		_, err = h.Affiliates.SetStatus(ctx, a.ID, commission.AffiliateActive)
	}
	return err
}

func seedLink(ctx context.Context, h *Handler, definition string) error {
	in, err := h.LinkFactory.ParseLink(definition)
	if err != nil {
		return err
	}
	if _, err := h.Links.Create(ctx, in); err != nil && !errors.Is(err, commission.ErrDuplicateCode) {
		return err
	}
	return nil
}

// seedOrders completes one order per total, spread over the period.
func seedOrders(ctx context.Context, h *Handler, period commission.Period, code, prefix string, totals ...string) error {
	for i, total := range totals {
		_, err := h.Accrual.OrderCompleted(ctx, accrual.OrderCompleted{
			OrderID:     commission.OrderID(fmt.Sprintf("%s%d", prefix, i+1)),
			Total:       commission.MustMoney(total, h.Currency),
			PromoCode:   code,
			CompletedAt: period.Start().Add(time.Duration(i+1) * 72 * time.Hour),
		})
		if err != nil {
			return err
		}
	}
	return nil
}
