/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  0. RealIP:     Client address from forwarding headers (trust_proxy only)
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the affiliate dashboard

ROUTE GROUPS:
  /r/{code}, /         Tracking redirects and referral capture (public)
  /api/track           Headless capture (public)
  /api/webhooks/*      Storefront callbacks
  /api/affiliates/*    Affiliate registration and dashboard reads; payout and
                       notification changes need the affiliate's own token
  /api/reports/*       Period rollups
  /api/admin/*         Settlement and registry administration (role=admin)
  /api/scenarios/*     Dev seed data (dev mode only)

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Bearer token checks for /api/admin and affiliate mutations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/warp/commission-engine/attribution"
)

// Options control the parts of the router that differ between deployments.
type Options struct {
	AllowedOrigins []string
	JWTSecret      string
	DevMode        bool
	// TrustProxy rewrites RemoteAddr from forwarding headers.
	TrustProxy bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts Options) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	if opts.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// Tracking: /r/{code} carries the code in the path. The landing route
	// captures referral query parameters and redirects without them.
	r.Get("/r/{code}", h.TrackRedirect)
	r.Group(func(r chi.Router) {
		r.Use(attribution.Middleware(h.Tracker, h.Throttle, h.Log))
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"service": "commission-engine"})
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Post("/track", h.Track)

		r.Route("/webhooks", func(r chi.Router) {
			r.Post("/order-completed", h.OrderCompleted)
		})

		// Affiliate routes
		r.Route("/affiliates", func(r chi.Router) {
			r.Get("/", h.ListAffiliates)
			r.Post("/", h.RegisterAffiliate)
			r.Get("/{id}", h.GetAffiliate)
			r.Group(func(r chi.Router) {
				r.Use(RequireOwner(opts.JWTSecret))
				r.Put("/{id}/payout", h.UpdatePayout)
				r.Put("/{id}/notifications", h.UpdateNotifications)
			})
			r.Get("/{id}/commission", h.GetPendingCommission)
			r.Get("/{id}/ledger", h.ListLedgerEntries)
			r.Get("/{id}/settlements", h.ListSettlements)
			r.Get("/{id}/stats", h.GetAffiliateStats)
			r.Get("/{id}/links", h.ListLinks)
		})

		r.Route("/reports", func(r chi.Router) {
			r.Get("/periods/{period}", h.GetPeriodReport)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireRole(opts.JWTSecret, RoleAdmin))

			r.Route("/settlements", func(r chi.Router) {
				r.Post("/run", h.RunSettlementBatch)
				r.Get("/summary", h.GetSettlementSummary)
				r.Get("/runs", h.ListRuns)
				r.Post("/{id}/process", h.ProcessSettlement)
			})
			r.Post("/affiliates/{id}/status", h.SetAffiliateStatus)
			r.Post("/affiliates/{id}/settle", h.SettleAffiliate)
			r.Post("/affiliates/{id}/links", h.CreateLink)
			r.Post("/links/{id}/deactivate", h.DeactivateLink)
			r.Put("/links/{id}/rate", h.SetLinkRate)
			r.Post("/ledger/corrections", h.CreateCorrection)
		})

		// Scenario routes
		if opts.DevMode {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Get("/current", h.GetCurrentScenario)
				r.Post("/load", h.LoadScenario)
			})
		}
	})

	return r
}
