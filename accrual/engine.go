/*
engine.go - Commission accrual on order completion

PURPOSE:
  Turns one completed order plus its attribution into at most one
  commission ledger entry. Called by the order-completion webhook, which
  is delivered at least once.

FLOW:
  1. Validate the order (id, non-negative total, engine currency)
  2. Already credited? -> duplicate (no-op)
  3. Pick the source: promo code on the order, else stored attribution
  4. Resolve link (inactive / expired = not found) and affiliate (active)
  5. Reserve link usage (atomic, bounded by the usage limit)
  6. Compute commission = round(total * rate, minor unit), append entry
  7. Remove the visitor's attribution, publish commission.accrued

  Steps 2-4 failing is the normal "not an affiliate order" path: the
  order completes without commission and no error is returned.

RETRIES:
  The engine never retries on its own. A persistence error is returned
  so the webhook caller can redeliver; the ledger's one-commission-per-
  order rule makes redelivery safe.

SEE ALSO:
  - commission/ledger.go: Record / Reverse
  - promo/registry.go: Resolve / ReserveUsage
  - attribution/tracker.go: where attributions come from
*/
package accrual

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/attribution"
	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/events"
)

// =============================================================================
// INPUTS AND RESULTS
// =============================================================================

// OrderCompleted is the storefront's order-completion notification.
type OrderCompleted struct {
	OrderID     commission.OrderID
	Total       commission.Money // post-discount, pre-tax
	PromoCode   string           // code applied at checkout, if any
	VisitorID   string           // attribution key, if any
	CompletedAt time.Time
}

type Outcome string

const (
	OutcomeCredited          Outcome = "credited"
	OutcomeDuplicate         Outcome = "duplicate"
	OutcomeNoAttribution     Outcome = "no_attribution"
	OutcomeLinkNotFound      Outcome = "link_not_found"
	OutcomeLimitExceeded     Outcome = "limit_exceeded"
	OutcomeAffiliateInactive Outcome = "affiliate_inactive"
)

type Result struct {
	Outcome Outcome
	Entry   *commission.LedgerEntry // set when credited
}

// Links is the slice of the promo registry accrual needs.
type Links interface {
	Resolve(ctx context.Context, codeOrID string) (commission.PromoLink, error)
	ReserveUsage(ctx context.Context, link commission.PromoLink) error
	ReleaseUsage(ctx context.Context, link commission.PromoLink) error
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	ledger       *commission.Ledger
	links        Links
	affiliates   commission.AffiliateStore
	attributions attribution.Store
	publisher    events.Publisher
	defaultRate  decimal.Decimal
	log          *slog.Logger
}

type Config struct {
	// DefaultRate applies when the attribution names an affiliate but no link.
	DefaultRate decimal.Decimal
}

func NewEngine(
	ledger *commission.Ledger,
	links Links,
	affiliates commission.AffiliateStore,
	attributions attribution.Store,
	publisher events.Publisher,
	cfg Config,
	log *slog.Logger,
) *Engine {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		ledger:       ledger,
		links:        links,
		affiliates:   affiliates,
		attributions: attributions,
		publisher:    publisher,
		defaultRate:  cfg.DefaultRate,
		log:          log,
	}
}

// source is what the order is attributed to.
type source struct {
	affiliateID commission.AffiliateID
	link        *commission.PromoLink
	rate        decimal.Decimal
}

// OrderCompleted processes one order. Errors are validation failures
// (client's fault) or persistence failures (retry the delivery). The
// visitor's attribution is deleted after every outcome but is kept on error
// so a redelivery can still credit the order.
func (e *Engine) OrderCompleted(ctx context.Context, order OrderCompleted) (Result, error) {
	res, err := e.accrue(ctx, order)
	if err != nil {
		return Result{}, err
	}
	e.forgetVisitor(ctx, order.VisitorID)
	return res, nil
}

func (e *Engine) accrue(ctx context.Context, order OrderCompleted) (Result, error) {
	if err := e.validate(order); err != nil {
		return Result{}, err
	}
	log := e.log.With("order_id", order.OrderID)

	credited, err := e.ledger.HasCommission(ctx, order.OrderID)
	if err != nil {
		return Result{}, err
	}
	if credited {
		log.Info("order already credited")
		return Result{Outcome: OutcomeDuplicate}, nil
	}

	src, outcome, err := e.resolveSource(ctx, order)
	if err != nil {
		return Result{}, err
	}
	if outcome != "" {
		log.Info("order not credited", "outcome", outcome)
		return Result{Outcome: outcome}, nil
	}

	affiliate, err := e.affiliates.GetAffiliate(ctx, src.affiliateID)
	if err != nil {
		if commission.IsNotFound(err) {
			log.Info("order not credited", "outcome", OutcomeAffiliateInactive, "affiliate_id", src.affiliateID)
			return Result{Outcome: OutcomeAffiliateInactive}, nil
		}
		return Result{}, err
	}
	if !affiliate.IsActive() {
		log.Info("order not credited", "outcome", OutcomeAffiliateInactive,
			"affiliate_id", affiliate.ID, "status", affiliate.Status)
		return Result{Outcome: OutcomeAffiliateInactive}, nil
	}

	if src.link != nil {
		if err := e.links.ReserveUsage(ctx, *src.link); err != nil {
			if errors.Is(err, commission.ErrLimitExceeded) {
				log.Info("order not credited", "outcome", OutcomeLimitExceeded, "link_code", src.link.Code)
						return Result{Outcome: OutcomeLimitExceeded}, nil
			}
			if commission.IsNotFound(err) {
				return Result{Outcome: OutcomeLinkNotFound}, nil
			}
			return Result{}, err
		}
	}

	entry := commission.LedgerEntry{
		AffiliateID: affiliate.ID,
		OrderID:     order.OrderID,
		Type:        commission.EntryCommission,
		OrderAmount: order.Total,
		Rate:        src.rate,
		Commission:  commission.ComputeCommission(order.Total, src.rate),
		CreatedAt:   order.CompletedAt.UTC(),
	}
	if src.link != nil {
		entry.PromoLinkID = src.link.ID
	}

	recorded, err := e.ledger.Record(ctx, entry)
	if err != nil {
		e.releaseUsage(ctx, src.link)
		if errors.Is(err, commission.ErrDuplicateEntry) {
			// Lost a race with a concurrent delivery of the same order.
			log.Info("order already credited", "affiliate_id", affiliate.ID)
			return Result{Outcome: OutcomeDuplicate}, nil
		}
		return Result{}, err
	}

	if err := e.publisher.Publish(ctx, events.EntryRecorded(recorded)); err != nil {
		log.Warn("publish commission event", "error", err)
	}
	log.Info("commission accrued",
		"affiliate_id", recorded.AffiliateID,
		"commission", recorded.Commission.String(),
		"rate", recorded.Rate.String())
	return Result{Outcome: OutcomeCredited, Entry: &recorded}, nil
}

func (e *Engine) validate(order OrderCompleted) error {
	if strings.TrimSpace(string(order.OrderID)) == "" {
		return &commission.ValidationError{Field: "order_id", Reason: "required"}
	}
	if order.Total.Currency != e.ledger.Currency() {
		return commission.ErrCurrencyMismatch
	}
	if order.Total.IsNegative() {
		return &commission.ValidationError{Field: "total", Reason: "must not be negative"}
	}
	if order.CompletedAt.IsZero() {
		return &commission.ValidationError{Field: "completed_at", Reason: "required"}
	}
	return nil
}

// resolveSource applies source precedence. A non-empty outcome means the
// order is not an affiliate order.
func (e *Engine) resolveSource(ctx context.Context, order OrderCompleted) (source, Outcome, error) {
	if code := strings.TrimSpace(order.PromoCode); code != "" {
		link, err := e.links.Resolve(ctx, code)
		switch {
		case err == nil:
			return source{affiliateID: link.AffiliateID, link: &link, rate: link.CommissionRate}, "", nil
		case !commission.IsNotFound(err):
			return source{}, "", err
		}
		// An unknown code does not void a stored attribution.
		src, outcome, err := e.fromAttribution(ctx, order.VisitorID)
		if outcome == OutcomeNoAttribution {
			outcome = OutcomeLinkNotFound
		}
		return src, outcome, err
	}
	return e.fromAttribution(ctx, order.VisitorID)
}

func (e *Engine) fromAttribution(ctx context.Context, visitorID string) (source, Outcome, error) {
	if visitorID == "" || e.attributions == nil {
		return source{}, OutcomeNoAttribution, nil
	}
	a, err := e.attributions.Get(ctx, visitorID)
	if err != nil {
		if commission.IsNotFound(err) {
			return source{}, OutcomeNoAttribution, nil
		}
		return source{}, "", err
	}

	if a.LinkCode == "" {
		return source{affiliateID: a.AffiliateID, rate: e.defaultRate}, "", nil
	}
	link, err := e.links.Resolve(ctx, a.LinkCode)
	if err != nil {
		if commission.IsNotFound(err) {
			return source{}, OutcomeLinkNotFound, nil
		}
		return source{}, "", err
	}
	return source{affiliateID: link.AffiliateID, link: &link, rate: link.CommissionRate}, "", nil
}

func (e *Engine) releaseUsage(ctx context.Context, link *commission.PromoLink) {
	if link == nil {
		return
	}
	if err := e.links.ReleaseUsage(ctx, *link); err != nil {
		e.log.Warn("release promo usage", "link_id", link.ID, "error", err)
	}
}

// forgetVisitor removes a used attribution. Failure only means a later
// order by the same visitor may still find it.
func (e *Engine) forgetVisitor(ctx context.Context, visitorID string) {
	if visitorID == "" || e.attributions == nil {
		return
	}
	if err := e.attributions.Delete(ctx, visitorID); err != nil {
		e.log.Warn("delete attribution", "visitor_id", visitorID, "error", err)
	}
}

// =============================================================================
// CORRECTIONS
// =============================================================================

// Correct appends a correction (refund, chargeback) against an order's
// commission and publishes commission.corrected.
func (e *Engine) Correct(ctx context.Context, c commission.Correction) (commission.LedgerEntry, error) {
	entry, err := e.ledger.Reverse(ctx, c)
	if err != nil {
		return commission.LedgerEntry{}, err
	}
	if err := e.publisher.Publish(ctx, events.EntryRecorded(entry)); err != nil {
		e.log.Warn("publish correction event", "order_id", entry.OrderID, "error", err)
	}
	e.log.Info("commission corrected",
		"affiliate_id", entry.AffiliateID,
		"order_id", entry.OrderID,
		"amount", entry.Commission.String())
	return entry, nil
}
