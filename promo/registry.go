/*
Package promo is the Promo/Link Registry.

PURPOSE:
  Owns affiliate-specific promo codes and tracking links: their discount
  terms, commission rate, usage limit and lifecycle. The accrual engine
  only reads links (Resolve) and reserves usage; admin mutations affect
  future resolutions only.

RESOLUTION RULES:
  - Lookup by code first (case-insensitive), then by link id
  - Inactive or expired links resolve to ErrLinkNotFound: callers treat them
    exactly like links that do not exist

USAGE RESERVATION:
  ReserveUsage delegates to the store's conditional increment. Two
  checkouts racing for the last use of a code cannot both succeed.

SEE ALSO:
  - affiliates.go: Affiliate registry (payout config, status)
  - accrual/engine.go: Resolve + ReserveUsage on order completion
*/
package promo

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/commission"
)

// =============================================================================
// REGISTRY
// =============================================================================

type Registry struct {
	links      commission.PromoStore
	affiliates commission.AffiliateStore
	log        *slog.Logger
	now        func() time.Time
}

func NewRegistry(links commission.PromoStore, affiliates commission.AffiliateStore, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{links: links, affiliates: affiliates, log: log, now: time.Now}
}

// WithClock replaces the time source used for expiry checks.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Resolve returns a usable link by code or id.
func (r *Registry) Resolve(ctx context.Context, codeOrID string) (commission.PromoLink, error) {
	key := strings.TrimSpace(codeOrID)
	if key == "" {
		return commission.PromoLink{}, commission.ErrLinkNotFound
	}

	link, err := r.links.GetLinkByCode(ctx, key)
	if errors.Is(err, commission.ErrNotFound) {
		link, err = r.links.GetLink(ctx, commission.PromoLinkID(key))
	}
	if err != nil {
		return commission.PromoLink{}, err
	}
	if !link.Usable(r.now()) {
		return commission.PromoLink{}, commission.ErrLinkNotFound
	}
	return link, nil
}

// ReserveUsage atomically takes one use of the link.
func (r *Registry) ReserveUsage(ctx context.Context, link commission.PromoLink) error {
	return r.links.ReserveUsage(ctx, link.ID)
}

// ReleaseUsage returns a reservation that did not end in a ledger entry.
func (r *Registry) ReleaseUsage(ctx context.Context, link commission.PromoLink) error {
	return r.links.ReleaseUsage(ctx, link.ID)
}

func (r *Registry) Get(ctx context.Context, id commission.PromoLinkID) (commission.PromoLink, error) {
	return r.links.GetLink(ctx, id)
}

func (r *Registry) List(ctx context.Context, affiliateID commission.AffiliateID) ([]commission.PromoLink, error) {
	return r.links.ListLinks(ctx, affiliateID)
}

// =============================================================================
// ADMIN MUTATIONS
// =============================================================================

// NewLink is the input for Create. An empty Code is generated.
type NewLink struct {
	AffiliateID    commission.AffiliateID
	Code           string
	LandingURL     string
	Discount       commission.Discount
	CommissionRate decimal.Decimal
	UsageLimit     *int
	ExpiresAt      *time.Time
}

const maxCodeAttempts = 5

// Create validates and stores a new active link for an affiliate that is
// not suspended.
func (r *Registry) Create(ctx context.Context, in NewLink) (commission.PromoLink, error) {
	affiliate, err := r.affiliates.GetAffiliate(ctx, in.AffiliateID)
	if err != nil {
		return commission.PromoLink{}, err
	}
	if affiliate.Status == commission.AffiliateSuspended {
		return commission.PromoLink{}, &commission.ValidationError{Field: "affiliate_id", Reason: "affiliate is suspended"}
	}

	now := r.now().UTC()
	link := commission.PromoLink{
		ID:             commission.PromoLinkID(uuid.NewString()),
		AffiliateID:    in.AffiliateID,
		Code:           commission.NormalizeCode(in.Code),
		LandingURL:     in.LandingURL,
		Discount:       in.Discount,
		CommissionRate: in.CommissionRate,
		UsageLimit:     in.UsageLimit,
		ExpiresAt:      in.ExpiresAt,
		Status:         commission.LinkActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if link.Discount.Type == "" {
		link.Discount.Type = commission.DiscountNone
	}

	generated := link.Code == ""
	for attempt := 1; ; attempt++ {
		if generated {
			if link.Code, err = GenerateCode(); err != nil {
				return commission.PromoLink{}, err
			}
		}
		if err := link.Validate(); err != nil {
			return commission.PromoLink{}, err
		}
		err = r.links.CreateLink(ctx, link)
		if err == nil {
			break
		}
		if !generated || !errors.Is(err, commission.ErrDuplicateCode) || attempt == maxCodeAttempts {
			return commission.PromoLink{}, err
		}
	}

	r.log.Info("promo link created",
		"link_id", link.ID, "affiliate_id", link.AffiliateID, "code", link.Code,
		"commission_rate", link.CommissionRate.String())
	return link, nil
}

// Deactivate stops the link from crediting future orders.
func (r *Registry) Deactivate(ctx context.Context, id commission.PromoLinkID) (commission.PromoLink, error) {
	return r.update(ctx, id, func(l *commission.PromoLink) error {
		l.Status = commission.LinkInactive
		return nil
	})
}

// Activate re-enables a deactivated link.
func (r *Registry) Activate(ctx context.Context, id commission.PromoLinkID) (commission.PromoLink, error) {
	return r.update(ctx, id, func(l *commission.PromoLink) error {
		l.Status = commission.LinkActive
		return nil
	})
}

// SetCommissionRate changes the rate for future orders. Existing ledger
// entries keep the rate they were credited at.
func (r *Registry) SetCommissionRate(ctx context.Context, id commission.PromoLinkID, rate decimal.Decimal) (commission.PromoLink, error) {
	return r.update(ctx, id, func(l *commission.PromoLink) error {
		if err := commission.ValidateRate(rate); err != nil {
			return err
		}
		l.CommissionRate = rate
		return nil
	})
}

// SetUsageLimit changes the cap; it may not drop below uses already taken.
func (r *Registry) SetUsageLimit(ctx context.Context, id commission.PromoLinkID, limit *int) (commission.PromoLink, error) {
	return r.update(ctx, id, func(l *commission.PromoLink) error {
		if limit != nil && *limit < l.UsageCount {
			return &commission.ValidationError{Field: "usage_limit", Reason: "below current usage count"}
		}
		l.UsageLimit = limit
		return nil
	})
}

func (r *Registry) update(ctx context.Context, id commission.PromoLinkID, mutate func(*commission.PromoLink) error) (commission.PromoLink, error) {
	link, err := r.links.GetLink(ctx, id)
	if err != nil {
		return commission.PromoLink{}, err
	}
	if err := mutate(&link); err != nil {
		return commission.PromoLink{}, err
	}
	if err := link.Validate(); err != nil {
		return commission.PromoLink{}, err
	}
	link.UpdatedAt = r.now().UTC()
	if err := r.links.UpdateLinkTerms(ctx, link); err != nil {
		return commission.PromoLink{}, err
	}
	r.log.Info("promo link updated",
		"link_id", link.ID, "status", link.Status, "commission_rate", link.CommissionRate.String())
	return link, nil
}
