/*
Package factory converts JSON link definitions into promo link inputs.

PURPOSE:
  Admin tooling and seed scenarios describe promo codes and tracking links
  as JSON. The factory validates that JSON and produces a promo.NewLink the
  registry can store, so the API and the seed loader share one parser.

JSON SCHEMA:
  {
    "affiliate_id": "lin@example.com",
    "code": "LIN10",
    "landing_url": "https://shop.example.com/spring",
    "discount": {"type": "percentage", "value": "10"},
    "commission_rate": "0.10",
    "usage_limit": 500,
    "expires_at": "2025-12-31"
  }

  Amounts and rates are strings so they never pass through float64.
  "code" may be omitted; the registry then generates one.
  "expires_at" accepts RFC 3339 or a plain date (midnight UTC).

SEE ALSO:
  - promo/registry.go: Registry.Create consumes NewLink
  - api/scenarios.go: seed data built from these definitions
*/
package factory

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/promo"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

type LinkJSON struct {
	AffiliateID    string        `json:"affiliate_id"`
	Code           string        `json:"code,omitempty"`
	LandingURL     string        `json:"landing_url,omitempty"`
	Discount       *DiscountJSON `json:"discount,omitempty"`
	CommissionRate string        `json:"commission_rate"`
	UsageLimit     *int          `json:"usage_limit,omitempty"`
	ExpiresAt      string        `json:"expires_at,omitempty"`
}

type DiscountJSON struct {
	Type  string `json:"type"` // percentage, fixed, none
	Value string `json:"value,omitempty"`
}

// =============================================================================
// LINK FACTORY
// =============================================================================

type LinkFactory struct{}

func NewLinkFactory() *LinkFactory {
	return &LinkFactory{}
}

// ParseLink decodes and validates a JSON link definition.
func (f *LinkFactory) ParseLink(raw string) (promo.NewLink, error) {
	var lj LinkJSON
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&lj); err != nil {
		return promo.NewLink{}, fmt.Errorf("invalid link JSON: %w", err)
	}
	return f.FromJSON(lj)
}

// FromJSON converts an already decoded definition.
func (f *LinkFactory) FromJSON(lj LinkJSON) (promo.NewLink, error) {
	if strings.TrimSpace(lj.AffiliateID) == "" {
		return promo.NewLink{}, &commission.ValidationError{Field: "affiliate_id", Reason: "required"}
	}

	rate, err := decimal.NewFromString(strings.TrimSpace(lj.CommissionRate))
	if err != nil {
		return promo.NewLink{}, &commission.ValidationError{Field: "commission_rate", Reason: "not a decimal number"}
	}
	if err := commission.ValidateRate(rate); err != nil {
		return promo.NewLink{}, err
	}

	discount, err := parseDiscount(lj.Discount)
	if err != nil {
		return promo.NewLink{}, err
	}

	if lj.UsageLimit != nil && *lj.UsageLimit < 0 {
		return promo.NewLink{}, &commission.ValidationError{Field: "usage_limit", Reason: "must not be negative"}
	}

	var expires *time.Time
	if lj.ExpiresAt != "" {
		t, err := parseTime(lj.ExpiresAt)
		if err != nil {
			return promo.NewLink{}, &commission.ValidationError{Field: "expires_at", Reason: "use RFC 3339 or YYYY-MM-DD"}
		}
		expires = &t
	}

	return promo.NewLink{
		AffiliateID:    commission.AffiliateID(strings.TrimSpace(lj.AffiliateID)),
		Code:           lj.Code,
		LandingURL:     strings.TrimSpace(lj.LandingURL),
		Discount:       discount,
		CommissionRate: rate,
		UsageLimit:     lj.UsageLimit,
		ExpiresAt:      expires,
	}, nil
}

func parseDiscount(dj *DiscountJSON) (commission.Discount, error) {
	if dj == nil || dj.Type == "" {
		return commission.Discount{Type: commission.DiscountNone, Value: decimal.Zero}, nil
	}
	d := commission.Discount{Type: commission.DiscountType(strings.ToLower(dj.Type)), Value: decimal.Zero}
	if dj.Value != "" {
		v, err := decimal.NewFromString(dj.Value)
		if err != nil {
			return commission.Discount{}, &commission.ValidationError{Field: "discount.value", Reason: "not a decimal number"}
		}
		d.Value = v
	}
	// Type and range checks live on PromoLink.Validate.
	return d, nil
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse("2006-01-02", s)
}

// =============================================================================
// PRESETS
// =============================================================================

// PercentOffJSON returns a definition for a code that gives the customer
// percentOff and pays the affiliate rate.
func PercentOffJSON(affiliateID, code, percentOff, rate string, usageLimit int) string {
	lj := LinkJSON{
		AffiliateID:    affiliateID,
		Code:           code,
		Discount:       &DiscountJSON{Type: string(commission.DiscountPercentage), Value: percentOff},
		CommissionRate: rate,
	}
	if usageLimit > 0 {
		lj.UsageLimit = &usageLimit
	}
	b, _ := json.Marshal(lj)
	return string(b)
}

// TrackingLinkJSON returns a definition for a plain tracking link with no
// customer discount.
func TrackingLinkJSON(affiliateID, code, landingURL, rate string) string {
	b, _ := json.Marshal(LinkJSON{
		AffiliateID:    affiliateID,
		Code:           code,
		LandingURL:     landingURL,
		CommissionRate: rate,
	})
	return string(b)
}
