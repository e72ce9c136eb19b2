/*
Package attribution is the Attribution Tracker.

PURPOSE:
  Captures a referral identifier and campaign tags from an inbound request
  and remembers, for 30 days, which affiliate referred the visitor. The
  accrual engine reads the attribution at checkout and deletes it afterwards.

LAST-TOUCH:
  One attribution per visitor. A new referral overwrites the previous one.
  This is the business rule, not an accident of cookie storage.

REFERRAL PARAMETERS:
  ref, code, promo   promo code or tracking-link token
  aff, affiliate_id  affiliate id (credited at the default rate)
  utm_*              campaign tags; utm_medium=affiliate with
                     utm_source=<affiliate id> identifies the affiliate

  Unknown or missing identifiers never fail the request: the visitor simply
  stays unattributed.

SEE ALSO:
  - tracker.go: capture + click recording
  - middleware.go: HTTP capture, parameter stripping, throttling
  - memory.go, redis.go: Store implementations with TTL
*/
package attribution

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/warp/commission-engine/commission"
)

// DefaultTTL is the attribution window.
const DefaultTTL = 30 * 24 * time.Hour

// Attribution associates a visitor with the affiliate that referred them.
type Attribution struct {
	VisitorID   string                  `json:"visitor_id"`
	AffiliateID commission.AffiliateID  `json:"affiliate_id"`
	LinkCode    string                  `json:"link_code,omitempty"`
	Campaign    commission.CampaignTags `json:"campaign"`
	Referrer    string                  `json:"referrer,omitempty"`
	CapturedAt  time.Time               `json:"captured_at"`
	ExpiresAt   time.Time               `json:"expires_at"`
}

func (a Attribution) Expired(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}

// Store keeps at most one attribution per visitor with a time-to-live.
type Store interface {
	// Put overwrites any attribution for the visitor.
	Put(ctx context.Context, a Attribution, ttl time.Duration) error

	// Get returns commission.ErrNotFound when absent or expired.
	Get(ctx context.Context, visitorID string) (Attribution, error)

	// Delete removes the visitor's attribution; absent is not an error.
	Delete(ctx context.Context, visitorID string) error
}

// =============================================================================
// REFERRAL PARAMETERS
// =============================================================================

var (
	codeParams      = []string{"ref", "code", "promo"}
	affiliateParams = []string{"aff", "affiliate_id"}
	utmParams       = []string{"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content"}
)

// Referral is what a request carried, before it is checked against the
// registry.
type Referral struct {
	Code        string
	AffiliateID commission.AffiliateID
	Campaign    commission.CampaignTags
}

func (r Referral) IsZero() bool {
	return r.Code == "" && r.AffiliateID == "" && r.Campaign.IsZero()
}

// ParseReferral extracts referral identifiers from query parameters.
func ParseReferral(q url.Values) Referral {
	var r Referral
	r.Code = first(q, codeParams)
	r.AffiliateID = commission.AffiliateID(first(q, affiliateParams))
	r.Campaign = commission.CampaignTags{
		Source:   strings.TrimSpace(q.Get("utm_source")),
		Medium:   strings.TrimSpace(q.Get("utm_medium")),
		Campaign: strings.TrimSpace(q.Get("utm_campaign")),
		Term:     strings.TrimSpace(q.Get("utm_term")),
		Content:  strings.TrimSpace(q.Get("utm_content")),
	}
	if r.AffiliateID == "" && strings.EqualFold(r.Campaign.Medium, "affiliate") && r.Campaign.Source != "" {
		r.AffiliateID = commission.AffiliateID(r.Campaign.Source)
	}
	return r
}

// HasReferralParams reports whether q carries anything ParseReferral reads.
func HasReferralParams(q url.Values) bool {
	for _, group := range [][]string{codeParams, affiliateParams, utmParams} {
		for _, p := range group {
			if q.Has(p) {
				return true
			}
		}
	}
	return false
}

// StripParams returns a copy of u without referral parameters, so a reload
// or shared link does not re-attribute.
func StripParams(u *url.URL) *url.URL {
	clean := *u
	q := clean.Query()
	for _, group := range [][]string{codeParams, affiliateParams, utmParams} {
		for _, p := range group {
			q.Del(p)
		}
	}
	clean.RawQuery = q.Encode()
	return &clean
}

func first(q url.Values, names []string) string {
	for _, n := range names {
		if v := strings.TrimSpace(q.Get(n)); v != "" {
			return v
		}
	}
	return ""
}
