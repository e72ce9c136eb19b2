package attribution

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/warp/commission-engine/commission"
)

// LinkResolver is the slice of the promo registry the tracker needs.
type LinkResolver interface {
	Resolve(ctx context.Context, codeOrID string) (commission.PromoLink, error)
}

// =============================================================================
// TRACKER
// =============================================================================

// Tracker turns an inbound referral into a stored Attribution and a
// recorded Click.
type Tracker struct {
	store      Store
	links      LinkResolver
	affiliates commission.AffiliateStore
	clicks     commission.ClickStore
	ttl        time.Duration
	log        *slog.Logger
	now        func() time.Time
}

func NewTracker(store Store, links LinkResolver, affiliates commission.AffiliateStore, clicks commission.ClickStore, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		store:      store,
		links:      links,
		affiliates: affiliates,
		clicks:     clicks,
		ttl:        DefaultTTL,
		log:        log,
		now:        time.Now,
	}
}

func (t *Tracker) WithTTL(ttl time.Duration) *Tracker {
	if ttl > 0 {
		t.ttl = ttl
	}
	return t
}

func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// Visit is one inbound request as seen by the tracker.
type Visit struct {
	VisitorID string
	Params    url.Values
	Referrer  string
	IP        string
	UserAgent string
}

// Capture records the referral carried by v, if any. It returns ok=false
// when the visit carries no usable referral; that is not an error. Errors
// are infrastructure failures of the attribution store only.
func (t *Tracker) Capture(ctx context.Context, v Visit) (Attribution, bool, error) {
	if v.VisitorID == "" {
		return Attribution{}, false, nil
	}
	ref := ParseReferral(v.Params)
	if ref.IsZero() {
		return Attribution{}, false, nil
	}

	affiliateID, linkCode, ok := t.identify(ctx, ref)
	if !ok {
		return Attribution{}, false, nil
	}

	now := t.now().UTC()
	a := Attribution{
		VisitorID:   v.VisitorID,
		AffiliateID: affiliateID,
		LinkCode:    linkCode,
		Campaign:    ref.Campaign,
		Referrer:    v.Referrer,
		CapturedAt:  now,
		ExpiresAt:   now.Add(t.ttl),
	}
	if err := t.store.Put(ctx, a, t.ttl); err != nil {
		return Attribution{}, false, err
	}

	t.recordClick(ctx, a, v)
	t.log.Debug("attribution captured",
		"affiliate_id", a.AffiliateID, "link_code", a.LinkCode, "visitor_id", a.VisitorID)
	return a, true, nil
}

// identify resolves the affiliate behind a referral. A code that does not
// resolve falls back to an explicit affiliate id when one is present.
func (t *Tracker) identify(ctx context.Context, ref Referral) (commission.AffiliateID, string, bool) {
	affiliateID := ref.AffiliateID
	var linkCode string

	if ref.Code != "" {
		link, err := t.links.Resolve(ctx, ref.Code)
		switch {
		case err == nil:
			affiliateID, linkCode = link.AffiliateID, link.Code
		case errors.Is(err, commission.ErrNotFound):
			t.log.Debug("referral code not resolvable", "code", ref.Code)
		default:
			t.log.Warn("resolve referral code", "code", ref.Code, "error", err)
		}
	}
	if affiliateID == "" {
		return "", "", false
	}

	affiliate, err := t.affiliates.GetAffiliate(ctx, affiliateID)
	if err != nil {
		if !errors.Is(err, commission.ErrNotFound) {
			t.log.Warn("lookup referring affiliate", "affiliate_id", affiliateID, "error", err)
		}
		return "", "", false
	}
	if !affiliate.IsActive() {
		t.log.Debug("referring affiliate not active", "affiliate_id", affiliateID, "status", affiliate.Status)
		return "", "", false
	}
	return affiliate.ID, linkCode, true
}

func (t *Tracker) recordClick(ctx context.Context, a Attribution, v Visit) {
	if t.clicks == nil {
		return
	}
	click := commission.Click{
		ID:            commission.ClickID("click_" + uuid.NewString()),
		AffiliateID:   a.AffiliateID,
		LinkCode:      a.LinkCode,
		VisitorID:     a.VisitorID,
		IPHash:        sha256Hex(v.IP),
		UserAgentHash: sha256Hex(v.UserAgent),
		Referrer:      v.Referrer,
		Campaign:      a.Campaign,
		At:            a.CapturedAt,
	}
	// Clicks feed reporting only.
	if err := t.clicks.RecordClick(ctx, click); err != nil {
		t.log.Warn("record click", "affiliate_id", a.AffiliateID, "error", err)
	}
}

func sha256Hex(v string) string {
	if v == "" {
		return ""
	}
	h := sha256.Sum256([]byte(v))
	return hex.EncodeToString(h[:])
}
