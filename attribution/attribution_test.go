package attribution_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/attribution"
	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/commission/store"
	"github.com/warp/commission-engine/promo"
)

var now = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	store   *store.Memory
	attrs   *attribution.MemoryStore
	tracker *attribution.Tracker
	clock   *time.Time
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	clock := now
	nowFn := func() time.Time { return clock }

	s := store.NewMemory()
	affs := promo.NewAffiliates(s, quietLogger()).WithClock(nowFn)
	affs.AutoApprove = true
	reg := promo.NewRegistry(s, s, quietLogger()).WithClock(nowFn)

	for _, email := range []string{"lin@example.com", "kai@example.com"} {
		_, err := affs.Register(ctx, promo.Registration{
			Email:  email,
			Payout: commission.PayoutConfig{Method: commission.PayoutPayPal, Details: map[string]string{"paypal_email": email}},
		})
		require.NoError(t, err)
	}
	_, err := reg.Create(ctx, promo.NewLink{AffiliateID: "lin@example.com", Code: "LIN10", CommissionRate: decimal.RequireFromString("0.1")})
	require.NoError(t, err)

	attrs := attribution.NewMemoryStore().WithClock(nowFn)
	tracker := attribution.NewTracker(attrs, reg, s, s, quietLogger()).WithClock(nowFn)
	return &fixture{store: s, attrs: attrs, tracker: tracker, clock: &clock}
}

func visit(visitor, query string) attribution.Visit {
	q, _ := url.ParseQuery(query)
	return attribution.Visit{VisitorID: visitor, Params: q, IP: "203.0.113.9", UserAgent: "test-agent"}
}

// =============================================================================
// PARAMETER PARSING
// =============================================================================

func TestParseReferral(t *testing.T) {
	tests := []struct {
		name      string
		query     string
		code      string
		affiliate commission.AffiliateID
	}{
		{"ref code", "ref=LIN10", "LIN10", ""},
		{"promo code", "promo=LIN10&x=1", "LIN10", ""},
		{"affiliate id", "aff=lin@example.com", "", "lin@example.com"},
		{"utm affiliate", "utm_medium=affiliate&utm_source=kai@example.com", "", "kai@example.com"},
		{"utm non-affiliate medium", "utm_medium=cpc&utm_source=google", "", ""},
		{"none", "page=2", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := url.ParseQuery(tt.query)
			require.NoError(t, err)
			r := attribution.ParseReferral(q)
			assert.Equal(t, tt.code, r.Code)
			assert.Equal(t, tt.affiliate, r.AffiliateID)
		})
	}
}

func TestStripParams(t *testing.T) {
	u, err := url.Parse("https://shop.example.com/p/1?ref=LIN10&utm_source=x&color=red")
	require.NoError(t, err)

	clean := attribution.StripParams(u)
	assert.Equal(t, "https://shop.example.com/p/1?color=red", clean.String())
	assert.Contains(t, u.RawQuery, "ref=LIN10", "input is not modified")
}

// =============================================================================
// CAPTURE
// =============================================================================

func TestCapture_ByCode(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	a, ok, err := f.tracker.Capture(ctx, visit("v1", "ref=lin10&utm_campaign=spring"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, commission.AffiliateID("lin@example.com"), a.AffiliateID)
	assert.Equal(t, "LIN10", a.LinkCode)
	assert.Equal(t, "spring", a.Campaign.Campaign)
	assert.Equal(t, now.Add(attribution.DefaultTTL), a.ExpiresAt)

	clicks, err := f.store.CountClicks(ctx, commission.ClickFilter{AffiliateID: "lin@example.com"})
	require.NoError(t, err)
	assert.Equal(t, 1, clicks)
}

func TestCapture_LastTouchWins(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	_, _, err := f.tracker.Capture(ctx, visit("v1", "ref=LIN10"))
	require.NoError(t, err)
	_, _, err = f.tracker.Capture(ctx, visit("v1", "aff=kai@example.com"))
	require.NoError(t, err)

	got, err := f.attrs.Get(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, commission.AffiliateID("kai@example.com"), got.AffiliateID)
	assert.Empty(t, got.LinkCode)
}

func TestCapture_UnknownIdentifiersLeaveVisitorUnattributed(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	for _, q := range []string{"ref=NOPE", "aff=ghost@example.com", "page=1"} {
		_, ok, err := f.tracker.Capture(ctx, visit("v1", q))
		require.NoError(t, err)
		assert.False(t, ok, q)
	}
	_, err := f.attrs.Get(ctx, "v1")
	assert.ErrorIs(t, err, commission.ErrNotFound)
}

func TestCapture_UnknownCodeFallsBackToAffiliateParam(t *testing.T) {
	f := setup(t)

	a, ok, err := f.tracker.Capture(context.Background(), visit("v1", "ref=NOPE&aff=kai@example.com"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, commission.AffiliateID("kai@example.com"), a.AffiliateID)
}

func TestCapture_SuspendedAffiliateIgnored(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	a, err := f.store.GetAffiliate(ctx, "kai@example.com")
	require.NoError(t, err)
	a.Status = commission.AffiliateSuspended
	require.NoError(t, f.store.UpdateAffiliate(ctx, a))

	_, ok, err := f.tracker.Capture(ctx, visit("v1", "aff=kai@example.com"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAttribution_ExpiresAndDeletes(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	_, _, err := f.tracker.Capture(ctx, visit("v1", "ref=LIN10"))
	require.NoError(t, err)
	_, _, err = f.tracker.Capture(ctx, visit("v2", "ref=LIN10"))
	require.NoError(t, err)

	// WHEN: deleted, twice
	require.NoError(t, f.attrs.Delete(ctx, "v1"))
	require.NoError(t, f.attrs.Delete(ctx, "v1"), "absent is not an error")
	_, err = f.attrs.Get(ctx, "v1")
	assert.ErrorIs(t, err, commission.ErrNotFound)

	// WHEN: the window passes
	*f.clock = now.Add(attribution.DefaultTTL)
	_, err = f.attrs.Get(ctx, "v2")
	assert.ErrorIs(t, err, commission.ErrNotFound)
}

// =============================================================================
// REDIS STORE
// =============================================================================

func TestRedisStore(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	s := attribution.NewRedisStore(client)

	a := attribution.Attribution{VisitorID: "v1", AffiliateID: "lin@example.com", LinkCode: "LIN10", CapturedAt: now}
	require.NoError(t, s.Put(ctx, a, time.Hour))

	got, err := s.Get(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, a.AffiliateID, got.AffiliateID)
	assert.Equal(t, "LIN10", got.LinkCode)

	// THEN: the key carries the attribution window as its TTL
	assert.Equal(t, time.Hour, mr.TTL("commission:attribution:v1"))

	require.NoError(t, s.Delete(ctx, "v1"))
	assert.False(t, mr.Exists("commission:attribution:v1"))
	_, err = s.Get(ctx, "v1")
	assert.ErrorIs(t, err, commission.ErrNotFound)

	require.NoError(t, s.Put(ctx, a, time.Minute))
	mr.FastForward(2 * time.Minute)
	_, err = s.Get(ctx, "v1")
	assert.ErrorIs(t, err, commission.ErrNotFound)
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

func TestMiddleware_CapturesAndRedirects(t *testing.T) {
	f := setup(t)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })
	h := attribution.Middleware(f.tracker, attribution.NewThrottle(0, 0), quietLogger())(next)

	req := httptest.NewRequest(http.MethodGet, "/shoes?ref=LIN10&size=42", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/shoes?size=42", rec.Header().Get("Location"))

	var visitor string
	for _, c := range rec.Result().Cookies() {
		if c.Name == attribution.VisitorCookie {
			visitor = c.Value
		}
	}
	require.NotEmpty(t, visitor)
	got, err := f.attrs.Get(context.Background(), visitor)
	require.NoError(t, err)
	assert.Equal(t, commission.AffiliateID("lin@example.com"), got.AffiliateID)

	// Plain requests pass through.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/shoes", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestThrottle(t *testing.T) {
	th := attribution.NewThrottle(1, 2)
	assert.True(t, th.Allow("1.1.1.1"))
	assert.True(t, th.Allow("1.1.1.1"))
	assert.False(t, th.Allow("1.1.1.1"))
	assert.True(t, th.Allow("2.2.2.2"), "limits are per IP")

	var disabled *attribution.Throttle
	assert.True(t, disabled.Allow("1.1.1.1"))
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", attribution.ClientIP(r))

	// Forwarding headers are the client's to forge.
	r.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")
	r.Header.Set("X-Real-IP", "198.51.100.8")
	assert.Equal(t, "10.0.0.1", attribution.ClientIP(r))
}
