package attribution

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// VisitorCookie carries the visitor id attributions are keyed by.
const VisitorCookie = "aff_visitor"

// =============================================================================
// THROTTLE - Per-IP limiter for capture
// =============================================================================

// Throttle limits how often one client IP may create attributions.
// Throttled requests are served normally, just not attributed.
type Throttle struct {
	mu       sync.Mutex
	limiters map[string]*throttleEntry
	limit    rate.Limit
	burst    int
	idle     time.Duration
}

type throttleEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewThrottle allows perMinute captures per IP with the given burst.
// perMinute <= 0 disables throttling.
func NewThrottle(perMinute, burst int) *Throttle {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(perMinute))
	}
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{
		limiters: make(map[string]*throttleEntry),
		limit:    limit,
		burst:    burst,
		idle:     10 * time.Minute,
	}
}

func (t *Throttle) Allow(ip string) bool {
	if t == nil || t.limit == rate.Inf {
		return true
	}
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.limiters[ip]
	if !ok {
		e = &throttleEntry{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.limiters[ip] = e
	}
	e.lastSeen = now
	t.sweep(now)
	return e.limiter.AllowN(now, 1)
}

// sweep drops limiters idle for longer than t.idle. Caller holds t.mu.
func (t *Throttle) sweep(now time.Time) {
	if len(t.limiters) < 1024 {
		return
	}
	for ip, e := range t.limiters {
		if now.Sub(e.lastSeen) > t.idle {
			delete(t.limiters, ip)
		}
	}
}

// =============================================================================
// HTTP
// =============================================================================

// Middleware captures referral parameters on any GET request, then
// redirects to the same URL without them. Requests without referral
// parameters pass through untouched.
func Middleware(tracker *Tracker, throttle *Throttle, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			if r.Method != http.MethodGet || !HasReferralParams(q) {
				next.ServeHTTP(w, r)
				return
			}
			CaptureRequest(w, r, tracker, throttle, log)
			http.Redirect(w, r, StripParams(r.URL).String(), http.StatusFound)
		})
	}
}

// CaptureRequest runs a capture for r, assigning a visitor cookie when the
// request has none. It never fails the request.
func CaptureRequest(w http.ResponseWriter, r *http.Request, tracker *Tracker, throttle *Throttle, log *slog.Logger) (Attribution, bool) {
	visitorID := EnsureVisitor(w, r, tracker.ttl)
	ip := ClientIP(r)
	if !throttle.Allow(ip) {
		log.Debug("attribution capture throttled", "ip_hash", sha256Hex(ip))
		return Attribution{}, false
	}
	a, ok, err := tracker.Capture(r.Context(), Visit{
		VisitorID: visitorID,
		Params:    r.URL.Query(),
		Referrer:  r.Referer(),
		IP:        ip,
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		log.Error("attribution capture failed", "visitor_id", visitorID, "error", err)
		return Attribution{}, false
	}
	return a, ok
}

// EnsureVisitor returns the request's visitor id, minting one and setting
// the cookie if absent.
func EnsureVisitor(w http.ResponseWriter, r *http.Request, ttl time.Duration) string {
	if c, err := r.Cookie(VisitorCookie); err == nil && c.Value != "" {
		return c.Value
	}
	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     VisitorCookie,
		Value:    id,
		Path:     "/",
		MaxAge:   int(ttl / time.Second),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

// ClientIP is the connection address. Forwarding headers are client
// controlled; behind a trusted proxy the router rewrites RemoteAddr from
// them first (chi middleware.RealIP).
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
