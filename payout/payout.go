/*
Package payout executes settlement payouts against the affiliate's
configured method.

PROVIDERS:
  HTTPProvider   PayPal / provider-account payouts through a payout API
  ManualProvider bank transfers queued for finance (always succeeds with
                 a "manual:" reference)
  Stub           dev mode: succeeds, or fails for configured affiliates
  Router         dispatches on PayoutConfig.Method

RETRY:
  Retrying wraps any Provider with bounded exponential backoff and a
  per-attempt timeout. Permanent errors (4xx-class rejections, missing
  provider) stop immediately. Every attempt for one settlement carries the
  same idempotency key so a retried call cannot pay twice.
*/
package payout

import (
	"context"
	"errors"
	"fmt"

	"github.com/warp/commission-engine/commission"
)

// Request is one payout instruction.
type Request struct {
	SettlementID   commission.SettlementID
	AffiliateID    commission.AffiliateID
	Amount         commission.Money
	Method         commission.PayoutConfig
	Period         commission.Period
	IdempotencyKey string
}

// Receipt is the provider's acknowledgement.
type Receipt struct {
	Reference string
}

type Provider interface {
	Pay(ctx context.Context, req Request) (Receipt, error)
}

// =============================================================================
// PERMANENT ERRORS
// =============================================================================

// PermanentError marks a failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// =============================================================================
// ROUTER
// =============================================================================

// Router picks a provider by payout method.
type Router struct {
	providers map[commission.PayoutMethod]Provider
}

func NewRouter() *Router {
	return &Router{providers: make(map[commission.PayoutMethod]Provider)}
}

func (r *Router) Register(method commission.PayoutMethod, p Provider) *Router {
	r.providers[method] = p
	return r
}

func (r *Router) Pay(ctx context.Context, req Request) (Receipt, error) {
	p, ok := r.providers[req.Method.Method]
	if !ok {
		return Receipt{}, Permanent(fmt.Errorf("no payout provider for method %q", req.Method.Method))
	}
	return p.Pay(ctx, req)
}
