package payout

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/warp/commission-engine/commission"
)

type RetryConfig struct {
	MaxAttempts     int
	AttemptTimeout  time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 30 * time.Second
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 500 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 10 * time.Second
	}
	return c
}

// Retrying retries a provider's transient failures.
type Retrying struct {
	next Provider
	cfg  RetryConfig
}

func WithRetry(next Provider, cfg RetryConfig) *Retrying {
	return &Retrying{next: next, cfg: cfg.withDefaults()}
}

// Pay returns a *commission.PayoutError once attempts are exhausted or the
// failure is permanent.
func (r *Retrying) Pay(ctx context.Context, req Request) (Receipt, error) {
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = string(req.SettlementID)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxInterval = r.cfg.MaxInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.cfg.MaxAttempts-1)), ctx)

	var (
		receipt  Receipt
		attempts int
	)
	err := backoff.Retry(func() error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.AttemptTimeout)
		defer cancel()

		out, err := r.next.Pay(attemptCtx, req)
		if err != nil {
			if IsPermanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		receipt = out
		return nil
	}, policy)
	if err != nil {
		return Receipt{}, &commission.PayoutError{SettlementID: req.SettlementID, Attempts: attempts, Cause: err}
	}
	return receipt, nil
}
