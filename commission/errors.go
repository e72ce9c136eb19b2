/*
errors.go - Centralized error types for the commission engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers branch with errors.Is / errors.As; stores return these sentinels
  so the engine never inspects driver-specific errors.

ERROR CATEGORIES:
  1. Lookup errors     - NotFound (affiliate, link, settlement)
  2. Capacity errors   - LimitExceeded (promo usage cap reached)
  3. Idempotency       - DuplicateEntry, DuplicateSettlement (absorbed as no-ops)
  4. Payout errors     - PayoutFailure (external call failed after retries)
  5. Validation errors - malformed rate, negative amount, bad period

PROPAGATION:
  NotFound / LimitExceeded during accrual are absorbed: the order completes
  without commission. DuplicateEntry is always absorbed. PayoutFailure ends
  as a failed Settlement with a reason. ValidationError is rejected before
  anything is persisted.

SEE ALSO:
  - accrual/engine.go: absorbs lookup and capacity errors
  - settlement/processor.go: converts payout errors to failed settlements
  - api/handlers.go: maps errors to HTTP status codes
*/
package commission

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is the root of all lookup failures.
	ErrNotFound = errors.New("not found")

	ErrAffiliateNotFound  = fmt.Errorf("affiliate %w", ErrNotFound)
	ErrLinkNotFound       = fmt.Errorf("promo link %w", ErrNotFound)
	ErrSettlementNotFound = fmt.Errorf("settlement %w", ErrNotFound)

	// ErrLimitExceeded is returned when a promo link's usage cap is reached.
	ErrLimitExceeded = errors.New("usage limit exceeded")

	// ErrDuplicateEntry is returned when a ledger entry with the same
	// idempotency key (or a second commission for the same order) exists.
	// Expected on webhook redelivery.
	ErrDuplicateEntry = errors.New("duplicate ledger entry")

	// ErrDuplicateSettlement is returned when a live settlement already
	// exists for (affiliate, period).
	ErrDuplicateSettlement = errors.New("settlement already exists for period")

	ErrDuplicateAffiliate = errors.New("affiliate already exists")
	ErrDuplicateCode      = errors.New("promo code already exists")

	// ErrPayoutFailure is returned when the external payout call fails
	// after all retries.
	ErrPayoutFailure = errors.New("payout failed")

	// ErrValidation is the root of all input validation failures.
	ErrValidation = errors.New("validation failed")

	// ErrCurrencyMismatch is returned for orders not in the engine currency.
	ErrCurrencyMismatch = fmt.Errorf("%w: currency mismatch", ErrValidation)

	// ErrInvalidTransition is returned for a settlement or affiliate status
	// change the state machine does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrConcurrentModification is returned when a compare-and-set update
	// finds the row in a different state than expected.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes one rejected field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// TransitionError describes a rejected status change.
type TransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s cannot move from %s to %s", e.Entity, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// PayoutError records why a payout attempt sequence gave up.
type PayoutError struct {
	SettlementID SettlementID
	Attempts     int
	Cause        error
}

func (e *PayoutError) Error() string {
	return fmt.Sprintf("payout for settlement %s failed after %d attempt(s): %v", e.SettlementID, e.Attempts, e.Cause)
}

func (e *PayoutError) Unwrap() []error { return []error{ErrPayoutFailure, e.Cause} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDuplicate returns true for idempotent no-op conflicts.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateEntry) || errors.Is(err, ErrDuplicateSettlement)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrDuplicateAffiliate) ||
		errors.Is(err, ErrDuplicateCode)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}
