package commission

import "time"

// =============================================================================
// SETTLEMENT - Payout record for one affiliate and one period
// =============================================================================

type SettlementStatus string

const (
	SettlementPending    SettlementStatus = "pending"
	SettlementProcessing SettlementStatus = "processing"
	SettlementCompleted  SettlementStatus = "completed"
	SettlementFailed     SettlementStatus = "failed"
)

// Transitions are monotonic. A failed settlement is never resurrected;
// reprocessing creates a new row that points back at it via RetryOf.
//
//	pending ──► processing ──► completed
//	                       └─► failed
var settlementTransitions = map[SettlementStatus][]SettlementStatus{
	SettlementPending:    {SettlementProcessing},
	SettlementProcessing: {SettlementCompleted, SettlementFailed},
}

// CanTransitionTo reports whether s may move to next.
func (s SettlementStatus) CanTransitionTo(next SettlementStatus) bool {
	for _, allowed := range settlementTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s SettlementStatus) IsTerminal() bool {
	return s == SettlementCompleted || s == SettlementFailed
}

// InFlight reports whether money may still leave for this settlement.
func (s SettlementStatus) InFlight() bool {
	return s == SettlementPending || s == SettlementProcessing
}

// Settlement covers an affiliate's outstanding commission for one period.
//
// Failed rows are kept as history. Reprocessing a failed row inserts a new
// row for the same period with RetryOf pointing at it, so one (AffiliateID,
// Period) pair may own several rows, of which at most one is not failed.
//
// INVARIANTS:
//   - At most one non-failed Settlement per (AffiliateID, Period); failed
//     rows are excluded from the uniqueness check in every store
//   - Σ completed Amount <= Σ ledger commission for the affiliate
type Settlement struct {
	ID              SettlementID
	AffiliateID     AffiliateID
	Period          Period
	Amount          Money
	Status          SettlementStatus
	Payout          PayoutConfig // snapshot taken when the row was created
	PayoutReference string       // provider transaction id on success
	FailureReason   string
	Note            string
	Attempts        int
	RetryOf         SettlementID // failed settlement this one replaces
	CreatedAt       time.Time
	ProcessingAt    *time.Time
	ProcessedAt     *time.Time
	UpdatedAt       time.Time
}

// Transition returns a copy moved to next, stamping the matching timestamp.
// The caller persists it with SettlementStore.TransitionSettlement, which
// checks the stored status still equals s.Status.
func (s Settlement) Transition(next SettlementStatus, at time.Time) (Settlement, error) {
	if !s.Status.CanTransitionTo(next) {
		return s, &TransitionError{Entity: "settlement", From: string(s.Status), To: string(next)}
	}
	out := s
	out.Status = next
	out.UpdatedAt = at
	switch next {
	case SettlementProcessing:
		out.ProcessingAt = &at
	case SettlementCompleted, SettlementFailed:
		out.ProcessedAt = &at
	}
	return out, nil
}
