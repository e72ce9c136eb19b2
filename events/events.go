/*
Package events publishes commission domain events.

EVENTS:
  commission.accrued      a commission entry was recorded
  commission.corrected    a correction entry was recorded
  settlement.created      a pending settlement row was created
  settlement.completed    payout succeeded
  settlement.failed       payout failed (reason attached)

  Events are keyed by affiliate id so one affiliate's events stay ordered
  on a partition. Publishing is best-effort: callers log failures and
  carry on, the ledger and settlement rows remain the source of truth.
*/
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/warp/commission-engine/commission"
)

type Type string

const (
	CommissionAccrued   Type = "commission.accrued"
	CommissionCorrected Type = "commission.corrected"
	SettlementCreated   Type = "settlement.created"
	SettlementCompleted Type = "settlement.completed"
	SettlementFailed    Type = "settlement.failed"
)

// Event is the JSON envelope written to the broker.
type Event struct {
	Type         Type                    `json:"type"`
	AffiliateID  commission.AffiliateID  `json:"affiliate_id"`
	OrderID      commission.OrderID      `json:"order_id,omitempty"`
	EntryID      commission.EntryID      `json:"entry_id,omitempty"`
	SettlementID commission.SettlementID `json:"settlement_id,omitempty"`
	Period       string                  `json:"period,omitempty"`
	Amount       string                  `json:"amount,omitempty"`
	Currency     string                  `json:"currency,omitempty"`
	Reason       string                  `json:"reason,omitempty"`
	At           time.Time               `json:"at"`
}

func (e Event) Marshal() ([]byte, error) { return json.Marshal(e) }

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// =============================================================================
// CONSTRUCTORS
// =============================================================================

func EntryRecorded(e commission.LedgerEntry) Event {
	t := CommissionAccrued
	if e.Type == commission.EntryCorrection {
		t = CommissionCorrected
	}
	return Event{
		Type:        t,
		AffiliateID: e.AffiliateID,
		OrderID:     e.OrderID,
		EntryID:     e.ID,
		Amount:      e.Commission.StringFixed(),
		Currency:    string(e.Commission.Currency),
		Reason:      e.Reason,
		At:          e.CreatedAt,
	}
}

// SettlementChanged builds the event for a settlement's current status.
// Statuses without an event (processing) return ok=false.
func SettlementChanged(s commission.Settlement) (Event, bool) {
	var t Type
	switch s.Status {
	case commission.SettlementPending:
		t = SettlementCreated
	case commission.SettlementCompleted:
		t = SettlementCompleted
	case commission.SettlementFailed:
		t = SettlementFailed
	default:
		return Event{}, false
	}
	return Event{
		Type:         t,
		AffiliateID:  s.AffiliateID,
		SettlementID: s.ID,
		Period:       s.Period.String(),
		Amount:       s.Amount.StringFixed(),
		Currency:     string(s.Amount.Currency),
		Reason:       s.FailureReason,
		At:           s.UpdatedAt,
	}, true
}

// =============================================================================
// IN-PROCESS PUBLISHERS
// =============================================================================

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Recorder keeps published events in memory. Used by tests and dev mode.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Close() error { return nil }

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
