package payout

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/warp/commission-engine/commission"
)

// ManualProvider records bank transfers for finance to execute by hand.
// The settlement completes when the instruction is queued.
type ManualProvider struct {
	log *slog.Logger
}

func NewManualProvider(log *slog.Logger) *ManualProvider {
	if log == nil {
		log = slog.Default()
	}
	return &ManualProvider{log: log}
}

func (m *ManualProvider) Pay(_ context.Context, req Request) (Receipt, error) {
	m.log.Info("manual bank transfer queued",
		"settlement_id", req.SettlementID,
		"affiliate_id", req.AffiliateID,
		"amount", req.Amount.String(),
		"bank_code", req.Method.Details["bank_code"],
		"account_name", req.Method.Details["account_name"])
	return Receipt{Reference: "manual:" + string(req.SettlementID)}, nil
}

// Stub succeeds unless the affiliate is listed in Fail. Used in dev mode
// and tests.
type Stub struct {
	mu    sync.Mutex
	Fail  map[commission.AffiliateID]error
	calls []Request
}

func (s *Stub) Pay(_ context.Context, req Request) (Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if err, ok := s.Fail[req.AffiliateID]; ok {
		return Receipt{}, err
	}
	return Receipt{Reference: fmt.Sprintf("stub_%s", req.SettlementID)}, nil
}

func (s *Stub) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.calls))
	copy(out, s.calls)
	return out
}
