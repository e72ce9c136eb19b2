/*
scheduler.go - Monthly settlement scheduler

PURPOSE:
  Periodically checks whether last month has been settled and, once the
  configured run day has arrived, runs the settlement batch for it. Every
  tick also fails settlements stuck in processing after a crash.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs immediately on start, so a restart on the 2nd still settles
  - A completed SettlementRun for the period means "already done"; the
    batch itself is idempotent, so an overlapping manual run is harmless
  - Stop cancels an in-progress batch between affiliates

CONFIGURATION:
  - RunDay:        Day of month (1-28) from which last month is settled
  - CheckInterval: How often to check (default: 1 hour)
  - StaleAfter:    Processing age after which a settlement is failed

USAGE:
  scheduler := NewSettlementScheduler(processor, log)
  scheduler.Start(ctx)
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunSettlementBatch endpoint (manual trigger)
  - settlement/processor.go: RunBatch, RecoverStale
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/settlement"
)

// SettlementScheduler settles the previous month automatically.
type SettlementScheduler struct {
	Processor     *settlement.Processor
	RunDay        int
	CheckInterval time.Duration
	StaleAfter    time.Duration
	Enabled       bool

	log    *slog.Logger
	now    func() time.Time
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewSettlementScheduler(processor *settlement.Processor, log *slog.Logger) *SettlementScheduler {
	if log == nil {
		log = slog.Default()
	}
	return &SettlementScheduler{
		Processor:     processor,
		RunDay:        1,
		CheckInterval: time.Hour,
		StaleAfter:    time.Hour,
		Enabled:       true,
		log:           log,
		now:           time.Now,
	}
}

func (s *SettlementScheduler) WithClock(now func() time.Time) *SettlementScheduler {
	s.now = now
	return s
}

// Start begins the scheduler. It stops when ctx is cancelled or Stop is called.
func (s *SettlementScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.log.Info("settlement scheduler disabled")
		return
	}
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)

	s.log.Info("settlement scheduler started", "check_interval", s.CheckInterval, "run_day", s.RunDay)
}

// Stop stops the scheduler and waits for an in-progress check to return.
func (s *SettlementScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		s.wg.Wait()
		s.cancel = nil
		s.log.Info("settlement scheduler stopped")
	}
}

func (s *SettlementScheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.CheckInterval)
	defer ticker.Stop()

	// Run immediately on start
	s.RunNow(ctx)

	for {
		select {
		case <-ticker.C:
			s.RunNow(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// CheckResult reports what one check did.
type CheckResult struct {
	Recovered int
	Period    commission.Period
	Ran       bool
	Summary   *settlement.Summary
}

// RunNow performs one check immediately.
func (s *SettlementScheduler) RunNow(ctx context.Context) CheckResult {
	var res CheckResult

	recovered, err := s.Processor.RecoverStale(ctx, s.StaleAfter)
	if err != nil {
		s.log.Error("stale settlement recovery failed", "error", err)
	}
	res.Recovered = recovered
	if recovered > 0 {
		s.log.Warn("failed stale processing settlements", "count", recovered)
	}

	now := s.now().UTC()
	res.Period = commission.PreviousMonth(now)
	if now.Day() < s.RunDay {
		return res
	}

	done, err := s.Processor.HasCompletedRun(ctx, res.Period)
	if err != nil {
		s.log.Error("check settlement runs", "period", res.Period.String(), "error", err)
		return res
	}
	if done {
		return res
	}

	summary, err := s.Processor.RunBatch(ctx, res.Period, commission.TriggerScheduled)
	res.Ran = summary.RunID != ""
	if res.Ran {
		res.Summary = &summary
	}
	if err != nil {
		s.log.Error("scheduled settlement batch", "period", res.Period.String(), "error", err)
		return res
	}
	s.log.Info("scheduled settlement batch completed",
		"period", res.Period.String(),
		"processed", summary.Processed,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
		"total", summary.TotalAmount.String())
	return res
}

// NextCheck returns when the next scheduled check will occur.
func (s *SettlementScheduler) NextCheck() time.Time {
	return s.now().Add(s.CheckInterval)
}
