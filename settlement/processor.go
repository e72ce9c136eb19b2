/*
processor.go - Settlement batch processor

PURPOSE:
  Pays affiliates what they have earned and not yet been paid. One
  Settlement row per (affiliate, period); each row walks

    pending ──► processing ──► completed
                           └─► failed

ALGORITHM (per affiliate, under a per-affiliate lock):
  1. Affiliate must be active                    else skip
  2. No settlement for (affiliate, period) yet   else skip (re-run safe)
  3. payable = earned - completed - in-flight    skip if <= 0 or < minimum
  4. Insert pending row with a payout snapshot   insert conflict = skip
  5. processing -> payout (retried) -> completed | failed(reason)

  In-flight amounts are subtracted so two periods settled back to back
  cannot both pay the same commission.

FAILURE ISOLATION:
  One affiliate failing never stops the batch. Cancellation is checked
  between affiliates; the affiliate being processed finishes on a context
  detached from cancellation so no row is left half-transitioned.

REPROCESSING:
  A failed row is never resurrected. ProcessSettlement on a failed row
  creates a new row for the same period (RetryOf = old id) with a freshly
  computed amount and the affiliate's current payout details.

SEE ALSO:
  - commission/settlement.go: state machine
  - commission/balance.go: payable computation
  - payout/retry.go: bounded retries with backoff
*/
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/events"
	"github.com/warp/commission-engine/notify"
	"github.com/warp/commission-engine/payout"
)

// Store is what the processor reads and writes.
type Store interface {
	commission.LedgerStore
	commission.SettlementStore
	commission.AffiliateStore
	commission.RunStore
}

type Config struct {
	Currency  commission.Currency
	MinPayout decimal.Decimal // payable balances below this are skipped
}

// =============================================================================
// RESULTS
// =============================================================================

type Outcome string

const (
	OutcomeCompleted         Outcome = "completed"
	OutcomeFailed            Outcome = "failed"
	OutcomeAlreadySettled    Outcome = "already_settled"
	OutcomeNothingPayable    Outcome = "nothing_payable"
	OutcomeBelowMinimum      Outcome = "below_minimum"
	OutcomeAffiliateInactive Outcome = "affiliate_inactive"
)

func (o Outcome) skipped() bool {
	return o != OutcomeCompleted && o != OutcomeFailed
}

// AffiliateResult is the outcome for one affiliate.
type AffiliateResult struct {
	AffiliateID commission.AffiliateID
	Outcome     Outcome
	Settlement  *commission.Settlement
}

// Summary is returned by RunBatch. Processed counts completed payouts and
// TotalAmount is what they paid.
type Summary struct {
	RunID       commission.RunID
	Period      commission.Period
	Processed   int
	Failed      int
	Skipped     int
	TotalAmount commission.Money
	Cancelled   bool
	Results     []AffiliateResult
}

// =============================================================================
// PROCESSOR
// =============================================================================

type Processor struct {
	store     Store
	balances  *commission.BalanceCalculator
	payouts   payout.Provider
	notifier  notify.Notifier
	publisher events.Publisher
	cfg       Config
	locks     *keyedMutex
	log       *slog.Logger
	now       func() time.Time
}

func NewProcessor(store Store, payouts payout.Provider, cfg Config, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		store:     store,
		balances:  commission.NewBalanceCalculator(store, store, cfg.Currency),
		payouts:   payouts,
		notifier:  notify.Nop{},
		publisher: events.Nop{},
		cfg:       cfg,
		locks:     newKeyedMutex(),
		log:       log,
		now:       time.Now,
	}
}

func (p *Processor) WithNotifier(n notify.Notifier) *Processor {
	if n != nil {
		p.notifier = n
	}
	return p
}

func (p *Processor) WithPublisher(pub events.Publisher) *Processor {
	if pub != nil {
		p.publisher = pub
	}
	return p
}

func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// =============================================================================
// BATCH
// =============================================================================

// RunBatch settles every affiliate with ledger entries for period. The
// returned error is non-nil only when the batch could not start, or when
// ctx was cancelled (the partial summary is still returned).
func (p *Processor) RunBatch(ctx context.Context, period commission.Period, trigger commission.RunTrigger) (Summary, error) {
	if period.IsZero() {
		return Summary{}, &commission.ValidationError{Field: "period", Reason: "required"}
	}
	log := p.log.With("period", period.String(), "trigger", trigger)
	summary := Summary{Period: period, TotalAmount: commission.ZeroMoney(p.cfg.Currency)}

	run := commission.SettlementRun{
		ID:          commission.RunID(uuid.NewString()),
		Period:      period,
		Trigger:     trigger,
		Status:      commission.RunRunning,
		TotalAmount: summary.TotalAmount,
		StartedAt:   p.now().UTC(),
	}
	if err := p.store.CreateRun(ctx, run); err != nil {
		return Summary{}, fmt.Errorf("record settlement run: %w", err)
	}
	summary.RunID = run.ID

	ids, err := p.store.AffiliatesWithEntries(ctx)
	if err != nil {
		p.finishRun(ctx, run, summary, commission.RunFailed, err)
		return summary, err
	}
	log.Info("settlement batch started", "run_id", run.ID, "affiliates", len(ids))

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			summary.Cancelled = true
			p.finishRun(ctx, run, summary, commission.RunCancelled, err)
			log.Warn("settlement batch cancelled", "run_id", run.ID, "remaining", len(ids)-len(summary.Results))
			return summary, err
		}

		res, err := p.settle(context.WithoutCancel(ctx), id, period)
		if err != nil {
			log.Error("settle affiliate", "affiliate_id", id, "error", err)
			res = AffiliateResult{AffiliateID: id, Outcome: OutcomeFailed}
		}
		summary.add(res)
	}

	p.finishRun(ctx, run, summary, commission.RunCompleted, nil)
	log.Info("settlement batch finished",
		"run_id", run.ID,
		"processed", summary.Processed,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
		"total", summary.TotalAmount.String())
	return summary, nil
}

func (s *Summary) add(res AffiliateResult) {
	s.Results = append(s.Results, res)
	switch {
	case res.Outcome == OutcomeCompleted:
		s.Processed++
		if res.Settlement != nil {
			s.TotalAmount = s.TotalAmount.Add(res.Settlement.Amount)
		}
	case res.Outcome == OutcomeFailed:
		s.Failed++
	case res.Outcome.skipped():
		s.Skipped++
	}
}

func (p *Processor) finishRun(ctx context.Context, run commission.SettlementRun, s Summary, status commission.RunStatus, cause error) {
	done := p.now().UTC()
	run.Status = status
	run.Processed = s.Processed
	run.Failed = s.Failed
	run.Skipped = s.Skipped
	run.TotalAmount = s.TotalAmount
	run.CompletedAt = &done
	if cause != nil {
		run.Error = cause.Error()
	}
	if err := p.store.UpdateRun(context.WithoutCancel(ctx), run); err != nil {
		p.log.Error("update settlement run", "run_id", run.ID, "error", err)
	}
}

// HasCompletedRun reports whether a batch for period already finished.
func (p *Processor) HasCompletedRun(ctx context.Context, period commission.Period) (bool, error) {
	runs, err := p.store.ListRuns(ctx, &period, 0)
	if err != nil {
		return false, err
	}
	for _, r := range runs {
		if r.Status == commission.RunCompleted {
			return true, nil
		}
	}
	return false, nil
}

// Runs lists batch history, newest first.
func (p *Processor) Runs(ctx context.Context, period *commission.Period, limit int) ([]commission.SettlementRun, error) {
	return p.store.ListRuns(ctx, period, limit)
}

// =============================================================================
// SINGLE AFFILIATE
// =============================================================================

// SettleAffiliate runs the batch algorithm for one affiliate.
func (p *Processor) SettleAffiliate(ctx context.Context, affiliateID commission.AffiliateID, period commission.Period) (AffiliateResult, error) {
	if period.IsZero() {
		return AffiliateResult{}, &commission.ValidationError{Field: "period", Reason: "required"}
	}
	if _, err := p.store.GetAffiliate(ctx, affiliateID); err != nil {
		return AffiliateResult{}, err
	}
	return p.settle(context.WithoutCancel(ctx), affiliateID, period)
}

func (p *Processor) settle(ctx context.Context, affiliateID commission.AffiliateID, period commission.Period) (AffiliateResult, error) {
	unlock := p.locks.Lock(string(affiliateID))
	defer unlock()

	log := p.log.With("affiliate_id", affiliateID, "period", period.String())
	skip := func(o Outcome) (AffiliateResult, error) {
		log.Info("settlement skipped", "reason", o)
		return AffiliateResult{AffiliateID: affiliateID, Outcome: o}, nil
	}

	affiliate, err := p.store.GetAffiliate(ctx, affiliateID)
	if err != nil {
		return AffiliateResult{}, err
	}
	if !affiliate.IsActive() {
		return skip(OutcomeAffiliateInactive)
	}

	existing, err := p.store.ListSettlements(ctx, commission.SettlementFilter{AffiliateID: affiliateID, Period: &period, Limit: 1})
	if err != nil {
		return AffiliateResult{}, err
	}
	if len(existing) > 0 {
		return skip(OutcomeAlreadySettled)
	}

	s, outcome, err := p.createPending(ctx, affiliate, period, "")
	if err != nil {
		return AffiliateResult{}, err
	}
	if outcome != "" {
		return skip(outcome)
	}

	final, err := p.execute(ctx, affiliate, s)
	if err != nil {
		return AffiliateResult{}, err
	}
	res := AffiliateResult{AffiliateID: affiliateID, Outcome: OutcomeCompleted, Settlement: &final}
	if final.Status == commission.SettlementFailed {
		res.Outcome = OutcomeFailed
	}
	return res, nil
}

// createPending computes the payable amount and inserts a pending row.
// A non-empty Outcome means nothing was created.
func (p *Processor) createPending(ctx context.Context, affiliate commission.Affiliate, period commission.Period, retryOf commission.SettlementID) (commission.Settlement, Outcome, error) {
	balance, err := p.balances.Balance(ctx, affiliate.ID)
	if err != nil {
		return commission.Settlement{}, "", err
	}
	payable := balance.Payable().Round()
	if !payable.IsPositive() {
		return commission.Settlement{}, OutcomeNothingPayable, nil
	}
	if payable.Amount.LessThan(p.cfg.MinPayout) {
		return commission.Settlement{}, OutcomeBelowMinimum, nil
	}

	now := p.now().UTC()
	s := commission.Settlement{
		ID:          commission.SettlementID(uuid.NewString()),
		AffiliateID: affiliate.ID,
		Period:      period,
		Amount:      payable,
		Status:      commission.SettlementPending,
		Payout:      affiliate.Payout.Snapshot(),
		RetryOf:     retryOf,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := p.store.CreateSettlement(ctx, s); err != nil {
		if errors.Is(err, commission.ErrDuplicateSettlement) {
			return commission.Settlement{}, OutcomeAlreadySettled, nil
		}
		return commission.Settlement{}, "", err
	}
	p.publish(ctx, s)
	p.log.Info("settlement created",
		"affiliate_id", s.AffiliateID, "settlement_id", s.ID, "period", period.String(), "amount", s.Amount.String())
	return s, "", nil
}

// execute moves a pending settlement through processing to a terminal
// status. A payout failure is not an error: it ends as a failed row.
func (p *Processor) execute(ctx context.Context, affiliate commission.Affiliate, s commission.Settlement) (commission.Settlement, error) {
	processing, err := s.Transition(commission.SettlementProcessing, p.now().UTC())
	if err != nil {
		return s, err
	}
	processing.Attempts++
	if err := p.store.TransitionSettlement(ctx, processing, commission.SettlementPending); err != nil {
		return s, err
	}

	var (
		receipt payout.Receipt
		payErr  error
	)
	if err := processing.Payout.Validate(); err != nil {
		payErr = err
	} else {
		receipt, payErr = p.payouts.Pay(ctx, payout.Request{
			SettlementID:   processing.ID,
			AffiliateID:    processing.AffiliateID,
			Amount:         processing.Amount,
			Method:         processing.Payout,
			Period:         processing.Period,
			IdempotencyKey: string(processing.ID),
		})
	}

	var final commission.Settlement
	if payErr != nil {
		final, err = processing.Transition(commission.SettlementFailed, p.now().UTC())
		final.FailureReason = payErr.Error()
		var perr *commission.PayoutError
		if errors.As(payErr, &perr) {
			final.Attempts = perr.Attempts
		}
	} else {
		final, err = processing.Transition(commission.SettlementCompleted, p.now().UTC())
		final.PayoutReference = receipt.Reference
	}
	if err != nil {
		return processing, err
	}
	if err := p.store.TransitionSettlement(ctx, final, commission.SettlementProcessing); err != nil {
		return processing, err
	}

	p.finish(ctx, affiliate, final)
	return final, nil
}

// finish announces a terminal settlement. Failures are logged only.
func (p *Processor) finish(ctx context.Context, affiliate commission.Affiliate, s commission.Settlement) {
	log := p.log.With("affiliate_id", s.AffiliateID, "settlement_id", s.ID, "period", s.Period.String())
	if s.Status == commission.SettlementCompleted {
		log.Info("settlement completed", "amount", s.Amount.String(), "reference", s.PayoutReference)
	} else {
		log.Warn("settlement failed", "amount", s.Amount.String(), "reason", s.FailureReason)
	}
	p.publish(ctx, s)
	if err := p.notifier.SettlementFinished(ctx, affiliate, s); err != nil {
		log.Warn("notify affiliate", "error", err)
	}
}

func (p *Processor) publish(ctx context.Context, s commission.Settlement) {
	e, ok := events.SettlementChanged(s)
	if !ok {
		return
	}
	if err := p.publisher.Publish(ctx, e); err != nil {
		p.log.Warn("publish settlement event", "settlement_id", s.ID, "type", e.Type, "error", err)
	}
}

// =============================================================================
// SINGLE SETTLEMENT
// =============================================================================

// ProcessSettlement pays a pending settlement, or replaces a failed one
// with a new row for the same period. Other statuses are rejected.
func (p *Processor) ProcessSettlement(ctx context.Context, id commission.SettlementID) (commission.Settlement, error) {
	ctx = context.WithoutCancel(ctx)
	s, err := p.store.GetSettlement(ctx, id)
	if err != nil {
		return commission.Settlement{}, err
	}
	unlock := p.locks.Lock(string(s.AffiliateID))
	defer unlock()

	// Re-read under the lock.
	if s, err = p.store.GetSettlement(ctx, id); err != nil {
		return commission.Settlement{}, err
	}
	affiliate, err := p.store.GetAffiliate(ctx, s.AffiliateID)
	if err != nil {
		return commission.Settlement{}, err
	}

	switch s.Status {
	case commission.SettlementPending:
		return p.execute(ctx, affiliate, s)

	case commission.SettlementFailed:
		live, err := p.store.ListSettlements(ctx, commission.SettlementFilter{
			AffiliateID: s.AffiliateID,
			Period:      &s.Period,
			Statuses:    []commission.SettlementStatus{commission.SettlementPending, commission.SettlementProcessing, commission.SettlementCompleted},
			Limit:       1,
		})
		if err != nil {
			return commission.Settlement{}, err
		}
		if len(live) > 0 {
			return commission.Settlement{}, fmt.Errorf("%w: %s replaced by %s", commission.ErrDuplicateSettlement, s.ID, live[0].ID)
		}
		retry, outcome, err := p.createPending(ctx, affiliate, s.Period, s.ID)
		if err != nil {
			return commission.Settlement{}, err
		}
		switch outcome {
		case "":
		case OutcomeAlreadySettled:
			return commission.Settlement{}, commission.ErrDuplicateSettlement
		default:
			return commission.Settlement{}, &commission.ValidationError{Field: "amount", Reason: string(outcome)}
		}
		return p.execute(ctx, affiliate, retry)

	default:
		return commission.Settlement{}, &commission.TransitionError{
			Entity: "settlement", From: string(s.Status), To: string(commission.SettlementProcessing),
		}
	}
}

// =============================================================================
// RECOVERY
// =============================================================================

// RecoverStale fails settlements stuck in processing for longer than
// olderThan, e.g. after a crash mid-payout. Returns how many were failed.
func (p *Processor) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := p.now().UTC().Add(-olderThan)
	stale, err := p.store.ListSettlements(ctx, commission.SettlementFilter{
		Statuses:         []commission.SettlementStatus{commission.SettlementProcessing},
		ProcessingBefore: &cutoff,
	})
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, s := range stale {
		failed, err := s.Transition(commission.SettlementFailed, p.now().UTC())
		if err != nil {
			return recovered, err
		}
		failed.FailureReason = "processing interrupted"
		if err := p.store.TransitionSettlement(ctx, failed, commission.SettlementProcessing); err != nil {
			if errors.Is(err, commission.ErrConcurrentModification) {
				continue
			}
			return recovered, err
		}
		recovered++

		affiliate, err := p.store.GetAffiliate(ctx, s.AffiliateID)
		if err != nil {
			p.log.Warn("load affiliate for stale settlement", "settlement_id", s.ID, "error", err)
			continue
		}
		p.finish(ctx, affiliate, failed)
	}
	return recovered, nil
}

// =============================================================================
// READS
// =============================================================================

func (p *Processor) Get(ctx context.Context, id commission.SettlementID) (commission.Settlement, error) {
	return p.store.GetSettlement(ctx, id)
}

// History lists an affiliate's settlements, newest first.
func (p *Processor) History(ctx context.Context, affiliateID commission.AffiliateID) ([]commission.Settlement, error) {
	return p.store.ListSettlements(ctx, commission.SettlementFilter{AffiliateID: affiliateID})
}
