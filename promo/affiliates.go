package promo

import (
	"context"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/warp/commission-engine/commission"
)

// =============================================================================
// AFFILIATE REGISTRY
// =============================================================================

// Affiliates manages affiliate registration, payout configuration and the
// admin-only status lifecycle. Affiliates are never deleted.
type Affiliates struct {
	store       commission.AffiliateStore
	log         *slog.Logger
	now         func() time.Time
	AutoApprove bool // register as active instead of pending
}

func NewAffiliates(store commission.AffiliateStore, log *slog.Logger) *Affiliates {
	if log == nil {
		log = slog.Default()
	}
	return &Affiliates{store: store, log: log, now: time.Now}
}

func (a *Affiliates) WithClock(now func() time.Time) *Affiliates {
	a.now = now
	return a
}

type Registration struct {
	ID            commission.AffiliateID // defaults to the e-mail
	Email         string
	DisplayName   string
	Website       string
	Payout        commission.PayoutConfig
	Notifications commission.NotificationPrefs
}

func (a *Affiliates) Register(ctx context.Context, in Registration) (commission.Affiliate, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		return commission.Affiliate{}, &commission.ValidationError{Field: "email", Reason: "not a valid address"}
	}
	if err := in.Payout.Validate(); err != nil {
		return commission.Affiliate{}, err
	}

	id := in.ID
	if id == "" {
		id = commission.AffiliateID(email)
	}
	status := commission.AffiliatePending
	if a.AutoApprove {
		status = commission.AffiliateActive
	}

	now := a.now().UTC()
	affiliate := commission.Affiliate{
		ID:            id,
		Email:         email,
		DisplayName:   strings.TrimSpace(in.DisplayName),
		Website:       strings.TrimSpace(in.Website),
		Payout:        in.Payout.Snapshot(),
		Notifications: in.Notifications,
		Status:        status,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := a.store.CreateAffiliate(ctx, affiliate); err != nil {
		return commission.Affiliate{}, err
	}
	a.log.Info("affiliate registered", "affiliate_id", affiliate.ID, "status", affiliate.Status)
	return affiliate, nil
}

func (a *Affiliates) Get(ctx context.Context, id commission.AffiliateID) (commission.Affiliate, error) {
	return a.store.GetAffiliate(ctx, id)
}

func (a *Affiliates) List(ctx context.Context, status commission.AffiliateStatus) ([]commission.Affiliate, error) {
	return a.store.ListAffiliates(ctx, status)
}

// UpdatePayout replaces the payout method. Settlements already created keep
// their snapshot.
func (a *Affiliates) UpdatePayout(ctx context.Context, id commission.AffiliateID, cfg commission.PayoutConfig) (commission.Affiliate, error) {
	if err := cfg.Validate(); err != nil {
		return commission.Affiliate{}, err
	}
	return a.update(ctx, id, func(af *commission.Affiliate) error {
		af.Payout = cfg.Snapshot()
		return nil
	})
}

func (a *Affiliates) UpdateNotifications(ctx context.Context, id commission.AffiliateID, prefs commission.NotificationPrefs) (commission.Affiliate, error) {
	return a.update(ctx, id, func(af *commission.Affiliate) error {
		af.Notifications = prefs
		return nil
	})
}

// SetStatus applies an admin status change.
func (a *Affiliates) SetStatus(ctx context.Context, id commission.AffiliateID, status commission.AffiliateStatus) (commission.Affiliate, error) {
	return a.update(ctx, id, func(af *commission.Affiliate) error {
		if !af.Status.CanTransitionTo(status) {
			return &commission.TransitionError{Entity: "affiliate", From: string(af.Status), To: string(status)}
		}
		af.Status = status
		return nil
	})
}

func (a *Affiliates) update(ctx context.Context, id commission.AffiliateID, mutate func(*commission.Affiliate) error) (commission.Affiliate, error) {
	affiliate, err := a.store.GetAffiliate(ctx, id)
	if err != nil {
		return commission.Affiliate{}, err
	}
	if err := mutate(&affiliate); err != nil {
		return commission.Affiliate{}, err
	}
	affiliate.UpdatedAt = a.now().UTC()
	if err := a.store.UpdateAffiliate(ctx, affiliate); err != nil {
		return commission.Affiliate{}, err
	}
	a.log.Info("affiliate updated", "affiliate_id", affiliate.ID, "status", affiliate.Status)
	return affiliate, nil
}
