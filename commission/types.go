/*
Package commission provides the core model of the affiliate commission engine.

PURPOSE:
  Domain types shared by every component: who earns (Affiliate), through
  what (PromoLink), what was earned (LedgerEntry), and what was paid
  (Settlement). Components only exchange these types; storage backends
  implement the interfaces in store.go.

KEY CONCEPTS IN THIS FILE (types.go):
  - Affiliate:   identity, payout method, notification preferences, status
  - PromoLink:   code/link owned by one affiliate, discount + commission rate
  - LedgerEntry: immutable record of commission earned on one order
  - Settlement:  payout record for one affiliate and one month
  - Click:       tracked referral visit (reporting only)

DESIGN PRINCIPLES:
  1. Append-only ledger: entries are never edited, corrections are new entries
  2. Precision: all amounts are decimal.Decimal, rounded to the currency minor unit
  3. Balances are derived by replaying entries and settlements, never stored

SEE ALSO:
  - money.go: Money, Currency, commission arithmetic
  - period.go: settlement Period (year-month)
  - ledger.go: append-only Ledger over LedgerStore
  - settlement.go: Settlement state machine
*/
package commission

import (
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AffiliateID string
type PromoLinkID string
type OrderID string
type EntryID string
type SettlementID string
type ClickID string
type RunID string

// =============================================================================
// AFFILIATE
// =============================================================================

type AffiliateStatus string

const (
	AffiliatePending   AffiliateStatus = "pending"
	AffiliateActive    AffiliateStatus = "active"
	AffiliateSuspended AffiliateStatus = "suspended"
)

var affiliateTransitions = map[AffiliateStatus][]AffiliateStatus{
	AffiliatePending:   {AffiliateActive, AffiliateSuspended},
	AffiliateActive:    {AffiliateSuspended},
	AffiliateSuspended: {AffiliateActive},
}

// CanTransitionTo reports whether an admin may move an affiliate to next.
func (s AffiliateStatus) CanTransitionTo(next AffiliateStatus) bool {
	for _, allowed := range affiliateTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type PayoutMethod string

const (
	PayoutBankTransfer PayoutMethod = "bank_transfer"
	PayoutPayPal       PayoutMethod = "paypal"
	PayoutProvider     PayoutMethod = "provider"
)

var requiredPayoutFields = map[PayoutMethod][]string{
	PayoutBankTransfer: {"bank_code", "account_number", "account_name"},
	PayoutPayPal:       {"paypal_email"},
	PayoutProvider:     {"provider", "account_id"},
}

// PayoutConfig is the affiliate's payout method with method-specific fields.
// Settlements keep a copy taken at creation time.
type PayoutConfig struct {
	Method  PayoutMethod
	Details map[string]string
}

// Validate checks the method is known and its required fields are present.
func (c PayoutConfig) Validate() error {
	fields, ok := requiredPayoutFields[c.Method]
	if !ok {
		return &ValidationError{Field: "payout.method", Reason: "unknown method " + string(c.Method)}
	}
	for _, f := range fields {
		if strings.TrimSpace(c.Details[f]) == "" {
			return &ValidationError{Field: "payout." + f, Reason: "required for " + string(c.Method)}
		}
	}
	return nil
}

// Snapshot returns a deep copy so later edits to the affiliate do not leak
// into a settlement.
func (c PayoutConfig) Snapshot() PayoutConfig {
	details := make(map[string]string, len(c.Details))
	for k, v := range c.Details {
		details[k] = v
	}
	return PayoutConfig{Method: c.Method, Details: details}
}

type NotificationPrefs struct {
	SettlementEmails bool
	MonthlyReport    bool
}

// Affiliate is never hard-deleted; suspension replaces deletion.
type Affiliate struct {
	ID            AffiliateID // usually the affiliate's e-mail
	Email         string
	DisplayName   string
	Website       string
	Payout        PayoutConfig
	Notifications NotificationPrefs
	Status        AffiliateStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (a Affiliate) IsActive() bool { return a.Status == AffiliateActive }

// =============================================================================
// PROMO LINK
// =============================================================================

type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
	DiscountNone       DiscountType = "none"
)

// Discount is what the referred customer gets. Honoring it is storefront
// policy; the engine only stores it.
type Discount struct {
	Type  DiscountType
	Value decimal.Decimal
}

type LinkStatus string

const (
	LinkActive   LinkStatus = "active"
	LinkInactive LinkStatus = "inactive"
)

// PromoLink belongs to exactly one affiliate.
//
// INVARIANTS:
//   - UsageCount <= *UsageLimit when a limit is set
//   - CommissionRate in [0, 1]
type PromoLink struct {
	ID             PromoLinkID
	AffiliateID    AffiliateID
	Code           string // promo code or tracking-link token
	LandingURL     string
	Discount       Discount
	CommissionRate decimal.Decimal
	UsageCount     int
	UsageLimit     *int
	ExpiresAt      *time.Time
	Status         LinkStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NormalizeCode is the canonical form codes are stored and looked up in.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Validate checks the link's terms before persistence.
func (l PromoLink) Validate() error {
	if l.AffiliateID == "" {
		return &ValidationError{Field: "affiliate_id", Reason: "required"}
	}
	if NormalizeCode(l.Code) == "" {
		return &ValidationError{Field: "code", Reason: "required"}
	}
	if err := ValidateRate(l.CommissionRate); err != nil {
		return err
	}
	switch l.Discount.Type {
	case DiscountNone, "":
	case DiscountPercentage:
		if l.Discount.Value.IsNegative() || l.Discount.Value.GreaterThan(decimal.NewFromInt(100)) {
			return &ValidationError{Field: "discount.value", Reason: "percentage must be between 0 and 100"}
		}
	case DiscountFixed:
		if l.Discount.Value.IsNegative() {
			return &ValidationError{Field: "discount.value", Reason: "must not be negative"}
		}
	default:
		return &ValidationError{Field: "discount.type", Reason: "unknown type " + string(l.Discount.Type)}
	}
	if l.UsageLimit != nil && *l.UsageLimit < 0 {
		return &ValidationError{Field: "usage_limit", Reason: "must not be negative"}
	}
	if l.LandingURL != "" {
		u, err := url.Parse(l.LandingURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return &ValidationError{Field: "landing_url", Reason: "must be an absolute http(s) URL"}
		}
	}
	return nil
}

// Usable reports whether the link may credit commission at now.
func (l PromoLink) Usable(now time.Time) bool {
	if l.Status != LinkActive {
		return false
	}
	if l.ExpiresAt != nil && !now.Before(*l.ExpiresAt) {
		return false
	}
	return true
}

// HasCapacity reports whether another use fits under the limit.
func (l PromoLink) HasCapacity() bool {
	return l.UsageLimit == nil || l.UsageCount < *l.UsageLimit
}

// =============================================================================
// LEDGER ENTRY - Immutable record of commission
// =============================================================================

type EntryType string

const (
	EntryCommission EntryType = "commission" // Earned on a completed order
	EntryCorrection EntryType = "correction" // Refund, chargeback, manual fix
)

// LedgerEntry is never mutated or deleted.
//
// INVARIANT: at most one EntryCommission per OrderID, hence at most one per
// (AffiliateID, OrderID).
type LedgerEntry struct {
	ID             EntryID
	AffiliateID    AffiliateID
	OrderID        OrderID
	PromoLinkID    PromoLinkID // empty when credited at the default rate
	Type           EntryType
	OrderAmount    Money
	Rate           decimal.Decimal
	Commission     Money
	Reason         string
	IdempotencyKey string
	CreatedAt      time.Time
}

// CommissionKey is the idempotency key of the accrual entry for an order.
func CommissionKey(orderID OrderID) string {
	return "commission:" + string(orderID)
}

// CorrectionKey is the idempotency key of a correction entry.
func CorrectionKey(orderID OrderID, reference string) string {
	return "correction:" + string(orderID) + ":" + reference
}

// =============================================================================
// CLICK - Tracked referral visit
// =============================================================================

// CampaignTags are the UTM parameters captured with a referral.
type CampaignTags struct {
	Source   string
	Medium   string
	Campaign string
	Term     string
	Content  string
}

func (c CampaignTags) IsZero() bool { return c == CampaignTags{} }

type Click struct {
	ID            ClickID
	AffiliateID   AffiliateID
	LinkCode      string
	VisitorID     string
	IPHash        string
	UserAgentHash string
	Referrer      string
	Campaign      CampaignTags
	At            time.Time
}

// =============================================================================
// SETTLEMENT RUN - Audit record of one batch execution
// =============================================================================

type RunTrigger string

const (
	TriggerScheduled RunTrigger = "scheduled"
	TriggerManual    RunTrigger = "manual"
)

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunCancelled RunStatus = "cancelled"
	RunFailed    RunStatus = "failed"
)

type SettlementRun struct {
	ID          RunID
	Period      Period
	Trigger     RunTrigger
	Status      RunStatus
	Processed   int
	Failed      int
	Skipped     int
	TotalAmount Money
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}
