package domain

import (
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus is the lifecycle state of a tenant's subscription.
type SubscriptionStatus string

const (
	SubscriptionActive         SubscriptionStatus = "active"
	SubscriptionPendingPayment SubscriptionStatus = "pending_payment"
	SubscriptionCancelled      SubscriptionStatus = "cancelled"
	SubscriptionSuspended      SubscriptionStatus = "suspended"
)

// BillingInterval is how often a subscription renews.
type BillingInterval string

const (
	IntervalMonthly BillingInterval = "monthly"
	IntervalYearly  BillingInterval = "yearly"
)

// IsValid reports whether the interval is a supported value.
func (i BillingInterval) IsValid() bool {
	return i == IntervalMonthly || i == IntervalYearly
}

// PeriodEnd returns the end of a billing period starting at from.
func (i BillingInterval) PeriodEnd(from time.Time) time.Time {
	if i == IntervalYearly {
		return from.AddDate(1, 0, 0)
	}
	return from.AddDate(0, 1, 0)
}

// Tenant is a customer organization on the platform.
// Mutated only through the subscription state machine.
type Tenant struct {
	ID              uuid.UUID
	Name            string
	Active          bool
	PlanID          uuid.UUID
	BillingInterval BillingInterval
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Plan is immutable reference data describing a purchasable tier.
type Plan struct {
	ID                uuid.UUID
	Name              string
	MonthlyPriceCents int64
	YearlyPriceCents  int64 // 0 = no yearly price defined
	MaxUsers          int32
	Modules           []string // entitled module codes

	// Gateway price identifiers, one per interval. Used both to push plan
	// changes to the gateway and as the reverse lookup during reconciliation.
	ExternalMonthlyPriceID string
	ExternalYearlyPriceID  string
}

// EffectivePriceCents returns the price used for upgrade/downgrade comparison
// at the given interval. Yearly price is used when the interval is yearly and
// a yearly price is defined; otherwise falls back to the other interval's price.
func (p *Plan) EffectivePriceCents(interval BillingInterval) int64 {
	if interval == IntervalYearly && p.YearlyPriceCents > 0 {
		return p.YearlyPriceCents
	}
	if p.MonthlyPriceCents > 0 {
		return p.MonthlyPriceCents
	}
	return p.YearlyPriceCents
}

// ExternalPriceID returns the gateway price id for the given interval,
// falling back to the monthly price id when no yearly one exists.
func (p *Plan) ExternalPriceID(interval BillingInterval) string {
	if interval == IntervalYearly && p.ExternalYearlyPriceID != "" {
		return p.ExternalYearlyPriceID
	}
	return p.ExternalMonthlyPriceID
}

// HasModule reports whether the plan entitles the given module code.
func (p *Plan) HasModule(code string) bool {
	for _, m := range p.Modules {
		if m == code {
			return true
		}
	}
	return false
}

// RegulatedModules are entitlements whose removal carries legal risk.
// A downgrade that would drop one of these while its activation is complete
// is blocked outright.
var RegulatedModules = map[string]bool{
	"electronic_invoicing": true,
	"payroll_reporting":    true,
}

// ModuleActivationStatus tracks the regulatory activation state of a module
// for a tenant. Activation itself is handled outside this core; the state
// machine only reads it to guard downgrades and opens pending records on
// upgrade.
type ModuleActivationStatus string

const (
	ModuleActivationNone    ModuleActivationStatus = ""
	ModuleActivationPending ModuleActivationStatus = "pending"
	ModuleActivationActive  ModuleActivationStatus = "active"
)

// Subscription is the internally-held subscription record, one per tenant.
// Never hard-deleted: cancellation is a status, not a row removal.
type Subscription struct {
	ID              uuid.UUID
	TenantID        uuid.UUID
	PlanID          uuid.UUID
	Status          SubscriptionStatus
	BillingInterval BillingInterval

	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time

	// ScheduledPlanID and ScheduledChangeAt are both nil or both set.
	// They hold a deferred downgrade applied at the period boundary.
	ScheduledPlanID   *uuid.UUID
	ScheduledChangeAt *time.Time

	// ExternalID is the gateway's subscription identifier, if one exists.
	ExternalID string

	// NeedsExternalSync marks subscriptions whose gateway state diverged
	// from the DB (e.g. an upgrade that committed locally but failed at
	// the gateway). Reconciliation clears it.
	NeedsExternalSync bool
	LastSyncError     string

	LastPaymentFailedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasScheduledChange reports whether a deferred plan change is pending.
func (s *Subscription) HasScheduledChange() bool {
	return s.ScheduledPlanID != nil && s.ScheduledChangeAt != nil
}

// ClearScheduledChange removes any pending deferred plan change.
func (s *Subscription) ClearScheduledChange() {
	s.ScheduledPlanID = nil
	s.ScheduledChangeAt = nil
}

// InGracePeriod reports whether a cancelled subscription still retains
// access: the current period has ended but the grace window has not.
func (s *Subscription) InGracePeriod(now time.Time, graceDays int) bool {
	if s.Status != SubscriptionCancelled || s.CurrentPeriodEnd == nil {
		return false
	}
	end := *s.CurrentPeriodEnd
	return now.After(end) && now.Before(end.AddDate(0, 0, graceDays))
}

// ProcessedEvent is the idempotency ledger entry for an external event.
// A row is written only after the event's handler completes successfully;
// the unique constraint on EventID is the enforcement mechanism.
type ProcessedEvent struct {
	EventID     string
	EventType   string
	Reference   string // correlates back to source object (invoice id, charge id)
	Payload     []byte
	ProcessedAt time.Time
}

// PaymentRecordStatus is the lifecycle state of a payment attempt.
type PaymentRecordStatus string

const (
	PaymentPending  PaymentRecordStatus = "pending"
	PaymentApproved PaymentRecordStatus = "approved"
	PaymentDeclined PaymentRecordStatus = "declined"
	PaymentRefunded PaymentRecordStatus = "refunded"
)

// Payment purposes. Add-on purchases use "addon:<code>".
const (
	PurposeSubscription = "subscription"
)

// PaymentRecord anchors an external transaction back to a tenant and plan.
// Created when a payment attempt starts, updated on confirmation, never deleted.
type PaymentRecord struct {
	ID                    uuid.UUID
	TenantID              uuid.UUID
	Provider              string
	Status                PaymentRecordStatus
	AmountCents           int64
	Currency              string
	Purpose               string
	ExternalTransactionID string
	PlanID                *uuid.UUID
	BillingInterval       BillingInterval
	Reference             string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}
