package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mkessler/njord/internal/domain"
	"github.com/mkessler/njord/internal/gateway"
)

// StateManager is the authoritative state machine for subscription
// transitions. It is the only component that writes Subscription and Tenant
// rows; webhook handlers and reconciliation act through it.
type StateManager interface {
	// RequestPlanChange moves a tenant to a new plan. Upgrades (strictly
	// higher effective price) apply immediately; the DB commits even when
	// the gateway update fails, which flags the subscription for async
	// repair. Downgrades are validated against user-count and regulated-
	// module rules and, if allowed, scheduled for the period boundary.
	RequestPlanChange(ctx context.Context, params PlanChangeParams) (*PlanChangeResult, error)

	// ConfirmPaymentApproved activates a subscription from a confirmed
	// payment. Idempotent: re-confirming an already-applied payment is a
	// no-op.
	ConfirmPaymentApproved(ctx context.Context, params PaymentConfirmation) error

	// ApplyScheduledChanges commits every deferred plan change whose
	// scheduled time has passed. Gateway-first: a subscription whose
	// gateway update fails keeps its old plan in the DB and is retried on
	// the next sweep. Returns the number of changes committed.
	ApplyScheduledChanges(ctx context.Context, now time.Time) (int, error)

	// HandleChargeRefunded processes a refund. Full refunds cancel the
	// subscription and deactivate the tenant; partial refunds extend the
	// current period proportionally (floor(30*refunded/original) days,
	// monthly-period assumption).
	HandleChargeRefunded(ctx context.Context, refund ChargeRefund) error

	// HandlePaymentFailed records a failed renewal payment.
	HandlePaymentFailed(ctx context.Context, tenantID uuid.UUID, reason string) error

	// MarkPendingPayment demotes an active subscription to PENDING_PAYMENT.
	// Used by reconciliation when an open invoice ages past its threshold.
	// Idempotent: any non-active status is left alone.
	MarkPendingPayment(ctx context.Context, externalID string, reason string) error

	// HandleExternalCancellation applies a cancellation reported by the
	// gateway (subscription deleted remotely). Access is not revoked here:
	// the tenant keeps it until the grace sweep runs past the period end.
	HandleExternalCancellation(ctx context.Context, externalID string) error

	// RevokeLapsedAccess deactivates tenants whose cancelled subscription
	// is past its period end plus the grace window. Full refunds bypass
	// this and revoke immediately. Returns the number of tenants revoked.
	RevokeLapsedAccess(ctx context.Context, now time.Time, graceDays int) (int, error)

	// SyncFromGateway overwrites a subscription's plan, status and period
	// dates from the gateway's view. The gateway is the source of truth on
	// this path; an unmappable gateway price keeps the sync flag set.
	SyncFromGateway(ctx context.Context, externalID string) error

	// ActivateFromInvoice activates a subscription directly from a paid
	// gateway invoice. Used by reconciliation when a webhook never arrived
	// and by checkout completion.
	ActivateFromInvoice(ctx context.Context, inv gateway.Invoice) error

	// GetTransactionStatus reports a payment attempt's state, polling the
	// gateway while the local record is still pending. An approval
	// observed here activates the subscription if not yet applied.
	GetTransactionStatus(ctx context.Context, transactionID string, tenantID uuid.UUID) (*TransactionStatus, error)
}

// PlanChangeParams contains parameters for a tenant-initiated plan change.
type PlanChangeParams struct {
	TenantID  uuid.UUID
	NewPlanID uuid.UUID
	Interval  domain.BillingInterval
}

// PlanChangeResult reports what a plan change did.
type PlanChangeResult struct {
	// Applied is true when the plan changed immediately (upgrade).
	Applied bool

	// NoChange is true when the requested plan and interval already match.
	NoChange bool

	// ScheduledChangeAt is set when the change was deferred (downgrade).
	ScheduledChangeAt *time.Time

	// Warnings are soft validation findings (modules that will be lost).
	// They inform, never block.
	Warnings []string
}

// PlanChangeValidation collects hard errors and soft warnings from downgrade
// validation. Errors block; warnings accompany a successful result.
type PlanChangeValidation struct {
	Errors   []string
	Warnings []string
}

// OK reports whether the change may proceed.
func (v *PlanChangeValidation) OK() bool { return len(v.Errors) == 0 }

// PaymentConfirmation contains parameters for activating from a payment.
type PaymentConfirmation struct {
	TenantID              uuid.UUID
	PlanID                uuid.UUID
	Interval              domain.BillingInterval
	ExternalTransactionID string

	// ExternalSubscriptionID links the gateway subscription when the
	// confirmation came from a checkout flow. Optional.
	ExternalSubscriptionID string
}

// ChargeRefund describes a refunded charge resolved from a webhook payload.
type ChargeRefund struct {
	ChargeID               string
	InvoiceID              string
	ExternalSubscriptionID string
	OriginalAmountCents    int64
	RefundedAmountCents    int64
	Currency               string
}

// IsFull reports whether the charge was refunded in full.
func (r ChargeRefund) IsFull() bool {
	return r.OriginalAmountCents > 0 && r.RefundedAmountCents >= r.OriginalAmountCents
}

// TransactionStatus is the poll-API view of a payment attempt.
type TransactionStatus struct {
	Status    domain.PaymentRecordStatus
	Activated bool
}
