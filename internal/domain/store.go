package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the transactional persistence boundary for the billing core.
// The postgres package provides the production implementation; tests use
// hand-written fakes.
//
// Missing rows surface as ErrNotFound; unique-constraint violations as
// ErrDuplicate. Services translate those into coded errors.
type Store interface {
	// WithTx runs fn against a transaction-scoped Store. Per-subscription
	// read-modify-write sequences must go through here so they cannot
	// interleave with a concurrent webhook or reconciliation write.
	WithTx(ctx context.Context, fn func(Store) error) error

	// Tenants
	GetTenant(ctx context.Context, id uuid.UUID) (*Tenant, error)
	UpdateTenantPlan(ctx context.Context, id, planID uuid.UUID, interval BillingInterval) error
	SetTenantActive(ctx context.Context, id uuid.UUID, active bool) error
	CountActiveUsers(ctx context.Context, tenantID uuid.UUID) (int32, error)

	// Plans (read-only reference data)
	GetPlan(ctx context.Context, id uuid.UUID) (*Plan, error)
	GetPlanByExternalPriceID(ctx context.Context, priceID string) (*Plan, error)

	// Subscriptions
	CreateSubscription(ctx context.Context, sub *Subscription) error
	GetSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error)
	GetSubscriptionByTenant(ctx context.Context, tenantID uuid.UUID) (*Subscription, error)
	GetSubscriptionByExternalID(ctx context.Context, externalID string) (*Subscription, error)
	UpdateSubscription(ctx context.Context, sub *Subscription) error
	ListSubscriptionsNeedingSync(ctx context.Context) ([]Subscription, error)
	ListScheduledChangesDue(ctx context.Context, now time.Time) ([]Subscription, error)
	ListSubscriptionsByStatus(ctx context.Context, statuses ...SubscriptionStatus) ([]Subscription, error)

	// Processed-event ledger
	GetProcessedEvent(ctx context.Context, eventID string) (*ProcessedEvent, error)
	GetProcessedEventByReference(ctx context.Context, reference string) (*ProcessedEvent, error)
	CreateProcessedEvent(ctx context.Context, ev *ProcessedEvent) error

	// Payment records
	CreatePaymentRecord(ctx context.Context, rec *PaymentRecord) error
	GetPaymentRecordByTransaction(ctx context.Context, tenantID uuid.UUID, externalTransactionID string) (*PaymentRecord, error)
	UpdatePaymentRecordStatus(ctx context.Context, id uuid.UUID, status PaymentRecordStatus) error
	ListStalePendingPayments(ctx context.Context, olderThan time.Time) ([]PaymentRecord, error)

	// Module activations
	GetModuleActivation(ctx context.Context, tenantID uuid.UUID, module string) (ModuleActivationStatus, error)
	CreateModuleActivation(ctx context.Context, tenantID uuid.UUID, module string) error
}
