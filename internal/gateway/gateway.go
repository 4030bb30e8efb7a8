// Package gateway abstracts the external payment processor behind a single
// capability interface. Implementations exist per provider (Stripe, Wompi,
// PayU) plus a no-op NullClient; the variant is selected once at startup by
// configuration, never tested for at call sites.
package gateway

import (
	"context"
	"time"
)

// Client is the capability set the billing core needs from a payment provider.
type Client interface {
	// Name returns the provider name (e.g. "stripe", "wompi").
	Name() string

	// GetSubscription retrieves a subscription by the provider's id.
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)

	// UpdateSubscriptionPrice moves a subscription to a new recurring price.
	// Proration is controlled by the caller; scheduled downgrades always
	// apply without proration.
	UpdateSubscriptionPrice(ctx context.Context, params UpdatePriceParams) (*Subscription, error)

	// CancelSubscription cancels a subscription, immediately or at period end.
	CancelSubscription(ctx context.Context, params CancelParams) error

	// GetTransaction retrieves a one-off charge/transaction by id.
	GetTransaction(ctx context.Context, transactionID string) (*Transaction, error)

	// ListInvoices lists invoices matching the filter. Used by
	// reconciliation to find paid-but-unrecognized invoices and aging
	// open ones.
	ListInvoices(ctx context.Context, params ListInvoicesParams) ([]Invoice, error)

	// VerifyWebhookSignature verifies that a webhook request is authentic.
	VerifyWebhookSignature(payload []byte, signature string, secret string) error
}

// Subscription statuses as reported by providers. Internal status mapping
// lives in the service layer.
const (
	StatusActive     = "active"
	StatusTrialing   = "trialing"
	StatusCanceled   = "canceled"
	StatusUnpaid     = "unpaid"
	StatusPastDue    = "past_due"
	StatusIncomplete = "incomplete"
)

// Transaction statuses.
const (
	TxnPending  = "pending"
	TxnApproved = "approved"
	TxnDeclined = "declined"
	TxnVoided   = "voided"
)

// Invoice statuses.
const (
	InvoiceOpen = "open"
	InvoicePaid = "paid"
	InvoiceVoid = "void"
)

// Subscription is a provider-side view of a recurring subscription.
type Subscription struct {
	ID                 string
	CustomerID         string
	Status             string
	PriceID            string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	Metadata           map[string]string
}

// Transaction is a provider-side view of a single charge attempt.
type Transaction struct {
	ID            string
	Status        string
	AmountCents   int64
	Currency      string
	FailureReason string
	Metadata      map[string]string
	CreatedAt     time.Time
}

// Invoice is a provider-side view of a billing invoice.
type Invoice struct {
	ID              string
	SubscriptionID  string
	Status          string
	AmountDueCents  int64
	AmountPaidCents int64
	Currency        string
	PeriodStart     time.Time
	PeriodEnd       time.Time
	CreatedAt       time.Time
	PaidAt          *time.Time
}

// UpdatePriceParams contains parameters for moving a subscription to a new price.
type UpdatePriceParams struct {
	SubscriptionID string
	PriceID        string

	// Prorate controls partial-period cost adjustment. Scheduled downgrades
	// pass false: they take effect at the period boundary, never retroactively.
	Prorate bool

	// IdempotencyKey prevents duplicate updates on retry.
	IdempotencyKey string
}

// CancelParams contains parameters for cancelling a subscription.
type CancelParams struct {
	SubscriptionID    string
	CancelAtPeriodEnd bool
	Reason            string
}

// ListInvoicesParams filters an invoice listing.
type ListInvoicesParams struct {
	// Status filters by invoice status ("open", "paid"). Empty = all.
	Status string

	// SubscriptionID restricts to one subscription. Empty = all.
	SubscriptionID string

	// CreatedAfter bounds the listing window. Reconciliation keeps this
	// short so ancient history is never reprocessed.
	CreatedAfter time.Time

	// Limit caps the number of results (0 = provider default).
	Limit int
}
