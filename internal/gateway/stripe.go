package gateway

import (
	"context"
	"time"

	"github.com/stripe/stripe-go/v83"
	stripeinvoice "github.com/stripe/stripe-go/v83/invoice"
	"github.com/stripe/stripe-go/v83/paymentintent"
	stripesubscription "github.com/stripe/stripe-go/v83/subscription"
	"github.com/stripe/stripe-go/v83/webhook"
)

// StripeClient implements Client using the Stripe Go SDK.
type StripeClient struct {
	webhookSecret string
}

// StripeConfig contains configuration for the Stripe client.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
}

// NewStripeClient creates a Stripe gateway client. The SDK holds the API key
// process-wide; exactly one provider is configured per process.
func NewStripeClient(cfg StripeConfig) (*StripeClient, error) {
	if cfg.SecretKey == "" {
		return nil, ErrMissingCredentials
	}
	stripe.Key = cfg.SecretKey
	return &StripeClient{webhookSecret: cfg.WebhookSecret}, nil
}

// Name returns the provider name.
func (c *StripeClient) Name() string { return "stripe" }

// GetSubscription retrieves a subscription by Stripe id.
func (c *StripeClient) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	sub, err := stripesubscription.Get(subscriptionID, params)
	if err != nil {
		return nil, c.mapError("subscription.get", err)
	}
	return mapStripeSubscription(sub), nil
}

// UpdateSubscriptionPrice moves the subscription's single item to a new price.
func (c *StripeClient) UpdateSubscriptionPrice(ctx context.Context, p UpdatePriceParams) (*Subscription, error) {
	getParams := &stripe.SubscriptionParams{}
	getParams.Context = ctx

	sub, err := stripesubscription.Get(p.SubscriptionID, getParams)
	if err != nil {
		return nil, c.mapError("subscription.get", err)
	}
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return nil, &Error{Provider: "stripe", Op: "subscription.update_price", Message: "subscription has no items"}
	}

	proration := "none"
	if p.Prorate {
		proration = "create_prorations"
	}

	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{{
			ID:    stripe.String(sub.Items.Data[0].ID),
			Price: stripe.String(p.PriceID),
		}},
		ProrationBehavior: stripe.String(proration),
	}
	params.Context = ctx
	if p.IdempotencyKey != "" {
		params.IdempotencyKey = stripe.String(p.IdempotencyKey)
	}

	updated, err := stripesubscription.Update(p.SubscriptionID, params)
	if err != nil {
		return nil, c.mapError("subscription.update_price", err)
	}
	return mapStripeSubscription(updated), nil
}

// CancelSubscription cancels a subscription immediately or at period end.
func (c *StripeClient) CancelSubscription(ctx context.Context, p CancelParams) error {
	if p.CancelAtPeriodEnd {
		params := &stripe.SubscriptionParams{
			CancelAtPeriodEnd: stripe.Bool(true),
		}
		params.Context = ctx
		if _, err := stripesubscription.Update(p.SubscriptionID, params); err != nil {
			return c.mapError("subscription.cancel", err)
		}
		return nil
	}

	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	if _, err := stripesubscription.Cancel(p.SubscriptionID, params); err != nil {
		return c.mapError("subscription.cancel", err)
	}
	return nil
}

// GetTransaction retrieves a payment intent and maps it to a Transaction.
func (c *StripeClient) GetTransaction(ctx context.Context, transactionID string) (*Transaction, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := paymentintent.Get(transactionID, params)
	if err != nil {
		return nil, c.mapError("paymentintent.get", err)
	}

	txn := &Transaction{
		ID:          pi.ID,
		AmountCents: pi.Amount,
		Currency:    string(pi.Currency),
		Metadata:    pi.Metadata,
		CreatedAt:   time.Unix(pi.Created, 0),
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		txn.Status = TxnApproved
	case stripe.PaymentIntentStatusCanceled:
		txn.Status = TxnVoided
	default:
		txn.Status = TxnPending
	}
	if pi.LastPaymentError != nil {
		txn.Status = TxnDeclined
		txn.FailureReason = string(pi.LastPaymentError.Code)
	}
	return txn, nil
}

// ListInvoices lists invoices matching the filter.
func (c *StripeClient) ListInvoices(ctx context.Context, p ListInvoicesParams) ([]Invoice, error) {
	params := &stripe.InvoiceListParams{}
	params.Context = ctx
	if p.Status != "" {
		params.Status = stripe.String(p.Status)
	}
	if p.SubscriptionID != "" {
		params.Subscription = stripe.String(p.SubscriptionID)
	}
	if !p.CreatedAfter.IsZero() {
		params.CreatedRange = &stripe.RangeQueryParams{
			GreaterThanOrEqual: p.CreatedAfter.Unix(),
		}
	}
	if p.Limit > 0 {
		params.Limit = stripe.Int64(int64(p.Limit))
	}

	var out []Invoice
	iter := stripeinvoice.List(params)
	for iter.Next() {
		out = append(out, mapStripeInvoice(iter.Invoice()))
	}
	if err := iter.Err(); err != nil {
		return nil, c.mapError("invoice.list", err)
	}
	return out, nil
}

// VerifyWebhookSignature verifies a Stripe-Signature header against the payload.
func (c *StripeClient) VerifyWebhookSignature(payload []byte, signature string, secret string) error {
	if secret == "" {
		secret = c.webhookSecret
	}
	if _, err := webhook.ConstructEvent(payload, signature, secret); err != nil {
		return ErrInvalidWebhookSignature
	}
	return nil
}

// mapError converts a Stripe SDK error into a gateway *Error.
func (c *StripeClient) mapError(op string, err error) error {
	var stripeErr *stripe.Error
	if ok := asStripeError(err, &stripeErr); ok {
		if stripeErr.HTTPStatusCode == 404 {
			if op == "paymentintent.get" {
				return ErrTransactionNotFound
			}
			return ErrSubscriptionNotFound
		}
		return &Error{
			Provider:   "stripe",
			Op:         op,
			StatusCode: stripeErr.HTTPStatusCode,
			Message:    stripeErr.Msg,
			Err:        err,
		}
	}
	return wrapErr("stripe", op, err)
}

func asStripeError(err error, target **stripe.Error) bool {
	e, ok := err.(*stripe.Error)
	if ok {
		*target = e
	}
	return ok
}

func mapStripeSubscription(sub *stripe.Subscription) *Subscription {
	out := &Subscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Metadata:          sub.Metadata,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	// Period dates and price live on the subscription item.
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		out.CurrentPeriodStart = time.Unix(item.CurrentPeriodStart, 0)
		out.CurrentPeriodEnd = time.Unix(item.CurrentPeriodEnd, 0)
		if item.Price != nil {
			out.PriceID = item.Price.ID
		}
	}
	return out
}

func mapStripeInvoice(inv *stripe.Invoice) Invoice {
	out := Invoice{
		ID:              inv.ID,
		Status:          string(inv.Status),
		AmountDueCents:  inv.AmountDue,
		AmountPaidCents: inv.AmountPaid,
		Currency:        string(inv.Currency),
		PeriodStart:     time.Unix(inv.PeriodStart, 0),
		PeriodEnd:       time.Unix(inv.PeriodEnd, 0),
		CreatedAt:       time.Unix(inv.Created, 0),
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil && inv.Parent.SubscriptionDetails.Subscription != nil {
		out.SubscriptionID = inv.Parent.SubscriptionDetails.Subscription.ID
	}
	if inv.StatusTransitions != nil && inv.StatusTransitions.PaidAt > 0 {
		paidAt := time.Unix(inv.StatusTransitions.PaidAt, 0)
		out.PaidAt = &paidAt
	}
	return out
}
