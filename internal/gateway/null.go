package gateway

import "context"

// NullClient is the gateway used when no payment provider is configured
// (development, on-prem installs billed out of band). Mutations are no-ops;
// lookups report not-found so the state machine treats the DB as the only
// system of record.
type NullClient struct{}

// NewNullClient creates a no-op gateway client.
func NewNullClient() *NullClient { return &NullClient{} }

// Name returns the provider name.
func (c *NullClient) Name() string { return "null" }

func (c *NullClient) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	return nil, ErrSubscriptionNotFound
}

func (c *NullClient) UpdateSubscriptionPrice(ctx context.Context, p UpdatePriceParams) (*Subscription, error) {
	return &Subscription{ID: p.SubscriptionID, Status: StatusActive, PriceID: p.PriceID}, nil
}

func (c *NullClient) CancelSubscription(ctx context.Context, p CancelParams) error {
	return nil
}

func (c *NullClient) GetTransaction(ctx context.Context, transactionID string) (*Transaction, error) {
	return nil, ErrTransactionNotFound
}

func (c *NullClient) ListInvoices(ctx context.Context, p ListInvoicesParams) ([]Invoice, error) {
	return nil, nil
}

func (c *NullClient) VerifyWebhookSignature(payload []byte, signature string, secret string) error {
	return ErrInvalidWebhookSignature
}
