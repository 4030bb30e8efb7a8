package gateway

import (
	"context"
	"fmt"
)

// MockClient is a mock gateway for testing. Simulates provider flows
// without network calls.
type MockClient struct {
	// GetSubscriptionFunc allows customizing subscription retrieval behavior
	GetSubscriptionFunc func(ctx context.Context, subscriptionID string) (*Subscription, error)

	// UpdateSubscriptionPriceFunc allows customizing price update behavior
	UpdateSubscriptionPriceFunc func(ctx context.Context, params UpdatePriceParams) (*Subscription, error)

	// CancelSubscriptionFunc allows customizing cancellation behavior
	CancelSubscriptionFunc func(ctx context.Context, params CancelParams) error

	// GetTransactionFunc allows customizing transaction retrieval behavior
	GetTransactionFunc func(ctx context.Context, transactionID string) (*Transaction, error)

	// ListInvoicesFunc allows customizing invoice listing behavior
	ListInvoicesFunc func(ctx context.Context, params ListInvoicesParams) ([]Invoice, error)

	// VerifyWebhookSignatureFunc allows customizing verification behavior
	VerifyWebhookSignatureFunc func(payload []byte, signature string, secret string) error

	// Subscriptions stores provider-side subscriptions by id
	Subscriptions map[string]*Subscription

	// Transactions stores provider-side transactions by id
	Transactions map[string]*Transaction

	// Invoices returned by ListInvoices when no Func override is set
	Invoices []Invoice

	// CallLog tracks method calls for test assertions
	CallLog []string
}

// NewMockClient creates a new mock gateway client.
func NewMockClient() *MockClient {
	return &MockClient{
		Subscriptions: make(map[string]*Subscription),
		Transactions:  make(map[string]*Transaction),
		CallLog:       []string{},
	}
}

// Name returns the provider name.
func (m *MockClient) Name() string { return "mock" }

func (m *MockClient) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	m.CallLog = append(m.CallLog, fmt.Sprintf("GetSubscription(%s)", subscriptionID))

	if m.GetSubscriptionFunc != nil {
		return m.GetSubscriptionFunc(ctx, subscriptionID)
	}
	sub, ok := m.Subscriptions[subscriptionID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return sub, nil
}

func (m *MockClient) UpdateSubscriptionPrice(ctx context.Context, params UpdatePriceParams) (*Subscription, error) {
	m.CallLog = append(m.CallLog, fmt.Sprintf("UpdateSubscriptionPrice(%s, %s, prorate=%t)",
		params.SubscriptionID, params.PriceID, params.Prorate))

	if m.UpdateSubscriptionPriceFunc != nil {
		return m.UpdateSubscriptionPriceFunc(ctx, params)
	}
	sub, ok := m.Subscriptions[params.SubscriptionID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	sub.PriceID = params.PriceID
	return sub, nil
}

func (m *MockClient) CancelSubscription(ctx context.Context, params CancelParams) error {
	m.CallLog = append(m.CallLog, fmt.Sprintf("CancelSubscription(%s, atPeriodEnd=%t)",
		params.SubscriptionID, params.CancelAtPeriodEnd))

	if m.CancelSubscriptionFunc != nil {
		return m.CancelSubscriptionFunc(ctx, params)
	}
	if sub, ok := m.Subscriptions[params.SubscriptionID]; ok {
		if params.CancelAtPeriodEnd {
			sub.CancelAtPeriodEnd = true
		} else {
			sub.Status = StatusCanceled
		}
	}
	return nil
}

func (m *MockClient) GetTransaction(ctx context.Context, transactionID string) (*Transaction, error) {
	m.CallLog = append(m.CallLog, fmt.Sprintf("GetTransaction(%s)", transactionID))

	if m.GetTransactionFunc != nil {
		return m.GetTransactionFunc(ctx, transactionID)
	}
	txn, ok := m.Transactions[transactionID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return txn, nil
}

func (m *MockClient) ListInvoices(ctx context.Context, params ListInvoicesParams) ([]Invoice, error) {
	m.CallLog = append(m.CallLog, fmt.Sprintf("ListInvoices(status=%s)", params.Status))

	if m.ListInvoicesFunc != nil {
		return m.ListInvoicesFunc(ctx, params)
	}
	var out []Invoice
	for _, inv := range m.Invoices {
		if params.Status != "" && inv.Status != params.Status {
			continue
		}
		if !params.CreatedAfter.IsZero() && inv.CreatedAt.Before(params.CreatedAfter) {
			continue
		}
		out = append(out, inv)
	}
	return out, nil
}

func (m *MockClient) VerifyWebhookSignature(payload []byte, signature string, secret string) error {
	m.CallLog = append(m.CallLog, "VerifyWebhookSignature")

	if m.VerifyWebhookSignatureFunc != nil {
		return m.VerifyWebhookSignatureFunc(payload, signature, secret)
	}
	if signature == "invalid" {
		return ErrInvalidWebhookSignature
	}
	return nil
}
