package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// PayuClient implements Client against the PayU Latam recurring payments API.
// Like Wompi, PayU has no official Go SDK; this is a thin JSON client.
type PayuClient struct {
	baseURL    string
	apiKey     string
	apiLogin   string
	httpClient *http.Client
}

// PayuConfig contains configuration for the PayU client.
type PayuConfig struct {
	BaseURL  string // defaults to production API
	APIKey   string
	APILogin string
	Timeout  time.Duration
}

// NewPayuClient creates a PayU gateway client.
func NewPayuClient(cfg PayuConfig) (*PayuClient, error) {
	if cfg.APIKey == "" || cfg.APILogin == "" {
		return nil, ErrMissingCredentials
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.payulatam.com/payments-api/rest/v4.9"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &PayuClient{
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		apiLogin:   cfg.APILogin,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Name returns the provider name.
func (c *PayuClient) Name() string { return "payu" }

type payuSubscription struct {
	ID                 string `json:"id"`
	PlanID             string `json:"planId"`
	CustomerID         string `json:"customerId"`
	Status             string `json:"status"` // ACTIVE, CANCELLED, PENDING
	CurrentPeriodStart int64  `json:"currentPeriodStart"`
	CurrentPeriodEnd   int64  `json:"currentPeriodEnd"`
}

// GetSubscription retrieves a recurring subscription by id.
func (c *PayuClient) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	var body payuSubscription
	if err := c.do(ctx, http.MethodGet, "/subscriptions/"+url.PathEscape(subscriptionID), nil, &body); err != nil {
		return nil, err
	}
	return c.mapSubscription(body), nil
}

// UpdateSubscriptionPrice moves the subscription to a new plan.
func (c *PayuClient) UpdateSubscriptionPrice(ctx context.Context, p UpdatePriceParams) (*Subscription, error) {
	payload := map[string]interface{}{
		"planId":  p.PriceID,
		"prorate": p.Prorate,
	}
	var body payuSubscription
	if err := c.do(ctx, http.MethodPut, "/subscriptions/"+url.PathEscape(p.SubscriptionID), payload, &body); err != nil {
		return nil, err
	}
	return c.mapSubscription(body), nil
}

// CancelSubscription cancels a recurring subscription.
func (c *PayuClient) CancelSubscription(ctx context.Context, p CancelParams) error {
	return c.do(ctx, http.MethodDelete, "/subscriptions/"+url.PathEscape(p.SubscriptionID), nil, nil)
}

// GetTransaction retrieves a transaction's state by order reference.
func (c *PayuClient) GetTransaction(ctx context.Context, transactionID string) (*Transaction, error) {
	var body struct {
		ID       string `json:"id"`
		State    string `json:"state"` // APPROVED, DECLINED, PENDING, EXPIRED
		Value    int64  `json:"valueInCents"`
		Currency string `json:"currency"`
		Message  string `json:"responseMessage"`
	}
	if err := c.do(ctx, http.MethodGet, "/transactions/"+url.PathEscape(transactionID), nil, &body); err != nil {
		return nil, err
	}

	txn := &Transaction{
		ID:          body.ID,
		AmountCents: body.Value,
		Currency:    body.Currency,
	}
	switch body.State {
	case "APPROVED":
		txn.Status = TxnApproved
	case "DECLINED", "EXPIRED":
		txn.Status = TxnDeclined
		txn.FailureReason = body.Message
	default:
		txn.Status = TxnPending
	}
	return txn, nil
}

// ListInvoices is not offered by PayU's recurring API; reconciliation paths
// that need it degrade to no-ops for this provider.
func (c *PayuClient) ListInvoices(ctx context.Context, p ListInvoicesParams) ([]Invoice, error) {
	return nil, ErrNotSupported
}

// VerifyWebhookSignature checks an HMAC-SHA256 of the raw payload keyed by
// the API key (PayU confirmation-page signature scheme, modernized).
func (c *PayuClient) VerifyWebhookSignature(payload []byte, signature string, secret string) error {
	if secret == "" {
		secret = c.apiKey
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) != 1 {
		return ErrInvalidWebhookSignature
	}
	return nil
}

func (c *PayuClient) mapSubscription(s payuSubscription) *Subscription {
	out := &Subscription{
		ID:         s.ID,
		CustomerID: s.CustomerID,
		PriceID:    s.PlanID,
	}
	switch s.Status {
	case "ACTIVE":
		out.Status = StatusActive
	case "CANCELLED":
		out.Status = StatusCanceled
	default:
		out.Status = StatusIncomplete
	}
	if s.CurrentPeriodStart > 0 {
		out.CurrentPeriodStart = time.Unix(s.CurrentPeriodStart, 0)
	}
	if s.CurrentPeriodEnd > 0 {
		out.CurrentPeriodEnd = time.Unix(s.CurrentPeriodEnd, 0)
	}
	return out
}

func (c *PayuClient) do(ctx context.Context, method, path string, payload, out interface{}) error {
	op := method + " " + path

	var reqBody io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return wrapErr("payu", op, err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return wrapErr("payu", op, err)
	}
	req.SetBasicAuth(c.apiLogin, c.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return wrapErr("payu", op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return wrapErr("payu", op, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrSubscriptionNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{
			Provider:   "payu",
			Op:         op,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("unexpected response: %s", truncate(respBody, 256)),
		}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return wrapErr("payu", op, err)
		}
	}
	return nil
}

// truncate bounds provider error bodies before they reach logs.
func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
