package gateway

import (
	"bytes"
	"context"
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

// WompiClient implements Client against the Wompi REST API.
// Wompi has no official Go SDK; this is a thin JSON client.
type WompiClient struct {
	baseURL      string
	privateKey   string
	eventsSecret string
	httpClient   *http.Client
}

// WompiConfig contains configuration for the Wompi client.
type WompiConfig struct {
	BaseURL      string // defaults to production API
	PrivateKey   string
	EventsSecret string
	Timeout      time.Duration
}

// NewWompiClient creates a Wompi gateway client.
func NewWompiClient(cfg WompiConfig) (*WompiClient, error) {
	if cfg.PrivateKey == "" {
		return nil, ErrMissingCredentials
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://production.wompi.co/v1"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &WompiClient{
		baseURL:      baseURL,
		privateKey:   cfg.PrivateKey,
		eventsSecret: cfg.EventsSecret,
		httpClient:   &http.Client{Timeout: timeout},
	}, nil
}

// Name returns the provider name.
func (c *WompiClient) Name() string { return "wompi" }

type wompiSubscription struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	PlanID   string `json:"plan_id"`
	Customer struct {
		ID string `json:"id"`
	} `json:"customer"`
	CurrentPeriodStart string `json:"current_period_start"`
	CurrentPeriodEnd   string `json:"current_period_end"`
}

type wompiTransaction struct {
	ID            string `json:"id"`
	Status        string `json:"status"` // PENDING, APPROVED, DECLINED, VOIDED
	AmountInCents int64  `json:"amount_in_cents"`
	Currency      string `json:"currency"`
	StatusMessage string `json:"status_message"`
	CreatedAt     string `json:"created_at"`
}

// GetSubscription retrieves a recurring payment source by id.
func (c *WompiClient) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	var body struct {
		Data wompiSubscription `json:"data"`
	}
	if err := c.get(ctx, "/subscriptions/"+url.PathEscape(subscriptionID), &body); err != nil {
		return nil, err
	}
	return c.mapSubscription(body.Data)
}

// UpdateSubscriptionPrice moves the subscription to a new plan/price.
func (c *WompiClient) UpdateSubscriptionPrice(ctx context.Context, p UpdatePriceParams) (*Subscription, error) {
	payload := map[string]interface{}{
		"plan_id": p.PriceID,
		"prorate": p.Prorate,
	}
	var body struct {
		Data wompiSubscription `json:"data"`
	}
	if err := c.do(ctx, http.MethodPatch, "/subscriptions/"+url.PathEscape(p.SubscriptionID), payload, &body); err != nil {
		return nil, err
	}
	return c.mapSubscription(body.Data)
}

// CancelSubscription cancels a subscription. Wompi has no native
// cancel-at-period-end; the caller's state machine owns that timing.
func (c *WompiClient) CancelSubscription(ctx context.Context, p CancelParams) error {
	return c.do(ctx, http.MethodDelete, "/subscriptions/"+url.PathEscape(p.SubscriptionID), nil, nil)
}

// GetTransaction retrieves a transaction by id.
func (c *WompiClient) GetTransaction(ctx context.Context, transactionID string) (*Transaction, error) {
	var body struct {
		Data wompiTransaction `json:"data"`
	}
	if err := c.get(ctx, "/transactions/"+url.PathEscape(transactionID), &body); err != nil {
		return nil, err
	}

	txn := &Transaction{
		ID:          body.Data.ID,
		AmountCents: body.Data.AmountInCents,
		Currency:    body.Data.Currency,
	}
	switch body.Data.Status {
	case "APPROVED":
		txn.Status = TxnApproved
	case "DECLINED", "ERROR":
		txn.Status = TxnDeclined
		txn.FailureReason = body.Data.StatusMessage
	case "VOIDED":
		txn.Status = TxnVoided
	default:
		txn.Status = TxnPending
	}
	if t, err := time.Parse(time.RFC3339, body.Data.CreatedAt); err == nil {
		txn.CreatedAt = t
	}
	return txn, nil
}

// ListInvoices is not offered by Wompi's API; the reconciliation paths that
// need it degrade to no-ops for this provider.
func (c *WompiClient) ListInvoices(ctx context.Context, p ListInvoicesParams) ([]Invoice, error) {
	return nil, ErrNotSupported
}

// VerifyWebhookSignature checks the event checksum: SHA-256 over the raw
// payload concatenated with the events secret, hex-encoded.
func (c *WompiClient) VerifyWebhookSignature(payload []byte, signature string, secret string) error {
	if secret == "" {
		secret = c.eventsSecret
	}
	sum := sha256.Sum256(append(payload, []byte(secret)...))
	expected := hex.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) != 1 {
		return ErrInvalidWebhookSignature
	}
	return nil
}

func (c *WompiClient) mapSubscription(s wompiSubscription) (*Subscription, error) {
	out := &Subscription{
		ID:         s.ID,
		CustomerID: s.Customer.ID,
		PriceID:    s.PlanID,
	}
	switch s.Status {
	case "ACTIVE":
		out.Status = StatusActive
	case "CANCELLED":
		out.Status = StatusCanceled
	case "PAST_DUE":
		out.Status = StatusPastDue
	default:
		out.Status = StatusIncomplete
	}
	if t, err := time.Parse(time.RFC3339, s.CurrentPeriodStart); err == nil {
		out.CurrentPeriodStart = t
	}
	if t, err := time.Parse(time.RFC3339, s.CurrentPeriodEnd); err == nil {
		out.CurrentPeriodEnd = t
	}
	return out, nil
}

func (c *WompiClient) get(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *WompiClient) do(ctx context.Context, method, path string, payload, out interface{}) error {
	op := method + " " + path

	var reqBody io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return wrapErr("wompi", op, err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return wrapErr("wompi", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.privateKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return wrapErr("wompi", op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return wrapErr("wompi", op, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrSubscriptionNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{
			Provider:   "wompi",
			Op:         op,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("unexpected response: %s", truncate(respBody, 256)),
		}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return wrapErr("wompi", op, err)
		}
	}
	return nil
}
