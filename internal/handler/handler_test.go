package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkessler/njord/internal/domain"
	"github.com/mkessler/njord/internal/gateway"
	"github.com/mkessler/njord/internal/service"
	"github.com/mkessler/njord/internal/webhook"
)

// ledgerStore covers the processed-event surface the webhook processor needs.
type ledgerStore struct {
	domain.Store
	events map[string]*domain.ProcessedEvent
}

func (f *ledgerStore) GetProcessedEvent(ctx context.Context, eventID string) (*domain.ProcessedEvent, error) {
	ev, ok := f.events[eventID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return ev, nil
}

func (f *ledgerStore) CreateProcessedEvent(ctx context.Context, ev *domain.ProcessedEvent) error {
	if _, ok := f.events[ev.EventID]; ok {
		return domain.ErrDuplicate
	}
	f.events[ev.EventID] = ev
	return nil
}

// stubState overrides only what each test exercises; anything else panics
// through the embedded nil interface.
type stubState struct {
	service.StateManager

	confirmErr      error
	planChangeFunc  func(params service.PlanChangeParams) (*service.PlanChangeResult, error)
	transactionFunc func(transactionID string) (*service.TransactionStatus, error)
}

func (s *stubState) ConfirmPaymentApproved(ctx context.Context, params service.PaymentConfirmation) error {
	return s.confirmErr
}

func (s *stubState) RequestPlanChange(ctx context.Context, params service.PlanChangeParams) (*service.PlanChangeResult, error) {
	return s.planChangeFunc(params)
}

func (s *stubState) GetTransactionStatus(ctx context.Context, transactionID string, tenantID uuid.UUID) (*service.TransactionStatus, error) {
	return s.transactionFunc(transactionID)
}

func newTestServer(t *testing.T, state *stubState) *echo.Echo {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := &ledgerStore{events: make(map[string]*domain.ProcessedEvent)}
	processor := webhook.NewProcessor(store, gateway.NewMockClient(), state, nil, logger)

	e := echo.New()
	NewHandler(state, processor, logger).RegisterRoutes(e)
	return e
}

func postWebhook(e *echo.Echo, body, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", strings.NewReader(body))
	req.Header.Set("X-Signature", signature)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func validPaymentEvent(id string) string {
	return fmt.Sprintf(
		`{"id":%q,"type":"payment_succeeded","data":{"tenant_id":%q,"plan_id":%q,"interval":"monthly","transaction_id":"txn_1"}}`,
		id, uuid.New(), uuid.New())
}

func TestHandleWebhook_BadSignatureIsUnauthorized(t *testing.T) {
	e := newTestServer(t, &stubState{})

	rec := postWebhook(e, validPaymentEvent("evt_1"), "invalid")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleWebhook_MalformedEnvelopeIsBadRequest(t *testing.T) {
	e := newTestServer(t, &stubState{})

	rec := postWebhook(e, `{not json`, "sig")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleWebhook_Accepted(t *testing.T) {
	e := newTestServer(t, &stubState{})

	rec := postWebhook(e, validPaymentEvent("evt_1"), "sig")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received":true}`, rec.Body.String())
}

func TestHandleWebhook_DuplicateDeliveryIsOK(t *testing.T) {
	e := newTestServer(t, &stubState{})
	body := validPaymentEvent("evt_1")

	require.Equal(t, http.StatusOK, postWebhook(e, body, "sig").Code)
	assert.Equal(t, http.StatusOK, postWebhook(e, body, "sig").Code)
}

func TestHandleWebhook_HandlerFailureSignalsRetry(t *testing.T) {
	e := newTestServer(t, &stubState{confirmErr: errors.New("db down")})

	rec := postWebhook(e, validPaymentEvent("evt_1"), "sig")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestPlanChange_InvalidTenantID(t *testing.T) {
	e := newTestServer(t, &stubState{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tenants/not-a-uuid/plan",
		strings.NewReader(`{"plan_id":"`+uuid.NewString()+`","interval":"monthly"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequestPlanChange_RejectsUnknownInterval(t *testing.T) {
	e := newTestServer(t, &stubState{})

	req := httptest.NewRequest(http.MethodPost,
		"/api/v1/tenants/"+uuid.NewString()+"/plan",
		strings.NewReader(`{"plan_id":"`+uuid.NewString()+`","interval":"weekly"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequestPlanChange_ValidationErrorsAreUnprocessable(t *testing.T) {
	state := &stubState{
		planChangeFunc: func(params service.PlanChangeParams) (*service.PlanChangeResult, error) {
			return nil, &service.ValidationError{
				Errors:   []string{"too many active users"},
				Warnings: []string{"module will be lost"},
			}
		},
	}
	e := newTestServer(t, state)

	req := httptest.NewRequest(http.MethodPost,
		"/api/v1/tenants/"+uuid.NewString()+"/plan",
		strings.NewReader(`{"plan_id":"`+uuid.NewString()+`","interval":"monthly"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "too many active users")
	assert.Contains(t, rec.Body.String(), "module will be lost")
}

func TestRequestPlanChange_ScheduledDowngradeResponse(t *testing.T) {
	changeAt := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	state := &stubState{
		planChangeFunc: func(params service.PlanChangeParams) (*service.PlanChangeResult, error) {
			return &service.PlanChangeResult{
				ScheduledChangeAt: &changeAt,
				Warnings:          []string{"module \"reports\" will be lost"},
			}, nil
		},
	}
	e := newTestServer(t, state)

	req := httptest.NewRequest(http.MethodPost,
		"/api/v1/tenants/"+uuid.NewString()+"/plan",
		strings.NewReader(`{"plan_id":"`+uuid.NewString()+`","interval":"monthly"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"applied":false`)
	assert.Contains(t, rec.Body.String(), "2026-04-01")
}

func TestGetTransactionStatus_NotFound(t *testing.T) {
	state := &stubState{
		transactionFunc: func(transactionID string) (*service.TransactionStatus, error) {
			return nil, service.ErrPaymentNotFound
		},
	}
	e := newTestServer(t, state)

	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/tenants/"+uuid.NewString()+"/payments/txn_missing", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetTransactionStatus_Approved(t *testing.T) {
	state := &stubState{
		transactionFunc: func(transactionID string) (*service.TransactionStatus, error) {
			return &service.TransactionStatus{Status: domain.PaymentApproved, Activated: true}, nil
		},
	}
	e := newTestServer(t, state)

	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/tenants/"+uuid.NewString()+"/payments/txn_1", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"approved","activated":true}`, rec.Body.String())
}

func TestHealth(t *testing.T) {
	e := newTestServer(t, &stubState{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
