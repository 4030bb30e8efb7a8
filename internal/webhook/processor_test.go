package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkessler/njord/internal/domain"
	"github.com/mkessler/njord/internal/gateway"
	"github.com/mkessler/njord/internal/service"
)

// fakeLedger implements only the processed-event surface the processor
// touches. Any other Store call panics via the embedded nil interface.
type fakeLedger struct {
	domain.Store
	events map[string]*domain.ProcessedEvent

	createErr error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{events: make(map[string]*domain.ProcessedEvent)}
}

func (f *fakeLedger) GetProcessedEvent(ctx context.Context, eventID string) (*domain.ProcessedEvent, error) {
	ev, ok := f.events[eventID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *ev
	return &cp, nil
}

func (f *fakeLedger) CreateProcessedEvent(ctx context.Context, ev *domain.ProcessedEvent) error {
	if f.createErr != nil {
		return f.createErr
	}
	if _, ok := f.events[ev.EventID]; ok {
		return domain.ErrDuplicate
	}
	cp := *ev
	cp.ProcessedAt = time.Now()
	f.events[ev.EventID] = &cp
	return nil
}

// fakeState records StateManager calls and lets tests inject failures.
type fakeState struct {
	confirmCalls []service.PaymentConfirmation
	confirmErr   error

	failedCalls []uuid.UUID

	cancelCalls []string
	cancelErr   error

	syncCalls []string
	syncErr   error

	refundCalls []service.ChargeRefund
	refundErr   error
}

func (f *fakeState) RequestPlanChange(ctx context.Context, params service.PlanChangeParams) (*service.PlanChangeResult, error) {
	return nil, errors.New("not expected in webhook tests")
}

func (f *fakeState) ConfirmPaymentApproved(ctx context.Context, params service.PaymentConfirmation) error {
	f.confirmCalls = append(f.confirmCalls, params)
	return f.confirmErr
}

func (f *fakeState) ApplyScheduledChanges(ctx context.Context, now time.Time) (int, error) {
	return 0, errors.New("not expected in webhook tests")
}

func (f *fakeState) HandleChargeRefunded(ctx context.Context, refund service.ChargeRefund) error {
	f.refundCalls = append(f.refundCalls, refund)
	return f.refundErr
}

func (f *fakeState) HandlePaymentFailed(ctx context.Context, tenantID uuid.UUID, reason string) error {
	f.failedCalls = append(f.failedCalls, tenantID)
	return nil
}

func (f *fakeState) MarkPendingPayment(ctx context.Context, externalID string, reason string) error {
	return nil
}

func (f *fakeState) HandleExternalCancellation(ctx context.Context, externalID string) error {
	f.cancelCalls = append(f.cancelCalls, externalID)
	return f.cancelErr
}

func (f *fakeState) SyncFromGateway(ctx context.Context, externalID string) error {
	f.syncCalls = append(f.syncCalls, externalID)
	return f.syncErr
}

func (f *fakeState) ActivateFromInvoice(ctx context.Context, inv gateway.Invoice) error {
	return nil
}

func (f *fakeState) RevokeLapsedAccess(ctx context.Context, now time.Time, graceDays int) (int, error) {
	return 0, errors.New("not expected in webhook tests")
}

func (f *fakeState) GetTransactionStatus(ctx context.Context, transactionID string, tenantID uuid.UUID) (*service.TransactionStatus, error) {
	return nil, errors.New("not expected in webhook tests")
}

func newTestProcessor(t *testing.T) (*Processor, *fakeLedger, *fakeState, *gateway.MockClient) {
	t.Helper()
	ledger := newFakeLedger()
	state := &fakeState{}
	gw := gateway.NewMockClient()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewProcessor(ledger, gw, state, nil, logger), ledger, state, gw
}

func paymentEvent(id string, tenantID, planID uuid.UUID) *Event {
	payload := fmt.Sprintf(
		`{"tenant_id":%q,"plan_id":%q,"interval":"monthly","transaction_id":"txn_1","invoice_id":"in_1"}`,
		tenantID, planID)
	return &Event{ID: id, Type: EventPaymentSucceeded, Payload: []byte(payload)}
}

func TestVerifyAndParse_RejectsBadSignature(t *testing.T) {
	p, _, _, _ := newTestProcessor(t)

	_, err := p.VerifyAndParse([]byte(`{"id":"evt_1","type":"payment_succeeded"}`), "invalid")
	require.Error(t, err)
	assert.Equal(t, domain.EUNAUTHORIZED, domain.ErrorCode(err))
}

func TestVerifyAndParse_RejectsMalformedEnvelope(t *testing.T) {
	p, _, _, _ := newTestProcessor(t)

	_, err := p.VerifyAndParse([]byte(`{not json`), "sig")
	require.Error(t, err)
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
}

func TestVerifyAndParse_RejectsMissingIDOrType(t *testing.T) {
	p, _, _, _ := newTestProcessor(t)

	_, err := p.VerifyAndParse([]byte(`{"type":"payment_succeeded"}`), "sig")
	require.Error(t, err)
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))

	_, err = p.VerifyAndParse([]byte(`{"id":"evt_1"}`), "sig")
	require.Error(t, err)
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
}

func TestVerifyAndParse_AcceptsValidEvent(t *testing.T) {
	p, _, _, _ := newTestProcessor(t)

	ev, err := p.VerifyAndParse([]byte(`{"id":"evt_1","type":"payment_succeeded","data":{}}`), "sig")
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.ID)
	assert.Equal(t, EventPaymentSucceeded, ev.Type)
}

func TestHandle_PaymentSucceeded(t *testing.T) {
	p, ledger, state, _ := newTestProcessor(t)
	tenantID, planID := uuid.New(), uuid.New()

	err := p.Handle(context.Background(), paymentEvent("evt_1", tenantID, planID))
	require.NoError(t, err)

	require.Len(t, state.confirmCalls, 1)
	assert.Equal(t, tenantID, state.confirmCalls[0].TenantID)
	assert.Equal(t, planID, state.confirmCalls[0].PlanID)
	assert.Equal(t, domain.IntervalMonthly, state.confirmCalls[0].Interval)
	assert.Equal(t, "txn_1", state.confirmCalls[0].ExternalTransactionID)

	rec, err := ledger.GetProcessedEvent(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Equal(t, "in_1", rec.Reference, "ledger row correlates back to the invoice")
}

func TestHandle_RedeliveryIsNoOp(t *testing.T) {
	p, _, state, _ := newTestProcessor(t)
	ev := paymentEvent("evt_1", uuid.New(), uuid.New())

	require.NoError(t, p.Handle(context.Background(), ev))
	require.NoError(t, p.Handle(context.Background(), ev))

	assert.Len(t, state.confirmCalls, 1, "second delivery must not reach the handler")
}

func TestHandle_HandlerFailureLeavesNoLedgerRow(t *testing.T) {
	p, ledger, state, _ := newTestProcessor(t)
	state.confirmErr = errors.New("db down")
	ev := paymentEvent("evt_1", uuid.New(), uuid.New())

	err := p.Handle(context.Background(), ev)
	require.Error(t, err)

	_, err = ledger.GetProcessedEvent(context.Background(), "evt_1")
	assert.ErrorIs(t, err, domain.ErrNotFound, "failed events must stay retryable")

	// the retry goes through once the handler recovers
	state.confirmErr = nil
	require.NoError(t, p.Handle(context.Background(), ev))
	assert.Len(t, state.confirmCalls, 2)
}

func TestHandle_ConcurrentDuplicateLedgerWriteIsSuccess(t *testing.T) {
	p, ledger, _, _ := newTestProcessor(t)
	ledger.createErr = domain.ErrDuplicate

	err := p.Handle(context.Background(), paymentEvent("evt_1", uuid.New(), uuid.New()))
	assert.NoError(t, err, "losing the ledger race is still success")
}

func TestHandle_SubscriptionCancelled(t *testing.T) {
	p, _, state, _ := newTestProcessor(t)

	ev := &Event{
		ID:      "evt_c1",
		Type:    EventSubscriptionCancelled,
		Payload: []byte(`{"subscription_id":"sub_ext_1"}`),
	}
	require.NoError(t, p.Handle(context.Background(), ev))
	assert.Equal(t, []string{"sub_ext_1"}, state.cancelCalls)
}

func TestHandle_CancellationForUnknownSubscriptionIsRecorded(t *testing.T) {
	p, ledger, state, _ := newTestProcessor(t)
	state.cancelErr = service.ErrSubscriptionNotFound

	ev := &Event{
		ID:      "evt_c1",
		Type:    EventSubscriptionCancelled,
		Payload: []byte(`{"subscription_id":"sub_unknown"}`),
	}
	require.NoError(t, p.Handle(context.Background(), ev))

	// retrying will never create the missing record, so the event is settled
	_, err := ledger.GetProcessedEvent(context.Background(), "evt_c1")
	assert.NoError(t, err)
}

func TestHandle_SubscriptionUpdatedSyncs(t *testing.T) {
	p, _, state, _ := newTestProcessor(t)

	ev := &Event{
		ID:      "evt_u1",
		Type:    EventSubscriptionUpdated,
		Payload: []byte(`{"subscription_id":"sub_ext_1"}`),
	}
	require.NoError(t, p.Handle(context.Background(), ev))
	assert.Equal(t, []string{"sub_ext_1"}, state.syncCalls)
}

func TestHandle_ChargeRefunded(t *testing.T) {
	p, ledger, state, _ := newTestProcessor(t)

	ev := &Event{
		ID:   "evt_r1",
		Type: EventChargeRefunded,
		Payload: []byte(`{"charge_id":"ch_1","subscription_id":"sub_ext_1",` +
			`"amount_cents":5000,"amount_refunded_cents":5000,"currency":"usd"}`),
	}
	require.NoError(t, p.Handle(context.Background(), ev))

	require.Len(t, state.refundCalls, 1)
	refund := state.refundCalls[0]
	assert.Equal(t, "ch_1", refund.ChargeID)
	assert.Equal(t, "sub_ext_1", refund.ExternalSubscriptionID)
	assert.True(t, refund.IsFull())

	rec, err := ledger.GetProcessedEvent(context.Background(), "evt_r1")
	require.NoError(t, err)
	assert.Equal(t, "ch_1", rec.Reference)
}

func TestHandle_PaymentFailed(t *testing.T) {
	p, _, state, _ := newTestProcessor(t)
	tenantID := uuid.New()

	ev := &Event{
		ID:      "evt_f1",
		Type:    EventPaymentFailed,
		Payload: []byte(fmt.Sprintf(`{"tenant_id":%q,"reason":"card_declined"}`, tenantID)),
	}
	require.NoError(t, p.Handle(context.Background(), ev))
	assert.Equal(t, []uuid.UUID{tenantID}, state.failedCalls)
}

func TestHandle_UnrecognizedTypeIsRecorded(t *testing.T) {
	p, ledger, _, _ := newTestProcessor(t)

	ev := &Event{ID: "evt_x1", Type: "tax_rate_created", Payload: []byte(`{}`)}
	require.NoError(t, p.Handle(context.Background(), ev))

	// recorded so re-deliveries short-circuit
	_, err := ledger.GetProcessedEvent(context.Background(), "evt_x1")
	assert.NoError(t, err)
}

func TestHandle_MalformedPayloadFails(t *testing.T) {
	p, ledger, _, _ := newTestProcessor(t)

	ev := &Event{ID: "evt_b1", Type: EventPaymentSucceeded, Payload: []byte(`{broken`)}
	err := p.Handle(context.Background(), ev)
	require.Error(t, err)
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))

	_, err = ledger.GetProcessedEvent(context.Background(), "evt_b1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
