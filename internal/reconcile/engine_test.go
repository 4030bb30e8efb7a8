package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mkessler/njord/internal/domain"
	"github.com/mkessler/njord/internal/gateway"
	"github.com/mkessler/njord/internal/notify"
	"github.com/mkessler/njord/internal/service"
	"github.com/mkessler/njord/internal/telemetry"
)

// fakeStore implements the slice of domain.Store the engine touches. The
// embedded nil interface panics on anything else, which is the point: the
// engine must mutate state through the StateManager only.
type fakeStore struct {
	domain.Store

	flagged       []domain.Subscription
	events        map[string]*domain.ProcessedEvent
	stalePayments []domain.PaymentRecord
	statusUpdates map[uuid.UUID]domain.PaymentRecordStatus
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		events:        make(map[string]*domain.ProcessedEvent),
		statusUpdates: make(map[uuid.UUID]domain.PaymentRecordStatus),
	}
}

func (f *fakeStore) ListSubscriptionsNeedingSync(ctx context.Context) ([]domain.Subscription, error) {
	return f.flagged, nil
}

func (f *fakeStore) GetProcessedEventByReference(ctx context.Context, reference string) (*domain.ProcessedEvent, error) {
	for _, ev := range f.events {
		if ev.Reference == reference {
			cp := *ev
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeStore) CreateProcessedEvent(ctx context.Context, ev *domain.ProcessedEvent) error {
	if _, ok := f.events[ev.EventID]; ok {
		return domain.ErrDuplicate
	}
	cp := *ev
	f.events[ev.EventID] = &cp
	return nil
}

func (f *fakeStore) ListStalePendingPayments(ctx context.Context, olderThan time.Time) ([]domain.PaymentRecord, error) {
	var out []domain.PaymentRecord
	for _, rec := range f.stalePayments {
		if rec.CreatedAt.Before(olderThan) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdatePaymentRecordStatus(ctx context.Context, id uuid.UUID, status domain.PaymentRecordStatus) error {
	f.statusUpdates[id] = status
	return nil
}

// fakeState records calls made by the engine and lets tests inject failures.
type fakeState struct {
	syncCalls []string
	syncErrs  map[string]error

	activateCalls []gateway.Invoice
	activateErr   error

	markPendingCalls []string

	confirmCalls []service.PaymentConfirmation

	applyResult int
	applyNow    time.Time

	revokeResult    int
	revokeNow       time.Time
	revokeGraceDays int
}

func newFakeState() *fakeState {
	return &fakeState{syncErrs: make(map[string]error)}
}

func (f *fakeState) RequestPlanChange(ctx context.Context, params service.PlanChangeParams) (*service.PlanChangeResult, error) {
	return nil, errors.New("not expected in reconcile tests")
}

func (f *fakeState) ConfirmPaymentApproved(ctx context.Context, params service.PaymentConfirmation) error {
	f.confirmCalls = append(f.confirmCalls, params)
	return nil
}

func (f *fakeState) ApplyScheduledChanges(ctx context.Context, now time.Time) (int, error) {
	f.applyNow = now
	return f.applyResult, nil
}

func (f *fakeState) HandleChargeRefunded(ctx context.Context, refund service.ChargeRefund) error {
	return errors.New("not expected in reconcile tests")
}

func (f *fakeState) HandlePaymentFailed(ctx context.Context, tenantID uuid.UUID, reason string) error {
	return errors.New("not expected in reconcile tests")
}

func (f *fakeState) MarkPendingPayment(ctx context.Context, externalID string, reason string) error {
	f.markPendingCalls = append(f.markPendingCalls, externalID)
	return nil
}

func (f *fakeState) HandleExternalCancellation(ctx context.Context, externalID string) error {
	return errors.New("not expected in reconcile tests")
}

func (f *fakeState) SyncFromGateway(ctx context.Context, externalID string) error {
	f.syncCalls = append(f.syncCalls, externalID)
	return f.syncErrs[externalID]
}

func (f *fakeState) ActivateFromInvoice(ctx context.Context, inv gateway.Invoice) error {
	if f.activateErr != nil {
		return f.activateErr
	}
	f.activateCalls = append(f.activateCalls, inv)
	return nil
}

func (f *fakeState) GetTransactionStatus(ctx context.Context, transactionID string, tenantID uuid.UUID) (*service.TransactionStatus, error) {
	return nil, errors.New("not expected in reconcile tests")
}

func (f *fakeState) RevokeLapsedAccess(ctx context.Context, now time.Time, graceDays int) (int, error) {
	f.revokeNow = now
	f.revokeGraceDays = graceDays
	return f.revokeResult, nil
}

// recordingNotifier captures alerts for assertions.
type recordingNotifier struct {
	sent []notify.Notification
}

func (r *recordingNotifier) Notify(ctx context.Context, n notify.Notification) {
	r.sent = append(r.sent, n)
}

type harness struct {
	engine   *Engine
	store    *fakeStore
	state    *fakeState
	gateway  *gateway.MockClient
	notifier *recordingNotifier
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := newFakeStore()
	state := newFakeState()
	gw := gateway.NewMockClient()
	notifier := &recordingNotifier{}
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	engine := NewEngine(DefaultConfig(), store, gw, state, notifier, nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	engine.now = func() time.Time { return now }

	return &harness{
		engine:   engine,
		store:    store,
		state:    state,
		gateway:  gw,
		notifier: notifier,
		now:      now,
	}
}

// =============================================================================
// FLAGGED SYNC
// =============================================================================

func TestSyncFlagged_SyncsEachFlaggedSubscription(t *testing.T) {
	h := newHarness(t)
	h.store.flagged = []domain.Subscription{
		{ID: uuid.New(), ExternalID: "sub_a", NeedsExternalSync: true},
		{ID: uuid.New(), ExternalID: "sub_b", NeedsExternalSync: true},
	}

	require.NoError(t, h.engine.SyncFlagged(context.Background()))
	assert.Equal(t, []string{"sub_a", "sub_b"}, h.state.syncCalls)
}

func TestSyncFlagged_OneFailureDoesNotHaltTheSweep(t *testing.T) {
	h := newHarness(t)
	h.store.flagged = []domain.Subscription{
		{ID: uuid.New(), ExternalID: "sub_a", NeedsExternalSync: true},
		{ID: uuid.New(), ExternalID: "sub_b", NeedsExternalSync: true},
	}
	h.state.syncErrs["sub_a"] = errors.New("gateway 500")

	require.NoError(t, h.engine.SyncFlagged(context.Background()))
	assert.Equal(t, []string{"sub_a", "sub_b"}, h.state.syncCalls, "sub_b still synced")
}

func TestSyncFlagged_SkipsSubscriptionsWithoutGatewayID(t *testing.T) {
	h := newHarness(t)
	h.store.flagged = []domain.Subscription{
		{ID: uuid.New(), ExternalID: "", NeedsExternalSync: true},
	}

	require.NoError(t, h.engine.SyncFlagged(context.Background()))
	assert.Empty(t, h.state.syncCalls)
}

// =============================================================================
// MISSED PAYMENTS
// =============================================================================

func paidInvoice(id, subID string, createdAt time.Time) gateway.Invoice {
	return gateway.Invoice{
		ID:              id,
		SubscriptionID:  subID,
		Status:          gateway.InvoicePaid,
		AmountPaidCents: 5000,
		PeriodStart:     createdAt,
		PeriodEnd:       createdAt.AddDate(0, 1, 0),
		CreatedAt:       createdAt,
	}
}

func TestDetectMissedPayments_ActivatesAndRecords(t *testing.T) {
	h := newHarness(t)
	h.gateway.Invoices = []gateway.Invoice{
		paidInvoice("in_1", "sub_ext_1", h.now.Add(-30*time.Minute)),
	}

	require.NoError(t, h.engine.DetectMissedPayments(context.Background()))

	require.Len(t, h.state.activateCalls, 1)
	assert.Equal(t, "in_1", h.state.activateCalls[0].ID)

	// the synthetic ledger row stops reprocessing
	rec, ok := h.store.events["recon:invoice:in_1"]
	require.True(t, ok)
	assert.Equal(t, "in_1", rec.Reference)

	require.Len(t, h.notifier.sent, 1)
	assert.Equal(t, notify.SeverityCritical, h.notifier.sent[0].Severity)
}

func TestDetectMissedPayments_SkipsInvoicesAlreadyInLedger(t *testing.T) {
	h := newHarness(t)
	h.gateway.Invoices = []gateway.Invoice{
		paidInvoice("in_1", "sub_ext_1", h.now.Add(-30*time.Minute)),
	}
	h.store.events["evt_1"] = &domain.ProcessedEvent{
		EventID:   "evt_1",
		EventType: "payment_succeeded",
		Reference: "in_1",
	}

	require.NoError(t, h.engine.DetectMissedPayments(context.Background()))
	assert.Empty(t, h.state.activateCalls, "webhook already handled this invoice")
	assert.Empty(t, h.notifier.sent)
}

func TestDetectMissedPayments_SecondSweepIsNoOp(t *testing.T) {
	h := newHarness(t)
	h.gateway.Invoices = []gateway.Invoice{
		paidInvoice("in_1", "sub_ext_1", h.now.Add(-30*time.Minute)),
	}

	require.NoError(t, h.engine.DetectMissedPayments(context.Background()))
	require.NoError(t, h.engine.DetectMissedPayments(context.Background()))

	assert.Len(t, h.state.activateCalls, 1)
	assert.Len(t, h.notifier.sent, 1)
}

func TestDetectMissedPayments_WindowBoundsLookback(t *testing.T) {
	h := newHarness(t)
	h.gateway.Invoices = []gateway.Invoice{
		paidInvoice("in_old", "sub_ext_1", h.now.Add(-48*time.Hour)),
	}

	require.NoError(t, h.engine.DetectMissedPayments(context.Background()))
	assert.Empty(t, h.state.activateCalls, "invoice outside the lookback window")
}

func TestDetectMissedPayments_UnknownSubscriptionIsSkipped(t *testing.T) {
	h := newHarness(t)
	h.gateway.Invoices = []gateway.Invoice{
		paidInvoice("in_1", "sub_unknown", h.now.Add(-30*time.Minute)),
	}
	h.state.activateErr = service.ErrSubscriptionNotFound

	require.NoError(t, h.engine.DetectMissedPayments(context.Background()))
	assert.Empty(t, h.notifier.sent)
	_, ok := h.store.events["recon:invoice:in_1"]
	assert.False(t, ok, "no ledger row for an invoice that was not applied")
}

// =============================================================================
// INVOICE AGING
// =============================================================================

func openInvoice(id, subID string, age time.Duration, now time.Time) gateway.Invoice {
	return gateway.Invoice{
		ID:             id,
		SubscriptionID: subID,
		Status:         gateway.InvoiceOpen,
		AmountDueCents: 5000,
		CreatedAt:      now.Add(-age),
	}
}

func TestAgeOpenInvoices_FreshInvoiceIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.gateway.Invoices = []gateway.Invoice{
		openInvoice("in_1", "sub_ext_1", 24*time.Hour, h.now),
	}

	require.NoError(t, h.engine.AgeOpenInvoices(context.Background()))
	assert.Empty(t, h.state.markPendingCalls)
	assert.Empty(t, h.notifier.sent)
}

func TestAgeOpenInvoices_WarnAgeDemotesAndWarns(t *testing.T) {
	h := newHarness(t)
	h.gateway.Invoices = []gateway.Invoice{
		openInvoice("in_1", "sub_ext_1", 4*24*time.Hour, h.now),
	}

	require.NoError(t, h.engine.AgeOpenInvoices(context.Background()))

	assert.Equal(t, []string{"sub_ext_1"}, h.state.markPendingCalls)
	require.Len(t, h.notifier.sent, 1)
	assert.Equal(t, notify.SeverityWarning, h.notifier.sent[0].Severity)
}

func TestAgeOpenInvoices_CriticalAgeEscalates(t *testing.T) {
	h := newHarness(t)
	h.gateway.Invoices = []gateway.Invoice{
		openInvoice("in_1", "sub_ext_1", 8*24*time.Hour, h.now),
	}

	require.NoError(t, h.engine.AgeOpenInvoices(context.Background()))

	require.Len(t, h.notifier.sent, 1)
	assert.Equal(t, notify.SeverityCritical, h.notifier.sent[0].Severity)
}

// =============================================================================
// STALE PENDING PAYMENTS
// =============================================================================

func stalePayment(tenantID uuid.UUID, txnID string, planID *uuid.UUID, createdAt time.Time) domain.PaymentRecord {
	return domain.PaymentRecord{
		ID:                    uuid.New(),
		TenantID:              tenantID,
		Status:                domain.PaymentPending,
		ExternalTransactionID: txnID,
		PlanID:                planID,
		BillingInterval:       domain.IntervalMonthly,
		CreatedAt:             createdAt,
	}
}

func TestExpireStalePendingPayments_ApprovedActivates(t *testing.T) {
	h := newHarness(t)
	tenantID, planID := uuid.New(), uuid.New()
	h.store.stalePayments = []domain.PaymentRecord{
		stalePayment(tenantID, "txn_1", &planID, h.now.Add(-time.Hour)),
	}
	h.gateway.Transactions["txn_1"] = &gateway.Transaction{ID: "txn_1", Status: gateway.TxnApproved}

	require.NoError(t, h.engine.ExpireStalePendingPayments(context.Background()))

	require.Len(t, h.state.confirmCalls, 1)
	assert.Equal(t, tenantID, h.state.confirmCalls[0].TenantID)
	assert.Equal(t, planID, h.state.confirmCalls[0].PlanID)
}

func TestExpireStalePendingPayments_DeclinedSettlesRecord(t *testing.T) {
	h := newHarness(t)
	rec := stalePayment(uuid.New(), "txn_1", nil, h.now.Add(-time.Hour))
	h.store.stalePayments = []domain.PaymentRecord{rec}
	h.gateway.Transactions["txn_1"] = &gateway.Transaction{ID: "txn_1", Status: gateway.TxnDeclined}

	require.NoError(t, h.engine.ExpireStalePendingPayments(context.Background()))
	assert.Equal(t, domain.PaymentDeclined, h.store.statusUpdates[rec.ID])
}

func TestExpireStalePendingPayments_MissingTransactionIsDeclined(t *testing.T) {
	h := newHarness(t)
	rec := stalePayment(uuid.New(), "txn_gone", nil, h.now.Add(-time.Hour))
	h.store.stalePayments = []domain.PaymentRecord{rec}

	require.NoError(t, h.engine.ExpireStalePendingPayments(context.Background()))
	assert.Equal(t, domain.PaymentDeclined, h.store.statusUpdates[rec.ID])
}

func TestExpireStalePendingPayments_StillPendingIsLeftAlone(t *testing.T) {
	h := newHarness(t)
	rec := stalePayment(uuid.New(), "txn_1", nil, h.now.Add(-time.Hour))
	h.store.stalePayments = []domain.PaymentRecord{rec}
	h.gateway.Transactions["txn_1"] = &gateway.Transaction{ID: "txn_1", Status: gateway.TxnPending}

	require.NoError(t, h.engine.ExpireStalePendingPayments(context.Background()))
	assert.Empty(t, h.store.statusUpdates)
	assert.Empty(t, h.state.confirmCalls)
}

// =============================================================================
// SCHEDULED CHANGES
// =============================================================================

func TestApplyScheduledChanges_DelegatesWithEngineClock(t *testing.T) {
	h := newHarness(t)
	h.state.applyResult = 2

	require.NoError(t, h.engine.ApplyScheduledChanges(context.Background()))
	assert.True(t, h.state.applyNow.Equal(h.now), "sweep uses the engine clock")
}

func TestExpireGracePeriods_DelegatesConfiguredWindow(t *testing.T) {
	h := newHarness(t)
	h.state.revokeResult = 1

	require.NoError(t, h.engine.ExpireGracePeriods(context.Background()))
	assert.True(t, h.state.revokeNow.Equal(h.now), "sweep uses the engine clock")
	assert.Equal(t, 3, h.state.revokeGraceDays)
}

func TestGatewayCallsRecordLatencyAndFailures(t *testing.T) {
	gw := gateway.NewMockClient()
	gw.ListInvoicesFunc = func(ctx context.Context, p gateway.ListInvoicesParams) ([]gateway.Invoice, error) {
		return nil, errors.New("gateway down")
	}
	metrics := telemetry.NewMetrics(prometheus.NewRegistry(), "test")
	engine := NewEngine(DefaultConfig(), newFakeStore(), gw, newFakeState(), &recordingNotifier{}, metrics,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.Error(t, engine.AgeOpenInvoices(context.Background()))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.GatewayFailures.WithLabelValues("list_invoices")))
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.GatewayLatency))

	// a provider without an invoice API is a degrade, not a failure
	gw.ListInvoicesFunc = func(ctx context.Context, p gateway.ListInvoicesParams) ([]gateway.Invoice, error) {
		return nil, gateway.ErrNotSupported
	}
	require.NoError(t, engine.DetectMissedPayments(context.Background()))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.GatewayFailures.WithLabelValues("list_invoices")))
}

func TestExpireStalePendingPayments_RecentRecordsNotPolled(t *testing.T) {
	h := newHarness(t)
	h.store.stalePayments = []domain.PaymentRecord{
		stalePayment(uuid.New(), "txn_1", nil, h.now.Add(-time.Minute)),
	}

	require.NoError(t, h.engine.ExpireStalePendingPayments(context.Background()))
	assert.NotContains(t, h.gateway.CallLog, "GetTransaction(txn_1)")
}
