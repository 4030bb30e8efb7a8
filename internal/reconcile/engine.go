package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mkessler/njord/internal/domain"
	"github.com/mkessler/njord/internal/gateway"
	"github.com/mkessler/njord/internal/notify"
	"github.com/mkessler/njord/internal/service"
	"github.com/mkessler/njord/internal/telemetry"
)

// Job names used in logs and metric labels.
const (
	JobSyncFlagged      = "sync_flagged"
	JobMissedPayments   = "missed_payments"
	JobInvoiceAging     = "invoice_aging"
	JobScheduledChanges = "scheduled_changes"
	JobStalePayments    = "stale_payments"
	JobExpireGrace      = "expire_grace"
)

// eventTypeMissedPayment tags ledger rows written by reconciliation when it
// activates a subscription the webhook path never delivered.
const eventTypeMissedPayment = "reconciliation.missed_payment"

// Config tunes the reconciliation jobs.
type Config struct {
	// MissedPaymentWindow bounds the paid-invoice lookback. Kept short so
	// ancient history is never reprocessed.
	MissedPaymentWindow time.Duration

	// InvoiceWarnAge and InvoiceCriticalAge grade open-invoice alerts.
	// An invoice open past InvoiceWarnAge also demotes the subscription
	// to pending payment.
	InvoiceWarnAge     time.Duration
	InvoiceCriticalAge time.Duration

	// StalePendingAge is how long a pending payment record may sit before
	// the engine polls the gateway for its outcome.
	StalePendingAge time.Duration

	// GatewayTimeout bounds each external call so one stuck request does
	// not halt a sweep.
	GatewayTimeout time.Duration

	// GraceDays is how long after its period end a cancelled subscription
	// retains access before the grace sweep revokes it.
	GraceDays int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MissedPaymentWindow: 2 * time.Hour,
		InvoiceWarnAge:      3 * 24 * time.Hour,
		InvoiceCriticalAge:  7 * 24 * time.Hour,
		StalePendingAge:     30 * time.Minute,
		GatewayTimeout:      15 * time.Second,
		GraceDays:           3,
	}
}

// Engine runs the periodic repair jobs that keep the internal DB and the
// payment gateway converged. Every job is idempotent and safe to re-run;
// failures are isolated per item so one bad record never halts a batch.
// All state mutation goes through the StateManager.
type Engine struct {
	cfg      Config
	store    domain.Store
	gateway  gateway.Client
	state    service.StateManager
	notifier notify.Notifier
	metrics  *telemetry.Metrics
	logger   *slog.Logger

	now func() time.Time
}

// NewEngine creates a reconciliation engine.
func NewEngine(
	cfg Config,
	store domain.Store,
	gw gateway.Client,
	state service.StateManager,
	notifier notify.Notifier,
	metrics *telemetry.Metrics,
	logger *slog.Logger,
) *Engine {
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = DefaultConfig().GatewayTimeout
	}
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:      cfg,
		store:    store,
		gateway:  gw,
		state:    state,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// SyncFlagged repairs every subscription marked needs_external_sync by
// overwriting it from the gateway. The gateway is authoritative here.
func (e *Engine) SyncFlagged(ctx context.Context) error {
	e.countRun(JobSyncFlagged)

	subs, err := e.store.ListSubscriptionsNeedingSync(ctx)
	if err != nil {
		e.countFailure(JobSyncFlagged)
		return fmt.Errorf("failed to list flagged subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}

	repaired := 0
	for i := range subs {
		sub := &subs[i]
		if sub.ExternalID == "" {
			e.logger.Warn("flagged subscription has no gateway id, cannot sync",
				"subscription_id", sub.ID,
			)
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, e.cfg.GatewayTimeout)
		err := e.state.SyncFromGateway(callCtx, sub.ExternalID)
		cancel()
		if err != nil {
			e.countFailure(JobSyncFlagged)
			e.logger.Error("sync failed, will retry next sweep",
				"subscription_id", sub.ID,
				"external_id", sub.ExternalID,
				"error", err,
			)
			continue
		}
		repaired++
	}

	if repaired > 0 {
		e.countRepairs(JobSyncFlagged, repaired)
		e.logger.Info("sync sweep complete", "flagged", len(subs), "repaired", repaired)
	}
	return nil
}

// DetectMissedPayments finds gateway invoices paid inside the lookback
// window with no corresponding ledger entry. Each one is a webhook that
// never arrived: the subscription is activated directly from the invoice
// and a critical alert is raised. This is the revenue-protection path.
func (e *Engine) DetectMissedPayments(ctx context.Context) error {
	e.countRun(JobMissedPayments)

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.GatewayTimeout)
	start := time.Now()
	invoices, err := e.gateway.ListInvoices(callCtx, gateway.ListInvoicesParams{
		Status:       gateway.InvoicePaid,
		CreatedAfter: e.now().Add(-e.cfg.MissedPaymentWindow),
	})
	cancel()
	e.observeGateway("list_invoices", start, err)
	if err != nil {
		if errors.Is(err, gateway.ErrNotSupported) {
			return nil
		}
		e.countFailure(JobMissedPayments)
		return fmt.Errorf("failed to list paid invoices: %w", err)
	}

	for _, inv := range invoices {
		if inv.SubscriptionID == "" {
			continue
		}

		// An event referencing this invoice means the webhook path
		// already handled it.
		seen, err := e.store.GetProcessedEventByReference(ctx, inv.ID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			e.countFailure(JobMissedPayments)
			e.logger.Error("ledger lookup failed", "invoice_id", inv.ID, "error", err)
			continue
		}
		if seen != nil {
			continue
		}

		if err := e.state.ActivateFromInvoice(ctx, inv); err != nil {
			if errors.Is(err, service.ErrSubscriptionNotFound) {
				e.logger.Warn("paid invoice references unknown subscription",
					"invoice_id", inv.ID,
					"external_id", inv.SubscriptionID,
				)
				continue
			}
			e.countFailure(JobMissedPayments)
			e.logger.Error("failed to activate from invoice",
				"invoice_id", inv.ID,
				"error", err,
			)
			continue
		}

		// A synthetic ledger row stops the next sweep (and a late webhook
		// carrying this invoice as reference) from reprocessing it.
		err = e.store.CreateProcessedEvent(ctx, &domain.ProcessedEvent{
			EventID:   "recon:invoice:" + inv.ID,
			EventType: eventTypeMissedPayment,
			Reference: inv.ID,
		})
		if err != nil && !errors.Is(err, domain.ErrDuplicate) {
			e.countFailure(JobMissedPayments)
			e.logger.Error("failed to record synthetic event", "invoice_id", inv.ID, "error", err)
		}

		if e.metrics != nil {
			e.metrics.MissedWebhooks.Inc()
		}
		e.countRepairs(JobMissedPayments, 1)
		e.alert(ctx, notify.Notification{
			Severity: notify.SeverityCritical,
			Subject:  "Missed payment webhook recovered",
			Message: fmt.Sprintf(
				"Invoice %s (subscription %s) was paid at the gateway but no webhook was processed. The subscription was activated by reconciliation.",
				inv.ID, inv.SubscriptionID),
		})
	}
	return nil
}

// AgeOpenInvoices demotes subscriptions with long-open invoices to
// PENDING_PAYMENT and escalates alert severity with age.
func (e *Engine) AgeOpenInvoices(ctx context.Context) error {
	e.countRun(JobInvoiceAging)

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.GatewayTimeout)
	start := time.Now()
	invoices, err := e.gateway.ListInvoices(callCtx, gateway.ListInvoicesParams{
		Status: gateway.InvoiceOpen,
	})
	cancel()
	e.observeGateway("list_invoices", start, err)
	if err != nil {
		if errors.Is(err, gateway.ErrNotSupported) {
			return nil
		}
		e.countFailure(JobInvoiceAging)
		return fmt.Errorf("failed to list open invoices: %w", err)
	}

	now := e.now()
	for _, inv := range invoices {
		if inv.SubscriptionID == "" {
			continue
		}
		age := now.Sub(inv.CreatedAt)
		if age < e.cfg.InvoiceWarnAge {
			continue
		}

		if err := e.state.MarkPendingPayment(ctx, inv.SubscriptionID, fmt.Sprintf("invoice %s open for %s", inv.ID, age.Round(time.Hour))); err != nil {
			if errors.Is(err, service.ErrSubscriptionNotFound) {
				continue
			}
			e.countFailure(JobInvoiceAging)
			e.logger.Error("failed to demote subscription for aged invoice",
				"invoice_id", inv.ID,
				"external_id", inv.SubscriptionID,
				"error", err,
			)
			continue
		}

		severity := notify.SeverityWarning
		if age >= e.cfg.InvoiceCriticalAge {
			severity = notify.SeverityCritical
		}
		e.alert(ctx, notify.Notification{
			Severity: severity,
			Subject:  "Invoice overdue",
			Message: fmt.Sprintf("Invoice %s for subscription %s has been open for %s.",
				inv.ID, inv.SubscriptionID, age.Round(time.Hour)),
		})
	}
	return nil
}

// ExpireStalePendingPayments polls the gateway for payment attempts that
// never received a confirmation webhook and settles them either way.
func (e *Engine) ExpireStalePendingPayments(ctx context.Context) error {
	e.countRun(JobStalePayments)

	cutoff := e.now().Add(-e.cfg.StalePendingAge)
	records, err := e.store.ListStalePendingPayments(ctx, cutoff)
	if err != nil {
		e.countFailure(JobStalePayments)
		return fmt.Errorf("failed to list stale pending payments: %w", err)
	}

	for i := range records {
		rec := &records[i]

		callCtx, cancel := context.WithTimeout(ctx, e.cfg.GatewayTimeout)
		start := time.Now()
		txn, err := e.gateway.GetTransaction(callCtx, rec.ExternalTransactionID)
		cancel()
		e.observeGateway("get_transaction", start, err)
		if err != nil {
			if errors.Is(err, gateway.ErrTransactionNotFound) {
				// The gateway has no record of the attempt. It will
				// never complete.
				if err := e.store.UpdatePaymentRecordStatus(ctx, rec.ID, domain.PaymentDeclined); err != nil {
					e.countFailure(JobStalePayments)
					e.logger.Error("failed to expire payment record", "payment_id", rec.ID, "error", err)
				}
				continue
			}
			e.countFailure(JobStalePayments)
			e.logger.Error("failed to poll transaction",
				"payment_id", rec.ID,
				"transaction_id", rec.ExternalTransactionID,
				"error", err,
			)
			continue
		}

		switch txn.Status {
		case gateway.TxnApproved:
			if rec.PlanID == nil {
				e.logger.Warn("approved payment has no plan reference, cannot activate",
					"payment_id", rec.ID,
				)
				continue
			}
			err := e.state.ConfirmPaymentApproved(ctx, service.PaymentConfirmation{
				TenantID:              rec.TenantID,
				PlanID:                *rec.PlanID,
				Interval:              rec.BillingInterval,
				ExternalTransactionID: rec.ExternalTransactionID,
			})
			if err != nil {
				e.countFailure(JobStalePayments)
				e.logger.Error("failed to confirm stale approved payment",
					"payment_id", rec.ID,
					"error", err,
				)
				continue
			}
			e.countRepairs(JobStalePayments, 1)

		case gateway.TxnDeclined, gateway.TxnVoided:
			if err := e.store.UpdatePaymentRecordStatus(ctx, rec.ID, domain.PaymentDeclined); err != nil {
				e.countFailure(JobStalePayments)
				e.logger.Error("failed to decline payment record", "payment_id", rec.ID, "error", err)
			}
		}
	}
	return nil
}

// ApplyScheduledChanges delegates the deferred-change sweep to the state
// machine.
func (e *Engine) ApplyScheduledChanges(ctx context.Context) error {
	e.countRun(JobScheduledChanges)

	applied, err := e.state.ApplyScheduledChanges(ctx, e.now())
	if err != nil {
		e.countFailure(JobScheduledChanges)
		return err
	}
	if applied > 0 {
		e.countRepairs(JobScheduledChanges, applied)
		e.logger.Info("deferred-change sweep complete", "applied", applied)
	}
	return nil
}

// ExpireGracePeriods delegates access revocation for lapsed cancelled
// subscriptions to the state machine.
func (e *Engine) ExpireGracePeriods(ctx context.Context) error {
	e.countRun(JobExpireGrace)

	revoked, err := e.state.RevokeLapsedAccess(ctx, e.now(), e.cfg.GraceDays)
	if err != nil {
		e.countFailure(JobExpireGrace)
		return err
	}
	if revoked > 0 {
		e.countRepairs(JobExpireGrace, revoked)
		e.logger.Info("grace sweep complete", "revoked", revoked)
	}
	return nil
}

func (e *Engine) alert(ctx context.Context, n notify.Notification) {
	e.notifier.Notify(ctx, n)
	if e.metrics != nil {
		e.metrics.AlertsSent.WithLabelValues(string(n.Severity)).Inc()
	}
}

// observeGateway records gateway call latency and failures. ErrNotSupported
// is an expected degrade for providers without the API, not a failure.
func (e *Engine) observeGateway(op string, start time.Time, err error) {
	if e.metrics == nil {
		return
	}
	e.metrics.GatewayLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil && !errors.Is(err, gateway.ErrNotSupported) {
		e.metrics.GatewayFailures.WithLabelValues(op).Inc()
	}
}

func (e *Engine) countRun(job string) {
	if e.metrics != nil {
		e.metrics.ReconcileRuns.WithLabelValues(job).Inc()
	}
}

func (e *Engine) countRepairs(job string, n int) {
	if e.metrics != nil {
		e.metrics.ReconcileRepairs.WithLabelValues(job).Add(float64(n))
	}
}

func (e *Engine) countFailure(job string) {
	if e.metrics != nil {
		e.metrics.ReconcileFailures.WithLabelValues(job).Inc()
	}
}
