// Package telemetry exposes Prometheus metrics for billing observability.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the billing core.
// Counters carry a tenant_id label where dashboards segment per tenant.
type Metrics struct {
	// Webhooks
	WebhookReceived  *prometheus.CounterVec
	WebhookProcessed *prometheus.CounterVec
	WebhookFailed    *prometheus.CounterVec
	WebhookDuplicate *prometheus.CounterVec
	WebhookLatency   *prometheus.HistogramVec

	// Plan changes
	PlanUpgrades             *prometheus.CounterVec
	PlanDowngradesScheduled  *prometheus.CounterVec
	PlanDowngradesBlocked    *prometheus.CounterVec
	ScheduledChangesApplied  prometheus.Counter
	ScheduledChangesDeferred prometheus.Counter

	// Payments and refunds
	PaymentsConfirmed *prometheus.CounterVec
	PaymentsFailed    *prometheus.CounterVec
	RefundsProcessed  *prometheus.CounterVec

	// Reconciliation
	ReconcileRuns     *prometheus.CounterVec
	ReconcileRepairs  *prometheus.CounterVec
	ReconcileFailures *prometheus.CounterVec
	MissedWebhooks    prometheus.Counter

	// Gateway
	GatewayLatency  *prometheus.HistogramVec
	GatewayFailures *prometheus.CounterVec

	// Alerts
	AlertsSent *prometheus.CounterVec
}

// NewMetrics creates and registers all billing metrics on the given registerer.
// Tests pass a fresh prometheus.NewRegistry().
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "njord"
	}
	factory := promauto.With(reg)
	subsystem := "billing"

	return &Metrics{
		WebhookReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "webhook_received_total",
			Help: "Webhook events received, by event type.",
		}, []string{"event_type"}),
		WebhookProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "webhook_processed_total",
			Help: "Webhook events processed successfully, by event type.",
		}, []string{"event_type"}),
		WebhookFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "webhook_failed_total",
			Help: "Webhook events whose handler failed (source will retry), by event type.",
		}, []string{"event_type"}),
		WebhookDuplicate: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "webhook_duplicate_total",
			Help: "Webhook re-deliveries skipped by the idempotency ledger.",
		}, []string{"event_type"}),
		WebhookLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name:    "webhook_duration_seconds",
			Help:    "Webhook handler duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"event_type"}),

		PlanUpgrades: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "plan_upgrades_total",
			Help: "Immediate plan upgrades applied.",
		}, []string{"tenant_id"}),
		PlanDowngradesScheduled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "plan_downgrades_scheduled_total",
			Help: "Downgrades scheduled for the period boundary.",
		}, []string{"tenant_id"}),
		PlanDowngradesBlocked: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "plan_downgrades_blocked_total",
			Help: "Downgrades blocked by validation, by reason.",
		}, []string{"reason"}),
		ScheduledChangesApplied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "scheduled_changes_applied_total",
			Help: "Deferred plan changes committed by the sweep.",
		}),
		ScheduledChangesDeferred: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "scheduled_changes_deferred_total",
			Help: "Deferred plan changes skipped this sweep due to gateway failure.",
		}),

		PaymentsConfirmed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "payments_confirmed_total",
			Help: "Payment confirmations that activated a subscription.",
		}, []string{"tenant_id"}),
		PaymentsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "payments_failed_total",
			Help: "Payment failures recorded.",
		}, []string{"tenant_id"}),
		RefundsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "refunds_processed_total",
			Help: "Charge refunds handled, by kind (full, partial).",
		}, []string{"kind"}),

		ReconcileRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "reconcile_runs_total",
			Help: "Reconciliation job runs, by job.",
		}, []string{"job"}),
		ReconcileRepairs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "reconcile_repairs_total",
			Help: "Drift repairs committed, by job.",
		}, []string{"job"}),
		ReconcileFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "reconcile_failures_total",
			Help: "Per-item reconciliation failures, by job.",
		}, []string{"job"}),
		MissedWebhooks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "missed_webhooks_total",
			Help: "Paid invoices discovered with no processed webhook event.",
		}),

		GatewayLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name:    "gateway_request_duration_seconds",
			Help:    "Payment gateway request duration, by operation.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"op"}),
		GatewayFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "gateway_failures_total",
			Help: "Payment gateway call failures, by operation.",
		}, []string{"op"}),

		AlertsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "alerts_sent_total",
			Help: "Operational alerts raised, by severity.",
		}, []string{"severity"}),
	}
}
