package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mkessler/njord/internal/domain"
	"github.com/mkessler/njord/internal/gateway"
	"github.com/mkessler/njord/internal/service"
	"github.com/mkessler/njord/internal/telemetry"
)

// Event types carried in the provider envelope. Providers with their own
// naming are adapted at the ingress edge before reaching the processor.
const (
	EventPaymentSucceeded      = "payment_succeeded"
	EventPaymentFailed         = "payment_failed"
	EventSubscriptionCancelled = "subscription_cancelled"
	EventSubscriptionUpdated   = "subscription_updated"
	EventCheckoutCompleted     = "checkout_completed"
	EventChargeRefunded        = "charge_refunded"
)

// Event is the provider event envelope: a globally unique id, a type tag and
// a typed payload.
type Event struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"data"`
}

// paymentPayload covers payment_succeeded, payment_failed and
// checkout_completed events.
type paymentPayload struct {
	TenantID       uuid.UUID              `json:"tenant_id"`
	PlanID         uuid.UUID              `json:"plan_id"`
	Interval       domain.BillingInterval `json:"interval"`
	TransactionID  string                 `json:"transaction_id"`
	SubscriptionID string                 `json:"subscription_id"`
	InvoiceID      string                 `json:"invoice_id"`
	Reason         string                 `json:"reason"`
}

// subscriptionPayload covers subscription_cancelled and subscription_updated.
type subscriptionPayload struct {
	SubscriptionID string `json:"subscription_id"`
}

// refundPayload covers charge_refunded events.
type refundPayload struct {
	ChargeID            string `json:"charge_id"`
	InvoiceID           string `json:"invoice_id"`
	SubscriptionID      string `json:"subscription_id"`
	AmountCents         int64  `json:"amount_cents"`
	AmountRefundedCents int64  `json:"amount_refunded_cents"`
	Currency            string `json:"currency"`
}

// Processor ingests provider events exactly once. It performs no business
// logic beyond signature verification, idempotency bookkeeping and dispatch;
// all state mutation goes through the StateManager.
type Processor struct {
	store   domain.Store
	gateway gateway.Client
	state   service.StateManager
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// NewProcessor creates a webhook event processor.
func NewProcessor(
	store domain.Store,
	gw gateway.Client,
	state service.StateManager,
	metrics *telemetry.Metrics,
	logger *slog.Logger,
) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:   store,
		gateway: gw,
		state:   state,
		metrics: metrics,
		logger:  logger,
	}
}

// VerifyAndParse checks the provider signature and decodes the envelope.
// Invalid signatures are rejected here, before any processing.
func (p *Processor) VerifyAndParse(payload []byte, signature string) (*Event, error) {
	// Empty secret defers to the client's configured one.
	if err := p.gateway.VerifyWebhookSignature(payload, signature, ""); err != nil {
		return nil, domain.WrapError(err, domain.EUNAUTHORIZED, "webhook.verify", "invalid webhook signature")
	}

	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, domain.WrapError(err, domain.EINVALID, "webhook.parse", "malformed event envelope")
	}
	if ev.ID == "" || ev.Type == "" {
		return nil, domain.Invalid("webhook.parse", "event envelope missing id or type")
	}
	return &ev, nil
}

// Handle applies an event exactly once.
//
// The ledger is consulted first: a known event id is an idempotent
// re-delivery and succeeds without side effects. The ledger row is written
// only after the handler succeeds, so a failed handler leaves no trace and
// the source retries cleanly. A duplicate-key error on the ledger write
// means a concurrent delivery won the race, which is also success.
func (p *Processor) Handle(ctx context.Context, ev *Event) error {
	start := time.Now()
	if p.metrics != nil {
		p.metrics.WebhookReceived.WithLabelValues(ev.Type).Inc()
	}

	existing, err := p.store.GetProcessedEvent(ctx, ev.ID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("failed to check event ledger: %w", err)
	}
	if existing != nil {
		if p.metrics != nil {
			p.metrics.WebhookDuplicate.WithLabelValues(ev.Type).Inc()
		}
		p.logger.Info("duplicate event ignored", "event_id", ev.ID, "event_type", ev.Type)
		return nil
	}

	reference, err := p.dispatch(ctx, ev)
	if err != nil {
		if p.metrics != nil {
			p.metrics.WebhookFailed.WithLabelValues(ev.Type).Inc()
		}
		p.logger.Error("event handler failed",
			"event_id", ev.ID,
			"event_type", ev.Type,
			"error", err,
		)
		return err
	}

	err = p.store.CreateProcessedEvent(ctx, &domain.ProcessedEvent{
		EventID:   ev.ID,
		EventType: ev.Type,
		Reference: reference,
		Payload:   ev.Payload,
	})
	if err != nil && !errors.Is(err, domain.ErrDuplicate) {
		return fmt.Errorf("failed to record processed event: %w", err)
	}

	if p.metrics != nil {
		p.metrics.WebhookProcessed.WithLabelValues(ev.Type).Inc()
		p.metrics.WebhookLatency.WithLabelValues(ev.Type).Observe(time.Since(start).Seconds())
	}
	return nil
}

// dispatch routes the event to its handler and returns the reference used to
// correlate the event back to its source object (invoice id, charge id).
func (p *Processor) dispatch(ctx context.Context, ev *Event) (string, error) {
	switch ev.Type {
	case EventPaymentSucceeded:
		return p.handlePaymentSucceeded(ctx, ev)
	case EventPaymentFailed:
		return p.handlePaymentFailed(ctx, ev)
	case EventSubscriptionCancelled:
		return p.handleSubscriptionCancelled(ctx, ev)
	case EventSubscriptionUpdated:
		return p.handleSubscriptionUpdated(ctx, ev)
	case EventCheckoutCompleted:
		return p.handleCheckoutCompleted(ctx, ev)
	case EventChargeRefunded:
		return p.handleChargeRefunded(ctx, ev)
	default:
		// Unrecognized types are recorded so re-deliveries short-circuit.
		p.logger.Info("unrecognized event type, ignoring",
			"event_id", ev.ID,
			"event_type", ev.Type,
		)
		return "", nil
	}
}

func (p *Processor) handlePaymentSucceeded(ctx context.Context, ev *Event) (string, error) {
	var payload paymentPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return "", domain.WrapError(err, domain.EINVALID, "webhook.payment_succeeded", "malformed payload")
	}

	err := p.state.ConfirmPaymentApproved(ctx, service.PaymentConfirmation{
		TenantID:               payload.TenantID,
		PlanID:                 payload.PlanID,
		Interval:               payload.Interval,
		ExternalTransactionID:  payload.TransactionID,
		ExternalSubscriptionID: payload.SubscriptionID,
	})
	if err != nil {
		return "", err
	}

	if payload.InvoiceID != "" {
		return payload.InvoiceID, nil
	}
	return payload.TransactionID, nil
}

func (p *Processor) handlePaymentFailed(ctx context.Context, ev *Event) (string, error) {
	var payload paymentPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return "", domain.WrapError(err, domain.EINVALID, "webhook.payment_failed", "malformed payload")
	}

	err := p.state.HandlePaymentFailed(ctx, payload.TenantID, payload.Reason)
	if err != nil {
		if errors.Is(err, service.ErrSubscriptionNotFound) {
			p.logger.Warn("payment failure for unknown subscription",
				"event_id", ev.ID,
				"tenant_id", payload.TenantID,
			)
			return payload.InvoiceID, nil
		}
		return "", err
	}
	return payload.InvoiceID, nil
}

func (p *Processor) handleSubscriptionCancelled(ctx context.Context, ev *Event) (string, error) {
	var payload subscriptionPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return "", domain.WrapError(err, domain.EINVALID, "webhook.subscription_cancelled", "malformed payload")
	}

	err := p.state.HandleExternalCancellation(ctx, payload.SubscriptionID)
	if err != nil {
		// No local record to cancel. Retrying will not create one.
		if errors.Is(err, service.ErrSubscriptionNotFound) {
			p.logger.Warn("cancellation for unknown subscription",
				"event_id", ev.ID,
				"external_id", payload.SubscriptionID,
			)
			return payload.SubscriptionID, nil
		}
		return "", err
	}
	return payload.SubscriptionID, nil
}

func (p *Processor) handleSubscriptionUpdated(ctx context.Context, ev *Event) (string, error) {
	var payload subscriptionPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return "", domain.WrapError(err, domain.EINVALID, "webhook.subscription_updated", "malformed payload")
	}

	err := p.state.SyncFromGateway(ctx, payload.SubscriptionID)
	if err != nil {
		if errors.Is(err, service.ErrSubscriptionNotFound) {
			p.logger.Warn("update for unknown subscription",
				"event_id", ev.ID,
				"external_id", payload.SubscriptionID,
			)
			return payload.SubscriptionID, nil
		}
		return "", err
	}
	return payload.SubscriptionID, nil
}

func (p *Processor) handleCheckoutCompleted(ctx context.Context, ev *Event) (string, error) {
	var payload paymentPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return "", domain.WrapError(err, domain.EINVALID, "webhook.checkout_completed", "malformed payload")
	}

	err := p.state.ConfirmPaymentApproved(ctx, service.PaymentConfirmation{
		TenantID:               payload.TenantID,
		PlanID:                 payload.PlanID,
		Interval:               payload.Interval,
		ExternalTransactionID:  payload.TransactionID,
		ExternalSubscriptionID: payload.SubscriptionID,
	})
	if err != nil {
		return "", err
	}
	if payload.InvoiceID != "" {
		return payload.InvoiceID, nil
	}
	return payload.TransactionID, nil
}

func (p *Processor) handleChargeRefunded(ctx context.Context, ev *Event) (string, error) {
	var payload refundPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return "", domain.WrapError(err, domain.EINVALID, "webhook.charge_refunded", "malformed payload")
	}

	err := p.state.HandleChargeRefunded(ctx, service.ChargeRefund{
		ChargeID:               payload.ChargeID,
		InvoiceID:              payload.InvoiceID,
		ExternalSubscriptionID: payload.SubscriptionID,
		OriginalAmountCents:    payload.AmountCents,
		RefundedAmountCents:    payload.AmountRefundedCents,
		Currency:               payload.Currency,
	})
	if err != nil {
		if errors.Is(err, service.ErrSubscriptionNotFound) {
			p.logger.Warn("refund for unknown subscription",
				"event_id", ev.ID,
				"external_id", payload.SubscriptionID,
				"charge_id", payload.ChargeID,
			)
			return payload.ChargeID, nil
		}
		return "", err
	}
	return payload.ChargeID, nil
}
