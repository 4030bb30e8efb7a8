package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mkessler/njord/internal/domain"
	"github.com/mkessler/njord/internal/gateway"
	"github.com/mkessler/njord/internal/notify"
	"github.com/mkessler/njord/internal/telemetry"
)

// ValidationError blocks a plan change. It carries both the hard errors that
// blocked it and any soft warnings collected alongside, so callers can render
// a structured response.
type ValidationError struct {
	Errors   []string
	Warnings []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("plan change blocked: %s", strings.Join(e.Errors, "; "))
}

// stateManager implements StateManager.
type stateManager struct {
	store    domain.Store
	gateway  gateway.Client
	notifier notify.Notifier
	metrics  *telemetry.Metrics
	logger   *slog.Logger

	// now is injected so period arithmetic is deterministic in tests.
	now func() time.Time
}

// NewStateManager creates a new subscription state manager.
func NewStateManager(
	store domain.Store,
	gw gateway.Client,
	notifier notify.Notifier,
	metrics *telemetry.Metrics,
	logger *slog.Logger,
) StateManager {
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &stateManager{
		store:    store,
		gateway:  gw,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// RequestPlanChange moves a tenant to a new plan.
//
// Flow:
//  1. Load tenant, subscription, current and requested plan
//  2. Same plan + same interval -> no-op success
//  3. Compare effective prices at the requested interval
//  4. Upgrade -> apply immediately (DB first, gateway second)
//  5. Downgrade -> validate, then schedule for the period boundary
func (s *stateManager) RequestPlanChange(ctx context.Context, params PlanChangeParams) (*PlanChangeResult, error) {
	if !params.Interval.IsValid() {
		return nil, ErrInvalidInterval
	}

	tenant, err := s.store.GetTenant(ctx, params.TenantID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, ErrTenantNotFound
		}
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}

	sub, err := s.store.GetSubscriptionByTenant(ctx, params.TenantID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	if sub.Status == domain.SubscriptionCancelled {
		return nil, ErrSubscriptionEnded
	}

	currentPlan, err := s.store.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return nil, fmt.Errorf("failed to get current plan: %w", err)
	}
	newPlan, err := s.store.GetPlan(ctx, params.NewPlanID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, ErrPlanNotFound
		}
		return nil, fmt.Errorf("failed to get requested plan: %w", err)
	}

	if sub.PlanID == newPlan.ID && tenant.BillingInterval == params.Interval {
		return &PlanChangeResult{NoChange: true}, nil
	}

	currentPrice := currentPlan.EffectivePriceCents(params.Interval)
	newPrice := newPlan.EffectivePriceCents(params.Interval)

	if newPrice > currentPrice {
		return s.applyUpgrade(ctx, tenant, sub, currentPlan, newPlan, params.Interval)
	}
	return s.scheduleDowngrade(ctx, tenant, sub, currentPlan, newPlan, params.Interval)
}

// applyUpgrade assigns the new plan immediately. The DB commit is the point
// of no return: the tenant expects the upgraded entitlements, so a gateway
// failure afterwards flags the subscription for async repair instead of
// rolling back.
func (s *stateManager) applyUpgrade(
	ctx context.Context,
	tenant *domain.Tenant,
	sub *domain.Subscription,
	currentPlan, newPlan *domain.Plan,
	interval domain.BillingInterval,
) (*PlanChangeResult, error) {
	err := s.store.WithTx(ctx, func(tx domain.Store) error {
		// Re-read inside the transaction: a webhook landing between the
		// caller's read and here must not be written over.
		fresh, err := tx.GetSubscription(ctx, sub.ID)
		if err != nil {
			return fmt.Errorf("failed to reload subscription: %w", err)
		}
		if fresh.Status == domain.SubscriptionCancelled {
			return ErrSubscriptionEnded
		}

		if err := tx.UpdateTenantPlan(ctx, tenant.ID, newPlan.ID, interval); err != nil {
			return fmt.Errorf("failed to update tenant plan: %w", err)
		}

		fresh.PlanID = newPlan.ID
		fresh.BillingInterval = interval
		fresh.ClearScheduledChange()
		if err := tx.UpdateSubscription(ctx, fresh); err != nil {
			return fmt.Errorf("failed to update subscription: %w", err)
		}

		// A regulated module gained with the new plan needs its activation
		// process started. The activation itself is handled elsewhere.
		for _, module := range newPlan.Modules {
			if !domain.RegulatedModules[module] || currentPlan.HasModule(module) {
				continue
			}
			status, err := tx.GetModuleActivation(ctx, tenant.ID, module)
			if err != nil && !errors.Is(err, domain.ErrNotFound) {
				return fmt.Errorf("failed to check module activation: %w", err)
			}
			if status == domain.ModuleActivationNone {
				if err := tx.CreateModuleActivation(ctx, tenant.ID, module); err != nil {
					return fmt.Errorf("failed to open module activation: %w", err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("plan upgraded",
		"tenant_id", tenant.ID,
		"old_plan", currentPlan.Name,
		"new_plan", newPlan.Name,
		"interval", string(interval),
	)
	if s.metrics != nil {
		s.metrics.PlanUpgrades.WithLabelValues(tenant.ID.String()).Inc()
	}

	// Push the new price to the gateway. Upgrades prorate so the higher
	// tier is billed from today.
	if sub.ExternalID != "" {
		_, gwErr := s.gateway.UpdateSubscriptionPrice(ctx, gateway.UpdatePriceParams{
			SubscriptionID: sub.ExternalID,
			PriceID:        newPlan.ExternalPriceID(interval),
			Prorate:        true,
			IdempotencyKey: fmt.Sprintf("upgrade_%s_%s", sub.ID, newPlan.ID),
		})
		if gwErr != nil {
			s.flagForSync(ctx, sub, gwErr)
			s.notifier.Notify(ctx, notify.Notification{
				Severity: notify.SeverityWarning,
				Subject:  "Gateway price update failed after upgrade",
				Message:  fmt.Sprintf("Subscription %s upgraded to %s locally; gateway update failed: %v", sub.ID, newPlan.Name, gwErr),
				TenantID: tenant.ID.String(),
			})
		}
	}

	return &PlanChangeResult{Applied: true}, nil
}

// scheduleDowngrade validates the change and, if allowed, records it to take
// effect at the current period end. Entitlements do not change now.
func (s *stateManager) scheduleDowngrade(
	ctx context.Context,
	tenant *domain.Tenant,
	sub *domain.Subscription,
	currentPlan, newPlan *domain.Plan,
	interval domain.BillingInterval,
) (*PlanChangeResult, error) {
	validation, err := s.validateDowngrade(ctx, tenant, currentPlan, newPlan)
	if err != nil {
		return nil, err
	}
	if !validation.OK() {
		if s.metrics != nil {
			s.metrics.PlanDowngradesBlocked.WithLabelValues("validation").Inc()
		}
		return nil, &ValidationError{Errors: validation.Errors, Warnings: validation.Warnings}
	}

	// A downgrade needs a date to anchor on. Without a known period end
	// nothing can be scheduled.
	if sub.CurrentPeriodEnd == nil {
		return nil, ErrNoPeriodAnchor
	}

	var changeAt time.Time
	err = s.store.WithTx(ctx, func(tx domain.Store) error {
		fresh, err := tx.GetSubscription(ctx, sub.ID)
		if err != nil {
			return fmt.Errorf("failed to reload subscription: %w", err)
		}
		if fresh.Status == domain.SubscriptionCancelled {
			return ErrSubscriptionEnded
		}
		if fresh.CurrentPeriodEnd == nil {
			return ErrNoPeriodAnchor
		}
		changeAt = *fresh.CurrentPeriodEnd

		planID := newPlan.ID
		fresh.ScheduledPlanID = &planID
		fresh.ScheduledChangeAt = &changeAt
		return tx.UpdateSubscription(ctx, fresh)
	})
	if err != nil {
		if errors.Is(err, ErrSubscriptionEnded) || errors.Is(err, ErrNoPeriodAnchor) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to schedule plan change: %w", err)
	}

	s.logger.Info("plan downgrade scheduled",
		"tenant_id", tenant.ID,
		"old_plan", currentPlan.Name,
		"new_plan", newPlan.Name,
		"change_at", changeAt,
		"warnings", len(validation.Warnings),
	)
	if s.metrics != nil {
		s.metrics.PlanDowngradesScheduled.WithLabelValues(tenant.ID.String()).Inc()
	}

	return &PlanChangeResult{
		ScheduledChangeAt: &changeAt,
		Warnings:          validation.Warnings,
	}, nil
}

// validateDowngrade evaluates every rule. Errors block the change, warnings
// accompany it.
func (s *stateManager) validateDowngrade(
	ctx context.Context,
	tenant *domain.Tenant,
	currentPlan, newPlan *domain.Plan,
) (*PlanChangeValidation, error) {
	v := &PlanChangeValidation{}

	activeUsers, err := s.store.CountActiveUsers(ctx, tenant.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to count active users: %w", err)
	}
	if newPlan.MaxUsers > 0 && activeUsers > newPlan.MaxUsers {
		v.Errors = append(v.Errors, fmt.Sprintf(
			"plan %q allows at most %d users but the account has %d active users",
			newPlan.Name, newPlan.MaxUsers, activeUsers))
	}

	for _, module := range currentPlan.Modules {
		if newPlan.HasModule(module) {
			continue
		}
		if domain.RegulatedModules[module] {
			status, err := s.store.GetModuleActivation(ctx, tenant.ID, module)
			if err != nil && !errors.Is(err, domain.ErrNotFound) {
				return nil, fmt.Errorf("failed to check module activation: %w", err)
			}
			switch status {
			case domain.ModuleActivationActive:
				// Removing a fully activated regulated module is a
				// fiscal/legal risk. Block outright.
				v.Errors = append(v.Errors, fmt.Sprintf(
					"module %q is activated with the tax authority and cannot be removed by a plan change", module))
			case domain.ModuleActivationPending:
				v.Warnings = append(v.Warnings, fmt.Sprintf(
					"module %q will be lost; its pending activation will be abandoned", module))
			default:
				v.Warnings = append(v.Warnings, fmt.Sprintf("module %q will be lost", module))
			}
			continue
		}
		v.Warnings = append(v.Warnings, fmt.Sprintf("module %q will be lost", module))
	}

	return v, nil
}

// ConfirmPaymentApproved activates a subscription from a confirmed payment.
func (s *stateManager) ConfirmPaymentApproved(ctx context.Context, params PaymentConfirmation) error {
	if !params.Interval.IsValid() {
		return ErrInvalidInterval
	}
	plan, err := s.store.GetPlan(ctx, params.PlanID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return ErrPlanNotFound
		}
		return fmt.Errorf("failed to get plan: %w", err)
	}

	now := s.now()

	err = s.store.WithTx(ctx, func(tx domain.Store) error {
		sub, err := tx.GetSubscriptionByTenant(ctx, params.TenantID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("failed to get subscription: %w", err)
		}

		created := false
		if sub == nil {
			// First payment for this tenant. The row is inserted below,
			// after it is fully populated, so the plan FK holds.
			sub = &domain.Subscription{
				ID:       uuid.New(),
				TenantID: params.TenantID,
			}
			created = true
		}

		// Idempotency: an already-active subscription on the paid plan
		// with a live period means this confirmation was applied before.
		if sub.Status == domain.SubscriptionActive &&
			sub.PlanID == plan.ID &&
			sub.BillingInterval == params.Interval &&
			sub.CurrentPeriodEnd != nil && sub.CurrentPeriodEnd.After(now) {
			return s.approvePaymentRecord(ctx, tx, params, plan)
		}

		periodStart := now
		periodEnd := params.Interval.PeriodEnd(now)

		sub.PlanID = plan.ID
		sub.Status = domain.SubscriptionActive
		sub.BillingInterval = params.Interval
		sub.CurrentPeriodStart = &periodStart
		sub.CurrentPeriodEnd = &periodEnd
		sub.LastPaymentFailedAt = nil
		if params.ExternalSubscriptionID != "" {
			sub.ExternalID = params.ExternalSubscriptionID
		}
		if created {
			if err := tx.CreateSubscription(ctx, sub); err != nil {
				return fmt.Errorf("failed to create subscription: %w", err)
			}
		} else if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return fmt.Errorf("failed to update subscription: %w", err)
		}

		if err := tx.UpdateTenantPlan(ctx, params.TenantID, plan.ID, params.Interval); err != nil {
			return fmt.Errorf("failed to update tenant plan: %w", err)
		}
		if err := tx.SetTenantActive(ctx, params.TenantID, true); err != nil {
			return fmt.Errorf("failed to activate tenant: %w", err)
		}

		return s.approvePaymentRecord(ctx, tx, params, plan)
	})
	if err != nil {
		return err
	}

	s.logger.Info("subscription activated from payment",
		"tenant_id", params.TenantID,
		"plan_id", params.PlanID,
		"transaction_id", params.ExternalTransactionID,
	)
	if s.metrics != nil {
		s.metrics.PaymentsConfirmed.WithLabelValues(params.TenantID.String()).Inc()
	}
	return nil
}

// approvePaymentRecord marks the anchoring payment record approved, creating
// one when the attempt was never recorded locally (e.g. checkout completed
// entirely on the gateway's side).
func (s *stateManager) approvePaymentRecord(ctx context.Context, tx domain.Store, params PaymentConfirmation, plan *domain.Plan) error {
	if params.ExternalTransactionID == "" {
		return nil
	}
	rec, err := tx.GetPaymentRecordByTransaction(ctx, params.TenantID, params.ExternalTransactionID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("failed to get payment record: %w", err)
		}
		planID := plan.ID
		rec = &domain.PaymentRecord{
			ID:                    uuid.New(),
			TenantID:              params.TenantID,
			Provider:              s.gateway.Name(),
			Status:                domain.PaymentApproved,
			AmountCents:           plan.EffectivePriceCents(params.Interval),
			Purpose:               domain.PurposeSubscription,
			ExternalTransactionID: params.ExternalTransactionID,
			PlanID:                &planID,
			BillingInterval:       params.Interval,
		}
		return tx.CreatePaymentRecord(ctx, rec)
	}
	if rec.Status == domain.PaymentPending {
		return tx.UpdatePaymentRecordStatus(ctx, rec.ID, domain.PaymentApproved)
	}
	return nil
}

// ApplyScheduledChanges commits deferred downgrades whose time has come.
//
// Gateway first, DB second: the DB must not say "downgraded" while the
// gateway still bills the old price. A failed gateway update skips the DB
// change; the row stays due and the next sweep retries it.
func (s *stateManager) ApplyScheduledChanges(ctx context.Context, now time.Time) (int, error) {
	due, err := s.store.ListScheduledChangesDue(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to list due changes: %w", err)
	}

	applied := 0
	for i := range due {
		sub := &due[i]
		if sub.Status != domain.SubscriptionActive || !sub.HasScheduledChange() {
			continue
		}

		plan, err := s.store.GetPlan(ctx, *sub.ScheduledPlanID)
		if err != nil {
			s.logger.Error("scheduled change references unknown plan",
				"subscription_id", sub.ID,
				"plan_id", *sub.ScheduledPlanID,
				"error", err,
			)
			continue
		}

		if sub.ExternalID != "" {
			_, gwErr := s.gateway.UpdateSubscriptionPrice(ctx, gateway.UpdatePriceParams{
				SubscriptionID: sub.ExternalID,
				PriceID:        plan.ExternalPriceID(sub.BillingInterval),
				Prorate:        false,
				IdempotencyKey: fmt.Sprintf("downgrade_%s_%s", sub.ID, plan.ID),
			})
			if gwErr != nil {
				s.flagForSync(ctx, sub, gwErr)
				if s.metrics != nil {
					s.metrics.ScheduledChangesDeferred.Inc()
				}
				s.logger.Warn("deferring scheduled change: gateway update failed",
					"subscription_id", sub.ID,
					"error", gwErr,
				)
				continue
			}
		}

		err = s.store.WithTx(ctx, func(tx domain.Store) error {
			// Re-read inside the transaction: a concurrent webhook may
			// have cancelled the subscription or an operator may have
			// superseded the change since the listing.
			fresh, err := tx.GetSubscription(ctx, sub.ID)
			if err != nil {
				return err
			}
			if fresh.Status != domain.SubscriptionActive || !fresh.HasScheduledChange() ||
				*fresh.ScheduledPlanID != plan.ID {
				return nil
			}

			fresh.PlanID = plan.ID
			fresh.NeedsExternalSync = false
			fresh.LastSyncError = ""
			fresh.ClearScheduledChange()
			if err := tx.UpdateSubscription(ctx, fresh); err != nil {
				return err
			}
			return tx.UpdateTenantPlan(ctx, fresh.TenantID, plan.ID, fresh.BillingInterval)
		})
		if err != nil {
			s.logger.Error("failed to commit scheduled change",
				"subscription_id", sub.ID,
				"error", err,
			)
			continue
		}

		applied++
		if s.metrics != nil {
			s.metrics.ScheduledChangesApplied.Inc()
		}
		s.logger.Info("scheduled plan change applied",
			"subscription_id", sub.ID,
			"tenant_id", sub.TenantID,
			"new_plan", plan.Name,
		)
	}

	return applied, nil
}

// HandleChargeRefunded processes a refunded charge.
func (s *stateManager) HandleChargeRefunded(ctx context.Context, refund ChargeRefund) error {
	sub, err := s.store.GetSubscriptionByExternalID(ctx, refund.ExternalSubscriptionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return ErrSubscriptionNotFound
		}
		return fmt.Errorf("failed to resolve subscription for refund: %w", err)
	}

	if refund.IsFull() {
		return s.handleFullRefund(ctx, sub, refund)
	}
	return s.handlePartialRefund(ctx, sub, refund)
}

// handleFullRefund cancels the subscription and deactivates the tenant.
// Access revocation takes priority over gateway tidiness: the external
// cancellation is best-effort and its failure is logged, not fatal.
func (s *stateManager) handleFullRefund(ctx context.Context, sub *domain.Subscription, refund ChargeRefund) error {
	err := s.store.WithTx(ctx, func(tx domain.Store) error {
		fresh, err := tx.GetSubscription(ctx, sub.ID)
		if err != nil {
			return fmt.Errorf("failed to reload subscription: %w", err)
		}
		fresh.Status = domain.SubscriptionCancelled
		if err := tx.UpdateSubscription(ctx, fresh); err != nil {
			return fmt.Errorf("failed to cancel subscription: %w", err)
		}
		if err := tx.SetTenantActive(ctx, fresh.TenantID, false); err != nil {
			return fmt.Errorf("failed to deactivate tenant: %w", err)
		}
		return s.markRefunded(ctx, tx, fresh.TenantID, refund.ChargeID)
	})
	if err != nil {
		return err
	}

	if sub.ExternalID != "" {
		if gwErr := s.gateway.CancelSubscription(ctx, gateway.CancelParams{
			SubscriptionID: sub.ExternalID,
			Reason:         "full_refund",
		}); gwErr != nil {
			s.logger.Error("failed to cancel gateway subscription after full refund",
				"subscription_id", sub.ID,
				"external_id", sub.ExternalID,
				"error", gwErr,
			)
		}
	}

	s.logger.Info("subscription cancelled after full refund",
		"subscription_id", sub.ID,
		"tenant_id", sub.TenantID,
		"charge_id", refund.ChargeID,
	)
	if s.metrics != nil {
		s.metrics.RefundsProcessed.WithLabelValues("full").Inc()
	}
	return nil
}

// handlePartialRefund extends the current period proportionally:
// floor(30 * refunded/original) days, assuming a monthly period.
func (s *stateManager) handlePartialRefund(ctx context.Context, sub *domain.Subscription, refund ChargeRefund) error {
	if refund.OriginalAmountCents <= 0 {
		return domain.Invalid("subscription.refund", "refund has no original amount")
	}
	days := int(30 * refund.RefundedAmountCents / refund.OriginalAmountCents)

	err := s.store.WithTx(ctx, func(tx domain.Store) error {
		fresh, err := tx.GetSubscription(ctx, sub.ID)
		if err != nil {
			return fmt.Errorf("failed to reload subscription: %w", err)
		}
		if fresh.CurrentPeriodEnd != nil {
			extended := fresh.CurrentPeriodEnd.AddDate(0, 0, days)
			fresh.CurrentPeriodEnd = &extended
		}
		if err := tx.UpdateSubscription(ctx, fresh); err != nil {
			return fmt.Errorf("failed to extend period: %w", err)
		}
		return s.markRefunded(ctx, tx, fresh.TenantID, refund.ChargeID)
	})
	if err != nil {
		return err
	}

	s.logger.Info("period extended after partial refund",
		"subscription_id", sub.ID,
		"days", days,
		"charge_id", refund.ChargeID,
	)
	if s.metrics != nil {
		s.metrics.RefundsProcessed.WithLabelValues("partial").Inc()
	}
	return nil
}

func (s *stateManager) markRefunded(ctx context.Context, tx domain.Store, tenantID uuid.UUID, chargeID string) error {
	if chargeID == "" {
		return nil
	}
	rec, err := tx.GetPaymentRecordByTransaction(ctx, tenantID, chargeID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to get payment record: %w", err)
	}
	return tx.UpdatePaymentRecordStatus(ctx, rec.ID, domain.PaymentRefunded)
}

// HandlePaymentFailed records a failed renewal payment. Demotion to
// PENDING_PAYMENT is left to the invoice-aging sweep so a single transient
// decline does not interrupt service.
func (s *stateManager) HandlePaymentFailed(ctx context.Context, tenantID uuid.UUID, reason string) error {
	sub, err := s.store.GetSubscriptionByTenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return ErrSubscriptionNotFound
		}
		return fmt.Errorf("failed to get subscription: %w", err)
	}

	now := s.now()
	err = s.store.WithTx(ctx, func(tx domain.Store) error {
		fresh, err := tx.GetSubscription(ctx, sub.ID)
		if err != nil {
			return err
		}
		fresh.LastPaymentFailedAt = &now
		return tx.UpdateSubscription(ctx, fresh)
	})
	if err != nil {
		return fmt.Errorf("failed to record payment failure: %w", err)
	}

	if s.metrics != nil {
		s.metrics.PaymentsFailed.WithLabelValues(tenantID.String()).Inc()
	}
	s.notifier.Notify(ctx, notify.Notification{
		Severity: notify.SeverityWarning,
		Subject:  "Subscription payment failed",
		Message:  fmt.Sprintf("Payment failed for subscription %s: %s", sub.ID, reason),
		TenantID: tenantID.String(),
	})
	return nil
}

// MarkPendingPayment demotes an active subscription to PENDING_PAYMENT.
func (s *stateManager) MarkPendingPayment(ctx context.Context, externalID string, reason string) error {
	sub, err := s.store.GetSubscriptionByExternalID(ctx, externalID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return ErrSubscriptionNotFound
		}
		return fmt.Errorf("failed to get subscription: %w", err)
	}
	if sub.Status != domain.SubscriptionActive {
		return nil
	}

	err = s.store.WithTx(ctx, func(tx domain.Store) error {
		fresh, err := tx.GetSubscription(ctx, sub.ID)
		if err != nil {
			return err
		}
		if fresh.Status != domain.SubscriptionActive {
			return nil
		}
		fresh.Status = domain.SubscriptionPendingPayment
		return tx.UpdateSubscription(ctx, fresh)
	})
	if err != nil {
		return fmt.Errorf("failed to mark subscription pending payment: %w", err)
	}

	s.logger.Warn("subscription demoted to pending payment",
		"subscription_id", sub.ID,
		"external_id", externalID,
		"reason", reason,
	)
	return nil
}

// HandleExternalCancellation applies a cancellation reported by the gateway.
func (s *stateManager) HandleExternalCancellation(ctx context.Context, externalID string) error {
	sub, err := s.store.GetSubscriptionByExternalID(ctx, externalID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return ErrSubscriptionNotFound
		}
		return fmt.Errorf("failed to get subscription: %w", err)
	}
	if sub.Status == domain.SubscriptionCancelled {
		return nil
	}

	// Access is retained until the grace sweep: cancellation is a billing
	// fact, revocation is a scheduled consequence.
	err = s.store.WithTx(ctx, func(tx domain.Store) error {
		fresh, err := tx.GetSubscription(ctx, sub.ID)
		if err != nil {
			return err
		}
		if fresh.Status == domain.SubscriptionCancelled {
			return nil
		}
		fresh.Status = domain.SubscriptionCancelled
		fresh.ClearScheduledChange()
		return tx.UpdateSubscription(ctx, fresh)
	})
	if err != nil {
		return fmt.Errorf("failed to cancel subscription: %w", err)
	}

	s.logger.Info("subscription cancelled by gateway",
		"subscription_id", sub.ID,
		"external_id", externalID,
	)
	return nil
}

// RevokeLapsedAccess deactivates tenants whose cancelled subscription has
// passed its period end plus the grace window. Cancelled subscriptions with
// no period anchor are revoked immediately.
func (s *stateManager) RevokeLapsedAccess(ctx context.Context, now time.Time, graceDays int) (int, error) {
	subs, err := s.store.ListSubscriptionsByStatus(ctx, domain.SubscriptionCancelled)
	if err != nil {
		return 0, fmt.Errorf("failed to list cancelled subscriptions: %w", err)
	}

	revoked := 0
	for i := range subs {
		sub := &subs[i]
		if sub.CurrentPeriodEnd != nil {
			if now.Before(*sub.CurrentPeriodEnd) || sub.InGracePeriod(now, graceDays) {
				continue
			}
		}

		tenant, err := s.store.GetTenant(ctx, sub.TenantID)
		if err != nil {
			s.logger.Error("failed to load tenant for access revocation",
				"tenant_id", sub.TenantID,
				"error", err,
			)
			continue
		}
		if !tenant.Active {
			continue
		}

		if err := s.store.SetTenantActive(ctx, tenant.ID, false); err != nil {
			s.logger.Error("failed to revoke tenant access",
				"tenant_id", tenant.ID,
				"error", err,
			)
			continue
		}
		revoked++
		s.logger.Info("tenant access revoked after grace period",
			"tenant_id", tenant.ID,
			"subscription_id", sub.ID,
		)
	}
	return revoked, nil
}

// mapGatewayStatus maps a provider-reported status to the internal state.
// The second return is false for statuses that map to nothing, in which case
// the sync leaves the current state alone.
func mapGatewayStatus(status string) (domain.SubscriptionStatus, bool) {
	switch status {
	case gateway.StatusActive, gateway.StatusTrialing:
		return domain.SubscriptionActive, true
	case gateway.StatusCanceled, gateway.StatusUnpaid:
		return domain.SubscriptionCancelled, true
	case gateway.StatusPastDue, gateway.StatusIncomplete:
		return domain.SubscriptionPendingPayment, true
	default:
		return "", false
	}
}

// SyncFromGateway overwrites the local subscription from the gateway's view.
// The gateway is authoritative on this repair path.
func (s *stateManager) SyncFromGateway(ctx context.Context, externalID string) error {
	gwSub, err := s.gateway.GetSubscription(ctx, externalID)
	if err != nil {
		return domain.WrapError(err, domain.EGATEWAY, "subscription.sync", "failed to fetch gateway subscription")
	}

	sub, err := s.store.GetSubscriptionByExternalID(ctx, externalID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return ErrSubscriptionNotFound
		}
		return fmt.Errorf("failed to get subscription: %w", err)
	}

	plan, err := s.store.GetPlanByExternalPriceID(ctx, gwSub.PriceID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// No internal plan maps to this gateway price. Do not guess:
			// keep the flag set and record the mismatch.
			syncErr := fmt.Sprintf("no plan maps to gateway price %q", gwSub.PriceID)
			s.recordSyncError(ctx, sub, syncErr)
			return domain.Errorf(domain.EINVALID, "subscription.sync", "%s", syncErr)
		}
		return fmt.Errorf("failed to map gateway price: %w", err)
	}

	status, ok := mapGatewayStatus(gwSub.Status)
	if !ok {
		syncErr := fmt.Sprintf("unmapped gateway status %q", gwSub.Status)
		s.recordSyncError(ctx, sub, syncErr)
		return domain.Errorf(domain.EINVALID, "subscription.sync", "%s", syncErr)
	}

	err = s.store.WithTx(ctx, func(tx domain.Store) error {
		// Re-read so a webhook applied since our fetch is not clobbered
		// with anything other than fresher gateway state.
		fresh, err := tx.GetSubscription(ctx, sub.ID)
		if err != nil {
			return err
		}

		periodStart := gwSub.CurrentPeriodStart
		periodEnd := gwSub.CurrentPeriodEnd
		fresh.PlanID = plan.ID
		fresh.Status = status
		if !periodStart.IsZero() {
			fresh.CurrentPeriodStart = &periodStart
		}
		if !periodEnd.IsZero() {
			fresh.CurrentPeriodEnd = &periodEnd
		}
		fresh.NeedsExternalSync = false
		fresh.LastSyncError = ""
		if err := tx.UpdateSubscription(ctx, fresh); err != nil {
			return fmt.Errorf("failed to sync subscription: %w", err)
		}

		if err := tx.UpdateTenantPlan(ctx, fresh.TenantID, plan.ID, fresh.BillingInterval); err != nil {
			return fmt.Errorf("failed to sync tenant plan: %w", err)
		}
		// Cancelled is not deactivated here: the grace sweep revokes
		// access once the period end plus grace days has passed.
		if status == domain.SubscriptionActive {
			return tx.SetTenantActive(ctx, fresh.TenantID, true)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("subscription synced from gateway",
		"subscription_id", sub.ID,
		"external_id", externalID,
		"status", string(status),
		"plan", plan.Name,
	)
	return nil
}

// ActivateFromInvoice activates a subscription from a paid gateway invoice.
func (s *stateManager) ActivateFromInvoice(ctx context.Context, inv gateway.Invoice) error {
	sub, err := s.store.GetSubscriptionByExternalID(ctx, inv.SubscriptionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return ErrSubscriptionNotFound
		}
		return fmt.Errorf("failed to resolve subscription for invoice: %w", err)
	}

	// Idempotent: already active on this invoice's period.
	if sub.Status == domain.SubscriptionActive &&
		sub.CurrentPeriodEnd != nil && sub.CurrentPeriodEnd.Equal(inv.PeriodEnd) {
		return nil
	}

	err = s.store.WithTx(ctx, func(tx domain.Store) error {
		fresh, err := tx.GetSubscription(ctx, sub.ID)
		if err != nil {
			return fmt.Errorf("failed to reload subscription: %w", err)
		}
		periodStart := inv.PeriodStart
		periodEnd := inv.PeriodEnd
		fresh.Status = domain.SubscriptionActive
		fresh.CurrentPeriodStart = &periodStart
		fresh.CurrentPeriodEnd = &periodEnd
		fresh.LastPaymentFailedAt = nil
		if err := tx.UpdateSubscription(ctx, fresh); err != nil {
			return fmt.Errorf("failed to activate subscription: %w", err)
		}
		return tx.SetTenantActive(ctx, fresh.TenantID, true)
	})
	if err != nil {
		return err
	}

	s.logger.Info("subscription activated from invoice",
		"subscription_id", sub.ID,
		"invoice_id", inv.ID,
		"period_end", inv.PeriodEnd,
	)
	return nil
}

// GetTransactionStatus reports a payment attempt's state, polling the
// gateway while the local record is pending.
func (s *stateManager) GetTransactionStatus(ctx context.Context, transactionID string, tenantID uuid.UUID) (*TransactionStatus, error) {
	rec, err := s.store.GetPaymentRecordByTransaction(ctx, tenantID, transactionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("failed to get payment record: %w", err)
	}

	if rec.Status != domain.PaymentPending {
		return &TransactionStatus{
			Status:    rec.Status,
			Activated: rec.Status == domain.PaymentApproved,
		}, nil
	}

	txn, err := s.gateway.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, domain.WrapError(err, domain.EGATEWAY, "payment.poll", "failed to fetch transaction")
	}

	switch txn.Status {
	case gateway.TxnApproved:
		if rec.PlanID == nil {
			return nil, domain.Errorf(domain.ECONFIG, "payment.poll", "payment record %s has no plan reference", rec.ID)
		}
		if err := s.ConfirmPaymentApproved(ctx, PaymentConfirmation{
			TenantID:              tenantID,
			PlanID:                *rec.PlanID,
			Interval:              rec.BillingInterval,
			ExternalTransactionID: transactionID,
		}); err != nil {
			return nil, err
		}
		return &TransactionStatus{Status: domain.PaymentApproved, Activated: true}, nil

	case gateway.TxnDeclined, gateway.TxnVoided:
		if err := s.store.UpdatePaymentRecordStatus(ctx, rec.ID, domain.PaymentDeclined); err != nil {
			return nil, fmt.Errorf("failed to mark payment declined: %w", err)
		}
		return &TransactionStatus{Status: domain.PaymentDeclined}, nil

	default:
		return &TransactionStatus{Status: domain.PaymentPending}, nil
	}
}

// recordSyncError stores the latest sync failure without clearing the
// NeedsExternalSync flag, so the next reconciliation run retries.
func (s *stateManager) recordSyncError(ctx context.Context, sub *domain.Subscription, message string) {
	err := s.store.WithTx(ctx, func(tx domain.Store) error {
		fresh, err := tx.GetSubscription(ctx, sub.ID)
		if err != nil {
			return err
		}
		fresh.LastSyncError = message
		return tx.UpdateSubscription(ctx, fresh)
	})
	if err != nil {
		s.logger.Error("failed to record sync error",
			"subscription_id", sub.ID,
			"error", err,
		)
	}
}

// flagForSync marks the subscription for async gateway repair after a
// gateway call failed mid-sequence. Only the flag fields are written; the
// row may have moved on since the caller read it.
func (s *stateManager) flagForSync(ctx context.Context, sub *domain.Subscription, cause error) {
	err := s.store.WithTx(ctx, func(tx domain.Store) error {
		fresh, err := tx.GetSubscription(ctx, sub.ID)
		if err != nil {
			return err
		}
		fresh.NeedsExternalSync = true
		fresh.LastSyncError = cause.Error()
		return tx.UpdateSubscription(ctx, fresh)
	})
	if err != nil {
		s.logger.Error("failed to flag subscription for sync",
			"subscription_id", sub.ID,
			"error", err,
		)
	}
}
