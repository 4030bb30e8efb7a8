package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mkessler/njord/internal/domain"
)

// DBTX is the subset of pgx shared by a pool and a transaction, so the same
// query methods serve both.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the production domain.Store backed by Postgres.
type Store struct {
	// pool is nil on a transaction-scoped Store.
	pool *pgxpool.Pool
	db   DBTX
}

// NewStore creates a Store on a connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

// WithTx runs fn against a transaction-scoped Store. Reentrant: when already
// inside a transaction the existing one is reused, since Postgres has no
// true nested transactions.
func (s *Store) WithTx(ctx context.Context, fn func(domain.Store) error) error {
	if s.pool == nil {
		return fn(s)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&Store{db: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// mapError translates pgx errors to the domain sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return domain.ErrDuplicate
	}
	return err
}

// Tenants

const getTenant = `
SELECT id, name, active, plan_id, billing_interval, created_at, updated_at
FROM tenants
WHERE id = $1`

func (s *Store) GetTenant(ctx context.Context, id uuid.UUID) (*domain.Tenant, error) {
	var t domain.Tenant
	err := s.db.QueryRow(ctx, getTenant, id).Scan(
		&t.ID, &t.Name, &t.Active, &t.PlanID, &t.BillingInterval,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	return &t, nil
}

const updateTenantPlan = `
UPDATE tenants
SET plan_id = $2, billing_interval = $3, updated_at = now()
WHERE id = $1`

func (s *Store) UpdateTenantPlan(ctx context.Context, id, planID uuid.UUID, interval domain.BillingInterval) error {
	tag, err := s.db.Exec(ctx, updateTenantPlan, id, planID, interval)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

const setTenantActive = `
UPDATE tenants
SET active = $2, updated_at = now()
WHERE id = $1`

func (s *Store) SetTenantActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := s.db.Exec(ctx, setTenantActive, id, active)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

const countActiveUsers = `
SELECT count(*)
FROM users
WHERE tenant_id = $1 AND active`

func (s *Store) CountActiveUsers(ctx context.Context, tenantID uuid.UUID) (int32, error) {
	var n int32
	if err := s.db.QueryRow(ctx, countActiveUsers, tenantID).Scan(&n); err != nil {
		return 0, mapError(err)
	}
	return n, nil
}

// Plans

const planColumns = `id, name, monthly_price_cents, yearly_price_cents, max_users, modules,
	external_monthly_price_id, external_yearly_price_id`

func scanPlan(row pgx.Row) (*domain.Plan, error) {
	var p domain.Plan
	err := row.Scan(
		&p.ID, &p.Name, &p.MonthlyPriceCents, &p.YearlyPriceCents, &p.MaxUsers,
		&p.Modules, &p.ExternalMonthlyPriceID, &p.ExternalYearlyPriceID,
	)
	if err != nil {
		return nil, mapError(err)
	}
	return &p, nil
}

func (s *Store) GetPlan(ctx context.Context, id uuid.UUID) (*domain.Plan, error) {
	return scanPlan(s.db.QueryRow(ctx,
		`SELECT `+planColumns+` FROM plans WHERE id = $1`, id))
}

func (s *Store) GetPlanByExternalPriceID(ctx context.Context, priceID string) (*domain.Plan, error) {
	return scanPlan(s.db.QueryRow(ctx,
		`SELECT `+planColumns+` FROM plans
		WHERE external_monthly_price_id = $1 OR external_yearly_price_id = $1`, priceID))
}

// Subscriptions

const subscriptionColumns = `id, tenant_id, plan_id, status, billing_interval,
	current_period_start, current_period_end,
	scheduled_plan_id, scheduled_change_at,
	external_id, needs_external_sync, last_sync_error, last_payment_failed_at,
	created_at, updated_at`

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := row.Scan(
		&sub.ID, &sub.TenantID, &sub.PlanID, &sub.Status, &sub.BillingInterval,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd,
		&sub.ScheduledPlanID, &sub.ScheduledChangeAt,
		&sub.ExternalID, &sub.NeedsExternalSync, &sub.LastSyncError, &sub.LastPaymentFailedAt,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	return &sub, nil
}

func scanSubscriptions(rows pgx.Rows) ([]domain.Subscription, error) {
	defer rows.Close()
	var subs []domain.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, mapError(rows.Err())
}

const createSubscription = `
INSERT INTO subscriptions (
	id, tenant_id, plan_id, status, billing_interval,
	current_period_start, current_period_end,
	scheduled_plan_id, scheduled_change_at,
	external_id, needs_external_sync, last_sync_error, last_payment_failed_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

func (s *Store) CreateSubscription(ctx context.Context, sub *domain.Subscription) error {
	_, err := s.db.Exec(ctx, createSubscription,
		sub.ID, sub.TenantID, sub.PlanID, sub.Status, sub.BillingInterval,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		sub.ScheduledPlanID, sub.ScheduledChangeAt,
		sub.ExternalID, sub.NeedsExternalSync, sub.LastSyncError, sub.LastPaymentFailedAt,
	)
	return mapError(err)
}

func (s *Store) GetSubscription(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	return scanSubscription(s.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
}

func (s *Store) GetSubscriptionByTenant(ctx context.Context, tenantID uuid.UUID) (*domain.Subscription, error) {
	return scanSubscription(s.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE tenant_id = $1`, tenantID))
}

func (s *Store) GetSubscriptionByExternalID(ctx context.Context, externalID string) (*domain.Subscription, error) {
	return scanSubscription(s.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE external_id = $1`, externalID))
}

const updateSubscription = `
UPDATE subscriptions
SET plan_id = $2, status = $3, billing_interval = $4,
	current_period_start = $5, current_period_end = $6,
	scheduled_plan_id = $7, scheduled_change_at = $8,
	external_id = $9, needs_external_sync = $10, last_sync_error = $11,
	last_payment_failed_at = $12,
	updated_at = now()
WHERE id = $1`

func (s *Store) UpdateSubscription(ctx context.Context, sub *domain.Subscription) error {
	tag, err := s.db.Exec(ctx, updateSubscription,
		sub.ID, sub.PlanID, sub.Status, sub.BillingInterval,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		sub.ScheduledPlanID, sub.ScheduledChangeAt,
		sub.ExternalID, sub.NeedsExternalSync, sub.LastSyncError,
		sub.LastPaymentFailedAt,
	)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) ListSubscriptionsNeedingSync(ctx context.Context) ([]domain.Subscription, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE needs_external_sync
		ORDER BY updated_at`)
	if err != nil {
		return nil, mapError(err)
	}
	return scanSubscriptions(rows)
}

func (s *Store) ListScheduledChangesDue(ctx context.Context, now time.Time) ([]domain.Subscription, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status = $1 AND scheduled_change_at IS NOT NULL AND scheduled_change_at <= $2
		ORDER BY scheduled_change_at`,
		domain.SubscriptionActive, now)
	if err != nil {
		return nil, mapError(err)
	}
	return scanSubscriptions(rows)
}

func (s *Store) ListSubscriptionsByStatus(ctx context.Context, statuses ...domain.SubscriptionStatus) ([]domain.Subscription, error) {
	vals := make([]string, len(statuses))
	for i, st := range statuses {
		vals[i] = string(st)
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status = ANY($1)
		ORDER BY created_at`, vals)
	if err != nil {
		return nil, mapError(err)
	}
	return scanSubscriptions(rows)
}

// Processed-event ledger

const processedEventColumns = `event_id, event_type, reference, payload, processed_at`

func scanProcessedEvent(row pgx.Row) (*domain.ProcessedEvent, error) {
	var ev domain.ProcessedEvent
	err := row.Scan(&ev.EventID, &ev.EventType, &ev.Reference, &ev.Payload, &ev.ProcessedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &ev, nil
}

func (s *Store) GetProcessedEvent(ctx context.Context, eventID string) (*domain.ProcessedEvent, error) {
	return scanProcessedEvent(s.db.QueryRow(ctx,
		`SELECT `+processedEventColumns+` FROM processed_events WHERE event_id = $1`, eventID))
}

func (s *Store) GetProcessedEventByReference(ctx context.Context, reference string) (*domain.ProcessedEvent, error) {
	return scanProcessedEvent(s.db.QueryRow(ctx,
		`SELECT `+processedEventColumns+` FROM processed_events
		WHERE reference = $1
		ORDER BY processed_at
		LIMIT 1`, reference))
}

const createProcessedEvent = `
INSERT INTO processed_events (event_id, event_type, reference, payload)
VALUES ($1, $2, $3, $4)`

func (s *Store) CreateProcessedEvent(ctx context.Context, ev *domain.ProcessedEvent) error {
	_, err := s.db.Exec(ctx, createProcessedEvent,
		ev.EventID, ev.EventType, ev.Reference, ev.Payload)
	return mapError(err)
}

// Payment records

const paymentRecordColumns = `id, tenant_id, provider, status, amount_cents, currency, purpose,
	external_transaction_id, plan_id, billing_interval, reference, created_at, updated_at`

func scanPaymentRecord(row pgx.Row) (*domain.PaymentRecord, error) {
	var rec domain.PaymentRecord
	err := row.Scan(
		&rec.ID, &rec.TenantID, &rec.Provider, &rec.Status, &rec.AmountCents,
		&rec.Currency, &rec.Purpose, &rec.ExternalTransactionID,
		&rec.PlanID, &rec.BillingInterval, &rec.Reference,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	return &rec, nil
}

const createPaymentRecord = `
INSERT INTO payment_records (
	id, tenant_id, provider, status, amount_cents, currency, purpose,
	external_transaction_id, plan_id, billing_interval, reference
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

func (s *Store) CreatePaymentRecord(ctx context.Context, rec *domain.PaymentRecord) error {
	_, err := s.db.Exec(ctx, createPaymentRecord,
		rec.ID, rec.TenantID, rec.Provider, rec.Status, rec.AmountCents,
		rec.Currency, rec.Purpose, rec.ExternalTransactionID,
		rec.PlanID, rec.BillingInterval, rec.Reference,
	)
	return mapError(err)
}

func (s *Store) GetPaymentRecordByTransaction(ctx context.Context, tenantID uuid.UUID, externalTransactionID string) (*domain.PaymentRecord, error) {
	return scanPaymentRecord(s.db.QueryRow(ctx,
		`SELECT `+paymentRecordColumns+` FROM payment_records
		WHERE tenant_id = $1 AND external_transaction_id = $2`,
		tenantID, externalTransactionID))
}

const updatePaymentRecordStatus = `
UPDATE payment_records
SET status = $2, updated_at = now()
WHERE id = $1`

func (s *Store) UpdatePaymentRecordStatus(ctx context.Context, id uuid.UUID, status domain.PaymentRecordStatus) error {
	tag, err := s.db.Exec(ctx, updatePaymentRecordStatus, id, status)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) ListStalePendingPayments(ctx context.Context, olderThan time.Time) ([]domain.PaymentRecord, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+paymentRecordColumns+` FROM payment_records
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at`,
		domain.PaymentPending, olderThan)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var recs []domain.PaymentRecord
	for rows.Next() {
		rec, err := scanPaymentRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, mapError(rows.Err())
}

// Module activations

const getModuleActivation = `
SELECT status
FROM module_activations
WHERE tenant_id = $1 AND module = $2`

func (s *Store) GetModuleActivation(ctx context.Context, tenantID uuid.UUID, module string) (domain.ModuleActivationStatus, error) {
	var status domain.ModuleActivationStatus
	err := s.db.QueryRow(ctx, getModuleActivation, tenantID, module).Scan(&status)
	if err != nil {
		return domain.ModuleActivationNone, mapError(err)
	}
	return status, nil
}

const createModuleActivation = `
INSERT INTO module_activations (tenant_id, module, status)
VALUES ($1, $2, $3)
ON CONFLICT (tenant_id, module) DO NOTHING`

func (s *Store) CreateModuleActivation(ctx context.Context, tenantID uuid.UUID, module string) error {
	_, err := s.db.Exec(ctx, createModuleActivation,
		tenantID, module, domain.ModuleActivationPending)
	return mapError(err)
}
