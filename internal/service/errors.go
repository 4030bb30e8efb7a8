package service

import (
	"github.com/mkessler/njord/internal/domain"
)

// Lookup errors - domain.ENOTFOUND
var (
	ErrTenantNotFound       = domain.Errorf(domain.ENOTFOUND, "", "Tenant not found")
	ErrPlanNotFound         = domain.Errorf(domain.ENOTFOUND, "", "Plan not found")
	ErrSubscriptionNotFound = domain.Errorf(domain.ENOTFOUND, "", "Subscription not found")
	ErrPaymentNotFound      = domain.Errorf(domain.ENOTFOUND, "", "Payment record not found")
)

// Validation errors - domain.EINVALID
var (
	ErrInvalidInterval   = domain.Errorf(domain.EINVALID, "", "Invalid billing interval")
	ErrSubscriptionEnded = domain.Errorf(domain.EINVALID, "", "Subscription is cancelled; start a new subscription instead")
)

// Configuration errors - domain.ECONFIG
var (
	// ErrNoPeriodAnchor is returned when a downgrade cannot be scheduled
	// because the subscription has no known current period end.
	ErrNoPeriodAnchor = domain.Errorf(domain.ECONFIG, "", "Cannot schedule plan change: current period end is unknown")
)

// Conflict errors - domain.ECONFLICT. Treated as success by idempotent callers.
var (
	ErrAlreadyApplied = domain.Errorf(domain.ECONFLICT, "", "Transition already applied")
)
