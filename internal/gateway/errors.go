package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingCredentials is returned when a provider is selected without
	// its API key or secret configured.
	ErrMissingCredentials = errors.New("gateway: missing credentials")

	// ErrSubscriptionNotFound is returned when the provider has no
	// subscription with the given id.
	ErrSubscriptionNotFound = errors.New("gateway: subscription not found")

	// ErrTransactionNotFound is returned when the provider has no
	// transaction with the given id.
	ErrTransactionNotFound = errors.New("gateway: transaction not found")

	// ErrInvalidWebhookSignature is returned when webhook signature
	// verification fails.
	ErrInvalidWebhookSignature = errors.New("gateway: invalid webhook signature")

	// ErrNotSupported is returned by providers that do not implement a
	// capability (e.g. invoice listing on providers without an invoice API).
	ErrNotSupported = errors.New("gateway: operation not supported")
)

// Error wraps a provider API failure with context. Network errors, timeouts
// and 4xx/5xx responses all surface as *Error; callers treat them uniformly
// as retryable (flag for sync, never assume the remote side's outcome).
type Error struct {
	Provider   string
	Op         string
	StatusCode int // HTTP status from the provider, 0 for transport errors
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s: %s (status %d)", e.Provider, e.Op, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// wrapErr builds a transport-level *Error.
func wrapErr(provider, op string, err error) error {
	return &Error{Provider: provider, Op: op, Message: err.Error(), Err: err}
}

// IsGatewayError reports whether err originated from a provider call.
func IsGatewayError(err error) bool {
	var e *Error
	return errors.As(err, &e)
}
