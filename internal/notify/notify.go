// Package notify delivers operational alerts. Delivery is fire-and-forget,
// best-effort: a failed notification is logged and dropped, never propagated
// into the billing path that raised it.
package notify

import (
	"context"
	"log/slog"
)

// Severity grades a notification.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Notification is an operational alert.
type Notification struct {
	Severity Severity
	Subject  string
	Message  string
	TenantID string
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// LogNotifier writes notifications to the structured log. Always available;
// the default when no delivery channel is configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// Notify logs the notification at a level matching its severity.
func (n *LogNotifier) Notify(ctx context.Context, note Notification) {
	attrs := []any{
		"subject", note.Subject,
		"severity", string(note.Severity),
		"tenant_id", note.TenantID,
	}
	switch note.Severity {
	case SeverityCritical:
		n.logger.Error(note.Message, attrs...)
	case SeverityWarning:
		n.logger.Warn(note.Message, attrs...)
	default:
		n.logger.Info(note.Message, attrs...)
	}
}

// NoopNotifier discards notifications. Used when alerts are disabled by
// configuration.
type NoopNotifier struct{}

func (NoopNotifier) Notify(ctx context.Context, n Notification) {}
