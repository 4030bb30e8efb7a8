package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const postmarkAPIURL = "https://api.postmarkapp.com/email"

// EmailNotifier delivers notifications as emails via the Postmark API.
type EmailNotifier struct {
	apiToken   string
	from       string
	to         string
	logger     *slog.Logger
	httpClient *http.Client
}

// EmailConfig contains configuration for the email notifier.
type EmailConfig struct {
	PostmarkToken string
	From          string
	To            string // operations inbox
	Timeout       time.Duration
}

// NewEmailNotifier creates a Postmark-backed notifier.
func NewEmailNotifier(cfg EmailConfig, logger *slog.Logger) (*EmailNotifier, error) {
	if cfg.PostmarkToken == "" {
		return nil, fmt.Errorf("notify: POSTMARK_API_TOKEN required for email notifier")
	}
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &EmailNotifier{
		apiToken:   cfg.PostmarkToken,
		from:       cfg.From,
		to:         cfg.To,
		logger:     logger,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type postmarkEmail struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	TextBody string `json:"TextBody"`
	Tag      string `json:"Tag,omitempty"`
}

// Notify sends the notification as an email. Failures are logged, not returned.
func (n *EmailNotifier) Notify(ctx context.Context, note Notification) {
	subject := fmt.Sprintf("[%s] %s", note.Severity, note.Subject)
	body := note.Message
	if note.TenantID != "" {
		body = fmt.Sprintf("%s\n\nTenant: %s", body, note.TenantID)
	}

	payload, err := json.Marshal(postmarkEmail{
		From:     n.from,
		To:       n.to,
		Subject:  subject,
		TextBody: body,
		Tag:      "billing-alert",
	})
	if err != nil {
		n.logger.Error("failed to marshal alert email", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, postmarkAPIURL, bytes.NewReader(payload))
	if err != nil {
		n.logger.Error("failed to build alert email request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", n.apiToken)

	resp, err := n.httpClient.Do(req)
	if err != nil {
		n.logger.Error("failed to deliver alert email", "subject", subject, "error", err)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		n.logger.Error("postmark rejected alert email",
			"subject", subject,
			"status", resp.StatusCode,
		)
	}
}
