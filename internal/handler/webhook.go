package handler

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mkessler/njord/internal/domain"
)

// signatureHeaders are checked in order; providers name the header
// differently.
var signatureHeaders = []string{"Stripe-Signature", "X-Event-Checksum", "X-Signature"}

// HandleWebhook handles POST /webhooks/payments.
//
// Response codes drive the provider's retry behavior: 401 for a bad
// signature (never retried), 400 for a malformed envelope, 500 when a
// handler failed so the provider redelivers. Duplicates return 200.
func (h *Handler) HandleWebhook(c echo.Context) error {
	payload, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return h.errorResponse(c, domain.Invalid("handler.webhook", "failed to read request body"))
	}

	var signature string
	for _, header := range signatureHeaders {
		if v := c.Request().Header.Get(header); v != "" {
			signature = v
			break
		}
	}

	ev, err := h.processor.VerifyAndParse(payload, signature)
	if err != nil {
		h.logger.Warn("webhook rejected", "error", err)
		return h.errorResponse(c, err)
	}

	if err := h.processor.Handle(c.Request().Context(), ev); err != nil {
		// Signal the provider to retry delivery.
		return h.errorResponse(c, err)
	}

	return c.JSON(http.StatusOK, map[string]bool{"received": true})
}
