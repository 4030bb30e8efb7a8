// Package handler is the thin HTTP surface over the billing core: the
// plan-change API, the payment poll API and the webhook ingress. No business
// logic lives here.
package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/mkessler/njord/internal/domain"
	"github.com/mkessler/njord/internal/service"
	"github.com/mkessler/njord/internal/webhook"
)

// Handler holds the HTTP endpoints.
type Handler struct {
	state     service.StateManager
	processor *webhook.Processor
	logger    *slog.Logger
}

// NewHandler creates the HTTP handler set.
func NewHandler(state service.StateManager, processor *webhook.Processor, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		state:     state,
		processor: processor,
		logger:    logger,
	}
}

// RequestValidator adapts validator/v10 to echo's Validator interface.
type RequestValidator struct {
	validate *validator.Validate
}

func NewRequestValidator() *RequestValidator {
	return &RequestValidator{validate: validator.New()}
}

func (v *RequestValidator) Validate(i interface{}) error {
	if err := v.validate.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

// RegisterRoutes mounts all endpoints on e.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.Validator = NewRequestValidator()

	e.GET("/health", h.Health)

	api := e.Group("/api/v1")
	api.POST("/tenants/:tenant_id/plan", h.RequestPlanChange)
	api.GET("/tenants/:tenant_id/payments/:transaction_id", h.GetTransactionStatus)

	e.POST("/webhooks/payments", h.HandleWebhook)
}

// Health is the liveness endpoint.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// errorResponse maps domain error codes to HTTP status codes.
func (h *Handler) errorResponse(c echo.Context, err error) error {
	var valErr *service.ValidationError
	if errors.As(err, &valErr) {
		return c.JSON(http.StatusUnprocessableEntity, map[string]interface{}{
			"success":  false,
			"errors":   valErr.Errors,
			"warnings": valErr.Warnings,
		})
	}

	code := domain.ErrorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case domain.EINVALID:
		status = http.StatusBadRequest
	case domain.ENOTFOUND:
		status = http.StatusNotFound
	case domain.ECONFLICT:
		status = http.StatusConflict
	case domain.EUNAUTHORIZED:
		status = http.StatusUnauthorized
	case domain.EFORBIDDEN:
		status = http.StatusForbidden
	case domain.EPAYMENT:
		status = http.StatusPaymentRequired
	case domain.EGATEWAY:
		status = http.StatusBadGateway
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			"path", c.Path(),
			"error", err,
		)
	}

	return c.JSON(status, map[string]interface{}{
		"success": false,
		"error":   domain.ErrorMessage(err),
		"code":    code,
	})
}
