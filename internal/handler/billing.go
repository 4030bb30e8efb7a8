package handler

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/mkessler/njord/internal/domain"
	"github.com/mkessler/njord/internal/service"
)

type planChangeRequest struct {
	PlanID   uuid.UUID `json:"plan_id" validate:"required"`
	Interval string    `json:"interval" validate:"required,oneof=monthly yearly"`
}

type planChangeResponse struct {
	Success           bool       `json:"success"`
	Applied           bool       `json:"applied"`
	NoChange          bool       `json:"no_change,omitempty"`
	ScheduledChangeAt *time.Time `json:"scheduled_change_at,omitempty"`
	Warnings          []string   `json:"warnings,omitempty"`
}

// RequestPlanChange handles POST /api/v1/tenants/:tenant_id/plan.
func (h *Handler) RequestPlanChange(c echo.Context) error {
	tenantID, err := uuid.Parse(c.Param("tenant_id"))
	if err != nil {
		return h.errorResponse(c, domain.Invalid("handler.plan_change", "invalid tenant id"))
	}

	var req planChangeRequest
	if err := c.Bind(&req); err != nil {
		return h.errorResponse(c, domain.Invalid("handler.plan_change", "invalid request body"))
	}
	if err := c.Validate(&req); err != nil {
		return h.errorResponse(c, domain.Invalid("handler.plan_change", err.Error()))
	}

	result, err := h.state.RequestPlanChange(c.Request().Context(), service.PlanChangeParams{
		TenantID:  tenantID,
		NewPlanID: req.PlanID,
		Interval:  domain.BillingInterval(req.Interval),
	})
	if err != nil {
		return h.errorResponse(c, err)
	}

	return c.JSON(http.StatusOK, planChangeResponse{
		Success:           true,
		Applied:           result.Applied,
		NoChange:          result.NoChange,
		ScheduledChangeAt: result.ScheduledChangeAt,
		Warnings:          result.Warnings,
	})
}

type transactionStatusResponse struct {
	Status    string `json:"status"`
	Activated bool   `json:"activated"`
}

// GetTransactionStatus handles GET
// /api/v1/tenants/:tenant_id/payments/:transaction_id. Frontends poll it
// after redirecting to a gateway checkout.
func (h *Handler) GetTransactionStatus(c echo.Context) error {
	tenantID, err := uuid.Parse(c.Param("tenant_id"))
	if err != nil {
		return h.errorResponse(c, domain.Invalid("handler.transaction_status", "invalid tenant id"))
	}
	transactionID := c.Param("transaction_id")
	if transactionID == "" {
		return h.errorResponse(c, domain.Invalid("handler.transaction_status", "missing transaction id"))
	}

	status, err := h.state.GetTransactionStatus(c.Request().Context(), transactionID, tenantID)
	if err != nil {
		return h.errorResponse(c, err)
	}

	return c.JSON(http.StatusOK, transactionStatusResponse{
		Status:    string(status.Status),
		Activated: status.Activated,
	})
}
