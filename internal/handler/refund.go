package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/tour-booking/internal/service"
)

// RefundHandler serves admin refunds, self-service cancellation and
// schedule cancellation.
type RefundHandler struct {
	Refunds *service.RefundService
}

// NewRefundHandler panics on a nil service.
func NewRefundHandler(refunds *service.RefundService) *RefundHandler {
	if refunds == nil {
		panic("nil refund service passed to NewRefundHandler")
	}
	return &RefundHandler{Refunds: refunds}
}

type refundRequest struct {
	AdminOverride bool  `json:"admin_override"`
	AmountCents   int64 `json:"amount_cents" validate:"gte=0"`
}

// Refund handles POST /v1/refunds/booking/:id (admin).  The body is
// optional; without it the full total is refunded under the normal
// cutoff policy.
func (h *RefundHandler) Refund(c echo.Context) error {
	id, ok := parseID(c, "id")
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": string(service.CodeValidationFailed), "message": "invalid booking id"})
	}
	var req refundRequest
	if c.Request().ContentLength != 0 {
		if ok, err := bindAndValidate(c, &req); !ok {
			return err
		}
	}
	res, err := h.Refunds.Refund(c.Request().Context(), id, req.AdminOverride, req.AmountCents)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// CancelOwn handles POST /v1/refunds/booking/:id/cancel for the booking
// owner.  The cutoff policy always applies.
func (h *RefundHandler) CancelOwn(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	id, ok := parseID(c, "id")
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": string(service.CodeValidationFailed), "message": "invalid booking id"})
	}
	res, err := h.Refunds.CancelOwnBooking(c.Request().Context(), userID, id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

type cancelScheduleRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// CancelSchedule handles POST /v1/admin/schedules/:id/cancel and returns
// the cascade summary.
func (h *RefundHandler) CancelSchedule(c echo.Context) error {
	adminID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	id, ok := parseID(c, "id")
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": string(service.CodeValidationFailed), "message": "invalid schedule id"})
	}
	var req cancelScheduleRequest
	if c.Request().ContentLength != 0 {
		if ok, err := bindAndValidate(c, &req); !ok {
			return err
		}
	}
	res, err := h.Refunds.CancelSchedule(c.Request().Context(), id, req.Reason, adminID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}
