package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/tour-booking/internal/model"
	"github.com/iliyamo/tour-booking/internal/service"
)

// PaymentSessionHandler exposes checkout, status, cancellation and the
// provider return endpoints.
type PaymentSessionHandler struct {
	Sessions *service.SessionService
}

// NewPaymentSessionHandler panics on a nil service.
func NewPaymentSessionHandler(sessions *service.SessionService) *PaymentSessionHandler {
	if sessions == nil {
		panic("nil session service passed to NewPaymentSessionHandler")
	}
	return &PaymentSessionHandler{Sessions: sessions}
}

// Create handles POST /v1/payment-sessions.  It reserves capacity and
// returns the redirect URL or QR payload for the chosen provider.
func (h *PaymentSessionHandler) Create(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var req service.CreateSessionRequest
	if ok, err := bindAndValidate(c, &req); !ok {
		return err
	}
	res, err := h.Sessions.CreateSession(c.Request().Context(), userID, req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

type sessionStatus struct {
	SessionID        string              `json:"session_id"`
	Status           model.SessionStatus `json:"status"`
	Provider         model.Provider      `json:"provider"`
	PaymentMethod    string              `json:"payment_method"`
	TotalAmountCents int64               `json:"total_amount_cents"`
	Currency         string              `json:"currency"`
	Items            int                 `json:"items"`
	Participants     int                 `json:"participants"`
	RedirectURL      string              `json:"redirect_url,omitempty"`
	QRCode           string              `json:"qr_code,omitempty"`
	ExpiresAt        time.Time           `json:"expires_at"`
	ErrorMessage     string              `json:"error_message,omitempty"`
}

// Status handles GET /v1/payment-sessions/:id/status for the owner.
func (h *PaymentSessionHandler) Status(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	s, err := h.Sessions.Session(c.Request().Context(), userID, c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, sessionStatus{
		SessionID:        s.ID,
		Status:           s.Status,
		Provider:         s.Provider,
		PaymentMethod:    s.PaymentMethod,
		TotalAmountCents: s.TotalAmountCents,
		Currency:         s.Currency,
		Items:            len(s.Items),
		Participants:     s.ParticipantCount(),
		RedirectURL:      s.RedirectURL,
		QRCode:           s.QRCode,
		ExpiresAt:        s.ExpiresAt,
		ErrorMessage:     s.ErrorMessage,
	})
}

// Cancel handles POST /v1/payment-sessions/:id/cancel.
func (h *PaymentSessionHandler) Cancel(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	s, err := h.Sessions.CancelSession(c.Request().Context(), userID, c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"session_id": s.ID, "status": s.Status})
}

// Confirm handles GET|POST /v1/payment-sessions/confirm, the redirect
// provider's return URL.  The commit token arrives as token_ws; an
// aborted payment comes back with TBK_TOKEN only.
func (h *PaymentSessionHandler) Confirm(c echo.Context) error {
	token := c.FormValue("token_ws")
	if token == "" {
		token = c.FormValue("TBK_TOKEN")
	}
	if token == "" {
		token = c.QueryParam("token")
	}
	if token == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": string(service.CodeValidationFailed), "message": "token is required"})
	}
	res, err := h.Sessions.ConfirmSession(c.Request().Context(), token)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// ConfirmMercadoPago handles GET /v1/payment-sessions/confirm/mercadopago,
// the preference provider's back_url.  It carries payment_id (or
// collection_id) and external_reference.
func (h *PaymentSessionHandler) ConfirmMercadoPago(c echo.Context) error {
	paymentID := c.QueryParam("payment_id")
	if paymentID == "" {
		paymentID = c.QueryParam("collection_id")
	}
	ref := c.QueryParam("external_reference")
	if ref == "" {
		ref = c.QueryParam("preference_id")
	}
	if paymentID == "" && ref == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": string(service.CodeValidationFailed), "message": "payment_id or external_reference is required"})
	}
	if ref == "" {
		ref = paymentID
	}
	res, err := h.Sessions.ConfirmAsyncProviderSession(c.Request().Context(), ref, paymentID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// Availability handles GET /v1/schedules/:id/availability.  It is read
// from the ledger on every call.
func (h *PaymentSessionHandler) Availability(c echo.Context) error {
	id, ok := parseID(c, "id")
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": string(service.CodeValidationFailed), "message": "invalid schedule id"})
	}
	a, err := h.Sessions.Availability(c.Request().Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.JSON(http.StatusOK, a)
}
