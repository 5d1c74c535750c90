package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/iliyamo/tour-booking/internal/model"
	"github.com/iliyamo/tour-booking/internal/service"
	"github.com/iliyamo/tour-booking/internal/webhook"
)

const maxWebhookBody = 1 << 20

// WebhookHandler receives asynchronous provider notifications.
type WebhookHandler struct {
	Sessions *service.SessionService
	Guard    *webhook.Guard
}

// NewWebhookHandler panics on nil dependencies.
func NewWebhookHandler(sessions *service.SessionService, guard *webhook.Guard) *WebhookHandler {
	if sessions == nil || guard == nil {
		panic("nil dependency passed to NewWebhookHandler")
	}
	return &WebhookHandler{Sessions: sessions, Guard: guard}
}

// notification covers both providers' payloads: the preference provider
// sends {"id", "type", "data": {"id"}}, the redirect provider {"token"}.
type notification struct {
	ID     json.RawMessage `json:"id"`
	Type   string          `json:"type"`
	Action string          `json:"action"`
	Data   struct {
		ID json.RawMessage `json:"id"`
	} `json:"data"`
	Token   string `json:"token"`
	TokenWS string `json:"token_ws"`
}

// Receive handles POST /v1/webhooks/:provider.
//
// Signature and timestamp checks run on the raw body before anything is
// parsed; a failed check is a bare 400.  Duplicates are keyed on the
// signed body, and the key is claimed before processing so concurrent
// deliveries run once.  Once the guard passes the notification is
// acknowledged with 200 even if processing fails, and the failure is
// logged.
func (h *WebhookHandler) Receive(c echo.Context) error {
	provider, err := model.ParseProvider(c.Param("provider"))
	if err != nil {
		return c.NoContent(http.StatusBadRequest)
	}
	body, err := io.ReadAll(http.MaxBytesReader(c.Response(), c.Request().Body, maxWebhookBody))
	if err != nil {
		return c.NoContent(http.StatusBadRequest)
	}

	header := c.Request().Header.Get("X-Signature")
	logger := log.WithFields(log.Fields{"provider": provider, "ip": c.RealIP()})
	if !h.Guard.VerifySignature(body, header, provider) {
		logger.Warn("webhook signature rejected")
		return c.NoContent(http.StatusBadRequest)
	}
	if sig, ok := webhook.ParseSignature(header); ok && sig.Timestamp != 0 && !h.Guard.IsFreshTimestamp(sig.Timestamp) {
		logger.WithField("ts", sig.Timestamp).Warn("stale webhook rejected")
		return c.NoContent(http.StatusBadRequest)
	}

	var n notification
	if err := json.Unmarshal(body, &n); err != nil {
		return c.NoContent(http.StatusBadRequest)
	}
	reference := n.reference(provider)
	if reference == "" {
		return c.NoContent(http.StatusBadRequest)
	}

	ctx := c.Request().Context()
	key := webhook.NotificationKey(provider, body)
	logger = logger.WithFields(log.Fields{
		"request_id":   c.Request().Header.Get("X-Request-Id"),
		"notification": rawID(n.ID),
		"reference":    reference,
	})
	if !h.Guard.MarkProcessed(ctx, key) {
		logger.Info("duplicate webhook ignored")
		return c.JSON(http.StatusOK, echo.Map{"status": "duplicate"})
	}

	if provider == model.ProviderMercadoPago && n.Type != "" && n.Type != "payment" {
		return c.JSON(http.StatusOK, echo.Map{"status": "ignored"})
	}

	res, err := h.Sessions.ConfirmFromNotification(ctx, provider, reference)
	switch {
	case err == nil:
		logger.WithFields(log.Fields{"session_id": res.SessionID, "status": res.Status}).Info("webhook processed")
		return c.JSON(http.StatusOK, echo.Map{"status": "processed", "session_status": res.Status})
	case service.CodeOf(err) != "":
		// A business outcome; replaying it would not change anything.
		logger.WithError(err).Warn("webhook not applied")
	default:
		h.Guard.Forget(ctx, key)
		logger.WithError(err).Error("webhook processing failed")
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "received"})
}

func (n notification) reference(p model.Provider) string {
	switch p {
	case model.ProviderWebpay:
		if n.TokenWS != "" {
			return n.TokenWS
		}
		return n.Token
	case model.ProviderMercadoPago:
		return rawID(n.Data.ID)
	}
	return ""
}

// rawID renders a JSON id that may be a string or a number.
func rawID(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	return s
}
