package handler

import (
	"context"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/tour-booking/internal/model"
	"github.com/iliyamo/tour-booking/internal/webhook"
)

func (v *env) notify(provider, body, signature, requestID string) (int, map[string]any) {
	headers := map[string]string{"X-Signature": signature}
	if requestID != "" {
		headers["X-Request-Id"] = requestID
	}
	rec, out := v.do(v.hooks.Receive, call{method: http.MethodPost, target: "/v1/webhooks/" + provider, body: body,
		params: map[string]string{"provider": provider}, headers: headers})
	return rec.Code, out
}

func TestMercadoPagoWebhookConfirms(t *testing.T) {
	v := newEnv(t)
	body := `{"id": 9001, "type": "payment", "action": "payment.updated", "data": {"id": "123"}}`
	checkout := `{"items": [{"schedule_id": 1, "participant_count": 1, "participants": [{"full_name": "Ana"}]}],
		"provider": "MERCADOPAGO", "payment_method": "pix", "currency": "BRL",
		"return_url": "https://shop.example/r", "cancel_url": "https://shop.example/c"}`
	_, out := v.do(v.sessions.Create, call{method: http.MethodPost, target: "/", body: checkout, userID: float64(7)})
	sessionID := out["session_id"].(string)
	v.mp.References = map[string]string{"123": sessionID}

	sig := webhook.Sign("mp-secret", v.clock.Now().Unix(), []byte(body))
	code, out := v.notify("mercadopago", body, sig, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "processed", out["status"])
	assert.Equal(t, "COMPLETED", out["session_status"])

	s, err := v.store.SessionByID(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, s.Status)

	code, out = v.notify("mercadopago", body, sig, "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "duplicate", out["status"])
	_, confirms, _ := v.mp.Calls()
	assert.Equal(t, 1, confirms)
}

func TestWebpayWebhookConfirms(t *testing.T) {
	v := newEnv(t)
	_, out := v.do(v.sessions.Create, call{method: http.MethodPost, target: "/", body: checkoutBody, userID: float64(7)})
	body := `{"token": "` + out["token"].(string) + `"}`

	code, out := v.notify("webpay", body, webhook.Sign("wp-secret", 0, []byte(body)), "req-1")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "processed", out["status"])
	assert.Len(t, v.store.Bookings(), 1)
}

func TestWebhookGuardRejections(t *testing.T) {
	v := newEnv(t)
	body := `{"id": 1, "type": "payment", "data": {"id": "55"}}`
	now := v.clock.Now().Unix()

	cases := []struct {
		name      string
		provider  string
		body      string
		signature string
	}{
		{"unknown provider", "paypal", body, webhook.Sign("mp-secret", now, []byte(body))},
		{"missing signature", "mercadopago", body, ""},
		{"wrong secret", "mercadopago", body, webhook.Sign("wp-secret", now, []byte(body))},
		{"tampered body", "mercadopago", body + " ", webhook.Sign("mp-secret", now, []byte(body))},
		{"stale timestamp", "mercadopago", body, webhook.Sign("mp-secret", now-int64(10*time.Minute/time.Second), []byte(body))},
		{"future timestamp", "mercadopago", body, webhook.Sign("mp-secret", now+60, []byte(body))},
		{"malformed json", "mercadopago", "{", webhook.Sign("mp-secret", now, []byte("{"))},
		{"no reference", "mercadopago", `{"type": "payment"}`, webhook.Sign("mp-secret", now, []byte(`{"type": "payment"}`))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, out := v.notify(tc.provider, tc.body, tc.signature, "")
			assert.Equal(t, http.StatusBadRequest, code)
			assert.Nil(t, out, "no detail leaked")
		})
	}
}

func TestWebhookAcknowledgesUnprocessable(t *testing.T) {
	v := newEnv(t)
	body := `{"token": "does-not-exist"}`
	code, out := v.notify("webpay", body, webhook.Sign("wp-secret", 0, []byte(body)), "req-2")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "received", out["status"])

	code, out = v.notify("webpay", body, webhook.Sign("wp-secret", 0, []byte(body)), "req-2")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "duplicate", out["status"], "business outcomes are not replayed")
}

func TestWebhookReplayWithNewRequestIDIsDuplicate(t *testing.T) {
	v := newEnv(t)
	_, out := v.do(v.sessions.Create, call{method: http.MethodPost, target: "/", body: checkoutBody, userID: float64(7)})
	body := `{"token": "` + out["token"].(string) + `"}`
	sig := webhook.Sign("wp-secret", 0, []byte(body))

	code, out := v.notify("webpay", body, sig, "req-1")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "processed", out["status"])

	for _, id := range []string{"req-2", "replayed", ""} {
		code, out = v.notify("webpay", body, sig, id)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "duplicate", out["status"], "request id %q", id)
	}
	_, confirms, _ := v.webpay.Calls()
	assert.Equal(t, 1, confirms)
	assert.Len(t, v.store.Bookings(), 1)
}

func TestWebhookRetriedAfterProcessingError(t *testing.T) {
	v := newEnv(t)
	checkout := `{"items": [{"schedule_id": 1, "participant_count": 1, "participants": [{"full_name": "Ana"}]}],
		"provider": "MERCADOPAGO", "payment_method": "pix", "currency": "BRL",
		"return_url": "https://shop.example/r", "cancel_url": "https://shop.example/c"}`
	_, out := v.do(v.sessions.Create, call{method: http.MethodPost, target: "/", body: checkout, userID: float64(7)})
	sessionID := out["session_id"].(string)
	body := `{"id": 9002, "type": "payment", "data": {"id": "321"}}`
	sig := webhook.Sign("mp-secret", v.clock.Now().Unix(), []byte(body))

	// The payment is not resolvable yet.
	code, out := v.notify("mercadopago", body, sig, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "received", out["status"])

	v.mp.References = map[string]string{"321": sessionID}
	code, out = v.notify("mercadopago", body, sig, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "processed", out["status"])
}

func TestWebhookIgnoresOtherTopics(t *testing.T) {
	v := newEnv(t)
	body := `{"id": 77, "type": "merchant_order", "data": {"id": 4242}}`
	code, out := v.notify("mercadopago", body, webhook.Sign("mp-secret", v.clock.Now().Unix(), []byte(body)), "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ignored", out["status"])
}

func TestRawID(t *testing.T) {
	assert.Equal(t, "123", rawID([]byte(`"123"`)))
	assert.Equal(t, "4242", rawID([]byte(`4242`)))
	assert.Equal(t, "", rawID(nil))
	assert.Equal(t, "", rawID([]byte(`null`)))
	assert.Equal(t, strconv.Itoa(9001), rawID([]byte(`9001`)))
}
