package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/tour-booking/internal/config"
	"github.com/iliyamo/tour-booking/internal/model"
)

func newWebpayServer(t *testing.T, h http.HandlerFunc) *Webpay {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewWebpay(config.WebpayConfig{CommerceCode: "597055555532", APIKey: "secret", BaseURL: srv.URL}, srv.Client())
}

func webpaySession() *model.PaymentSession {
	return &model.PaymentSession{
		ID:               "5b0e7d8c-1f7a-4d3e-9b59-0c6a7a1f2e11",
		TotalAmountCents: 5000000,
		Currency:         "CLP",
		Provider:         model.ProviderWebpay,
		ReturnURL:        "https://shop.example/return",
		ExpiresAt:        time.Now().Add(30 * time.Minute),
	}
}

func TestWebpayInitialize(t *testing.T) {
	var got webpayCreateRequest
	wp := newWebpayServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, webpayTransactions, r.URL.Path)
		assert.Equal(t, "597055555532", r.Header.Get("Tbk-Api-Key-Id"))
		assert.Equal(t, "secret", r.Header.Get("Tbk-Api-Key-Secret"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(webpayCreateResponse{Token: "tok123", URL: "https://webpay.example/form"})
	})

	s := webpaySession()
	res, err := wp.Initialize(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, "tok123", res.Token)
	assert.Equal(t, "https://webpay.example/form?token_ws=tok123", res.RedirectURL)
	assert.Equal(t, s.ID, got.SessionID)
	assert.Equal(t, 50000.0, got.Amount)
	assert.Len(t, got.BuyOrder, 26)
	assert.True(t, strings.HasPrefix(got.BuyOrder, "TB"))
	assert.Equal(t, got.BuyOrder, res.ExternalID)
}

func TestWebpayInitializeProviderError(t *testing.T) {
	wp := newWebpayServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error_message":"invalid commerce"}`, http.StatusUnauthorized)
	})
	_, err := wp.Initialize(context.Background(), webpaySession())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
}

func TestWebpayConfirm(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    model.SessionStatus
	}{
		{
			name: "authorized",
			handler: func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPut, r.Method)
				_ = json.NewEncoder(w).Encode(webpayTransaction{Status: "AUTHORIZED", ResponseCode: 0, Amount: 50000, BuyOrder: "TB1", AuthorizationCode: "1213"})
			},
			want: model.SessionCompleted,
		},
		{
			name: "rejected card",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(webpayTransaction{Status: "FAILED", ResponseCode: -1})
			},
			want: model.SessionFailed,
		},
		{
			name: "aborted by payer",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnprocessableEntity)
				_, _ = w.Write([]byte(`{"error_message":"Invalid status '0' for transaction while authorizing. Transaction aborted"}`))
			},
			want: model.SessionCancelled,
		},
		{
			name: "already committed falls back to status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.Method == http.MethodPut {
					w.WriteHeader(http.StatusUnprocessableEntity)
					_, _ = w.Write([]byte(`{"error_message":"Transaction already locked by another process"}`))
					return
				}
				_ = json.NewEncoder(w).Encode(webpayTransaction{Status: "AUTHORIZED", ResponseCode: 0, Amount: 50000})
			},
			want: model.SessionCompleted,
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
			want: model.SessionFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wp := newWebpayServer(t, tt.handler)
			s := webpaySession()
			s.Token = "tok123"
			res := wp.Confirm(context.Background(), s)
			assert.Equal(t, tt.want, res.Status)
		})
	}
}

func TestWebpayConfirmWithoutToken(t *testing.T) {
	wp := newWebpayServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	res := wp.Confirm(context.Background(), webpaySession())
	assert.Equal(t, model.SessionFailed, res.Status)
}

func TestWebpayRefund(t *testing.T) {
	wp := newWebpayServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, webpayTransactions+"/tok123/refunds", r.URL.Path)
		var body map[string]float64
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 250.0, body["amount"])
		_ = json.NewEncoder(w).Encode(webpayRefundResponse{Type: "NULLIFIED", AuthorizationCode: "auth-9", NullifiedAmount: 250, ResponseCode: 0})
	})
	s := webpaySession()
	s.Token = "tok123"
	res, err := wp.Refund(context.Background(), s, 25000, "refund-1")
	require.NoError(t, err)
	assert.Equal(t, "auth-9", res.RefundID)
	assert.Equal(t, int64(25000), res.AmountCents)
	assert.Equal(t, "NULLIFIED", res.Status)
}

func TestWebpayRefundRejected(t *testing.T) {
	wp := newWebpayServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(webpayRefundResponse{Type: "NULLIFIED", ResponseCode: -3})
	})
	s := webpaySession()
	s.Token = "tok123"
	_, err := wp.Refund(context.Background(), s, 100, "refund-1")
	assert.Error(t, err)
}
