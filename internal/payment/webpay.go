package payment

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/iliyamo/tour-booking/internal/config"
	"github.com/iliyamo/tour-booking/internal/model"
)

const webpayTransactions = "/rswebpaytransaction/api/webpay/v1.2/transactions"

// Webpay is the redirect/commit backend.  Initialize opens a remote
// transaction and returns the form URL plus token; after the payer comes
// back, Confirm commits the transaction with the stored token.
type Webpay struct {
	api apiClient
}

// NewWebpay builds the backend from its configuration.  hc may be nil.
func NewWebpay(cfg config.WebpayConfig, hc *http.Client) *Webpay {
	return &Webpay{
		api: newAPIClient(strings.TrimRight(cfg.BaseURL, "/"), hc, func(h http.Header) {
			h.Set("Tbk-Api-Key-Id", cfg.CommerceCode)
			h.Set("Tbk-Api-Key-Secret", cfg.APIKey)
		}),
	}
}

type webpayCreateRequest struct {
	BuyOrder  string  `json:"buy_order"`
	SessionID string  `json:"session_id"`
	Amount    float64 `json:"amount"`
	ReturnURL string  `json:"return_url"`
}

type webpayCreateResponse struct {
	Token string `json:"token"`
	URL   string `json:"url"`
}

// webpayTransaction is the body of commit and status responses.
type webpayTransaction struct {
	VCI               string  `json:"vci"`
	Amount            float64 `json:"amount"`
	Status            string  `json:"status"`
	BuyOrder          string  `json:"buy_order"`
	SessionID         string  `json:"session_id"`
	AuthorizationCode string  `json:"authorization_code"`
	PaymentTypeCode   string  `json:"payment_type_code"`
	ResponseCode      int     `json:"response_code"`
}

type webpayRefundResponse struct {
	Type              string  `json:"type"`
	AuthorizationCode string  `json:"authorization_code"`
	NullifiedAmount   float64 `json:"nullified_amount"`
	Balance           float64 `json:"balance"`
	ResponseCode      int     `json:"response_code"`
}

// buyOrder derives the merchant order number; the API caps it at 26 chars.
func buyOrder() string {
	return "TB" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// Initialize opens the remote transaction.  The payer returns to
// s.ReturnURL carrying token_ws on completion or TBK_TOKEN on abort.
func (w *Webpay) Initialize(ctx context.Context, s *model.PaymentSession) (*InitResult, error) {
	req := webpayCreateRequest{
		BuyOrder:  buyOrder(),
		SessionID: s.ID,
		Amount:    majorUnits(s.TotalAmountCents),
		ReturnURL: s.ReturnURL,
	}
	var resp webpayCreateResponse
	if err := w.api.do(ctx, http.MethodPost, webpayTransactions, req, &resp); err != nil {
		return nil, err
	}
	if resp.Token == "" || resp.URL == "" {
		return nil, errors.New("webpay returned an empty token")
	}
	return &InitResult{
		Token:       resp.Token,
		ExternalID:  req.BuyOrder,
		RedirectURL: resp.URL + "?token_ws=" + url.QueryEscape(resp.Token),
	}, nil
}

// Confirm commits the transaction.  Response code 0 with status AUTHORIZED
// is a completed payment; a 422 naming an aborted transaction is the payer
// cancelling on the provider form.  A commit rejected because the token was
// already committed falls back to the status endpoint, which makes a
// repeated confirmation after a lost response safe.
func (w *Webpay) Confirm(ctx context.Context, s *model.PaymentSession) ConfirmResult {
	if s.Token == "" {
		return Failed("session %s has no webpay token", s.ID)
	}
	var tx webpayTransaction
	err := w.api.do(ctx, http.MethodPut, webpayTransactions+"/"+url.PathEscape(s.Token), nil, &tx)
	if err != nil {
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnprocessableEntity {
			log.WithError(err).WithField("session_id", s.ID).Warn("webpay commit failed")
			return Failed("webpay commit: %v", err)
		}
		if strings.Contains(strings.ToLower(apiErr.Body), "aborted") {
			return ConfirmResult{Status: model.SessionCancelled, Message: "payment aborted by the payer"}
		}
		status, serr := w.status(ctx, s.Token)
		if serr != nil {
			return Failed("webpay commit: %v", err)
		}
		tx = *status
	}
	return mapWebpayTransaction(tx)
}

func mapWebpayTransaction(tx webpayTransaction) ConfirmResult {
	res := ConfirmResult{
		ProviderPaymentID: tx.BuyOrder,
		AuthorizationCode: tx.AuthorizationCode,
		AmountCents:       minorUnits(tx.Amount),
	}
	switch {
	case tx.ResponseCode == 0 && tx.Status == "AUTHORIZED":
		res.Status = model.SessionCompleted
	default:
		res.Status = model.SessionFailed
		res.Message = "webpay rejected the payment: status " + tx.Status
	}
	return res
}

func (w *Webpay) status(ctx context.Context, token string) (*webpayTransaction, error) {
	var tx webpayTransaction
	if err := w.api.do(ctx, http.MethodGet, webpayTransactions+"/"+url.PathEscape(token), nil, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// Refund reverses or nullifies amountCents of the committed transaction.
// The API has no idempotency header, so key is unused.
func (w *Webpay) Refund(ctx context.Context, s *model.PaymentSession, amountCents int64, _ string) (*RefundResult, error) {
	if s.Token == "" {
		return nil, errors.New("session has no webpay token")
	}
	var resp webpayRefundResponse
	path := webpayTransactions + "/" + url.PathEscape(s.Token) + "/refunds"
	if err := w.api.do(ctx, http.MethodPost, path, map[string]float64{"amount": majorUnits(amountCents)}, &resp); err != nil {
		return nil, err
	}
	switch resp.Type {
	case "REVERSED":
		return &RefundResult{RefundID: s.Token, AmountCents: amountCents, Status: resp.Type}, nil
	case "NULLIFIED":
		if resp.ResponseCode != 0 {
			return nil, errors.New("webpay refused the nullification")
		}
		return &RefundResult{RefundID: resp.AuthorizationCode, AmountCents: minorUnits(resp.NullifiedAmount), Status: resp.Type}, nil
	}
	return nil, errors.New("webpay returned unknown refund type " + resp.Type)
}
