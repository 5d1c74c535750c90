package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"


	"github.com/iliyamo/tour-booking/internal/config"
	"github.com/iliyamo/tour-booking/internal/model"
)

// instantMethods are payment methods answered with an inline QR/code
// instead of a hosted checkout.
var instantMethods = map[string]bool{"pix": true, "qr": true, "bank_transfer": true}

// MercadoPago is the preference/webhook backend.  Card payments go through
// a hosted checkout preference; instant transfers create the payment
// directly and return its QR payload.  Completion is learned from a payment
// id delivered by the return redirect or by a webhook.
type MercadoPago struct {
	api             apiClient
	notificationURL string
	testMode        bool
}

// NewMercadoPago builds the backend from its configuration.  hc may be nil.
func NewMercadoPago(cfg config.MercadoPagoConfig, testMode bool, hc *http.Client) *MercadoPago {
	return &MercadoPago{
		api: newAPIClient(strings.TrimRight(cfg.BaseURL, "/"), hc, func(h http.Header) {
			h.Set("Authorization", "Bearer "+cfg.AccessToken)
		}),
		notificationURL: cfg.NotificationURL,
		testMode:        testMode,
	}
}

type mpItem struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Quantity   int     `json:"quantity"`
	UnitPrice  float64 `json:"unit_price"`
	CurrencyID string  `json:"currency_id"`
}

type mpPreferenceRequest struct {
	Items             []mpItem          `json:"items"`
	ExternalReference string            `json:"external_reference"`
	BackURLs          map[string]string `json:"back_urls"`
	AutoReturn        string            `json:"auto_return"`
	NotificationURL   string            `json:"notification_url,omitempty"`
	Expires           bool              `json:"expires"`
	ExpirationDateTo  string            `json:"expiration_date_to"`
}

type mpPreferenceResponse struct {
	ID               string `json:"id"`
	InitPoint        string `json:"init_point"`
	SandboxInitPoint string `json:"sandbox_init_point"`
}

type mpPaymentRequest struct {
	TransactionAmount float64 `json:"transaction_amount"`
	Description       string  `json:"description"`
	PaymentMethodID   string  `json:"payment_method_id"`
	ExternalReference string  `json:"external_reference"`
	NotificationURL   string  `json:"notification_url,omitempty"`
	DateOfExpiration  string  `json:"date_of_expiration"`
	Payer             struct {
		Email string `json:"email"`
	} `json:"payer"`
}

type mpPayment struct {
	ID                 int64   `json:"id"`
	Status             string  `json:"status"`
	StatusDetail       string  `json:"status_detail"`
	ExternalReference  string  `json:"external_reference"`
	TransactionAmount  float64 `json:"transaction_amount"`
	PointOfInteraction struct {
		TransactionData struct {
			QRCode       string `json:"qr_code"`
			QRCodeBase64 string `json:"qr_code_base64"`
			TicketURL    string `json:"ticket_url"`
		} `json:"transaction_data"`
	} `json:"point_of_interaction"`
}

type mpRefund struct {
	ID     int64   `json:"id"`
	Amount float64 `json:"amount"`
	Status string  `json:"status"`
}

// idempotencyKey pins a request to key so a retried call is applied once.
func idempotencyKey(key string) func(http.Header) {
	return func(h http.Header) { h.Set("X-Idempotency-Key", key) }
}

// Initialize creates a preference or, for instant methods, the payment.
func (m *MercadoPago) Initialize(ctx context.Context, s *model.PaymentSession) (*InitResult, error) {
	if instantMethods[strings.ToLower(s.PaymentMethod)] {
		return m.createInstantPayment(ctx, s)
	}
	req := mpPreferenceRequest{
		ExternalReference: s.ID,
		BackURLs:          map[string]string{"success": s.ReturnURL, "pending": s.ReturnURL, "failure": s.CancelURL},
		AutoReturn:        "approved",
		NotificationURL:   m.notificationURL,
		Expires:           true,
		ExpirationDateTo:  s.ExpiresAt.Format(time.RFC3339),
	}
	for _, it := range s.Items {
		req.Items = append(req.Items, mpItem{
			ID:         strconv.FormatUint(it.ScheduleID, 10),
			Title:      it.TourName,
			Quantity:   it.ParticipantCount,
			UnitPrice:  majorUnits(it.UnitPriceCents),
			CurrencyID: s.Currency,
		})
	}
	var resp mpPreferenceResponse
	if err := m.api.do(ctx, http.MethodPost, "/checkout/preferences", req, &resp, idempotencyKey("preference-"+s.ID)); err != nil {
		return nil, err
	}
	redirect := resp.InitPoint
	if m.testMode && resp.SandboxInitPoint != "" {
		redirect = resp.SandboxInitPoint
	}
	if resp.ID == "" || redirect == "" {
		return nil, errors.New("mercadopago returned an empty preference")
	}
	return &InitResult{Token: resp.ID, ExternalID: resp.ID, RedirectURL: redirect}, nil
}

func (m *MercadoPago) createInstantPayment(ctx context.Context, s *model.PaymentSession) (*InitResult, error) {
	req := mpPaymentRequest{
		TransactionAmount: majorUnits(s.TotalAmountCents),
		Description:       describe(s),
		PaymentMethodID:   strings.ToLower(s.PaymentMethod),
		ExternalReference: s.ID,
		NotificationURL:   m.notificationURL,
		DateOfExpiration:  s.ExpiresAt.Format("2006-01-02T15:04:05.000-07:00"),
	}
	req.Payer.Email = payerEmail(s)
	var p mpPayment
	if err := m.api.do(ctx, http.MethodPost, "/v1/payments", req, &p, idempotencyKey("payment-"+s.ID)); err != nil {
		return nil, err
	}
	if p.ID == 0 {
		return nil, errors.New("mercadopago returned a payment without id")
	}
	td := p.PointOfInteraction.TransactionData
	id := strconv.FormatInt(p.ID, 10)
	return &InitResult{
		Token:        id,
		ExternalID:   id,
		RedirectURL:  td.TicketURL,
		QRCode:       td.QRCode,
		QRCodeBase64: td.QRCodeBase64,
	}, nil
}

// Confirm reads the payment and maps its status.  Without a known payment
// id it searches by external reference, which is the session id.
func (m *MercadoPago) Confirm(ctx context.Context, s *model.PaymentSession) ConfirmResult {
	id := paymentID(s)
	var p *mpPayment
	var err error
	if id != "" {
		p, err = m.payment(ctx, id)
	} else {
		p, err = m.searchByReference(ctx, s.ID)
	}
	if err != nil {
		return Failed("mercadopago payment lookup: %v", err)
	}
	if p.ExternalReference != s.ID {
		return Failed("mercadopago payment %d belongs to another checkout", p.ID)
	}
	res := ConfirmResult{
		ProviderPaymentID: strconv.FormatInt(p.ID, 10),
		AmountCents:       minorUnits(p.TransactionAmount),
	}
	switch p.Status {
	case "approved":
		if res.AmountCents < s.TotalAmountCents {
			res.Status = model.SessionFailed
			res.Message = fmt.Sprintf("mercadopago payment %d covers %d of %d", p.ID, res.AmountCents, s.TotalAmountCents)
			return res
		}
		res.Status = model.SessionCompleted
	case "pending", "in_process":
		res.Status = model.SessionPending
		res.Message = "payment is still being processed"
	default:
		res.Status = model.SessionFailed
		res.Message = fmt.Sprintf("mercadopago payment %s: %s", p.Status, p.StatusDetail)
	}
	return res
}

// PaymentReference returns the external reference of a payment.
func (m *MercadoPago) PaymentReference(ctx context.Context, paymentID string) (string, error) {
	p, err := m.payment(ctx, paymentID)
	if err != nil {
		return "", err
	}
	if p.ExternalReference == "" {
		return "", fmt.Errorf("payment %s has no external reference", paymentID)
	}
	return p.ExternalReference, nil
}

func (m *MercadoPago) payment(ctx context.Context, id string) (*mpPayment, error) {
	var p mpPayment
	if err := m.api.do(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(id), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (m *MercadoPago) searchByReference(ctx context.Context, ref string) (*mpPayment, error) {
	var out struct {
		Results []mpPayment `json:"results"`
	}
	q := url.Values{"external_reference": {ref}, "sort": {"date_created"}, "criteria": {"desc"}}
	if err := m.api.do(ctx, http.MethodGet, "/v1/payments/search?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	if len(out.Results) == 0 {
		return nil, fmt.Errorf("no payment for reference %s", ref)
	}
	// An approved payment wins over earlier rejected attempts.
	for i := range out.Results {
		if out.Results[i].Status == "approved" {
			return &out.Results[i], nil
		}
	}
	return &out.Results[0], nil
}

// Refund refunds amountCents of the session's payment.  A zero amount
// refunds the full payment.
func (m *MercadoPago) Refund(ctx context.Context, s *model.PaymentSession, amountCents int64, key string) (*RefundResult, error) {
	id := paymentID(s)
	if id == "" {
		return nil, errors.New("session has no mercadopago payment id")
	}
	var body any
	if amountCents > 0 {
		body = map[string]float64{"amount": majorUnits(amountCents)}
	}
	var r mpRefund
	if err := m.api.do(ctx, http.MethodPost, "/v1/payments/"+url.PathEscape(id)+"/refunds", body, &r, idempotencyKey(key)); err != nil {
		return nil, err
	}
	if r.Status == "rejected" || r.Status == "cancelled" {
		return nil, fmt.Errorf("mercadopago refund %d %s", r.ID, r.Status)
	}
	return &RefundResult{RefundID: strconv.FormatInt(r.ID, 10), AmountCents: minorUnits(r.Amount), Status: r.Status}, nil
}

// paymentID is the known payment id of s.  Instant payments are created at
// initialisation, so their external id already is the payment id.
func paymentID(s *model.PaymentSession) string {
	if s.ProviderPaymentID != "" {
		return s.ProviderPaymentID
	}
	if instantMethods[strings.ToLower(s.PaymentMethod)] {
		return s.ExternalID
	}
	return ""
}

func describe(s *model.PaymentSession) string {
	names := make([]string, 0, len(s.Items))
	for _, it := range s.Items {
		names = append(names, it.TourName)
	}
	return strings.Join(names, ", ")
}

func payerEmail(s *model.PaymentSession) string {
	for _, it := range s.Items {
		for _, p := range it.Participants {
			if p.Email != "" {
				return p.Email
			}
		}
	}
	return ""
}
