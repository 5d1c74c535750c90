// Package payment adapts the external payment backends to one capability
// set: initialize a remote transaction for a session, confirm its outcome
// and refund it.  Each backend family is a concrete type; Registry picks the
// one matching a session's provider.
package payment

import (
	"context"
	"fmt"

	"github.com/iliyamo/tour-booking/internal/model"
)

// Provider is implemented by every payment backend.
//
// Initialize errors mean the remote transaction could not be opened; the
// caller records them on the session.  Confirm never fails: transport and
// provider errors come back as a FAILED result.  Refund errors are
// returned as-is and are never retried here; key identifies the refund so
// backends that support it apply a repeated request once.
type Provider interface {
	Initialize(ctx context.Context, s *model.PaymentSession) (*InitResult, error)
	Confirm(ctx context.Context, s *model.PaymentSession) ConfirmResult
	Refund(ctx context.Context, s *model.PaymentSession, amountCents int64, key string) (*RefundResult, error)
}

// ReferenceResolver is implemented by backends whose notifications carry a
// provider payment id instead of the original token.  It returns the
// external reference the payment was created with, which is the session id.
type ReferenceResolver interface {
	PaymentReference(ctx context.Context, paymentID string) (string, error)
}

// InitResult carries what the client needs to pay: a redirect URL for
// redirect flows or an inline QR payload for instant transfers.
type InitResult struct {
	Token        string
	ExternalID   string
	RedirectURL  string
	QRCode       string
	QRCodeBase64 string
}

// Apply copies the provider references into the session.
func (r *InitResult) Apply(s *model.PaymentSession) {
	s.Token = r.Token
	s.ExternalID = r.ExternalID
	s.RedirectURL = r.RedirectURL
	s.QRCode = r.QRCode
	s.QRCodeBase64 = r.QRCodeBase64
}

// ConfirmResult is a provider verdict mapped onto session statuses.
// Status is one of COMPLETED, PENDING, FAILED or CANCELLED.
type ConfirmResult struct {
	Status            model.SessionStatus
	ProviderPaymentID string
	AuthorizationCode string
	AmountCents       int64
	Message           string
}

// Failed builds a FAILED verdict with a formatted message.
func Failed(format string, args ...any) ConfirmResult {
	return ConfirmResult{Status: model.SessionFailed, Message: fmt.Sprintf(format, args...)}
}

// RefundResult is a successful provider refund.
type RefundResult struct {
	RefundID    string
	AmountCents int64
	Status      string
}

// Registry dispatches on model.Provider.  A nil slot means the backend is
// not configured and sessions for it are rejected.
type Registry struct {
	webpay      Provider
	mercadoPago Provider
}

// NewRegistry returns a registry over the given backends.
func NewRegistry(webpay, mercadoPago Provider) *Registry {
	return &Registry{webpay: webpay, mercadoPago: mercadoPago}
}

// For returns the backend handling p.
func (r *Registry) For(p model.Provider) (Provider, error) {
	var impl Provider
	switch p {
	case model.ProviderWebpay:
		impl = r.webpay
	case model.ProviderMercadoPago:
		impl = r.mercadoPago
	default:
		return nil, fmt.Errorf("unsupported payment provider %q", p)
	}
	if impl == nil {
		return nil, fmt.Errorf("payment provider %s is not configured", p)
	}
	return impl, nil
}

// majorUnits converts minor units to the decimal amount the provider APIs expect.
func majorUnits(cents int64) float64 { return float64(cents) / 100 }

// minorUnits converts a provider decimal amount back to minor units.
func minorUnits(amount float64) int64 {
	if amount < 0 {
		return int64(amount*100 - 0.5)
	}
	return int64(amount*100 + 0.5)
}
