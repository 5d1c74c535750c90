package model

import (
	"fmt"
	"time"
)

// Provider identifies the payment backend that processes a session.
type Provider string

const (
	// ProviderWebpay is the redirect/commit provider family.
	ProviderWebpay Provider = "WEBPAY"
	// ProviderMercadoPago is the preference/webhook provider family.
	ProviderMercadoPago Provider = "MERCADOPAGO"
)

// ParseProvider normalises a provider name coming from a request or a URL
// segment.  Unknown names are rejected.
func ParseProvider(s string) (Provider, error) {
	switch s {
	case "WEBPAY", "webpay", "transbank", "TRANSBANK":
		return ProviderWebpay, nil
	case "MERCADOPAGO", "mercadopago", "mp", "MP":
		return ProviderMercadoPago, nil
	}
	return "", fmt.Errorf("unknown payment provider %q", s)
}

// SessionStatus is the lifecycle state of a PaymentSession.
type SessionStatus string

const (
	SessionPending   SessionStatus = "PENDING"
	SessionCompleted SessionStatus = "COMPLETED"
	SessionFailed    SessionStatus = "FAILED"
	SessionExpired   SessionStatus = "EXPIRED"
	SessionCancelled SessionStatus = "CANCELLED"
	SessionRefunded  SessionStatus = "REFUNDED"
)

// CanTransitionTo reports whether the session may move from s to next.
// PENDING fans out to every terminal state, COMPLETED may only become
// REFUNDED and nothing leaves FAILED, EXPIRED, CANCELLED or REFUNDED.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	switch s {
	case SessionPending:
		switch next {
		case SessionCompleted, SessionFailed, SessionExpired, SessionCancelled:
			return true
		case SessionPending, SessionRefunded:
			return false
		}
	case SessionCompleted:
		return next == SessionRefunded
	case SessionFailed, SessionExpired, SessionCancelled, SessionRefunded:
		return false
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionFailed, SessionExpired, SessionCancelled, SessionRefunded:
		return true
	case SessionPending, SessionCompleted:
		return false
	}
	return false
}

// PaymentSession is the checkout aggregate tracking one payment attempt
// from cart to settled bookings.  It owns its items exclusively.
//
// Fields:
//  ID                – opaque UUID, also sent to providers as external reference.
//  UserID            – owner of the checkout.
//  Items             – line items in request order.
//  TotalAmountCents  – server-side recomputed total, tax inclusive.
//  Provider          – payment backend handling this session.
//  Token             – provider token (commit token or preference id).
//  ExternalID        – provider-side id returned at initialisation.
//  ProviderPaymentID – provider payment id learned at confirmation.
//  QRCode/QRCodeBase64 – inline payloads for instant-transfer flows.
//  ExpiresAt         – soft deadline enforced by the sweeper.
type PaymentSession struct {
	ID                string        // payment_sessions.id
	UserID            uint64        // payment_sessions.user_id
	Items             []PaymentSessionItem
	TotalAmountCents  int64         // payment_sessions.total_amount_cents
	Currency          string        // payment_sessions.currency
	Language          string        // payment_sessions.language
	Provider          Provider      // payment_sessions.provider
	PaymentMethod     string        // payment_sessions.payment_method
	ReturnURL         string        // payment_sessions.return_url
	CancelURL         string        // payment_sessions.cancel_url
	Token             string        // payment_sessions.token
	ExternalID        string        // payment_sessions.external_id
	ProviderPaymentID string        // payment_sessions.provider_payment_id
	RedirectURL       string        // payment_sessions.redirect_url
	QRCode            string        // payment_sessions.qr_code
	QRCodeBase64      string        // payment_sessions.qr_code_base64
	ExpiresAt         time.Time     // payment_sessions.expires_at
	TestMode          bool          // payment_sessions.test_mode
	ErrorMessage      string        // payment_sessions.error_message
	Status            SessionStatus // payment_sessions.status
	CreatedAt         time.Time     // payment_sessions.created_at
	UpdatedAt         time.Time     // payment_sessions.updated_at
}

// ExpiredAt reports whether the session is past its deadline at now.  A
// session exactly at its expiry instant is still live.
func (s *PaymentSession) ExpiredAt(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// ParticipantCount sums participants over all items.
func (s *PaymentSession) ParticipantCount() int {
	n := 0
	for _, it := range s.Items {
		n += it.ParticipantCount
	}
	return n
}

// PaymentSessionItem is one line of a checkout: a schedule, a head count
// and the participant snapshot captured at checkout time.
type PaymentSessionItem struct {
	Position         int               // payment_session_items.position
	ScheduleID       uint64            // payment_session_items.schedule_id
	TourName         string            // payment_session_items.tour_name
	TourDate         time.Time         // payment_session_items.tour_date
	ParticipantCount int               // payment_session_items.participant_count
	UnitPriceCents   int64             // payment_session_items.unit_price_cents
	LineTotalCents   int64             // payment_session_items.line_total_cents
	SpecialRequests  string            // payment_session_items.special_requests
	Participants     []ParticipantData // payment_session_items.participants (JSON)
}

// ParticipantData is the participant snapshot embedded in a session item.
type ParticipantData struct {
	FullName      string     `json:"full_name"`
	DocumentID    string     `json:"document_id,omitempty"`
	Nationality   string     `json:"nationality,omitempty"`
	DateOfBirth   *time.Time `json:"date_of_birth,omitempty"`
	PickupAddress string     `json:"pickup_address,omitempty"`
	Email         string     `json:"email,omitempty"`
	Phone         string     `json:"phone,omitempty"`
	MarkAsSelf    bool       `json:"mark_as_self,omitempty"`
	SaveForFuture bool       `json:"save_for_future,omitempty"`
}
