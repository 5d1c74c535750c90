// Package queue defines the booking events exchanged over the message
// broker and the consumer that hands them to the notification layer.
package queue

// Queue names double as event types; each is a durable queue on the
// default exchange.
const (
	BookingCreated   = "booking.created"
	BookingCancelled = "booking.cancelled"
	RefundConfirmed  = "refund.confirmed"
	RefundPending    = "refund.pending"
)

// Queues lists every queue the consumer listens on.
var Queues = []string{BookingCreated, BookingCancelled, RefundConfirmed, RefundPending}

// BookingEvent carries enough for downstream consumers to notify the
// traveller without querying the primary database.
type BookingEvent struct {
	Type             string `json:"type"`
	BookingID        uint64 `json:"booking_id"`
	UserID           uint64 `json:"user_id"`
	ScheduleID       uint64 `json:"schedule_id"`
	PaymentSessionID string `json:"payment_session_id,omitempty"`
	TourName         string `json:"tour_name,omitempty"`
	TourDate         string `json:"tour_date"`
	Participants     int    `json:"participants"`
	TotalCents       int64  `json:"total_cents"`
	RefundCents      int64  `json:"refund_cents,omitempty"`
	RefundID         string `json:"refund_id,omitempty"`
	Reason           string `json:"reason,omitempty"`
	OccurredAt       string `json:"occurred_at"`
}
