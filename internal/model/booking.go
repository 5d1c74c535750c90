package model

import "time"

// BookingStatus is the lifecycle state of a Booking.
type BookingStatus string

const (
	BookingPending   BookingStatus = "PENDING"
	BookingConfirmed BookingStatus = "CONFIRMED"
	BookingCancelled BookingStatus = "CANCELLED"
	BookingCompleted BookingStatus = "COMPLETED"
)

// CanTransitionTo reports whether a booking may move from b to next.
func (b BookingStatus) CanTransitionTo(next BookingStatus) bool {
	switch b {
	case BookingPending:
		switch next {
		case BookingConfirmed, BookingCancelled:
			return true
		case BookingPending, BookingCompleted:
			return false
		}
	case BookingConfirmed:
		switch next {
		case BookingCompleted, BookingCancelled:
			return true
		case BookingPending, BookingConfirmed:
			return false
		}
	case BookingCancelled, BookingCompleted:
		return false
	}
	return false
}

// Booking is a seat allocation on a schedule, produced by settlement (or by
// the legacy unpaid path, where it starts PENDING).
//
// Fields:
//  PaymentSessionID – session that funded the booking, empty for legacy bookings.
//  SubtotalCents/TaxCents/TotalCents – tax-inclusive decomposition, subtotal+tax == total.
//  Participants     – owned rows, removed with the booking.
type Booking struct {
	ID               uint64        // bookings.id
	UserID           uint64        // bookings.user_id
	ScheduleID       uint64        // bookings.schedule_id
	PaymentSessionID string        // bookings.payment_session_id
	TourDate         time.Time     // bookings.tour_date
	Status           BookingStatus // bookings.status
	SubtotalCents    int64         // bookings.subtotal_cents
	TaxCents         int64         // bookings.tax_cents
	TotalCents       int64         // bookings.total_cents
	Language         string        // bookings.language
	SpecialRequests  string        // bookings.special_requests
	Participants     []Participant
	CreatedAt        time.Time  // bookings.created_at
	UpdatedAt        time.Time  // bookings.updated_at
	DeletedAt        *time.Time // bookings.deleted_at
	ReminderSentAt   *time.Time // bookings.reminder_sent_at
	RefundClaimedAt  *time.Time // bookings.refund_claimed_at, set while a provider refund is in flight
}

// ParticipantCount returns the number of participant rows.
func (b *Booking) ParticipantCount() int { return len(b.Participants) }

// Participant is one traveller on a booking.
type Participant struct {
	ID            uint64     // booking_participants.id
	BookingID     uint64     // booking_participants.booking_id
	FullName      string     // booking_participants.full_name
	DocumentID    string     // booking_participants.document_id
	Nationality   string     // booking_participants.nationality
	DateOfBirth   *time.Time // booking_participants.date_of_birth
	PickupAddress string     // booking_participants.pickup_address
	Email         string     // booking_participants.email
	Phone         string     // booking_participants.phone
	IsSelf        bool       // booking_participants.is_self
}

// ParticipantFromData copies a checkout snapshot into a booking participant.
func ParticipantFromData(d ParticipantData) Participant {
	return Participant{
		FullName:      d.FullName,
		DocumentID:    d.DocumentID,
		Nationality:   d.Nationality,
		DateOfBirth:   d.DateOfBirth,
		PickupAddress: d.PickupAddress,
		Email:         d.Email,
		Phone:         d.Phone,
		IsSelf:        d.MarkAsSelf,
	}
}
