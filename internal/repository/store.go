package repository

import (
	"context"
	"time"

	"github.com/iliyamo/tour-booking/internal/model"
)

// Tx is the set of persistence operations available to the booking
// services.  The same operations run either in autocommit mode (on a Store)
// or inside one transaction (the argument passed by WithinTx).  Lookups that
// find nothing return ErrNotFound.
type Tx interface {
	// ScheduleByID loads a schedule without locking it.
	ScheduleByID(ctx context.Context, id uint64) (*model.Schedule, error)
	// LockSchedule loads a schedule and holds an exclusive row lock on it
	// until the surrounding transaction ends.
	LockSchedule(ctx context.Context, id uint64) (*model.Schedule, error)
	UpdateScheduleStatus(ctx context.Context, id uint64, status model.ScheduleStatus) error

	// ConfirmedParticipants counts participants on non-cancelled bookings.
	ConfirmedParticipants(ctx context.Context, scheduleID uint64) (int, error)
	// ReservedParticipants counts participants held by PENDING sessions whose
	// expiry is not before now.  A non-zero excludeUserID leaves that user's
	// sessions out of the count.
	ReservedParticipants(ctx context.Context, scheduleID uint64, now time.Time, excludeUserID uint64) (int, error)
	// SettlingParticipants counts participants of COMPLETED sessions whose
	// item for scheduleID has no booking yet and whose settlement has not
	// failed.  Paid seats stay held between the claim and the booking insert.
	SettlingParticipants(ctx context.Context, scheduleID uint64) (int, error)

	InsertSession(ctx context.Context, s *model.PaymentSession) error
	SessionByID(ctx context.Context, id string) (*model.PaymentSession, error)
	SessionByToken(ctx context.Context, token string) (*model.PaymentSession, error)
	SessionByExternalID(ctx context.Context, externalID string) (*model.PaymentSession, error)
	// FundingSession returns the most recent COMPLETED or REFUNDED session
	// of userID containing an item for scheduleID.
	FundingSession(ctx context.Context, userID, scheduleID uint64) (*model.PaymentSession, error)
	// UpdateSessionProvider stores the provider references of s (token,
	// external id, provider payment id, redirect and QR payloads).
	UpdateSessionProvider(ctx context.Context, s *model.PaymentSession) error
	// TransitionSession moves a session from -> to only if it is currently
	// in from.  It reports whether the row changed.
	TransitionSession(ctx context.Context, id string, from, to model.SessionStatus, errMsg string) (bool, error)
	// RecordSessionError stores a diagnostic on a session without touching
	// its status.
	RecordSessionError(ctx context.Context, id, msg string) error
	// CancelPendingSessionsForUser cancels every PENDING session of userID
	// except exceptID.
	CancelPendingSessionsForUser(ctx context.Context, userID uint64, exceptID string) (int64, error)
	// ExpirePendingSessions marks PENDING sessions whose expiry is strictly
	// before now as EXPIRED.
	ExpirePendingSessions(ctx context.Context, now time.Time) (int64, error)

	// InsertBooking stores b and its participants, filling generated ids.
	InsertBooking(ctx context.Context, b *model.Booking) error
	BookingByID(ctx context.Context, id uint64) (*model.Booking, error)
	BookingIDsBySession(ctx context.Context, sessionID string) ([]uint64, error)
	BookingsBySchedule(ctx context.Context, scheduleID uint64) ([]model.Booking, error)
	// TransitionBooking moves a booking from -> to only if it is currently
	// in from.  It reports whether the row changed.
	TransitionBooking(ctx context.Context, id uint64, from, to model.BookingStatus) (bool, error)
	// ClaimRefund marks a CONFIRMED booking as being refunded at at.  It
	// fails when another claim newer than staleBefore is held, so only one
	// caller reaches the provider.
	ClaimRefund(ctx context.Context, id uint64, at, staleBefore time.Time) (bool, error)
	// ReleaseRefund drops the claim after a refund that did not happen.
	ReleaseRefund(ctx context.Context, id uint64) error
	// CancelAbandonedBookings cancels legacy PENDING bookings created
	// before cutoff.
	CancelAbandonedBookings(ctx context.Context, cutoff time.Time) (int64, error)

	DeleteCartByUser(ctx context.Context, userID uint64) error
	SaveParticipant(ctx context.Context, userID uint64, p model.ParticipantData) error
}

// Store is a Tx running in autocommit mode that can also open
// transactions.  fn's error rolls the transaction back; a nil return
// commits it.
type Store interface {
	Tx
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}
