package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/iliyamo/tour-booking/internal/model"
	"github.com/iliyamo/tour-booking/internal/payment"
	"github.com/iliyamo/tour-booking/internal/queue"
	"github.com/iliyamo/tour-booking/internal/repository"
)

// refundClaimTTL bounds how long an abandoned refund claim blocks a retry.
const refundClaimTTL = 10 * time.Minute

// Refund outcomes reported in RefundResult.Outcome.
const (
	OutcomeRefunded       = "REFUNDED"        // provider confirmed the refund
	OutcomeLocalCancelled = "LOCAL_CANCELLED" // no funding session, cancelled without a provider call
)

// RefundResult describes one booking refund.
type RefundResult struct {
	BookingID   uint64         `json:"booking_id"`
	Outcome     string         `json:"outcome"`
	Provider    model.Provider `json:"provider,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
	RefundID    string         `json:"refund_id,omitempty"`
	AmountCents int64          `json:"amount_cents"`
}

// LocalOnly reports whether no provider refund took place.
func (r *RefundResult) LocalOnly() bool { return r.Outcome == OutcomeLocalCancelled }

// CascadeDetail is the per-booking outcome of a schedule cancellation.
type CascadeDetail struct {
	BookingID   uint64 `json:"booking_id"`
	Outcome     string `json:"outcome"` // SKIPPED | CANCELLED | REFUNDED | LOCAL_CANCELLED | REFUND_FAILED
	AmountCents int64  `json:"amount_cents,omitempty"`
	RefundID    string `json:"refund_id,omitempty"`
	Error       string `json:"error,omitempty"`
}

// CascadeResult aggregates a schedule cancellation.
type CascadeResult struct {
	ScheduleID             uint64          `json:"schedule_id"`
	AlreadyCancelled       bool            `json:"already_cancelled"`
	TotalBookings          int             `json:"total_bookings"`
	RefundsProcessed       int             `json:"refunds_processed"`
	RefundsFailed          int             `json:"refunds_failed"`
	LocalCancellations     int             `json:"local_cancellations"`
	CancelledWithoutRefund int             `json:"cancelled_without_refund"`
	Skipped                int             `json:"skipped"`
	TotalRefundedCents     int64           `json:"total_refunded_cents"`
	Details                []CascadeDetail `json:"details"`
}

// RefundService refunds single bookings and cancels whole schedules.
type RefundService struct {
	store     repository.Store
	providers *payment.Registry
	publisher EventPublisher
	cutoff    time.Duration
	now       func() time.Time
}

// NewRefundService wires the refund flow.  now may be nil.
func NewRefundService(store repository.Store, providers *payment.Registry, pub EventPublisher, cutoff time.Duration, now func() time.Time) *RefundService {
	if now == nil {
		now = time.Now
	}
	return &RefundService{store: store, providers: providers, publisher: pub, cutoff: cutoff, now: now}
}

// Refund refunds a CONFIRMED booking.  Without adminOverride the tour must
// start at least the cutoff from now.  amountCents <= 0 refunds the booking
// total.  If the provider refund fails the booking stays CONFIRMED and a
// REFUND_PROVIDER_FAILED error is returned; nothing is retried.
func (r *RefundService) Refund(ctx context.Context, bookingID uint64, adminOverride bool, amountCents int64) (*RefundResult, error) {
	b, err := r.store.BookingByID(ctx, bookingID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, notFound("booking", bookingID)
	}
	if err != nil {
		return nil, err
	}
	return r.refund(ctx, b, adminOverride, amountCents)
}

// CancelOwnBooking is the self-service refund: owner only, cutoff enforced.
func (r *RefundService) CancelOwnBooking(ctx context.Context, actorID, bookingID uint64) (*RefundResult, error) {
	b, err := r.store.BookingByID(ctx, bookingID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, notFound("booking", bookingID)
	}
	if err != nil {
		return nil, err
	}
	if b.UserID != actorID {
		return nil, notFound("booking", bookingID)
	}
	return r.refund(ctx, b, false, 0)
}

func (r *RefundService) refund(ctx context.Context, b *model.Booking, adminOverride bool, amountCents int64) (*RefundResult, error) {
	logger := log.WithFields(log.Fields{"booking_id": b.ID, "user_id": b.UserID, "schedule_id": b.ScheduleID})

	switch b.Status {
	case model.BookingConfirmed:
	case model.BookingPending, model.BookingCancelled, model.BookingCompleted:
		return nil, invalidBookingState(b.ID, b.Status, model.BookingConfirmed)
	default:
		return nil, invalidBookingState(b.ID, b.Status, model.BookingConfirmed)
	}

	if !adminOverride {
		startsAt := b.TourDate
		if sched, err := r.store.ScheduleByID(ctx, b.ScheduleID); err == nil {
			startsAt = sched.StartsAt
		}
		if remaining := startsAt.Sub(r.now()); remaining < r.cutoff {
			return nil, refundPolicyViolation(remaining.Hours(), r.cutoff)
		}
	}

	if amountCents <= 0 {
		amountCents = b.TotalCents
	}
	if amountCents > b.TotalCents {
		return nil, validationFailed("refund amount exceeds the booking total",
			map[string]any{"amount_cents": amountCents, "total_cents": b.TotalCents})
	}

	sess, err := r.fundingSession(ctx, b)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		changed, err := r.store.TransitionBooking(ctx, b.ID, model.BookingConfirmed, model.BookingCancelled)
		if err != nil {
			return nil, err
		}
		if !changed {
			return nil, r.staleBooking(ctx, b.ID)
		}
		logger.Warn("no funding session, booking cancelled without provider refund")
		r.notify(ctx, queue.BookingCancelled, b, 0, "", "cancelled without payment refund")
		return &RefundResult{BookingID: b.ID, Outcome: OutcomeLocalCancelled}, nil
	}

	adapter, err := r.providers.For(sess.Provider)
	if err != nil {
		return nil, refundProviderFailed(b.ID, sess.Provider, err)
	}

	now := r.now()
	claimed, err := r.store.ClaimRefund(ctx, b.ID, now, now.Add(-refundClaimTTL))
	if err != nil {
		return nil, err
	}
	if !claimed {
		cur, err := r.store.BookingByID(ctx, b.ID)
		if err == nil && cur.Status == model.BookingConfirmed {
			return nil, refundInProgress(b.ID)
		}
		return nil, r.staleBooking(ctx, b.ID)
	}

	res, err := adapter.Refund(ctx, sess, amountCents, refundKey(sess, b))
	if err != nil {
		logger.WithError(err).WithField("session_id", sess.ID).Error("provider refund failed")
		if rerr := r.store.ReleaseRefund(ctx, b.ID); rerr != nil {
			logger.WithError(rerr).Error("could not release refund claim")
		}
		return nil, refundProviderFailed(b.ID, sess.Provider, err)
	}

	if changed, err := r.store.TransitionBooking(ctx, b.ID, model.BookingConfirmed, model.BookingCancelled); err != nil || !changed {
		// The money is back with the payer; the booking row needs a look.
		logger.WithError(err).WithFields(log.Fields{"refund_id": res.RefundID, "alert": "refund_not_recorded"}).
			Error("refund succeeded but booking could not be cancelled")
	}
	if _, err := r.store.TransitionSession(ctx, sess.ID, model.SessionCompleted, model.SessionRefunded, ""); err != nil {
		logger.WithError(err).WithField("session_id", sess.ID).Error("could not mark session refunded")
	}

	logger.WithFields(log.Fields{
		"session_id":   sess.ID,
		"provider":     sess.Provider,
		"refund_id":    res.RefundID,
		"amount_cents": res.AmountCents,
	}).Info("booking refunded")
	r.notify(ctx, queue.RefundConfirmed, b, res.AmountCents, res.RefundID, "")
	return &RefundResult{
		BookingID:   b.ID,
		Outcome:     OutcomeRefunded,
		Provider:    sess.Provider,
		SessionID:   sess.ID,
		RefundID:    res.RefundID,
		AmountCents: res.AmountCents,
	}, nil
}

// fundingSession finds the paid session behind b: the session recorded on
// the booking, else the latest paid session of the owner for the schedule.
func (r *RefundService) fundingSession(ctx context.Context, b *model.Booking) (*model.PaymentSession, error) {
	if b.PaymentSessionID != "" {
		sess, err := r.store.SessionByID(ctx, b.PaymentSessionID)
		if err == nil && (sess.Status == model.SessionCompleted || sess.Status == model.SessionRefunded) {
			return sess, nil
		}
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
	}
	sess, err := r.store.FundingSession(ctx, b.UserID, b.ScheduleID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	return sess, err
}

// refundKey identifies the refund of b against sess for provider-side
// idempotency.  A retried refund of the same booking reuses it.
func refundKey(sess *model.PaymentSession, b *model.Booking) string {
	return fmt.Sprintf("refund-%s-%d", sess.ID, b.ID)
}

func (r *RefundService) staleBooking(ctx context.Context, id uint64) error {
	cur, err := r.store.BookingByID(ctx, id)
	if err != nil {
		return notFound("booking", id)
	}
	return invalidBookingState(id, cur.Status, model.BookingConfirmed)
}

// CancelSchedule cancels a schedule and every booking on it.  Confirmed
// bookings are refunded with the policy overridden; a failed refund is
// recorded, the booking is still cancelled and a refund.pending event goes
// out instead of refund.confirmed.  One booking's failure never stops the
// others.  An already cancelled schedule returns a zero result.
func (r *RefundService) CancelSchedule(ctx context.Context, scheduleID uint64, reason string, actorID uint64) (*CascadeResult, error) {
	sched, err := r.store.ScheduleByID(ctx, scheduleID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, notFound("schedule", scheduleID)
	}
	if err != nil {
		return nil, err
	}
	result := &CascadeResult{ScheduleID: scheduleID, Details: []CascadeDetail{}}
	if sched.Status == model.ScheduleCancelled {
		result.AlreadyCancelled = true
		return result, nil
	}
	if err := r.store.UpdateScheduleStatus(ctx, scheduleID, model.ScheduleCancelled); err != nil {
		return nil, err
	}
	logger := log.WithFields(log.Fields{"schedule_id": scheduleID, "actor_id": actorID, "reason": reason})
	logger.Warn("schedule cancelled, cascading to bookings")

	bookings, err := r.store.BookingsBySchedule(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	result.TotalBookings = len(bookings)
	for i := range bookings {
		b := &bookings[i]
		d := CascadeDetail{BookingID: b.ID}
		switch b.Status {
		case model.BookingCancelled, model.BookingCompleted:
			d.Outcome = "SKIPPED"
			result.Skipped++
		case model.BookingPending:
			changed, err := r.store.TransitionBooking(ctx, b.ID, model.BookingPending, model.BookingCancelled)
			if err != nil {
				d.Outcome, d.Error = "SKIPPED", err.Error()
				result.Skipped++
				break
			}
			if !changed {
				d.Outcome, d.Error = "SKIPPED", "booking changed state during cancellation"
				result.Skipped++
				break
			}
			d.Outcome = "CANCELLED"
			result.CancelledWithoutRefund++
			r.notify(ctx, queue.BookingCancelled, b, 0, "", reason)
		case model.BookingConfirmed:
			res, err := r.refund(ctx, b, true, 0)
			switch {
			case err != nil && CodeOf(err) == CodeInvalidBookingState:
				// Another refund holds the booking or already cancelled it.
				d.Outcome, d.Error = "SKIPPED", err.Error()
				result.Skipped++
			case err != nil:
				d.Outcome, d.Error = "REFUND_FAILED", err.Error()
				result.RefundsFailed++
				if _, cerr := r.store.TransitionBooking(ctx, b.ID, model.BookingConfirmed, model.BookingCancelled); cerr != nil {
					logger.WithError(cerr).WithField("booking_id", b.ID).Error("could not cancel booking after failed refund")
				}
				logger.WithError(err).WithField("booking_id", b.ID).Error("refund needs manual follow-up")
				r.notify(ctx, queue.RefundPending, b, b.TotalCents, "", reason)
			case res.LocalOnly():
				d.Outcome = OutcomeLocalCancelled
				result.LocalCancellations++
			default:
				d.Outcome, d.AmountCents, d.RefundID = OutcomeRefunded, res.AmountCents, res.RefundID
				result.RefundsProcessed++
				result.TotalRefundedCents += res.AmountCents
			}
		}
		result.Details = append(result.Details, d)
	}
	logger.WithFields(log.Fields{
		"bookings":       result.TotalBookings,
		"refunded":       result.RefundsProcessed,
		"refunds_failed": result.RefundsFailed,
	}).Info("schedule cancellation finished")
	return result, nil
}

func (r *RefundService) notify(ctx context.Context, typ string, b *model.Booking, refundCents int64, refundID, reason string) {
	publish(ctx, r.publisher, queue.BookingEvent{
		Type:             typ,
		BookingID:        b.ID,
		UserID:           b.UserID,
		ScheduleID:       b.ScheduleID,
		PaymentSessionID: b.PaymentSessionID,
		TourDate:         b.TourDate.UTC().Format(time.RFC3339),
		Participants:     b.ParticipantCount(),
		TotalCents:       b.TotalCents,
		RefundCents:      refundCents,
		RefundID:         refundID,
		Reason:           reason,
	})
}
