package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/iliyamo/tour-booking/internal/model"
	"github.com/iliyamo/tour-booking/internal/pricing"
	"github.com/iliyamo/tour-booking/internal/queue"
	"github.com/iliyamo/tour-booking/internal/repository"
)

// Settlement turns a paid session into CONFIRMED bookings, one per line
// item, each in its own transaction under the schedule's row lock.
type Settlement struct {
	store     repository.Store
	ledger    *Ledger
	publisher EventPublisher
	taxRate   float64
}

// NewSettlement wires a settlement step.
func NewSettlement(store repository.Store, ledger *Ledger, pub EventPublisher, taxRatePercent float64) *Settlement {
	return &Settlement{store: store, ledger: ledger, publisher: pub, taxRate: taxRatePercent}
}

// Settle creates the bookings of s in item order and returns their ids.
//
// The caller must already have moved s to COMPLETED.  From then on its
// items hold their seats against new checkouts until each booking row
// exists; the re-check under the schedule lock counts bookings and live
// reservations only.  If an item no longer fits, settlement stops there with
// a SETTLEMENT_CONFLICT error and the ids created so far: bookings for
// earlier items are committed and stay, because the money was captured.
func (st *Settlement) Settle(ctx context.Context, s *model.PaymentSession) ([]uint64, error) {
	ids := make([]uint64, 0, len(s.Items))
	for i, item := range s.Items {
		b, err := st.settleItem(ctx, s, i, item)
		if err != nil {
			var se *Error
			if errors.As(err, &se) && se.Code() == CodeSettlementConflict {
				se.details["booking_ids"] = ids
				log.WithFields(log.Fields{
					"alert":       "overbooking_prevented",
					"session_id":  s.ID,
					"user_id":     s.UserID,
					"schedule_id": item.ScheduleID,
					"item_index":  i,
					"requested":   se.details["requested"],
					"available":   se.details["available"],
					"settled":     len(ids),
				}).Error("paid session could not be settled, manual reconciliation required")
				return ids, se
			}
			return ids, fmt.Errorf("settle session %s item %d: %w", s.ID, i, err)
		}
		ids = append(ids, b.ID)
		st.afterCommit(ctx, s, item, b)
	}
	return ids, nil
}

func (st *Settlement) settleItem(ctx context.Context, s *model.PaymentSession, idx int, item model.PaymentSessionItem) (*model.Booking, error) {
	var booking *model.Booking
	err := st.store.WithinTx(ctx, func(tx repository.Tx) error {
		sched, err := tx.LockSchedule(ctx, item.ScheduleID)
		if errors.Is(err, repository.ErrNotFound) {
			return settlementConflict(s.ID, idx, item.ScheduleID, item.ParticipantCount, 0, nil)
		}
		if err != nil {
			return err
		}
		if !sched.Status.Bookable() {
			return settlementConflict(s.ID, idx, item.ScheduleID, item.ParticipantCount, 0, nil)
		}
		avail, err := st.ledger.availableForSettlement(ctx, tx, sched)
		if err != nil {
			return err
		}
		if avail.Available < item.ParticipantCount {
			return settlementConflict(s.ID, idx, item.ScheduleID, item.ParticipantCount, avail.Available, nil)
		}

		split := pricing.CalculateFromTaxInclusiveAmount(item.LineTotalCents, st.taxRate)
		b := &model.Booking{
			UserID:           s.UserID,
			ScheduleID:       item.ScheduleID,
			PaymentSessionID: s.ID,
			TourDate:         item.TourDate,
			Status:           model.BookingConfirmed,
			SubtotalCents:    split.SubtotalCents,
			TaxCents:         split.TaxCents,
			TotalCents:       split.TotalCents,
			Language:         s.Language,
			SpecialRequests:  item.SpecialRequests,
		}
		for _, p := range item.Participants {
			b.Participants = append(b.Participants, model.ParticipantFromData(p))
		}
		if err := tx.InsertBooking(ctx, b); err != nil {
			return err
		}
		booking = b
		return nil
	})
	return booking, err
}

// afterCommit runs the best-effort side effects of a committed booking.
func (st *Settlement) afterCommit(ctx context.Context, s *model.PaymentSession, item model.PaymentSessionItem, b *model.Booking) {
	for _, p := range item.Participants {
		if !p.SaveForFuture {
			continue
		}
		if err := st.store.SaveParticipant(ctx, s.UserID, p); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"booking_id": b.ID,
				"user_id":    s.UserID,
			}).Warn("saving participant for reuse failed")
		}
	}
	log.WithFields(log.Fields{
		"booking_id":   b.ID,
		"session_id":   s.ID,
		"schedule_id":  b.ScheduleID,
		"participants": b.ParticipantCount(),
	}).Info("booking confirmed")
	publish(ctx, st.publisher, queue.BookingEvent{
		Type:             queue.BookingCreated,
		BookingID:        b.ID,
		UserID:           b.UserID,
		ScheduleID:       b.ScheduleID,
		PaymentSessionID: s.ID,
		TourName:         item.TourName,
		TourDate:         b.TourDate.UTC().Format(time.RFC3339),
		Participants:     b.ParticipantCount(),
		TotalCents:       b.TotalCents,
	})
}
