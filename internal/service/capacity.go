package service

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/iliyamo/tour-booking/internal/model"
	"github.com/iliyamo/tour-booking/internal/repository"
)

// Availability is the capacity breakdown of one schedule at one instant.
type Availability struct {
	ScheduleID      uint64 `json:"schedule_id"`
	MaxParticipants int    `json:"max_participants"`
	Confirmed       int    `json:"confirmed"`
	Reserved        int    `json:"reserved"`
	Settling        int    `json:"settling"`
	Available       int    `json:"available"`
}

// Ledger computes availability from durable state on every call:
// max - participants on non-cancelled bookings - participants held by live
// sessions - paid participants whose booking is not written yet.  Nothing
// is cached, so the result is only as stable as the transaction (and row
// lock) it is computed in.
type Ledger struct {
	now func() time.Time
}

// NewLedger returns a ledger using now as its clock.
func NewLedger(now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{now: now}
}

// ComputeAvailable loads the schedule and computes its availability.  A
// non-zero excludeUserID leaves that user's live reservations out of the
// count.  A negative result is returned together with a
// LEDGER_INCONSISTENT error; it is never clamped.
func (l *Ledger) ComputeAvailable(ctx context.Context, tx repository.Tx, scheduleID, excludeUserID uint64) (Availability, error) {
	sched, err := tx.ScheduleByID(ctx, scheduleID)
	if errors.Is(err, repository.ErrNotFound) {
		return Availability{}, notFound("schedule", scheduleID)
	}
	if err != nil {
		return Availability{}, err
	}
	return l.available(ctx, tx, sched, excludeUserID)
}

// available is the checkout view: every hold counts except the live
// reservations of excludeUserID.
func (l *Ledger) available(ctx context.Context, tx repository.Tx, sched *model.Schedule, excludeUserID uint64) (Availability, error) {
	return l.compute(ctx, tx, sched, excludeUserID, true)
}

// availableForSettlement is the view of a session being settled.  Paid
// sessions waiting for their bookings are ordered by the schedule lock
// among themselves, so they do not count against each other.
func (l *Ledger) availableForSettlement(ctx context.Context, tx repository.Tx, sched *model.Schedule) (Availability, error) {
	return l.compute(ctx, tx, sched, 0, false)
}

func (l *Ledger) compute(ctx context.Context, tx repository.Tx, sched *model.Schedule, excludeUserID uint64, withSettling bool) (Availability, error) {
	confirmed, err := tx.ConfirmedParticipants(ctx, sched.ID)
	if err != nil {
		return Availability{}, err
	}
	reserved, err := tx.ReservedParticipants(ctx, sched.ID, l.now(), excludeUserID)
	if err != nil {
		return Availability{}, err
	}
	settling := 0
	if withSettling {
		if settling, err = tx.SettlingParticipants(ctx, sched.ID); err != nil {
			return Availability{}, err
		}
	}
	a := Availability{
		ScheduleID:      sched.ID,
		MaxParticipants: sched.MaxParticipants,
		Confirmed:       confirmed,
		Reserved:        reserved,
		Settling:        settling,
		Available:       sched.MaxParticipants - confirmed - reserved - settling,
	}
	if a.Available < 0 {
		log.WithFields(log.Fields{
			"schedule_id": sched.ID,
			"max":         a.MaxParticipants,
			"confirmed":   confirmed,
			"reserved":    reserved,
			"settling":    settling,
			"alert":       "ledger_inconsistent",
		}).Error("negative availability")
		return a, ledgerInconsistent(sched.ID, a)
	}
	return a, nil
}
