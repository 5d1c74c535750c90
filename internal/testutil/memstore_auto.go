package testutil

import (
	"context"
	"time"

	"github.com/iliyamo/tour-booking/internal/model"
)

// Autocommit variants of the memTx operations.

func (s *MemStore) ScheduleByID(ctx context.Context, id uint64) (out *model.Schedule, err error) {
	err = s.auto(func(tx *memTx) error { out, err = tx.ScheduleByID(ctx, id); return err })
	return out, err
}

func (s *MemStore) LockSchedule(ctx context.Context, id uint64) (out *model.Schedule, err error) {
	err = s.auto(func(tx *memTx) error { out, err = tx.LockSchedule(ctx, id); return err })
	return out, err
}

func (s *MemStore) UpdateScheduleStatus(ctx context.Context, id uint64, status model.ScheduleStatus) error {
	return s.auto(func(tx *memTx) error { return tx.UpdateScheduleStatus(ctx, id, status) })
}

func (s *MemStore) ConfirmedParticipants(ctx context.Context, scheduleID uint64) (n int, err error) {
	err = s.auto(func(tx *memTx) error { n, err = tx.ConfirmedParticipants(ctx, scheduleID); return err })
	return n, err
}

func (s *MemStore) ReservedParticipants(ctx context.Context, scheduleID uint64, now time.Time, excludeUserID uint64) (n int, err error) {
	err = s.auto(func(tx *memTx) error {
		n, err = tx.ReservedParticipants(ctx, scheduleID, now, excludeUserID)
		return err
	})
	return n, err
}

func (s *MemStore) SettlingParticipants(ctx context.Context, scheduleID uint64) (n int, err error) {
	err = s.auto(func(tx *memTx) error { n, err = tx.SettlingParticipants(ctx, scheduleID); return err })
	return n, err
}

func (s *MemStore) InsertSession(ctx context.Context, sess *model.PaymentSession) error {
	return s.auto(func(tx *memTx) error { return tx.InsertSession(ctx, sess) })
}

func (s *MemStore) SessionByID(ctx context.Context, id string) (out *model.PaymentSession, err error) {
	err = s.auto(func(tx *memTx) error { out, err = tx.SessionByID(ctx, id); return err })
	return out, err
}

func (s *MemStore) SessionByToken(ctx context.Context, token string) (out *model.PaymentSession, err error) {
	err = s.auto(func(tx *memTx) error { out, err = tx.SessionByToken(ctx, token); return err })
	return out, err
}

func (s *MemStore) SessionByExternalID(ctx context.Context, externalID string) (out *model.PaymentSession, err error) {
	err = s.auto(func(tx *memTx) error { out, err = tx.SessionByExternalID(ctx, externalID); return err })
	return out, err
}

func (s *MemStore) FundingSession(ctx context.Context, userID, scheduleID uint64) (out *model.PaymentSession, err error) {
	err = s.auto(func(tx *memTx) error { out, err = tx.FundingSession(ctx, userID, scheduleID); return err })
	return out, err
}

func (s *MemStore) UpdateSessionProvider(ctx context.Context, sess *model.PaymentSession) error {
	return s.auto(func(tx *memTx) error { return tx.UpdateSessionProvider(ctx, sess) })
}

func (s *MemStore) TransitionSession(ctx context.Context, id string, from, to model.SessionStatus, errMsg string) (ok bool, err error) {
	err = s.auto(func(tx *memTx) error { ok, err = tx.TransitionSession(ctx, id, from, to, errMsg); return err })
	return ok, err
}

func (s *MemStore) RecordSessionError(ctx context.Context, id, msg string) error {
	return s.auto(func(tx *memTx) error { return tx.RecordSessionError(ctx, id, msg) })
}

func (s *MemStore) CancelPendingSessionsForUser(ctx context.Context, userID uint64, exceptID string) (n int64, err error) {
	err = s.auto(func(tx *memTx) error { n, err = tx.CancelPendingSessionsForUser(ctx, userID, exceptID); return err })
	return n, err
}

func (s *MemStore) ExpirePendingSessions(ctx context.Context, now time.Time) (n int64, err error) {
	err = s.auto(func(tx *memTx) error { n, err = tx.ExpirePendingSessions(ctx, now); return err })
	return n, err
}

func (s *MemStore) InsertBooking(ctx context.Context, b *model.Booking) error {
	return s.auto(func(tx *memTx) error { return tx.InsertBooking(ctx, b) })
}

func (s *MemStore) BookingByID(ctx context.Context, id uint64) (out *model.Booking, err error) {
	err = s.auto(func(tx *memTx) error { out, err = tx.BookingByID(ctx, id); return err })
	return out, err
}

func (s *MemStore) BookingIDsBySession(ctx context.Context, sessionID string) (ids []uint64, err error) {
	err = s.auto(func(tx *memTx) error { ids, err = tx.BookingIDsBySession(ctx, sessionID); return err })
	return ids, err
}

func (s *MemStore) BookingsBySchedule(ctx context.Context, scheduleID uint64) (out []model.Booking, err error) {
	err = s.auto(func(tx *memTx) error { out, err = tx.BookingsBySchedule(ctx, scheduleID); return err })
	return out, err
}

func (s *MemStore) TransitionBooking(ctx context.Context, id uint64, from, to model.BookingStatus) (ok bool, err error) {
	err = s.auto(func(tx *memTx) error { ok, err = tx.TransitionBooking(ctx, id, from, to); return err })
	return ok, err
}

func (s *MemStore) ClaimRefund(ctx context.Context, id uint64, at, staleBefore time.Time) (ok bool, err error) {
	err = s.auto(func(tx *memTx) error { ok, err = tx.ClaimRefund(ctx, id, at, staleBefore); return err })
	return ok, err
}

func (s *MemStore) ReleaseRefund(ctx context.Context, id uint64) error {
	return s.auto(func(tx *memTx) error { return tx.ReleaseRefund(ctx, id) })
}

func (s *MemStore) CancelAbandonedBookings(ctx context.Context, cutoff time.Time) (n int64, err error) {
	err = s.auto(func(tx *memTx) error { n, err = tx.CancelAbandonedBookings(ctx, cutoff); return err })
	return n, err
}

func (s *MemStore) DeleteCartByUser(ctx context.Context, userID uint64) error {
	return s.auto(func(tx *memTx) error { return tx.DeleteCartByUser(ctx, userID) })
}

func (s *MemStore) SaveParticipant(ctx context.Context, userID uint64, p model.ParticipantData) error {
	return s.auto(func(tx *memTx) error { return tx.SaveParticipant(ctx, userID, p) })
}
