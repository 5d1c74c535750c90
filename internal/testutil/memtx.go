package testutil

import (
	"context"
	"sort"
	"time"

	"github.com/iliyamo/tour-booking/internal/model"
	"github.com/iliyamo/tour-booking/internal/repository"
)

// memTx implements repository.Tx over MemStore data; the caller holds the
// store mutex.
type memTx struct {
	s *MemStore
}

func (t *memTx) ScheduleByID(_ context.Context, id uint64) (*model.Schedule, error) {
	sc, ok := t.s.d.schedules[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &sc, nil
}

func (t *memTx) LockSchedule(ctx context.Context, id uint64) (*model.Schedule, error) {
	return t.ScheduleByID(ctx, id)
}

func (t *memTx) UpdateScheduleStatus(_ context.Context, id uint64, status model.ScheduleStatus) error {
	sc, ok := t.s.d.schedules[id]
	if !ok {
		return repository.ErrNotFound
	}
	sc.Status = status
	t.s.d.schedules[id] = sc
	return nil
}

func (t *memTx) ConfirmedParticipants(_ context.Context, scheduleID uint64) (int, error) {
	n := 0
	for _, b := range t.s.d.bookings {
		if b.ScheduleID == scheduleID && b.Status != model.BookingCancelled && b.DeletedAt == nil {
			n += len(b.Participants)
		}
	}
	return n, nil
}

func (t *memTx) ReservedParticipants(_ context.Context, scheduleID uint64, now time.Time, excludeUserID uint64) (int, error) {
	n := 0
	for _, s := range t.s.d.sessions {
		if s.Status != model.SessionPending || s.ExpiresAt.Before(now) {
			continue
		}
		if excludeUserID != 0 && s.UserID == excludeUserID {
			continue
		}
		for _, it := range s.Items {
			if it.ScheduleID == scheduleID {
				n += it.ParticipantCount
			}
		}
	}
	return n, nil
}

func (t *memTx) SettlingParticipants(_ context.Context, scheduleID uint64) (int, error) {
	n := 0
	for _, s := range t.s.d.sessions {
		if s.Status != model.SessionCompleted || s.ErrorMessage != "" {
			continue
		}
		for _, it := range s.Items {
			if it.ScheduleID == scheduleID && !t.hasBooking(s.ID, scheduleID) {
				n += it.ParticipantCount
			}
		}
	}
	return n, nil
}

func (t *memTx) hasBooking(sessionID string, scheduleID uint64) bool {
	for _, b := range t.s.d.bookings {
		if b.PaymentSessionID == sessionID && b.ScheduleID == scheduleID {
			return true
		}
	}
	return false
}

func (t *memTx) InsertSession(_ context.Context, s *model.PaymentSession) error {
	if _, exists := t.s.d.sessions[s.ID]; exists {
		return repository.ErrConflict
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	s.UpdatedAt = s.CreatedAt
	t.s.d.sessions[s.ID] = copySession(*s)
	return nil
}

func (t *memTx) find(match func(s *model.PaymentSession) bool) (*model.PaymentSession, error) {
	var found *model.PaymentSession
	for _, s := range t.s.d.sessions {
		s := s
		if match(&s) && (found == nil || s.CreatedAt.After(found.CreatedAt)) {
			found = &s
		}
	}
	if found == nil {
		return nil, repository.ErrNotFound
	}
	c := copySession(*found)
	return &c, nil
}

func (t *memTx) SessionByID(_ context.Context, id string) (*model.PaymentSession, error) {
	s, ok := t.s.d.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := copySession(s)
	return &c, nil
}

func (t *memTx) SessionByToken(_ context.Context, token string) (*model.PaymentSession, error) {
	return t.find(func(s *model.PaymentSession) bool { return token != "" && s.Token == token })
}

func (t *memTx) SessionByExternalID(_ context.Context, externalID string) (*model.PaymentSession, error) {
	return t.find(func(s *model.PaymentSession) bool {
		return externalID != "" && (s.ExternalID == externalID || s.ProviderPaymentID == externalID)
	})
}

func (t *memTx) FundingSession(_ context.Context, userID, scheduleID uint64) (*model.PaymentSession, error) {
	return t.find(func(s *model.PaymentSession) bool {
		if s.UserID != userID || (s.Status != model.SessionCompleted && s.Status != model.SessionRefunded) {
			return false
		}
		for _, it := range s.Items {
			if it.ScheduleID == scheduleID {
				return true
			}
		}
		return false
	})
}

func (t *memTx) UpdateSessionProvider(_ context.Context, s *model.PaymentSession) error {
	cur, ok := t.s.d.sessions[s.ID]
	if !ok {
		return repository.ErrNotFound
	}
	cur.Token, cur.ExternalID, cur.ProviderPaymentID = s.Token, s.ExternalID, s.ProviderPaymentID
	cur.RedirectURL, cur.QRCode, cur.QRCodeBase64 = s.RedirectURL, s.QRCode, s.QRCodeBase64
	cur.UpdatedAt = time.Now().UTC()
	t.s.d.sessions[s.ID] = cur
	return nil
}

func (t *memTx) TransitionSession(_ context.Context, id string, from, to model.SessionStatus, errMsg string) (bool, error) {
	cur, ok := t.s.d.sessions[id]
	if !ok || cur.Status != from {
		return false, nil
	}
	cur.Status = to
	if errMsg != "" {
		cur.ErrorMessage = errMsg
	}
	cur.UpdatedAt = time.Now().UTC()
	t.s.d.sessions[id] = cur
	return true, nil
}

func (t *memTx) RecordSessionError(_ context.Context, id, msg string) error {
	cur, ok := t.s.d.sessions[id]
	if !ok {
		return repository.ErrNotFound
	}
	cur.ErrorMessage = msg
	t.s.d.sessions[id] = cur
	return nil
}

func (t *memTx) CancelPendingSessionsForUser(_ context.Context, userID uint64, exceptID string) (int64, error) {
	var n int64
	for id, s := range t.s.d.sessions {
		if s.UserID == userID && s.Status == model.SessionPending && id != exceptID {
			s.Status = model.SessionCancelled
			s.ErrorMessage = "superseded by a newer checkout"
			t.s.d.sessions[id] = s
			n++
		}
	}
	return n, nil
}

func (t *memTx) ExpirePendingSessions(_ context.Context, now time.Time) (int64, error) {
	var n int64
	for id, s := range t.s.d.sessions {
		if s.Status == model.SessionPending && s.ExpiresAt.Before(now) {
			s.Status = model.SessionExpired
			t.s.d.sessions[id] = s
			n++
		}
	}
	return n, nil
}

func (t *memTx) InsertBooking(_ context.Context, b *model.Booking) error {
	t.s.d.nextBooking++
	b.ID = t.s.d.nextBooking
	now := time.Now().UTC()
	b.CreatedAt, b.UpdatedAt = now, now
	for i := range b.Participants {
		b.Participants[i].ID = uint64(i + 1)
		b.Participants[i].BookingID = b.ID
	}
	t.s.d.bookings[b.ID] = copyBooking(*b)
	return nil
}

func (t *memTx) BookingByID(_ context.Context, id uint64) (*model.Booking, error) {
	b, ok := t.s.d.bookings[id]
	if !ok || b.DeletedAt != nil {
		return nil, repository.ErrNotFound
	}
	c := copyBooking(b)
	return &c, nil
}

func (t *memTx) BookingIDsBySession(_ context.Context, sessionID string) ([]uint64, error) {
	var ids []uint64
	for id, b := range t.s.d.bookings {
		if b.PaymentSessionID == sessionID && b.DeletedAt == nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (t *memTx) BookingsBySchedule(_ context.Context, scheduleID uint64) ([]model.Booking, error) {
	out := make([]model.Booking, 0)
	for _, b := range t.s.d.bookings {
		if b.ScheduleID == scheduleID && b.DeletedAt == nil {
			out = append(out, copyBooking(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) TransitionBooking(_ context.Context, id uint64, from, to model.BookingStatus) (bool, error) {
	b, ok := t.s.d.bookings[id]
	if !ok || b.DeletedAt != nil || b.Status != from {
		return false, nil
	}
	b.Status = to
	b.UpdatedAt = time.Now().UTC()
	t.s.d.bookings[id] = b
	return true, nil
}

func (t *memTx) ClaimRefund(_ context.Context, id uint64, at, staleBefore time.Time) (bool, error) {
	b, ok := t.s.d.bookings[id]
	if !ok || b.DeletedAt != nil || b.Status != model.BookingConfirmed {
		return false, nil
	}
	if b.RefundClaimedAt != nil && !b.RefundClaimedAt.Before(staleBefore) {
		return false, nil
	}
	claimed := at
	b.RefundClaimedAt = &claimed
	t.s.d.bookings[id] = b
	return true, nil
}

func (t *memTx) ReleaseRefund(_ context.Context, id uint64) error {
	if b, ok := t.s.d.bookings[id]; ok {
		b.RefundClaimedAt = nil
		t.s.d.bookings[id] = b
	}
	return nil
}

func (t *memTx) CancelAbandonedBookings(_ context.Context, cutoff time.Time) (int64, error) {
	var n int64
	for id, b := range t.s.d.bookings {
		if b.Status == model.BookingPending && b.PaymentSessionID == "" && b.DeletedAt == nil && b.CreatedAt.Before(cutoff) {
			b.Status = model.BookingCancelled
			t.s.d.bookings[id] = b
			n++
		}
	}
	return n, nil
}

func (t *memTx) DeleteCartByUser(_ context.Context, userID uint64) error {
	if t.s.CartErr != nil {
		return t.s.CartErr
	}
	delete(t.s.d.carts, userID)
	return nil
}

func (t *memTx) SaveParticipant(_ context.Context, userID uint64, p model.ParticipantData) error {
	if t.s.SaveParticipantErr != nil {
		return t.s.SaveParticipantErr
	}
	for _, existing := range t.s.d.saved[userID] {
		if p.DocumentID != "" && existing.DocumentID == p.DocumentID {
			return nil
		}
	}
	t.s.d.saved[userID] = append(t.s.d.saved[userID], p)
	return nil
}
