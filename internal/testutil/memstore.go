// Package testutil provides in-memory stand-ins for the booking pipeline's
// collaborators: a Store, payment providers and an event publisher.
package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/iliyamo/tour-booking/internal/model"
	"github.com/iliyamo/tour-booking/internal/repository"
)

// MemStore is an in-memory repository.Store.  One mutex guards all data
// and WithinTx holds it for the whole callback, so transactions are fully
// serialized; that is stronger than the MySQL row locks and makes the
// concurrency tests deterministic about the invariant, not the schedule.
// A failing callback restores the state from before the transaction.
type MemStore struct {
	mu sync.Mutex
	d  memData

	// Failure injection for best-effort collaborators.
	CartErr            error
	SaveParticipantErr error
}

type memData struct {
	schedules   map[uint64]model.Schedule
	sessions    map[string]model.PaymentSession
	bookings    map[uint64]model.Booking
	carts       map[uint64]bool
	saved       map[uint64][]model.ParticipantData
	nextBooking uint64
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{d: memData{
		schedules: map[uint64]model.Schedule{},
		sessions:  map[string]model.PaymentSession{},
		bookings:  map[uint64]model.Booking{},
		carts:     map[uint64]bool{},
		saved:     map[uint64][]model.ParticipantData{},
	}}
}

var _ repository.Store = (*MemStore)(nil)

func (d memData) clone() memData {
	c := memData{
		schedules:   make(map[uint64]model.Schedule, len(d.schedules)),
		sessions:    make(map[string]model.PaymentSession, len(d.sessions)),
		bookings:    make(map[uint64]model.Booking, len(d.bookings)),
		carts:       make(map[uint64]bool, len(d.carts)),
		saved:       make(map[uint64][]model.ParticipantData, len(d.saved)),
		nextBooking: d.nextBooking,
	}
	for k, v := range d.schedules {
		c.schedules[k] = v
	}
	for k, v := range d.sessions {
		c.sessions[k] = copySession(v)
	}
	for k, v := range d.bookings {
		c.bookings[k] = copyBooking(v)
	}
	for k, v := range d.carts {
		c.carts[k] = v
	}
	for k, v := range d.saved {
		c.saved[k] = append([]model.ParticipantData(nil), v...)
	}
	return c
}

func copySession(s model.PaymentSession) model.PaymentSession {
	items := make([]model.PaymentSessionItem, len(s.Items))
	for i, it := range s.Items {
		it.Participants = append([]model.ParticipantData(nil), it.Participants...)
		items[i] = it
	}
	s.Items = items
	return s
}

func copyBooking(b model.Booking) model.Booking {
	b.Participants = append([]model.Participant(nil), b.Participants...)
	return b
}

// WithinTx runs fn with the store locked.
func (s *MemStore) WithinTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.d.clone()
	if err := fn(&memTx{s: s}); err != nil {
		s.d = snapshot
		return err
	}
	return nil
}

// auto runs one operation in autocommit mode.
func (s *MemStore) auto(fn func(tx *memTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&memTx{s: s})
}

// AddSchedule seeds a schedule.
func (s *MemStore) AddSchedule(sc model.Schedule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc.Status == "" {
		sc.Status = model.ScheduleActive
	}
	s.d.schedules[sc.ID] = sc
}

// AddCart gives userID an active cart.
func (s *MemStore) AddCart(userID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d.carts[userID] = true
}

// HasCart reports whether userID still has a cart.
func (s *MemStore) HasCart(userID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.carts[userID]
}

// SavedParticipants returns the saved list of userID.
func (s *MemStore) SavedParticipants(userID uint64) []model.ParticipantData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.ParticipantData(nil), s.d.saved[userID]...)
}

// PutSession stores a session as-is, replacing any with the same id.
func (s *MemStore) PutSession(sess model.PaymentSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d.sessions[sess.ID] = copySession(sess)
}

// PutBooking stores a booking, assigning an id when it has none.
func (s *MemStore) PutBooking(b model.Booking) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.ID == 0 {
		s.d.nextBooking++
		b.ID = s.d.nextBooking
	} else if b.ID > s.d.nextBooking {
		s.d.nextBooking = b.ID
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	s.d.bookings[b.ID] = copyBooking(b)
	return b.ID
}

// Bookings returns every booking ordered by id.
func (s *MemStore) Bookings() []model.Booking {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Booking, 0, len(s.d.bookings))
	for _, b := range s.d.bookings {
		out = append(out, copyBooking(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Sessions returns every session ordered by creation.
func (s *MemStore) Sessions() []model.PaymentSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.PaymentSession, 0, len(s.d.sessions))
	for _, v := range s.d.sessions {
		out = append(out, copySession(v))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Usage returns confirmed and held participants of a schedule, read
// atomically.  Held covers live reservations and paid items not yet
// booked.  now is read while the store is locked.
func (s *MemStore) Usage(scheduleID uint64, now func() time.Time) (confirmed, held int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memTx{s: s}
	confirmed, _ = tx.ConfirmedParticipants(context.Background(), scheduleID)
	reserved, _ := tx.ReservedParticipants(context.Background(), scheduleID, now(), 0)
	settling, _ := tx.SettlingParticipants(context.Background(), scheduleID)
	return confirmed, reserved + settling
}
