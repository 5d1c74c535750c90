package model

import "time"

// ScheduleStatus is the state of a tour departure.
type ScheduleStatus string

const (
	ScheduleActive    ScheduleStatus = "ACTIVE"
	ScheduleCancelled ScheduleStatus = "CANCELLED"
	ScheduleCompleted ScheduleStatus = "COMPLETED"
)

// Bookable reports whether new checkouts may reserve seats.
func (s ScheduleStatus) Bookable() bool {
	switch s {
	case ScheduleActive:
		return true
	case ScheduleCancelled, ScheduleCompleted:
		return false
	}
	return false
}

// Schedule is a dated departure of a tour.  It is referenced, never owned,
// by session items and bookings; tour and schedule CRUD live elsewhere.
//
// Fields:
//  MaxParticipants – hard capacity used by the ledger.
//  PriceCents      – authoritative per-participant price, tax inclusive.
//  TourNames       – tour name translations keyed by language code.
type Schedule struct {
	ID              uint64            // tour_schedules.id
	TourID          uint64            // tour_schedules.tour_id
	StartsAt        time.Time         // tour_schedules.starts_at
	MaxParticipants int               // tour_schedules.max_participants
	PriceCents      int64             // tour_schedules.price_cents
	Status          ScheduleStatus    // tour_schedules.status
	TourNames       map[string]string // tours.name_es / name_en / name_pt
}

// TourName picks the translation for lang, falling back to Spanish then
// any available name.
func (s *Schedule) TourName(lang string) string {
	if n, ok := s.TourNames[lang]; ok && n != "" {
		return n
	}
	if n, ok := s.TourNames["es"]; ok && n != "" {
		return n
	}
	for _, n := range s.TourNames {
		if n != "" {
			return n
		}
	}
	return ""
}
