package repository

import (
	"context"
	"fmt"

	"github.com/iliyamo/tour-booking/internal/model"
)

// ScheduleRepo reads tour schedules.  Schedule and tour CRUD is owned by
// the catalogue module; this repository only exposes what capacity and
// pricing need, plus the status flip used by cascade cancellation.
type ScheduleRepo struct {
	db dbtx
}

const scheduleColumns = `id, tour_id, starts_at, max_participants, price_cents, status`

// ScheduleByID returns the schedule with the given id or ErrNotFound.
func (r *ScheduleRepo) ScheduleByID(ctx context.Context, id uint64) (*model.Schedule, error) {
	return r.loadSchedule(ctx, `SELECT `+scheduleColumns+` FROM tour_schedules WHERE id = ?`, id)
}

// LockSchedule is ScheduleByID with SELECT ... FOR UPDATE.  It must run
// inside a transaction; the lock is released at commit or rollback.
func (r *ScheduleRepo) LockSchedule(ctx context.Context, id uint64) (*model.Schedule, error) {
	return r.loadSchedule(ctx, `SELECT `+scheduleColumns+` FROM tour_schedules WHERE id = ? FOR UPDATE`, id)
}

func (r *ScheduleRepo) loadSchedule(ctx context.Context, q string, id uint64) (*model.Schedule, error) {
	var s model.Schedule
	var status string
	err := r.db.QueryRowContext(ctx, q, id).Scan(
		&s.ID, &s.TourID, &s.StartsAt, &s.MaxParticipants, &s.PriceCents, &status,
	)
	if err != nil {
		return nil, notFound(err)
	}
	s.Status = model.ScheduleStatus(status)
	s.StartsAt = s.StartsAt.UTC()
	// Tour names are read separately so the row lock above covers only
	// the schedule row.
	const names = `SELECT COALESCE(name_es, ''), COALESCE(name_en, ''), COALESCE(name_pt, '') FROM tours WHERE id = ?`
	var es, en, pt string
	if err := r.db.QueryRowContext(ctx, names, s.TourID).Scan(&es, &en, &pt); err != nil {
		return nil, fmt.Errorf("load tour %d names: %w", s.TourID, notFound(err))
	}
	s.TourNames = map[string]string{"es": es, "en": en, "pt": pt}
	return &s, nil
}

// UpdateScheduleStatus sets the status of a schedule.
func (r *ScheduleRepo) UpdateScheduleStatus(ctx context.Context, id uint64, status model.ScheduleStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE tour_schedules SET status = ?, updated_at = UTC_TIMESTAMP() WHERE id = ?`, string(status), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
