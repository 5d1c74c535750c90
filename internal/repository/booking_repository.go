package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/iliyamo/tour-booking/internal/model"
)

// BookingRepo persists bookings and their participant rows.
// booking_participants references bookings with ON DELETE CASCADE, so a
// hard delete of a booking removes its participants.
type BookingRepo struct {
	db dbtx
}

const bookingColumns = `id, user_id, schedule_id, payment_session_id, tour_date, status, subtotal_cents,
	tax_cents, total_cents, language, special_requests, created_at, updated_at, deleted_at, reminder_sent_at,
	refund_claimed_at`

// InsertBooking stores b and its participants and fills in the generated ids.
func (r *BookingRepo) InsertBooking(ctx context.Context, b *model.Booking) error {
	now := time.Now().UTC()
	b.CreatedAt, b.UpdatedAt = now, now
	const q = `INSERT INTO bookings (user_id, schedule_id, payment_session_id, tour_date, status, subtotal_cents,
		tax_cents, total_cents, language, special_requests, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, q, b.UserID, b.ScheduleID, nullString(b.PaymentSessionID), b.TourDate.UTC(),
		string(b.Status), b.SubtotalCents, b.TaxCents, b.TotalCents, b.Language, b.SpecialRequests, now, now)
	if err != nil {
		return fmt.Errorf("insert booking: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	b.ID = uint64(id)
	if len(b.Participants) == 0 {
		return nil
	}
	query := `INSERT INTO booking_participants (booking_id, full_name, document_id, nationality, date_of_birth,
		pickup_address, email, phone, is_self) VALUES `
	args := make([]any, 0, len(b.Participants)*9)
	for i := range b.Participants {
		p := &b.Participants[i]
		p.BookingID = b.ID
		if i > 0 {
			query += ","
		}
		query += "(?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args, b.ID, p.FullName, p.DocumentID, p.Nationality, p.DateOfBirth,
			p.PickupAddress, p.Email, p.Phone, p.IsSelf)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert participants of booking %d: %w", b.ID, err)
	}
	return nil
}

// BookingByID loads a non-deleted booking with its participants.
func (r *BookingRepo) BookingByID(ctx context.Context, id uint64) (*model.Booking, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ? AND deleted_at IS NULL`, id)
	b, err := scanBooking(row)
	if err != nil {
		return nil, notFound(err)
	}
	parts, err := r.participants(ctx, []uint64{b.ID})
	if err != nil {
		return nil, err
	}
	b.Participants = parts[b.ID]
	return b, nil
}

// BookingIDsBySession lists the bookings settled from a session in
// creation order, which is the session's line-item order.
func (r *BookingRepo) BookingIDsBySession(ctx context.Context, sessionID string) ([]uint64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM bookings WHERE payment_session_id = ? AND deleted_at IS NULL ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// BookingsBySchedule returns every non-deleted booking on a schedule with
// participants, oldest first.
func (r *BookingRepo) BookingsBySchedule(ctx context.Context, scheduleID uint64) ([]model.Booking, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+bookingColumns+` FROM bookings
		WHERE schedule_id = ? AND deleted_at IS NULL ORDER BY id`, scheduleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	bookings := make([]model.Booking, 0)
	index := make(map[uint64]int)
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		index[b.ID] = len(bookings)
		bookings = append(bookings, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(bookings) == 0 {
		return bookings, nil
	}
	ids := make([]uint64, 0, len(bookings))
	for _, b := range bookings {
		ids = append(ids, b.ID)
	}
	parts, err := r.participants(ctx, ids)
	if err != nil {
		return nil, err
	}
	for id, ps := range parts {
		if idx, ok := index[id]; ok {
			bookings[idx].Participants = ps
		}
	}
	return bookings, nil
}

// ConfirmedParticipants counts participant rows on the schedule's
// non-cancelled, non-deleted bookings.
func (r *BookingRepo) ConfirmedParticipants(ctx context.Context, scheduleID uint64) (int, error) {
	const q = `SELECT COUNT(*) FROM booking_participants bp
		JOIN bookings b ON b.id = bp.booking_id
		WHERE b.schedule_id = ? AND b.status <> 'CANCELLED' AND b.deleted_at IS NULL`
	var n int
	if err := r.db.QueryRowContext(ctx, q, scheduleID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// TransitionBooking is a compare-and-set on the booking status.
func (r *BookingRepo) TransitionBooking(ctx context.Context, id uint64, from, to model.BookingStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE bookings SET status = ?, updated_at = UTC_TIMESTAMP()
		WHERE id = ? AND status = ? AND deleted_at IS NULL`, string(to), id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ClaimRefund sets refund_claimed_at on a CONFIRMED booking that has no
// claim or only one older than staleBefore.
func (r *BookingRepo) ClaimRefund(ctx context.Context, id uint64, at, staleBefore time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE bookings SET refund_claimed_at = ?, updated_at = UTC_TIMESTAMP()
		WHERE id = ? AND status = 'CONFIRMED' AND deleted_at IS NULL
		AND (refund_claimed_at IS NULL OR refund_claimed_at < ?)`, at.UTC(), id, staleBefore.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseRefund clears the refund claim.
func (r *BookingRepo) ReleaseRefund(ctx context.Context, id uint64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE bookings SET refund_claimed_at = NULL, updated_at = UTC_TIMESTAMP()
		WHERE id = ?`, id)
	return err
}

// CancelAbandonedBookings cancels unpaid legacy bookings created before cutoff.
func (r *BookingRepo) CancelAbandonedBookings(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE bookings SET status = 'CANCELLED', updated_at = UTC_TIMESTAMP()
		WHERE status = 'PENDING' AND payment_session_id IS NULL AND created_at < ? AND deleted_at IS NULL`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *BookingRepo) participants(ctx context.Context, bookingIDs []uint64) (map[uint64][]model.Participant, error) {
	ids := make([]any, 0, len(bookingIDs))
	placeholders := make([]string, 0, len(bookingIDs))
	for _, id := range bookingIDs {
		ids = append(ids, id)
		placeholders = append(placeholders, "?")
	}
	q := `SELECT id, booking_id, full_name, COALESCE(document_id, ''), COALESCE(nationality, ''), date_of_birth,
		COALESCE(pickup_address, ''), COALESCE(email, ''), COALESCE(phone, ''), is_self
		FROM booking_participants WHERE booking_id IN (` + strings.Join(placeholders, ",") + `) ORDER BY booking_id, id`
	rows, err := r.db.QueryContext(ctx, q, ids...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[uint64][]model.Participant, len(bookingIDs))
	for rows.Next() {
		var p model.Participant
		var dob sql.NullTime
		if err := rows.Scan(&p.ID, &p.BookingID, &p.FullName, &p.DocumentID, &p.Nationality, &dob,
			&p.PickupAddress, &p.Email, &p.Phone, &p.IsSelf); err != nil {
			return nil, err
		}
		if dob.Valid {
			t := dob.Time.UTC()
			p.DateOfBirth = &t
		}
		out[p.BookingID] = append(out[p.BookingID], p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row rowScanner) (*model.Booking, error) {
	var b model.Booking
	var sessionID sql.NullString
	var status string
	var specialRequests sql.NullString
	var deletedAt, reminderAt, claimedAt sql.NullTime
	if err := row.Scan(&b.ID, &b.UserID, &b.ScheduleID, &sessionID, &b.TourDate, &status, &b.SubtotalCents,
		&b.TaxCents, &b.TotalCents, &b.Language, &specialRequests, &b.CreatedAt, &b.UpdatedAt,
		&deletedAt, &reminderAt, &claimedAt); err != nil {
		return nil, err
	}
	b.PaymentSessionID = sessionID.String
	b.Status = model.BookingStatus(status)
	b.SpecialRequests = specialRequests.String
	b.TourDate = b.TourDate.UTC()
	if deletedAt.Valid {
		t := deletedAt.Time
		b.DeletedAt = &t
	}
	if reminderAt.Valid {
		t := reminderAt.Time
		b.ReminderSentAt = &t
	}
	if claimedAt.Valid {
		t := claimedAt.Time
		b.RefundClaimedAt = &t
	}
	return &b, nil
}
