package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/tour-booking/internal/model"
)

var refTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newMock(t *testing.T) (*MySQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return NewMySQLStore(db), mock
}

func q(s string) string { return regexp.QuoteMeta(s) }

func TestTransitionSessionIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	store, mock := newMock(t)
	const cas = `UPDATE payment_sessions SET status = ?, updated_at = UTC_TIMESTAMP() WHERE id = ? AND status = ?`

	mock.ExpectExec(q(cas)).WithArgs("COMPLETED", "s-1", "PENDING").WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := store.TransitionSession(ctx, "s-1", model.SessionPending, model.SessionCompleted, "")
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectExec(q(cas)).WithArgs("COMPLETED", "s-1", "PENDING").WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err = store.TransitionSession(ctx, "s-1", model.SessionPending, model.SessionCompleted, "")
	require.NoError(t, err)
	assert.False(t, ok, "another writer moved the row first")

	mock.ExpectExec(q(`SET status = ?, updated_at = UTC_TIMESTAMP(), error_message = ? WHERE id = ? AND status = ?`)).
		WithArgs("FAILED", "card declined", "s-2", "PENDING").WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err = store.TransitionSession(ctx, "s-2", model.SessionPending, model.SessionFailed, "card declined")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTransitionBookingRowsAffectedError(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec(q(`UPDATE bookings SET status = ?, updated_at = UTC_TIMESTAMP() WHERE id = ? AND status = ? AND deleted_at IS NULL`)).
		WithArgs("CANCELLED", uint64(4), "CONFIRMED").
		WillReturnResult(sqlmock.NewErrorResult(errors.New("driver lost count")))
	ok, err := store.TransitionBooking(context.Background(), 4, model.BookingConfirmed, model.BookingCancelled)
	assert.ErrorContains(t, err, "driver lost count")
	assert.False(t, ok)
}

func TestLockScheduleTakesRowLock(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery(q(`SELECT id, tour_id, starts_at, max_participants, price_cents, status FROM tour_schedules WHERE id = ? FOR UPDATE`)).
		WithArgs(uint64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "tour_id", "starts_at", "max_participants", "price_cents", "status"}).
			AddRow(7, 107, refTime, 12, 5000, "ACTIVE"))
	mock.ExpectQuery(q(`FROM tours WHERE id = ?`)).WithArgs(uint64(107)).
		WillReturnRows(sqlmock.NewRows([]string{"es", "en", "pt"}).AddRow("Valle de la Luna", "Moon Valley", ""))

	s, err := store.LockSchedule(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 12, s.MaxParticipants)
	assert.Equal(t, int64(5000), s.PriceCents)
	assert.Equal(t, "Moon Valley", s.TourNames["en"])
	assert.Equal(t, time.UTC, s.StartsAt.Location())
}

func TestLockScheduleNotFound(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery(q(`FOR UPDATE`)).WithArgs(uint64(9)).WillReturnError(sql.ErrNoRows)
	_, err := store.LockSchedule(context.Background(), 9)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateScheduleStatusMissingRow(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec(q(`UPDATE tour_schedules SET status = ?`)).WithArgs("CANCELLED", uint64(3)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, store.UpdateScheduleStatus(context.Background(), 3, model.ScheduleCancelled), ErrNotFound)
}

// A session expiring exactly now still holds seats; the sweep only
// takes sessions strictly past their deadline.
func TestExpiryBoundaries(t *testing.T) {
	ctx := context.Background()
	store, mock := newMock(t)

	mock.ExpectQuery(q(`WHERE i.schedule_id = ? AND s.status = 'PENDING' AND s.expires_at >= ?`)).
		WithArgs(uint64(1), refTime).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(5))
	n, err := store.ReservedParticipants(ctx, 1, refTime, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	mock.ExpectQuery(q(`AND s.expires_at >= ? AND s.user_id <> ?`)).
		WithArgs(uint64(1), refTime, uint64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(2))
	n, err = store.ReservedParticipants(ctx, 1, refTime, 9)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	mock.ExpectExec(q(`UPDATE payment_sessions SET status = 'EXPIRED', updated_at = UTC_TIMESTAMP() WHERE status = 'PENDING' AND expires_at < ?`)).
		WithArgs(refTime).
		WillReturnResult(sqlmock.NewResult(0, 3))
	expired, err := store.ExpirePendingSessions(ctx, refTime)
	require.NoError(t, err)
	assert.Equal(t, int64(3), expired)
}

func TestReservedParticipantsConvertsToUTC(t *testing.T) {
	store, mock := newMock(t)
	local := refTime.In(time.FixedZone("CLT", -3*3600))
	mock.ExpectQuery(q(`s.expires_at >= ?`)).WithArgs(uint64(1), refTime).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(0))
	_, err := store.ReservedParticipants(context.Background(), 1, local, 0)
	require.NoError(t, err)
}

func TestSettlingParticipantsQuery(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery(q(`WHERE i.schedule_id = ? AND s.status = 'COMPLETED' AND COALESCE(s.error_message, '') = '' `+
		`AND NOT EXISTS (SELECT 1 FROM bookings b WHERE b.payment_session_id = s.id AND b.schedule_id = i.schedule_id)`)).
		WithArgs(uint64(4)).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(3))
	n, err := store.SettlingParticipants(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestCancelAbandonedBookingsFilter(t *testing.T) {
	store, mock := newMock(t)
	cutoff := refTime.Add(-30 * time.Minute)
	mock.ExpectExec(q(`UPDATE bookings SET status = 'CANCELLED', updated_at = UTC_TIMESTAMP() `+
		`WHERE status = 'PENDING' AND payment_session_id IS NULL AND created_at < ? AND deleted_at IS NULL`)).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 2))
	n, err := store.CancelAbandonedBookings(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestClaimRefund(t *testing.T) {
	ctx := context.Background()
	store, mock := newMock(t)
	stale := refTime.Add(-10 * time.Minute)
	const claim = `UPDATE bookings SET refund_claimed_at = ?, updated_at = UTC_TIMESTAMP() ` +
		`WHERE id = ? AND status = 'CONFIRMED' AND deleted_at IS NULL AND (refund_claimed_at IS NULL OR refund_claimed_at < ?)`

	mock.ExpectExec(q(claim)).WithArgs(refTime, uint64(4), stale).WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := store.ClaimRefund(ctx, 4, refTime, stale)
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectExec(q(claim)).WithArgs(refTime, uint64(4), stale).WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err = store.ClaimRefund(ctx, 4, refTime, stale)
	require.NoError(t, err)
	assert.False(t, ok, "claim already held")

	mock.ExpectExec(q(`UPDATE bookings SET refund_claimed_at = NULL`)).WithArgs(uint64(4)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.ReleaseRefund(ctx, 4))
}

func TestBookingByIDScansRefundClaim(t *testing.T) {
	store, mock := newMock(t)
	cols := []string{"id", "user_id", "schedule_id", "payment_session_id", "tour_date", "status", "subtotal_cents",
		"tax_cents", "total_cents", "language", "special_requests", "created_at", "updated_at", "deleted_at",
		"reminder_sent_at", "refund_claimed_at"}
	mock.ExpectQuery(q(`FROM bookings WHERE id = ? AND deleted_at IS NULL`)).WithArgs(uint64(4)).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(4, 7, 1, "s-1", refTime, "CONFIRMED", 4202, 798, 5000, "es", nil, refTime, refTime, nil, nil, refTime))
	mock.ExpectQuery(q(`FROM booking_participants WHERE booking_id IN (?)`)).WithArgs(uint64(4)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "booking_id", "full_name", "document_id", "nationality",
			"date_of_birth", "pickup_address", "email", "phone", "is_self"}).
			AddRow(1, 4, "Ana", "", "", nil, "", "", "", true))

	b, err := store.BookingByID(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, "s-1", b.PaymentSessionID)
	require.NotNil(t, b.RefundClaimedAt)
	assert.Nil(t, b.DeletedAt)
	assert.Equal(t, 1, b.ParticipantCount())
}

func TestWithinTx(t *testing.T) {
	ctx := context.Background()
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(q(`FOR UPDATE`)).WithArgs(uint64(1)).WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()
	err := store.WithinTx(ctx, func(tx Tx) error {
		_, err := tx.LockSchedule(ctx, 1)
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)

	mock.ExpectBegin()
	mock.ExpectExec(q(`UPDATE payment_sessions SET status = ?`)).WithArgs("COMPLETED", "s-1", "PENDING").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	err = store.WithinTx(ctx, func(tx Tx) error {
		_, err := tx.TransitionSession(ctx, "s-1", model.SessionPending, model.SessionCompleted, "")
		return err
	})
	require.NoError(t, err)
}
