package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/iliyamo/tour-booking/internal/model"
)

// SessionRepo persists payment sessions and their line items.  Items are
// stored in payment_session_items with the participant snapshot kept as a
// JSON column; they are written once at creation and never updated.
type SessionRepo struct {
	db dbtx
}

const sessionColumns = `id, user_id, total_amount_cents, currency, language, provider, payment_method,
	return_url, cancel_url, token, external_id, provider_payment_id, redirect_url, qr_code, qr_code_base64,
	expires_at, test_mode, error_message, status, created_at, updated_at`

// InsertSession stores s and its items.  CreatedAt/UpdatedAt are set from
// the current UTC time when zero.
func (r *SessionRepo) InsertSession(ctx context.Context, s *model.PaymentSession) error {
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = s.CreatedAt
	const q = `INSERT INTO payment_sessions (id, user_id, total_amount_cents, currency, language, provider,
		payment_method, return_url, cancel_url, token, external_id, provider_payment_id, redirect_url, qr_code,
		qr_code_base64, expires_at, test_mode, error_message, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, q,
		s.ID, s.UserID, s.TotalAmountCents, s.Currency, s.Language, string(s.Provider),
		s.PaymentMethod, s.ReturnURL, s.CancelURL, nullString(s.Token), nullString(s.ExternalID),
		nullString(s.ProviderPaymentID), nullString(s.RedirectURL), nullString(s.QRCode),
		nullString(s.QRCodeBase64), s.ExpiresAt.UTC(), s.TestMode, nullString(s.ErrorMessage),
		string(s.Status), s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	if len(s.Items) == 0 {
		return nil
	}
	// One multi-row insert for all items.
	query := `INSERT INTO payment_session_items (session_id, position, schedule_id, tour_name, tour_date,
		participant_count, unit_price_cents, line_total_cents, special_requests, participants) VALUES `
	args := make([]any, 0, len(s.Items)*10)
	for i, it := range s.Items {
		if i > 0 {
			query += ","
		}
		query += "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		pj, err := json.Marshal(it.Participants)
		if err != nil {
			return fmt.Errorf("encode participants for item %d: %w", i, err)
		}
		args = append(args, s.ID, i, it.ScheduleID, it.TourName, it.TourDate.UTC(),
			it.ParticipantCount, it.UnitPriceCents, it.LineTotalCents, it.SpecialRequests, string(pj))
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert session items: %w", err)
	}
	return nil
}

// SessionByID loads a session and its items by primary key.
func (r *SessionRepo) SessionByID(ctx context.Context, id string) (*model.PaymentSession, error) {
	return r.loadSession(ctx, `SELECT `+sessionColumns+` FROM payment_sessions WHERE id = ?`, id)
}

// SessionByToken loads the session initialised with the given provider token.
func (r *SessionRepo) SessionByToken(ctx context.Context, token string) (*model.PaymentSession, error) {
	return r.loadSession(ctx, `SELECT `+sessionColumns+` FROM payment_sessions WHERE token = ?`, token)
}

// SessionByExternalID loads the session whose provider-side id or provider
// payment id equals externalID.
func (r *SessionRepo) SessionByExternalID(ctx context.Context, externalID string) (*model.PaymentSession, error) {
	return r.loadSession(ctx, `SELECT `+sessionColumns+` FROM payment_sessions
		WHERE external_id = ? OR provider_payment_id = ? ORDER BY created_at DESC LIMIT 1`, externalID, externalID)
}

// FundingSession returns the latest COMPLETED or REFUNDED session of the
// user that contains an item for the schedule.
func (r *SessionRepo) FundingSession(ctx context.Context, userID, scheduleID uint64) (*model.PaymentSession, error) {
	const q = `SELECT ` + sessionColumns + ` FROM payment_sessions
		WHERE user_id = ? AND status IN ('COMPLETED', 'REFUNDED')
		  AND id IN (SELECT session_id FROM payment_session_items WHERE schedule_id = ?)
		ORDER BY created_at DESC LIMIT 1`
	return r.loadSession(ctx, q, userID, scheduleID)
}

func (r *SessionRepo) loadSession(ctx context.Context, q string, args ...any) (*model.PaymentSession, error) {
	var s model.PaymentSession
	var provider, status string
	var token, externalID, paymentID, redirect, qr, qr64, errMsg sql.NullString
	err := r.db.QueryRowContext(ctx, q, args...).Scan(
		&s.ID, &s.UserID, &s.TotalAmountCents, &s.Currency, &s.Language, &provider, &s.PaymentMethod,
		&s.ReturnURL, &s.CancelURL, &token, &externalID, &paymentID, &redirect, &qr, &qr64,
		&s.ExpiresAt, &s.TestMode, &errMsg, &status, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	s.Provider = model.Provider(provider)
	s.Status = model.SessionStatus(status)
	s.Token, s.ExternalID, s.ProviderPaymentID = token.String, externalID.String, paymentID.String
	s.RedirectURL, s.QRCode, s.QRCodeBase64 = redirect.String, qr.String, qr64.String
	s.ErrorMessage = errMsg.String
	s.ExpiresAt = s.ExpiresAt.UTC()

	items, err := r.loadItems(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	s.Items = items
	return &s, nil
}

func (r *SessionRepo) loadItems(ctx context.Context, sessionID string) ([]model.PaymentSessionItem, error) {
	const q = `SELECT position, schedule_id, tour_name, tour_date, participant_count, unit_price_cents,
		line_total_cents, COALESCE(special_requests, ''), participants
		FROM payment_session_items WHERE session_id = ? ORDER BY position`
	rows, err := r.db.QueryContext(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []model.PaymentSessionItem
	for rows.Next() {
		var it model.PaymentSessionItem
		var raw []byte
		if err := rows.Scan(&it.Position, &it.ScheduleID, &it.TourName, &it.TourDate, &it.ParticipantCount,
			&it.UnitPriceCents, &it.LineTotalCents, &it.SpecialRequests, &raw); err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &it.Participants); err != nil {
				return nil, fmt.Errorf("decode participants of session %s item %d: %w", sessionID, it.Position, err)
			}
		}
		it.TourDate = it.TourDate.UTC()
		items = append(items, it)
	}
	return items, rows.Err()
}

// UpdateSessionProvider writes the provider references captured during
// initialisation or confirmation.
func (r *SessionRepo) UpdateSessionProvider(ctx context.Context, s *model.PaymentSession) error {
	const q = `UPDATE payment_sessions SET token = ?, external_id = ?, provider_payment_id = ?, redirect_url = ?,
		qr_code = ?, qr_code_base64 = ?, updated_at = UTC_TIMESTAMP() WHERE id = ?`
	res, err := r.db.ExecContext(ctx, q, nullString(s.Token), nullString(s.ExternalID),
		nullString(s.ProviderPaymentID), nullString(s.RedirectURL), nullString(s.QRCode),
		nullString(s.QRCodeBase64), s.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// TransitionSession is a compare-and-set on the status column.  The WHERE
// clause on the current status makes it the race breaker between
// confirmation, expiry and cancellation.
func (r *SessionRepo) TransitionSession(ctx context.Context, id string, from, to model.SessionStatus, errMsg string) (bool, error) {
	q := `UPDATE payment_sessions SET status = ?, updated_at = UTC_TIMESTAMP()`
	args := []any{string(to)}
	if errMsg != "" {
		q += `, error_message = ?`
		args = append(args, errMsg)
	}
	q += ` WHERE id = ? AND status = ?`
	args = append(args, id, string(from))
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RecordSessionError sets error_message, used when a paid session could
// not be fully settled.
func (r *SessionRepo) RecordSessionError(ctx context.Context, id, msg string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE payment_sessions SET error_message = ?, updated_at = UTC_TIMESTAMP() WHERE id = ?`, msg, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// CancelPendingSessionsForUser cancels the user's other open checkouts.
func (r *SessionRepo) CancelPendingSessionsForUser(ctx context.Context, userID uint64, exceptID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE payment_sessions SET status = 'CANCELLED',
		error_message = 'superseded by a newer checkout', updated_at = UTC_TIMESTAMP()
		WHERE user_id = ? AND status = 'PENDING' AND id <> ?`, userID, exceptID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ExpirePendingSessions bulk-expires sessions strictly past their deadline.
func (r *SessionRepo) ExpirePendingSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE payment_sessions SET status = 'EXPIRED', updated_at = UTC_TIMESTAMP()
		WHERE status = 'PENDING' AND expires_at < ?`, now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ReservedParticipants sums participants held by live sessions on a schedule.
func (r *SessionRepo) ReservedParticipants(ctx context.Context, scheduleID uint64, now time.Time, excludeUserID uint64) (int, error) {
	var b strings.Builder
	b.WriteString(`SELECT COALESCE(SUM(i.participant_count), 0)
		FROM payment_session_items i
		JOIN payment_sessions s ON s.id = i.session_id
		WHERE i.schedule_id = ? AND s.status = 'PENDING' AND s.expires_at >= ?`)
	args := []any{scheduleID, now.UTC()}
	if excludeUserID != 0 {
		b.WriteString(` AND s.user_id <> ?`)
		args = append(args, excludeUserID)
	}
	var n int
	if err := r.db.QueryRowContext(ctx, b.String(), args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// SettlingParticipants sums participants of paid items still waiting for
// their booking row.  A recorded error_message marks a settlement that
// stopped, which releases its remaining items.
func (r *SessionRepo) SettlingParticipants(ctx context.Context, scheduleID uint64) (int, error) {
	const q = `SELECT COALESCE(SUM(i.participant_count), 0)
		FROM payment_session_items i
		JOIN payment_sessions s ON s.id = i.session_id
		WHERE i.schedule_id = ? AND s.status = 'COMPLETED' AND COALESCE(s.error_message, '') = ''
		  AND NOT EXISTS (SELECT 1 FROM bookings b WHERE b.payment_session_id = s.id AND b.schedule_id = i.schedule_id)`
	var n int
	if err := r.db.QueryRowContext(ctx, q, scheduleID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
