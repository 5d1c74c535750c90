package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/iliyamo/tour-booking/internal/config"
	"github.com/iliyamo/tour-booking/internal/model"
	"github.com/iliyamo/tour-booking/internal/payment"
	"github.com/iliyamo/tour-booking/internal/pricing"
	"github.com/iliyamo/tour-booking/internal/repository"
)

// CreateSessionItem is one requested line of a checkout.
type CreateSessionItem struct {
	ScheduleID       uint64                  `json:"schedule_id" validate:"required"`
	ParticipantCount int                     `json:"participant_count" validate:"required,min=1,max=50"`
	Participants     []model.ParticipantData `json:"participants" validate:"dive"`
	SpecialRequests  string                  `json:"special_requests" validate:"max=2000"`
}

// CreateSessionRequest is the checkout body.  TotalAmountCents is what the
// client displayed; the server recomputes it and only logs a mismatch.
type CreateSessionRequest struct {
	Items            []CreateSessionItem `json:"items" validate:"required,min=1,max=20,dive"`
	Provider         string              `json:"provider" validate:"required"`
	PaymentMethod    string              `json:"payment_method" validate:"required"`
	Currency         string              `json:"currency" validate:"required,len=3"`
	Language         string              `json:"language" validate:"omitempty,oneof=es en pt"`
	ReturnURL        string              `json:"return_url" validate:"required,url"`
	CancelURL        string              `json:"cancel_url" validate:"required,url"`
	TotalAmountCents int64               `json:"total_amount_cents" validate:"gte=0"`
}

// CreateSessionResult is what the client needs to send the payer to the
// provider.
type CreateSessionResult struct {
	SessionID        string              `json:"session_id"`
	Status           model.SessionStatus `json:"status"`
	Provider         model.Provider      `json:"provider"`
	TotalAmountCents int64               `json:"total_amount_cents"`
	Currency         string              `json:"currency"`
	RedirectURL      string              `json:"redirect_url,omitempty"`
	Token            string              `json:"token,omitempty"`
	QRCode           string              `json:"qr_code,omitempty"`
	QRCodeBase64     string              `json:"qr_code_base64,omitempty"`
	ExpiresAt        time.Time           `json:"expires_at"`
}

// ConfirmResult is the outcome of a confirmation.  Provider failures are
// reported here through Status, not as errors.
type ConfirmResult struct {
	SessionID  string              `json:"session_id"`
	Status     model.SessionStatus `json:"status"`
	BookingIDs []uint64            `json:"booking_ids"`
	Message    string              `json:"message,omitempty"`
}

// SessionService drives a payment session from checkout to settlement.
// It owns every transaction boundary of the pipeline; provider calls are
// always made outside transactions.
type SessionService struct {
	store     repository.Store
	providers *payment.Registry
	ledger    *Ledger
	settler   *Settlement
	cfg       config.BookingConfig
	testMode  bool
	now       func() time.Time
}

// NewSessionService wires the orchestrator.  now may be nil.
func NewSessionService(store repository.Store, providers *payment.Registry, settler *Settlement, ledger *Ledger,
	cfg config.BookingConfig, testMode bool, now func() time.Time) *SessionService {
	if now == nil {
		now = time.Now
	}
	return &SessionService{
		store:     store,
		providers: providers,
		ledger:    ledger,
		settler:   settler,
		cfg:       cfg,
		testMode:  testMode,
		now:       now,
	}
}

// CreateSession reserves capacity for every item and opens the provider
// transaction.
//
// Inside one transaction it locks the referenced schedules in ascending id
// order, checks each item against the ledger (excluding the actor's own
// reservations), cancels the actor's other PENDING sessions and inserts the
// new session as PENDING.  The provider is called after commit; if it
// fails the session becomes FAILED and PROVIDER_INIT_FAILED is returned.
func (s *SessionService) CreateSession(ctx context.Context, actorID uint64, req CreateSessionRequest) (*CreateSessionResult, error) {
	if err := validateCreate(req); err != nil {
		return nil, err
	}
	provider, err := model.ParseProvider(req.Provider)
	if err != nil {
		return nil, validationFailed(err.Error(), map[string]any{"field": "provider"})
	}
	adapter, err := s.providers.For(provider)
	if err != nil {
		return nil, validationFailed(err.Error(), map[string]any{"field": "provider"})
	}

	now := s.now().UTC()
	lang := req.Language
	if lang == "" {
		lang = "es"
	}
	sess := &model.PaymentSession{
		ID:            uuid.NewString(),
		UserID:        actorID,
		Currency:      strings.ToUpper(req.Currency),
		Language:      lang,
		Provider:      provider,
		PaymentMethod: req.PaymentMethod,
		ReturnURL:     req.ReturnURL,
		CancelURL:     req.CancelURL,
		ExpiresAt:     now.Add(s.cfg.SessionTTL),
		TestMode:      s.testMode,
		Status:        model.SessionPending,
		CreatedAt:     now,
	}

	err = s.store.WithinTx(ctx, func(tx repository.Tx) error {
		schedules, err := lockSchedules(ctx, tx, req.Items)
		if err != nil {
			return err
		}
		remaining := make(map[uint64]int, len(schedules))
		for id, sched := range schedules {
			if !sched.Status.Bookable() || !sched.StartsAt.After(now) {
				return validationFailed(fmt.Sprintf("schedule %d is not open for booking", id),
					map[string]any{"schedule_id": id, "status": sched.Status})
			}
			a, err := s.ledger.available(ctx, tx, sched, actorID)
			if err != nil {
				return err
			}
			remaining[id] = a.Available
		}

		var total int64
		for i, it := range req.Items {
			sched := schedules[it.ScheduleID]
			if it.ParticipantCount > remaining[it.ScheduleID] {
				log.WithFields(log.Fields{
					"user_id":     actorID,
					"schedule_id": it.ScheduleID,
					"requested":   it.ParticipantCount,
					"available":   remaining[it.ScheduleID],
				}).Info("checkout rejected: capacity")
				return capacityExceeded(i, it.ScheduleID, it.ParticipantCount, remaining[it.ScheduleID])
			}
			remaining[it.ScheduleID] -= it.ParticipantCount

			line := pricing.LineTotal(sched.PriceCents, it.ParticipantCount)
			total += line
			sess.Items = append(sess.Items, model.PaymentSessionItem{
				Position:         i,
				ScheduleID:       it.ScheduleID,
				TourName:         sched.TourName(lang),
				TourDate:         sched.StartsAt,
				ParticipantCount: it.ParticipantCount,
				UnitPriceCents:   sched.PriceCents,
				LineTotalCents:   line,
				SpecialRequests:  it.SpecialRequests,
				Participants:     it.Participants,
			})
		}
		sess.TotalAmountCents = total
		if req.TotalAmountCents > 0 && !pricing.WithinTolerance(req.TotalAmountCents, total, s.cfg.PriceToleranceCents) {
			log.WithFields(log.Fields{
				"session_id":   sess.ID,
				"user_id":      actorID,
				"client_cents": req.TotalAmountCents,
				"server_cents": total,
			}).Warn("client total differs from recomputed total, using recomputed")
		}

		n, err := tx.CancelPendingSessionsForUser(ctx, actorID, sess.ID)
		if err != nil {
			return err
		}
		if n > 0 {
			log.WithFields(log.Fields{"user_id": actorID, "cancelled": n}).Info("superseded pending sessions")
		}
		return tx.InsertSession(ctx, sess)
	})
	if err != nil {
		return nil, err
	}

	logger := log.WithFields(log.Fields{"session_id": sess.ID, "user_id": actorID, "provider": provider})
	started, err := adapter.Initialize(ctx, sess)
	if err == nil {
		started.Apply(sess)
		err = s.store.UpdateSessionProvider(ctx, sess)
	}
	if err != nil {
		logger.WithError(err).Warn("payment initialisation failed")
		if _, terr := s.store.TransitionSession(ctx, sess.ID, model.SessionPending, model.SessionFailed, truncate(err.Error())); terr != nil {
			logger.WithError(terr).Error("could not mark session failed")
		}
		return nil, providerInitFailed(provider, err)
	}
	logger.WithField("total_cents", sess.TotalAmountCents).Info("payment session created")

	return &CreateSessionResult{
		SessionID:        sess.ID,
		Status:           sess.Status,
		Provider:         sess.Provider,
		TotalAmountCents: sess.TotalAmountCents,
		Currency:         sess.Currency,
		RedirectURL:      sess.RedirectURL,
		Token:            sess.Token,
		QRCode:           sess.QRCode,
		QRCodeBase64:     sess.QRCodeBase64,
		ExpiresAt:        sess.ExpiresAt,
	}, nil
}

// lockSchedules locks every distinct schedule of items in ascending id
// order so concurrent checkouts over overlapping schedules cannot deadlock.
func lockSchedules(ctx context.Context, tx repository.Tx, items []CreateSessionItem) (map[uint64]*model.Schedule, error) {
	ids := make([]uint64, 0, len(items))
	seen := make(map[uint64]bool, len(items))
	for _, it := range items {
		if !seen[it.ScheduleID] {
			seen[it.ScheduleID] = true
			ids = append(ids, it.ScheduleID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make(map[uint64]*model.Schedule, len(ids))
	for _, id := range ids {
		sched, err := tx.LockSchedule(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFound("schedule", id)
		}
		if err != nil {
			return nil, err
		}
		out[id] = sched
	}
	return out, nil
}

func validateCreate(req CreateSessionRequest) error {
	if len(req.Items) == 0 {
		return validationFailed("at least one item is required", map[string]any{"field": "items"})
	}
	for i, it := range req.Items {
		if it.ScheduleID == 0 || it.ParticipantCount < 1 {
			return validationFailed(fmt.Sprintf("item %d needs a schedule and at least one participant", i),
				map[string]any{"item_index": i})
		}
		if len(it.Participants) != it.ParticipantCount {
			return validationFailed(fmt.Sprintf("item %d declares %d participants but lists %d", i, it.ParticipantCount, len(it.Participants)),
				map[string]any{"item_index": i})
		}
		for j, p := range it.Participants {
			if strings.TrimSpace(p.FullName) == "" {
				return validationFailed(fmt.Sprintf("item %d participant %d has no name", i, j),
					map[string]any{"item_index": i, "participant_index": j})
			}
		}
	}
	if req.ReturnURL == "" || req.CancelURL == "" {
		return validationFailed("return_url and cancel_url are required", nil)
	}
	return nil
}

// ConfirmSession confirms the session initialised with token.
func (s *SessionService) ConfirmSession(ctx context.Context, token string) (*ConfirmResult, error) {
	if token == "" {
		return nil, validationFailed("token is required", map[string]any{"field": "token"})
	}
	sess, err := s.store.SessionByToken(ctx, token)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, notFound("payment session", token)
	}
	if err != nil {
		return nil, err
	}
	return s.confirm(ctx, sess, "")
}

// ConfirmAsyncProviderSession confirms a session identified by a
// provider-generated reference.  lookupKey is tried as the provider
// reference first and then as the session id.  providerPaymentID, when
// known, is the payment to verify.
func (s *SessionService) ConfirmAsyncProviderSession(ctx context.Context, lookupKey, providerPaymentID string) (*ConfirmResult, error) {
	if lookupKey == "" && providerPaymentID == "" {
		return nil, validationFailed("payment reference is required", map[string]any{"field": "external_reference"})
	}
	var sess *model.PaymentSession
	var err error
	for _, key := range []string{lookupKey, providerPaymentID} {
		if key == "" {
			continue
		}
		sess, err = s.store.SessionByExternalID(ctx, key)
		if errors.Is(err, repository.ErrNotFound) {
			sess, err = s.store.SessionByID(ctx, key)
		}
		if !errors.Is(err, repository.ErrNotFound) {
			break
		}
	}
	if errors.Is(err, repository.ErrNotFound) {
		return nil, notFound("payment session", lookupKey)
	}
	if err != nil {
		return nil, err
	}
	return s.confirm(ctx, sess, providerPaymentID)
}

// ConfirmFromNotification confirms the session a provider notification
// refers to.  For the redirect/commit provider reference is the token;
// for the preference/webhook provider it is a payment id whose external
// reference names the session.
func (s *SessionService) ConfirmFromNotification(ctx context.Context, provider model.Provider, reference string) (*ConfirmResult, error) {
	switch provider {
	case model.ProviderWebpay:
		return s.ConfirmSession(ctx, reference)
	case model.ProviderMercadoPago:
		adapter, err := s.providers.For(provider)
		if err != nil {
			return nil, err
		}
		resolver, ok := adapter.(payment.ReferenceResolver)
		if !ok {
			return s.ConfirmAsyncProviderSession(ctx, reference, reference)
		}
		ref, err := resolver.PaymentReference(ctx, reference)
		if err != nil {
			return nil, fmt.Errorf("resolve payment %s: %w", reference, err)
		}
		return s.ConfirmAsyncProviderSession(ctx, ref, reference)
	}
	return nil, validationFailed(fmt.Sprintf("unsupported provider %q", provider), nil)
}

// confirm verifies the session with its provider.  candidatePaymentID is a
// caller-supplied payment to check; it is stored only once the provider
// has vouched for it.
func (s *SessionService) confirm(ctx context.Context, sess *model.PaymentSession, candidatePaymentID string) (*ConfirmResult, error) {
	logger := log.WithFields(log.Fields{"session_id": sess.ID, "user_id": sess.UserID, "provider": sess.Provider})

	switch sess.Status {
	case model.SessionCompleted:
		return s.settled(ctx, sess.ID)
	case model.SessionPending:
	case model.SessionFailed, model.SessionExpired, model.SessionCancelled, model.SessionRefunded:
		return nil, invalidSessionState(sess.ID, sess.Status, model.SessionPending)
	default:
		return nil, invalidSessionState(sess.ID, sess.Status, model.SessionPending)
	}

	if sess.ExpiredAt(s.now()) {
		if _, err := s.store.TransitionSession(ctx, sess.ID, model.SessionPending, model.SessionExpired, ""); err != nil {
			return nil, err
		}
		// Whoever changed the row first decides; a concurrent confirmation
		// that already completed still wins.
		if cur, err := s.store.SessionByID(ctx, sess.ID); err == nil && cur.Status == model.SessionCompleted {
			return s.settled(ctx, sess.ID)
		}
		logger.Info("confirmation after expiry rejected")
		return nil, sessionExpired(sess.ID, sess.ExpiresAt)
	}

	adapter, err := s.providers.For(sess.Provider)
	if err != nil {
		return nil, err
	}
	query := *sess
	if candidatePaymentID != "" {
		query.ProviderPaymentID = candidatePaymentID
	}
	res := adapter.Confirm(ctx, &query)
	if res.ProviderPaymentID != "" && res.ProviderPaymentID != sess.ProviderPaymentID {
		sess.ProviderPaymentID = res.ProviderPaymentID
		if err := s.store.UpdateSessionProvider(ctx, sess); err != nil {
			logger.WithError(err).Warn("could not store provider payment id")
		}
	}

	switch res.Status {
	case model.SessionCompleted:
		return s.complete(ctx, sess, logger)
	case model.SessionPending:
		logger.Info("payment still in process")
		return &ConfirmResult{SessionID: sess.ID, Status: model.SessionPending, BookingIDs: []uint64{}, Message: res.Message}, nil
	case model.SessionCancelled:
		return s.fail(ctx, sess, model.SessionCancelled, res.Message, logger)
	case model.SessionFailed, model.SessionExpired, model.SessionRefunded:
		return s.fail(ctx, sess, model.SessionFailed, res.Message, logger)
	}
	return s.fail(ctx, sess, model.SessionFailed, res.Message, logger)
}

// complete claims the session and settles it.
func (s *SessionService) complete(ctx context.Context, sess *model.PaymentSession, logger *log.Entry) (*ConfirmResult, error) {
	claimed, expired, err := s.claim(ctx, sess)
	if err != nil {
		return nil, err
	}
	if expired {
		logger.WithField("alert", "paid_after_expiry").
			Error("payment confirmed after the reservation expired, manual reconciliation required")
		return nil, sessionExpired(sess.ID, sess.ExpiresAt)
	}
	if !claimed {
		return s.lostRace(ctx, sess.ID)
	}

	ids, err := s.settler.Settle(ctx, sess)
	if err != nil {
		if rerr := s.store.RecordSessionError(ctx, sess.ID, truncate(err.Error())); rerr != nil {
			logger.WithError(rerr).Error("could not record settlement error")
		}
		return nil, err
	}

	if err := s.store.DeleteCartByUser(ctx, sess.UserID); err != nil {
		logger.WithError(err).Warn("cart clear failed")
	}
	logger.WithField("bookings", len(ids)).Info("payment session settled")
	return &ConfirmResult{SessionID: sess.ID, Status: model.SessionCompleted, BookingIDs: ids}, nil
}

// claim moves the session from PENDING to COMPLETED.  Expiry is re-read in
// the same transaction, so the seats pass from the live reservation to the
// settling hold without a gap.  The conditional update makes exactly one
// confirmer settle.  expired reports that this call moved the session to
// EXPIRED instead.
func (s *SessionService) claim(ctx context.Context, sess *model.PaymentSession) (claimed, expired bool, err error) {
	err = s.store.WithinTx(ctx, func(tx repository.Tx) error {
		var terr error
		if sess.ExpiredAt(s.now()) {
			expired, terr = tx.TransitionSession(ctx, sess.ID, model.SessionPending, model.SessionExpired,
				"payment confirmed after the reservation expired")
			return terr
		}
		claimed, terr = tx.TransitionSession(ctx, sess.ID, model.SessionPending, model.SessionCompleted, "")
		return terr
	})
	return claimed, expired, err
}

func (s *SessionService) fail(ctx context.Context, sess *model.PaymentSession, to model.SessionStatus, msg string, logger *log.Entry) (*ConfirmResult, error) {
	changed, err := s.store.TransitionSession(ctx, sess.ID, model.SessionPending, to, truncate(msg))
	if err != nil {
		return nil, err
	}
	if !changed {
		return s.lostRace(ctx, sess.ID)
	}
	logger.WithFields(log.Fields{"status": to, "reason": msg}).Info("payment not completed")
	return &ConfirmResult{SessionID: sess.ID, Status: to, BookingIDs: []uint64{}, Message: msg}, nil
}

// lostRace reports the outcome decided by whoever changed the session
// first.
func (s *SessionService) lostRace(ctx context.Context, id string) (*ConfirmResult, error) {
	cur, err := s.store.SessionByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status == model.SessionCompleted {
		return s.settled(ctx, id)
	}
	if cur.Status == model.SessionExpired {
		return nil, sessionExpired(id, cur.ExpiresAt)
	}
	return nil, invalidSessionState(id, cur.Status, model.SessionPending)
}

func (s *SessionService) settled(ctx context.Context, id string) (*ConfirmResult, error) {
	ids, err := s.store.BookingIDsBySession(ctx, id)
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []uint64{}
	}
	return &ConfirmResult{SessionID: id, Status: model.SessionCompleted, BookingIDs: ids}, nil
}

// CancelSession lets the owner abandon a PENDING session, releasing its
// reservation immediately.
func (s *SessionService) CancelSession(ctx context.Context, actorID uint64, id string) (*model.PaymentSession, error) {
	sess, err := s.ownedSession(ctx, actorID, id)
	if err != nil {
		return nil, err
	}
	changed, err := s.store.TransitionSession(ctx, id, model.SessionPending, model.SessionCancelled, "cancelled by user")
	if err != nil {
		return nil, err
	}
	if !changed {
		cur, err := s.store.SessionByID(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, invalidSessionState(id, cur.Status, model.SessionPending)
	}
	sess.Status = model.SessionCancelled
	log.WithFields(log.Fields{"session_id": id, "user_id": actorID}).Info("payment session cancelled by owner")
	return sess, nil
}

// Session returns the session if actorID owns it.
func (s *SessionService) Session(ctx context.Context, actorID uint64, id string) (*model.PaymentSession, error) {
	return s.ownedSession(ctx, actorID, id)
}

func (s *SessionService) ownedSession(ctx context.Context, actorID uint64, id string) (*model.PaymentSession, error) {
	sess, err := s.store.SessionByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, notFound("payment session", id)
	}
	if err != nil {
		return nil, err
	}
	// Someone else's session is reported as missing.
	if sess.UserID != actorID {
		return nil, notFound("payment session", id)
	}
	return sess, nil
}

// Availability is the public ledger read for one schedule.
func (s *SessionService) Availability(ctx context.Context, scheduleID uint64) (Availability, error) {
	return s.ledger.ComputeAvailable(ctx, s.store, scheduleID, 0)
}

// ExpirePendingSessions marks every PENDING session whose expiry is
// strictly before now as EXPIRED and returns how many changed.
func (s *SessionService) ExpirePendingSessions(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := s.store.WithinTx(ctx, func(tx repository.Tx) error {
		var err error
		n, err = tx.ExpirePendingSessions(ctx, now)
		return err
	})
	return n, err
}

// CancelAbandonedBookings cancels legacy unpaid bookings older than the
// abandon timeout.
func (s *SessionService) CancelAbandonedBookings(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := s.store.WithinTx(ctx, func(tx repository.Tx) error {
		var err error
		n, err = tx.CancelAbandonedBookings(ctx, now.Add(-s.cfg.AbandonTimeout))
		return err
	})
	return n, err
}

// truncate keeps error messages within the error_message column.
func truncate(msg string) string {
	const limit = 1000
	if len(msg) > limit {
		return msg[:limit]
	}
	return msg
}
