package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iliyamo/tour-booking/internal/config"
	"github.com/iliyamo/tour-booking/internal/model"
	"github.com/iliyamo/tour-booking/internal/payment"
	"github.com/iliyamo/tour-booking/internal/repository"
	"github.com/iliyamo/tour-booking/internal/testutil"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store    *testutil.MemStore
	webpay   *testutil.FakeProvider
	mp       *testutil.FakeProvider
	pub      *testutil.RecordingPublisher
	clock    *testutil.Clock
	ledger   *Ledger
	settler  *Settlement
	sessions *SessionService
	refunds  *RefundService

	cfg config.BookingConfig
	reg *payment.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  testutil.NewMemStore(),
		webpay: &testutil.FakeProvider{},
		mp:     &testutil.FakeProvider{},
		pub:    &testutil.RecordingPublisher{},
		clock:  testutil.NewClock(baseTime),
	}
	cfg := config.BookingConfig{
		SessionTTL:          30 * time.Minute,
		TaxRatePercent:      19,
		PriceToleranceCents: 1,
		RefundCutoff:        24 * time.Hour,
		SweepInterval:       time.Minute,
		AbandonTimeout:      30 * time.Minute,
	}
	f.cfg = cfg
	f.reg = payment.NewRegistry(f.webpay, f.mp)
	f.ledger = NewLedger(f.clock.Now)
	f.use(f.store)
	return f
}

// use rebuilds the services on top of store, which normally wraps f.store.
func (f *fixture) use(store repository.Store) {
	f.settler = NewSettlement(store, f.ledger, f.pub, f.cfg.TaxRatePercent)
	f.sessions = NewSessionService(store, f.reg, f.settler, f.ledger, f.cfg, true, f.clock.Now)
	f.refunds = NewRefundService(store, f.reg, f.pub, f.cfg.RefundCutoff, f.clock.Now)
}

// addSchedule seeds a schedule departing 72h after baseTime.
func (f *fixture) addSchedule(id uint64, max int, priceCents int64) {
	f.store.AddSchedule(model.Schedule{
		ID:              id,
		TourID:          100 + id,
		StartsAt:        baseTime.Add(72 * time.Hour),
		MaxParticipants: max,
		PriceCents:      priceCents,
		Status:          model.ScheduleActive,
		TourNames:       map[string]string{"es": fmt.Sprintf("Tour %d", id), "en": fmt.Sprintf("Tour %d EN", id)},
	})
}

func participants(n int) []model.ParticipantData {
	out := make([]model.ParticipantData, n)
	for i := range out {
		out[i] = model.ParticipantData{FullName: fmt.Sprintf("Traveller %d", i+1), DocumentID: fmt.Sprintf("DOC-%d", i+1)}
	}
	return out
}

func item(scheduleID uint64, n int) CreateSessionItem {
	return CreateSessionItem{ScheduleID: scheduleID, ParticipantCount: n, Participants: participants(n)}
}

func request(items ...CreateSessionItem) CreateSessionRequest {
	return CreateSessionRequest{
		Items:         items,
		Provider:      "WEBPAY",
		PaymentMethod: "webpay_plus",
		Currency:      "CLP",
		Language:      "es",
		ReturnURL:     "https://shop.example/return",
		CancelURL:     "https://shop.example/cancel",
	}
}

// checkout creates and confirms a session, failing the test on error.
func (f *fixture) checkout(t *testing.T, userID uint64, items ...CreateSessionItem) *ConfirmResult {
	t.Helper()
	ctx := context.Background()
	created, err := f.sessions.CreateSession(ctx, userID, request(items...))
	require.NoError(t, err)
	res, err := f.sessions.ConfirmSession(ctx, created.Token)
	require.NoError(t, err)
	require.Equal(t, model.SessionCompleted, res.Status)
	return res
}

func (f *fixture) session(t *testing.T, id string) *model.PaymentSession {
	t.Helper()
	s, err := f.store.SessionByID(context.Background(), id)
	require.NoError(t, err)
	return s
}

func (f *fixture) booking(t *testing.T, id uint64) *model.Booking {
	t.Helper()
	b, err := f.store.BookingByID(context.Background(), id)
	require.NoError(t, err)
	return b
}
