package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/tour-booking/internal/model"
	"github.com/iliyamo/tour-booking/internal/queue"
	"github.com/iliyamo/tour-booking/internal/testutil"
)

func TestRefundConfirmedBooking(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addSchedule(1, 10, 5000)
	paid := f.checkout(t, 7, item(1, 2))
	bookingID := paid.BookingIDs[0]

	res, err := f.refunds.Refund(ctx, bookingID, false, 0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRefunded, res.Outcome)
	assert.False(t, res.LocalOnly())
	assert.Equal(t, int64(10000), res.AmountCents)
	assert.Equal(t, paid.SessionID, res.SessionID)
	assert.Equal(t, model.ProviderWebpay, res.Provider)
	assert.NotEmpty(t, res.RefundID)

	assert.Equal(t, model.BookingCancelled, f.booking(t, bookingID).Status)
	assert.Equal(t, model.SessionRefunded, f.session(t, paid.SessionID).Status)
	assert.Equal(t, []int64{10000}, f.webpay.Refunded())
	assert.Equal(t, 1, f.pub.Count(queue.RefundConfirmed))

	a, err := f.sessions.Availability(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 10, a.Available, "seats released")
}

func TestRefundPartialAmount(t *testing.T) {
	f := newFixture(t)
	f.addSchedule(1, 10, 5000)
	paid := f.checkout(t, 7, item(1, 2))

	res, err := f.refunds.Refund(context.Background(), paid.BookingIDs[0], true, 2500)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), res.AmountCents)

	_, err = f.refunds.Refund(context.Background(), paid.BookingIDs[0], true, 0)
	assert.Equal(t, CodeInvalidBookingState, CodeOf(err), "already cancelled")
}

func TestRefundAmountAboveTotal(t *testing.T) {
	f := newFixture(t)
	f.addSchedule(1, 10, 5000)
	paid := f.checkout(t, 7, item(1, 1))

	_, err := f.refunds.Refund(context.Background(), paid.BookingIDs[0], true, 5001)
	assert.Equal(t, CodeValidationFailed, CodeOf(err))
	_, _, refunds := f.webpay.Calls()
	assert.Zero(t, refunds)
}

func TestRefundPolicyCutoff(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addSchedule(1, 10, 5000)
	paid := f.checkout(t, 7, item(1, 1))

	// Ten hours before departure.
	f.clock.Set(baseTime.Add(62 * time.Hour))
	_, err := f.refunds.Refund(ctx, paid.BookingIDs[0], false, 0)
	var se *Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, CodeRefundPolicyViolation, se.Code())
	assert.InDelta(t, 10.0, se.Details()["hours_remaining"], 0.001)
	assert.Equal(t, model.BookingConfirmed, f.booking(t, paid.BookingIDs[0]).Status)

	_, err = f.refunds.CancelOwnBooking(ctx, 7, paid.BookingIDs[0])
	assert.Equal(t, CodeRefundPolicyViolation, CodeOf(err))

	res, err := f.refunds.Refund(ctx, paid.BookingIDs[0], true, 0)
	require.NoError(t, err, "admin override skips the cutoff")
	assert.Equal(t, OutcomeRefunded, res.Outcome)
}

func TestRefundAtCutoffIsAllowed(t *testing.T) {
	f := newFixture(t)
	f.addSchedule(1, 10, 5000)
	paid := f.checkout(t, 7, item(1, 1))

	f.clock.Set(baseTime.Add(48 * time.Hour))
	_, err := f.refunds.Refund(context.Background(), paid.BookingIDs[0], false, 0)
	assert.NoError(t, err)
}

func TestRefundProviderFailureKeepsBooking(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addSchedule(1, 10, 5000)
	paid := f.checkout(t, 7, item(1, 1))
	f.webpay.RefundErr = errors.New("transaction not reversible")

	_, err := f.refunds.Refund(ctx, paid.BookingIDs[0], false, 0)
	assert.Equal(t, CodeRefundProviderFailed, CodeOf(err))
	assert.Contains(t, err.Error(), "not reversible")

	assert.Equal(t, model.BookingConfirmed, f.booking(t, paid.BookingIDs[0]).Status)
	assert.Equal(t, model.SessionCompleted, f.session(t, paid.SessionID).Status)
	assert.Zero(t, f.pub.Count(queue.RefundConfirmed))
}

func TestRefundProviderFailureReleasesClaim(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addSchedule(1, 10, 5000)
	paid := f.checkout(t, 7, item(1, 1))
	id := paid.BookingIDs[0]
	f.webpay.RefundErr = errors.New("issuer timeout")

	_, err := f.refunds.Refund(ctx, id, true, 0)
	assert.Equal(t, CodeRefundProviderFailed, CodeOf(err))
	assert.Nil(t, f.booking(t, id).RefundClaimedAt)

	f.webpay.RefundErr = nil
	_, err = f.refunds.Refund(ctx, id, true, 0)
	require.NoError(t, err)
	key := fmt.Sprintf("refund-%s-%d", paid.SessionID, id)
	assert.Equal(t, []string{key, key}, f.webpay.RefundKeys(), "a retry reuses the idempotency key")
}

func TestConcurrentRefundsReachProviderOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addSchedule(1, 10, 5000)
	paid := f.checkout(t, 7, item(1, 2))
	id := paid.BookingIDs[0]

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.webpay.RefundHook = func() {
		once.Do(func() { close(entered) })
		<-release
	}

	type outcome struct {
		res *RefundResult
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		res, err := f.refunds.Refund(ctx, id, true, 0)
		first <- outcome{res, err}
	}()
	<-entered

	_, err := f.refunds.Refund(ctx, id, true, 0)
	assert.Equal(t, CodeInvalidBookingState, CodeOf(err))
	var se *Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, true, se.Details()["refund_in_progress"])

	close(release)
	got := <-first
	require.NoError(t, got.err)
	assert.Equal(t, OutcomeRefunded, got.res.Outcome)

	assert.Equal(t, []int64{10000}, f.webpay.Refunded())
	_, _, calls := f.webpay.Calls()
	assert.Equal(t, 1, calls)
	assert.Equal(t, model.BookingCancelled, f.booking(t, id).Status)
	assert.Equal(t, 1, f.pub.Count(queue.RefundConfirmed))
}

func TestRefundClaimExpires(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addSchedule(1, 10, 5000)
	paid := f.checkout(t, 7, item(1, 1))
	id := paid.BookingIDs[0]

	ok, err := f.store.ClaimRefund(ctx, id, baseTime, baseTime.Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.refunds.Refund(ctx, id, true, 0)
	assert.Equal(t, CodeInvalidBookingState, CodeOf(err))
	_, _, calls := f.webpay.Calls()
	assert.Zero(t, calls)

	// A claim left behind by a crashed refund stops blocking after the TTL.
	f.clock.Advance(refundClaimTTL + time.Second)
	res, err := f.refunds.Refund(ctx, id, true, 0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRefunded, res.Outcome)
}

func TestRefundWithoutFundingSession(t *testing.T) {
	f := newFixture(t)
	f.addSchedule(1, 10, 5000)
	id := f.store.PutBooking(model.Booking{UserID: 7, ScheduleID: 1, Status: model.BookingConfirmed,
		TotalCents: 5000, TourDate: baseTime.Add(72 * time.Hour), Participants: make([]model.Participant, 1)})

	res, err := f.refunds.Refund(context.Background(), id, false, 0)
	require.NoError(t, err)
	assert.True(t, res.LocalOnly())
	assert.Equal(t, model.BookingCancelled, f.booking(t, id).Status)
	_, _, refunds := f.webpay.Calls()
	assert.Zero(t, refunds)
	assert.Equal(t, 1, f.pub.Count(queue.BookingCancelled))
}

func TestRefundFindsSessionByUserAndSchedule(t *testing.T) {
	f := newFixture(t)
	f.addSchedule(1, 10, 5000)
	paid := f.checkout(t, 7, item(1, 1))
	// Booking recorded without its session reference.
	id := f.store.PutBooking(model.Booking{UserID: 7, ScheduleID: 1, Status: model.BookingConfirmed,
		TotalCents: 5000, TourDate: baseTime.Add(72 * time.Hour), Participants: make([]model.Participant, 1)})

	res, err := f.refunds.Refund(context.Background(), id, false, 0)
	require.NoError(t, err)
	assert.Equal(t, paid.SessionID, res.SessionID)
}

func TestRefundStates(t *testing.T) {
	f := newFixture(t)
	f.addSchedule(1, 10, 5000)
	pending := f.store.PutBooking(model.Booking{UserID: 7, ScheduleID: 1, Status: model.BookingPending})
	done := f.store.PutBooking(model.Booking{UserID: 7, ScheduleID: 1, Status: model.BookingCompleted})

	_, err := f.refunds.Refund(context.Background(), pending, true, 0)
	assert.Equal(t, CodeInvalidBookingState, CodeOf(err))
	_, err = f.refunds.Refund(context.Background(), done, true, 0)
	assert.Equal(t, CodeInvalidBookingState, CodeOf(err))
	_, err = f.refunds.Refund(context.Background(), 404, true, 0)
	assert.Equal(t, CodeNotFound, CodeOf(err))
}

func TestCancelOwnBooking(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addSchedule(1, 10, 5000)
	paid := f.checkout(t, 7, item(1, 1))

	_, err := f.refunds.CancelOwnBooking(ctx, 8, paid.BookingIDs[0])
	assert.Equal(t, CodeNotFound, CodeOf(err))

	res, err := f.refunds.CancelOwnBooking(ctx, 7, paid.BookingIDs[0])
	require.NoError(t, err)
	assert.Equal(t, OutcomeRefunded, res.Outcome)
}

// Two paid bookings and one unpaid legacy booking on a cancelled departure.
func TestCancelScheduleCascade(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addSchedule(1, 10, 5000)
	f.checkout(t, 1, item(1, 2))
	f.checkout(t, 2, item(1, 1))
	f.store.PutBooking(model.Booking{UserID: 3, ScheduleID: 1, Status: model.BookingPending,
		Participants: make([]model.Participant, 1)})

	res, err := f.refunds.CancelSchedule(ctx, 1, "weather", 500)
	require.NoError(t, err)
	assert.False(t, res.AlreadyCancelled)
	assert.Equal(t, 3, res.TotalBookings)
	assert.Equal(t, 2, res.RefundsProcessed)
	assert.Equal(t, 0, res.RefundsFailed)
	assert.Equal(t, 1, res.CancelledWithoutRefund)
	assert.Equal(t, int64(15000), res.TotalRefundedCents)
	assert.Len(t, res.Details, 3)

	for _, b := range f.store.Bookings() {
		assert.Equal(t, model.BookingCancelled, b.Status, "booking %d", b.ID)
	}
	sched, err := f.store.ScheduleByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.ScheduleCancelled, sched.Status)
	assert.Equal(t, 2, f.pub.Count(queue.RefundConfirmed))
	assert.Equal(t, 1, f.pub.Count(queue.BookingCancelled))

	_, err = f.sessions.CreateSession(ctx, 4, request(item(1, 1)))
	assert.Equal(t, CodeValidationFailed, CodeOf(err), "cancelled departures take no checkouts")
}

func TestCancelScheduleRefundFailureDoesNotStopCascade(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addSchedule(1, 10, 5000)
	first := f.checkout(t, 1, item(1, 1))
	f.checkout(t, 2, item(1, 1))
	f.webpay.RefundErrFor = map[string]error{first.SessionID: errors.New("issuer unavailable")}

	res, err := f.refunds.CancelSchedule(ctx, 1, "guide sick", 500)
	require.NoError(t, err)
	assert.Equal(t, 1, res.RefundsProcessed)
	assert.Equal(t, 1, res.RefundsFailed)
	assert.Equal(t, int64(5000), res.TotalRefundedCents)

	failed := f.booking(t, first.BookingIDs[0])
	assert.Equal(t, model.BookingCancelled, failed.Status)
	assert.Equal(t, 1, f.pub.Count(queue.RefundPending))
	assert.Equal(t, 1, f.pub.Count(queue.RefundConfirmed))

	var outcomes []string
	for _, d := range res.Details {
		outcomes = append(outcomes, d.Outcome)
	}
	assert.ElementsMatch(t, []string{"REFUND_FAILED", OutcomeRefunded}, outcomes)
}

// sweepingStore cancels the listed bookings right after the cascade reads
// them, as the abandoned-booking sweep would.
type sweepingStore struct {
	*testutil.MemStore
	sweep func()
}

func (s sweepingStore) BookingsBySchedule(ctx context.Context, scheduleID uint64) ([]model.Booking, error) {
	out, err := s.MemStore.BookingsBySchedule(ctx, scheduleID)
	s.sweep()
	return out, err
}

func TestCancelScheduleSkipsBookingCancelledMeanwhile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addSchedule(1, 10, 5000)
	id := f.store.PutBooking(model.Booking{UserID: 3, ScheduleID: 1, Status: model.BookingPending,
		Participants: make([]model.Participant, 1)})
	f.use(sweepingStore{MemStore: f.store, sweep: func() {
		_, err := f.store.TransitionBooking(ctx, id, model.BookingPending, model.BookingCancelled)
		require.NoError(t, err)
	}})

	res, err := f.refunds.CancelSchedule(ctx, 1, "weather", 500)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, res.CancelledWithoutRefund)
	require.Len(t, res.Details, 1)
	assert.Equal(t, "SKIPPED", res.Details[0].Outcome)
	assert.Zero(t, f.pub.Count(queue.BookingCancelled))
}

func TestCancelScheduleLeavesInFlightRefundAlone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addSchedule(1, 10, 5000)
	paid := f.checkout(t, 7, item(1, 1))
	id := paid.BookingIDs[0]
	ok, err := f.store.ClaimRefund(ctx, id, baseTime, baseTime.Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	res, err := f.refunds.CancelSchedule(ctx, 1, "weather", 500)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, res.RefundsFailed)
	assert.Equal(t, model.BookingConfirmed, f.booking(t, id).Status)
	assert.Zero(t, f.pub.Count(queue.RefundPending))
	_, _, calls := f.webpay.Calls()
	assert.Zero(t, calls)
}

func TestCancelScheduleIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addSchedule(1, 10, 5000)
	f.checkout(t, 1, item(1, 1))

	_, err := f.refunds.CancelSchedule(ctx, 1, "", 500)
	require.NoError(t, err)
	again, err := f.refunds.CancelSchedule(ctx, 1, "", 500)
	require.NoError(t, err)
	assert.True(t, again.AlreadyCancelled)
	assert.Zero(t, again.TotalBookings)
	_, _, refunds := f.webpay.Calls()
	assert.Equal(t, 1, refunds)

	_, err = f.refunds.CancelSchedule(ctx, 99, "", 500)
	assert.Equal(t, CodeNotFound, CodeOf(err))
}

func TestCancelScheduleSkipsFinishedBookings(t *testing.T) {
	f := newFixture(t)
	f.addSchedule(1, 10, 5000)
	f.store.PutBooking(model.Booking{UserID: 1, ScheduleID: 1, Status: model.BookingCompleted})
	f.store.PutBooking(model.Booking{UserID: 2, ScheduleID: 1, Status: model.BookingCancelled})

	res, err := f.refunds.CancelSchedule(context.Background(), 1, "", 500)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Skipped)
	assert.Zero(t, res.RefundsProcessed)
}
