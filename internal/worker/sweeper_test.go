package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu       sync.Mutex
	sessions []time.Time
	bookings []time.Time
	err      error
}

func (r *recorder) ExpirePendingSessions(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, now)
	return 2, r.err
}

func (r *recorder) CancelAbandonedBookings(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bookings = append(r.bookings, now)
	return 0, r.err
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions), len(r.bookings)
}

func TestSweepPassesClock(t *testing.T) {
	r := &recorder{}
	w := NewSweeper(r, r, time.Minute)
	at := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return at }

	w.ExpireSessions(context.Background())
	w.CancelAbandoned(context.Background())

	require.Len(t, r.sessions, 1)
	require.Len(t, r.bookings, 1)
	assert.Equal(t, at, r.sessions[0])
	assert.Equal(t, at, r.bookings[0])
}

func TestSweepSurvivesErrors(t *testing.T) {
	r := &recorder{err: errors.New("db down")}
	w := NewSweeper(r, r, time.Minute)

	assert.NotPanics(t, func() {
		w.ExpireSessions(context.Background())
		w.CancelAbandoned(context.Background())
	})
	s, b := r.counts()
	assert.Equal(t, 1, s)
	assert.Equal(t, 1, b)
}

func TestSweepSkipsCancelledContext(t *testing.T) {
	r := &recorder{}
	w := NewSweeper(r, r, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w.ExpireSessions(ctx)
	w.CancelAbandoned(ctx)
	s, b := r.counts()
	assert.Zero(t, s)
	assert.Zero(t, b)
}

func TestStartRunsOnSchedule(t *testing.T) {
	r := &recorder{}
	w := NewSweeper(r, r, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, w.Start(ctx))
	assert.Eventually(t, func() bool {
		s, b := r.counts()
		return s > 0 && b > 0
	}, 5*time.Second, 50*time.Millisecond)
	w.Stop()
}

func TestStopWithoutStart(t *testing.T) {
	w := NewSweeper(&recorder{}, &recorder{}, time.Minute)
	assert.NotPanics(t, w.Stop)
}
