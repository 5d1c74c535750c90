package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// SessionExpirer expires PENDING sessions whose deadline passed.
type SessionExpirer interface {
	ExpirePendingSessions(ctx context.Context, now time.Time) (int64, error)
}

// BookingCanceller cancels unpaid legacy bookings past their timeout.
type BookingCanceller interface {
	CancelAbandonedBookings(ctx context.Context, now time.Time) (int64, error)
}

// Sweeper reclaims capacity held by abandoned checkouts.  Both sweeps run
// on the same cron schedule as independent jobs; cron skips a run of a
// job that is still executing.
type Sweeper struct {
	sessions SessionExpirer
	bookings BookingCanceller
	interval time.Duration
	now      func() time.Time
	cron     *cron.Cron
}

// NewSweeper returns a sweeper running every interval.
func NewSweeper(sessions SessionExpirer, bookings BookingCanceller, interval time.Duration) *Sweeper {
	return &Sweeper{
		sessions: sessions,
		bookings: bookings,
		interval: interval,
		now:      time.Now,
	}
}

// Start schedules the sweeps and returns immediately.  The jobs stop when
// ctx is cancelled or Stop is called.
func (w *Sweeper) Start(ctx context.Context) error {
	logger := cron.VerbosePrintfLogger(logrus.StandardLogger())
	w.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(logger), cron.Recover(logger)))
	spec := fmt.Sprintf("@every %s", w.interval)
	if _, err := w.cron.AddFunc(spec, func() { w.ExpireSessions(ctx) }); err != nil {
		return err
	}
	if _, err := w.cron.AddFunc(spec, func() { w.CancelAbandoned(ctx) }); err != nil {
		return err
	}
	w.cron.Start()
	logrus.WithField("interval", w.interval).Info("expiration sweeper started")

	go func() {
		<-ctx.Done()
		w.Stop()
	}()
	return nil
}

// Stop waits for running jobs to finish.
func (w *Sweeper) Stop() {
	if w.cron == nil {
		return
	}
	<-w.cron.Stop().Done()
	logrus.Info("expiration sweeper stopped")
}

// ExpireSessions runs one session sweep.
func (w *Sweeper) ExpireSessions(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	n, err := w.sessions.ExpirePendingSessions(ctx, w.now())
	if err != nil {
		logrus.WithError(err).Error("session expiry sweep failed")
		return
	}
	if n > 0 {
		logrus.WithField("expired", n).Info("expired pending payment sessions")
		return
	}
	logrus.Debug("no pending payment sessions to expire")
}

// CancelAbandoned runs one abandoned-booking sweep.
func (w *Sweeper) CancelAbandoned(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	n, err := w.bookings.CancelAbandonedBookings(ctx, w.now())
	if err != nil {
		logrus.WithError(err).Error("abandoned booking sweep failed")
		return
	}
	if n > 0 {
		logrus.WithField("cancelled", n).Info("cancelled abandoned bookings")
		return
	}
	logrus.Debug("no abandoned bookings to cancel")
}
