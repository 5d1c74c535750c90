package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/iliyamo/tour-booking/internal/model"
	"github.com/iliyamo/tour-booking/internal/payment"
	"github.com/iliyamo/tour-booking/internal/queue"
)

// FakeProvider is a scriptable payment.Provider.  By default every call
// succeeds and confirmations complete.
type FakeProvider struct {
	mu sync.Mutex

	InitErr       error
	ConfirmStatus model.SessionStatus // default COMPLETED
	ConfirmFn     func(s *model.PaymentSession) payment.ConfirmResult
	RefundErr     error
	RefundErrFor  map[string]error // by session id
	RefundHook    func()           // runs before each refund, outside the lock
	References    map[string]string

	initCalls    int
	confirmCalls int
	refundCalls  int
	refunded     []int64
	refundKeys   []string
}

var (
	_ payment.Provider          = (*FakeProvider)(nil)
	_ payment.ReferenceResolver = (*FakeProvider)(nil)
)

func (f *FakeProvider) Initialize(_ context.Context, s *model.PaymentSession) (*payment.InitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	if f.InitErr != nil {
		return nil, f.InitErr
	}
	return &payment.InitResult{
		Token:       "tok-" + s.ID,
		ExternalID:  "ext-" + s.ID,
		RedirectURL: "https://pay.example/" + s.ID,
	}, nil
}

func (f *FakeProvider) Confirm(_ context.Context, s *model.PaymentSession) payment.ConfirmResult {
	f.mu.Lock()
	f.confirmCalls++
	fn, status := f.ConfirmFn, f.ConfirmStatus
	f.mu.Unlock()
	if fn != nil {
		return fn(s)
	}
	if status == "" {
		status = model.SessionCompleted
	}
	res := payment.ConfirmResult{Status: status, ProviderPaymentID: "pay-" + s.ID, AmountCents: s.TotalAmountCents}
	if status != model.SessionCompleted {
		res.Message = fmt.Sprintf("provider said %s", status)
	}
	return res
}

func (f *FakeProvider) Refund(_ context.Context, s *model.PaymentSession, amountCents int64, key string) (*payment.RefundResult, error) {
	f.mu.Lock()
	hook := f.RefundHook
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refundCalls++
	f.refundKeys = append(f.refundKeys, key)
	if err := f.RefundErrFor[s.ID]; err != nil {
		return nil, err
	}
	if f.RefundErr != nil {
		return nil, f.RefundErr
	}
	f.refunded = append(f.refunded, amountCents)
	return &payment.RefundResult{RefundID: fmt.Sprintf("rf-%d", f.refundCalls), AmountCents: amountCents, Status: "approved"}, nil
}

func (f *FakeProvider) PaymentReference(_ context.Context, paymentID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref, ok := f.References[paymentID]
	if !ok {
		return "", fmt.Errorf("unknown payment %s", paymentID)
	}
	return ref, nil
}

// Calls returns how often each operation ran.
func (f *FakeProvider) Calls() (initialize, confirm, refund int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initCalls, f.confirmCalls, f.refundCalls
}

// Refunded lists the amounts of successful refunds.
func (f *FakeProvider) Refunded() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.refunded...)
}

// RefundKeys lists the idempotency keys of every refund call.
func (f *FakeProvider) RefundKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.refundKeys...)
}

// RecordingPublisher keeps every published event.
type RecordingPublisher struct {
	mu     sync.Mutex
	events []queue.BookingEvent
	Err    error
}

func (p *RecordingPublisher) Publish(_ context.Context, ev queue.BookingEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.events = append(p.events, ev)
	return nil
}

// Events returns a copy of the published events.
func (p *RecordingPublisher) Events() []queue.BookingEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]queue.BookingEvent(nil), p.events...)
}

// Count returns how many events of type typ were published.
func (p *RecordingPublisher) Count(typ string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

// Clock is a settable time source safe for concurrent use.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at t.
func NewClock(t time.Time) *Clock { return &Clock{now: t} }

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
