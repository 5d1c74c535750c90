package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"github.com/iliyamo/tour-booking/internal/queue"
)

// EventPublisher hands booking events to the notification pipeline.
type EventPublisher interface {
	Publish(ctx context.Context, ev queue.BookingEvent) error
}

// DiscardPublisher drops every event; used when no broker is configured.
type DiscardPublisher struct{}

func (DiscardPublisher) Publish(context.Context, queue.BookingEvent) error { return nil }

// AMQPPublisher publishes events as persistent JSON messages to the
// durable queue named after the event type.  The connection is opened
// lazily and reopened after any failure.
type AMQPPublisher struct {
	url string

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	declared map[string]bool
}

// NewAMQPPublisher returns a publisher for the broker at url.
func NewAMQPPublisher(url string) *AMQPPublisher {
	return &AMQPPublisher{url: url}
}

// Publish sends ev to the queue ev.Type.
func (p *AMQPPublisher) Publish(ctx context.Context, ev queue.BookingEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureChannel(); err != nil {
		return err
	}
	if !p.declared[ev.Type] {
		// Durable so messages survive broker restarts.
		if _, err := p.ch.QueueDeclare(ev.Type, true, false, false, false, nil); err != nil {
			p.reset()
			return err
		}
		p.declared[ev.Type] = true
	}
	err = p.ch.PublishWithContext(ctx,
		"",      // default exchange
		ev.Type, // routing key = queue name
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		})
	if err != nil {
		p.reset()
	}
	return err
}

func (p *AMQPPublisher) ensureChannel() error {
	if p.ch != nil && !p.ch.IsClosed() && p.conn != nil && !p.conn.IsClosed() {
		return nil
	}
	p.reset()
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}
	p.conn, p.ch, p.declared = conn, ch, map[string]bool{}
	return nil
}

func (p *AMQPPublisher) reset() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.conn, p.ch, p.declared = nil, nil, nil
}

// Close releases the broker connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
	return nil
}

// publish sends ev without letting a broker problem reach the caller.
func publish(ctx context.Context, pub EventPublisher, ev queue.BookingEvent) {
	if pub == nil {
		return
	}
	ev.OccurredAt = time.Now().UTC().Format(time.RFC3339)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	if err := pub.Publish(ctx, ev); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"event":      ev.Type,
			"booking_id": ev.BookingID,
		}).Warn("event publish failed")
	}
}
