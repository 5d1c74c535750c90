package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"
)

// Notifier delivers a booking event to the traveller (email, push, ...).
// Delivery itself is owned by the notification service.
type Notifier interface {
	Notify(ctx context.Context, ev BookingEvent) error
}

// LogNotifier records events in the structured log.  It is the default
// when no delivery channel is configured.
type LogNotifier struct {
	Logger *log.Logger
}

// Notify writes one line per event.
func (n LogNotifier) Notify(_ context.Context, ev BookingEvent) error {
	l := n.Logger
	if l == nil {
		l = log.StandardLogger()
	}
	l.WithFields(log.Fields{
		"event":        ev.Type,
		"booking_id":   ev.BookingID,
		"user_id":      ev.UserID,
		"schedule_id":  ev.ScheduleID,
		"session_id":   ev.PaymentSessionID,
		"tour":         ev.TourName,
		"tour_date":    ev.TourDate,
		"participants": ev.Participants,
		"total_cents":  ev.TotalCents,
		"refund_cents": ev.RefundCents,
	}).Info("booking notification")
	return nil
}

// StartNotificationConsumer connects to RabbitMQ, declares the booking
// queues (durable) and hands every message to n.  It reconnects with
// exponential backoff and returns only when ctx is cancelled.
func StartNotificationConsumer(ctx context.Context, url string, n Notifier) error {
	backoff := time.Second
	for {
		conn, err := amqp.Dial(url)
		if err != nil {
			log.WithError(err).Warnf("notification-consumer: dial failed, retrying in %s", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second // reset after successful connect

		err = consumeLoop(ctx, conn, n)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.WithError(err).Warn("notification-consumer: consume loop ended, reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func consumeLoop(ctx context.Context, conn *amqp.Connection, n Notifier) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		log.WithError(err).Warn("notification-consumer: set QoS failed")
	}

	merged := make(chan amqp.Delivery)
	var wg sync.WaitGroup
	for _, name := range Queues {
		if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			return fmt.Errorf("queue declare %s: %w", name, err)
		}
		msgs, err := ch.Consume(name, "", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("queue consume %s: %w", name, err)
		}
		wg.Add(1)
		go func(msgs <-chan amqp.Delivery) {
			defer wg.Done()
			for d := range msgs {
				merged <- d
			}
		}(msgs)
	}
	go func() {
		wg.Wait()
		close(merged)
	}()

	for {
		select {
		case <-ctx.Done():
			_ = ch.Close() // closes the delivery channels and releases the fan-in goroutines
			for range merged {
			}
			return ctx.Err()
		case d, ok := <-merged:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			if err := handleMessage(ctx, n, d.Body); err != nil {
				log.WithError(err).WithField("queue", d.RoutingKey).Error("notification-consumer: handle message failed")
				_ = d.Nack(false, false) // reject, do not requeue to avoid tight loops
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func handleMessage(ctx context.Context, n Notifier, body []byte) error {
	var ev BookingEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if ev.Type == "" {
		return errors.New("event without type")
	}
	return n.Notify(ctx, ev)
}
