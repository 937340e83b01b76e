// Package events fans appointment domain events out to durable sinks and to a
// RabbitMQ topic exchange consumed by external notifiers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hackgods/clinic-agenda/internal/appointment"
)

// Message is the JSON body published for every event.
type Message struct {
	EventType     appointment.EventType `json:"event_type"`
	AppointmentID string                `json:"appointment_id"`
	Payload       map[string]any        `json:"payload"`
	OccurredAt    time.Time             `json:"occurred_at"`
}

// RoutingKey maps APPOINTMENT_STATUS_CHANGED to appointment.status_changed.
func RoutingKey(t appointment.EventType) string {
	key := strings.ToLower(string(t))
	if rest, ok := strings.CutPrefix(key, "appointment_"); ok {
		return "appointment." + rest
	}
	return key
}

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type AMQPPublisher struct {
	conn     *amqp.Connection
	ch       amqpChannel
	exchange string
}

func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &AMQPPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

// RecordEvent publishes ev as persistent JSON. It implements appointment.EventSink.
func (p *AMQPPublisher) RecordEvent(ctx context.Context, ev appointment.EventLog) error {
	occurred := ev.CreatedAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	body, err := json.Marshal(Message{
		EventType:     ev.EventType,
		AppointmentID: ev.AppointmentID,
		Payload:       ev.Payload,
		OccurredAt:    occurred,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	err = p.ch.PublishWithContext(ctx, p.exchange, RoutingKey(ev.EventType), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    occurred,
		Type:         string(ev.EventType),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", ev.EventType, err)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// Fanout delivers each event to every sink and joins their errors.
type Fanout []appointment.EventSink

func (f Fanout) RecordEvent(ctx context.Context, ev appointment.EventLog) error {
	var errs []error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.RecordEvent(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
