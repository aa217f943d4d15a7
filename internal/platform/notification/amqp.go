package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Dial opens a broker connection.
func Dial(url string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	return conn, nil
}

// message is the JSON body published to the notification queue.
type message struct {
	Event
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// AMQPDispatcher publishes rendered events to a durable queue for the
// delivery workers (email, SMS) to consume.
type AMQPDispatcher struct {
	mu        sync.Mutex
	channel   *amqp.Channel
	queue     string
	templates *TemplateEngine
}

// NewAMQPDispatcher opens a channel on conn and declares queue.
func NewAMQPDispatcher(conn *amqp.Connection, queue string, tpl *TemplateEngine) (*AMQPDispatcher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return &AMQPDispatcher{channel: ch, queue: queue, templates: tpl}, nil
}

func (d *AMQPDispatcher) Dispatch(ctx context.Context, ev Event) error {
	msg, err := buildMessage(d.templates, ev)
	if err != nil {
		return err
	}

	// amqp091 channels are not safe for concurrent publishes.
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.channel.PublishWithContext(ctx, "", d.queue, false, false, msg); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// Close closes the underlying channel.
func (d *AMQPDispatcher) Close() error {
	return d.channel.Close()
}

func buildMessage(tpl *TemplateEngine, ev Event) (amqp.Publishing, error) {
	subject, body, err := tpl.Render(ev.TemplateKey, ev.Payload)
	if err != nil {
		return amqp.Publishing{}, err
	}
	raw, err := json.Marshal(message{Event: ev, Subject: subject, Body: body})
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("marshal notification: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.OccurredAt,
		Type:         ev.TemplateKey,
		Headers:      amqp.Table{"recipient": ev.Recipient},
		Body:         raw,
	}, nil
}
