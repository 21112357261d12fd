// Package publisher forwards status events to RabbitMQ as CloudEvents.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/imagecount/photosync/internal/status"
)

// Source is the CloudEvents source attribute of every published event.
const Source = "/photosync/agent"

// Channel is the subset of *amqp.Channel the publisher uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher sends CloudEvents to RabbitMQ.
type Publisher struct {
	conn     io.Closer
	channel  Channel
	exchange string
	logger   *zap.SugaredLogger
}

// CloudEvent represents the CloudEvents 1.0 specification structure.
type CloudEvent struct {
	SpecVersion     string `json:"specversion"`
	Type            string `json:"type"`
	Source          string `json:"source"`
	ID              string `json:"id"`
	Time            string `json:"time"`
	DataContentType string `json:"datacontenttype"`
	Data            any    `json:"data"`
}

// StatusData is the payload of a status event.
type StatusData struct {
	Message  string          `json:"message"`
	Severity status.Severity `json:"severity"`
}

// New creates a new Publisher connected to RabbitMQ and declares the topic
// exchange.
func New(url, exchange string, logger *zap.SugaredLogger) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	p, err := NewWithChannel(channel, exchange, logger)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

// NewWithChannel creates a Publisher over an open channel.
func NewWithChannel(channel Channel, exchange string, logger *zap.SugaredLogger) (*Publisher, error) {
	if err := channel.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = channel.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	return &Publisher{
		channel:  channel,
		exchange: exchange,
		logger:   logger,
	}, nil
}

// Close closes the RabbitMQ connection.
func (p *Publisher) Close() error {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// PublishStatus publishes one status event.
func (p *Publisher) PublishStatus(ctx context.Context, ev status.Event) error {
	event := CloudEvent{
		SpecVersion:     "1.0",
		Type:            "photosync.status." + string(ev.Severity),
		Source:          Source,
		ID:              ev.ID,
		Time:            ev.Timestamp.UTC().Format(time.RFC3339),
		DataContentType: "application/json",
		Data:            StatusData{Message: ev.Message, Severity: ev.Severity},
	}
	return p.publish(ctx, event, "status."+string(ev.Severity))
}

// Run forwards every event appended to log until ctx is done. Publish
// failures are logged and the event is dropped.
func (p *Publisher) Run(ctx context.Context, log *status.Log) error {
	events, cancel := log.Subscribe(64)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := p.PublishStatus(ctx, ev); err != nil {
				p.logger.Warnw("Failed to publish status event", "id", ev.ID, "error", err)
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, event CloudEvent, routingKey string) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/cloudevents+json",
			Body:        body,
			MessageId:   event.ID,
			Timestamp:   time.Now(),
		},
	)

	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debugw("Event published",
		"type", event.Type,
		"id", event.ID,
		"routing_key", routingKey,
	)

	return nil
}
