package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher sends an envelope under a routing key.
type Publisher interface {
	Publish(ctx context.Context, key string, env Envelope) error
	Close() error
}

// ErrPublisherClosed is returned by Publish after Close.
var ErrPublisherClosed = errors.New("events: publisher closed")

// RabbitPublisher publishes to a durable topic exchange with publisher confirms.
type RabbitPublisher struct {
	conn     *amqp.Connection
	exchange string
	log      *slog.Logger

	// One confirm-mode channel, serialized.
	mu       sync.Mutex
	ch       *amqp.Channel
	confirms chan amqp.Confirmation
	closed   bool
}

// NewRabbitPublisher dials url and declares exchange.
func NewRabbitPublisher(url, exchange string, log *slog.Logger) (*RabbitPublisher, error) {
	if log == nil {
		log = slog.Default()
	}
	if exchange == "" {
		return nil, errors.New("events: exchange is required")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("events: dial: %w", err)
	}
	p := &RabbitPublisher{conn: conn, exchange: exchange, log: log}
	if err := p.openChannel(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return p, nil
}

func (p *RabbitPublisher) openChannel() error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("events: channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return fmt.Errorf("events: declare exchange: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("events: confirm mode: %w", err)
	}
	p.ch = ch
	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	return nil
}

// Publish sends env and waits for the broker's confirm.
func (p *RabbitPublisher) Publish(ctx context.Context, key string, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPublisherClosed
	}
	if p.ch == nil || p.ch.IsClosed() {
		if err := p.openChannel(); err != nil {
			return err
		}
	}

	cid := env.Meta.CorrelationID
	if cid == "" {
		cid = env.Meta.ID
	}
	err = p.ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: cid,
		Type:          env.Meta.Type,
		AppId:         env.Meta.Producer,
		Timestamp:     env.Meta.Time,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("events: publish: %w", err)
	}

	select {
	case c, ok := <-p.confirms:
		if !ok {
			p.ch = nil
			return errors.New("events: channel closed before confirm")
		}
		if !c.Ack {
			return fmt.Errorf("events: broker nacked delivery %d", c.DeliveryTag)
		}
	case <-ctx.Done():
		// The confirm for this delivery may still arrive; a fresh channel keeps tags aligned.
		_ = p.ch.Close()
		p.ch = nil
		return ctx.Err()
	}

	p.log.Debug("events.published", "key", key, "exchange", p.exchange, "event_id", env.Meta.ID)
	return nil
}

// Close closes the channel and the connection.
func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.ch != nil {
		_ = p.ch.Close()
	}
	return p.conn.Close()
}

// LogPublisher writes events to the log instead of a broker. It is used when no AMQP URL is
// configured.
type LogPublisher struct {
	log *slog.Logger
}

// NewLogPublisher returns a LogPublisher.
func NewLogPublisher(log *slog.Logger) *LogPublisher {
	if log == nil {
		log = slog.Default()
	}
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(_ context.Context, key string, env Envelope) error {
	p.log.Info("events.skipped", "key", key, "event_id", env.Meta.ID, "correlation_id", env.Meta.CorrelationID)
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// publishTimeout bounds one publish attempt including the confirm wait.
const publishTimeout = 5 * time.Second
