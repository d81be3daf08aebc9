package eventbus

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// Publisher owns a single connection/channel pair to a durable topic exchange and
// publishes JSON, persistent messages best-effort: a failed publish triggers one
// reconnect-and-retry, never a panic or propagated fatal error.
type Publisher struct {
	url      string
	exchange string

	mu   sync.Mutex // guards conn/channel re-open, per spec.md's single-per-process rule
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewPublisher dials url and declares exchange as a durable topic exchange.
func NewPublisher(url, exchange string) (*Publisher, error) {
	p := &Publisher{url: url, exchange: exchange}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}
	if err := ch.ExchangeDeclare(p.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return err
	}
	p.conn, p.ch = conn, ch
	return nil
}

// Publish sends env to routingKey as a persistent application/json message. Returns
// false (never an error) when the publish could not be delivered after one
// reconnect-and-retry — callers must never crash on a false return.
func (p *Publisher) Publish(ctx context.Context, env Envelope) bool {
	body, err := env.marshal()
	if err != nil {
		log.Error().Err(err).Msg("eventbus: failed to marshal envelope")
		return false
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Headers:      amqp.Table{},
	}
	if env.RequestID != "" {
		msg.Headers["x-request-id"] = env.RequestID
	}
	if env.CorrelationID != "" {
		msg.Headers["x-correlation-id"] = env.CorrelationID
	}

	if p.publishOnce(ctx, env.RoutingKey, msg) {
		return true
	}

	log.Warn().Str("routing_key", env.RoutingKey).Msg("eventbus: publish failed, reconnecting for one retry")
	p.mu.Lock()
	_ = p.reconnectLocked()
	p.mu.Unlock()

	return p.publishOnce(ctx, env.RoutingKey, msg)
}

func (p *Publisher) publishOnce(ctx context.Context, routingKey string, msg amqp.Publishing) bool {
	p.mu.Lock()
	ch := p.ch
	p.mu.Unlock()
	if ch == nil {
		return false
	}
	if err := ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg); err != nil {
		log.Error().Err(err).Str("routing_key", routingKey).Msg("eventbus: publish error")
		return false
	}
	return true
}

func (p *Publisher) reconnectLocked() error {
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
	p.ch, p.conn = nil, nil
	return p.connect()
}

// Close releases the channel and connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
