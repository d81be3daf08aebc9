package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// Handler processes one decoded event body. Handler errors are logged and the message
// is still acked — processing never blocks the queue on a handler bug.
type Handler func(ctx context.Context, routingKey string, body map[string]any) error

// dedupeKey identifies one (run_id, event, kind, natural_key) tuple for idempotent
// consumer dedup, per spec.md §5's "Idempotency" rule.
type dedupeKey string

func keyOf(body map[string]any) dedupeKey {
	str := func(k string) string {
		v, _ := body[k].(string)
		return v
	}
	return dedupeKey(fmt.Sprintf("%s|%s|%s|%s", str("run_id"), str("event"), str("kind"), str("natural_key")))
}

// Consumer subscribes a durable queue bound to one or more routing-key patterns on a
// topic exchange and dispatches each delivery to a Handler, deduping by the event's
// natural idempotency key.
type Consumer struct {
	url      string
	exchange string
	queue    string

	seenMu sync.Mutex
	seen   map[dedupeKey]bool
}

// NewConsumer builds a Consumer bound to exchange via a durable queue named queue.
func NewConsumer(url, exchange, queue string) *Consumer {
	return &Consumer{url: url, exchange: exchange, queue: queue, seen: make(map[dedupeKey]bool)}
}

// Subscribe declares queue, binds it to each routing-key pattern, and dispatches
// deliveries to handler until ctx is cancelled or the channel/connection errors.
func (c *Consumer) Subscribe(ctx context.Context, patterns []string, handler Handler) error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(c.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return err
	}
	q, err := ch.QueueDeclare(c.queue, true, false, false, false, nil)
	if err != nil {
		return err
	}
	for _, pattern := range patterns {
		if err := ch.QueueBind(q.Name, pattern, c.exchange, false, nil); err != nil {
			return err
		}
	}

	deliveries, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			c.handleDelivery(ctx, d, handler)
		}
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery, handler Handler) {
	body, duplicate, err := c.decode(d.Body)
	if err != nil {
		log.Error().Err(err).Str("routing_key", d.RoutingKey).Msg("eventbus: decode failure, acking without requeue")
		_ = d.Ack(false)
		return
	}
	if duplicate {
		_ = d.Ack(false)
		return
	}

	if err := handler(ctx, d.RoutingKey, body); err != nil {
		log.Error().Err(err).Str("routing_key", d.RoutingKey).Msg("eventbus: handler error, logging and continuing")
	}
	_ = d.Ack(false)
}

// decode parses raw into its JSON body and reports whether its dedupe key has already
// been seen, recording it if not.
func (c *Consumer) decode(raw []byte) (map[string]any, bool, error) {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, false, err
	}

	key := keyOf(body)
	c.seenMu.Lock()
	duplicate := c.seen[key]
	c.seen[key] = true
	c.seenMu.Unlock()
	return body, duplicate, nil
}
