// Package eventbus is the RabbitMQ topic-exchange adapter: a Publisher that emits
// platform events best-effort with one reconnect-and-retry, and a Consumer that
// subscribes workspace lifecycle events into idempotent handlers.
package eventbus

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the wire shape of every published/consumed event: a JSON body plus the
// headers spec.md requires for request/correlation tracing.
type Envelope struct {
	RoutingKey    string         `json:"-"`
	Body          map[string]any `json:"body"`
	RequestID     string         `json:"-"`
	CorrelationID string         `json:"-"`
	PublishedAt   time.Time      `json:"published_at"`
}

// RoutingKey builds spec.md's "<org>.<service>.<event>.<version>" routing key.
func RoutingKey(org, service, event, version string) string {
	return fmt.Sprintf("%s.%s.%s.%s", org, service, event, version)
}

func (e Envelope) marshal() ([]byte, error) {
	return json.Marshal(e.Body)
}
