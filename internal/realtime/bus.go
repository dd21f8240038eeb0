// Package realtime provides the publish/subscribe channel primitive used for
// call signaling and other per-conversation realtime traffic. A Bus delivers
// arbitrary JSON payloads on named topics; delivery is at-least-once and
// ordered per topic, with no guarantee across topics.
package realtime

import (
	"encoding/json"
	"fmt"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("comms/realtime")

// Handler receives one event published on a subscribed topic.
// Handlers must be idempotent — the bus does not guarantee exactly-once delivery.
type Handler func(topic, event string, payload []byte)

// Subscription is a handle for one active topic subscription.
type Subscription interface {
	// Unsubscribe stops delivery to the handler. Idempotent.
	Unsubscribe() error
}

// Bus is a named publish/subscribe primitive keyed by topic string.
type Bus interface {
	Publish(topic, event string, payload any) error
	Subscribe(topic string, fn Handler) (Subscription, error)

	// OnReconnect registers a callback fired after the bus re-establishes a
	// dropped server connection. Consumers use it to recompute state that may
	// have drifted during the gap (e.g. unread counts). Implementations without
	// a server connection never fire it.
	OnReconnect(fn func())

	Close() error
}

// frame is the wire shape shared by the NATS and relay implementations.
type frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

func encodeFrame(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("realtime: marshal payload: %w", err)
	}
	return json.Marshal(frame{Event: event, Payload: raw})
}
