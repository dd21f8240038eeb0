package realtime

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	redialBase = time.Second
	redialMax  = 30 * time.Second
)

// relayFrame is the websocket wire shape exchanged with the relay server.
// The server echoes "pub" frames to every other subscriber of the topic,
// in the order it received them.
type relayFrame struct {
	Op      string          `json:"op"` // "sub" | "unsub" | "pub"
	Topic   string          `json:"topic"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// relayBus implements Bus on a server-relayed websocket. This is the shape of
// the hosted backend's channel primitive: every participant holds one socket
// to the relay, subscribes to conversation-scoped topics, and the relay fans
// published frames out to the other subscribers of each topic.
type relayBus struct {
	url string

	mu        sync.Mutex
	conn      *websocket.Conn
	handlers  map[string][]*relaySub // topic -> active subscriptions
	reconnect []func()
	closed    bool
}

type relaySub struct {
	bus   *relayBus
	topic string
	fn    Handler
	once  sync.Once
}

func (s *relaySub) Unsubscribe() error {
	var err error
	s.once.Do(func() { err = s.bus.unsubscribe(s) })
	return err
}

// NewRelayBus dials the relay websocket at url (ws:// or wss://) and starts
// the read loop. The connection is redialed with exponential backoff if it
// drops; topic subscriptions are replayed after each redial.
func NewRelayBus(url string) (Bus, error) {
	b := &relayBus{
		url:      url,
		handlers: make(map[string][]*relaySub),
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("realtime: dial relay %s: %w", url, err)
	}
	b.conn = conn
	go b.readLoop(conn)
	return b, nil
}

func (b *relayBus) Publish(topic, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("realtime: marshal payload: %w", err)
	}
	return b.write(relayFrame{Op: "pub", Topic: topic, Event: event, Payload: raw})
}

func (b *relayBus) Subscribe(topic string, fn Handler) (Subscription, error) {
	sub := &relaySub{bus: b, topic: topic, fn: fn}

	b.mu.Lock()
	first := len(b.handlers[topic]) == 0
	b.handlers[topic] = append(b.handlers[topic], sub)
	b.mu.Unlock()

	if first {
		if err := b.write(relayFrame{Op: "sub", Topic: topic}); err != nil {
			_ = sub.Unsubscribe()
			return nil, err
		}
	}
	return sub, nil
}

func (b *relayBus) unsubscribe(sub *relaySub) error {
	b.mu.Lock()
	subs := b.handlers[sub.topic]
	for i, s := range subs {
		if s == sub {
			b.handlers[sub.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	last := len(b.handlers[sub.topic]) == 0
	if last {
		delete(b.handlers, sub.topic)
	}
	b.mu.Unlock()

	if last {
		return b.write(relayFrame{Op: "unsub", Topic: sub.topic})
	}
	return nil
}

func (b *relayBus) OnReconnect(fn func()) {
	b.mu.Lock()
	b.reconnect = append(b.reconnect, fn)
	b.mu.Unlock()
}

func (b *relayBus) Close() error {
	b.mu.Lock()
	b.closed = true
	conn := b.conn
	b.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (b *relayBus) write(f relayFrame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.conn == nil {
		return fmt.Errorf("realtime: relay connection closed")
	}
	return b.conn.WriteJSON(f)
}

// readLoop dispatches inbound frames to topic handlers and redials on failure.
func (b *relayBus) readLoop(conn *websocket.Conn) {
	for {
		var f relayFrame
		if err := conn.ReadJSON(&f); err != nil {
			b.mu.Lock()
			closed := b.closed
			b.mu.Unlock()
			if closed {
				return
			}
			log.Warnf("REALTIME: relay read error, redialing: %v", err)
			b.redial()
			return
		}
		if f.Op != "pub" {
			continue
		}

		b.mu.Lock()
		subs := make([]*relaySub, len(b.handlers[f.Topic]))
		copy(subs, b.handlers[f.Topic])
		b.mu.Unlock()

		for _, s := range subs {
			s.fn(f.Topic, f.Event, f.Payload)
		}
	}
}

// redial reconnects with backoff, replays active subscriptions, and fires
// reconnect callbacks so consumers can recompute state missed during the gap.
func (b *relayBus) redial() {
	wait := redialBase
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return
		}
		b.mu.Unlock()

		conn, _, err := websocket.DefaultDialer.Dial(b.url, nil)
		if err != nil {
			log.Warnf("REALTIME: relay redial failed, retrying in %s: %v", wait, err)
			time.Sleep(wait)
			if wait *= 2; wait > redialMax {
				wait = redialMax
			}
			continue
		}

		b.mu.Lock()
		b.conn = conn
		topics := make([]string, 0, len(b.handlers))
		for topic := range b.handlers {
			topics = append(topics, topic)
		}
		fns := make([]func(), len(b.reconnect))
		copy(fns, b.reconnect)
		b.mu.Unlock()

		for _, topic := range topics {
			_ = b.write(relayFrame{Op: "sub", Topic: topic})
		}
		go b.readLoop(conn)

		log.Infof("REALTIME: relay reconnected (%d topics replayed)", len(topics))
		for _, fn := range fns {
			fn()
		}
		return
	}
}
