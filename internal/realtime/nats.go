package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// subjectPrefix namespaces all comms traffic on a shared NATS deployment.
const subjectPrefix = "comms."

// NATSOptions tune the NATS connection.
type NATSOptions struct {
	MaxReconnects int
	ReconnectWait time.Duration
}

// natsBus implements Bus on a NATS connection. Subjects are derived from
// topics by replacing ':' with '.' so "call:<conv>" maps to "comms.call.<conv>".
// NATS preserves publish order per subject, which gives the per-topic ordering
// guarantee the signaling layer relies on.
type natsBus struct {
	conn *nats.Conn

	mu        sync.Mutex
	reconnect []func()
}

// NewNATSBus connects to the NATS server at url.
func NewNATSBus(url string, opts NATSOptions) (Bus, error) {
	b := &natsBus{}

	conn, err := nats.Connect(url,
		nats.MaxReconnects(opts.MaxReconnects),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnf("REALTIME: NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Infof("REALTIME: NATS reconnected")
			b.mu.Lock()
			fns := make([]func(), len(b.reconnect))
			copy(fns, b.reconnect)
			b.mu.Unlock()
			for _, fn := range fns {
				fn()
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("realtime: connect nats %s: %w", url, err)
	}

	b.conn = conn
	return b, nil
}

func (b *natsBus) Publish(topic, event string, payload any) error {
	data, err := encodeFrame(event, payload)
	if err != nil {
		return err
	}
	return b.conn.Publish(subject(topic), data)
}

func (b *natsBus) Subscribe(topic string, fn Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(subject(topic), func(msg *nats.Msg) {
		var f frame
		if err := json.Unmarshal(msg.Data, &f); err != nil {
			log.Warnf("REALTIME: bad frame on %s: %v", topic, err)
			return
		}
		fn(topic, f.Event, f.Payload)
	})
	if err != nil {
		return nil, fmt.Errorf("realtime: subscribe %s: %w", topic, err)
	}
	return &natsSub{sub: sub}, nil
}

func (b *natsBus) OnReconnect(fn func()) {
	b.mu.Lock()
	b.reconnect = append(b.reconnect, fn)
	b.mu.Unlock()
}

func (b *natsBus) Close() error {
	b.conn.Close()
	return nil
}

type natsSub struct {
	once sync.Once
	sub  *nats.Subscription
}

func (s *natsSub) Unsubscribe() error {
	var err error
	s.once.Do(func() { err = s.sub.Unsubscribe() })
	return err
}

func subject(topic string) string {
	return subjectPrefix + strings.ReplaceAll(topic, ":", ".")
}
