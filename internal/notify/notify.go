// Package notify turns qualifying remote message inserts into user-facing
// alerts. Fire-and-forget: a sink that cannot display an alert never surfaces
// an application error.
package notify

import (
	"context"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/matchwork/comms/internal/store"
	"github.com/matchwork/comms/internal/util"
)

var log = logging.Logger("comms/notify")

// recentCap is how many alerts the dispatcher remembers for the UI's
// notification tray.
const recentCap = 50

// Alert is one user-facing notification.
type Alert struct {
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	SenderName     string    `json:"sender_name"`
	Body           string    `json:"body"`
	At             time.Time `json:"at"`
}

// Sink displays alerts. Deliver errors are swallowed by the dispatcher.
type Sink interface {
	Deliver(Alert) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Alert) error

func (f SinkFunc) Deliver(a Alert) error { return f(a) }

// Dispatcher emits an alert for each message insert it is handed. The owner
// decides what qualifies (sender is not self, conversation not on screen or
// surface backgrounded); the dispatcher only refuses self-authored messages.
type Dispatcher struct {
	st     store.Store
	selfID string
	sink   Sink
	recent *util.RingBuffer[Alert]
}

// New creates a Dispatcher delivering to sink.
func New(st store.Store, selfID string, sink Sink) *Dispatcher {
	return &Dispatcher{
		st:     st,
		selfID: selfID,
		sink:   sink,
		recent: util.NewRingBuffer[Alert](recentCap),
	}
}

// MessageArrived emits an alert naming the counterpart. Never fires for
// messages the user authored; delivery failure is logged and swallowed.
func (d *Dispatcher) MessageArrived(ctx context.Context, m *store.Message) {
	if m.SenderID == d.selfID {
		return
	}

	name, err := d.st.DisplayName(ctx, m.SenderID)
	if err != nil {
		log.Warnf("NOTIFY: resolve display name for %s: %v", m.SenderID, err)
		name = m.SenderID
	}

	alert := Alert{
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderName:     name,
		Body:           m.Content,
		At:             time.Now().UTC(),
	}
	d.recent.Push(alert)

	if d.sink == nil {
		return
	}
	if err := d.sink.Deliver(alert); err != nil {
		log.Debugf("NOTIFY: sink rejected alert for %s: %v", m.ConversationID, err)
	}
}

// Recent returns the remembered alerts, oldest first.
func (d *Dispatcher) Recent() []Alert {
	return d.recent.Snapshot()
}
