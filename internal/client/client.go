// Package client wires the communication core together for one signed-in
// user: the message sync engine, unread counter, notification dispatcher, and
// call manager, all hanging off one explicit session object instead of
// ambient global state. Change-feed events are routed here, sequentially, so
// every component sees them in write order.
package client

import (
	"context"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/matchwork/comms/internal/call"
	"github.com/matchwork/comms/internal/msgsync"
	"github.com/matchwork/comms/internal/notify"
	"github.com/matchwork/comms/internal/realtime"
	"github.com/matchwork/comms/internal/store"
	"github.com/matchwork/comms/internal/unread"
)

var log = logging.Logger("comms/client")

// Options configure a Client.
type Options struct {
	// ICEServers for call peer connections.
	ICEServers []webrtc.ICEServer
	// Media overrides the platform capture provider (tests).
	Media call.MediaProvider
	// Sink receives user-facing alerts; nil disables notifications.
	Sink notify.Sink
}

// Client is the per-user communication session. All methods are safe for
// concurrent use; change-feed events are processed one at a time.
type Client struct {
	selfID string
	st     store.Store
	bus    realtime.Bus

	engine   *msgsync.Engine
	unread   *unread.Counter
	dispatch *notify.Dispatcher
	calls    *call.Manager

	mu         sync.RWMutex
	active     string // open conversation id, "" when none
	foreground bool
	cancelFeed func()
}

// New assembles a Client. Call Start to begin consuming the change feed.
func New(selfID string, st store.Store, bus realtime.Bus, opts Options) *Client {
	media := opts.Media
	if media == nil {
		media = call.NewDeviceProvider()
	}
	c := &Client{
		selfID:     selfID,
		st:         st,
		bus:        bus,
		engine:     msgsync.New(st, selfID),
		unread:     unread.New(st, selfID),
		dispatch:   notify.New(st, selfID, opts.Sink),
		calls:      call.NewManager(bus, selfID, media, opts.ICEServers),
		foreground: true,
	}
	return c
}

// Engine exposes the message sync engine (transcript observation).
func (c *Client) Engine() *msgsync.Engine { return c.engine }

// Unread exposes the unread counter.
func (c *Client) Unread() *unread.Counter { return c.unread }

// Notifications exposes the dispatcher (recent alert tray).
func (c *Client) Notifications() *notify.Dispatcher { return c.dispatch }

// Calls exposes the call manager (incoming-call handlers, session lookup).
func (c *Client) Calls() *call.Manager { return c.calls }

// Start subscribes to the change feed, primes the unread index, and arranges
// a full recompute after every bus reconnect (covers events missed during the
// gap). Watches signaling topics for all existing conversations so incoming
// calls surface.
func (c *Client) Start(ctx context.Context) error {
	if err := c.unread.Recompute(ctx); err != nil {
		return fmt.Errorf("prime unread index: %w", err)
	}

	cancel := c.st.SubscribeChanges(
		[]store.ChangeKind{store.ChangeInsert, store.ChangeUpdate},
		c.route,
	)
	c.mu.Lock()
	c.cancelFeed = cancel
	c.mu.Unlock()

	c.bus.OnReconnect(func() {
		if err := c.unread.Recompute(context.Background()); err != nil {
			log.Warnf("CLIENT: unread recompute after reconnect: %v", err)
		}
	})

	convs, err := c.st.Conversations(ctx, c.selfID)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}
	for _, conv := range convs {
		if err := c.calls.Watch(conv.ID); err != nil {
			log.Warnf("CLIENT: watch %s: %v", conv.ID, err)
		}
	}

	log.Infof("CLIENT: started for %s (%d conversations)", c.selfID, len(convs))
	return nil
}

// route folds one change-feed event into the engine, counter, and dispatcher.
// Runs on the feed's delivery goroutine, one event at a time.
func (c *Client) route(ch store.Change) {
	m := ch.Message
	switch ch.Kind {
	case store.ChangeInsert:
		consumed := c.engine.ApplyInsert(context.Background(), m)
		c.unread.ApplyInsert(m)
		if m.SenderID == c.selfID {
			return
		}
		c.mu.RLock()
		background := !c.foreground
		c.mu.RUnlock()
		if !consumed || background {
			c.dispatch.MessageArrived(context.Background(), m)
		}
	case store.ChangeUpdate:
		c.engine.ApplyUpdate(m)
		c.unread.ApplyRead(m)
	}
}

// OpenConversation makes the conversation the active view: loads the
// transcript, emits the batch read receipt, and watches its signaling topic.
func (c *Client) OpenConversation(ctx context.Context, conversationID string) ([]*msgsync.Entry, error) {
	entries, err := c.engine.OpenConversation(ctx, conversationID)
	if err != nil {
		return entries, err
	}
	c.mu.Lock()
	c.active = conversationID
	c.mu.Unlock()

	if err := c.calls.Watch(conversationID); err != nil {
		log.Warnf("CLIENT: watch %s: %v", conversationID, err)
	}
	return entries, nil
}

// CloseConversation leaves the active view. The change feed keeps feeding the
// unread counter; transcript events stop being consumed.
func (c *Client) CloseConversation() {
	c.mu.Lock()
	c.active = ""
	c.mu.Unlock()
	c.engine.CloseConversation()
}

// ActiveConversation returns the open conversation id, or "".
func (c *Client) ActiveConversation() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// SetForeground records whether the consuming surface is visible. While
// backgrounded, qualifying inserts fire notifications even for the active
// conversation.
func (c *Client) SetForeground(v bool) {
	c.mu.Lock()
	c.foreground = v
	c.mu.Unlock()
}

// Send sends a message in the active conversation.
func (c *Client) Send(ctx context.Context, body string) (*msgsync.Entry, error) {
	return c.engine.Send(ctx, body)
}

// Contact ensures a conversation with the counterpart exists (first contact
// creates it) and watches its signaling topic.
func (c *Client) Contact(ctx context.Context, counterpartID, jobID string) (*store.Conversation, error) {
	conv, err := c.st.EnsureConversation(ctx, c.selfID, counterpartID, jobID)
	if err != nil {
		return nil, err
	}
	if err := c.calls.Watch(conv.ID); err != nil {
		log.Warnf("CLIENT: watch %s: %v", conv.ID, err)
	}
	return conv, nil
}

// StartCall begins an outbound call in a conversation.
func (c *Client) StartCall(conversationID string, kind call.Kind, micOn, camOn bool) (*call.Session, error) {
	return c.calls.Start(conversationID, kind, micOn, camOn)
}

// Close tears down the feed subscription, all call sessions, and their
// signaling subscriptions. The store and bus are owned by the caller.
func (c *Client) Close() {
	c.mu.Lock()
	cancel := c.cancelFeed
	c.cancelFeed = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.calls.Close()
	c.engine.CloseConversation()
}
