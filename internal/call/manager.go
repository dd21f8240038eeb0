package call

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/matchwork/comms/internal/realtime"
)

// Manager owns the active call sessions and bridges conversation signaling
// topics to them. It holds the single subscription per watched conversation
// and routes envelopes either into an existing session or — for an offer with
// no session — into an IncomingCall surfaced to registered handlers.
type Manager struct {
	bus        realtime.Bus
	selfID     string
	provider   MediaProvider
	iceServers []webrtc.ICEServer

	mu       sync.RWMutex
	sessions map[string]*Session              // conversationID -> active session
	watches  map[string]realtime.Subscription // conversationID -> topic subscription
	pending  map[string]*IncomingCall         // conversationID -> unaccepted offer

	incomingMu sync.RWMutex
	incoming   []func(*IncomingCall)
}

// NewManager creates a call Manager. iceServers is passed to every peer
// connection the provider builds.
func NewManager(bus realtime.Bus, selfID string, provider MediaProvider, iceServers []webrtc.ICEServer) *Manager {
	return &Manager{
		bus:        bus,
		selfID:     selfID,
		provider:   provider,
		iceServers: iceServers,
		sessions:   make(map[string]*Session),
		watches:    make(map[string]realtime.Subscription),
		pending:    make(map[string]*IncomingCall),
	}
}

// OnIncoming registers a callback fired for each incoming call. Multiple
// handlers can be registered.
func (m *Manager) OnIncoming(fn func(*IncomingCall)) {
	m.incomingMu.Lock()
	m.incoming = append(m.incoming, fn)
	m.incomingMu.Unlock()
}

// Watch subscribes to a conversation's signaling topic so incoming calls for
// it can be surfaced. Idempotent.
func (m *Manager) Watch(conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.watches[conversationID]; ok {
		return nil
	}
	sub, err := m.bus.Subscribe(Topic(conversationID), func(_, event string, payload []byte) {
		if event != EventSignal {
			return
		}
		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			log.Warnf("CALL [%s]: bad envelope: %v", conversationID, err)
			return
		}
		if env.From == m.selfID {
			// The bus may echo our own publishes; routing them back into the
			// session would corrupt SDP negotiation.
			return
		}
		m.dispatch(conversationID, &env)
	})
	if err != nil {
		return fmt.Errorf("watch %s: %w", conversationID, err)
	}
	m.watches[conversationID] = sub
	return nil
}

// Unwatch drops the conversation's signaling subscription and any pending
// incoming call for it. Active sessions are left running.
func (m *Manager) Unwatch(conversationID string) {
	m.mu.Lock()
	sub := m.watches[conversationID]
	delete(m.watches, conversationID)
	ic := m.pending[conversationID]
	delete(m.pending, conversationID)
	m.mu.Unlock()

	if sub != nil {
		_ = sub.Unsubscribe()
	}
	if ic != nil {
		ic.cancel()
	}
}

// Start begins an outbound call in the conversation. The local media device is
// exclusively owned by at most one active session, so Start refuses while any
// non-terminal session exists.
func (m *Manager) Start(conversationID string, kind Kind, micOn, camOn bool) (*Session, error) {
	if err := m.Watch(conversationID); err != nil {
		return nil, err
	}
	if active := m.activeSession(); active != nil {
		return nil, fmt.Errorf("%w (conversation %s)", ErrCallActive, active.ConversationID())
	}

	sess, err := newSession(sessionConfig{
		conversationID: conversationID,
		kind:           kind,
		initiator:      true,
		micOn:          micOn,
		camOn:          camOn,
		iceServers:     m.iceServers,
	}, m.bus, m.selfID, m.provider, func() { m.removeSession(conversationID) })
	if err != nil {
		// Session is already terminal (StateFailed); surface it so the caller
		// can render the failure, but don't track it.
		return sess, err
	}

	m.mu.Lock()
	m.sessions[conversationID] = sess
	m.mu.Unlock()
	return sess, nil
}

// Session returns the active session for the conversation, if any.
func (m *Manager) Session(conversationID string) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[conversationID]
	m.mu.RUnlock()
	return s, ok
}

// Close hangs up all sessions and drops all subscriptions.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	watches := m.watches
	m.sessions = make(map[string]*Session)
	m.watches = make(map[string]realtime.Subscription)
	m.pending = make(map[string]*IncomingCall)
	m.mu.Unlock()

	for _, s := range sessions {
		s.End()
	}
	for _, sub := range watches {
		_ = sub.Unsubscribe()
	}
}

func (m *Manager) activeSession() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if !s.State().Terminal() {
			return s
		}
	}
	return nil
}

func (m *Manager) removeSession(conversationID string) {
	m.mu.Lock()
	delete(m.sessions, conversationID)
	m.mu.Unlock()
}

// dispatch routes one envelope: to the active session if there is one, else
// to the pending incoming call, else — for an offer — a new IncomingCall.
func (m *Manager) dispatch(conversationID string, env *Envelope) {
	m.mu.Lock()
	if sess, ok := m.sessions[conversationID]; ok {
		m.mu.Unlock()
		sess.handleEnvelope(env)
		return
	}

	if ic, ok := m.pending[conversationID]; ok {
		switch env.Type {
		case SignalICECandidate:
			// Candidate trickled in before accept: hold it with the offer so
			// the session created by Accept can replay it in order.
			ic.ice = append(ic.ice, env)
		case SignalHangUp:
			delete(m.pending, conversationID)
			m.mu.Unlock()
			log.Infof("CALL [%s]: caller hung up before accept", conversationID)
			ic.cancel()
			return
		default:
			log.Warnf("CALL [%s]: dropping %q while call pending", conversationID, env.Type)
		}
		m.mu.Unlock()
		return
	}

	if env.Type != SignalOffer {
		log.Debugf("CALL [%s]: dropping %q with no session", conversationID, env.Type)
		m.mu.Unlock()
		return
	}

	ic := &IncomingCall{
		ConversationID: conversationID,
		From:           env.From,
		Kind:           offerKind(env.SDP),
		m:              m,
		offer:          env,
		cancelled:      make(chan struct{}),
	}
	m.pending[conversationID] = ic
	m.mu.Unlock()

	m.incomingMu.RLock()
	handlers := make([]func(*IncomingCall), len(m.incoming))
	copy(handlers, m.incoming)
	m.incomingMu.RUnlock()
	for _, fn := range handlers {
		fn(ic)
	}
}

// IncomingCall is an offer received for a conversation with no active session.
// Exactly one of Accept or Reject should be called.
type IncomingCall struct {
	ConversationID string
	From           string
	Kind           Kind

	m         *Manager
	offer     *Envelope
	ice       []*Envelope
	cancelled chan struct{}
	once      sync.Once
}

// Cancelled is closed if the caller hangs up before Accept.
func (ic *IncomingCall) Cancelled() <-chan struct{} { return ic.cancelled }

func (ic *IncomingCall) cancel() {
	ic.once.Do(func() { close(ic.cancelled) })
}

// Accept creates the non-initiator session and replays the buffered offer and
// any candidates that trickled in before accept.
func (ic *IncomingCall) Accept(micOn, camOn bool) (*Session, error) {
	m := ic.m

	m.mu.Lock()
	if m.pending[ic.ConversationID] != ic {
		m.mu.Unlock()
		return nil, ErrCallGone
	}
	delete(m.pending, ic.ConversationID)
	m.mu.Unlock()

	if active := m.activeSession(); active != nil {
		return nil, fmt.Errorf("%w (conversation %s)", ErrCallActive, active.ConversationID())
	}

	sess, err := newSession(sessionConfig{
		conversationID: ic.ConversationID,
		kind:           ic.Kind,
		initiator:      false,
		micOn:          micOn,
		camOn:          camOn,
		iceServers:     m.iceServers,
	}, m.bus, m.selfID, m.provider, func() { m.removeSession(ic.ConversationID) })
	if err != nil {
		return sess, err
	}

	m.mu.Lock()
	m.sessions[ic.ConversationID] = sess
	m.mu.Unlock()

	sess.handleEnvelope(ic.offer)
	for _, env := range ic.ice {
		sess.handleEnvelope(env)
	}
	return sess, nil
}

// Reject declines the call by transmitting a hang-up.
func (ic *IncomingCall) Reject() {
	m := ic.m

	m.mu.Lock()
	if m.pending[ic.ConversationID] != ic {
		m.mu.Unlock()
		return
	}
	delete(m.pending, ic.ConversationID)
	m.mu.Unlock()

	if err := m.bus.Publish(Topic(ic.ConversationID), EventSignal, &Envelope{
		Type: SignalHangUp,
		From: m.selfID,
	}); err != nil {
		log.Warnf("CALL [%s]: publish reject: %v", ic.ConversationID, err)
	}
}
