package call

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/matchwork/comms/internal/realtime"
)

// State of a call session. Ended and Failed are terminal: no transition leaves
// them except full session teardown and recreation.
type State string

const (
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateEnded      State = "ended"
	StateFailed     State = "failed"
)

// Terminal reports whether the state is absorbing.
func (s State) Terminal() bool { return s == StateEnded || s == StateFailed }

// inboxCap bounds the session inbox. Signaling traffic for one call attempt is
// small; the buffer only needs to absorb a trickle-ICE burst.
const inboxCap = 64

type eventCmd int

const (
	evSignal eventCmd = iota
	evPCState
	evToggleMic
	evToggleCam
	evEnd
)

type sessionEvent struct {
	cmd     eventCmd
	env     *Envelope
	pcState webrtc.PeerConnectionState
	reply   chan bool
}

// Session is one call attempt in a conversation. All state mutation happens on
// the session's run loop: envelopes, peer-connection state changes, and local
// commands are posted to a single inbox and processed sequentially, so every
// handler sees the state as it is now, not as it was when the event was
// produced.
type Session struct {
	conversationID string
	kind           Kind
	initiator      bool
	selfID         string
	bus            realtime.Bus
	onClose        func()

	inbox chan sessionEvent
	done  chan struct{}

	mu    sync.RWMutex
	state State
	micOn bool
	camOn bool

	// Loop-owned; never touched outside newSession and the run loop.
	pc         *webrtc.PeerConnection
	media      LocalMedia
	answered   bool
	pendingICE []webrtc.ICECandidateInit
	seenICE    map[string]struct{}
}

type sessionConfig struct {
	conversationID string
	kind           Kind
	initiator      bool
	micOn, camOn   bool
	iceServers     []webrtc.ICEServer
}

// newSession acquires local media, builds the peer connection, and (for the
// initiator) produces the offer. On media failure the returned session is
// already in StateFailed and the error wraps ErrMediaAccess.
func newSession(cfg sessionConfig, bus realtime.Bus, selfID string, provider MediaProvider, onClose func()) (*Session, error) {
	s := &Session{
		conversationID: cfg.conversationID,
		kind:           cfg.kind,
		initiator:      cfg.initiator,
		selfID:         selfID,
		bus:            bus,
		onClose:        onClose,
		inbox:          make(chan sessionEvent, inboxCap),
		done:           make(chan struct{}),
		state:          StateConnecting,
		micOn:          cfg.micOn,
		camOn:          cfg.camOn,
		seenICE:        make(map[string]struct{}),
	}

	pc, media, err := provider.NewPeerConnection(cfg.kind, cfg.iceServers)
	if err != nil {
		s.setState(StateFailed)
		close(s.done)
		if onClose != nil {
			onClose()
		}
		if !errors.Is(err, ErrMediaAccess) {
			err = fmt.Errorf("create peer connection: %w", err)
		}
		return s, err
	}
	s.pc = pc
	s.media = media
	if media != nil {
		media.SetAudioEnabled(cfg.micOn)
		media.SetVideoEnabled(cfg.camOn && cfg.kind == KindVideo)
	}

	// Locally generated candidates are forwarded immediately — no batching.
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		s.send(&Envelope{Type: SignalICECandidate, Candidate: &init})
	})
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		s.post(sessionEvent{cmd: evPCState, pcState: st})
	})

	if cfg.initiator {
		offer, err := pc.CreateOffer(nil)
		if err == nil {
			err = pc.SetLocalDescription(offer)
		}
		if err != nil {
			s.teardown(StateFailed)
			close(s.done)
			return s, err
		}
		s.send(&Envelope{Type: SignalOffer, SDP: offer.SDP})
	}

	go s.loop()

	log.Infof("CALL [%s]: session started (kind=%s initiator=%v)", cfg.conversationID, cfg.kind, cfg.initiator)
	return s, nil
}

// ── Public surface ────────────────────────────────────────────────────────────

func (s *Session) ConversationID() string { return s.conversationID }
func (s *Session) Kind() Kind             { return s.kind }
func (s *Session) Initiator() bool        { return s.initiator }

// State returns the current session state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Muted reports whether the local microphone is disabled.
func (s *Session) Muted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.micOn
}

// CameraOff reports whether the local camera is disabled.
func (s *Session) CameraOff() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.camOn
}

// ToggleMute flips the local audio track. Returns the new muted state
// (true = muted). Local-only: no signal is transmitted.
func (s *Session) ToggleMute() bool {
	reply := make(chan bool, 1)
	s.post(sessionEvent{cmd: evToggleMic, reply: reply})
	select {
	case muted := <-reply:
		return muted
	case <-s.done:
		return s.Muted()
	}
}

// ToggleCamera flips the local video track. Returns the new disabled state
// (true = camera off).
func (s *Session) ToggleCamera() bool {
	reply := make(chan bool, 1)
	s.post(sessionEvent{cmd: evToggleCam, reply: reply})
	select {
	case off := <-reply:
		return off
	case <-s.done:
		return s.CameraOff()
	}
}

// End transmits a hang-up, releases local resources, and transitions to
// StateEnded. Idempotent: a no-op on an already-terminal session.
func (s *Session) End() {
	s.post(sessionEvent{cmd: evEnd})
}

// handleEnvelope feeds a remote signal into the session inbox. Called by the
// Manager's dispatch; envelopes arriving after the session is terminal are
// dropped.
func (s *Session) handleEnvelope(env *Envelope) {
	s.post(sessionEvent{cmd: evSignal, env: env})
}

// ── Run loop ─────────────────────────────────────────────────────────────────

func (s *Session) post(ev sessionEvent) {
	select {
	case <-s.done:
	case s.inbox <- ev:
	}
}

func (s *Session) loop() {
	defer close(s.done)
	for ev := range s.inbox {
		if s.step(ev) {
			return
		}
	}
}

// step processes one event; returns true when the session reached a terminal
// state and the loop must exit.
func (s *Session) step(ev sessionEvent) bool {
	switch ev.cmd {
	case evSignal:
		return s.handleSignal(ev.env)

	case evPCState:
		return s.handlePCState(ev.pcState)

	case evToggleMic:
		s.mu.Lock()
		s.micOn = !s.micOn
		on := s.micOn
		s.mu.Unlock()
		if s.media != nil {
			s.media.SetAudioEnabled(on)
		}
		log.Debugf("CALL [%s]: audio muted=%v", s.conversationID, !on)
		ev.reply <- !on

	case evToggleCam:
		s.mu.Lock()
		s.camOn = !s.camOn
		on := s.camOn
		s.mu.Unlock()
		if s.media != nil {
			s.media.SetVideoEnabled(on)
		}
		log.Debugf("CALL [%s]: camera disabled=%v", s.conversationID, !on)
		ev.reply <- !on

	case evEnd:
		s.send(&Envelope{Type: SignalHangUp})
		s.teardown(StateEnded)
		log.Infof("CALL [%s]: ended locally", s.conversationID)
		return true
	}
	return false
}

func (s *Session) handleSignal(env *Envelope) bool {
	switch env.Type {
	case SignalOffer:
		if s.initiator {
			s.dropSignal(env.Type, "offer received by initiator")
			return false
		}
		if s.State() != StateConnecting || s.answered {
			s.dropSignal(env.Type, "offer outside connecting, or already answered")
			return false
		}
		if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer,
			SDP:  env.SDP,
		}); err != nil {
			return s.fail("SetRemoteDescription(offer)", err)
		}
		s.flushPendingICE()
		answer, err := s.pc.CreateAnswer(nil)
		if err == nil {
			err = s.pc.SetLocalDescription(answer)
		}
		if err != nil {
			return s.fail("CreateAnswer", err)
		}
		s.answered = true
		s.send(&Envelope{Type: SignalAnswer, SDP: answer.SDP})

	case SignalAnswer:
		if !s.initiator {
			s.dropSignal(env.Type, "answer received by non-initiator")
			return false
		}
		if s.State() != StateConnecting || s.pc.RemoteDescription() != nil {
			s.dropSignal(env.Type, "no outstanding offer")
			return false
		}
		if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer,
			SDP:  env.SDP,
		}); err != nil {
			return s.fail("SetRemoteDescription(answer)", err)
		}
		s.flushPendingICE()

	case SignalICECandidate:
		if env.Candidate == nil {
			s.dropSignal(env.Type, "missing candidate")
			return false
		}
		if _, dup := s.seenICE[env.Candidate.Candidate]; dup {
			return false // duplicate delivery — applying once is enough
		}
		s.seenICE[env.Candidate.Candidate] = struct{}{}
		if s.pc.RemoteDescription() == nil {
			// Buffer until a description exists; replayed by flushPendingICE.
			s.pendingICE = append(s.pendingICE, *env.Candidate)
			return false
		}
		if err := s.pc.AddICECandidate(*env.Candidate); err != nil {
			s.dropSignal(env.Type, err.Error())
		}

	case SignalHangUp:
		s.teardown(StateEnded)
		log.Infof("CALL [%s]: remote hang-up", s.conversationID)
		return true

	default:
		s.dropSignal(env.Type, "unknown signal type")
	}
	return false
}

func (s *Session) flushPendingICE() {
	for _, c := range s.pendingICE {
		if err := s.pc.AddICECandidate(c); err != nil {
			s.dropSignal(SignalICECandidate, err.Error())
		}
	}
	s.pendingICE = nil
}

func (s *Session) handlePCState(st webrtc.PeerConnectionState) bool {
	switch st {
	case webrtc.PeerConnectionStateConnected:
		if !s.State().Terminal() {
			s.setState(StateConnected)
			log.Infof("CALL [%s]: connected", s.conversationID)
		}
	case webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateClosed,
		webrtc.PeerConnectionStateFailed:
		// Connection lost: always ended, never auto-redial.
		log.Infof("CALL [%s]: connection lost (%s)", s.conversationID, st)
		s.teardown(StateEnded)
		return true
	}
	return false
}

func (s *Session) dropSignal(signal, reason string) {
	err := &SignalingError{Signal: signal, Reason: reason}
	log.Warnf("CALL [%s]: %v", s.conversationID, err)
}

func (s *Session) fail(op string, err error) bool {
	log.Errorf("CALL [%s]: %s: %v", s.conversationID, op, err)
	s.teardown(StateFailed)
	return true
}

// teardown releases local media and the peer connection and records the
// terminal state. Safe to call once from the run loop or newSession.
func (s *Session) teardown(to State) {
	if s.media != nil {
		s.media.Close()
		s.media = nil
	}
	if s.pc != nil {
		_ = s.pc.Close()
	}
	s.setState(to)
	if s.onClose != nil {
		s.onClose()
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) send(env *Envelope) {
	env.From = s.selfID
	if err := s.bus.Publish(Topic(s.conversationID), EventSignal, env); err != nil {
		log.Warnf("CALL [%s]: publish %s: %v", s.conversationID, env.Type, err)
	}
}
