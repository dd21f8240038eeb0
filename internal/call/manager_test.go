package call

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matchwork/comms/internal/realtime"
)

// twoManagers wires an alice and a bob manager onto one shared bus, both
// watching the conversation.
func twoManagers(t *testing.T, bus realtime.Bus, conv string) (alice, bob *Manager) {
	t.Helper()
	alice = NewManager(bus, "alice", &fakeProvider{}, nil)
	bob = NewManager(bus, "bob", &fakeProvider{}, nil)
	t.Cleanup(alice.Close)
	t.Cleanup(bob.Close)
	require.NoError(t, alice.Watch(conv))
	require.NoError(t, bob.Watch(conv))
	return alice, bob
}

func incomingChan(m *Manager) <-chan *IncomingCall {
	ch := make(chan *IncomingCall, 4)
	m.OnIncoming(func(ic *IncomingCall) { ch <- ic })
	return ch
}

func waitIncoming(t *testing.T, ch <-chan *IncomingCall) *IncomingCall {
	t.Helper()
	select {
	case ic := <-ch:
		return ic
	case <-time.After(time.Second):
		t.Fatal("no incoming call surfaced")
		return nil
	}
}

func TestOfferSurfacesIncomingCall(t *testing.T) {
	bus := realtime.NewMemoryBus()
	alice, bob := twoManagers(t, bus, "conv-1")
	incoming := incomingChan(bob)

	sess, err := alice.Start("conv-1", KindVideo, true, true)
	require.NoError(t, err)
	assert.Equal(t, StateConnecting, sess.State())

	ic := waitIncoming(t, incoming)
	assert.Equal(t, "conv-1", ic.ConversationID)
	assert.Equal(t, "alice", ic.From)
	assert.Equal(t, KindVideo, ic.Kind, "kind inferred from the offer's media sections")
}

func TestAcceptNegotiatesAnswer(t *testing.T) {
	bus := realtime.NewMemoryBus()
	spy := spyOn(t, bus, "conv-1")
	alice, bob := twoManagers(t, bus, "conv-1")
	incoming := incomingChan(bob)

	caller, err := alice.Start("conv-1", KindAudio, true, false)
	require.NoError(t, err)

	ic := waitIncoming(t, incoming)
	callee, err := ic.Accept(true, false)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return spy.count(SignalAnswer, "bob") == 1
	}, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return caller.pc.RemoteDescription() != nil
	}, time.Second, 10*time.Millisecond)

	got, ok := bob.Session("conv-1")
	require.True(t, ok)
	assert.Same(t, callee, got)
	assert.False(t, callee.Initiator())
}

func TestAcceptReplaysEarlyCandidates(t *testing.T) {
	bus := realtime.NewMemoryBus()
	alice, bob := twoManagers(t, bus, "conv-1")
	incoming := incomingChan(bob)
	spy := spyOn(t, bus, "conv-1")

	_, err := alice.Start("conv-1", KindAudio, true, false)
	require.NoError(t, err)
	ic := waitIncoming(t, incoming)

	// Trickle a candidate before bob accepts; the manager must hold it for the
	// session created by Accept.
	cand := webrtc.ICECandidateInit{Candidate: testCandidate}
	require.NoError(t, bus.Publish(Topic("conv-1"), EventSignal, &Envelope{
		Type: SignalICECandidate, Candidate: &cand, From: "alice",
	}))

	callee, err := ic.Accept(true, false)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return spy.count(SignalAnswer, "bob") == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, StateConnecting, callee.State())
}

func TestHangUpBeforeAcceptCancels(t *testing.T) {
	bus := realtime.NewMemoryBus()
	alice, bob := twoManagers(t, bus, "conv-1")
	incoming := incomingChan(bob)

	caller, err := alice.Start("conv-1", KindAudio, true, false)
	require.NoError(t, err)
	ic := waitIncoming(t, incoming)

	caller.End()

	select {
	case <-ic.Cancelled():
	case <-time.After(time.Second):
		t.Fatal("incoming call not cancelled by caller hang-up")
	}
	_, err = ic.Accept(true, false)
	assert.ErrorIs(t, err, ErrCallGone)
}

func TestRejectHangsUpCaller(t *testing.T) {
	bus := realtime.NewMemoryBus()
	alice, bob := twoManagers(t, bus, "conv-1")
	incoming := incomingChan(bob)

	caller, err := alice.Start("conv-1", KindAudio, true, false)
	require.NoError(t, err)
	ic := waitIncoming(t, incoming)

	ic.Reject()

	select {
	case <-caller.Done():
	case <-time.After(time.Second):
		t.Fatal("caller session not ended by reject")
	}
	assert.Equal(t, StateEnded, caller.State())
	_, ok := alice.Session("conv-1")
	assert.False(t, ok, "terminal session removed from the manager")
}

func TestStartRefusesSecondCall(t *testing.T) {
	bus := realtime.NewMemoryBus()
	alice := NewManager(bus, "alice", &fakeProvider{}, nil)
	t.Cleanup(alice.Close)

	_, err := alice.Start("conv-1", KindAudio, true, false)
	require.NoError(t, err)

	_, err = alice.Start("conv-2", KindAudio, true, false)
	assert.ErrorIs(t, err, ErrCallActive)
}

func TestStartAllowedAfterPreviousCallEnds(t *testing.T) {
	bus := realtime.NewMemoryBus()
	alice := NewManager(bus, "alice", &fakeProvider{}, nil)
	t.Cleanup(alice.Close)

	first, err := alice.Start("conv-1", KindAudio, true, false)
	require.NoError(t, err)
	first.End()
	<-first.Done()

	require.Eventually(t, func() bool {
		_, ok := alice.Session("conv-1")
		return !ok
	}, time.Second, 10*time.Millisecond)

	_, err = alice.Start("conv-2", KindAudio, true, false)
	assert.NoError(t, err)
}

func TestAcceptRefusedWhileAnotherCallActive(t *testing.T) {
	bus := realtime.NewMemoryBus()
	alice, bob := twoManagers(t, bus, "conv-1")
	require.NoError(t, bob.Watch("conv-2"))
	incoming := incomingChan(bob)

	// Bob is already in a call elsewhere.
	_, err := bob.Start("conv-2", KindAudio, true, false)
	require.NoError(t, err)

	_, err = alice.Start("conv-1", KindAudio, true, false)
	require.NoError(t, err)
	ic := waitIncoming(t, incoming)

	_, err = ic.Accept(true, false)
	assert.ErrorIs(t, err, ErrCallActive)
}

func TestStartMediaFailureNotTracked(t *testing.T) {
	bus := realtime.NewMemoryBus()
	m := NewManager(bus, "alice", &fakeProvider{fail: true}, nil)
	t.Cleanup(m.Close)

	sess, err := m.Start("conv-1", KindAudio, true, false)
	require.ErrorIs(t, err, ErrMediaAccess)
	assert.Equal(t, StateFailed, sess.State())

	_, ok := m.Session("conv-1")
	assert.False(t, ok, "failed session must not occupy the conversation")

	// The failed attempt must not hold the media-exclusivity slot either.
	m2 := NewManager(bus, "carol", &fakeProvider{}, nil)
	t.Cleanup(m2.Close)
	_, err = m2.Start("conv-1", KindAudio, true, false)
	assert.NoError(t, err)
}

func TestOwnPublishesNotEchoedIntoSession(t *testing.T) {
	bus := realtime.NewMemoryBus()
	alice := NewManager(bus, "alice", &fakeProvider{}, nil)
	t.Cleanup(alice.Close)
	incoming := incomingChan(alice)

	// Starting a call publishes an offer on a topic alice herself watches; it
	// must not come back as an incoming call.
	_, err := alice.Start("conv-1", KindAudio, true, false)
	require.NoError(t, err)

	select {
	case <-incoming:
		t.Fatal("own offer echoed back as incoming call")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStrayNonOfferSignalsDropped(t *testing.T) {
	bus := realtime.NewMemoryBus()
	bob := NewManager(bus, "bob", &fakeProvider{}, nil)
	t.Cleanup(bob.Close)
	require.NoError(t, bob.Watch("conv-1"))
	incoming := incomingChan(bob)

	// Answer and hang-up with no session and no pending call: dropped.
	require.NoError(t, bus.Publish(Topic("conv-1"), EventSignal, &Envelope{
		Type: SignalAnswer, SDP: "v=0", From: "alice",
	}))
	require.NoError(t, bus.Publish(Topic("conv-1"), EventSignal, &Envelope{
		Type: SignalHangUp, From: "alice",
	}))

	select {
	case <-incoming:
		t.Fatal("stray signal surfaced an incoming call")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnwatchCancelsPending(t *testing.T) {
	bus := realtime.NewMemoryBus()
	alice, bob := twoManagers(t, bus, "conv-1")
	incoming := incomingChan(bob)

	_, err := alice.Start("conv-1", KindAudio, true, false)
	require.NoError(t, err)
	ic := waitIncoming(t, incoming)

	bob.Unwatch("conv-1")

	select {
	case <-ic.Cancelled():
	case <-time.After(time.Second):
		t.Fatal("pending call not cancelled by unwatch")
	}
}

func TestWatchIdempotent(t *testing.T) {
	bus := realtime.NewMemoryBus()
	bob := NewManager(bus, "bob", &fakeProvider{}, nil)
	t.Cleanup(bob.Close)

	require.NoError(t, bob.Watch("conv-1"))
	require.NoError(t, bob.Watch("conv-1"))
	incoming := incomingChan(bob)

	require.NoError(t, bus.Publish(Topic("conv-1"), EventSignal, &Envelope{
		Type: SignalOffer, SDP: "v=0\r\nm=audio 9 UDP/TLS/RTP/SAVPF 111\r\n", From: "alice",
	}))

	ic := waitIncoming(t, incoming)
	assert.Equal(t, KindAudio, ic.Kind)

	// A single watch means a single surface, not one per Watch call.
	select {
	case <-incoming:
		t.Fatal("duplicate subscription delivered the offer twice")
	case <-time.After(100 * time.Millisecond):
	}
}
