package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matchwork/comms/internal/call"
	"github.com/matchwork/comms/internal/notify"
	"github.com/matchwork/comms/internal/realtime"
	"github.com/matchwork/comms/internal/store"
)

// loopbackProvider builds real peer connections with recvonly transceivers so
// SDP negotiation works without capture hardware.
type loopbackProvider struct{}

func (loopbackProvider) NewPeerConnection(kind call.Kind, iceServers []webrtc.ICEServer) (*webrtc.PeerConnection, call.LocalMedia, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, nil, err
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio); err != nil {
		pc.Close()
		return nil, nil, err
	}
	if kind == call.KindVideo {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo); err != nil {
			pc.Close()
			return nil, nil, err
		}
	}
	return pc, nil, nil
}

type alertLog struct {
	mu     sync.Mutex
	alerts []notify.Alert
}

func (l *alertLog) Deliver(a notify.Alert) error {
	l.mu.Lock()
	l.alerts = append(l.alerts, a)
	l.mu.Unlock()
	return nil
}

func (l *alertLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.alerts)
}

func (l *alertLog) last() notify.Alert {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.alerts[len(l.alerts)-1]
}

// harness is two clients for the same datastore and bus, the way two browser
// sessions of the two participants would look against one backend.
type harness struct {
	st         *store.SQLite
	bus        realtime.Bus
	alice, bob *Client
	aliceLog   *alertLog
	bobLog     *alertLog
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	require.NoError(t, st.UpsertProfile(ctx, "alice", "Alice A."))
	require.NoError(t, st.UpsertProfile(ctx, "bob", "Bob B."))

	h := &harness{
		st:       st,
		bus:      realtime.NewMemoryBus(),
		aliceLog: &alertLog{},
		bobLog:   &alertLog{},
	}
	h.alice = New("alice", st, h.bus, Options{Media: loopbackProvider{}, Sink: h.aliceLog})
	h.bob = New("bob", st, h.bus, Options{Media: loopbackProvider{}, Sink: h.bobLog})
	t.Cleanup(h.alice.Close)
	t.Cleanup(h.bob.Close)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.alice.Start(context.Background()))
	require.NoError(t, h.bob.Start(context.Background()))
}

func TestMessageRoundTripWithReceipts(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	ctx := context.Background()

	conv, err := h.alice.Contact(ctx, "bob", "job-42")
	require.NoError(t, err)
	assert.Equal(t, "job-42", conv.JobID)

	_, err = h.alice.OpenConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, h.alice.ActiveConversation())

	sent, err := h.alice.Send(ctx, "hi bob")
	require.NoError(t, err)
	require.NotNil(t, sent.DeliveredAt)

	// Bob is not looking at the conversation: unread goes up and an alert
	// naming alice fires. Alice gets neither for her own message.
	require.Eventually(t, func() bool {
		return h.bob.Unread().Count(conv.ID) == 1
	}, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return h.bobLog.count() == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "Alice A.", h.bobLog.last().SenderName)
	assert.Equal(t, 0, h.alice.Unread().Total())
	assert.Equal(t, 0, h.aliceLog.count())

	// Bob opens the conversation: the message is marked read, his counter
	// drains, and alice's transcript shows the receipt.
	entries, err := h.bob.OpenConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "hi bob", entries[0].Content)

	require.Eventually(t, func() bool {
		return h.bob.Unread().Total() == 0
	}, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		tr := h.alice.Engine().Transcript()
		return len(tr) == 1 && tr[0].ReadAt != nil
	}, time.Second, 10*time.Millisecond)
}

func TestOpenConversationSuppressesNotification(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	ctx := context.Background()

	conv, err := h.bob.Contact(ctx, "alice", "")
	require.NoError(t, err)
	_, err = h.bob.OpenConversation(ctx, conv.ID)
	require.NoError(t, err)
	_, err = h.alice.OpenConversation(ctx, conv.ID)
	require.NoError(t, err)

	_, err = h.alice.Send(ctx, "you there?")
	require.NoError(t, err)

	// Bob's open transcript consumes the insert and immediately reads it.
	require.Eventually(t, func() bool {
		tr := h.bob.Engine().Transcript()
		return len(tr) == 1 && tr[0].ReadAt != nil
	}, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return h.bob.Unread().Total() == 0
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, h.bobLog.count(), "on-screen messages must not notify")
}

func TestBackgroundedSurfaceStillNotifies(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	ctx := context.Background()

	conv, err := h.bob.Contact(ctx, "alice", "")
	require.NoError(t, err)
	_, err = h.bob.OpenConversation(ctx, conv.ID)
	require.NoError(t, err)
	h.bob.SetForeground(false)

	_, err = h.alice.OpenConversation(ctx, conv.ID)
	require.NoError(t, err)
	_, err = h.alice.Send(ctx, "ping")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.bobLog.count() == 1
	}, time.Second, 10*time.Millisecond)

	h.bob.SetForeground(true)
	_, err = h.alice.Send(ctx, "pong")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		tr := h.bob.Engine().Transcript()
		return len(tr) == 2
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.bobLog.count(), "foregrounded again: no further alerts")
}

func TestCloseConversationRestoresCounting(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	ctx := context.Background()

	conv, err := h.bob.Contact(ctx, "alice", "")
	require.NoError(t, err)
	_, err = h.bob.OpenConversation(ctx, conv.ID)
	require.NoError(t, err)
	h.bob.CloseConversation()
	assert.Empty(t, h.bob.ActiveConversation())

	_, err = h.alice.OpenConversation(ctx, conv.ID)
	require.NoError(t, err)
	_, err = h.alice.Send(ctx, "still there?")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.bob.Unread().Count(conv.ID) == 1 && h.bobLog.count() == 1
	}, time.Second, 10*time.Millisecond)
	assert.Empty(t, h.bob.Engine().Transcript())
}

func TestUnreadPrimedOnStart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// History written before the client comes up.
	conv, err := h.st.EnsureConversation(ctx, "alice", "bob", "")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = h.st.InsertMessage(ctx, &store.Message{
			ConversationID: conv.ID, SenderID: "alice", Content: "backlog",
		})
		require.NoError(t, err)
	}

	require.NoError(t, h.bob.Start(ctx))
	assert.Equal(t, 3, h.bob.Unread().Count(conv.ID))
	assert.Equal(t, 3, h.bob.Unread().Total())
}

func TestCallAcrossClients(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// The conversation exists before bob starts, so his client watches its
	// signaling topic on startup.
	conv, err := h.st.EnsureConversation(ctx, "alice", "bob", "")
	require.NoError(t, err)
	h.start(t)

	incoming := make(chan *call.IncomingCall, 1)
	h.bob.Calls().OnIncoming(func(ic *call.IncomingCall) { incoming <- ic })

	caller, err := h.alice.StartCall(conv.ID, call.KindAudio, true, false)
	require.NoError(t, err)
	assert.Equal(t, call.StateConnecting, caller.State())

	var ic *call.IncomingCall
	select {
	case ic = <-incoming:
	case <-time.After(time.Second):
		t.Fatal("bob never saw the incoming call")
	}
	assert.Equal(t, "alice", ic.From)
	assert.Equal(t, call.KindAudio, ic.Kind)

	callee, err := ic.Accept(true, false)
	require.NoError(t, err)

	got, ok := h.bob.Calls().Session(conv.ID)
	require.True(t, ok)
	assert.Same(t, callee, got)

	// Either side hanging up terminates both sessions.
	callee.End()
	select {
	case <-caller.Done():
	case <-time.After(time.Second):
		t.Fatal("caller session not ended by remote hang-up")
	}
	assert.Equal(t, call.StateEnded, caller.State())
}
