package call

import (
	"strings"

	"github.com/pion/webrtc/v4"
)

// ── Topic constants ───────────────────────────────────────────────────────────
// One signaling topic per conversation, distinct from the message change feed.
const (
	// TopicPrefix + conversationID is the signaling topic for that conversation.
	TopicPrefix = "call:"

	// EventSignal is the bus event name shared by all signal envelopes; the
	// envelope's "type" field discriminates.
	EventSignal = "signal"
)

// Topic returns the signaling topic for a conversation.
func Topic(conversationID string) string { return TopicPrefix + conversationID }

// ── Signal type constants ─────────────────────────────────────────────────────
// Value of the "type" field of every envelope exchanged during one call attempt.
const (
	SignalOffer        = "offer"         // initiator → callee: SDP offer
	SignalAnswer       = "answer"        // callee → initiator: SDP answer
	SignalICECandidate = "ice-candidate" // either → other: trickle ICE candidate
	SignalHangUp       = "hang-up"       // either side: end the call
)

// Envelope is a transient signal exchanged over the conversation's signaling
// topic during one call attempt. Never persisted.
//
// Signaling sequence:
//
//	initiator                        callee
//	──────────────────────────────────────────────────────
//	offer          ────────────────► (incoming-call surface)
//	               ◄──────────────── answer  (on accept)
//	ice-candidate ◄────────────────► ice-candidate  (trickle, both ways)
//	hang-up        ────────────────► (or either side, any time)
type Envelope struct {
	Type      string                   `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	From      string                   `json:"from,omitempty"`
}

// offerKind infers the call kind from the SDP's media sections.
func offerKind(sdp string) Kind {
	if strings.Contains(sdp, "m=video") {
		return KindVideo
	}
	return KindAudio
}
