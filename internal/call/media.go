// Package call manages peer call sessions using Pion WebRTC. It is coupled to
// the rest of the module via the realtime.Bus signaling surface only.
package call

import (
	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"
)

var log = logging.Logger("comms/call")

// Kind selects the media profile of a call.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// LocalMedia owns the captured microphone/camera for one session. Enable
// toggles affect only the local tracks; no signal is transmitted.
type LocalMedia interface {
	SetAudioEnabled(bool)
	SetVideoEnabled(bool)
	Close()
}

// MediaProvider constructs a PeerConnection with local media attached.
// Audio is always captured; video only for KindVideo. Implementations report
// capture failure as an error wrapping ErrMediaAccess.
type MediaProvider interface {
	NewPeerConnection(kind Kind, iceServers []webrtc.ICEServer) (*webrtc.PeerConnection, LocalMedia, error)
}
