//go:build linux

package call

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// deviceProvider captures the local camera/mic via pion/mediadevices
// (V4L2 + malgo on Linux).
type deviceProvider struct{}

// NewDeviceProvider returns the platform MediaProvider.
func NewDeviceProvider() MediaProvider { return deviceProvider{} }

func (deviceProvider) NewPeerConnection(kind Kind, iceServers []webrtc.ICEServer) (*webrtc.PeerConnection, LocalMedia, error) {
	// ── Codec selector ───────────────────────────────────────────────────────

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, err
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	// ── WebRTC API ───────────────────────────────────────────────────────────

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, err
	}

	// Generous ICE timeouts so a brief relay/NAT hiccup does not immediately
	// terminate the call. The default disconnectedTimeout of 5 s is too short
	// for paths with short outages during re-keying or failover.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, nil, err
	}

	// ── Capture local media ──────────────────────────────────────────────────

	constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
	constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	if kind == KindVideo {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Exclude MJPEG — some cameras expose an MJPEG V4L2 node that
			// produces malformed JPEG frames, which poisons the VP8 encoder.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			// Cap at 640×480 — higher resolutions increase VP8 encoding latency.
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		pc.Close()
		return nil, nil, fmt.Errorf("%w: GetUserMedia: %v", ErrMediaAccess, err)
	}

	media := &deviceMedia{}
	for _, track := range stream.GetTracks() {
		track.OnEnded(func(err error) {
			if err != nil {
				log.Warnf("CALL: local track ended: %v", err)
			}
		})
		sender, err := pc.AddTrack(track)
		if err != nil {
			media.Close()
			pc.Close()
			return nil, nil, fmt.Errorf("%w: AddTrack: %v", ErrMediaAccess, err)
		}
		switch track.Kind() {
		case webrtc.RTPCodecTypeAudio:
			media.audioTrack, media.audioSender = track, sender
		case webrtc.RTPCodecTypeVideo:
			media.videoTrack, media.videoSender = track, sender
		}
	}
	if media.audioTrack == nil {
		media.Close()
		pc.Close()
		return nil, nil, fmt.Errorf("%w: no microphone track", ErrMediaAccess)
	}
	if kind == KindVideo && media.videoTrack == nil {
		media.Close()
		pc.Close()
		return nil, nil, fmt.Errorf("%w: no camera track", ErrMediaAccess)
	}

	log.Infof("CALL: local media captured (%s)", kind)
	return pc, media, nil
}

// deviceMedia toggles tracks by swapping them in and out of their RTP senders:
// mediadevices tracks have no enabled flag, so mute is ReplaceTrack(nil).
type deviceMedia struct {
	audioTrack  mediadevices.Track
	audioSender *webrtc.RTPSender
	videoTrack  mediadevices.Track
	videoSender *webrtc.RTPSender
}

func (m *deviceMedia) SetAudioEnabled(on bool) {
	replaceTrack(m.audioSender, m.audioTrack, on)
}

func (m *deviceMedia) SetVideoEnabled(on bool) {
	replaceTrack(m.videoSender, m.videoTrack, on)
}

func replaceTrack(sender *webrtc.RTPSender, track mediadevices.Track, on bool) {
	if sender == nil || track == nil {
		return
	}
	var t webrtc.TrackLocal
	if on {
		t = track
	}
	if err := sender.ReplaceTrack(t); err != nil {
		log.Warnf("CALL: ReplaceTrack: %v", err)
	}
}

func (m *deviceMedia) Close() {
	if m.audioTrack != nil {
		m.audioTrack.Close()
	}
	if m.videoTrack != nil {
		m.videoTrack.Close()
	}
}
