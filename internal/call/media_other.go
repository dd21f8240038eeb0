//go:build !linux

package call

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// deviceProvider is unavailable off Linux: camera/mic capture via
// pion/mediadevices needs platform drivers (V4L2/malgo).
type deviceProvider struct{}

// NewDeviceProvider returns the platform MediaProvider.
func NewDeviceProvider() MediaProvider { return deviceProvider{} }

func (deviceProvider) NewPeerConnection(Kind, []webrtc.ICEServer) (*webrtc.PeerConnection, LocalMedia, error) {
	return nil, nil, fmt.Errorf("%w: no capture drivers on this platform", ErrMediaAccess)
}
