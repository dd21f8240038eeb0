package call

import (
	"errors"
	"fmt"
)

var (
	// ErrMediaAccess means the local microphone/camera could not be acquired.
	// The session stays in StateFailed; the user must explicitly retry.
	ErrMediaAccess = errors.New("media device unavailable or permission denied")

	// ErrCallActive means another non-terminal session already owns the local
	// media devices.
	ErrCallActive = errors.New("another call is already active")

	// ErrCallGone means the remote party hung up before the incoming call was
	// accepted.
	ErrCallGone = errors.New("caller hung up before accept")
)

// SignalingError describes a malformed or unexpected envelope. The envelope is
// dropped and the session keeps its current state — stray and duplicate
// signals must not fail an otherwise healthy call.
type SignalingError struct {
	Signal string
	Reason string
}

func (e *SignalingError) Error() string {
	return fmt.Sprintf("signaling: dropped %q: %s", e.Signal, e.Reason)
}
