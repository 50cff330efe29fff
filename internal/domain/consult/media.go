// Package consult manages the lifecycle of one video consultation session:
// media acquisition, the signaling handshake, the participant roster, and
// guaranteed teardown.
package consult

import "context"

// MediaSource acquires the local media track (camera and microphone). The
// concrete implementation wraps the real-time media transport; a denied
// permission or timeout surfaces as an error here.
type MediaSource interface {
	Acquire(ctx context.Context) (MediaTrack, error)
}

// MediaTrack is the locally owned media resource. The coordinator is its
// sole owner and must release it on every exit path.
type MediaTrack interface {
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
	AudioEnabled() bool
	VideoEnabled() bool
	Close() error
}
