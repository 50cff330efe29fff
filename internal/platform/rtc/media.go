package rtc

import (
	"context"
	"sync"

	"github.com/carelink/carelink/internal/domain/consult"
)

// LocalMedia is the server-side representation of a client's local media
// state. Actual capture happens on the client; this gateway reserves the
// track and holds its declared enabled flags so toggles have a single
// authoritative home.
type LocalMedia struct{}

func NewLocalMedia() *LocalMedia { return &LocalMedia{} }

func (m *LocalMedia) Acquire(ctx context.Context) (consult.MediaTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &trackState{audio: true, video: true}, nil
}

type trackState struct {
	mu    sync.Mutex
	audio bool
	video bool
}

func (t *trackState) SetAudioEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.audio = enabled
}

func (t *trackState) SetVideoEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.video = enabled
}

func (t *trackState) AudioEnabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.audio
}

func (t *trackState) VideoEnabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.video
}

func (t *trackState) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.audio = false
	t.video = false
	return nil
}
