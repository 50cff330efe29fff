package consult

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/carelink/carelink/internal/platform/presence"
)

// Session states. Error paths clean up and land back in idle rather than
// parking in a dead state.
type State string

const (
	StateIdle           State = "idle"
	StateAcquiringMedia State = "acquiring-media"
	StateJoining        State = "joining"
	StateActive         State = "active"
	StateLeaving        State = "leaving"
)

// RoomRouter scopes call-signal fan-out to the consultation's participants.
// Satisfied by the presence registry.
type RoomRouter interface {
	JoinRoom(userID, roomID string) bool
	LeaveRoom(userID, roomID string)
	SendRoom(roomID string, event presence.Event)
}

// Coordinator drives one user's consultation session through its state
// machine. All blocking steps run outside the lock; Leave is the single
// cleanup path and is safe to call at any point, including mid-join.
type Coordinator struct {
	userID    string
	media     MediaSource
	signaling Signaling
	router    RoomRouter
	logger    zerolog.Logger

	mediaTimeout     time.Duration
	signalingTimeout time.Duration

	mu         sync.Mutex
	state      State
	roomID     string
	track      MediaTrack
	conn       RoomConn
	roster     []string
	cancelJoin context.CancelFunc
}

func NewCoordinator(userID string, media MediaSource, signaling Signaling, router RoomRouter,
	mediaTimeout, signalingTimeout time.Duration, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		userID:           userID,
		media:            media,
		signaling:        signaling,
		router:           router,
		logger:           logger,
		mediaTimeout:     mediaTimeout,
		signalingTimeout: signalingTimeout,
		state:            StateIdle,
	}
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// Participants returns the remote roster, in observed join order.
func (c *Coordinator) Participants() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.roster))
	copy(out, c.roster)
	return out
}

// Join acquires local media, performs the signaling handshake for roomID,
// and activates the session. Both steps run under bounded timeouts; a
// timeout surfaces as the corresponding failure. No failure path leaves a
// media track held.
func (c *Coordinator) Join(ctx context.Context, roomID string) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return fmt.Errorf("%w: session is %s", ErrInvalidState, c.state)
	}
	joinCtx, cancel := context.WithCancel(ctx)
	c.cancelJoin = cancel
	c.state = StateAcquiringMedia
	c.mu.Unlock()
	defer cancel()

	mediaCtx, mediaCancel := context.WithTimeout(joinCtx, c.mediaTimeout)
	track, err := c.media.Acquire(mediaCtx)
	mediaCancel()
	if err != nil {
		c.abortJoin(StateAcquiringMedia)
		return fmt.Errorf("%w: %v", ErrMediaAccessDenied, err)
	}

	c.mu.Lock()
	if c.state != StateAcquiringMedia {
		// Leave ran mid-acquisition; release what we just acquired.
		c.mu.Unlock()
		track.Close()
		return fmt.Errorf("%w: session was torn down during join", ErrInvalidState)
	}
	c.track = track
	c.state = StateJoining
	c.mu.Unlock()

	sigCtx, sigCancel := context.WithTimeout(joinCtx, c.signalingTimeout)
	conn, err := c.signaling.Join(sigCtx, roomID, c.userID)
	sigCancel()
	if err != nil {
		// Media was acquired: release it before surfacing.
		c.releaseTrackAndAbort(StateJoining)
		return fmt.Errorf("%w: %v", ErrSignalingFailure, err)
	}

	c.mu.Lock()
	if c.state != StateJoining {
		// Leave won the race. It closes any track it took from the
		// session, so only a track it could not see is closed here.
		owned := c.track == track
		if owned {
			c.track = nil
		}
		c.mu.Unlock()
		conn.Leave()
		if owned {
			track.Close()
		}
		return fmt.Errorf("%w: session was torn down during join", ErrInvalidState)
	}
	c.conn = conn
	c.roomID = roomID
	c.roster = append([]string(nil), conn.Participants()...)
	c.state = StateActive
	c.cancelJoin = nil
	// Room membership and the joined announcement happen under the lock so
	// a concurrent Leave cannot run between activation and the membership
	// becoming visible; Leave then undoes both. The router never calls
	// back into the coordinator.
	c.router.JoinRoom(c.userID, roomID)
	c.router.SendRoom(roomID, presence.NewCallSignalEvent(roomID, presence.SignalJoined, c.userID))
	c.mu.Unlock()

	go c.watch(conn)

	c.logger.Info().Str("user_id", c.userID).Str("room_id", roomID).Msg("consultation joined")
	return nil
}

// abortJoin returns to idle after a failure in the given state. A no-op when
// Leave already moved the machine on.
func (c *Coordinator) abortJoin(from State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == from {
		c.state = StateIdle
		c.cancelJoin = nil
	}
}

func (c *Coordinator) releaseTrackAndAbort(from State) {
	c.mu.Lock()
	track := c.track
	c.track = nil
	if c.state == from {
		c.state = StateIdle
		c.cancelJoin = nil
	}
	c.mu.Unlock()
	if track != nil {
		track.Close()
	}
}

// watch consumes room events for the active connection, maintaining the
// roster. Each participant's own coordinator announces its lifecycle changes
// to the presence room, so remote events here only update local state; that
// keeps every signal announced exactly once. A closed stream or a local
// disconnected signal forces the same cleanup as an explicit Leave.
func (c *Coordinator) watch(conn RoomConn) {
	for ev := range conn.Events() {
		if ev.Kind == RoomEventDisconnected && ev.ParticipantID == "" {
			break
		}
		c.handleRoomEvent(conn, ev)
	}

	// Only tear down if this connection is still the active one.
	c.mu.Lock()
	current := c.conn == conn
	c.mu.Unlock()
	if current {
		c.logger.Warn().Str("user_id", c.userID).Msg("consultation transport lost")
		c.leaveWith(presence.SignalDisconnected)
	}
}

func (c *Coordinator) handleRoomEvent(conn RoomConn, ev RoomEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return
	}
	switch ev.Kind {
	case RoomEventJoined:
		c.roster = append(c.roster, ev.ParticipantID)
	case RoomEventLeft, RoomEventDisconnected:
		for i, p := range c.roster {
			if p == ev.ParticipantID {
				c.roster = append(c.roster[:i], c.roster[i+1:]...)
				break
			}
		}
	}
}

// Leave releases the media track, disconnects from the room, clears the
// roster, and returns to idle. Safe from any state, any number of times,
// including mid-join: an in-flight join is cancelled and releases its own
// partial resources.
func (c *Coordinator) Leave() {
	c.leaveWith(presence.SignalLeft)
}

func (c *Coordinator) leaveWith(signal string) {
	c.mu.Lock()
	if c.state == StateIdle || c.state == StateLeaving {
		c.mu.Unlock()
		return
	}
	if c.cancelJoin != nil {
		c.cancelJoin()
		c.cancelJoin = nil
	}
	track := c.track
	conn := c.conn
	roomID := c.roomID
	c.track = nil
	c.conn = nil
	c.roster = nil
	c.roomID = ""
	c.state = StateLeaving
	c.mu.Unlock()

	if conn != nil {
		conn.Leave()
	}
	if track != nil {
		track.Close()
	}
	if roomID != "" {
		c.router.SendRoom(roomID, presence.NewCallSignalEvent(roomID, signal, c.userID))
		c.router.LeaveRoom(c.userID, roomID)
		c.logger.Info().Str("user_id", c.userID).Str("room_id", roomID).Msg("consultation left")
	}

	c.mu.Lock()
	c.state = StateIdle
	c.mu.Unlock()
}

// ToggleAudio flips the microphone flag. Valid only while active.
func (c *Coordinator) ToggleAudio() (bool, error) {
	return c.toggle(func(t MediaTrack) bool {
		t.SetAudioEnabled(!t.AudioEnabled())
		return t.AudioEnabled()
	})
}

// ToggleVideo flips the camera flag. Valid only while active.
func (c *Coordinator) ToggleVideo() (bool, error) {
	return c.toggle(func(t MediaTrack) bool {
		t.SetVideoEnabled(!t.VideoEnabled())
		return t.VideoEnabled()
	})
}

func (c *Coordinator) toggle(flip func(MediaTrack) bool) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive || c.track == nil {
		return false, fmt.Errorf("%w: session is %s", ErrInvalidState, c.state)
	}
	return flip(c.track), nil
}
