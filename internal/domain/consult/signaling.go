package consult

import "context"

// Room event kinds reported by the signaling transport.
const (
	RoomEventJoined       = "joined"
	RoomEventLeft         = "left"
	RoomEventDisconnected = "disconnected"
)

// RoomEvent is a participant change observed in a signaling room. A
// disconnected event with an empty ParticipantID means the local connection
// itself was lost.
type RoomEvent struct {
	Kind          string
	ParticipantID string
}

// Signaling performs the room handshake against the real-time transport.
type Signaling interface {
	Join(ctx context.Context, roomID, userID string) (RoomConn, error)
}

// RoomConn is an established signaling-room connection. Remote participant
// lifecycles belong to the transport; the coordinator only observes them.
type RoomConn interface {
	// Participants returns the remote participants already present, in
	// join order.
	Participants() []string

	// Events streams subsequent participant changes. The channel closes
	// when the connection ends.
	Events() <-chan RoomEvent

	// Leave disconnects from the room. Idempotent.
	Leave() error
}
