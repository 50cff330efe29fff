// Package rtc provides the in-process realization of the real-time transport
// primitives the consultation coordinator depends on: signaling rooms with
// ordered membership events, and local media track state.
package rtc

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/carelink/carelink/internal/domain/consult"
)

const eventBufferSize = 32

// Rooms is an in-process signaling fabric. Each room tracks its members and
// streams join/leave events to every member in occurrence order; fan-out
// happens under the room lock.
type Rooms struct {
	mu     sync.Mutex
	rooms  map[string]*signalRoom
	logger zerolog.Logger
}

type signalRoom struct {
	mu      sync.Mutex
	members []*memberConn
}

func NewRooms(logger zerolog.Logger) *Rooms {
	return &Rooms{rooms: make(map[string]*signalRoom), logger: logger}
}

// Join enters the room, announces the new member to everyone already
// present, and returns a connection that observes subsequent changes.
func (r *Rooms) Join(ctx context.Context, roomID, userID string) (consult.RoomConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	room, ok := r.rooms[roomID]
	if !ok {
		room = &signalRoom{}
		r.rooms[roomID] = room
	}
	r.mu.Unlock()

	conn := &memberConn{
		rooms:  r,
		roomID: roomID,
		userID: userID,
		events: make(chan consult.RoomEvent, eventBufferSize),
	}

	room.mu.Lock()
	conn.present = make([]string, 0, len(room.members))
	for _, m := range room.members {
		conn.present = append(conn.present, m.userID)
		m.deliver(consult.RoomEvent{Kind: consult.RoomEventJoined, ParticipantID: userID})
	}
	room.members = append(room.members, conn)
	room.mu.Unlock()

	r.logger.Debug().Str("room_id", roomID).Str("user_id", userID).Msg("rtc: member joined")
	return conn, nil
}

func (r *Rooms) leave(conn *memberConn, kind string) {
	r.mu.Lock()
	room := r.rooms[conn.roomID]
	r.mu.Unlock()
	if room == nil {
		return
	}

	room.mu.Lock()
	for i, m := range room.members {
		if m == conn {
			room.members = append(room.members[:i], room.members[i+1:]...)
			break
		}
	}
	for _, m := range room.members {
		m.deliver(consult.RoomEvent{Kind: kind, ParticipantID: conn.userID})
	}
	empty := len(room.members) == 0
	room.mu.Unlock()

	if empty {
		r.mu.Lock()
		if cur, ok := r.rooms[conn.roomID]; ok && cur == room {
			cur.mu.Lock()
			if len(cur.members) == 0 {
				delete(r.rooms, conn.roomID)
			}
			cur.mu.Unlock()
		}
		r.mu.Unlock()
	}
}

// Drop forcibly removes a user's connections from a room, announcing a
// disconnected event to the remaining members. Used when the transport layer
// detects an ungraceful connection loss.
func (r *Rooms) Drop(roomID, userID string) {
	r.mu.Lock()
	room := r.rooms[roomID]
	r.mu.Unlock()
	if room == nil {
		return
	}

	room.mu.Lock()
	var dropped []*memberConn
	for _, m := range room.members {
		if m.userID == userID {
			dropped = append(dropped, m)
		}
	}
	room.mu.Unlock()

	for _, conn := range dropped {
		conn.drop()
	}
}

// memberConn is one member's view of a signaling room.
type memberConn struct {
	rooms   *Rooms
	roomID  string
	userID  string
	present []string
	events  chan consult.RoomEvent

	mu     sync.Mutex
	closed bool
	once   sync.Once
}

func (c *memberConn) Participants() []string {
	out := make([]string, len(c.present))
	copy(out, c.present)
	return out
}

func (c *memberConn) Events() <-chan consult.RoomEvent {
	return c.events
}

func (c *memberConn) deliver(ev consult.RoomEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		// Watcher stalled beyond the buffer; the event is dropped rather
		// than blocking the room.
	}
}

func (c *memberConn) Leave() error {
	c.once.Do(func() {
		c.rooms.leave(c, consult.RoomEventLeft)
		c.mu.Lock()
		c.closed = true
		close(c.events)
		c.mu.Unlock()
	})
	return nil
}

// drop mirrors Leave but announces a disconnect and notifies the local
// watcher so it runs the coordinator's cleanup path.
func (c *memberConn) drop() {
	c.once.Do(func() {
		c.rooms.leave(c, consult.RoomEventDisconnected)
		c.mu.Lock()
		if !c.closed {
			select {
			case c.events <- consult.RoomEvent{Kind: consult.RoomEventDisconnected}:
			default:
			}
			c.closed = true
			close(c.events)
		}
		c.mu.Unlock()
	})
}
