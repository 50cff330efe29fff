// Package presence maps user identity to an active connection and routes
// point-to-point and broadcast events between connected clients. The registry
// is sharded by user id so unrelated users never contend on a common lock.
package presence

import (
	"encoding/json"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const (
	shardCount     = 32
	sendBufferSize = 256
)

// Session is one user's live, addressable connection. The registry entry is
// the sole owner of the outbound channel; superseded or unregistered sessions
// have their channel closed exactly once so the transport's write loop exits.
type Session struct {
	UserID string

	gen       uint64
	send      chan []byte
	closeOnce sync.Once

	mu    sync.Mutex
	rooms map[string]struct{}
}

// Receive returns the channel the transport's write loop drains. The channel
// is closed when the session is unregistered or superseded.
func (s *Session) Receive() <-chan []byte {
	return s.send
}

func (s *Session) close() {
	s.closeOnce.Do(func() { close(s.send) })
}

// push delivers pre-marshaled bytes without blocking. A full buffer means the
// client is not keeping up; the event is dropped (at-most-once delivery).
func (s *Session) push(data []byte) bool {
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// Registry is the connection registry and event router. One logical session
// exists per user: registering again supersedes the previous entry for
// routing purposes (last-connected wins) without touching its transport.
type Registry struct {
	shards  [shardCount]*shard
	nextGen atomic.Uint64

	roomMu sync.RWMutex
	rooms  map[string]*room

	logger zerolog.Logger
}

// room holds an ordered member list so fan-out reaches members in join order
// and, because fan-out happens under the room lock, signal events arrive at
// every member in occurrence order.
type room struct {
	mu      sync.Mutex
	members []*Session
}

func NewRegistry(logger zerolog.Logger) *Registry {
	r := &Registry{
		rooms:  make(map[string]*room),
		logger: logger,
	}
	for i := range r.shards {
		r.shards[i] = &shard{sessions: make(map[string]*Session)}
	}
	return r
}

func (r *Registry) shardFor(userID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return r.shards[h.Sum32()%shardCount]
}

// Register creates a session for userID and makes it the routing target. Any
// prior session for the same user is superseded and its channel closed; its
// transport connection is left to the transport layer to tear down.
func (r *Registry) Register(userID string) *Session {
	sess := &Session{
		UserID: userID,
		gen:    r.nextGen.Add(1),
		send:   make(chan []byte, sendBufferSize),
		rooms:  make(map[string]struct{}),
	}

	sh := r.shardFor(userID)
	sh.mu.Lock()
	prev := sh.sessions[userID]
	sh.sessions[userID] = sess
	sh.mu.Unlock()

	if prev != nil {
		r.dropFromRooms(prev)
		prev.close()
		r.logger.Debug().Str("user_id", userID).Msg("presence: session superseded")
	}
	return sess
}

// Unregister removes the session. It is idempotent, safe for sessions that
// were never registered, and generation-guarded: a stale disconnect for a
// superseded session cannot evict the user's newer connection.
func (r *Registry) Unregister(sess *Session) {
	if sess == nil {
		return
	}
	sh := r.shardFor(sess.UserID)
	sh.mu.Lock()
	if cur, ok := sh.sessions[sess.UserID]; ok && cur.gen == sess.gen {
		delete(sh.sessions, sess.UserID)
	}
	sh.mu.Unlock()

	r.dropFromRooms(sess)
	sess.close()
}

// lookup returns the current session for userID, or nil.
func (r *Registry) lookup(userID string) *Session {
	sh := r.shardFor(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.sessions[userID]
}

// IsOnline reports whether userID has a live session.
func (r *Registry) IsOnline(userID string) bool {
	return r.lookup(userID) != nil
}

// SessionCount returns the number of registered sessions.
func (r *Registry) SessionCount() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

// Send delivers an event to the target user's current connection. A target
// with no session is a silent miss, not an error: this layer is best-effort
// at-most-once and durable delivery belongs to an upstream store.
func (r *Registry) Send(targetUserID string, event Event) {
	sess := r.lookup(targetUserID)
	if sess == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		r.logger.Error().Err(err).Msg("presence: marshal event")
		return
	}
	if !sess.push(data) {
		r.logger.Warn().Str("user_id", targetUserID).Msg("presence: send buffer full, event dropped")
	}
}

// Broadcast delivers an event to every registered session whose user id
// matches the predicate. A nil predicate matches everyone.
func (r *Registry) Broadcast(event Event, predicate func(userID string) bool) {
	data, err := json.Marshal(event)
	if err != nil {
		r.logger.Error().Err(err).Msg("presence: marshal event")
		return
	}
	for _, sh := range r.shards {
		sh.mu.RLock()
		for userID, sess := range sh.sessions {
			if predicate == nil || predicate(userID) {
				sess.push(data)
			}
		}
		sh.mu.RUnlock()
	}
}

// JoinRoom adds userID's current session to roomID. Returns false when the
// user has no live session.
func (r *Registry) JoinRoom(userID, roomID string) bool {
	sess := r.lookup(userID)
	if sess == nil {
		return false
	}

	r.roomMu.Lock()
	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{}
		r.rooms[roomID] = rm
	}
	r.roomMu.Unlock()

	rm.mu.Lock()
	for _, m := range rm.members {
		if m == sess {
			rm.mu.Unlock()
			return true
		}
	}
	rm.members = append(rm.members, sess)
	rm.mu.Unlock()

	sess.mu.Lock()
	sess.rooms[roomID] = struct{}{}
	sess.mu.Unlock()
	return true
}

// LeaveRoom removes userID's current session from roomID. Idempotent.
func (r *Registry) LeaveRoom(userID, roomID string) {
	sess := r.lookup(userID)
	if sess == nil {
		return
	}
	r.removeMember(sess, roomID)
}

// SendRoom delivers an event to every member of roomID. Delivery order across
// members matches occurrence order of successive SendRoom calls because the
// fan-out holds the room lock.
func (r *Registry) SendRoom(roomID string, event Event) {
	r.roomMu.RLock()
	rm := r.rooms[roomID]
	r.roomMu.RUnlock()
	if rm == nil {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		r.logger.Error().Err(err).Msg("presence: marshal event")
		return
	}

	rm.mu.Lock()
	for _, sess := range rm.members {
		sess.push(data)
	}
	rm.mu.Unlock()
}

// RoomMembers returns the user ids currently in roomID, in join order.
func (r *Registry) RoomMembers(roomID string) []string {
	r.roomMu.RLock()
	rm := r.rooms[roomID]
	r.roomMu.RUnlock()
	if rm == nil {
		return nil
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := make([]string, len(rm.members))
	for i, sess := range rm.members {
		out[i] = sess.UserID
	}
	return out
}

func (r *Registry) removeMember(sess *Session, roomID string) {
	r.roomMu.Lock()
	rm := r.rooms[roomID]
	r.roomMu.Unlock()
	if rm == nil {
		return
	}

	rm.mu.Lock()
	for i, m := range rm.members {
		if m == sess {
			rm.members = append(rm.members[:i], rm.members[i+1:]...)
			break
		}
	}
	empty := len(rm.members) == 0
	rm.mu.Unlock()

	if empty {
		r.roomMu.Lock()
		if cur, ok := r.rooms[roomID]; ok && cur == rm {
			cur.mu.Lock()
			if len(cur.members) == 0 {
				delete(r.rooms, roomID)
			}
			cur.mu.Unlock()
		}
		r.roomMu.Unlock()
	}

	sess.mu.Lock()
	delete(sess.rooms, roomID)
	sess.mu.Unlock()
}

// dropFromRooms removes the session from every room it joined.
func (r *Registry) dropFromRooms(sess *Session) {
	sess.mu.Lock()
	roomIDs := make([]string, 0, len(sess.rooms))
	for id := range sess.rooms {
		roomIDs = append(roomIDs, id)
	}
	sess.mu.Unlock()

	for _, id := range roomIDs {
		r.removeMember(sess, id)
	}
}
