package presence

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/carelink/carelink/internal/platform/auth"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	maxFrameSize = 8192
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS enforcement for the HTTP API lives in middleware; the socket
		// endpoint is authenticated by the same bearer identity.
		return true
	},
}

// Conn is the subset of the websocket connection the pumps need. Tests
// substitute an in-memory implementation.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// inboundFrame is what a connected client may send over the socket. Only
// direct chat messages originate client-side; booking updates and call
// signals are server-originated.
type inboundFrame struct {
	Kind    string `json:"kind"`
	To      string `json:"to,omitempty"`
	Content string `json:"content,omitempty"`
}

// Handler upgrades authenticated HTTP requests to websocket sessions and
// runs the read/write pumps against the registry.
type Handler struct {
	registry *Registry
	logger   zerolog.Logger
}

func NewHandler(registry *Registry, logger zerolog.Logger) *Handler {
	return &Handler{registry: registry, logger: logger}
}

func (h *Handler) Register(g *echo.Group) {
	g.GET("/ws", h.Serve)
}

// Serve upgrades the connection and binds it to the caller's identity. The
// session lives until the client disconnects or a newer connection for the
// same user supersedes it.
func (h *Handler) Serve(c echo.Context) error {
	userID := auth.UserIDFromContext(c.Request().Context())
	if userID == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing identity")
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("user_id", userID).Msg("presence: upgrade failed")
		return nil
	}

	h.ServeConn(ws, userID)
	return nil
}

// ServeConn runs a connection's lifecycle: register, pump, unregister. Split
// from Serve so tests can drive it with an in-memory Conn.
func (h *Handler) ServeConn(conn Conn, userID string) {
	sess := h.registry.Register(userID)
	h.logger.Info().Str("user_id", userID).Msg("presence: connected")

	done := make(chan struct{})
	go h.writePump(conn, sess, done)
	h.readPump(conn, sess)

	// Read pump has returned: the client went away or the frame was invalid.
	h.registry.Unregister(sess)
	<-done
	conn.Close()
	h.logger.Info().Str("user_id", userID).Msg("presence: disconnected")
}

func (h *Handler) readPump(conn Conn, sess *Session) {
	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Str("user_id", sess.UserID).Msg("presence: read error")
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.logger.Debug().Str("user_id", sess.UserID).Msg("presence: malformed frame")
			continue
		}
		h.dispatch(sess, frame)
	}
}

// dispatch routes a client frame. Unknown kinds are dropped, not fatal, so
// newer clients can speak to older servers.
func (h *Handler) dispatch(sess *Session, frame inboundFrame) {
	switch frame.Kind {
	case string(KindMessage):
		if frame.To == "" || frame.Content == "" {
			return
		}
		h.registry.Send(frame.To, NewMessageEvent(sess.UserID, frame.Content))
	default:
		h.logger.Debug().Str("kind", frame.Kind).Msg("presence: unknown frame kind")
	}
}

func (h *Handler) writePump(conn Conn, sess *Session, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-sess.Receive():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Session unregistered or superseded.
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
