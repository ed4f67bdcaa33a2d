// Package channel is the channel layer (component A): it accepts
// bidirectional, framed, ordered-within-a-connection websocket streams,
// enforces liveness and message-size limits, and hands decoded envelopes to
// a Handler. Grounded on the teacher's internal/handlers/agent_websocket.go
// read/write pump pair.
package channel

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fleetforge/orchestrator/internal/apperrors"
	"github.com/fleetforge/orchestrator/internal/logger"
	"github.com/fleetforge/orchestrator/internal/models"
)

// Config holds the channel layer's behavior-bearing knobs (spec §6
// Configuration surface).
type Config struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	MaxMessageSize int64
	RequireAuth    bool
}

// DefaultConfig matches the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		PingInterval:   30 * time.Second,
		PongTimeout:    10 * time.Second,
		MaxMessageSize: 1024 * 1024,
		RequireAuth:    true,
	}
}

// Handler is implemented by the node-lifecycle/dispatch layer to process
// decoded envelopes and connection lifecycle events. All methods are
// called from the connection's own single goroutine, so handler
// implementations see in-order delivery per connection, as required by
// spec §5.
type Handler interface {
	OnConnect(connectionID string, conn *Connection)
	OnMessage(connectionID string, env models.Envelope)
	OnDisconnect(connectionID string)
}

// Connection wraps one accepted websocket and exposes the Sender interface
// the registry package depends on, plus the buffered-send/ping/pong pump
// pair grounded on the teacher's writePump/readPump.
type Connection struct {
	id     string
	conn   *websocket.Conn
	cfg    Config
	send   chan models.Envelope
	closed chan struct{}
	once   sync.Once
}

const sendBufferSize = 256

// transportReadLimitFloor is the minimum gorilla-level read limit
// regardless of a small configured maxMessageSize, so that an
// over-the-application-limit frame is still delivered to readPump (and
// rejected there with an error frame) instead of killing the transport.
const transportReadLimitFloor = 4 * 1024 * 1024

func transportReadLimit(maxMessageSize int64) int64 {
	limit := maxMessageSize * 2
	if limit < transportReadLimitFloor {
		limit = transportReadLimitFloor
	}
	return limit
}

func newConnection(id string, wsConn *websocket.Conn, cfg Config) *Connection {
	return &Connection{
		id:     id,
		conn:   wsConn,
		cfg:    cfg,
		send:   make(chan models.Envelope, sendBufferSize),
		closed: make(chan struct{}),
	}
}

// Send enqueues an envelope for delivery. Returns false if the send buffer
// is full (the envelope is dropped; Send never blocks) or the connection is
// already closed.
func (c *Connection) Send(env models.Envelope) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

// Close terminates the connection, sending a disconnect frame first when
// reason is non-empty.
func (c *Connection) Close(reason string) {
	c.once.Do(func() {
		if reason != "" {
			env := models.MustEncode(models.TypeDisconnect, models.DisconnectPayload{Reason: reason}, "")
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.PongTimeout))
			if raw, err := json.Marshal(env); err == nil {
				c.conn.WriteMessage(websocket.TextMessage, raw)
			}
		}
		close(c.closed)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(1001, reason), time.Now().Add(time.Second))
		c.conn.Close()
	})
}

// Server is the websocket channel terminator. It implements an
// http.Handler suitable for mounting on any mux.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
	handler  Handler
}

// New constructs a channel Server delivering decoded frames to handler.
func New(cfg Config, handler Handler) *Server {
	return &Server{
		cfg:     cfg,
		handler: handler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and runs the connection's pumps until it
// closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := logger.Component("channel")

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	connectionID := uuid.NewString()
	conn := newConnection(connectionID, wsConn, s.cfg)

	// gorilla enforces SetReadLimit inside ReadMessage itself: a frame past
	// the limit gets a 1009 close frame and an error, tearing the
	// connection down before its bytes are ever handed back. That would
	// make the manual len(raw) check below dead code and turn every
	// over-limit frame into a dropped connection instead of spec §4.A's
	// "error frame, no further processing of that frame, connection stays
	// up". So gorilla's limit here is a hard transport-level backstop, set
	// well above the configured maxMessageSize, and the real enforcement
	// happens in readPump's len(raw) check once the frame is actually in
	// hand.
	wsConn.SetReadLimit(transportReadLimit(s.cfg.MaxMessageSize))
	wsConn.SetReadDeadline(time.Now().Add(s.cfg.PingInterval + s.cfg.PongTimeout))
	wsConn.SetPongHandler(func(string) error {
		wsConn.SetReadDeadline(time.Now().Add(s.cfg.PingInterval + s.cfg.PongTimeout))
		return nil
	})

	s.handler.OnConnect(connectionID, conn)

	connected := models.MustEncode(models.TypeConnected, models.ConnectedPayload{
		ConnectionID: connectionID,
		RequiresAuth: s.cfg.RequireAuth,
	}, "")
	conn.Send(connected)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writePump(conn)
	}()
	go func() {
		defer wg.Done()
		s.readPump(connectionID, conn)
	}()
	wg.Wait()

	s.handler.OnDisconnect(connectionID)
}

func (s *Server) readPump(connectionID string, conn *Connection) {
	log := logger.Component("channel")
	defer conn.Close("")

	for {
		_, raw, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("connectionId", connectionID).Msg("unexpected close")
			}
			return
		}

		if int64(len(raw)) > conn.cfg.MaxMessageSize {
			s.sendError(conn, apperrors.MessageTooLarge("frame exceeds maxMessageSize"))
			continue
		}

		var env models.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.sendError(conn, apperrors.InvalidJSON("malformed JSON frame"))
			continue
		}
		if env.Type == "" {
			s.sendError(conn, apperrors.InvalidMessage("frame missing \"type\""))
			continue
		}

		s.handler.OnMessage(connectionID, env)
	}
}

func (s *Server) writePump(conn *Connection) {
	ticker := time.NewTicker(conn.cfg.PingInterval)
	defer ticker.Stop()
	defer conn.Close("")

	for {
		select {
		case env, ok := <-conn.send:
			if !ok {
				return
			}
			raw, err := json.Marshal(env)
			if err != nil {
				continue
			}
			conn.conn.SetWriteDeadline(time.Now().Add(conn.cfg.PongTimeout))
			if err := conn.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			conn.conn.SetWriteDeadline(time.Now().Add(conn.cfg.PongTimeout))
			if err := conn.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-conn.closed:
			return
		}
	}
}

func (s *Server) sendError(conn *Connection, appErr *apperrors.AppError) {
	env := models.MustEncode(models.TypeError, appErr.ToPayload(), "")
	conn.Send(env)
}
