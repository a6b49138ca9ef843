package wsport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/paygate/internal/activity"
)

// ErrSessionClosed is returned when writing to a finished session.
var ErrSessionClosed = errors.New("session closed")

// Handler serves one opened surface. It returns when the surface is done.
type Handler func(ctx context.Context, s *Session)

// Server upgrades surface connections and runs a Handler for each.
type Server struct {
	upgrader websocket.Upgrader
	handler  Handler

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewServer returns a server accepting connections whose Origin matches one
// of allowedOrigins (wildcards allowed). With no patterns only same-host
// origins are accepted.
func NewServer(allowedOrigins []string, h Handler) *Server {
	s := &Server{
		handler:  h,
		sessions: make(map[string]*Session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  bufferSize,
			WriteBufferSize: bufferSize,
		},
	}
	if len(allowedOrigins) > 0 {
		patterns := append([]string(nil), allowedOrigins...)
		s.upgrader.CheckOrigin = func(r *http.Request) bool {
			return OriginAllowed(patterns, r.Header.Get("Origin"))
		}
	}
	return s
}

// OriginAllowed reports whether origin matches any pattern.
func OriginAllowed(patterns []string, origin string) bool {
	if origin == "" {
		return false
	}
	for _, p := range patterns {
		if wildcard.Match(p, origin) {
			return true
		}
	}
	return false
}

// SessionCount returns the number of connected surfaces.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("origin", r.Header.Get("Origin")).Msg("Rejected surface connection")
		return
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}
	var env activity.Envelope
	var req activity.Request
	if err := json.Unmarshal(data, &env); err != nil || env.Type != typeOpen || json.Unmarshal(env.Payload, &req) != nil {
		log.Warn().Msg("Surface connection did not start with an open request")
		conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	sess := &Session{
		ID:       uuid.NewString(),
		Request:  req,
		conn:     conn,
		send:     make(chan []byte, sendQueue),
		messages: make(chan activity.Envelope, sendQueue),
		closed:   make(chan struct{}),
		cancel:   cancel,
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	log.Debug().Str("session", sess.ID).Str("url", req.URL).Msg("Surface session opened")

	go sess.writePump()
	go sess.readPump()

	s.handler(ctx, sess)
	sess.shutdown()

	s.mu.Lock()
	delete(s.sessions, sess.ID)
	s.mu.Unlock()
	log.Debug().Str("session", sess.ID).Msg("Surface session closed")
}

// Session is one connected host as seen by the surface.
type Session struct {
	ID      string
	Request activity.Request

	conn     *websocket.Conn
	send     chan []byte
	messages chan activity.Envelope

	closeOnce sync.Once
	closed    chan struct{}
	cancel    context.CancelFunc
}

// Messages yields messages the host sends. It is closed when the host goes
// away.
func (s *Session) Messages() <-chan activity.Envelope {
	return s.messages
}

// Ready tells the host the surface is ready.
func (s *Session) Ready() error {
	return s.control(typeReady, nil)
}

// Send delivers msg to the host.
func (s *Session) Send(msg activity.Message) error {
	env, err := activity.Encode(msg)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.enqueue(data)
}

// Complete finishes the surface with data as its result.
func (s *Session) Complete(data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return s.control(typeResult, activity.Result{Data: raw, Origin: s.Request.URL, OriginVerified: true, SecureChannel: true})
}

// Cancel reports that the reader dismissed the surface.
func (s *Session) Cancel() error {
	return s.control(typeCancel, nil)
}

// Fail finishes the surface with a protocol error.
func (s *Session) Fail(reason string) error {
	return s.control(typeError, errorPayload{Reason: reason})
}

func (s *Session) control(typ string, payload any) error {
	data, err := control(typ, payload)
	if err != nil {
		return err
	}
	return s.enqueue(data)
}

func (s *Session) enqueue(data []byte) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}
	select {
	case s.send <- data:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	}
}

func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()
	})
}

func (s *Session) readPump() {
	defer func() {
		close(s.messages)
		s.shutdown()
	}()

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("session", s.ID).Msg("Surface read error")
			}
			return
		}
		var env activity.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn().Err(err).Str("session", s.ID).Msg("Failed to unmarshal host message")
			continue
		}
		select {
		case s.messages <- env:
		case <-s.closed:
			return
		}
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("session", s.ID).Msg("Failed to write surface message")
				s.shutdown()
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.shutdown()
				return
			}

		case <-s.closed:
			// Flush what the handler queued before it returned.
			for {
				select {
				case data := <-s.send:
					s.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
						return
					}
				default:
					s.conn.SetWriteDeadline(time.Now().Add(writeWait))
					s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}
