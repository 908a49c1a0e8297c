// Package gateway accepts client WebSocket connections and translates chat
// events into presence and delivery calls.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/farmchat/internal/delivery"
	"github.com/eldtechnologies/farmchat/internal/metrics"
	"github.com/eldtechnologies/farmchat/internal/models"
	"github.com/eldtechnologies/farmchat/internal/presence"
	"github.com/eldtechnologies/farmchat/internal/protocol"
)

const trackerTimeout = 2 * time.Second

// Sender delivers a validated message.
type Sender interface {
	Send(ctx context.Context, req delivery.SendRequest) (*models.Message, error)
}

// PresenceTracker records online/offline transitions outside this process.
type PresenceTracker interface {
	MarkOnline(ctx context.Context, userID models.UserID, instance, connID string, at time.Time) error
	MarkOffline(ctx context.Context, userID models.UserID, instance, connID string, at time.Time) error
}

// Options configures connection handling.
type Options struct {
	PingInterval    time.Duration
	SendBuffer      int
	MaxMessageBytes int64
	AllowedOrigins  []string
}

func (o *Options) setDefaults() {
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 5 << 20
	}
}

// Server is the http.Handler for the chat WebSocket endpoint.
type Server struct {
	registry *presence.Registry
	sender   Sender
	tracker  PresenceTracker
	instance string
	opts     Options
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewServer creates a gateway. tracker may be nil.
func NewServer(registry *presence.Registry, sender Sender, tracker PresenceTracker, instance string, logger zerolog.Logger, opts Options) *Server {
	opts.setDefaults()
	s := &Server{
		registry: registry,
		sender:   sender,
		tracker:  tracker,
		instance: instance,
		opts:     opts,
		logger:   logger.With().Str("component", "gateway").Logger(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	conn := newConn(ws, s.opts.SendBuffer)
	s.logger.Debug().Str("conn_id", conn.ID()).Str("remote_addr", r.RemoteAddr).Msg("connection opened")

	go conn.writePump(s.opts.PingInterval)
	s.readPump(conn)
}

// readPump reads frames until the socket fails or the peer stops answering pings.
func (s *Server) readPump(conn *Conn) {
	defer s.disconnect(conn)

	readTimeout := 2 * s.opts.PingInterval
	conn.ws.SetReadLimit(s.opts.MaxMessageBytes)
	conn.ws.SetReadDeadline(time.Now().Add(readTimeout))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, frame, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Str("conn_id", conn.ID()).Msg("connection read error")
			}
			return
		}
		s.handleFrame(conn, frame)
	}
}

func (s *Server) handleFrame(conn *Conn, frame []byte) {
	ev, err := protocol.Decode(frame)
	if err != nil {
		s.logger.Debug().Err(err).Str("conn_id", conn.ID()).Msg("rejected frame")
		s.sendError(conn, err.Error())
		return
	}

	switch e := ev.(type) {
	case protocol.Register:
		s.register(conn, e.UserID)
	case protocol.SendMessage:
		s.sendMessage(conn, e)
	default:
		s.sendError(conn, "event "+ev.EventName()+" is not accepted from clients")
	}
}

func (s *Server) register(conn *Conn, userID models.UserID) {
	if replaced := s.registry.Register(userID, conn); replaced != nil {
		s.logger.Debug().
			Int64("user_id", int64(userID)).
			Str("conn_id", conn.ID()).
			Str("replaced_conn_id", replaced.ID()).
			Msg("registration moved to new connection")
	}
	metrics.PresenceConnections.Set(float64(s.registry.Count()))

	s.logger.Info().Int64("user_id", int64(userID)).Str("conn_id", conn.ID()).Msg("user registered")

	if s.tracker != nil {
		ctx, cancel := context.WithTimeout(context.Background(), trackerTimeout)
		defer cancel()
		if err := s.tracker.MarkOnline(ctx, userID, s.instance, conn.ID(), time.Now().UTC()); err != nil {
			s.logger.Warn().Err(err).Int64("user_id", int64(userID)).Msg("failed to record online status")
		}
	}
}

func (s *Server) sendMessage(conn *Conn, e protocol.SendMessage) {
	_, err := s.sender.Send(context.Background(), delivery.SendRequest{
		SenderID:   e.SenderID,
		ReceiverID: e.ReceiverID,
		Content:    e.Message,
		Image:      e.Image,
	})
	if err == nil {
		return
	}

	msg := "failed to send message"
	if errors.Is(err, delivery.ErrInvalidMessage) {
		msg = err.Error()
	}
	s.sendError(conn, msg)
}

func (s *Server) sendError(conn *Conn, message string) {
	frame, err := protocol.Encode(protocol.Error{Message: message})
	if err != nil {
		return
	}
	if err := conn.Send(frame); err != nil {
		s.logger.Debug().Err(err).Str("conn_id", conn.ID()).Msg("dropped error event")
	}
}

// disconnect deregisters every user still bound to conn.
func (s *Server) disconnect(conn *Conn) {
	conn.Close()

	removed := s.registry.RemoveByConnection(conn)
	metrics.PresenceConnections.Set(float64(s.registry.Count()))

	for _, userID := range removed {
		s.logger.Info().Int64("user_id", int64(userID)).Str("conn_id", conn.ID()).Msg("user disconnected")
		if s.tracker == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), trackerTimeout)
		if err := s.tracker.MarkOffline(ctx, userID, s.instance, conn.ID(), time.Now().UTC()); err != nil {
			s.logger.Warn().Err(err).Int64("user_id", int64(userID)).Msg("failed to record offline status")
		}
		cancel()
	}
}
