package chat

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event names used on the WebSocket.
const (
	EventRegister       = "register"
	EventSendMessage    = "sendMessage"
	EventReceiveMessage = "receiveMessage"
	EventError          = "error"
)

// LiveMessage is a message pushed to a connected recipient.
type LiveMessage struct {
	SenderID   int64     `json:"senderId"`
	ReceiverID int64     `json:"receiverId"`
	Message    string    `json:"message"`
	Image      []byte    `json:"image,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Event is a frame received from the server. Exactly one of Message or Error
// is set for known event names.
type Event struct {
	Name    string
	Message *LiveMessage
	Error   string
}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Session is a live WebSocket connection to the chat server.
type Session struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	events  chan Event
}

// Connect opens a WebSocket session. Events are delivered on Events until the
// connection closes.
func (c *Client) Connect(ctx context.Context) (*Session, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}

	s := &Session{ws: ws, events: make(chan Event, 16)}
	go s.readLoop()
	return s, nil
}

// Events returns the channel of received events. It is closed when the session ends.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Register binds this connection to userID so messages for that user are pushed here.
func (s *Session) Register(userID int64) error {
	return s.write(EventRegister, userID)
}

// SendMessage sends a message over the live connection. Failures are reported
// asynchronously as an error event.
func (s *Session) SendMessage(req SendRequest) error {
	return s.write(EventSendMessage, req)
}

// Close closes the connection.
func (s *Session) Close() error {
	s.writeMu.Lock()
	s.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()
	return s.ws.Close()
}

func (s *Session) write(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(envelope{Event: event, Data: raw})
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.ws.WriteMessage(websocket.TextMessage, frame)
}

func (s *Session) readLoop() {
	defer close(s.events)

	for {
		_, frame, err := s.ws.ReadMessage()
		if err != nil {
			return
		}

		var env envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			continue
		}

		ev := Event{Name: env.Event}
		switch env.Event {
		case EventReceiveMessage:
			var msg LiveMessage
			if err := json.Unmarshal(env.Data, &msg); err != nil {
				continue
			}
			ev.Message = &msg
		case EventError:
			var e struct {
				Message string `json:"message"`
			}
			json.Unmarshal(env.Data, &e)
			ev.Error = e.Message
		}
		s.events <- ev
	}
}
