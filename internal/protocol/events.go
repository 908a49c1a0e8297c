// Package protocol defines the JSON events exchanged over a chat connection.
//
// Every frame is an envelope {"event": "<name>", "data": <payload>} and each event
// name has exactly one payload schema. Frames that do not match are rejected.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/eldtechnologies/farmchat/internal/models"
)

// Event names.
const (
	EventRegister       = "register"
	EventSendMessage    = "sendMessage"
	EventReceiveMessage = "receiveMessage"
	EventError          = "error"
)

var (
	ErrMalformedEvent = errors.New("malformed event")
	ErrUnknownEvent   = errors.New("unknown event")
)

// Event is one of Register, SendMessage, ReceiveMessage or Error.
type Event interface {
	EventName() string
}

// Register binds the connection to a user (client → server).
type Register struct {
	UserID models.UserID
}

// SendMessage asks the server to deliver a message (client → server).
type SendMessage struct {
	SenderID   models.UserID `json:"senderId"`
	ReceiverID models.UserID `json:"receiverId"`
	Message    string        `json:"message"`
	Image      []byte        `json:"image,omitempty"`
}

// ReceiveMessage is a live-pushed message (server → client).
type ReceiveMessage struct {
	SenderID   models.UserID `json:"senderId"`
	ReceiverID models.UserID `json:"receiverId"`
	Message    string        `json:"message"`
	Image      []byte        `json:"image,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Error reports a rejected frame or a failed send (server → client).
type Error struct {
	Message string `json:"message"`
}

func (Register) EventName() string { return EventRegister }
func (SendMessage) EventName() string { return EventSendMessage }
func (ReceiveMessage) EventName() string { return EventReceiveMessage }
func (Error) EventName() string { return EventError }

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Encode wraps ev in its envelope.
func Encode(ev Event) ([]byte, error) {
	var data any = ev
	if r, ok := ev.(Register); ok {
		data = int64(r.UserID)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Event: ev.EventName(), Data: raw})
}

// Decode parses a frame into its typed event.
func Decode(frame []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("%w: missing event name", ErrMalformedEvent)
	}
	if len(env.Data) == 0 || bytes.Equal(env.Data, []byte("null")) {
		return nil, fmt.Errorf("%w: %s has no data", ErrMalformedEvent, env.Event)
	}

	switch env.Event {
	case EventRegister:
		id, err := parseUserID(env.Data)
		if err != nil {
			return nil, err
		}
		return Register{UserID: id}, nil

	case EventSendMessage:
		var p struct {
			SenderID   *models.UserID `json:"senderId"`
			ReceiverID *models.UserID `json:"receiverId"`
			Message    string         `json:"message"`
			Image      []byte         `json:"image"`
		}
		if err := decodeStrict(env.Data, &p); err != nil {
			return nil, err
		}
		if p.SenderID == nil || p.ReceiverID == nil {
			return nil, fmt.Errorf("%w: senderId and receiverId are required", ErrMalformedEvent)
		}
		return SendMessage{
			SenderID:   *p.SenderID,
			ReceiverID: *p.ReceiverID,
			Message:    p.Message,
			Image:      p.Image,
		}, nil

	case EventReceiveMessage:
		var p ReceiveMessage
		if err := decodeStrict(env.Data, &p); err != nil {
			return nil, err
		}
		return p, nil

	case EventError:
		var p Error
		if err := decodeStrict(env.Data, &p); err != nil {
			return nil, err
		}
		return p, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return nil
}

// parseUserID accepts a positive JSON number or a numeric string.
func parseUserID(data []byte) (models.UserID, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	var s string
	switch t := v.(type) {
	case json.Number:
		s = t.String()
	case string:
		s = t
	default:
		return 0, fmt.Errorf("%w: user id must be a number", ErrMalformedEvent)
	}

	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid user id %q", ErrMalformedEvent, s)
	}
	return models.UserID(id), nil
}
