// Package delivery routes a message to its recipient's live connection and writes it
// through to durable storage.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/farmchat/internal/metrics"
	"github.com/eldtechnologies/farmchat/internal/models"
	"github.com/eldtechnologies/farmchat/internal/presence"
	"github.com/eldtechnologies/farmchat/internal/protocol"
)

// MaxContentLength is the longest accepted message text, in runes.
const MaxContentLength = 4000

var (
	ErrInvalidMessage = errors.New("invalid message")
	ErrPersistFailed  = errors.New("failed to store message")
)

// Store is the durable write path of a send.
type Store interface {
	AppendMessage(ctx context.Context, senderID, receiverID models.UserID, content string, image []byte, at time.Time) (*models.Message, error)
	UpsertConversation(ctx context.Context, a, b models.UserID, lastMessage string, at time.Time, messageID int64) error
}

// Directory resolves a user's live connection.
type Directory interface {
	Lookup(userID models.UserID) (presence.Conn, bool)
}

// Relay forwards an encoded event to other instances when the recipient is not local.
type Relay interface {
	Publish(ctx context.Context, receiverID models.UserID, event []byte) error
}

// Options tunes the router. Zero values fall back to defaults.
type Options struct {
	// PersistBeforePush stores the message before attempting the live push, so a
	// recipient never sees a message that failed to persist.
	PersistBeforePush bool
	PersistTimeout    time.Duration
	IndexRetries      int
	IndexRetryBackoff time.Duration
	Now               func() time.Time
}

func (o *Options) setDefaults() {
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = 10 * time.Second
	}
	if o.IndexRetries <= 0 {
		o.IndexRetries = 3
	}
	if o.IndexRetryBackoff <= 0 {
		o.IndexRetryBackoff = 50 * time.Millisecond
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// SendRequest is a message as submitted by the sender.
type SendRequest struct {
	SenderID   models.UserID
	ReceiverID models.UserID
	Content    string
	Image      []byte
}

// Validate checks the request before anything is pushed or stored.
func (r SendRequest) Validate() error {
	switch {
	case r.SenderID <= 0 || r.ReceiverID <= 0:
		return fmt.Errorf("%w: sender and receiver are required", ErrInvalidMessage)
	case r.SenderID == r.ReceiverID:
		return fmt.Errorf("%w: cannot message yourself", ErrInvalidMessage)
	case strings.TrimSpace(r.Content) == "" && len(r.Image) == 0:
		return fmt.Errorf("%w: message or image is required", ErrInvalidMessage)
	case utf8.RuneCountInString(r.Content) > MaxContentLength:
		return fmt.Errorf("%w: message too long (max %d characters)", ErrInvalidMessage, MaxContentLength)
	}
	return nil
}

// Router delivers messages.
type Router struct {
	directory Directory
	store     Store
	relay     Relay
	opts      Options
	logger    zerolog.Logger
}

// NewRouter creates a router over the given presence directory and store.
func NewRouter(directory Directory, store Store, logger zerolog.Logger, opts Options) *Router {
	opts.setDefaults()
	return &Router{
		directory: directory,
		store:     store,
		opts:      opts,
		logger:    logger.With().Str("component", "delivery").Logger(),
	}
}

// SetRelay enables cross-instance forwarding for recipients not registered locally.
func (r *Router) SetRelay(relay Relay) {
	r.relay = relay
}

// Send pushes the message to the recipient if they are connected, then persists it
// and advances the conversation index. Only the durable write decides the result:
// live-push failures are logged and never returned.
//
// Once validated, a send is not cancelled by ctx; persistence runs to completion
// bounded by Options.PersistTimeout.
func (r *Router) Send(ctx context.Context, req SendRequest) (*models.Message, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	at := r.opts.Now().UTC().Truncate(time.Microsecond)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.PersistTimeout)
	defer cancel()

	var pushed bool
	if !r.opts.PersistBeforePush {
		pushed = r.push(ctx, req, at)
	}

	msg, err := r.store.AppendMessage(ctx, req.SenderID, req.ReceiverID, req.Content, req.Image, at)
	if err != nil {
		r.logger.Error().
			Err(err).
			Int64("sender_id", int64(req.SenderID)).
			Int64("receiver_id", int64(req.ReceiverID)).
			Bool("live_pushed", pushed).
			Msg("message persistence failed")
		return nil, fmt.Errorf("%w: %w", ErrPersistFailed, err)
	}

	if r.opts.PersistBeforePush {
		pushed = r.push(ctx, req, at)
	}

	r.upsertIndex(ctx, msg)

	recipient := "offline"
	if pushed {
		recipient = "online"
	}
	metrics.MessagesSent.WithLabelValues(recipient).Inc()

	r.logger.Debug().
		Int64("message_id", msg.ID).
		Int64("sender_id", int64(msg.SenderID)).
		Int64("receiver_id", int64(msg.ReceiverID)).
		Bool("live_pushed", pushed).
		Msg("message sent")

	return msg, nil
}

// push attempts a non-blocking live delivery and reports whether the local
// connection accepted it.
func (r *Router) push(ctx context.Context, req SendRequest, at time.Time) bool {
	conn, ok := r.directory.Lookup(req.ReceiverID)
	if !ok && r.relay == nil {
		return false
	}

	frame, err := protocol.Encode(protocol.ReceiveMessage{
		SenderID:   req.SenderID,
		ReceiverID: req.ReceiverID,
		Message:    req.Content,
		Image:      req.Image,
		Timestamp:  at,
	})
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to encode live event")
		metrics.LivePushes.WithLabelValues("failed").Inc()
		return false
	}

	if !ok {
		if err := r.relay.Publish(ctx, req.ReceiverID, frame); err != nil {
			r.logger.Warn().
				Err(err).
				Int64("receiver_id", int64(req.ReceiverID)).
				Msg("relay publish failed")
			return false
		}
		metrics.LivePushes.WithLabelValues("relayed").Inc()
		return false
	}

	if err := conn.Send(frame); err != nil {
		r.logger.Warn().
			Err(err).
			Int64("receiver_id", int64(req.ReceiverID)).
			Str("conn_id", conn.ID()).
			Msg("live push failed")
		metrics.LivePushes.WithLabelValues("failed").Inc()
		return false
	}

	metrics.LivePushes.WithLabelValues("delivered").Inc()
	return true
}

// upsertIndex advances the conversation summary, retrying transient failures.
// The message is already durable, so exhausting retries only leaves the index stale.
func (r *Router) upsertIndex(ctx context.Context, msg *models.Message) {
	var err error
retry:
	for attempt := 1; ; attempt++ {
		err = r.store.UpsertConversation(ctx, msg.SenderID, msg.ReceiverID, msg.Preview(), msg.CreatedAt, msg.ID)
		if err == nil {
			return
		}
		if attempt >= r.opts.IndexRetries {
			break
		}

		select {
		case <-time.After(time.Duration(attempt) * r.opts.IndexRetryBackoff):
		case <-ctx.Done():
			break retry
		}
	}

	metrics.IndexUpsertFailures.Inc()
	r.logger.Error().
		Err(err).
		Int64("message_id", msg.ID).
		Int64("sender_id", int64(msg.SenderID)).
		Int64("receiver_id", int64(msg.ReceiverID)).
		Msg("conversation index update failed")
}
