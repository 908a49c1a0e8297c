// Package relay forwards live events between server instances over NATS, so a
// recipient connected to another instance still gets the push.
package relay

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/farmchat/internal/metrics"
	"github.com/eldtechnologies/farmchat/internal/models"
	"github.com/eldtechnologies/farmchat/internal/presence"
)

const (
	subjectPrefix = "chat.deliver."
	originHeader  = "Chat-Origin"
)

// Directory resolves a user's connection on this instance.
type Directory interface {
	Lookup(userID models.UserID) (presence.Conn, bool)
}

// NATSRelay publishes events for non-local recipients and delivers events
// published by other instances to local connections.
type NATSRelay struct {
	conn      *nats.Conn
	sub       *nats.Subscription
	instance  string
	directory Directory
	logger    zerolog.Logger
}

// Subject returns the delivery subject for a user.
func Subject(userID models.UserID) string {
	return subjectPrefix + strconv.FormatInt(int64(userID), 10)
}

// Connect dials NATS. Call Start to begin receiving.
func Connect(url, instance string, directory Directory, logger zerolog.Logger) (*NATSRelay, error) {
	logger = logger.With().Str("component", "relay").Logger()

	opts := []nats.Option{
		nats.Name("farmchat-" + instance),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	return newNATSRelay(conn, instance, directory, logger), nil
}

func newNATSRelay(conn *nats.Conn, instance string, directory Directory, logger zerolog.Logger) *NATSRelay {
	return &NATSRelay{
		conn:      conn,
		instance:  instance,
		directory: directory,
		logger:    logger,
	}
}

// Start subscribes to deliveries for every user.
func (r *NATSRelay) Start() error {
	sub, err := r.conn.Subscribe(subjectPrefix+"*", r.handle)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	r.sub = sub
	return nil
}

// Publish sends an encoded event addressed to receiverID.
func (r *NATSRelay) Publish(ctx context.Context, receiverID models.UserID, event []byte) error {
	msg := nats.NewMsg(Subject(receiverID))
	msg.Header.Set(originHeader, r.instance)
	msg.Data = event

	if err := r.conn.PublishMsg(msg); err != nil {
		return err
	}
	metrics.RelayMessages.WithLabelValues("out").Inc()
	return nil
}

// handle pushes a relayed event to the local connection, if any.
func (r *NATSRelay) handle(msg *nats.Msg) {
	if msg.Header.Get(originHeader) == r.instance {
		return
	}

	userID, err := strconv.ParseInt(strings.TrimPrefix(msg.Subject, subjectPrefix), 10, 64)
	if err != nil {
		r.logger.Warn().Str("subject", msg.Subject).Msg("relay message on unexpected subject")
		return
	}

	conn, ok := r.directory.Lookup(models.UserID(userID))
	if !ok {
		return
	}
	metrics.RelayMessages.WithLabelValues("in").Inc()

	if err := conn.Send(msg.Data); err != nil {
		r.logger.Warn().Err(err).Int64("receiver_id", userID).Str("conn_id", conn.ID()).Msg("relayed push failed")
		metrics.LivePushes.WithLabelValues("failed").Inc()
		return
	}
	metrics.LivePushes.WithLabelValues("delivered").Inc()
}

// Status reports the NATS connection state for health checks.
func (r *NATSRelay) Status() string {
	return strings.ToLower(r.conn.Status().String())
}

// Ping verifies the connection with a server round trip.
func (r *NATSRelay) Ping(ctx context.Context) error {
	if !r.conn.IsConnected() {
		return fmt.Errorf("nats %s", r.Status())
	}
	timeout := 2 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	return r.conn.FlushTimeout(timeout)
}

// Close drains the subscription and closes the connection.
func (r *NATSRelay) Close() {
	if r.sub != nil {
		r.sub.Unsubscribe()
	}
	r.conn.Close()
}
