package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/eldtechnologies/farmchat/internal/presence"
)

const writeWait = 10 * time.Second

// Conn is one client WebSocket. Outbound frames go through a bounded buffer
// drained by a single writer goroutine.
type Conn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, buffer int) *Conn {
	return &Conn{
		id:   ulid.Make().String(),
		ws:   ws,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// ID returns the connection's unique id.
func (c *Conn) ID() string { return c.id }

// Send queues a frame without blocking.
func (c *Conn) Send(data []byte) error {
	select {
	case <-c.done:
		return presence.ErrConnectionClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return presence.ErrConnectionClosed
	default:
		return presence.ErrSendBufferFull
	}
}

// Close signals the writer to send a close frame and release the socket.
// Safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// writePump drains the send buffer and keeps the peer alive with pings.
// The send channel is never closed; done signals shutdown.
func (c *Conn) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
		c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
