// Package realtime owns the chat socket mechanics: one gorilla
// connection per client with read deadlines, keepalive pings, and
// serialized writes. Session concerns (turn state, event buffering,
// replay) live above it in internal/session.
package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parleyhq/parley/internal/logging"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 32768 // 32KB
)

// ErrClientClosed is returned by Send once the connection is gone.
var ErrClientClosed = errors.New("client connection closed")

// FrameHandler consumes inbound frames from one client's socket.
type FrameHandler interface {
	HandleFrame(data []byte)
}

// Client wraps one websocket connection. Application writes are
// serialized with a mutex instead of a buffered channel, so a nil
// return from Send means the frame reached the network stack; the
// session layer leans on that to know which events need replaying
// after a reconnect.
type Client struct {
	UserID string

	conn *websocket.Conn

	writeMu sync.Mutex
	closed  bool

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient wraps an upgraded connection for a user.
func NewClient(conn *websocket.Conn, userID string) *Client {
	return &Client{
		UserID: userID,
		conn:   conn,
		done:   make(chan struct{}),
	}
}

// Send writes one frame to the peer, blocking up to writeWait.
func (c *Client) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Run pumps the connection: inbound frames go to the handler, pings go
// out every pingPeriod. It blocks until the peer disappears, then calls
// onClose exactly once.
func (c *Client) Run(h FrameHandler, onClose func(*Client)) {
	go c.pingLoop()
	c.readLoop(h)
	c.Close()
	if onClose != nil {
		onClose(c)
	}
}

func (c *Client) readLoop(h FrameHandler) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				logging.Errorf("realtime: read: %v", err)
			}
			return
		}
		h.HandleFrame(msg)
	}
}

// pingLoop keeps the connection alive. WriteControl is safe to call
// concurrently with Send.
func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// Close tears the connection down. Safe to call more than once; any
// blocked reader unblocks with an error.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.closed = true
		c.writeMu.Unlock()
		close(c.done)
		c.conn.Close()
	})
}
