package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"communityhub/pkg/interfaces"
)

const (
	DefaultSendBuffer   = 100
	DefaultWriteTimeout = 5 * time.Second
)

var _ interfaces.Connection = (*Connection)(nil)

// Connection wraps one gorilla socket.
// ARCHITECTURAL DISCOVERY: WebSocket writes must be serialized, so every frame
// goes through writeCh to a single writer goroutine
type Connection struct {
	id           string
	room         string
	conn         *websocket.Conn
	writeCh      chan []byte
	writeTimeout time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once
	closeErr     error
}

// NewConnection wraps conn with a fresh connection id and starts its writer.
func NewConnection(conn *websocket.Conn, room string, sendBuffer int, writeTimeout time.Duration) *Connection {
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:           uuid.New().String(),
		room:         room,
		conn:         conn,
		writeCh:      make(chan []byte, sendBuffer),
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}

	go c.writeLoop()

	return c
}

// ID returns the server-assigned connection id, exposed to clients as socketId.
func (c *Connection) ID() string { return c.id }

// Room returns the handshake room slug.
func (c *Connection) Room() string { return c.room }

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = c.Close()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// WriteJSON queues v for the writer goroutine. It never blocks: a peer that
// cannot keep up with its buffer is disconnected.
// FUNCTIONAL DISCOVERY: Broadcasts run on the hub loop, so one slow socket
// must not stall the room
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		_ = c.Close()
		return ErrWriteBufferFull
	}
}

// Ping sends a ping control frame.
func (c *Connection) Ping(timeout time.Duration) error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout))
}

// Close stops the writer and closes the socket. Idempotent.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			c.closeErr = c.conn.Close()
		}
	})
	return c.closeErr
}
