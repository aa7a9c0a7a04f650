package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	sendBufferSize = 100
	writeWait      = 5 * time.Second
)

// Connection implements interfaces.Channel over a gorilla websocket.
// Writes are serialized through a single writer goroutine; WriteJSON never
// blocks the caller, so a room goroutine is never held up by a slow client.
type Connection struct {
	conn      *websocket.Conn
	writeCh   chan []byte
	id        string
	userID    string
	handle    string
	roomCode  string
	ctx       context.Context
	cancel    context.CancelFunc
	drain     chan struct{}
	drainOnce sync.Once
	closeOnce sync.Once
	mu        sync.RWMutex // protects roomCode
}

// NewConnection wraps an upgraded websocket for an authenticated user and
// starts its writer.
func NewConnection(conn *websocket.Conn, userID, handle string) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:    conn,
		writeCh: make(chan []byte, sendBufferSize),
		drain:   make(chan struct{}),
		id:      uuid.NewString(),
		userID:  userID,
		handle:  handle,
		ctx:     ctx,
		cancel:  cancel,
	}

	go c.writeLoop()

	return c
}

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = c.Close()
				return
			}
		case <-c.drain:
			c.flush()
			return
		case <-c.ctx.Done():
			return
		}
	}
}

// flush writes the frames still queued, then a close frame, and closes.
func (c *Connection) flush() {
	defer func() { _ = c.Close() }()
	deadline := time.Now().Add(writeWait)
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return
	}
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
			return
		}
	}
}

// WriteJSON queues v for delivery. A client whose buffer is full is too far
// behind to keep in sync and is disconnected; it can rejoin and catch up.
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
		return ErrSendBufferFull
	}
}

// Shutdown asks the writer to deliver queued frames and close the
// connection. It does not wait; Done reports completion.
func (c *Connection) Shutdown() {
	c.drainOnce.Do(func() { close(c.drain) })
}

// Close closes the connection immediately; safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// Done is closed when the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *Connection) GetID() string     { return c.id }
func (c *Connection) GetUserID() string { return c.userID }
func (c *Connection) GetHandle() string { return c.handle }

func (c *Connection) GetRoomCode() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roomCode
}

func (c *Connection) SetRoomCode(code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomCode = code
}
