package realtime

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

const writeWait = 10 * time.Second

// ErrConnectionClosed is returned when writing to a connection that has shut down.
var ErrConnectionClosed = errors.New("connection closed")

// Transport is the write side of a websocket. *websocket.Conn satisfies it.
type Transport interface {
	WriteJSON(v interface{}) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Connection is one live client session. Room membership is guarded by the owning Registry.
type Connection struct {
	id             string
	userID         uint
	organizationID uint
	transport      Transport
	send           chan Event
	closed         chan struct{}
	once           sync.Once
	lastHeartbeat  atomic.Int64
	rooms          map[Room]struct{}
}

// NewConnection wraps a transport with a bounded outbound queue.
func NewConnection(userID, organizationID uint, transport Transport, bufferSize int) *Connection {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	conn := &Connection{
		id:             uuid.NewString(),
		userID:         userID,
		organizationID: organizationID,
		transport:      transport,
		send:           make(chan Event, bufferSize),
		closed:         make(chan struct{}),
		rooms:          make(map[Room]struct{}),
	}
	conn.Touch(time.Now())
	return conn
}

func (c *Connection) ID() string             { return c.id }
func (c *Connection) UserID() uint           { return c.userID }
func (c *Connection) OrganizationID() uint   { return c.organizationID }
func (c *Connection) Done() <-chan struct{}  { return c.closed }
func (c *Connection) Outbound() <-chan Event { return c.send }

// Touch records a heartbeat.
func (c *Connection) Touch(at time.Time) {
	c.lastHeartbeat.Store(at.UnixNano())
}

// LastHeartbeat returns the time of the most recent heartbeat or inbound frame.
func (c *Connection) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastHeartbeat.Load())
}

// Closed reports whether Close has been called.
func (c *Connection) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Enqueue offers an event without blocking. It returns false when the queue is full or the connection is closed.
func (c *Connection) Enqueue(event Event) bool {
	if c.Closed() {
		return false
	}
	select {
	case c.send <- event:
		return true
	default:
		return false
	}
}

// Close stops the writer and closes the transport. Safe to call more than once.
func (c *Connection) Close() {
	c.once.Do(func() {
		close(c.closed)
		if c.transport != nil {
			_ = c.transport.Close()
		}
	})
}

// WritePump drains the outbound queue to the transport and pings on every interval.
// It returns when the connection closes or a write fails.
func (c *Connection) WritePump(pingInterval time.Duration) error {
	if pingInterval <= 0 {
		pingInterval = 25 * time.Second
	}
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return ErrConnectionClosed
		case event := <-c.send:
			if c.Closed() {
				return ErrConnectionClosed
			}
			_ = c.transport.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.transport.WriteJSON(event); err != nil {
				c.Close()
				return err
			}
		case <-ticker.C:
			if err := c.transport.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(writeWait)); err != nil {
				c.Close()
				return err
			}
		}
	}
}
