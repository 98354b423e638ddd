package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"casewire/pkg/types"
)

// Connection wraps one live transport session. All writes funnel through
// a single writer goroutine; gorilla connections do not allow concurrent
// writers. The principal is nil until an auth event attaches one.
type Connection struct {
	id      string
	conn    *websocket.Conn
	writeCh chan []byte

	writeTimeout time.Duration

	ctx        context.Context
	cancel     context.CancelFunc
	closeOnce  sync.Once
	writerDone chan struct{}

	mu        sync.RWMutex
	principal *types.Principal
}

// NewConnection wraps an upgraded websocket connection and starts its
// writer goroutine.
func NewConnection(conn *websocket.Conn, bufferSize int, writeTimeout time.Duration) *Connection {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:           uuid.New().String(),
		conn:         conn,
		writeCh:      make(chan []byte, bufferSize),
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
		writerDone:   make(chan struct{}),
	}

	go c.writeLoop()
	return c
}

func (c *Connection) writeLoop() {
	defer close(c.writerDone)

	for {
		select {
		case data := <-c.writeCh:
			if c.writeFrame(data) != nil {
				return
			}
		case <-c.ctx.Done():
			// Drain queued frames so a final error event still reaches
			// the peer before the transport goes down.
			for {
				select {
				case data := <-c.writeCh:
					if c.writeFrame(data) != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *Connection) writeFrame(data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// ID implements interfaces.Connection.
func (c *Connection) ID() string {
	return c.id
}

// WriteJSON implements interfaces.Connection. Safe for concurrent use; a
// closed or stalled connection reports an error so broadcasters can drop
// the member instead of retrying.
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-time.After(c.writeTimeout):
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Close implements interfaces.Connection. Idempotent. The writer gets a
// bounded chance to flush before the transport closes underneath it.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		select {
		case <-c.writerDone:
		case <-time.After(c.writeTimeout):
		}
		err = c.conn.Close()
	})
	return err
}

// Principal implements interfaces.Connection.
func (c *Connection) Principal() *types.Principal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.principal
}

// SetPrincipal implements interfaces.Connection. A fresh auth event
// replaces any previously attached principal.
func (c *Connection) SetPrincipal(p *types.Principal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.principal = p
}

// Done exposes the connection's lifetime for goroutines tied to it.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}
