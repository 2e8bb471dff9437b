package gateway

import (
	"fmt"
	"sync"
	"time"

	"github.com/ggoodman/syncrelay/relay"
	"github.com/gorilla/websocket"
)

// conn is one attached websocket.
type conn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte

	mu      sync.Mutex
	closed  bool
	session string
}

func (c *conn) enqueue(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("connection %s: %w", c.id, relay.ErrGone)
	}

	select {
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("connection %s: %w", c.id, ErrQueueFull)
	}
}

func (c *conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *conn) bind(sessionID string) {
	c.mu.Lock()
	c.session = sessionID
	c.mu.Unlock()
}

func (c *conn) boundSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
