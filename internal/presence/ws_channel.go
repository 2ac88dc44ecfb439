package presence

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
)

// WSChannel wraps a websocket connection as a presence Channel. The
// mutex serializes writes; gorilla allows only one concurrent writer.
type WSChannel struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func NewWSChannel(conn *websocket.Conn) *WSChannel {
	return &WSChannel{conn: conn}
}

func (c *WSChannel) Send(ev models.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(ev)
}

func (c *WSChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}
