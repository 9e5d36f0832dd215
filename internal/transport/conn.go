package transport

import (
	"net"
	"sync"
	"time"

	"github.com/clusterchat/chatd/internal/monitoring"
)

// Client is one live WebSocket connection. The transport owns its
// lifetime; the registry and dispatcher only borrow the handle and talk
// to it through Send.
type Client struct {
	id          int64
	conn        net.Conn
	send        chan []byte // buffered outbound frames, drained by writePump
	closeOnce   sync.Once
	connectedAt time.Time
}

// Send enqueues one outbound frame without blocking. Handlers never
// wait on a peer's socket; the write pump drains the buffer. A full
// buffer drops the frame and reports false.
func (c *Client) Send(payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	default:
		monitoring.DroppedSends.Inc()
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			c.conn.Close()
		}
	})
}
