package transport

import (
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/clusterchat/chatd/internal/monitoring"
)

// readPump reads frames from one connection and submits them to the
// worker pool. The I/O goroutine never executes handlers itself, so one
// slow store call cannot stall reads from other clients sharing a
// worker.
func (s *Server) readPump(c *Client) {
	defer monitoring.RecoverPanic(s.logger, "readPump", map[string]any{
		"client_id": c.id,
	})
	defer s.disconnectClient(c)

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch op {
		case ws.OpText:
			if !s.rateLimiter.Allow(c.id) {
				monitoring.RateLimitedMessages.Inc()
				s.logger.Warn().
					Int64("client_id", c.id).
					Int("rate_limit_per_sec", s.cfg.MsgRatePerSec).
					Msg("Client rate limited, frame dropped")
				continue
			}

			frame := msg
			ts := time.Now()
			s.pool.Submit(func() {
				s.dispatcher.Handle(c, frame, ts)
			})

		case ws.OpClose:
			return

		case ws.OpPing:
			// gobwas/wsutil answers pings for us.
		}
	}
}
