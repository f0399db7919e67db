package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/nmxmxh/chatrelay/internal/router"
	"github.com/nmxmxh/chatrelay/pkg/metrics"
)

// counters tallies frames handed to send buffers across connections.
type counters struct {
	queued  atomic.Int64
	dropped atomic.Int64
}

// client is one websocket connection. It is the cluster.Sink for its
// connection id; frames are queued on a bounded buffer drained by writePump.
type client struct {
	id     string
	conn   *websocket.Conn
	origin *router.Origin
	log    *zap.Logger
	totals *counters
	// dropped counts this connection's discarded frames.
	dropped atomic.Int64

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newClient(id, userID string, conn *websocket.Conn, buffer int, totals *counters, log *zap.Logger) *client {
	if totals == nil {
		totals = &counters{}
	}
	return &client{
		id:     id,
		conn:   conn,
		origin: &router.Origin{ConnID: id, UserID: userID},
		send:   make(chan []byte, buffer),
		totals: totals,
		log:    log,
	}
}

// Send queues frame without blocking. A full buffer drops the frame.
func (c *client) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		c.totals.queued.Inc()
		return true
	default:
		c.dropped.Inc()
		c.totals.dropped.Inc()
		metrics.DroppedFrames.Inc()
		c.log.Warn("Send buffer full, dropping frame", zap.Int("buffered", len(c.send)))
		return false
	}
}

// close stops writePump. Later sends are ignored.
func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// writePump drains the send buffer and keeps the connection alive with pings.
// It owns all writes to conn.
func (c *client) writePump(pingInterval, writeWait time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug("Write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
