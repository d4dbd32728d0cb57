package ws

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/castled-io/castled/internal/obslog"
)

const (
	outboundBuffer = 64
	writeTimeout   = 5 * time.Second
)

// conn wraps one accepted websocket. All writes funnel through the out
// channel so the coordinator's Send never blocks on a slow client.
type conn struct {
	id   string
	sock *websocket.Conn

	out       chan any
	closed    chan struct{}
	closeOnce sync.Once
}

func newConn(id string, sock *websocket.Conn) *conn {
	return &conn{
		id:     id,
		sock:   sock,
		out:    make(chan any, outboundBuffer),
		closed: make(chan struct{}),
	}
}

func (c *conn) ID() string { return c.id }

// Send queues a server push. Messages to a client that cannot keep up are
// dropped; the client recovers state from the next snapshot it receives.
func (c *conn) Send(event string, data any) {
	msg := push{Type: event, Data: data}
	select {
	case <-c.closed:
	case c.out <- msg:
	default:
		obslog.L().Warn("ws_send_drop",
			zap.String("conn_id", c.id),
			zap.String("event", event))
	}
}

// sendAck queues a reply to a client request, subject to the same
// backpressure policy as pushes.
func (c *conn) sendAck(a ack) {
	select {
	case <-c.closed:
	case c.out <- a:
	default:
		obslog.L().Warn("ws_ack_drop",
			zap.String("conn_id", c.id),
			zap.Int64("seq", a.Seq))
	}
}

func (c *conn) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case msg := <-c.out:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, c.sock, msg)
			cancel()
			if err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *conn) pingLoop(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			err := c.sock.Ping(pctx)
			cancel()
			if err != nil {
				failures++
				if failures >= 2 {
					c.close()
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() { close(c.closed) })
}
