package gateway

import (
	"context"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const writeTimeout = 10 * time.Second

// wsConn wraps one client socket. Writes are serialized so concurrent
// notifications (relay, radius ticks, analysis results) never interleave
// frames.
type wsConn struct {
	id string
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) Send(ctx context.Context, msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.ws, msg)
}

func (c *wsConn) close(code websocket.StatusCode, reason string) {
	_ = c.ws.Close(code, reason)
}
