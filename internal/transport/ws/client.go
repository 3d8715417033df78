package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ClientStream is the client side of a WebSocket connection.
type ClientStream struct {
	conn *websocket.Conn
	cur  io.Reader

	mu sync.Mutex
}

// Dial opens a WebSocket connection to url.
func Dial(ctx context.Context, url string) (*ClientStream, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("ws: dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("ws: dial %s: %w", url, err)
	}
	return &ClientStream{conn: conn}, nil
}

// Read reads across message boundaries. A normal close from the server ends
// the stream with io.EOF.
func (c *ClientStream) Read(p []byte) (int, error) {
	for {
		if c.cur == nil {
			_, r, err := c.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			c.cur = r
		}
		n, err := c.cur.Read(p)
		if errors.Is(err, io.EOF) {
			c.cur = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

// Write sends p as one binary message.
func (c *ClientStream) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a close message and closes the connection.
func (c *ClientStream) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeTimeout))
	return c.conn.Close()
}

// RemoteAddr returns the address of the server.
func (c *ClientStream) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
