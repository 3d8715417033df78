// Package ws carries the frame stream over WebSocket binary messages.
// Message boundaries carry no meaning: each side sees one byte stream.
package ws

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// DefaultPath is the request path accepted for upgrades.
const DefaultPath = "/ws"

const closeTimeout = time.Second

// ServerStream is the server side of a WebSocket connection.
type ServerStream struct {
	conn net.Conn
	rw   io.ReadWriter

	pending []byte

	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// Upgrade performs the server handshake on conn. br must be the reader the
// request line was peeked from. Requests for any path other than path are
// rejected with 404.
func Upgrade(conn net.Conn, br *bufio.Reader, path string) (*ServerStream, error) {
	s := &ServerStream{conn: conn}
	s.rw = struct {
		io.Reader
		io.Writer
	}{br, lockedWriter{s}}

	u := ws.Upgrader{
		OnRequest: func(uri []byte) error {
			if i := bytes.IndexByte(uri, '?'); i >= 0 {
				uri = uri[:i]
			}
			if path != "" && string(uri) != path {
				return ws.RejectConnectionError(ws.RejectionStatus(http.StatusNotFound))
			}
			return nil
		},
	}
	if _, err := u.Upgrade(s.rw); err != nil {
		return nil, fmt.Errorf("ws: upgrade: %w", err)
	}
	return s, nil
}

// Read reads the payload of binary and text messages. Control frames are
// answered as they arrive. A close frame from the peer ends the stream with
// io.EOF.
func (s *ServerStream) Read(p []byte) (int, error) {
	for len(s.pending) == 0 {
		data, _, err := wsutil.ReadClientData(s.rw)
		if err != nil {
			var closed wsutil.ClosedError
			if errors.As(err, &closed) {
				return 0, io.EOF
			}
			return 0, err
		}
		s.pending = data
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

// Write sends p as one binary message.
func (s *ServerStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := wsutil.WriteServerBinary(s.conn, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a close frame and closes the socket. A writer blocked on a
// slow peer is cut off after a short deadline.
func (s *ServerStream) Close() error {
	s.closeOnce.Do(func() {
		_ = s.conn.SetWriteDeadline(time.Now().Add(closeTimeout))
		s.mu.Lock()
		body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
		_ = wsutil.WriteServerMessage(s.conn, ws.OpClose, body)
		s.mu.Unlock()
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// RemoteAddr returns the address of the peer.
func (s *ServerStream) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// lockedWriter lets control frame replies written by the reader share the
// write lock with Write.
type lockedWriter struct {
	s *ServerStream
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	return w.s.conn.Write(p)
}
