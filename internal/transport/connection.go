// Package transport turns a byte stream into a stream of frames.
package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/omochice/framechat/pkg/frame"
	"github.com/omochice/framechat/pkg/protocol"
)

// DefaultBufferSize is the initial capacity of the receive buffer.
const DefaultBufferSize = 512 * 1024

// ErrConnectionReset is returned when the peer closes the stream.
var ErrConnectionReset = errors.New("transport: connection reset by peer")

// Connection reads and writes frames over a byte stream.
//
// ReadFrame and WriteFrame may be called from different goroutines, but
// neither may be called concurrently with itself.
type Connection struct {
	r      *bufio.Reader
	w      *bufio.Writer
	closer io.Closer
	remote string
	limits frame.Limits

	buf     []byte
	scratch []byte
}

// Option configures a Connection.
type Option func(*Connection)

// WithReader makes the Connection read through br instead of a new reader.
// It is used when bytes have already been peeked from the stream.
func WithReader(br *bufio.Reader) Option {
	return func(c *Connection) {
		c.r = br
	}
}

// WithBufferSize sets the initial receive buffer capacity.
func WithBufferSize(n int) Option {
	return func(c *Connection) {
		if n > 0 {
			c.buf = make([]byte, 0, n)
		}
	}
}

// WithLimits sets the allocation limits applied to inbound frames.
func WithLimits(l frame.Limits) Option {
	return func(c *Connection) {
		c.limits = l
	}
}

// WithRemoteAddr sets the address reported by RemoteAddr.
func WithRemoteAddr(addr string) Option {
	return func(c *Connection) {
		c.remote = addr
	}
}

// New wraps rwc.
func New(rwc io.ReadWriteCloser, opts ...Option) *Connection {
	c := &Connection{
		w:      bufio.NewWriter(rwc),
		closer: rwc,
		limits: frame.DefaultLimits(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.r == nil {
		c.r = bufio.NewReader(rwc)
	}
	if c.buf == nil {
		c.buf = make([]byte, 0, DefaultBufferSize)
	}
	return c
}

// ReadFrame returns the next complete frame, reading from the stream as
// often as needed. Bytes that follow the frame stay buffered for the next
// call.
func (c *Connection) ReadFrame() (frame.Frame, error) {
	for {
		if len(c.buf) > 0 {
			f, n, err := frame.ParseWithLimits(c.buf, c.limits)
			if err == nil {
				c.buf = c.buf[:copy(c.buf, c.buf[n:])]
				return f, nil
			}
			if !frame.IsIncomplete(err) {
				return nil, err
			}
		}
		if err := c.fill(); err != nil {
			return nil, err
		}
	}
}

// fill reads more bytes after the buffered prefix failed to parse as a
// complete frame.
func (c *Connection) fill() error {
	limit := c.limits.MaxFrameLen
	if limit > 0 && len(c.buf) >= limit {
		return fmt.Errorf("%w: frame exceeds %d bytes", frame.ErrTooLarge, limit)
	}

	if len(c.buf) == cap(c.buf) {
		size := 2*cap(c.buf) + 512
		if limit > 0 {
			size = min(size, limit)
		}
		grown := make([]byte, len(c.buf), size)
		copy(grown, c.buf)
		c.buf = grown
	}

	n, err := c.r.Read(c.buf[len(c.buf):cap(c.buf)])
	c.buf = c.buf[:len(c.buf)+n]
	if n > 0 {
		return nil
	}
	switch {
	case errors.Is(err, io.EOF):
		return ErrConnectionReset
	case err != nil:
		return fmt.Errorf("transport: read: %w", err)
	}
	return nil
}

// WriteFrame writes f and flushes it to the stream.
func (c *Connection) WriteFrame(f frame.Frame) error {
	var err error
	c.scratch, err = frame.Append(c.scratch[:0], f)
	if err != nil {
		return err
	}
	if _, err := c.w.Write(c.scratch); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	if err := c.w.Flush(); err != nil {
		return fmt.Errorf("transport: flush: %w", err)
	}
	return nil
}

// ReadMessage reads the next frame and decodes it.
func (c *Connection) ReadMessage() (protocol.Message, error) {
	f, err := c.ReadFrame()
	if err != nil {
		return nil, err
	}
	return protocol.Decode(f)
}

// WriteMessage encodes m and writes it.
func (c *Connection) WriteMessage(m protocol.Message) error {
	return c.WriteFrame(protocol.Encode(m))
}

// Close closes the underlying stream.
func (c *Connection) Close() error {
	return c.closer.Close()
}

// RemoteAddr returns the peer address given with WithRemoteAddr.
func (c *Connection) RemoteAddr() string {
	return c.remote
}
