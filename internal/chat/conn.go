// Package chat holds the per-connection state machine and the fan-out hub
// shared by every transport.
package chat

import "github.com/omochice/framechat/pkg/frame"

// Conn is a frame stream to one client. ReadFrame is called from a single
// reader goroutine while WriteFrame is called from the handler loop.
type Conn interface {
	// ReadFrame blocks for the next complete frame.
	ReadFrame() (frame.Frame, error)

	// WriteFrame writes f and flushes it.
	WriteFrame(f frame.Frame) error

	// Close closes the connection. It unblocks a pending ReadFrame.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}
