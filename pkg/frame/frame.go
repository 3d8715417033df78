// Package frame implements the array/bulk wire framing used by the chat
// protocol.
//
// Wire format:
//
//	frame := array | bulk
//	array := "*" <decimal-length> CRLF frame{length}
//	bulk  := "$" <decimal-length> CRLF <length bytes> CRLF
package frame

import (
	"errors"
	"fmt"
)

// Frame is a wire value: either an Array or a Bulk.
type Frame interface {
	frame()
}

// Array is an ordered sequence of frames.
type Array []Frame

// Bulk is a length-prefixed byte string.
type Bulk []byte

func (Array) frame() {}
func (Bulk) frame()  {}

// BulkString returns a Bulk holding a copy of s.
func BulkString(s string) Bulk {
	return Bulk(s)
}

// String returns the bulk payload as a string.
func (b Bulk) String() string {
	return string(b)
}

// Limits bounds what the parser is willing to allocate for a single frame.
// A zero field means no limit.
type Limits struct {
	MaxBulkLen  int
	MaxArrayLen int
	MaxDepth    int
	// MaxFrameLen caps the encoded size of a whole frame, headers included.
	MaxFrameLen int
}

// DefaultLimits returns the limits used by Parse.
func DefaultLimits() Limits {
	return Limits{
		MaxBulkLen:  1 << 20,
		MaxArrayLen: 4096,
		MaxDepth:    16,
		MaxFrameLen: 4 << 20,
	}
}

var (
	// ErrIncomplete reports that the buffer does not hold a complete frame
	// yet. It is the only retryable parse error.
	ErrIncomplete = errors.New("frame: incomplete frame")

	ErrInvalidLength     = errors.New("frame: invalid length")
	ErrTooLarge          = errors.New("frame: length exceeds limit")
	ErrTooDeep           = errors.New("frame: nesting too deep")
	ErrMissingTerminator = errors.New("frame: bulk not terminated by CRLF")
	ErrNilFrame          = errors.New("frame: nil frame")
)

// UnexpectedValueError is returned when a frame starts with a byte that is
// neither '*' nor '$'.
type UnexpectedValueError struct {
	Value  byte
	Offset int
}

func (e *UnexpectedValueError) Error() string {
	return fmt.Sprintf("frame: unexpected value %q at offset %d", e.Value, e.Offset)
}

// IsIncomplete reports whether err means more bytes are needed.
func IsIncomplete(err error) bool {
	return errors.Is(err, ErrIncomplete)
}
