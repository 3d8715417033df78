package frame

import (
	"io"
	"strconv"
)

// Append appends the wire encoding of f to dst.
//
// Nested arrays of any depth are written with an explicit work stack: an
// array writes its header and pushes its children in reverse so they are
// popped in order.
func Append(dst []byte, f Frame) ([]byte, error) {
	stack := []Frame{f}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		switch v := top.(type) {
		case Bulk:
			dst = appendHeader(dst, tagBulk, len(v))
			dst = append(dst, v...)
			dst = append(dst, crlf...)
		case Array:
			dst = appendHeader(dst, tagArray, len(v))
			for i := len(v) - 1; i >= 0; i-- {
				stack = append(stack, v[i])
			}
		default:
			return dst, ErrNilFrame
		}
	}
	return dst, nil
}

// Write writes the encoding of f to w in a single Write call.
func Write(w io.Writer, f Frame) error {
	buf, err := Append(make([]byte, 0, EncodedLen(f)), f)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// EncodedLen returns the number of bytes Append would produce for f.
func EncodedLen(f Frame) int {
	n := 0
	stack := []Frame{f}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		switch v := top.(type) {
		case Bulk:
			n += headerLen(len(v)) + len(v) + len(crlf)
		case Array:
			n += headerLen(len(v))
			stack = append(stack, v...)
		}
	}
	return n
}

func appendHeader(dst []byte, tag byte, n int) []byte {
	dst = append(dst, tag)
	dst = strconv.AppendInt(dst, int64(n), 10)
	return append(dst, crlf...)
}

func headerLen(n int) int {
	digits := 1
	for n >= 10 {
		n /= 10
		digits++
	}
	return 1 + digits + len(crlf)
}
