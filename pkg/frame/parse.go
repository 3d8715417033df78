package frame

import (
	"bytes"
	"fmt"
	"strconv"
)

const (
	tagArray = '*'
	tagBulk  = '$'

	maxLengthLine = 20
)

var crlf = []byte("\r\n")

// Parse parses one frame from the start of buf using DefaultLimits.
// See ParseWithLimits.
func Parse(buf []byte) (Frame, int, error) {
	return ParseWithLimits(buf, DefaultLimits())
}

// ParseWithLimits parses one frame from the start of buf and returns it
// together with the number of bytes it occupied. buf is not modified and any
// bytes after the frame are left alone.
//
// If buf holds only a prefix of a frame the error is ErrIncomplete and the
// caller should retry from the same position once more bytes arrived. All
// other errors are protocol violations.
//
// Bulk payloads are copied out of buf. Nothing is allocated until the whole
// frame is buffered, so retrying on a growing buffer stays cheap.
func ParseWithLimits(buf []byte, limits Limits) (Frame, int, error) {
	scan := parser{buf: buf, limits: limits, scanOnly: true}
	if _, err := scan.parse(); err != nil {
		return nil, 0, err
	}

	p := parser{buf: buf[:scan.pos], limits: limits}
	f, err := p.parse()
	if err != nil {
		return nil, 0, err
	}
	return f, p.pos, nil
}

type parser struct {
	buf    []byte
	pos    int
	depth  int
	limits Limits

	// scanOnly walks the frame structure without building it.
	scanOnly bool
}

func (p *parser) parse() (Frame, error) {
	start := p.pos
	tag, err := p.readByte()
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagArray:
		return p.parseArray()
	case tagBulk:
		return p.parseBulk()
	default:
		return nil, &UnexpectedValueError{Value: tag, Offset: start}
	}
}

func (p *parser) parseArray() (Frame, error) {
	n, err := p.readLength(p.limits.MaxArrayLen)
	if err != nil {
		return nil, err
	}

	p.depth++
	if p.limits.MaxDepth > 0 && p.depth > p.limits.MaxDepth {
		return nil, ErrTooDeep
	}
	defer func() { p.depth-- }()

	// Every element takes at least four bytes.
	if err := p.checkFrameLen(p.pos + 4*n); err != nil {
		return nil, err
	}

	if p.scanOnly {
		for range n {
			if _, err := p.parse(); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}

	arr := make(Array, 0, n)
	for range n {
		child, err := p.parse()
		if err != nil {
			return nil, err
		}
		arr = append(arr, child)
	}
	return arr, nil
}

func (p *parser) parseBulk() (Frame, error) {
	n, err := p.readLength(p.limits.MaxBulkLen)
	if err != nil {
		return nil, err
	}
	if err := p.checkFrameLen(p.pos + n + len(crlf)); err != nil {
		return nil, err
	}
	if p.remaining() < n+len(crlf) {
		return nil, ErrIncomplete
	}

	end := p.pos + n
	if !bytes.Equal(p.buf[end:end+len(crlf)], crlf) {
		return nil, ErrMissingTerminator
	}

	if p.scanOnly {
		p.pos = end + len(crlf)
		return nil, nil
	}
	b := make(Bulk, n)
	copy(b, p.buf[p.pos:end])
	p.pos = end + len(crlf)
	return b, nil
}

// checkFrameLen rejects a frame known to span at least end bytes.
func (p *parser) checkFrameLen(end int) error {
	if limit := p.limits.MaxFrameLen; limit > 0 && end > limit {
		return fmt.Errorf("%w: frame of at least %d bytes > %d", ErrTooLarge, end, limit)
	}
	return nil
}

// readLength reads a CRLF terminated decimal length line.
func (p *parser) readLength(limit int) (int, error) {
	line, err := p.readLine()
	if err != nil {
		return 0, err
	}
	if len(line) == 0 || line[0] < '0' || line[0] > '9' {
		return 0, fmt.Errorf("%w: %q", ErrInvalidLength, line)
	}
	n, err := strconv.ParseUint(string(line), 10, 31)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidLength, line)
	}
	if limit > 0 && n > uint64(limit) {
		return 0, fmt.Errorf("%w: %d > %d", ErrTooLarge, n, limit)
	}
	return int(n), nil
}

func (p *parser) readLine() ([]byte, error) {
	i := bytes.Index(p.buf[p.pos:], crlf)
	if i < 0 {
		// A length never needs more than maxLengthLine digits, so a longer
		// unterminated line can not become valid with more data.
		if p.remaining() > maxLengthLine+1 {
			return nil, fmt.Errorf("%w: unterminated length line", ErrInvalidLength)
		}
		return nil, ErrIncomplete
	}
	line := p.buf[p.pos : p.pos+i]
	p.pos += i + len(crlf)
	return line, nil
}

func (p *parser) readByte() (byte, error) {
	if p.pos >= len(p.buf) {
		return 0, ErrIncomplete
	}
	b := p.buf[p.pos]
	p.pos++
	return b, nil
}

func (p *parser) remaining() int {
	return len(p.buf) - p.pos
}
