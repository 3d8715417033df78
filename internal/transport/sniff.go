package transport

import "bufio"

// Protocol is the kind of stream a client opened.
type Protocol int

const (
	// ProtocolFrames is a raw frame stream.
	ProtocolFrames Protocol = iota
	// ProtocolWebSocket is an HTTP request asking for a WebSocket upgrade.
	ProtocolWebSocket
)

func (p Protocol) String() string {
	if p == ProtocolWebSocket {
		return "websocket"
	}
	return "tcp"
}

// Sniff peeks at the first byte of br. Every frame starts with '*' or '$',
// so a 'G' can only be the start of an HTTP GET. The peeked byte is left in
// br.
func Sniff(br *bufio.Reader) (Protocol, error) {
	b, err := br.Peek(1)
	if err != nil {
		return ProtocolFrames, err
	}
	if b[0] == 'G' {
		return ProtocolWebSocket, nil
	}
	return ProtocolFrames, nil
}
