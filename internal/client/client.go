// Package client is a chat client over TCP or WebSocket.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/omochice/framechat/internal/logger"
	"github.com/omochice/framechat/internal/transport"
	"github.com/omochice/framechat/internal/transport/ws"
	"github.com/omochice/framechat/pkg/protocol"
)

var (
	ErrNotConnected    = errors.New("client: not connected")
	ErrUnexpectedReply = errors.New("client: unexpected reply to login")
)

// Client is a connection to a chat server.
type Client struct {
	addr   string
	logger *slog.Logger
	now    func() time.Time

	name     string
	conn     *transport.Connection
	messages chan protocol.Message
	done     chan struct{}
	err      error

	writeMu   sync.Mutex
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithClock sets the time source for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// New returns a client for addr: host:port for a raw TCP stream, or a
// ws:// URL.
func New(addr string, opts ...Option) *Client {
	c := &Client{
		addr:     addr,
		now:      time.Now,
		messages: make(chan protocol.Message, 32),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logger.OrDiscard(c.logger)
	return c
}

// ConnectAndLogin connects, logs in as name and waits for the welcome.
// Afterwards server messages are delivered on Messages.
func (c *Client) ConnectAndLogin(ctx context.Context, name string) (protocol.WelcomeMessage, error) {
	rwc, err := c.dial(ctx)
	if err != nil {
		return protocol.WelcomeMessage{}, err
	}
	conn := transport.New(rwc, transport.WithRemoteAddr(c.addr))

	// Unblock the handshake if ctx ends first.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	welcome, err := login(conn, name)
	if !stop() || err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			return protocol.WelcomeMessage{}, ctx.Err()
		}
		return protocol.WelcomeMessage{}, err
	}

	c.name = name
	c.conn = conn
	c.wg.Add(1)
	go c.receive()

	return welcome, nil
}

func (c *Client) dial(ctx context.Context) (io.ReadWriteCloser, error) {
	if strings.HasPrefix(c.addr, "ws://") || strings.HasPrefix(c.addr, "wss://") {
		return ws.Dial(ctx, c.addr)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	return conn, nil
}

func login(conn *transport.Connection, name string) (protocol.WelcomeMessage, error) {
	if err := conn.WriteMessage(protocol.Login{Name: name}); err != nil {
		return protocol.WelcomeMessage{}, fmt.Errorf("failed to send login: %w", err)
	}
	msg, err := conn.ReadMessage()
	if err != nil {
		return protocol.WelcomeMessage{}, fmt.Errorf("failed to read welcome: %w", err)
	}
	welcome, ok := msg.(protocol.WelcomeMessage)
	if !ok {
		return protocol.WelcomeMessage{}, fmt.Errorf("%w: %s", ErrUnexpectedReply, msg.Kind())
	}
	return welcome, nil
}

func (c *Client) receive() {
	defer c.wg.Done()
	defer close(c.messages)

	for {
		msg, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if !errors.Is(err, transport.ErrConnectionReset) {
					c.err = err
				}
			}
			return
		}

		switch msg.(type) {
		case protocol.ChatMessage, protocol.UserEnteredChat, protocol.UserLeftChat, protocol.WhoIsInChat:
		default:
			c.logger.Debug("ignoring message", "kind", msg.Kind().String())
			continue
		}

		select {
		case c.messages <- msg:
		case <-c.done:
			return
		}
	}
}

// Messages delivers chat lines, presence announcements and roster replies.
// It is closed when the connection ends.
func (c *Client) Messages() <-chan protocol.Message {
	return c.messages
}

// Err returns the error that ended the connection, or nil if the server
// closed it normally. It is only meaningful once Messages is closed.
func (c *Client) Err() error {
	return c.err
}

// Name returns the name the client logged in with.
func (c *Client) Name() string {
	return c.name
}

// SendChatMessage sends a chat line stamped with the current time.
func (c *Client) SendChatMessage(text string) error {
	return c.send(protocol.ChatMessage{
		Name:   c.name,
		Msg:    text,
		SentAt: protocol.Timestamp(c.now()),
	})
}

// RequestRoster asks for the names in the chat. The reply arrives on
// Messages as a WhoIsInChat.
func (c *Client) RequestRoster() error {
	return c.send(protocol.WhoIsInChat{})
}

// Logout ends the session. The server then closes the connection.
func (c *Client) Logout() error {
	return c.send(protocol.Logout{Name: c.name})
}

func (c *Client) send(m protocol.Message) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(m); err != nil {
		return fmt.Errorf("failed to send %s: %w", m.Kind(), err)
	}
	return nil
}

// Close closes the connection and waits for the receiver to stop.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			err = c.conn.Close()
		}
		c.wg.Wait()
	})
	return err
}
