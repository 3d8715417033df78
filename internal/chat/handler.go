package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/omochice/framechat/internal/logger"
	"github.com/omochice/framechat/internal/metrics"
	"github.com/omochice/framechat/internal/transport"
	"github.com/omochice/framechat/pkg/frame"
	"github.com/omochice/framechat/pkg/protocol"
)

// DefaultWelcome is the text of the reply to a successful login.
const DefaultWelcome = "Welcome!"

var (
	ErrHijacked        = errors.New("chat: client sent a server-only message")
	ErrNotLoggedIn     = errors.New("chat: not logged in")
	ErrAlreadyLoggedIn = errors.New("chat: already logged in")
	ErrEmptyName       = errors.New("chat: empty name")
	ErrPanic           = errors.New("chat: handler panic")
)

// Roster answers who is logged in.
type Roster interface {
	Roster(ctx context.Context) ([]string, error)
}

// Handler runs the session state machine for one connection.
type Handler struct {
	id     string
	conn   Conn
	hub    *Hub
	status chan<- StatusUpdate
	roster Roster

	welcome string
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	session *Session
	sub     *Subscription
	span    trace.Span
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithWelcome sets the welcome text.
func WithWelcome(msg string) HandlerOption {
	return func(h *Handler) {
		h.welcome = msg
	}
}

// WithClock sets the time source for timestamps.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		h.now = now
	}
}

// WithLogger sets the logger. Connection attributes are added to it.
func WithLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) HandlerOption {
	return func(h *Handler) {
		h.metrics = m
	}
}

// WithTracer sets the tracer used for the session span.
func WithTracer(t trace.Tracer) HandlerOption {
	return func(h *Handler) {
		h.tracer = t
	}
}

// NewHandler returns a handler for conn. Presence changes are sent on status,
// which must be drained until Run returns.
func NewHandler(id string, conn Conn, hub *Hub, status chan<- StatusUpdate, roster Roster, opts ...HandlerOption) *Handler {
	h := &Handler{
		id:      id,
		conn:    conn,
		hub:     hub,
		status:  status,
		roster:  roster,
		welcome: DefaultWelcome,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.tracer == nil {
		h.tracer = otel.Tracer("github.com/omochice/framechat/internal/chat")
	}
	h.logger = logger.OrDiscard(h.logger).With("conn_id", id, "remote", conn.RemoteAddr())
	return h
}

// Run serves the connection until the client logs out, an error occurs or
// ctx is cancelled. Cancellation is a clean exit. On every exit an online
// session is reported offline, the subscription is dropped and the
// connection is closed.
func (h *Handler) Run(ctx context.Context) (err error) {
	ctx, h.span = h.tracer.Start(ctx, "chat.session", trace.WithAttributes(
		attribute.String("conn.id", h.id),
		attribute.String("net.peer.addr", h.conn.RemoteAddr()),
	))
	parent := ctx
	ctx, cancel := context.WithCancel(ctx)

	frames := make(chan frame.Frame)
	readErr := make(chan error, 1)
	readerDone := make(chan struct{})
	go h.readLoop(ctx, frames, readErr, readerDone)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
		cancel()
		h.finish(err, readerDone)
	}()

	h.logger.Info("client connected")

	for {
		var fanout <-chan protocol.Message
		if h.sub != nil {
			fanout = h.sub.C()
		}

		select {
		case <-parent.Done():
			return nil

		case err := <-readErr:
			if parent.Err() != nil {
				return nil
			}
			return err

		case f := <-frames:
			done, err := h.handleFrame(ctx, f)
			if err != nil {
				if parent.Err() != nil {
					return nil
				}
				return err
			}
			if done {
				return nil
			}

		case m, ok := <-fanout:
			if !ok {
				return h.sub.Err()
			}
			if err := h.forward(m); err != nil {
				return err
			}
		}
	}
}

func (h *Handler) readLoop(ctx context.Context, frames chan<- frame.Frame, errc chan<- error, done chan<- struct{}) {
	defer close(done)
	for {
		f, err := h.conn.ReadFrame()
		if err != nil {
			errc <- err
			return
		}
		select {
		case frames <- f:
		case <-ctx.Done():
			return
		}
	}
}

// handleFrame applies one inbound frame. done reports a voluntary logout.
func (h *Handler) handleFrame(ctx context.Context, f frame.Frame) (done bool, err error) {
	msg, err := protocol.Decode(f)
	if err != nil {
		return false, err
	}
	kind := msg.Kind()
	h.metrics.MessageReceived(kind.String())

	if protocol.ServerOnly(kind) {
		return false, fmt.Errorf("%w: %s", ErrHijacked, kind)
	}

	switch m := msg.(type) {
	case protocol.Login:
		return false, h.login(ctx, m)

	case protocol.Logout:
		if h.session == nil {
			return false, fmt.Errorf("%w: %s", ErrNotLoggedIn, kind)
		}
		h.logger.Info("client logged out")
		h.span.AddEvent("logout")
		return true, nil

	case protocol.ChatMessage:
		return false, h.chat(ctx, m)

	case protocol.WhoIsInChat:
		return false, h.replyRoster(ctx)
	}
	return false, fmt.Errorf("%w: %s", protocol.ErrUnknownKind, kind)
}

func (h *Handler) login(ctx context.Context, m protocol.Login) error {
	if h.session != nil {
		return fmt.Errorf("%w as %q", ErrAlreadyLoggedIn, h.session.Name)
	}
	if strings.TrimSpace(m.Name) == "" {
		return ErrEmptyName
	}

	// Subscribe before going online so the client sees its own join.
	sub, err := h.hub.Subscribe(ctx)
	if err != nil {
		return err
	}
	h.sub = sub
	h.session = NewSession(m.Name, h.now())
	h.logger = h.logger.With("name", m.Name)
	h.span.SetAttributes(attribute.String("chat.name", m.Name))
	h.span.AddEvent("login")

	h.report()
	h.logger.Info("client logged in")

	return h.conn.WriteFrame(protocol.Encode(protocol.WelcomeMessage{
		Msg:    h.welcome,
		SentAt: protocol.Timestamp(h.now()),
	}))
}

func (h *Handler) chat(ctx context.Context, m protocol.ChatMessage) error {
	if h.session == nil {
		return fmt.Errorf("%w: %s", ErrNotLoggedIn, m.Kind())
	}
	h.session.MessagesSent++

	m.Name = h.session.Name
	if m.SentAt == "" {
		m.SentAt = protocol.Timestamp(h.now())
	}
	return h.hub.Publish(ctx, m)
}

func (h *Handler) replyRoster(ctx context.Context) error {
	names := []string{}
	if h.roster != nil {
		var err error
		if names, err = h.roster.Roster(ctx); err != nil {
			return err
		}
	}
	return h.conn.WriteFrame(protocol.Encode(protocol.WhoIsInChat{Chatters: names}))
}

// forward writes a fan-out message to the client.
func (h *Handler) forward(m protocol.Message) error {
	switch m.(type) {
	case protocol.ChatMessage, protocol.UserEnteredChat, protocol.UserLeftChat:
		return h.conn.WriteFrame(protocol.Encode(m))
	}
	h.logger.Debug("dropping fan-out message", "kind", m.Kind())
	return nil
}

func (h *Handler) report() {
	h.status <- StatusUpdate{ConnID: h.id, Session: *h.session}
}

func (h *Handler) finish(err error, readerDone <-chan struct{}) {
	if h.session != nil && h.session.Status == StatusOnline {
		h.session.MarkOffline()
		h.report()
	}
	if h.sub != nil {
		h.hub.Unsubscribe(h.sub)
	}
	_ = h.conn.Close()
	<-readerDone

	if err != nil {
		reason := Reason(err)
		h.metrics.ConnectionFailed(reason)
		h.logger.Warn("connection aborted", "reason", reason, "err", err)
		h.span.RecordError(err)
		h.span.SetStatus(codes.Error, reason)
	} else {
		h.logger.Info("connection closed")
	}
	h.span.End()
}

// Reason classifies a handler error for logs and metrics.
func Reason(err error) string {
	var uv *frame.UnexpectedValueError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, transport.ErrConnectionReset):
		return "reset"
	case errors.Is(err, ErrLagged):
		return "lagged"
	case errors.Is(err, ErrHijacked):
		return "hijacked"
	case errors.Is(err, ErrNotLoggedIn):
		return "not_logged_in"
	case errors.Is(err, ErrAlreadyLoggedIn):
		return "already_logged_in"
	case errors.Is(err, ErrEmptyName):
		return "empty_name"
	case errors.Is(err, ErrPanic):
		return "panic"
	case errors.Is(err, protocol.ErrUnknownKind):
		return "unknown_kind"
	case errors.Is(err, protocol.ErrMalformed):
		return "malformed"
	case errors.Is(err, protocol.ErrInvalidEncoding):
		return "invalid_encoding"
	case errors.As(err, &uv),
		errors.Is(err, frame.ErrInvalidLength),
		errors.Is(err, frame.ErrMissingTerminator),
		errors.Is(err, frame.ErrTooLarge),
		errors.Is(err, frame.ErrTooDeep):
		return "protocol"
	default:
		return "io"
	}
}
