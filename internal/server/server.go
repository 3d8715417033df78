// Package server accepts chat connections and owns the shared chat state:
// the logged in count, the roster and the fan-out hub.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/omochice/framechat/internal/chat"
	"github.com/omochice/framechat/internal/config"
	"github.com/omochice/framechat/internal/logger"
	"github.com/omochice/framechat/internal/metrics"
	"github.com/omochice/framechat/internal/transport"
	"github.com/omochice/framechat/internal/transport/ws"
	"github.com/omochice/framechat/pkg/protocol"
)

var (
	ErrNotListening = errors.New("server: not listening")
	ErrServerClosed = errors.New("server: closed")
)

const acceptBackoff = 50 * time.Millisecond

// Server is a chat server. Its state is owned by the goroutine running
// Serve; other goroutines reach it through channels.
type Server struct {
	cfg      config.Config
	listener net.Listener

	hub     *chat.Hub
	status  chan chat.StatusUpdate
	queries chan chan snapshot
	done    chan struct{}

	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithTracer sets the tracer used for session spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Server) {
		s.tracer = t
	}
}

// New creates a Server. It does not listen until Listen or Start is called.
func New(cfg config.Config, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		status:  make(chan chat.StatusUpdate, cfg.StatusCapacity),
		queries: make(chan chan snapshot),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logger.OrDiscard(s.logger)
	s.hub = chat.NewHub(cfg.FanoutCapacity, s.logger, s.metrics)
	return s
}

// Listen binds the configured address.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	s.listener = ln
	s.logger.Info("server listening", "addr", ln.Addr().String(), "websocket", s.cfg.WebSocket)
	return nil
}

// Start listens and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Addr returns the listening address, or "" before Listen.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// snapshot is the server loop's answer to a query.
type snapshot struct {
	count int
	names []string
}

// state is owned by the server loop.
type state struct {
	count int
	names map[string]string // conn id -> name
}

// Serve runs the server loop until ctx is cancelled. On cancellation it
// stops accepting, keeps applying status updates until every connection
// has finished, stops the hub and returns nil.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return ErrNotListening
	}
	defer close(s.done)

	hubCtx, stopHub := context.WithCancel(context.Background())
	go s.hub.Run(hubCtx)

	stopListener := context.AfterFunc(ctx, func() { _ = s.listener.Close() })
	defer stopListener()

	var wg sync.WaitGroup
	conns := make(chan net.Conn)
	wg.Add(1)
	go s.acceptLoop(ctx, &wg, conns)

	st := &state{names: make(map[string]string)}

loop:
	for {
		select {
		case conn := <-conns:
			wg.Add(1)
			go s.serveConn(ctx, &wg, conn)
		case u := <-s.status:
			s.apply(st, u)
		case reply := <-s.queries:
			reply <- st.snapshot()
		case <-ctx.Done():
			break loop
		}
	}

	s.logger.Info("server shutting down, draining connections")

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

drain:
	for {
		select {
		case u := <-s.status:
			s.apply(st, u)
		case reply := <-s.queries:
			reply <- st.snapshot()
		case <-drained:
			break drain
		}
	}
	// Updates still buffered were sent by connections that have finished.
	for len(s.status) > 0 {
		s.apply(st, <-s.status)
	}

	stopHub()
	<-s.hub.Done()
	_ = s.listener.Close()

	s.logger.Info("server stopped", "clients", st.count)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, wg *sync.WaitGroup, conns chan<- net.Conn) {
	defer wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("failed to accept connection", "err", err)
			select {
			case <-time.After(acceptBackoff):
				continue
			case <-ctx.Done():
				return
			}
		}

		select {
		case conns <- conn:
		case <-ctx.Done():
			_ = conn.Close()
			return
		}
	}
}

// serveConn detects the transport, upgrades WebSocket requests and runs the
// session handler.
func (s *Server) serveConn(ctx context.Context, wg *sync.WaitGroup, conn net.Conn) {
	defer wg.Done()

	id := uuid.NewString()
	remote := conn.RemoteAddr().String()
	log := s.logger.With("conn_id", id, "remote", remote)

	// Blocked reads and the handshake return once the socket is closed.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	br := bufio.NewReader(conn)
	proto := transport.ProtocolFrames
	if s.cfg.WebSocket {
		p, err := transport.Sniff(br)
		if err != nil {
			log.Debug("connection closed before first byte", "err", err)
			_ = conn.Close()
			return
		}
		proto = p
	}

	var rwc io.ReadWriteCloser = conn
	opts := []transport.Option{
		transport.WithBufferSize(s.cfg.ReadBufferSize),
		transport.WithLimits(s.cfg.Limits()),
		transport.WithRemoteAddr(remote),
	}
	if proto == transport.ProtocolWebSocket {
		stream, err := ws.Upgrade(conn, br, s.cfg.WebSocketPath)
		if err != nil {
			log.Warn("websocket upgrade failed", "err", err)
			s.metrics.ConnectionFailed("upgrade")
			_ = conn.Close()
			return
		}
		rwc = stream
	} else {
		opts = append(opts, transport.WithReader(br))
	}
	s.metrics.ConnectionOpened(proto.String())

	hopts := []chat.HandlerOption{
		chat.WithWelcome(s.cfg.Welcome),
		chat.WithLogger(s.logger.With("transport", proto.String())),
		chat.WithMetrics(s.metrics),
	}
	if s.tracer != nil {
		hopts = append(hopts, chat.WithTracer(s.tracer))
	}
	h := chat.NewHandler(id, transport.New(rwc, opts...), s.hub, s.status, s, hopts...)

	// The handler logs its own exit.
	_ = h.Run(ctx)
}

func (s *Server) apply(st *state, u chat.StatusUpdate) {
	name := u.Session.Name
	switch u.Session.Status {
	case chat.StatusOnline:
		st.count++
		st.names[u.ConnID] = name
		s.publish(protocol.UserEnteredChat{Name: name, Msg: name + " joined the chat!"})
	case chat.StatusOffline:
		if _, ok := st.names[u.ConnID]; !ok {
			return
		}
		st.count--
		delete(st.names, u.ConnID)
		s.publish(protocol.UserLeftChat{Name: name, Msg: name + " left the chat!"})
	}
	s.metrics.SetClients(st.count)
	s.logger.Info("presence changed",
		"conn_id", u.ConnID,
		"name", name,
		"status", u.Session.Status.String(),
		"messages_sent", u.Session.MessagesSent,
		"clients", st.count,
	)
}

// publish hands an announcement to the hub, which outlives every connection.
func (s *Server) publish(m protocol.Message) {
	if err := s.hub.Publish(context.Background(), m); err != nil {
		s.logger.Error("failed to publish announcement", "kind", m.Kind().String(), "err", err)
	}
}

func (st *state) snapshot() snapshot {
	return snapshot{
		count: st.count,
		names: slices.Sorted(maps.Values(st.names)),
	}
}

func (s *Server) query(ctx context.Context) (snapshot, error) {
	reply := make(chan snapshot, 1)
	select {
	case s.queries <- reply:
	case <-s.done:
		return snapshot{}, ErrServerClosed
	case <-ctx.Done():
		return snapshot{}, ctx.Err()
	}
	return <-reply, nil
}

// ClientCount returns the number of logged in clients.
func (s *Server) ClientCount(ctx context.Context) (int, error) {
	snap, err := s.query(ctx)
	return snap.count, err
}

// Roster returns the sorted names of the logged in clients.
func (s *Server) Roster(ctx context.Context) ([]string, error) {
	snap, err := s.query(ctx)
	if err != nil {
		return nil, err
	}
	if snap.names == nil {
		return []string{}, nil
	}
	return snap.names, nil
}
