package chat_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/omochice/framechat/internal/chat"
	"github.com/omochice/framechat/internal/transport"
	"github.com/omochice/framechat/pkg/frame"
	"github.com/omochice/framechat/pkg/protocol"
)

var fixedNow = time.Date(2024, 5, 1, 13, 37, 0, 0, time.UTC)

type rosterFunc func(ctx context.Context) ([]string, error)

func (f rosterFunc) Roster(ctx context.Context) ([]string, error) { return f(ctx) }

type run struct {
	conn   *mockConn
	status chan chat.StatusUpdate
	errc   chan error
	cancel context.CancelFunc
}

func startHandler(t *testing.T, hub *chat.Hub, roster chat.Roster, opts ...chat.HandlerOption) *run {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		conn:   newMockConn("127.0.0.1:5555"),
		status: make(chan chat.StatusUpdate, 16),
		errc:   make(chan error, 1),
		cancel: cancel,
	}
	opts = append([]chat.HandlerOption{chat.WithClock(func() time.Time { return fixedNow })}, opts...)
	h := chat.NewHandler("conn-1", r.conn, hub, r.status, roster, opts...)
	go func() { r.errc <- h.Run(ctx) }()
	t.Cleanup(cancel)
	return r
}

func (r *run) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.errc:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return")
		return nil
	}
}

func (r *run) nextStatus(t *testing.T) chat.StatusUpdate {
	t.Helper()
	select {
	case u := <-r.status:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("no status update")
		return chat.StatusUpdate{}
	}
}

func (r *run) login(t *testing.T, name string) {
	t.Helper()
	r.conn.send(protocol.Login{Name: name})

	u := r.nextStatus(t)
	require.Equal(t, chat.StatusOnline, u.Session.Status)
	require.Equal(t, name, u.Session.Name)
	require.IsType(t, protocol.WelcomeMessage{}, r.conn.next(t))
}

func TestHandler_LoginLogout(t *testing.T) {
	hub := startHub(t, 8)
	r := startHandler(t, hub, nil, chat.WithWelcome("hello there"))

	r.conn.send(protocol.Login{Name: "bob"})

	u := r.nextStatus(t)
	assert.Equal(t, "conn-1", u.ConnID)
	assert.Equal(t, chat.StatusOnline, u.Session.Status)
	assert.Equal(t, "bob", u.Session.Name)
	assert.Equal(t, fixedNow, u.Session.ConnectedAt)

	assert.Equal(t, protocol.WelcomeMessage{Msg: "hello there", SentAt: "13:37:00"}, r.conn.next(t))

	r.conn.send(protocol.Logout{Name: "bob"})
	require.NoError(t, r.wait(t))

	u = r.nextStatus(t)
	assert.Equal(t, chat.StatusOffline, u.Session.Status)
	assert.Equal(t, "bob", u.Session.Name)
	assert.True(t, r.conn.isClosed())
}

func TestHandler_FatalErrors(t *testing.T) {
	tests := []struct {
		name    string
		login   bool
		input   frame.Frame
		wantErr error
	}{
		{
			name:    "chat before login",
			input:   protocol.Encode(protocol.ChatMessage{Name: "bob", Msg: "hi"}),
			wantErr: chat.ErrNotLoggedIn,
		},
		{
			name:    "logout before login",
			input:   protocol.Encode(protocol.Logout{Name: "bob"}),
			wantErr: chat.ErrNotLoggedIn,
		},
		{
			name:    "second login",
			login:   true,
			input:   protocol.Encode(protocol.Login{Name: "mallory"}),
			wantErr: chat.ErrAlreadyLoggedIn,
		},
		{
			name:    "empty name",
			input:   protocol.Encode(protocol.Login{Name: "  "}),
			wantErr: chat.ErrEmptyName,
		},
		{
			name:    "server-only welcome",
			login:   true,
			input:   protocol.Encode(protocol.WelcomeMessage{Msg: "fake", SentAt: "00:00:00"}),
			wantErr: chat.ErrHijacked,
		},
		{
			name:    "server-only join announcement",
			input:   protocol.Encode(protocol.UserEnteredChat{Name: "bob", Msg: "x"}),
			wantErr: chat.ErrHijacked,
		},
		{
			name:    "unknown kind",
			login:   true,
			input:   frame.Array{frame.BulkString("honk!")},
			wantErr: protocol.ErrUnknownKind,
		},
		{
			name:    "wrong arity",
			input:   frame.Array{frame.BulkString("login")},
			wantErr: protocol.ErrMalformed,
		},
		{
			name:    "invalid utf-8",
			input:   frame.Array{frame.BulkString("login"), frame.Bulk{0xff}},
			wantErr: protocol.ErrInvalidEncoding,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := startHub(t, 8)
			r := startHandler(t, hub, nil)
			if tt.login {
				r.login(t, "bob")
			}

			r.conn.in <- tt.input
			assert.ErrorIs(t, r.wait(t), tt.wantErr)
			assert.True(t, r.conn.isClosed())

			if tt.login {
				u := r.nextStatus(t)
				assert.Equal(t, chat.StatusOffline, u.Session.Status)
			}
			assert.Empty(t, r.status)
		})
	}
}

func TestHandler_ChatIsPublishedUnderSessionName(t *testing.T) {
	hub := startHub(t, 8)
	watcher, err := hub.Subscribe(context.Background())
	require.NoError(t, err)

	r := startHandler(t, hub, nil)
	r.login(t, "bob")

	r.conn.send(protocol.ChatMessage{Name: "alice", Msg: "hi all"})
	r.conn.send(protocol.ChatMessage{Name: "bob", Msg: "again", SentAt: "01:02:03"})

	assert.Equal(t, protocol.ChatMessage{Name: "bob", Msg: "hi all", SentAt: "13:37:00"}, <-watcher.C())
	assert.Equal(t, protocol.ChatMessage{Name: "bob", Msg: "again", SentAt: "01:02:03"}, <-watcher.C())

	// The sender receives its own lines through the fan-out channel.
	assert.Equal(t, protocol.ChatMessage{Name: "bob", Msg: "hi all", SentAt: "13:37:00"}, r.conn.next(t))
}

func TestHandler_ForwardsFanOut(t *testing.T) {
	hub := startHub(t, 8)
	r := startHandler(t, hub, nil)
	r.login(t, "bob")

	ctx := context.Background()
	msgs := []protocol.Message{
		protocol.UserEnteredChat{Name: "alice", Msg: "alice joined the chat!"},
		protocol.WelcomeMessage{Msg: "not for you", SentAt: "00:00:00"},
		protocol.WhoIsInChat{Chatters: []string{"x"}},
		protocol.ChatMessage{Name: "alice", Msg: "hey", SentAt: "00:00:01"},
		protocol.UserLeftChat{Name: "alice", Msg: "alice left the chat!"},
	}
	for _, m := range msgs {
		require.NoError(t, hub.Publish(ctx, m))
	}

	assert.Equal(t, msgs[0], r.conn.next(t))
	assert.Equal(t, msgs[3], r.conn.next(t))
	assert.Equal(t, msgs[4], r.conn.next(t))
}

func TestHandler_Roster(t *testing.T) {
	hub := startHub(t, 8)
	roster := rosterFunc(func(context.Context) ([]string, error) {
		return []string{"alice", "bob"}, nil
	})
	r := startHandler(t, hub, roster)

	r.conn.send(protocol.WhoIsInChat{})
	assert.Equal(t, protocol.WhoIsInChat{Chatters: []string{"alice", "bob"}}, r.conn.next(t))

	r.login(t, "carol")
	r.conn.send(protocol.WhoIsInChat{})
	assert.Equal(t, protocol.WhoIsInChat{Chatters: []string{"alice", "bob"}}, r.conn.next(t))
}

func TestHandler_RosterError(t *testing.T) {
	hub := startHub(t, 8)
	boom := errors.New("boom")
	r := startHandler(t, hub, rosterFunc(func(context.Context) ([]string, error) {
		return nil, boom
	}))

	r.conn.send(protocol.WhoIsInChat{})
	assert.ErrorIs(t, r.wait(t), boom)
}

func TestHandler_LaggingClientIsDisconnected(t *testing.T) {
	hub := startHub(t, 1)
	r := startHandler(t, hub, nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	r.conn.onWrite = func(m protocol.Message) {
		if cm, ok := m.(protocol.ChatMessage); ok && cm.Msg == "block" {
			close(entered)
			<-release
		}
	}
	r.login(t, "bob")

	ctx := context.Background()
	require.NoError(t, hub.Publish(ctx, protocol.ChatMessage{Name: "x", Msg: "block"}))
	<-entered

	for i := range 3 {
		require.NoError(t, hub.Publish(ctx, protocol.ChatMessage{Name: "x", Msg: fmt.Sprint(i)}))
	}
	close(release)

	assert.ErrorIs(t, r.wait(t), chat.ErrLagged)
	u := r.nextStatus(t)
	assert.Equal(t, chat.StatusOffline, u.Session.Status)
}

func TestHandler_ShutdownReportsOffline(t *testing.T) {
	hub := startHub(t, 8)
	r := startHandler(t, hub, nil)
	r.login(t, "bob")

	r.cancel()
	require.NoError(t, r.wait(t))

	u := r.nextStatus(t)
	assert.Equal(t, chat.StatusOffline, u.Session.Status)
	assert.True(t, r.conn.isClosed())
}

func TestHandler_PeerReset(t *testing.T) {
	hub := startHub(t, 8)
	r := startHandler(t, hub, nil)
	r.login(t, "bob")

	close(r.conn.in)
	assert.ErrorIs(t, r.wait(t), transport.ErrConnectionReset)
	assert.Equal(t, chat.StatusOffline, r.nextStatus(t).Session.Status)
}

func TestHandler_PanicIsContained(t *testing.T) {
	hub := startHub(t, 8)
	r := startHandler(t, hub, rosterFunc(func(context.Context) ([]string, error) {
		panic("roster exploded")
	}))
	r.login(t, "bob")

	r.conn.send(protocol.WhoIsInChat{})
	err := r.wait(t)
	assert.ErrorIs(t, err, chat.ErrPanic)
	assert.Contains(t, err.Error(), "roster exploded")
	assert.Equal(t, chat.StatusOffline, r.nextStatus(t).Session.Status)
	assert.True(t, r.conn.isClosed())
}

// recordSpans returns a tracer whose ended spans are kept by the recorder.
func recordSpans(t *testing.T) (*tracetest.SpanRecorder, chat.HandlerOption) {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return sr, chat.WithTracer(tp.Tracer("test"))
}

func eventNames(span sdktrace.ReadOnlySpan) []string {
	var names []string
	for _, e := range span.Events() {
		names = append(names, e.Name)
	}
	return names
}

func TestHandler_SessionSpan(t *testing.T) {
	sr, withTracer := recordSpans(t)
	hub := startHub(t, 8)
	r := startHandler(t, hub, nil, withTracer)
	r.login(t, "bob")

	r.conn.send(protocol.Logout{Name: "bob"})
	require.NoError(t, r.wait(t))

	spans := sr.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "chat.session", span.Name())
	assert.Equal(t, []string{"login", "logout"}, eventNames(span))
	assert.Contains(t, span.Attributes(), attribute.String("conn.id", "conn-1"))
	assert.Contains(t, span.Attributes(), attribute.String("chat.name", "bob"))
	assert.Equal(t, codes.Unset, span.Status().Code)
}

func TestHandler_SessionSpanRecordsError(t *testing.T) {
	sr, withTracer := recordSpans(t)
	hub := startHub(t, 8)
	r := startHandler(t, hub, nil, withTracer)
	r.login(t, "bob")

	r.conn.send(protocol.WelcomeMessage{Msg: "fake", SentAt: "00:00:00"})
	assert.ErrorIs(t, r.wait(t), chat.ErrHijacked)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, codes.Error, span.Status().Code)
	assert.Equal(t, "hijacked", span.Status().Description)
	assert.Equal(t, []string{"login", "exception"}, eventNames(span))
}

func TestReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{transport.ErrConnectionReset, "reset"},
		{fmt.Errorf("wrapped: %w", chat.ErrLagged), "lagged"},
		{chat.ErrHijacked, "hijacked"},
		{protocol.ErrUnknownKind, "unknown_kind"},
		{&frame.UnexpectedValueError{Value: '+'}, "protocol"},
		{frame.ErrTooLarge, "protocol"},
		{errors.New("broken pipe"), "io"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, chat.Reason(tt.err), "%v", tt.err)
	}
}
