package client_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/framechat/internal/client"
	"github.com/omochice/framechat/internal/config"
	"github.com/omochice/framechat/internal/server"
	"github.com/omochice/framechat/pkg/protocol"
)

var fixedNow = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func startServer(t *testing.T) string {
	t.Helper()

	cfg := config.Default()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Welcome = "hello from the server"
	srv := server.New(cfg)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return srv.Addr()
}

func connect(t *testing.T, addr, name string) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c := client.New(addr, client.WithClock(func() time.Time { return fixedNow }))
	welcome, err := c.ConnectAndLogin(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, "hello from the server", welcome.Msg)
	assert.Equal(t, name, c.Name())
	t.Cleanup(func() { c.Close() })

	assert.Equal(t, protocol.UserEnteredChat{Name: name, Msg: name + " joined the chat!"}, next(t, c))
	return c
}

func next(t *testing.T, c *client.Client) protocol.Message {
	t.Helper()
	select {
	case m, ok := <-c.Messages():
		require.True(t, ok, "messages closed")
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a message")
		return nil
	}
}

func TestClient_Chat(t *testing.T) {
	addr := startServer(t)
	alice := connect(t, addr, "alice")
	bob := connect(t, addr, "bob")
	next(t, alice) // bob joined

	require.NoError(t, alice.SendChatMessage("hi bob"))

	want := protocol.ChatMessage{Name: "alice", Msg: "hi bob", SentAt: "03:04:05"}
	assert.Equal(t, want, next(t, bob))
	assert.Equal(t, want, next(t, alice))
}

func TestClient_RequestRoster(t *testing.T) {
	addr := startServer(t)
	alice := connect(t, addr, "alice")
	connect(t, addr, "bob")
	next(t, alice)

	require.NoError(t, alice.RequestRoster())
	assert.Equal(t, protocol.WhoIsInChat{Chatters: []string{"alice", "bob"}}, next(t, alice))
}

func TestClient_Logout(t *testing.T) {
	addr := startServer(t)
	alice := connect(t, addr, "alice")
	bob := connect(t, addr, "bob")
	next(t, alice)

	require.NoError(t, bob.Logout())
	assert.Equal(t, protocol.UserLeftChat{Name: "bob", Msg: "bob left the chat!"}, next(t, alice))

	select {
	case _, ok := <-bob.Messages():
		for ok {
			_, ok = <-bob.Messages()
		}
	case <-time.After(2 * time.Second):
		t.Fatal("messages not closed after logout")
	}
	assert.NoError(t, bob.Err())
}

func TestClient_WebSocket(t *testing.T) {
	addr := startServer(t)
	web := connect(t, "ws://"+addr+"/ws", "web")
	tcp := connect(t, addr, "tcp")
	next(t, web)

	require.NoError(t, web.SendChatMessage("over websocket"))
	want := protocol.ChatMessage{Name: "web", Msg: "over websocket", SentAt: "03:04:05"}
	assert.Equal(t, want, next(t, tcp))
}

func TestClient_NotConnected(t *testing.T) {
	c := client.New("127.0.0.1:1")
	assert.ErrorIs(t, c.SendChatMessage("hi"), client.ErrNotConnected)
	assert.ErrorIs(t, c.RequestRoster(), client.ErrNotConnected)
	assert.NoError(t, c.Close())
}

func TestClient_ConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = client.New(addr).ConnectAndLogin(context.Background(), "bob")
	assert.Error(t, err)
}

func TestClient_LoginTimesOut(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err = client.New(ln.Addr().String()).ConnectAndLogin(ctx, "bob")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case conn := <-accepted:
		conn.Close()
	case <-time.After(time.Second):
	}
}

func TestClient_UnexpectedReply(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = conn.Write([]byte("*2\r\n$6\r\nlogout\r\n$3\r\nbob\r\n"))
		_, _ = conn.Read(make([]byte, 64))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = client.New(ln.Addr().String()).ConnectAndLogin(ctx, "bob")
	assert.ErrorIs(t, err, client.ErrUnexpectedReply)
}
