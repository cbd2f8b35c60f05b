package client

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/migadu/udpmail/directory"
	"github.com/migadu/udpmail/server/datagram"
	"github.com/migadu/udpmail/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startResponder answers every datagram with reply(request). A nil reply
// function drops requests.
func startResponder(t *testing.T, reply func(string) string) string {
	t.Helper()

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 65536)
		for {
			n, addr, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			if reply == nil {
				continue
			}
			conn.WriteTo([]byte(reply(string(buf[:n]))), addr)
		}
	}()
	return conn.LocalAddr().String()
}

func TestClientTimeout(t *testing.T) {
	addr := startResponder(t, nil)
	c := New(addr, Options{Timeout: 100 * time.Millisecond})

	start := time.Now()
	err := c.Login(context.Background(), "alice", "pw")
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)

	var se *ServerError
	assert.False(t, errors.As(err, &se))
}

func TestClientContextCancel(t *testing.T) {
	addr := startResponder(t, nil)
	c := New(addr, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	err := c.Login(ctx, "alice", "pw")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClientServerError(t *testing.T) {
	addr := startResponder(t, func(string) string { return "ERROR|Wrong password" })
	c := New(addr, Options{Timeout: time.Second})

	err := c.Login(context.Background(), "alice", "nope")
	var se *ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "Wrong password", se.Message)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestClientMalformedResponse(t *testing.T) {
	addr := startResponder(t, func(string) string { return "garbage" })
	c := New(addr, Options{Timeout: time.Second})

	err := c.Register(context.Background(), "alice", "pw")
	assert.Error(t, err)
	var se *ServerError
	assert.False(t, errors.As(err, &se))
}

func TestClientRejectsSeparatorInFields(t *testing.T) {
	c := New("127.0.0.1:1", Options{})
	err := c.SendEmail(context.Background(), "bob", "alice", "Hi", "a|b")
	assert.Error(t, err)
}

func TestClientExchangeSendsVerbatim(t *testing.T) {
	got := make(chan string, 1)
	addr := startResponder(t, func(req string) string {
		got <- req
		return "SUCCESS|ok"
	})
	c := New(addr, Options{Timeout: time.Second})

	resp, err := c.Exchange(context.Background(), "GET_EMAILS|alice")
	require.NoError(t, err)
	assert.Equal(t, "SUCCESS|ok", resp)
	assert.Equal(t, "GET_EMAILS|alice", <-got)
}

func TestClientAgainstServer(t *testing.T) {
	base := t.TempDir()
	store, err := storage.Open(filepath.Join(base, "accounts"), storage.Options{
		WelcomeSender:  "System",
		WelcomeSubject: "Welcome to UDP Mail!",
		WelcomeBody:    "Thank you for using this service.",
	})
	require.NoError(t, err)
	dir, err := directory.Open(filepath.Join(base, "users.txt"), directory.Options{Provisioner: store})
	require.NoError(t, err)

	router := datagram.NewRouter(dir, store, datagram.RouterOptions{})
	srv, err := datagram.New(context.Background(), "test", "127.0.0.1:0", router, datagram.ServerOptions{})
	require.NoError(t, err)
	require.NoError(t, srv.Listen())
	go srv.Serve()
	t.Cleanup(func() {
		srv.Close()
		dir.Close()
		store.Close()
	})

	ctx := context.Background()
	c := New(srv.Addr().String(), Options{Timeout: 2 * time.Second})

	require.NoError(t, c.Register(ctx, "alice", "pw1"))
	require.NoError(t, c.Register(ctx, "bob", "pw2"))

	var se *ServerError
	require.ErrorAs(t, c.Register(ctx, "alice", "x"), &se)
	assert.Equal(t, "Account already exists", se.Message)

	require.NoError(t, c.Login(ctx, "alice", "pw1"))
	require.ErrorAs(t, c.Login(ctx, "carol", "pw"), &se)
	assert.Equal(t, "Account does not exist", se.Message)

	require.NoError(t, c.SendEmail(ctx, "bob", "alice", "Hi", "Hello there"))

	items, err := c.ListEmails(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, items, 2)

	var found bool
	for _, it := range items {
		if it.Subject != "Hi" {
			continue
		}
		found = true
		text, err := c.GetEmail(ctx, "alice", it.ID)
		require.NoError(t, err)
		assert.True(t, strings.Contains(text, "Hello there"))
	}
	assert.True(t, found)

	items, err = c.ListEmails(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, items)
}
