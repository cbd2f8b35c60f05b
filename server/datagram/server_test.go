package datagram

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	serverPkg "github.com/migadu/udpmail/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T, env *testEnv, options ServerOptions) *Server {
	t.Helper()

	s, err := New(context.Background(), "test", "127.0.0.1:0", env.router, options)
	require.NoError(t, err)
	require.NoError(t, s.Listen())

	errChan := make(chan error, 1)
	go func() {
		if err := s.Serve(); err != nil {
			errChan <- err
		}
	}()
	t.Cleanup(func() {
		s.Close()
		select {
		case err := <-errChan:
			t.Errorf("Serve returned error: %v", err)
		default:
		}
	})
	return s
}

// exchange sends one request datagram and waits for one response.
func exchange(t *testing.T, addr net.Addr, request string) string {
	t.Helper()

	conn, err := net.Dial("udp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(request))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 65536)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	return string(buf[:n])
}

func TestServerScenarios(t *testing.T) {
	env := newTestEnv(t)
	s := startTestServer(t, env, ServerOptions{})
	addr := s.Addr()
	require.NotNil(t, addr)

	// 1, 2
	assert.Equal(t, "SUCCESS|Account created successfully", exchange(t, addr, "REGISTER|alice|pw1"))
	assert.Equal(t, "ERROR|Account already exists", exchange(t, addr, "REGISTER|alice|pw2"))
	// 3
	assert.Equal(t, "ERROR|Wrong password", exchange(t, addr, "LOGIN|alice|wrongpw"))

	// 4
	require.Equal(t, "SUCCESS|Account created successfully", exchange(t, addr, "REGISTER|bob|pw"))
	assert.Equal(t, "SUCCESS|Email sent successfully", exchange(t, addr, "SEND_EMAIL|bob|alice|Hi|Hello there"))

	list := exchange(t, addr, "GET_EMAILS|alice")
	require.True(t, strings.HasPrefix(list, "SUCCESS|"), list)
	items := serverPkg.DecodeList(strings.TrimPrefix(list, "SUCCESS|"))
	require.Len(t, items, 2)

	var id string
	for _, it := range items {
		if it.Subject == "Hi" {
			id = it.ID
		}
	}
	require.NotEmpty(t, id, "message with subject Hi not listed: %s", list)

	// 5
	msg := exchange(t, addr, "GET_EMAIL|alice|"+id)
	assert.True(t, strings.HasPrefix(msg, "SUCCESS|"))
	assert.Contains(t, msg, "From: bob")
	assert.Contains(t, msg, "Subject: Hi")
	assert.Contains(t, msg, "Date: ")
	assert.True(t, strings.HasSuffix(msg, "Hello there"))

	// 6
	assert.Equal(t, "ERROR|Email not found", exchange(t, addr, "GET_EMAIL|alice|does_not_exist.txt"))
}

func TestServerRejectsOversizedRequest(t *testing.T) {
	env := newTestEnv(t)
	s := startTestServer(t, env, ServerOptions{MaxDatagramSize: 512})

	big := "SEND_EMAIL|bob|alice|Hi|" + strings.Repeat("x", 600)
	assert.Equal(t, "ERROR|Request too large", exchange(t, s.Addr(), big))

	// Exactly at the limit is fine
	exact := "GET_EMAILS|" + strings.Repeat("a", 512-len("GET_EMAILS|"))
	assert.Equal(t, "SUCCESS|No emails", exchange(t, s.Addr(), exact))
}

func TestServerTruncatesOversizedResponse(t *testing.T) {
	env := newTestEnv(t)
	s := startTestServer(t, env, ServerOptions{MaxDatagramSize: 512})
	addr := s.Addr()

	require.Equal(t, "SUCCESS|Account created successfully", exchange(t, addr, "REGISTER|alice|pw"))
	body := strings.Repeat("é", 240) // 480 bytes plus headers exceeds the limit
	require.Equal(t, "SUCCESS|Email sent successfully", exchange(t, addr, "SEND_EMAIL|bob|alice|Big|"+body))

	list := exchange(t, addr, "GET_EMAILS|alice")
	var id string
	for _, it := range serverPkg.DecodeList(strings.TrimPrefix(list, "SUCCESS|")) {
		if it.Subject == "Big" {
			id = it.ID
		}
	}
	require.NotEmpty(t, id)

	resp := exchange(t, addr, "GET_EMAIL|alice|"+id)
	assert.LessOrEqual(t, len(resp), 512)
	assert.True(t, strings.HasPrefix(resp, "SUCCESS|"))
	assert.True(t, strings.ToValidUTF8(resp, "?") == resp, "truncation keeps valid UTF-8")
}

func TestServerConcurrentWorkers(t *testing.T) {
	env := newTestEnv(t)
	s := startTestServer(t, env, ServerOptions{Workers: 8})
	addr := s.Addr()

	require.Equal(t, "SUCCESS|Account created successfully", exchange(t, addr, "REGISTER|bob|pw"))

	const n = 40
	var wg sync.WaitGroup
	results := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = exchange(t, addr, fmt.Sprintf("SEND_EMAIL|sender%d|bob|Subject %d|body", i, i))
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, "SUCCESS|Email sent successfully", r)
	}

	list := exchange(t, addr, "GET_EMAILS|bob")
	items := serverPkg.DecodeList(strings.TrimPrefix(list, "SUCCESS|"))
	assert.Len(t, items, n+1)

	ids := make(map[string]struct{})
	for _, it := range items {
		ids[it.ID] = struct{}{}
	}
	assert.Len(t, ids, n+1)
}

func TestServerConcurrentRegistration(t *testing.T) {
	env := newTestEnv(t)
	s := startTestServer(t, env, ServerOptions{Workers: 4})

	const n = 10
	var wg sync.WaitGroup
	results := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = exchange(t, s.Addr(), fmt.Sprintf("REGISTER|alice|pw%d", i))
		}(i)
	}
	wg.Wait()

	created := 0
	for _, r := range results {
		if r == "SUCCESS|Account created successfully" {
			created++
		} else {
			assert.Equal(t, "ERROR|Account already exists", r)
		}
	}
	assert.Equal(t, 1, created)
}

func TestServerLifecycle(t *testing.T) {
	env := newTestEnv(t)

	s, err := New(context.Background(), "test", "127.0.0.1:0", env.router, ServerOptions{})
	require.NoError(t, err)
	assert.Nil(t, s.Addr())
	assert.ErrorIs(t, s.Serve(), ErrNotListening)

	require.NoError(t, s.Listen())
	assert.Error(t, s.Listen(), "second Listen fails")

	done := make(chan error, 1)
	go func() { done <- s.Serve() }()

	assert.Equal(t, "ERROR|Unknown command", exchange(t, s.Addr(), "PING"))

	s.Close()
	s.Close()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
}

func TestServerStopsWithAppContext(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())

	s, err := New(ctx, "test", "127.0.0.1:0", env.router, ServerOptions{Workers: 2})
	require.NoError(t, err)

	errChan := make(chan error, 1)
	started := make(chan struct{})
	go func() {
		close(started)
		s.Start(errChan)
		close(errChan)
	}()
	<-started

	require.Eventually(t, func() bool { return s.Addr() != nil }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err, ok := <-errChan:
		assert.False(t, ok, "unexpected error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop on context cancellation")
	}
	s.Close()
}

func TestServerStartReportsListenError(t *testing.T) {
	env := newTestEnv(t)

	first := startTestServer(t, env, ServerOptions{})
	s, err := New(context.Background(), "dup", first.Addr().String(), env.router, ServerOptions{})
	require.NoError(t, err)

	errChan := make(chan error, 1)
	s.Start(errChan)
	assert.Error(t, <-errChan)
}

func TestCommandLabel(t *testing.T) {
	assert.Equal(t, "LOGIN", commandLabel("LOGIN|a|b"))
	assert.Equal(t, "GET_EMAILS", commandLabel("GET_EMAILS"))
	assert.Equal(t, "unknown", commandLabel("whatever|x"))
	assert.Equal(t, "unknown", commandLabel(""))
}
