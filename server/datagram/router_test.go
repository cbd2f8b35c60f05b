package datagram

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/migadu/udpmail/consts"
	"github.com/migadu/udpmail/directory"
	"github.com/migadu/udpmail/pkg/metrics"
	serverPkg "github.com/migadu/udpmail/server"
	"github.com/migadu/udpmail/storage"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	dir    *directory.Directory
	store  *storage.Store
	router *Router
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	base := t.TempDir()

	store, err := storage.Open(filepath.Join(base, "accounts"), storage.Options{
		WelcomeSender:  "System",
		WelcomeSubject: "Welcome to UDP Mail!",
		WelcomeBody:    "Thank you for using this service.",
	})
	require.NoError(t, err)

	dir, err := directory.Open(filepath.Join(base, "users.txt"), directory.Options{Provisioner: store})
	require.NoError(t, err)
	t.Cleanup(func() {
		dir.Close()
		store.Close()
	})

	return &testEnv{dir: dir, store: store, router: NewRouter(dir, store, RouterOptions{Debug: true})}
}

func (e *testEnv) do(t *testing.T, payload string) string {
	t.Helper()
	ctx := context.WithValue(context.Background(), consts.RemoteAddrKey, "127.0.0.1:40000")
	return e.router.Handle(ctx, payload).Encode()
}

func TestRouterRegisterAndLogin(t *testing.T) {
	env := newTestEnv(t)

	assert.Equal(t, "SUCCESS|Account created successfully", env.do(t, "REGISTER|alice|pw1"))
	assert.Equal(t, "ERROR|Account already exists", env.do(t, "REGISTER|alice|pw2"))
	assert.Equal(t, "SUCCESS|Login successful", env.do(t, "LOGIN|alice|pw1"))
	assert.Equal(t, "ERROR|Wrong password", env.do(t, "LOGIN|alice|wrongpw"))
	assert.Equal(t, "ERROR|Wrong password", env.do(t, "LOGIN|alice|pw2"))
	assert.Equal(t, "ERROR|Account does not exist", env.do(t, "LOGIN|ghost|pw"))

	assert.Equal(t, "ERROR|Invalid username", env.do(t, "REGISTER|../x|pw"))
	assert.Equal(t, "ERROR|Invalid username", env.do(t, "REGISTER||pw"))
	assert.Equal(t, "ERROR|Invalid password", env.do(t, "REGISTER|bob|"))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AccountsCurrent))
}

func TestRouterMailFlow(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, "SUCCESS|Account created successfully", env.do(t, "REGISTER|alice|pw1"))
	require.Equal(t, "SUCCESS|Account created successfully", env.do(t, "REGISTER|bob|pw2"))

	assert.Equal(t, "SUCCESS|Email sent successfully", env.do(t, "SEND_EMAIL|bob|alice|Hi|Hello there"))
	assert.Equal(t, "ERROR|Recipient account does not exist", env.do(t, "SEND_EMAIL|bob|carol|Hi|x"))
	assert.Equal(t, "ERROR|Subject contains reserved characters", env.do(t, "SEND_EMAIL|bob|alice|a;b|x"))
	assert.Equal(t, "ERROR|Subject contains reserved characters", env.do(t, "SEND_EMAIL|bob|alice|a:::b|x"))
	assert.Equal(t, "ERROR|Invalid sender", env.do(t, "SEND_EMAIL||alice|Hi|x"))

	list := env.do(t, "GET_EMAILS|alice")
	require.True(t, strings.HasPrefix(list, "SUCCESS|"))
	items := serverPkg.DecodeList(strings.TrimPrefix(list, "SUCCESS|"))
	require.Len(t, items, 2)

	var id string
	subjects := map[string]bool{}
	for _, it := range items {
		subjects[it.Subject] = true
		if it.Subject == "Hi" {
			id = it.ID
		}
	}
	assert.True(t, subjects["Welcome to UDP Mail!"])
	require.NotEmpty(t, id)

	msg := env.do(t, "GET_EMAIL|alice|"+id)
	assert.True(t, strings.HasPrefix(msg, "SUCCESS|"))
	assert.Contains(t, msg, "From: bob\r\n")
	assert.Contains(t, msg, "Subject: Hi\r\n")
	assert.Contains(t, msg, "Date: ")
	assert.Contains(t, msg, "X-Origin-Address: 127.0.0.1:40000\r\n")
	assert.True(t, strings.HasSuffix(msg, "Hello there"))

	assert.Equal(t, "ERROR|Email not found", env.do(t, "GET_EMAIL|alice|does_not_exist.txt"))
	assert.Equal(t, "ERROR|Email not found", env.do(t, "GET_EMAIL|bob|"+id))
	assert.Equal(t, "ERROR|Email not found", env.do(t, "GET_EMAIL|alice|../bob/welcome.txt"))

	// Lists of unknown users are empty, not errors
	assert.Equal(t, "SUCCESS|No emails", env.do(t, "GET_EMAILS|carol"))
}

func TestRouterEmptySubjectListsNoSubject(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, "SUCCESS|Account created successfully", env.do(t, "REGISTER|alice|pw1"))
	require.Equal(t, "SUCCESS|Email sent successfully", env.do(t, "SEND_EMAIL|bob|alice||body"))

	list := env.do(t, "GET_EMAILS|alice")
	assert.Contains(t, list, ":::No Subject")
}

func TestRouterKeepsBodyLineEndings(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, "SUCCESS|Account created successfully", env.do(t, "REGISTER|alice|pw1"))
	require.Equal(t, "SUCCESS|Email sent successfully", env.do(t, "SEND_EMAIL|bob|alice|Hi|Hello there\n"))

	list := env.do(t, "GET_EMAILS|alice\n")
	require.True(t, strings.HasPrefix(list, "SUCCESS|"))
	var id string
	for _, it := range serverPkg.DecodeList(strings.TrimPrefix(list, "SUCCESS|")) {
		if it.Subject == "Hi" {
			id = it.ID
		}
	}
	require.NotEmpty(t, id)

	msg := env.do(t, "GET_EMAIL|alice|"+id+"\r\n")
	assert.True(t, strings.HasSuffix(msg, "\r\n\r\nHello there\n"), "body read back as sent: %q", msg)
}

func TestRouterProtocolErrors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		payload string
		want    string
	}{
		{"", "ERROR|Empty request"},
		{"\n", "ERROR|Empty request"},
		{"HELLO", "ERROR|Unknown command"},
		{"register|alice|pw", "ERROR|Unknown command"},
		{"LOGIN", "ERROR|Invalid request: LOGIN expects 2 arguments"},
		{"LOGIN|alice", "ERROR|Invalid request: LOGIN expects 2 arguments"},
		{"REGISTER|alice|pw|x", "ERROR|Invalid request: REGISTER expects 2 arguments"},
		{"SEND_EMAIL|a|b|c", "ERROR|Invalid request: SEND_EMAIL expects 4 arguments"},
		{"SEND_EMAIL|a|b|c|d|e", "ERROR|Invalid request: SEND_EMAIL expects 4 arguments"},
		{"GET_EMAILS", "ERROR|Invalid request: GET_EMAILS expects 1 arguments"},
		{"GET_EMAIL|alice", "ERROR|Invalid request: GET_EMAIL expects 2 arguments"},
	}
	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			assert.Equal(t, tt.want, env.do(t, tt.payload))
		})
	}
}

func TestProtocolFailureMessages(t *testing.T) {
	assert.Equal(t, "ERROR|Request too large", protocolFailure(fmt.Errorf("%w: 70000 bytes", consts.ErrRequestTooLarge)).Encode())
	assert.Equal(t, "ERROR|Empty request", protocolFailure(consts.ErrEmptyRequest).Encode())
	assert.Equal(t, "ERROR|Unknown command", protocolFailure(consts.ErrUnknownCommand).Encode())
}

// panicStore fails every operation with a panic.
type panicStore struct{}

func (panicStore) Append(context.Context, string, *storage.Message) (string, error) {
	panic("append exploded")
}
func (panicStore) List(context.Context, string) ([]storage.MessageInfo, error) {
	panic("list exploded")
}
func (panicStore) Read(context.Context, string, string) ([]byte, error) {
	panic("read exploded")
}

// brokenStore fails every operation with a storage failure.
type brokenStore struct{}

func (brokenStore) Append(context.Context, string, *storage.Message) (string, error) {
	return "", consts.ErrStorageFailure
}
func (brokenStore) List(context.Context, string) ([]storage.MessageInfo, error) {
	return nil, consts.ErrStorageFailure
}
func (brokenStore) Read(context.Context, string, string) ([]byte, error) {
	return nil, consts.ErrStorageFailure
}

func TestRouterRecoversFromPanics(t *testing.T) {
	env := newTestEnv(t)
	router := NewRouter(env.dir, panicStore{}, RouterOptions{})
	ctx := context.Background()

	before := testutil.ToFloat64(metrics.HandlerPanics)
	assert.Equal(t, "ERROR|Internal server error", router.Handle(ctx, "SEND_EMAIL|a|b|c|d").Encode())
	assert.Equal(t, "ERROR|Internal server error", router.Handle(ctx, "GET_EMAILS|a").Encode())
	assert.Equal(t, "ERROR|Internal server error", router.Handle(ctx, "GET_EMAIL|a|b").Encode())
	assert.Equal(t, before+3, testutil.ToFloat64(metrics.HandlerPanics))

	// The router keeps working afterwards
	assert.Equal(t, "ERROR|Account does not exist", router.Handle(ctx, "LOGIN|ghost|pw").Encode())
}

func TestRouterStorageFailuresAreOpaque(t *testing.T) {
	env := newTestEnv(t)
	router := NewRouter(env.dir, brokenStore{}, RouterOptions{})
	ctx := context.Background()

	assert.Equal(t, "ERROR|Cannot send email", router.Handle(ctx, "SEND_EMAIL|a|b|c|d").Encode())
	assert.Equal(t, "ERROR|Cannot retrieve emails", router.Handle(ctx, "GET_EMAILS|a").Encode())
	assert.Equal(t, "ERROR|Cannot read email", router.Handle(ctx, "GET_EMAIL|a|b").Encode())
}

// staticStore lists fixed message infos.
type staticStore struct {
	brokenStore
	infos []storage.MessageInfo
}

func (s staticStore) List(context.Context, string) ([]storage.MessageInfo, error) {
	return s.infos, nil
}

func TestRouterListFramingStaysIntact(t *testing.T) {
	env := newTestEnv(t)
	router := NewRouter(env.dir, staticStore{infos: []storage.MessageInfo{
		{ID: "welcome.txt", Subject: "Hello; world:::again"},
		{ID: "email_a.txt", Subject: "plain"},
	}}, RouterOptions{})

	resp := router.Handle(context.Background(), "GET_EMAILS|alice")
	require.True(t, resp.OK)
	items := serverPkg.DecodeList(resp.Payload)
	require.Len(t, items, 2)
	assert.Equal(t, "welcome.txt", items[0].ID)
	assert.Equal(t, "plain", items[1].Subject)
}
