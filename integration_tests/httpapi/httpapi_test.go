//go:build integration

package httpapi_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/migadu/udpmail/integration_tests/common"
	"github.com/migadu/udpmail/server/httpapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const apiKey = "integration-key"

func setupAPI(t *testing.T, ts *common.TestServer) *httptest.Server {
	t.Helper()

	srv, err := httpapi.New(ts.Directory, ts.Store, httpapi.ServerOptions{APIKey: apiKey})
	require.NoError(t, err)

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return hs
}

func call(t *testing.T, hs *httptest.Server, method, path, body string) (int, []byte) {
	t.Helper()

	req, err := http.NewRequest(method, hs.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hs.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func TestAccountCreatedOverHTTPUsableOverUDP(t *testing.T) {
	ts := common.SetupDatagramServer(t, "")
	hs := setupAPI(t, ts)
	ctx := context.Background()

	status, _ := call(t, hs, "POST", "/api/v1/accounts", `{"username":"alice","password":"pw1"}`)
	require.Equal(t, http.StatusCreated, status)

	c := ts.Client()
	require.NoError(t, c.Login(ctx, "alice", "pw1"))
	assert.Error(t, c.Register(ctx, "alice", "pw2"))

	items, err := c.ListEmails(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestUDPTrafficVisibleOverHTTP(t *testing.T) {
	ts := common.SetupDatagramServer(t, "")
	hs := setupAPI(t, ts)
	ctx := context.Background()

	alice := common.CreateTestAccount(t, ts)
	bob := common.CreateTestAccount(t, ts)
	require.NoError(t, ts.Client().SendEmail(ctx, bob.Username, alice.Username, "Status report", "All good"))

	status, data := call(t, hs, "GET", "/api/v1/accounts/"+alice.Username+"/messages", "")
	require.Equal(t, http.StatusOK, status)

	var list httpapi.ListMessagesResponse
	require.NoError(t, json.Unmarshal(data, &list))
	require.Equal(t, 2, list.Count)

	var id string
	for _, m := range list.Messages {
		if m.Subject == "Status report" {
			id = m.ID
		}
	}
	require.NotEmpty(t, id)

	status, data = call(t, hs, "GET", "/api/v1/accounts/"+alice.Username+"/messages/"+id, "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(data), "All good")

	status, data = call(t, hs, "GET", "/api/v1/stats", "")
	require.Equal(t, http.StatusOK, status)
	var stats httpapi.StatsResponse
	require.NoError(t, json.Unmarshal(data, &stats))
	assert.Equal(t, 2, stats.Accounts)
	assert.Equal(t, 3, stats.Messages)
}

func TestAPIRejectsMissingKey(t *testing.T) {
	ts := common.SetupDatagramServer(t, "")
	hs := setupAPI(t, ts)

	resp, err := hs.Client().Get(hs.URL + "/api/v1/accounts")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
