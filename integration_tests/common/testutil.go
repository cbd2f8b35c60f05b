//go:build integration

package common

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/migadu/udpmail/client"
	"github.com/migadu/udpmail/config"
	"github.com/migadu/udpmail/directory"
	"github.com/migadu/udpmail/server/datagram"
	"github.com/migadu/udpmail/storage"
)

type TestServer struct {
	Address   string
	Server    *datagram.Server
	Directory *directory.Directory
	Store     *storage.Store
	Root      string
	cleanup   func()
}

type TestAccount struct {
	Username string
	Password string
}

func (ts *TestServer) Close() {
	if ts.cleanup != nil {
		ts.cleanup()
		ts.cleanup = nil
	}
}

// Client returns a wire client for the server with a short timeout.
func (ts *TestServer) Client() *client.Client {
	return client.New(ts.Address, client.Options{Timeout: 2 * time.Second})
}

// ServerSetup tweaks the configuration before the server starts.
type ServerSetup func(cfg *config.Config)

// SetupDatagramServer starts a UDP mail server on a random local port
// backed by a fresh temp directory. root may name an existing directory
// to restart over earlier state; "" creates a new one.
func SetupDatagramServer(t *testing.T, root string, setups ...ServerSetup) *TestServer {
	t.Helper()

	if root == "" {
		root = t.TempDir()
	}

	cfg := config.NewDefaultConfig()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Storage.MailRoot = filepath.Join(root, "accounts")
	cfg.Storage.CredentialsFile = filepath.Join(root, "users.txt")
	for _, setup := range setups {
		setup(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Invalid test configuration: %v", err)
	}

	store, err := storage.Open(cfg.Storage.MailRoot, storage.Options{
		WelcomeSender:  cfg.Storage.WelcomeSender,
		WelcomeSubject: cfg.Storage.WelcomeSubject,
		WelcomeBody:    cfg.Storage.WelcomeBody,
	})
	if err != nil {
		t.Fatalf("Failed to open mailbox root: %v", err)
	}

	dir, err := directory.Open(cfg.Storage.CredentialsFile, directory.Options{
		PasswordScheme: cfg.Auth.GetPasswordScheme(),
		Provisioner:    store,
	})
	if err != nil {
		t.Fatalf("Failed to open credential log: %v", err)
	}
	store.Reconcile(context.Background(), dir.Usernames())

	router := datagram.NewRouter(dir, store, datagram.RouterOptions{Debug: cfg.Server.Debug})
	server, err := datagram.New(context.Background(), "test", cfg.Server.Addr, router, datagram.ServerOptions{
		MaxDatagramSize: cfg.Server.GetMaxDatagramSizeWithDefault(),
		Workers:         cfg.Server.GetWorkers(),
	})
	if err != nil {
		t.Fatalf("Failed to create datagram server: %v", err)
	}
	if err := server.Listen(); err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	errChan := make(chan error, 1)
	go func() {
		if err := server.Serve(); err != nil {
			errChan <- fmt.Errorf("datagram server error: %w", err)
		}
	}()

	ts := &TestServer{
		Address:   server.Addr().String(),
		Server:    server,
		Directory: dir,
		Store:     store,
		Root:      root,
	}
	ts.cleanup = func() {
		server.Close()
		select {
		case err := <-errChan:
			t.Logf("Datagram server error during shutdown: %v", err)
		default:
		}
		dir.Close()
		store.Close()
	}
	t.Cleanup(ts.Close)
	return ts
}

// CreateTestAccount registers a uniquely named account over the wire.
func CreateTestAccount(t *testing.T, ts *TestServer) TestAccount {
	t.Helper()

	name := strings.NewReplacer("/", "-", " ", "-").Replace(strings.ToLower(t.Name()))
	if len(name) > 40 {
		name = name[:40]
	}
	account := TestAccount{
		Username: fmt.Sprintf("%s-%d", name, time.Now().UnixNano()%1_000_000),
		Password: "s3cur3p4ss!",
	}

	if err := ts.Client().Register(context.Background(), account.Username, account.Password); err != nil {
		t.Fatalf("Failed to create test account %s: %v", account.Username, err)
	}
	return account
}

// ReadCredentialLog returns the raw credential log of ts.
func ReadCredentialLog(t *testing.T, ts *TestServer) string {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(ts.Root, "users.txt"))
	if err != nil {
		t.Fatalf("Failed to read credential log: %v", err)
	}
	return string(data)
}
