// Package directory holds the account directory: the in-memory
// username to credential map replayed from, and persisted to, the
// append-only credential log.
//
// The directory, not the mailbox root, decides whether an account exists.
// Registration provisions the account's mailbox through a Provisioner in
// two phases so a crash can never leave a mailbox without a credential
// record.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/migadu/udpmail/consts"
	"github.com/migadu/udpmail/helpers"
	"github.com/migadu/udpmail/logger"
)

// Provisioner prepares the mailbox of an account being registered.
// Provision returns functions to publish or discard the staged mailbox;
// exactly one of them is called.
type Provisioner interface {
	Provision(username string) (commit func() error, abort func(), err error)
}

// Options configures a Directory.
type Options struct {
	// PasswordScheme encodes new records: plain, bcrypt or ssha512.
	PasswordScheme string
	// Provisioner creates mailboxes during Register. May be nil.
	Provisioner Provisioner
}

// Directory is safe for concurrent use.
type Directory struct {
	scheme      string
	provisioner Provisioner
	log         *credentialLog

	regMu sync.Mutex // serializes Register end to end

	mu       sync.RWMutex
	accounts map[string]string
}

// Open replays the credential log at path and opens it for appending.
// A missing file means no accounts yet.
func Open(path string, options Options) (*Directory, error) {
	scheme := strings.ToLower(options.PasswordScheme)
	if _, err := HashPassword(scheme, "check"); err != nil {
		return nil, err
	}

	accounts, endsWithNewline, err := replayCredentials(path)
	if err != nil {
		logger.Warn("Credential log unreadable, starting with parsed records", "path", path, "error", err)
	}

	l, err := openCredentialLog(path, endsWithNewline)
	if err != nil {
		return nil, err
	}

	logger.Info("Account directory loaded", "path", path, "accounts", len(accounts))

	return &Directory{
		scheme:      scheme,
		provisioner: options.Provisioner,
		log:         l,
		accounts:    accounts,
	}, nil
}

// Register creates an account. The record is fsynced before the account
// becomes visible, and the mailbox is published only after that.
func (d *Directory) Register(ctx context.Context, username, password string) error {
	if !helpers.ValidUsername(username) {
		return consts.ErrInvalidUsername
	}
	if err := d.validatePassword(password); err != nil {
		return err
	}

	d.regMu.Lock()
	defer d.regMu.Unlock()

	if d.Exists(username) {
		return consts.ErrAccountExists
	}

	secret, err := HashPassword(d.scheme, password)
	if err != nil {
		return fmt.Errorf("%w: %v", consts.ErrStorageFailure, err)
	}

	commit, abort := func() error { return nil }, func() {}
	if d.provisioner != nil {
		commit, abort, err = d.provisioner.Provision(username)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to stage mailbox", "username", username, "error", err)
			return fmt.Errorf("%w: stage mailbox: %v", consts.ErrStorageFailure, err)
		}
	}

	if err := d.log.Append(username, secret); err != nil {
		abort()
		logger.ErrorContext(ctx, "Failed to persist credential record", "username", username, "error", err)
		return fmt.Errorf("%w: %v", consts.ErrStorageFailure, err)
	}

	d.mu.Lock()
	d.accounts[username] = secret
	d.mu.Unlock()

	if err := commit(); err != nil {
		// The account is durable; startup reconciliation recreates the
		// mailbox. Registration itself succeeded.
		logger.ErrorContext(ctx, "Failed to publish mailbox, it will be recreated on restart",
			"username", username, "error", err)
	}

	logger.InfoContext(ctx, "Account registered", "username", username, "remote", consts.RemoteAddrFrom(ctx))
	return nil
}

// Authenticate checks username and password against the directory.
func (d *Directory) Authenticate(ctx context.Context, username, password string) error {
	d.mu.RLock()
	secret, ok := d.accounts[username]
	d.mu.RUnlock()

	if !ok {
		return consts.ErrAccountNotFound
	}

	if err := VerifyPassword(secret, password); err != nil {
		if !errors.Is(err, errPasswordMismatch) {
			logger.WarnContext(ctx, "Stored credential could not be verified", "username", username, "error", err)
		}
		return consts.ErrWrongPassword
	}
	return nil
}

// Exists reports whether username is registered.
func (d *Directory) Exists(username string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.accounts[username]
	return ok
}

// Usernames returns all registered usernames, sorted.
func (d *Directory) Usernames() []string {
	d.mu.RLock()
	names := make([]string, 0, len(d.accounts))
	for name := range d.accounts {
		names = append(names, name)
	}
	d.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Count returns the number of registered accounts.
func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.accounts)
}

// HealthCheck reports whether registrations can currently be persisted.
func (d *Directory) HealthCheck(ctx context.Context) error {
	return d.log.check()
}

// Close closes the credential log. Register fails afterwards.
func (d *Directory) Close() error {
	return d.log.Close()
}

func (d *Directory) validatePassword(password string) error {
	if password == "" || strings.ContainsAny(password, "\r\n\x00") {
		return consts.ErrInvalidPassword
	}
	if (d.scheme == "" || d.scheme == SchemePlain) && looksHashed(password) {
		return consts.ErrInvalidPassword
	}
	if len(password) > maxRecordLength-helpers.MaxUsernameLength-1 {
		return consts.ErrInvalidPassword
	}
	if d.scheme == SchemeBcrypt && len(password) > 72 {
		return consts.ErrInvalidPassword
	}
	return nil
}
