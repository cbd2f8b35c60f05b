// Package storage is the filesystem mailbox store.
//
// Each account owns one directory under the mail root holding one file
// per message. Files are created exclusively and never modified, so
// readers either see a complete message or nothing.
//
// Layout:
//
//	<root>/<username>/welcome.txt
//	<root>/<username>/email_<token>.txt
//	<root>/.staging-<username>-<token>/   mailbox being provisioned
//	<root>/<username>/.tmp-<token>        message being written
//
// Entries whose name starts with '.' are never listed or served.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/migadu/udpmail/consts"
	"github.com/migadu/udpmail/logger"
	"github.com/migadu/udpmail/pkg/metrics"
	"github.com/migadu/udpmail/server/idgen"
)

// maxIDAttempts bounds retries when a generated id is already taken.
const maxIDAttempts = 8

// Options configures the welcome message every new mailbox starts with.
type Options struct {
	WelcomeSender  string
	WelcomeSubject string
	WelcomeBody    string
}

// Stats summarizes the store.
type Stats struct {
	Mailboxes int `json:"mailboxes"`
	Messages  int `json:"messages"`
}

// ReconcileReport lists what Reconcile changed or found.
type ReconcileReport struct {
	Created []string // mailboxes created for registered accounts
	Orphans []string // mailbox directories without an account
	Failed  []string // accounts whose mailbox could not be created
}

// Store is safe for concurrent use.
type Store struct {
	root string
	opts Options

	mu        sync.RWMutex
	mailboxes map[string]struct{}
}

// Open prepares root, removes leftover staging directories and indexes
// the mailbox directories found.
func Open(root string, options Options) (*Store, error) {
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("create mail root: %w", err)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read mail root: %w", err)
	}

	s := &Store{
		root:      root,
		opts:      options,
		mailboxes: make(map[string]struct{}),
	}

	for _, e := range entries {
		name := e.Name()
		if hidden(name) {
			if staleTempFile(name) {
				os.Remove(filepath.Join(root, name))
				continue
			}
			if strings.HasPrefix(name, consts.StagingPrefix) {
				if err := os.RemoveAll(filepath.Join(root, name)); err != nil {
					logger.Warn("Failed to remove leftover staging directory", "name", name, "error", err)
				} else {
					logger.Info("Removed leftover staging directory", "name", name)
				}
			}
			continue
		}
		if !e.IsDir() {
			continue
		}
		if dir, ok := mailboxPath(root, name); ok {
			s.mailboxes[name] = struct{}{}
			removeStaleTempFiles(dir)
		}
	}

	logger.Info("Mailbox store opened", "root", root, "mailboxes", len(s.mailboxes))
	return s, nil
}

// Root returns the mail root directory.
func (s *Store) Root() string {
	return s.root
}

// HasMailbox reports whether username has a served mailbox.
func (s *Store) HasMailbox(username string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.mailboxes[username]
	return ok
}

// Reconcile aligns the index with the registered accounts: missing
// mailboxes are created, mailbox directories of unknown accounts are
// dropped from the index and left on disk untouched.
func (s *Store) Reconcile(ctx context.Context, usernames []string) ReconcileReport {
	var report ReconcileReport

	registered := make(map[string]struct{}, len(usernames))
	for _, u := range usernames {
		registered[u] = struct{}{}
	}

	s.mu.Lock()
	for name := range s.mailboxes {
		if _, ok := registered[name]; !ok {
			delete(s.mailboxes, name)
			report.Orphans = append(report.Orphans, name)
		}
	}
	s.mu.Unlock()

	for _, u := range usernames {
		if s.HasMailbox(u) {
			continue
		}
		if err := s.CreateMailbox(ctx, u); err != nil {
			logger.ErrorContext(ctx, "Failed to create missing mailbox", "username", u, "error", err)
			report.Failed = append(report.Failed, u)
			continue
		}
		report.Created = append(report.Created, u)
	}

	sort.Strings(report.Orphans)
	for _, name := range report.Orphans {
		logger.WarnContext(ctx, "Ignoring mailbox directory without account", "name", name)
	}
	if len(report.Created) > 0 {
		logger.InfoContext(ctx, "Created missing mailboxes", "count", len(report.Created))
	}
	return report
}

// StagedMailbox is a mailbox prepared under a hidden name. Exactly one of
// Commit or Abort must be called.
type StagedMailbox struct {
	store    *Store
	username string
	path     string
	done     bool
}

// StageMailbox creates a hidden mailbox directory for username seeded
// with the welcome message.
func (s *Store) StageMailbox(username string) (*StagedMailbox, error) {
	if _, ok := mailboxPath(s.root, username); !ok {
		return nil, consts.ErrInvalidUsername
	}
	if s.HasMailbox(username) {
		return nil, fmt.Errorf("mailbox %q already exists", username)
	}

	path := filepath.Join(s.root, consts.StagingPrefix+username+"-"+idgen.New())
	if err := os.Mkdir(path, 0700); err != nil {
		metrics.StorageErrors.WithLabelValues("stage").Inc()
		return nil, fmt.Errorf("create staging directory: %w", err)
	}

	welcome := &Message{
		Sender:        s.opts.WelcomeSender,
		Recipient:     username,
		Subject:       s.opts.WelcomeSubject,
		Body:          s.opts.WelcomeBody,
		CreatedAt:     time.Now(),
		OriginAddress: consts.ServerOrigin,
	}
	data, err := welcome.encode()
	if err == nil {
		err = writeFileSync(filepath.Join(path, consts.WelcomeMessageID), data)
	}
	if err == nil {
		err = syncDir(path)
	}
	if err != nil {
		metrics.StorageErrors.WithLabelValues("stage").Inc()
		os.RemoveAll(path)
		return nil, fmt.Errorf("write welcome message: %w", err)
	}

	return &StagedMailbox{store: s, username: username, path: path}, nil
}

// Commit publishes the staged mailbox under the account name. A stale
// directory of the same name is renamed aside first so its content is
// never served to the new account.
func (m *StagedMailbox) Commit() error {
	if m.done {
		return errors.New("staged mailbox already finished")
	}
	m.done = true

	s := m.store
	target := filepath.Join(s.root, m.username)

	if _, err := os.Lstat(target); err == nil {
		aside := filepath.Join(s.root, consts.OrphanPrefix+m.username+"-"+idgen.New())
		if err := os.Rename(target, aside); err != nil {
			os.RemoveAll(m.path)
			metrics.StorageErrors.WithLabelValues("commit").Inc()
			return fmt.Errorf("move stale mailbox aside: %w", err)
		}
		logger.Warn("Moved stale mailbox directory aside", "username", m.username, "to", filepath.Base(aside))
	}

	if err := os.Rename(m.path, target); err != nil {
		os.RemoveAll(m.path)
		metrics.StorageErrors.WithLabelValues("commit").Inc()
		return fmt.Errorf("publish mailbox: %w", err)
	}
	if err := syncDir(s.root); err != nil {
		logger.Warn("Failed to sync mail root", "error", err)
	}

	s.mu.Lock()
	s.mailboxes[m.username] = struct{}{}
	s.mu.Unlock()

	metrics.MessagesStored.Inc()
	return nil
}

// Abort discards the staged mailbox.
func (m *StagedMailbox) Abort() {
	if m.done {
		return
	}
	m.done = true
	if err := os.RemoveAll(m.path); err != nil {
		logger.Warn("Failed to remove staged mailbox", "username", m.username, "error", err)
	}
}

// Provision stages a mailbox for the account directory's registration.
func (s *Store) Provision(username string) (commit func() error, abort func(), err error) {
	staged, err := s.StageMailbox(username)
	if err != nil {
		return nil, nil, err
	}
	return staged.Commit, staged.Abort, nil
}

// CreateMailbox stages and commits a mailbox in one step.
func (s *Store) CreateMailbox(ctx context.Context, username string) error {
	staged, err := s.StageMailbox(username)
	if err != nil {
		return err
	}
	return staged.Commit()
}

// Append stores msg in the recipient's mailbox and returns its id.
func (s *Store) Append(ctx context.Context, recipient string, msg *Message) (string, error) {
	if !s.HasMailbox(recipient) {
		return "", consts.ErrRecipientUnknown
	}
	if err := msg.validate(); err != nil {
		return "", err
	}
	dir, _ := mailboxPath(s.root, recipient)

	stored := *msg
	stored.Recipient = recipient
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	data, err := stored.encode()
	if err != nil {
		return "", fmt.Errorf("%w: %v", consts.ErrStorageFailure, err)
	}

	tmp := filepath.Join(dir, consts.TempPrefix+idgen.New())
	if err := writeFileSync(tmp, data); err != nil {
		os.Remove(tmp)
		metrics.StorageErrors.WithLabelValues("append").Inc()
		logger.ErrorContext(ctx, "Failed to write message", "recipient", recipient, "error", err)
		return "", fmt.Errorf("%w: %v", consts.ErrStorageFailure, err)
	}
	defer os.Remove(tmp)

	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id := newMessageID()
		err := os.Link(tmp, filepath.Join(dir, id))
		if err == nil {
			if err := syncDir(dir); err != nil {
				logger.WarnContext(ctx, "Failed to sync mailbox directory", "recipient", recipient, "error", err)
			}
			metrics.MessagesStored.Inc()
			metrics.MessageBytes.Observe(float64(len(data)))
			return id, nil
		}
		if errors.Is(err, fs.ErrExist) {
			metrics.IDCollisions.Inc()
			continue
		}
		metrics.StorageErrors.WithLabelValues("append").Inc()
		logger.ErrorContext(ctx, "Failed to link message", "recipient", recipient, "error", err)
		return "", fmt.Errorf("%w: %v", consts.ErrStorageFailure, err)
	}

	metrics.StorageErrors.WithLabelValues("append").Inc()
	return "", fmt.Errorf("%w: no free message id after %d attempts", consts.ErrStorageFailure, maxIDAttempts)
}

// List returns the messages of username in file name order. An unknown
// mailbox lists as empty.
func (s *Store) List(ctx context.Context, username string) ([]MessageInfo, error) {
	if !s.HasMailbox(username) {
		return nil, nil
	}
	dir, _ := mailboxPath(s.root, username)

	entries, err := os.ReadDir(dir)
	if err != nil {
		metrics.StorageErrors.WithLabelValues("list").Inc()
		logger.ErrorContext(ctx, "Failed to read mailbox", "username", username, "error", err)
		return nil, fmt.Errorf("%w: %v", consts.ErrStorageFailure, err)
	}

	infos := make([]MessageInfo, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || !validMessageID(e.Name()) {
			continue
		}
		info, ok := readInfo(dir, e.Name())
		if ok {
			infos = append(infos, info)
		}
	}
	return infos, nil
}

func readInfo(dir, id string) (MessageInfo, bool) {
	f, err := os.Open(filepath.Join(dir, id))
	if err != nil {
		return MessageInfo{}, false
	}
	defer f.Close()

	info := MessageInfo{ID: id}
	if st, err := f.Stat(); err == nil {
		info.Size = st.Size()
	}
	info.Subject, info.Date = parseInfo(f)
	return info, true
}

// Read returns the stored text of message id byte for byte. Ids that are
// malformed, escape the mailbox or do not name a regular file are
// reported as not found.
func (s *Store) Read(ctx context.Context, username, id string) ([]byte, error) {
	if !s.HasMailbox(username) {
		return nil, consts.ErrMessageNotFound
	}
	dir, _ := mailboxPath(s.root, username)

	path, ok := messagePath(dir, id)
	if !ok {
		return nil, consts.ErrMessageNotFound
	}

	st, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, consts.ErrMessageNotFound
		}
		metrics.StorageErrors.WithLabelValues("read").Inc()
		logger.ErrorContext(ctx, "Failed to stat message", "username", username, "id", id, "error", err)
		return nil, fmt.Errorf("%w: %v", consts.ErrStorageFailure, err)
	}
	if !st.Mode().IsRegular() {
		return nil, consts.ErrMessageNotFound
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, consts.ErrMessageNotFound
		}
		metrics.StorageErrors.WithLabelValues("read").Inc()
		logger.ErrorContext(ctx, "Failed to read message", "username", username, "id", id, "error", err)
		return nil, fmt.Errorf("%w: %v", consts.ErrStorageFailure, err)
	}
	return data, nil
}

// Stats counts mailboxes and the messages in them.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	names := make([]string, 0, len(s.mailboxes))
	for name := range s.mailboxes {
		names = append(names, name)
	}
	s.mu.RUnlock()

	stats := Stats{Mailboxes: len(names)}
	for _, name := range names {
		entries, err := os.ReadDir(filepath.Join(s.root, name))
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.Type().IsRegular() && validMessageID(e.Name()) {
				stats.Messages++
			}
		}
	}
	return stats
}

// HealthCheck verifies that the mailbox root accepts new files.
func (s *Store) HealthCheck(ctx context.Context) error {
	marker := filepath.Join(s.root, consts.TempPrefix+idgen.New())
	if err := writeFileSync(marker, nil); err != nil {
		os.Remove(marker)
		return fmt.Errorf("mailbox root not writable: %w", err)
	}
	return os.Remove(marker)
}

// Close releases the store. Files are synced as they are written, so
// there is nothing to flush.
func (s *Store) Close() error {
	return nil
}

// staleTempFile reports whether name is a temp file this package wrote.
func staleTempFile(name string) bool {
	token, ok := strings.CutPrefix(name, consts.TempPrefix)
	return ok && idgen.Valid(token)
}

// removeStaleTempFiles deletes temp files a crash left in dir.
func removeStaleTempFiles(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.Type().IsRegular() && staleTempFile(e.Name()) {
			if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
				logger.Info("Removed leftover temp file", "path", filepath.Join(dir, e.Name()))
			}
		}
	}
}

// writeFileSync creates path exclusively, writes data and fsyncs it.
func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func syncDir(path string) error {
	d, err := os.Open(path)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
