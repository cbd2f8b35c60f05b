package directory

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/migadu/udpmail/helpers"
	"github.com/migadu/udpmail/logger"
)

// maxRecordLength bounds a single credential record. Longer lines are
// skipped on replay.
const maxRecordLength = 4096

// credentialLog is the append-only username:secret file.
type credentialLog struct {
	path string

	mu   sync.Mutex
	f    *os.File
	torn bool // last append may have left a partial line
}

// replayCredentials reads path and returns the accounts it records, first
// record wins. endsWithNewline is false when the file has content whose
// last line is unterminated.
func replayCredentials(path string) (accounts map[string]string, endsWithNewline bool, err error) {
	accounts = make(map[string]string)

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return accounts, true, nil
		}
		return accounts, true, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	lineNum := 0
	endsWithNewline = true
	for {
		line, readErr := r.ReadString('\n')
		if line != "" {
			lineNum++
			endsWithNewline = strings.HasSuffix(line, "\n")
			parseRecord(accounts, path, lineNum, line)
		}
		if readErr != nil {
			if readErr == io.EOF {
				return accounts, endsWithNewline, nil
			}
			logger.Warn("Credential log read failed, keeping records parsed so far",
				"path", path, "line", lineNum, "error", readErr)
			return accounts, endsWithNewline, nil
		}
	}
}

func parseRecord(accounts map[string]string, path string, lineNum int, line string) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return
	}
	if len(line) > maxRecordLength {
		logger.Warn("Skipping over-long credential record", "path", path, "line", lineNum)
		return
	}

	username, secret, found := strings.Cut(line, ":")
	if !found || secret == "" || !helpers.ValidUsername(username) {
		logger.Warn("Skipping malformed credential record", "path", path, "line", lineNum)
		return
	}
	if _, exists := accounts[username]; exists {
		logger.Warn("Ignoring duplicate credential record", "path", path, "line", lineNum, "username", username)
		return
	}
	accounts[username] = secret
}

// openCredentialLog opens path for appending, terminating a dangling last
// line first so the next record starts on its own line.
func openCredentialLog(path string, endsWithNewline bool) (*credentialLog, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("open credential log: %w", err)
	}
	l := &credentialLog{path: path, f: f}
	if !endsWithNewline {
		if _, err := f.WriteString("\n"); err != nil {
			f.Close()
			return nil, fmt.Errorf("terminate credential log: %w", err)
		}
	}
	return l, nil
}

// Append durably writes one record. It returns only after fsync.
func (l *credentialLog) Append(username, secret string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return errors.New("credential log is closed")
	}

	record := username + ":" + secret + "\n"
	if l.torn {
		record = "\n" + record
	}

	if _, err := l.f.WriteString(record); err != nil {
		l.torn = true
		return fmt.Errorf("append credential record: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		// The record may or may not be on disk; the account is not
		// inserted, and a later replay keeps the first record only.
		return fmt.Errorf("sync credential log: %w", err)
	}
	l.torn = false
	return nil
}

// check reports whether the log can still take appends.
func (l *credentialLog) check() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return errors.New("credential log is closed")
	}
	if _, err := l.f.Stat(); err != nil {
		return fmt.Errorf("stat credential log: %w", err)
	}
	if l.torn {
		return errors.New("last credential append failed")
	}
	return nil
}

func (l *credentialLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
