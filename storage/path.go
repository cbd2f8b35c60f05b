package storage

import (
	"path/filepath"
	"strings"

	"github.com/migadu/udpmail/consts"
	"github.com/migadu/udpmail/helpers"
	"github.com/migadu/udpmail/server/idgen"
)

// MaxMessageIDLength bounds ids accepted by Read.
const MaxMessageIDLength = 128

// newMessageID returns email_<token>.txt.
func newMessageID() string {
	return consts.MessageIDPrefix + idgen.New() + consts.MessageIDSuffix
}

// validMessageID reports whether id may name a file inside a mailbox.
// It accepts any plain file name made of [A-Za-z0-9._-] that does not
// start with '.', which covers generated ids, welcome.txt and ids written
// by older deployments.
func validMessageID(id string) bool {
	if id == "" || len(id) > MaxMessageIDLength || id[0] == '.' {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}

// mailboxPath returns the directory of username under root, or false if
// the name would escape root.
func mailboxPath(root, username string) (string, bool) {
	if !helpers.ValidUsername(username) {
		return "", false
	}
	dir := filepath.Join(root, username)
	if filepath.Dir(dir) != filepath.Clean(root) {
		return "", false
	}
	return dir, true
}

// messagePath returns the file of id inside dir, or false if id is not a
// valid message id or would resolve outside dir.
func messagePath(dir, id string) (string, bool) {
	if !validMessageID(id) {
		return "", false
	}
	p := filepath.Join(dir, id)
	if filepath.Dir(p) != dir {
		return "", false
	}
	return p, true
}

// hidden reports whether name is a work file or directory.
func hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
