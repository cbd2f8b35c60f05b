package server

import (
	"fmt"
	"strings"

	"github.com/migadu/udpmail/consts"
)

// Wire separators. Fields are opaque UTF-8 with no escaping, so no field
// may contain FieldSeparator and list items may not contain ItemSeparator
// or SubFieldSeparator.
const (
	FieldSeparator    = "|"
	ItemSeparator     = ";"
	SubFieldSeparator = ":::"
)

// Command is the first field of a request.
type Command string

const (
	CmdRegister  Command = "REGISTER"
	CmdLogin     Command = "LOGIN"
	CmdSendEmail Command = "SEND_EMAIL"
	CmdGetEmails Command = "GET_EMAILS"
	CmdGetEmail  Command = "GET_EMAIL"
)

// arity is the number of fields following each command.
var arity = map[Command]int{
	CmdRegister:  2, // username, password
	CmdLogin:     2, // username, password
	CmdSendEmail: 4, // sender, recipient, subject, body
	CmdGetEmails: 1, // username
	CmdGetEmail:  2, // username, message id
}

// Arity returns the argument count of cmd and whether cmd is known.
func Arity(cmd Command) (int, bool) {
	n, ok := arity[cmd]
	return n, ok
}

// Request is a decoded wire request.
type Request struct {
	Command Command
	Args    []string
}

// ArityError reports a known command with the wrong number of fields.
type ArityError struct {
	Command Command
	Want    int
	Got     int
}

func (e *ArityError) Error() string {
	return fmt.Sprintf("Invalid request: %s expects %d arguments", e.Command, e.Want)
}

func (e *ArityError) Unwrap() error {
	return consts.ErrArity
}

// ParseRequest splits payload on FieldSeparator and checks the command and
// its arity. Commands are case-sensitive. Fields are kept verbatim,
// including empty ones. Only for commands whose last field is an
// identifier is a single trailing line ending ignored, so line-oriented
// tools can talk to the server without altering bodies or passwords.
func ParseRequest(payload string) (*Request, error) {
	if strings.TrimSpace(payload) == "" {
		return nil, consts.ErrEmptyRequest
	}

	parts := strings.Split(payload, FieldSeparator)
	last := len(parts) - 1
	if identifierLast[Command(parts[0])] {
		parts[last] = trimLineEnding(parts[last])
	}

	cmd := Command(parts[0])
	want, ok := arity[cmd]
	if !ok {
		return nil, fmt.Errorf("%w: %q", consts.ErrUnknownCommand, truncateForError(parts[0]))
	}
	if got := len(parts) - 1; got != want {
		return nil, &ArityError{Command: cmd, Want: want, Got: got}
	}

	return &Request{Command: cmd, Args: parts[1:]}, nil
}

// identifierLast lists the commands whose final field is a username or a
// message id.
var identifierLast = map[Command]bool{
	CmdGetEmails: true,
	CmdGetEmail:  true,
}

func trimLineEnding(s string) string {
	s = strings.TrimSuffix(s, "\n")
	return strings.TrimSuffix(s, "\r")
}

// Encode renders the request in wire form.
func (r *Request) Encode() string {
	return string(r.Command) + FieldSeparator + strings.Join(r.Args, FieldSeparator)
}

// NewRequest builds a request after checking arity and that no argument
// contains FieldSeparator.
func NewRequest(cmd Command, args ...string) (*Request, error) {
	want, ok := arity[cmd]
	if !ok {
		return nil, fmt.Errorf("%w: %q", consts.ErrUnknownCommand, cmd)
	}
	if len(args) != want {
		return nil, &ArityError{Command: cmd, Want: want, Got: len(args)}
	}
	for _, a := range args {
		if strings.Contains(a, FieldSeparator) {
			return nil, fmt.Errorf("%w: field contains %q", consts.ErrReservedCharacters, FieldSeparator)
		}
	}
	return &Request{Command: cmd, Args: args}, nil
}

// ValidateSubject rejects subjects that would corrupt list framing or the
// stored header block.
func ValidateSubject(subject string) error {
	if strings.Contains(subject, ItemSeparator) ||
		strings.Contains(subject, SubFieldSeparator) ||
		strings.ContainsAny(subject, "\r\n") {
		return consts.ErrReservedCharacters
	}
	return nil
}

func truncateForError(s string) string {
	if len(s) > 32 {
		return s[:32] + "..."
	}
	return s
}
