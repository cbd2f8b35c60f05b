package consts

import "errors"

// Protocol errors. Always recoverable; the router answers them with an
// ERROR response and keeps serving.
var (
	ErrEmptyRequest       = errors.New("empty request")
	ErrUnknownCommand     = errors.New("unknown command")
	ErrArity              = errors.New("wrong number of arguments")
	ErrRequestTooLarge    = errors.New("request too large")
	ErrReservedCharacters = errors.New("field contains reserved characters")
)

// Account errors.
var (
	ErrAccountExists   = errors.New("account already exists")
	ErrAccountNotFound = errors.New("account not found")
	ErrWrongPassword   = errors.New("wrong password")
	ErrInvalidUsername = errors.New("invalid username")
	ErrInvalidPassword = errors.New("invalid password")
)

// Mailbox errors.
var (
	ErrRecipientUnknown = errors.New("recipient unknown")
	ErrMessageNotFound  = errors.New("message not found")
	ErrInvalidSender    = errors.New("invalid sender")
)

// ErrStorageFailure wraps every I/O failure of the credential log or the
// mailbox root. Only the sentinel is ever shown to clients.
var ErrStorageFailure = errors.New("storage failure")
