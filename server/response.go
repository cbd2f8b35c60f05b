package server

import (
	"errors"
	"strings"
)

// Response status tokens.
const (
	StatusSuccess = "SUCCESS"
	StatusError   = "ERROR"
)

// Response payloads and error messages shown to clients.
const (
	MsgAccountCreated   = "Account created successfully"
	MsgAccountExists    = "Account already exists"
	MsgCannotCreate     = "Cannot create account"
	MsgLoginSuccessful  = "Login successful"
	MsgAccountMissing   = "Account does not exist"
	MsgWrongPassword    = "Wrong password"
	MsgEmailSent        = "Email sent successfully"
	MsgRecipientMissing = "Recipient account does not exist"
	MsgCannotSend       = "Cannot send email"
	MsgNoEmails         = "No emails"
	MsgCannotRetrieve   = "Cannot retrieve emails"
	MsgEmailNotFound    = "Email not found"
	MsgCannotRead       = "Cannot read email"

	MsgEmptyRequest    = "Empty request"
	MsgUnknownCommand  = "Unknown command"
	MsgRequestTooLarge = "Request too large"
	MsgInternalError   = "Internal server error"
	MsgInvalidUsername = "Invalid username"
	MsgInvalidPassword = "Invalid password"
	MsgInvalidSender   = "Invalid sender"
	MsgReservedSubject = "Subject contains reserved characters"
)

// Response is SUCCESS|<payload> or ERROR|<message>.
type Response struct {
	OK      bool
	Payload string
}

func Success(payload string) Response {
	return Response{OK: true, Payload: payload}
}

func Failure(message string) Response {
	return Response{OK: false, Payload: message}
}

// Encode renders the response in wire form.
func (r Response) Encode() string {
	if r.OK {
		return StatusSuccess + FieldSeparator + r.Payload
	}
	return StatusError + FieldSeparator + r.Payload
}

// ErrMalformedResponse is returned by ParseResponse for anything that is
// not a SUCCESS or ERROR envelope.
var ErrMalformedResponse = errors.New("malformed response")

// ParseResponse splits a wire response on the first FieldSeparator. The
// payload may itself contain separators (message text).
func ParseResponse(s string) (Response, error) {
	status, payload, found := strings.Cut(s, FieldSeparator)
	if !found {
		return Response{}, ErrMalformedResponse
	}
	switch status {
	case StatusSuccess:
		return Success(payload), nil
	case StatusError:
		return Failure(payload), nil
	default:
		return Response{}, ErrMalformedResponse
	}
}

// ListItem is one entry of a GET_EMAILS payload.
type ListItem struct {
	ID      string
	Subject string
}

// EncodeList renders items as id:::subject joined by ItemSeparator, or
// MsgNoEmails when there are none.
func EncodeList(items []ListItem) string {
	if len(items) == 0 {
		return MsgNoEmails
	}
	var b strings.Builder
	for i, it := range items {
		if i > 0 {
			b.WriteString(ItemSeparator)
		}
		b.WriteString(it.ID)
		b.WriteString(SubFieldSeparator)
		b.WriteString(it.Subject)
	}
	return b.String()
}

// DecodeList parses a GET_EMAILS payload. Empty items are skipped and an
// item without SubFieldSeparator gets an empty subject.
func DecodeList(payload string) []ListItem {
	if payload == MsgNoEmails || payload == "" {
		return nil
	}
	var items []ListItem
	for _, raw := range strings.Split(payload, ItemSeparator) {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		id, subject, _ := strings.Cut(raw, SubFieldSeparator)
		items = append(items, ListItem{ID: id, Subject: subject})
	}
	return items
}
