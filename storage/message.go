package storage

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/migadu/udpmail/consts"
)

// maxHeaderBytes bounds how much of a message file List reads.
const maxHeaderBytes = 64 * 1024

// OriginHeader records the network address a message was submitted from.
const OriginHeader = "X-Origin-Address"

// Message is a message to be stored. Sender is not verified.
type Message struct {
	Sender        string
	Recipient     string
	Subject       string
	Body          string
	CreatedAt     time.Time
	OriginAddress string
}

// MessageInfo describes a stored message for listings.
type MessageInfo struct {
	ID      string    `json:"id"`
	Subject string    `json:"subject"`
	Date    time.Time `json:"date,omitempty"`
	Size    int64     `json:"size"`
}

func (m *Message) validate() error {
	if strings.TrimSpace(m.Sender) == "" || strings.ContainsAny(m.Sender, "\r\n\x00") {
		return consts.ErrInvalidSender
	}
	if strings.ContainsAny(m.Subject, "\r\n\x00") {
		return consts.ErrReservedCharacters
	}
	return nil
}

// encode renders m as a header block followed by the body verbatim.
func (m *Message) encode() ([]byte, error) {
	var h mail.Header

	// Fields are written in reverse order of insertion.
	origin := m.OriginAddress
	if origin == "" {
		origin = consts.ServerOrigin
	}
	h.Set(OriginHeader, origin)
	h.SetDate(m.CreatedAt)
	if m.Subject != "" {
		if needsForcedEncoding(m.Subject) {
			h.Set("Subject", forceEncodeWords(m.Subject))
		} else {
			h.SetSubject(m.Subject)
		}
	}
	h.Set("To", m.Recipient)
	h.Set("From", m.Sender)

	var buf bytes.Buffer
	if err := textproto.WriteHeader(&buf, h.Header.Header); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	buf.WriteString(m.Body)
	return buf.Bytes(), nil
}

// encodedWordChunk is the number of subject bytes per encoded word, which
// keeps each word within the RFC 2047 limit of 75 characters.
const encodedWordChunk = 45

// needsForcedEncoding reports whether the header reader would alter s if
// it were written raw: surrounding whitespace is trimmed and text that
// looks like an encoded word is decoded.
func needsForcedEncoding(s string) bool {
	return s != strings.TrimSpace(s) || strings.Contains(s, "=?")
}

// forceEncodeWords renders s as base64 encoded words separated by spaces.
// Whitespace between encoded words is dropped when decoding, so s comes
// back unchanged.
func forceEncodeWords(s string) string {
	var words []string
	for len(s) > 0 {
		n := min(encodedWordChunk, len(s))
		for n < len(s) && n > 0 && !utf8.RuneStart(s[n]) {
			n--
		}
		if n == 0 {
			n = min(encodedWordChunk, len(s))
		}
		words = append(words, "=?utf-8?b?"+base64.StdEncoding.EncodeToString([]byte(s[:n]))+"?=")
		s = s[n:]
	}
	return strings.Join(words, " ")
}

// parseInfo reads the header block of a stored message. A missing or
// unparsable subject yields NoSubject; a bad date leaves Date zero.
func parseInfo(r io.Reader) (subject string, date time.Time) {
	subject = consts.NoSubject

	th, err := textproto.ReadHeader(bufio.NewReader(io.LimitReader(r, maxHeaderBytes)))
	if err != nil {
		return subject, date
	}
	h := mail.Header{Header: message.Header{Header: th}}

	if s, err := h.Subject(); err == nil && s != "" {
		subject = s
	} else if raw := th.Get("Subject"); raw != "" {
		subject = raw
	}
	if d, err := h.Date(); err == nil {
		date = d
	}
	return subject, date
}
