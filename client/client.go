// Package client speaks the udpmail datagram protocol.
//
// Each call sends one request datagram and waits for one response on a
// socket of its own, so a late reply to a timed-out call is never read as
// the answer to a later one.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	serverPkg "github.com/migadu/udpmail/server"
)

const (
	// DefaultTimeout bounds the wait for a response datagram.
	DefaultTimeout = 5 * time.Second

	// maxResponseSize is the largest UDP payload over IPv4.
	maxResponseSize = 65507
)

// ErrTimeout is returned when no response arrives in time. The request may
// or may not have been applied by the server.
var ErrTimeout = errors.New("timed out waiting for response")

// ServerError is an ERROR response from the server.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Message
}

// Options configures a Client.
type Options struct {
	// Timeout defaults to DefaultTimeout when zero.
	Timeout time.Duration
}

// Client is safe for concurrent use.
type Client struct {
	addr    string
	timeout time.Duration
}

// New returns a client for the server at addr (host:port).
func New(addr string, options Options) *Client {
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{addr: addr, timeout: timeout}
}

// Addr returns the server address.
func (c *Client) Addr() string {
	return c.addr
}

// Do sends req and returns the response payload. An ERROR response is
// returned as *ServerError.
func (c *Client) Do(ctx context.Context, req *serverPkg.Request) (string, error) {
	raw, err := c.Exchange(ctx, req.Encode())
	if err != nil {
		return "", err
	}
	resp, err := serverPkg.ParseResponse(raw)
	if err != nil {
		return "", err
	}
	if !resp.OK {
		return "", &ServerError{Message: resp.Payload}
	}
	return resp.Payload, nil
}

// Exchange sends payload verbatim and returns the raw response.
func (c *Client) Exchange(ctx context.Context, payload string) (string, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", c.addr)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", c.addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return "", err
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := conn.Write([]byte(payload)); err != nil {
		return "", c.wrapErr(ctx, "send", err)
	}

	buf := make([]byte, maxResponseSize)
	n, err := conn.Read(buf)
	if err != nil {
		return "", c.wrapErr(ctx, "receive", err)
	}
	return string(buf[:n]), nil
}

func (c *Client) wrapErr(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrTimeout
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Register creates an account.
func (c *Client) Register(ctx context.Context, username, password string) error {
	return c.simple(ctx, serverPkg.CmdRegister, username, password)
}

// Login checks credentials. The server keeps no session.
func (c *Client) Login(ctx context.Context, username, password string) error {
	return c.simple(ctx, serverPkg.CmdLogin, username, password)
}

// SendEmail delivers a message to recipient.
func (c *Client) SendEmail(ctx context.Context, sender, recipient, subject, body string) error {
	return c.simple(ctx, serverPkg.CmdSendEmail, sender, recipient, subject, body)
}

// ListEmails returns the ids and subjects in username's mailbox.
func (c *Client) ListEmails(ctx context.Context, username string) ([]serverPkg.ListItem, error) {
	req, err := serverPkg.NewRequest(serverPkg.CmdGetEmails, username)
	if err != nil {
		return nil, err
	}
	payload, err := c.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	return serverPkg.DecodeList(payload), nil
}

// GetEmail returns the stored text of one message.
func (c *Client) GetEmail(ctx context.Context, username, id string) (string, error) {
	req, err := serverPkg.NewRequest(serverPkg.CmdGetEmail, username, id)
	if err != nil {
		return "", err
	}
	return c.Do(ctx, req)
}

func (c *Client) simple(ctx context.Context, cmd serverPkg.Command, args ...string) error {
	req, err := serverPkg.NewRequest(cmd, args...)
	if err != nil {
		return err
	}
	_, err = c.Do(ctx, req)
	return err
}
