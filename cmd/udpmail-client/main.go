package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/migadu/udpmail/client"
	"github.com/migadu/udpmail/config"
)

const defaultServer = "127.0.0.1" + config.DefaultAddr

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return 1
	}

	command, rest := args[0], args[1:]
	switch command {
	case "register":
		return handleRegister(rest, stdout, stderr)
	case "login":
		return handleLogin(rest, stdout, stderr)
	case "send":
		return handleSend(rest, stdout, stderr)
	case "list":
		return handleList(rest, stdout, stderr)
	case "read":
		return handleRead(rest, stdout, stderr)
	case "raw":
		return handleRaw(rest, stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n\n", command)
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `udpmail client

Usage:
  udpmail-client <command> [options]

Commands:
  register   Create an account
  login      Check credentials
  send       Send an email
  list       List the emails in a mailbox
  read       Print one email
  raw        Send a raw request line and print the raw response
  help       Show this help message

Common options:
  --server string     Server address (default: %s)
  --timeout duration  Response timeout (default: %s)

Examples:
  udpmail-client register --user alice --password secret
  udpmail-client send --from bob --to alice --subject Hi --body "Hello there"
  udpmail-client list --user alice
  udpmail-client read --user alice --id welcome.txt
  udpmail-client raw "GET_EMAILS|alice"

Use 'udpmail-client <command> --help' for more information about a command.
`, defaultServer, client.DefaultTimeout)
}

// newFlagSet returns a flag set carrying the options every command takes.
func newFlagSet(name string, stderr io.Writer) (*flag.FlagSet, *string, *time.Duration) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	server := fs.String("server", defaultServer, "Server address")
	timeout := fs.Duration("timeout", client.DefaultTimeout, "Response timeout")
	return fs, server, timeout
}

func newClient(server string, timeout time.Duration) *client.Client {
	return client.New(server, client.Options{Timeout: timeout})
}

// report prints err and returns the exit code for it: 2 for timeouts, 1
// for everything else.
func report(stderr io.Writer, err error) int {
	var se *client.ServerError
	switch {
	case stderrors.Is(err, client.ErrTimeout):
		fmt.Fprintln(stderr, "Error: no response from server")
		return 2
	case stderrors.As(err, &se):
		fmt.Fprintf(stderr, "Error: %s\n", se.Message)
	default:
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return 1
}

func handleRegister(args []string, stdout, stderr io.Writer) int {
	fs, server, timeout := newFlagSet("register", stderr)
	user := fs.String("user", "", "Username (required)")
	password := fs.String("password", "", "Password (required)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *user == "" || *password == "" {
		fmt.Fprintln(stderr, "Error: --user and --password are required")
		return 1
	}

	if err := newClient(*server, *timeout).Register(context.Background(), *user, *password); err != nil {
		return report(stderr, err)
	}
	fmt.Fprintf(stdout, "Account %s created\n", *user)
	return 0
}

func handleLogin(args []string, stdout, stderr io.Writer) int {
	fs, server, timeout := newFlagSet("login", stderr)
	user := fs.String("user", "", "Username (required)")
	password := fs.String("password", "", "Password (required)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *user == "" || *password == "" {
		fmt.Fprintln(stderr, "Error: --user and --password are required")
		return 1
	}

	if err := newClient(*server, *timeout).Login(context.Background(), *user, *password); err != nil {
		return report(stderr, err)
	}
	fmt.Fprintln(stdout, "Login successful")
	return 0
}

func handleSend(args []string, stdout, stderr io.Writer) int {
	fs, server, timeout := newFlagSet("send", stderr)
	from := fs.String("from", "", "Sender username (required)")
	to := fs.String("to", "", "Recipient username (required)")
	subject := fs.String("subject", "", "Subject")
	body := fs.String("body", "", "Message body")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *from == "" || *to == "" {
		fmt.Fprintln(stderr, "Error: --from and --to are required")
		return 1
	}

	if err := newClient(*server, *timeout).SendEmail(context.Background(), *from, *to, *subject, *body); err != nil {
		return report(stderr, err)
	}
	fmt.Fprintln(stdout, "Email sent")
	return 0
}

func handleList(args []string, stdout, stderr io.Writer) int {
	fs, server, timeout := newFlagSet("list", stderr)
	user := fs.String("user", "", "Username (required)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *user == "" {
		fmt.Fprintln(stderr, "Error: --user is required")
		return 1
	}

	items, err := newClient(*server, *timeout).ListEmails(context.Background(), *user)
	if err != nil {
		return report(stderr, err)
	}
	if len(items) == 0 {
		fmt.Fprintln(stdout, "No emails")
		return 0
	}
	for _, it := range items {
		fmt.Fprintf(stdout, "%-24s %s\n", it.ID, it.Subject)
	}
	return 0
}

func handleRead(args []string, stdout, stderr io.Writer) int {
	fs, server, timeout := newFlagSet("read", stderr)
	user := fs.String("user", "", "Username (required)")
	id := fs.String("id", "", "Message id (required)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *user == "" || *id == "" {
		fmt.Fprintln(stderr, "Error: --user and --id are required")
		return 1
	}

	text, err := newClient(*server, *timeout).GetEmail(context.Background(), *user, *id)
	if err != nil {
		return report(stderr, err)
	}
	fmt.Fprint(stdout, text)
	return 0
}

func handleRaw(args []string, stdout, stderr io.Writer) int {
	fs, server, timeout := newFlagSet("raw", stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "Error: raw takes exactly one request argument")
		return 1
	}

	resp, err := newClient(*server, *timeout).Exchange(context.Background(), fs.Arg(0))
	if err != nil {
		return report(stderr, err)
	}
	fmt.Fprintln(stdout, resp)
	return 0
}
