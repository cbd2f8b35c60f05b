package datagram

import (
	"context"
	"errors"
	"runtime/debug"
	"strings"
	"time"

	"github.com/migadu/udpmail/consts"
	"github.com/migadu/udpmail/helpers"
	"github.com/migadu/udpmail/logger"
	"github.com/migadu/udpmail/pkg/metrics"
	serverPkg "github.com/migadu/udpmail/server"
	"github.com/migadu/udpmail/storage"
)

// AccountDirectory is the part of the account directory the router uses.
type AccountDirectory interface {
	Register(ctx context.Context, username, password string) error
	Authenticate(ctx context.Context, username, password string) error
	Count() int
}

// MailboxStore is the part of the mailbox store the router uses.
type MailboxStore interface {
	Append(ctx context.Context, recipient string, msg *storage.Message) (string, error)
	List(ctx context.Context, username string) ([]storage.MessageInfo, error)
	Read(ctx context.Context, username, id string) ([]byte, error)
}

// RouterOptions configures a Router.
type RouterOptions struct {
	// Debug logs every request with credentials masked.
	Debug bool
}

// Router maps wire requests onto the directory and the store. Every
// failure, including a panic, becomes an ERROR response.
type Router struct {
	dir   AccountDirectory
	store MailboxStore
	debug bool
}

func NewRouter(dir AccountDirectory, store MailboxStore, options RouterOptions) *Router {
	return &Router{dir: dir, store: store, debug: options.Debug}
}

// listSubject keeps stored subjects from breaking list framing.
var listSubject = strings.NewReplacer(serverPkg.SubFieldSeparator, ":", serverPkg.ItemSeparator, ",", "\r", " ", "\n", " ")

// Handle decodes payload, runs the command and returns the response.
func (r *Router) Handle(ctx context.Context, payload string) (resp serverPkg.Response) {
	start := time.Now()
	command := "unknown"

	defer func() {
		if rec := recover(); rec != nil {
			metrics.HandlerPanics.Inc()
			logger.ErrorContext(ctx, "Request handler panicked",
				"command", command,
				"remote", consts.RemoteAddrFrom(ctx),
				"panic", rec,
				"stack", string(debug.Stack()))
			resp = serverPkg.Failure(serverPkg.MsgInternalError)
		}

		status := "success"
		if !resp.OK {
			status = "error"
		}
		metrics.RequestsTotal.WithLabelValues(command, status).Inc()
		metrics.RequestDuration.WithLabelValues(command).Observe(time.Since(start).Seconds())
	}()

	if r.debug {
		logger.InfoContext(ctx, "Request",
			"remote", consts.RemoteAddrFrom(ctx),
			"request", helpers.MaskSensitive(payload, serverPkg.FieldSeparator, 2,
				string(serverPkg.CmdLogin), string(serverPkg.CmdRegister)))
	}

	req, err := serverPkg.ParseRequest(payload)
	if err != nil {
		return protocolFailure(err)
	}
	command = string(req.Command)
	ctx = context.WithValue(ctx, consts.CommandKey, command)

	switch req.Command {
	case serverPkg.CmdRegister:
		return r.register(ctx, req.Args[0], req.Args[1])
	case serverPkg.CmdLogin:
		return r.login(ctx, req.Args[0], req.Args[1])
	case serverPkg.CmdSendEmail:
		return r.sendEmail(ctx, req.Args[0], req.Args[1], req.Args[2], req.Args[3])
	case serverPkg.CmdGetEmails:
		return r.getEmails(ctx, req.Args[0])
	case serverPkg.CmdGetEmail:
		return r.getEmail(ctx, req.Args[0], req.Args[1])
	}
	return serverPkg.Failure(serverPkg.MsgUnknownCommand)
}

func protocolFailure(err error) serverPkg.Response {
	var arityErr *serverPkg.ArityError
	switch {
	case errors.As(err, &arityErr):
		return serverPkg.Failure(arityErr.Error())
	case errors.Is(err, consts.ErrEmptyRequest):
		return serverPkg.Failure(serverPkg.MsgEmptyRequest)
	case errors.Is(err, consts.ErrRequestTooLarge):
		return serverPkg.Failure(serverPkg.MsgRequestTooLarge)
	default:
		return serverPkg.Failure(serverPkg.MsgUnknownCommand)
	}
}

func (r *Router) register(ctx context.Context, username, password string) serverPkg.Response {
	err := r.dir.Register(ctx, username, password)
	switch {
	case err == nil:
		metrics.AccountsRegistered.Inc()
		metrics.AccountsCurrent.Set(float64(r.dir.Count()))
		return serverPkg.Success(serverPkg.MsgAccountCreated)
	case errors.Is(err, consts.ErrAccountExists):
		return serverPkg.Failure(serverPkg.MsgAccountExists)
	case errors.Is(err, consts.ErrInvalidUsername):
		return serverPkg.Failure(serverPkg.MsgInvalidUsername)
	case errors.Is(err, consts.ErrInvalidPassword):
		return serverPkg.Failure(serverPkg.MsgInvalidPassword)
	default:
		logger.ErrorContext(ctx, "Registration failed", "username", username, "error", err)
		return serverPkg.Failure(serverPkg.MsgCannotCreate)
	}
}

func (r *Router) login(ctx context.Context, username, password string) serverPkg.Response {
	err := r.dir.Authenticate(ctx, username, password)
	switch {
	case err == nil:
		metrics.AuthenticationAttempts.WithLabelValues("success").Inc()
		return serverPkg.Success(serverPkg.MsgLoginSuccessful)
	case errors.Is(err, consts.ErrAccountNotFound):
		metrics.AuthenticationAttempts.WithLabelValues("unknown_account").Inc()
		return serverPkg.Failure(serverPkg.MsgAccountMissing)
	case errors.Is(err, consts.ErrWrongPassword):
		metrics.AuthenticationAttempts.WithLabelValues("wrong_password").Inc()
		logger.InfoContext(ctx, "Login failed", "username", username, "remote", consts.RemoteAddrFrom(ctx))
		return serverPkg.Failure(serverPkg.MsgWrongPassword)
	default:
		metrics.AuthenticationAttempts.WithLabelValues("error").Inc()
		logger.ErrorContext(ctx, "Authentication failed", "username", username, "error", err)
		return serverPkg.Failure(serverPkg.MsgInternalError)
	}
}

func (r *Router) sendEmail(ctx context.Context, sender, recipient, subject, body string) serverPkg.Response {
	if err := serverPkg.ValidateSubject(subject); err != nil {
		return serverPkg.Failure(serverPkg.MsgReservedSubject)
	}

	origin := consts.RemoteAddrFrom(ctx)
	id, err := r.store.Append(ctx, recipient, &storage.Message{
		Sender:        sender,
		Subject:       subject,
		Body:          body,
		CreatedAt:     time.Now(),
		OriginAddress: origin,
	})
	switch {
	case err == nil:
		logger.InfoContext(ctx, "Message stored", "sender", sender, "recipient", recipient, "id", id, "remote", origin)
		return serverPkg.Success(serverPkg.MsgEmailSent)
	case errors.Is(err, consts.ErrRecipientUnknown):
		return serverPkg.Failure(serverPkg.MsgRecipientMissing)
	case errors.Is(err, consts.ErrInvalidSender):
		return serverPkg.Failure(serverPkg.MsgInvalidSender)
	case errors.Is(err, consts.ErrReservedCharacters):
		return serverPkg.Failure(serverPkg.MsgReservedSubject)
	default:
		return serverPkg.Failure(serverPkg.MsgCannotSend)
	}
}

func (r *Router) getEmails(ctx context.Context, username string) serverPkg.Response {
	infos, err := r.store.List(ctx, username)
	if err != nil {
		return serverPkg.Failure(serverPkg.MsgCannotRetrieve)
	}

	items := make([]serverPkg.ListItem, 0, len(infos))
	for _, info := range infos {
		items = append(items, serverPkg.ListItem{ID: info.ID, Subject: listSubject.Replace(info.Subject)})
	}
	return serverPkg.Success(serverPkg.EncodeList(items))
}

func (r *Router) getEmail(ctx context.Context, username, id string) serverPkg.Response {
	data, err := r.store.Read(ctx, username, id)
	switch {
	case err == nil:
		return serverPkg.Success(string(data))
	case errors.Is(err, consts.ErrMessageNotFound):
		return serverPkg.Failure(serverPkg.MsgEmailNotFound)
	default:
		return serverPkg.Failure(serverPkg.MsgCannotRead)
	}
}
