// Package datagram serves the mail protocol over UDP: one request per
// datagram, one response datagram sent back to the sender's address.
package datagram

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/migadu/udpmail/consts"
	"github.com/migadu/udpmail/helpers"
	"github.com/migadu/udpmail/logger"
	"github.com/migadu/udpmail/pkg/metrics"
	serverPkg "github.com/migadu/udpmail/server"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultMaxDatagramSize matches the legacy 2048 byte buffers.
	DefaultMaxDatagramSize = 2048

	// readErrorBackoff throttles the loop when the socket keeps failing.
	readErrorBackoff = 10 * time.Millisecond
)

// ErrNotListening is returned by Serve before Listen succeeded.
var ErrNotListening = errors.New("datagram server is not listening")

// ServerOptions configures a Server.
type ServerOptions struct {
	// MaxDatagramSize bounds request and response payloads in bytes.
	MaxDatagramSize int
	// Workers <= 1 handles datagrams one at a time in the receive loop;
	// larger values handle up to Workers datagrams concurrently.
	Workers int
}

type Server struct {
	name   string
	addr   string
	router *Router

	appCtx context.Context
	cancel context.CancelFunc

	maxSize int
	workers int
	sem     *semaphore.Weighted

	mu        sync.Mutex
	conn      net.PacketConn
	serveDone chan struct{} // closed when Serve returns

	handlersWg sync.WaitGroup
	closeOnce  sync.Once
}

func New(appCtx context.Context, name, addr string, router *Router, options ServerOptions) (*Server, error) {
	if router == nil {
		return nil, errors.New("router is required")
	}

	maxSize := options.MaxDatagramSize
	if maxSize <= 0 {
		maxSize = DefaultMaxDatagramSize
	}

	serverCtx, serverCancel := context.WithCancel(appCtx)

	s := &Server{
		name:    name,
		addr:    addr,
		router:  router,
		appCtx:  serverCtx,
		cancel:  serverCancel,
		maxSize: maxSize,
		workers: options.Workers,
	}
	if s.workers > 1 {
		s.sem = semaphore.NewWeighted(int64(s.workers))
	}
	return s, nil
}

// Listen binds the UDP endpoint.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return fmt.Errorf("datagram server %s already listening on %s", s.name, s.conn.LocalAddr())
	}
	if err := s.appCtx.Err(); err != nil {
		return fmt.Errorf("datagram server %s is closed", s.name)
	}

	conn, err := net.ListenPacket("udp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.conn = conn

	// Closing the socket unblocks ReadFrom when the application stops
	go func() {
		<-s.appCtx.Done()
		conn.Close()
	}()

	logger.Info("Datagram server listening", "name", s.name, "addr", conn.LocalAddr().String(),
		"max_datagram_size", s.maxSize, "workers", max(s.workers, 1))
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Serve runs the receive loop until the socket is closed. It returns nil
// on a normal shutdown.
func (s *Server) Serve() error {
	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return ErrNotListening
	}
	if s.serveDone != nil {
		s.mu.Unlock()
		return fmt.Errorf("datagram server %s is already serving", s.name)
	}
	done := make(chan struct{})
	s.serveDone = done
	s.mu.Unlock()

	defer close(done)
	defer s.handlersWg.Wait()

	// One extra byte tells an oversized datagram from one that fits exactly
	buf := make([]byte, s.maxSize+1)

	for {
		n, remote, err := conn.ReadFrom(buf)
		if err != nil {
			if serverPkg.IsClosedError(err) || s.appCtx.Err() != nil {
				logger.Info("Datagram server stopped", "name", s.name)
				return nil
			}
			if serverPkg.IsConnectionError(err) {
				logger.Debug("Datagram read error", "name", s.name, "error", err)
				continue
			}
			metrics.TransportErrors.WithLabelValues(s.name, "read").Inc()
			logger.Warn("Datagram read failed", "name", s.name, "error", err)
			time.Sleep(readErrorBackoff)
			continue
		}

		metrics.DatagramsReceived.WithLabelValues(s.name).Inc()

		if n > s.maxSize {
			metrics.OversizedRequests.WithLabelValues(s.name).Inc()
			logger.Warn("Rejecting oversized request", "name", s.name, "remote", remote.String(), "limit", s.maxSize)
			s.send(conn, remote, protocolFailure(consts.ErrRequestTooLarge).Encode(), "oversized")
			continue
		}

		payload := helpers.SanitizeUTF8(string(buf[:n]))

		if s.sem == nil {
			s.handle(conn, remote, payload)
			continue
		}

		if err := s.sem.Acquire(s.appCtx, 1); err != nil {
			return nil // shutting down
		}
		s.handlersWg.Add(1)
		go func() {
			defer s.handlersWg.Done()
			defer s.sem.Release(1)
			s.handle(conn, remote, payload)
		}()
	}
}

// Start listens and serves, reporting failures on errChan.
func (s *Server) Start(errChan chan error) {
	if err := s.Listen(); err != nil {
		s.cancel()
		errChan <- err
		return
	}
	if err := s.Serve(); err != nil {
		errChan <- fmt.Errorf("datagram server %s: %w", s.name, err)
	}
}

func (s *Server) handle(conn net.PacketConn, remote net.Addr, payload string) {
	metrics.InflightRequests.WithLabelValues(s.name).Inc()
	defer metrics.InflightRequests.WithLabelValues(s.name).Dec()

	ctx := context.WithValue(s.appCtx, consts.RemoteAddrKey, remote.String())
	resp := s.router.Handle(ctx, payload)

	s.send(conn, remote, resp.Encode(), commandLabel(payload))
}

// send writes one response datagram, truncating it to the size limit.
func (s *Server) send(conn net.PacketConn, remote net.Addr, out, command string) {
	if len(out) > s.maxSize {
		metrics.TruncatedResponses.WithLabelValues(s.name, command).Inc()
		logger.Warn("Response truncated to datagram limit", "name", s.name, "command", command,
			"remote", remote.String(), "size", len(out), "limit", s.maxSize)
		out = helpers.TruncateUTF8(out, s.maxSize)
	}

	if _, err := conn.WriteTo([]byte(out), remote); err != nil {
		if serverPkg.IsClosedError(err) {
			return
		}
		metrics.TransportErrors.WithLabelValues(s.name, "write").Inc()
		logger.Warn("Failed to send response", "name", s.name, "remote", remote.String(), "error", err)
		return
	}
	metrics.DatagramsSent.WithLabelValues(s.name).Inc()
}

// Close stops the receive loop and waits for Serve to return, which
// happens after in-flight handlers finish.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.cancel()

		s.mu.Lock()
		conn, done := s.conn, s.serveDone
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		if done != nil {
			<-done
		}
		logger.Info("Datagram server closed", "name", s.name)
	})
}

// commandLabel returns the command of payload for metric labels, bounded
// to known commands.
func commandLabel(payload string) string {
	cmd, _, _ := strings.Cut(payload, serverPkg.FieldSeparator)
	if _, ok := serverPkg.Arity(serverPkg.Command(cmd)); ok {
		return cmd
	}
	return "unknown"
}
