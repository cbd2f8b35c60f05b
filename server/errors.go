package server

import (
	"errors"
	"net"
	"syscall"
)

// IsClosedError reports whether err comes from using a socket after Close.
// The listener loop treats it as the signal to stop.
func IsClosedError(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

// IsConnectionError checks if an error is a common, non-fatal socket error.
// These errors are logged and the listener keeps serving.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// ICMP port unreachable from an earlier send surfaces on the next read
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}

	// Peer vanished or message too long for the path
	if errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.EMSGSIZE) {
		return true
	}

	return false
}
