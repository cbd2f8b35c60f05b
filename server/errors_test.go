package server

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestIsClosedError(t *testing.T) {
	assert.True(t, IsClosedError(net.ErrClosed))
	assert.True(t, IsClosedError(&net.OpError{Op: "read", Net: "udp", Err: net.ErrClosed}))
	assert.False(t, IsClosedError(errors.New("boom")))
	assert.False(t, IsClosedError(nil))
}

func TestIsConnectionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"timeout", &net.OpError{Op: "read", Net: "udp", Err: timeoutError{}}, true},
		{"refused", &net.OpError{Op: "read", Net: "udp", Err: os.NewSyscallError("recvfrom", syscall.ECONNREFUSED)}, true},
		{"message too long", fmt.Errorf("send: %w", syscall.EMSGSIZE), true},
		{"other", errors.New("disk on fire"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsConnectionError(tt.err))
		})
	}
}
