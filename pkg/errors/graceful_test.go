package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGracefulErrorUnwrap(t *testing.T) {
	base := stderrors.New("bind: address in use")
	err := NewGracefulError("start datagram server", base)

	assert.Equal(t, "operation 'start datagram server' failed: bind: address in use", err.Error())
	assert.True(t, stderrors.Is(err, base))
}

func TestErrorHandlerExitCodes(t *testing.T) {
	tests := []struct {
		name string
		fire func(eh *ErrorHandler)
		want int
	}{
		{"fatal", func(eh *ErrorHandler) { eh.FatalError("serve", stderrors.New("boom")) }, ExitFatal},
		{"config missing", func(eh *ErrorHandler) {
			eh.ConfigError("udpmail.toml", fmt.Errorf("open: %w", fs.ErrNotExist))
		}, ExitConfig},
		{"config parse", func(eh *ErrorHandler) { eh.ConfigError("udpmail.toml", stderrors.New("bad toml")) }, ExitConfig},
		{"validation", func(eh *ErrorHandler) { eh.ValidationError("server.workers", stderrors.New("negative")) }, ExitConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eh := NewErrorHandler()
			tt.fire(eh)
			code, ok := eh.WaitForExitWithTimeout(time.Second)
			assert.True(t, ok)
			assert.Equal(t, tt.want, code)
		})
	}
}

func TestErrorHandlerKeepsFirstCode(t *testing.T) {
	eh := NewErrorHandler()
	eh.ValidationError("server.addr", stderrors.New("empty"))
	eh.FatalError("serve", stderrors.New("later"))

	assert.Equal(t, ExitConfig, eh.WaitForExit())

	_, ok := eh.WaitForExitWithTimeout(10 * time.Millisecond)
	assert.False(t, ok)
}

func TestShutdownDoesNotBlock(t *testing.T) {
	eh := NewErrorHandler()
	ctx, cancel := context.WithCancel(context.Background())
	eh.Shutdown(ctx)
	cancel()
	eh.Shutdown(ctx)
}
