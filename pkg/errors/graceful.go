// Package errors turns startup and runtime failures of the daemon into a
// logged error and a process exit code.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/migadu/udpmail/logger"
)

// Exit codes reported through WaitForExit.
const (
	ExitFatal  = 1
	ExitConfig = 2
)

type GracefulError struct {
	Operation string
	Err       error
}

func (g *GracefulError) Error() string {
	return fmt.Sprintf("operation '%s' failed: %v", g.Operation, g.Err)
}

func (g *GracefulError) Unwrap() error {
	return g.Err
}

func NewGracefulError(operation string, err error) *GracefulError {
	return &GracefulError{
		Operation: operation,
		Err:       err,
	}
}

// ErrorHandler records the first failure and hands its exit code to
// WaitForExit. Later failures are logged but do not replace the code.
type ErrorHandler struct {
	exitChannel chan int
}

func NewErrorHandler() *ErrorHandler {
	return &ErrorHandler{
		exitChannel: make(chan int, 1),
	}
}

func (eh *ErrorHandler) FatalError(operation string, err error) {
	logger.Error("Fatal error", "error", NewGracefulError(operation, err))
	eh.exit(ExitFatal)
}

func (eh *ErrorHandler) ConfigError(configPath string, err error) {
	if stderrors.Is(err, fs.ErrNotExist) {
		logger.Error("Configuration file not found", "path", configPath, "error", err)
	} else {
		logger.Error("Failed to parse configuration file", "path", configPath, "error", err)
	}
	eh.exit(ExitConfig)
}

func (eh *ErrorHandler) ValidationError(field string, err error) {
	logger.Error("Invalid configuration", "field", field, "error", err)
	eh.exit(ExitConfig)
}

func (eh *ErrorHandler) exit(code int) {
	select {
	case eh.exitChannel <- code:
	default:
	}
}

func (eh *ErrorHandler) WaitForExit() int {
	return <-eh.exitChannel
}

func (eh *ErrorHandler) WaitForExitWithTimeout(timeout time.Duration) (int, bool) {
	select {
	case code := <-eh.exitChannel:
		return code, true
	case <-time.After(timeout):
		return 0, false
	}
}

func (eh *ErrorHandler) Shutdown(ctx context.Context) {
	select {
	case <-ctx.Done():
		logger.Info("Graceful shutdown initiated")
	default:
		logger.Warn("Unexpected shutdown")
	}
}
