package consts

import "context"

// ContextKey is a custom type for context keys to avoid collisions between packages.
type ContextKey string

const (
	// RemoteAddrKey carries the datagram sender address (ip:port) of the
	// request being served. Lower layers use it for log attribution only.
	RemoteAddrKey = ContextKey("remote_addr")

	// CommandKey carries the wire command name of the request being served.
	CommandKey = ContextKey("command")
)

// RemoteAddrFrom returns the sender address stored in ctx, or "" if none.
func RemoteAddrFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(RemoteAddrKey).(string); ok {
		return v
	}
	return ""
}
