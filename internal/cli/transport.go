package cli

import (
	"context"
	"io"
	"time"
)

// Transport is the byte stream a Session talks over (SSH shell channel,
// Telnet socket, local PTY, WebSocket).
type Transport interface {
	// Connect establishes the stream. ctx bounds the connection phase only.
	Connect(ctx context.Context) error
	io.Reader
	io.Writer
	// Close tears the stream down. It may be called more than once.
	Close() error
}

// ReceiveTimeoutSetter is implemented by transports that bound protocol-level
// waits (channel setup, file pulls) with the session receive timeout.
type ReceiveTimeoutSetter interface {
	SetReceiveTimeout(d time.Duration)
}
