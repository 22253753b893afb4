package cli

import (
	"errors"
	"fmt"
)

// Kind classifies engine failures.
type Kind int

const (
	// KindIO is a generic read/write failure on an established transport.
	KindIO Kind = iota
	// KindConnect means the transport could not be established.
	KindConnect
	// KindTimeout means no expected pattern matched within the command timeout.
	KindTimeout
	// KindTransfer is an SCP/SFTP pull failure.
	KindTransfer
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindTimeout:
		return "timeout"
	case KindTransfer:
		return "transfer"
	default:
		return "io"
	}
}

var (
	// ErrTimeout matches any timeout Error with errors.Is.
	ErrTimeout = errors.New("timeout waiting for the command output")
	// ErrNotConnected is returned by Send before Connect or after Disconnect.
	ErrNotConnected = errors.New("session is not connected")
)

// Error is the engine's I/O failure. Buffer carries the raw bytes received so
// far when the failure happened inside an expect loop.
type Error struct {
	Kind   Kind
	Op     string
	Buffer string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("cli %s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("cli %s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrTimeout) true for every timeout kind.
func (e *Error) Is(target error) bool {
	return target == ErrTimeout && e.Kind == KindTimeout
}

// Wrap converts err into an *Error of the given kind. Errors that already are
// an *Error are returned unchanged so the innermost classification wins.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// ReceivedBuffer returns the partial buffer attached to err by an expect
// loop. ok is false when err did not come out of one.
func ReceivedBuffer(err error) (buf string, ok bool) {
	var ce *Error
	if errors.As(err, &ce) && (ce.Kind == KindTimeout || ce.Buffer != "") {
		return ce.Buffer, true
	}
	return "", false
}
