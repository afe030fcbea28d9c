// Package fault defines the error taxonomy shared by the transport and
// link layers. Every caller-facing failure carries a stable Kind plus a
// human-readable message so the CLI and TUI can present it without
// string matching.
package fault

import (
	"errors"
	"fmt"
)

// Kind identifies the failure category.
type Kind string

const (
	// Capability means the required transport is unsupported in the
	// current environment (e.g. no usable Bluetooth adapter).
	Capability Kind = "capability"

	// Timeout means a GATT stage, message correlation, or write
	// operation exceeded its deadline.
	Timeout Kind = "timeout"

	// ConnectionLost is the forced rejection of pending work when the
	// connection drops.
	ConnectionLost Kind = "connection-lost"

	// Parse means a malformed or truncated EEPROM payload.
	Parse Kind = "parse"

	// Protocol means a malformed inbound frame (bad JSON, unexpected
	// envelope shape). Logged and dropped, never fatal to the transport.
	Protocol Kind = "protocol"

	// WriteStage means the chunked-write orchestration failed at a
	// specific stage (start-ack, chunk-transfer, complete-ack).
	WriteStage Kind = "write-stage"
)

// Error is a typed failure with a stable kind and the operation or stage
// that produced it.
type Error struct {
	Kind Kind
	Op   string // operation or stage name, e.g. "Service discovery"
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	default:
		return e.Msg
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a fault with the given kind and message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a fault with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates a fault wrapping an underlying error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: "operation failed", Err: err}
}

// TimeoutOp creates a timeout fault naming the operation that exceeded
// its deadline, e.g. "Service discovery".
func TimeoutOp(op string) *Error {
	return &Error{Kind: Timeout, Op: op, Msg: "timed out"}
}

// Stage creates a write-stage fault identifying which stage failed.
func Stage(stage string, err error) *Error {
	return &Error{Kind: WriteStage, Op: stage, Msg: "write stage failed", Err: err}
}

// Is reports whether err (or anything it wraps) is a fault of the given
// kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// KindOf returns the kind of err, or the empty string for untyped errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}
