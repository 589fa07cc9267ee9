package sip

import (
	"fmt"
	"net/netip"

	"github.com/ghettovoice/sipcore/internal/errorutil"
)

// Error represents a SIP error.
// See [errorutil.Error].
type Error = errorutil.Error

// Common errors.
const (
	ErrInvalidArgument        = errorutil.ErrInvalidArgument
	ErrEndpointClosed   Error = "endpoint closed"
	ErrMethodNotAllowed Error = "request method not allowed"
	ErrMessageTooLarge  Error = "message too large"
)

// Message processing errors.
const (
	// ErrParse is matched by every [*ParseError].
	ErrParse Error = "parse error"
	// ErrNoMatchingTransaction is reported for a response that matches no client transaction.
	ErrNoMatchingTransaction Error = "no matching transaction"
	// ErrNoModuleClaimed is reported for a new request that no module claimed.
	ErrNoModuleClaimed Error = "no module claimed the request"
)

// Transaction errors.
const (
	// ErrTransactionConflict is returned on attempts to remove a transaction that is not terminated
	// or to insert a transaction under a key that is already taken.
	ErrTransactionConflict   Error = "transaction conflict"
	ErrTransactionTimedOut   Error = "transaction timed out"
	ErrTransactionTerminated Error = "transaction terminated"
)

// Transport errors.
const (
	// ErrTransport is matched by every [*TransportError].
	ErrTransport       Error = "transport error"
	ErrTransportClosed Error = "transport closed"
	ErrNoTransport     Error = "no transport resolved"
	ErrNoTarget        Error = "no target resolved"
)

// NewInvalidArgumentError creates a new error with [ErrInvalidArgument] or
// wraps provided error with [ErrInvalidArgument].
func NewInvalidArgumentError(args ...any) error {
	return errorutil.NewInvalidArgumentError(args...) //errtrace:skip
}

// ParseError reports malformed wire bytes.
// Offset is the index of the first byte that could not be parsed.
type ParseError struct {
	Offset int
	Reason string
}

func (err *ParseError) Error() string {
	if err == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s at offset %d: %s", ErrParse, err.Offset, err.Reason)
}

func (*ParseError) Is(target error) bool { return target == ErrParse } //nolint:errorlint

func newParseError(off int, format string, args ...any) *ParseError {
	return &ParseError{Offset: off, Reason: fmt.Sprintf(format, args...)}
}

// TransportError reports a failure to send bytes through a transport.
type TransportError struct {
	Op    string
	Proto TransportProto
	Addr  netip.AddrPort
	Err   error
}

func (err *TransportError) Error() string {
	if err == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s: %s %s %s: %v", ErrTransport, err.Op, err.Proto, err.Addr, err.Err)
}

func (err *TransportError) Unwrap() error { return err.Err }

func (*TransportError) Is(target error) bool { return target == ErrTransport } //nolint:errorlint

// Timeout reports whether the underlying error is a timeout.
func (err *TransportError) Timeout() bool { return errorutil.IsTimeoutErr(err.Err) }

func newTransportError(op string, proto TransportProto, addr netip.AddrPort, err error) *TransportError {
	return &TransportError{Op: op, Proto: proto, Addr: addr, Err: err}
}
