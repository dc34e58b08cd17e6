package forward

import "fmt"

// ErrInvalidArgument is returned when StartLocalPortForwarding is given a
// negative local port, when a stop or cancel names a forwarding that does
// not exist, and when the acceptor is asked to unbind a port it has no
// binding on.
type ErrInvalidArgument struct {
	msg string
}

func (e *ErrInvalidArgument) Error() string { return "invalid argument: " + e.msg }

// ErrClosed is returned when an operation is attempted on a forwarder that is
// already closed or closing.
type ErrClosed struct {
	closing bool
}

func (e *ErrClosed) Error() string {
	if e.closing {
		return "forwarder is closing"
	}
	return "forwarder is closed"
}

// ErrBindFailure wraps an OS-level bind failure, or the case where the
// address the listener actually bound to cannot be parsed.
type ErrBindFailure struct {
	Addr string
	Err  error
}

func (e *ErrBindFailure) Error() string {
	return fmt.Sprintf("error binding to %s: %v", e.Addr, e.Err)
}

func (e *ErrBindFailure) Unwrap() error { return e.Err }

// ErrDuplicateBinding is returned when a port is already present in one of
// the binding registry's three port-indexed maps, or when an identical
// server-side local forwarding entry is already recorded.
type ErrDuplicateBinding struct {
	Port int
}

func (e *ErrDuplicateBinding) Error() string {
	return fmt.Sprintf("multiple bindings on port=%d", e.Port)
}

// ErrRequestDenied is returned when a "tcpip-forward" global request is
// answered with a denial (a nil/false reply) or times out.
type ErrRequestDenied struct {
	Timeout bool
}

func (e *ErrRequestDenied) Error() string {
	if e.Timeout {
		return "tcpip-forward request timed out"
	}
	return "tcpip-forward request denied by server"
}

// ErrFilterFailure wraps a non-recoverable error raised by a
// ForwardingFilter while consulting it on a server-side forwarding request.
type ErrFilterFailure struct {
	Err error
}

func (e *ErrFilterFailure) Error() string { return fmt.Sprintf("forwarding filter failure: %v", e.Err) }

func (e *ErrFilterFailure) Unwrap() error { return e.Err }

// ErrIoFailure wraps a transport write failure encountered while sending a
// fire-and-forget global request (e.g. "cancel-tcpip-forward").
type ErrIoFailure struct {
	Err error
}

func (e *ErrIoFailure) Error() string { return fmt.Sprintf("io failure: %v", e.Err) }

func (e *ErrIoFailure) Unwrap() error { return e.Err }
