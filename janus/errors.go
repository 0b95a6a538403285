package janus

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument is returned synchronously for bad constructor or
	// operation input.
	ErrInvalidArgument = errors.New("janus: invalid argument")
	// ErrIllegalState is returned when an operation is attempted in the wrong
	// lifecycle phase.
	ErrIllegalState = errors.New("janus: illegal state")
	ErrProtocol     = errors.New("janus: protocol error")
	ErrTransport    = errors.New("janus: transport failure")
)

// ProtocolError is a `janus:"error"` reply from the gateway.
type ProtocolError struct {
	Code   int
	Reason string
}

func (e *ProtocolError) Error() string {
	return e.Reason
}

func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

// TransportError wraps a failure of the Transport itself (network, HTTP
// status, undecodable body).
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("janus: %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func illegalState(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrIllegalState, fmt.Sprintf(format, args...))
}

func malformed(verb, detail string) error {
	return fmt.Errorf("%w: malformed %s response: %s", ErrProtocol, verb, detail)
}
