package tcpserver

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionClosed is returned by Send once the session is closing.
	ErrSessionClosed = errors.New("session closed")
	// ErrServiceClosed is returned once WaitCloseAll has started.
	ErrServiceClosed = errors.New("service closed")
	// ErrCommandRegistered is returned when a command already has a handler.
	ErrCommandRegistered = errors.New("command already registered")
	// ErrUnknownCommand is returned by Dispatch when no handler is bound.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrOutboundQueueFull is returned by Send when Config.MaxOutboundQueue is reached.
	ErrOutboundQueueFull = errors.New("outbound queue full")
	// ErrDuplicateSession is returned when a session id is already registered.
	ErrDuplicateSession = errors.New("duplicate session id")
	// ErrNilHandler is returned when registering a nil handler.
	ErrNilHandler = errors.New("nil handler")
)

// ConnectionError reports a bind or accept failure on a listener. It never
// affects other listeners or established sessions.
type ConnectionError struct {
	Op   string
	Addr string
	Err  error
}

// Error implements error.
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IOError reports a read or write failure on an established session.
type IOError struct {
	SessionId int64
	Op        string
	Err       error
}

// Error implements error.
func (e *IOError) Error() string {
	return fmt.Sprintf("session %d %s: %v", e.SessionId, e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *IOError) Unwrap() error {
	return e.Err
}

// HandlerError reports a handler that returned an error or panicked. Panic
// holds the recovered value when the handler panicked.
type HandlerError struct {
	Command uint16
	Err     error
	Panic   any
}

// Error implements error.
func (e *HandlerError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("handler for command %d panicked: %v", e.Command, e.Panic)
	}

	return fmt.Sprintf("handler for command %d: %v", e.Command, e.Err)
}

// Unwrap returns the underlying cause.
func (e *HandlerError) Unwrap() error {
	return e.Err
}
