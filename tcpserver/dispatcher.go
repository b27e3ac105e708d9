package tcpserver

import (
	"fmt"
	"slices"

	"github.com/cyberinferno/go-framedtcp/safemap"
)

// Handler processes one decoded frame. It runs on the session's receive loop,
// so frames of the same session are handled one at a time in arrival order.
// A handler may reply through session.Send. Returning an error closes the
// session.
type Handler func(command uint16, session *Session, payload []byte) error

// Dispatcher maps command ids to handlers. At most one handler is bound to a
// command at any time. A Dispatcher is built by the application and injected
// into the Service; it is safe for concurrent use.
type Dispatcher struct {
	handlers *safemap.SafeMap[uint16, Handler]
}

// NewDispatcher returns a Dispatcher with no bindings.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: safemap.NewSafeMap[uint16, Handler](),
	}
}

// Register binds handler to command.
//
// Parameters:
//   - command: The command id to bind
//   - handler: The handler invoked for frames carrying command
//
// Returns:
//   - ErrCommandRegistered (wrapped) if command is already bound
//   - ErrNilHandler if handler is nil
func (d *Dispatcher) Register(command uint16, handler Handler) error {
	if handler == nil {
		return ErrNilHandler
	}

	if _, loaded := d.handlers.LoadOrStore(command, handler); loaded {
		return fmt.Errorf("command %d: %w", command, ErrCommandRegistered)
	}

	return nil
}

// Replace binds handler to command, overwriting any existing binding.
func (d *Dispatcher) Replace(command uint16, handler Handler) error {
	if handler == nil {
		return ErrNilHandler
	}

	d.handlers.Store(command, handler)
	return nil
}

// Unregister removes the binding for command and reports whether one existed.
func (d *Dispatcher) Unregister(command uint16) bool {
	_, ok := d.handlers.LoadAndDelete(command)
	return ok
}

// Handler returns the handler bound to command.
func (d *Dispatcher) Handler(command uint16) (Handler, bool) {
	return d.handlers.Load(command)
}

// Commands returns the bound command ids in ascending order.
func (d *Dispatcher) Commands() []uint16 {
	commands := d.handlers.Keys()
	slices.Sort(commands)
	return commands
}

// Dispatch invokes the handler bound to command. Panics inside the handler are
// recovered here and never reach the receive loop.
//
// Parameters:
//   - command: The command id from the frame header
//   - session: The session the frame arrived on
//   - payload: The frame payload
//
// Returns:
//   - ErrUnknownCommand (wrapped) if nothing is bound; the frame is dropped
//   - A *HandlerError if the handler failed or panicked
func (d *Dispatcher) Dispatch(command uint16, session *Session, payload []byte) (err error) {
	handler, ok := d.handlers.Load(command)
	if !ok {
		return fmt.Errorf("command %d: %w", command, ErrUnknownCommand)
	}

	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{Command: command, Err: fmt.Errorf("panic: %v", r), Panic: r}
		}
	}()

	if herr := handler(command, session, payload); herr != nil {
		return &HandlerError{Command: command, Err: herr}
	}

	return nil
}
