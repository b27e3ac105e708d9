package tcpserver

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/go-framedtcp/framecodec"
	"github.com/cyberinferno/go-framedtcp/logger"
	"github.com/cyberinferno/go-framedtcp/safemap"
	"github.com/eapache/queue"
)

// SessionState is the lifecycle state of a Session.
type SessionState int32

const (
	StateCreated SessionState = iota // Built and registered, loops not started
	StateRunning                     // Receive and send loops running
	StateClosing                     // Close triggered, loops draining
	StateClosed                      // Loops joined and session removed from the registry
)

// String returns a human-readable name for the state.
func (st SessionState) String() string {
	switch st {
	case StateCreated:
		return "Created"
	case StateRunning:
		return "Running"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// SessionCallback is invoked on session connect and disconnect.
type SessionCallback func(session *Session)

// closeSentinel marks the end of the outbound queue.
type closeSentinel struct{}

// Session owns one accepted connection. It runs a receive loop that decodes
// frames and dispatches them, and a send loop that drains the outbound queue
// in FIFO order. Sessions are created by the Service; the Service owns them
// through its registry and each session only refers back to it.
type Session struct {
	id           int64
	conn         net.Conn
	service      *Service
	config       Config
	logger       logger.Logger
	onDisconnect SessionCallback
	createdAt    time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	stopWatch func() bool

	qmu     sync.Mutex
	queue   *queue.Queue
	wakeup  chan struct{}
	closing bool

	state     atomic.Int32
	closeOnce sync.Once
	closeErr  error
	errMu     sync.Mutex
	err       error

	loops      atomic.Int32
	finishOnce sync.Once
	done       chan struct{}

	values *safemap.SafeMap[string, any]
}

func newSession(id int64, conn net.Conn, service *Service, onDisconnect SessionCallback) *Session {
	ctx, cancel := context.WithCancel(service.ctx)
	s := &Session{
		id:           id,
		conn:         conn,
		service:      service,
		config:       service.config,
		onDisconnect: onDisconnect,
		createdAt:    time.Now(),
		ctx:          ctx,
		cancel:       cancel,
		queue:        queue.New(),
		wakeup:       make(chan struct{}, 1),
		done:         make(chan struct{}),
		values:       safemap.NewSafeMap[string, any](),
		logger: service.Logger.With(
			logger.Field{Key: "session_id", Value: id},
			logger.Field{Key: "remote_addr", Value: remoteAddrString(conn)},
		),
	}
	s.state.Store(int32(StateCreated))
	s.stopWatch = context.AfterFunc(ctx, func() {
		s.closeWith(nil)
	})

	return s
}

// ID returns the session id assigned by the registry.
func (s *Session) ID() int64 {
	return s.id
}

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// LocalAddr returns the local address of the connection.
func (s *Session) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// CreatedAt returns when the session was accepted.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Context returns a context cancelled when the session starts closing.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Done returns a channel closed once the session reached StateClosed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that caused the session to close. It is nil while
// the session is open, after an explicit Close, and after an orderly peer
// shutdown.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// SetValue stores application data on the session.
func (s *Session) SetValue(key string, value any) {
	s.values.Store(key, value)
}

// Value returns application data stored with SetValue.
func (s *Session) Value(key string) (any, bool) {
	return s.values.Load(key)
}

// DeleteValue removes application data stored with SetValue.
func (s *Session) DeleteValue(key string) {
	s.values.Delete(key)
}

// Send encodes a frame and appends it to the outbound queue. It does not wait
// for the frame to be written. Frames queued on one session reach the peer in
// the order Send was called.
//
// Parameters:
//   - command: The command id of the outbound frame
//   - payload: The frame payload; copied into the encoded frame
//
// Returns:
//   - ErrSessionClosed once the session is closing
//   - ErrOutboundQueueFull if Config.MaxOutboundQueue is set and reached
//   - A *framecodec.FrameError if payload is too large
func (s *Session) Send(command uint16, payload []byte) error {
	frame, err := framecodec.Encode(command, payload)
	if err != nil {
		return err
	}

	s.qmu.Lock()
	if s.closing {
		s.qmu.Unlock()
		return ErrSessionClosed
	}

	if s.config.MaxOutboundQueue > 0 && s.queue.Length() >= s.config.MaxOutboundQueue {
		s.qmu.Unlock()
		return ErrOutboundQueueFull
	}

	s.queue.Add(frame)
	s.qmu.Unlock()

	s.notify()
	return nil
}

// SendString is Send with a string payload.
func (s *Session) SendString(command uint16, payload string) error {
	return s.Send(command, []byte(payload))
}

// Close starts tearing the session down: it cancels the session context,
// posts the close sentinel to the outbound queue and closes the connection so
// blocked reads and writes return. It is idempotent; only the first call can
// return an error.
func (s *Session) Close() error {
	return s.closeWith(nil)
}

// Wait blocks until both loops have terminated, the session has been removed
// from the registry and the disconnect callback has returned.
func (s *Session) Wait() {
	<-s.done
}

// WaitContext is Wait bounded by ctx.
func (s *Session) WaitContext(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) closeWith(cause error) error {
	s.closeOnce.Do(func() {
		if cause != nil {
			s.errMu.Lock()
			s.err = cause
			s.errMu.Unlock()
		}

		s.state.CompareAndSwap(int32(StateRunning), int32(StateClosing))
		s.state.CompareAndSwap(int32(StateCreated), int32(StateClosing))
		s.cancel()

		s.qmu.Lock()
		s.closing = true
		s.queue.Add(closeSentinel{})
		s.qmu.Unlock()
		s.notify()

		if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.closeErr = err
		}

		if cause != nil {
			s.logger.Warn("session closing", logger.Field{Key: "error", Value: cause})
		} else {
			s.logger.Debug("session closing")
		}
	})

	return s.closeErr
}

// start launches both loops. A session closed before start finishes right
// away without running them.
func (s *Session) start() {
	s.loops.Store(2)
	if !s.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		s.finish()
		return
	}

	go s.receiveLoop()
	go s.sendLoop()
}

func (s *Session) receiveLoop() {
	defer s.loopDone()

	dec := framecodec.NewDecoder(bufio.NewReaderSize(s.conn, s.config.ReadBufferSize))
	for {
		if s.ctx.Err() != nil {
			return
		}

		if s.config.ReadTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}

		frame, err := dec.Next()
		if err != nil {
			_ = s.closeWith(s.readError(err))
			return
		}

		err = s.service.dispatcher.Dispatch(frame.Command, s, frame.Payload)
		if err == nil {
			continue
		}

		var he *HandlerError
		if !errors.As(err, &he) && errors.Is(err, ErrUnknownCommand) {
			s.logger.Warn("dropping frame for unknown command",
				logger.Field{Key: "command", Value: frame.Command},
				logger.Field{Key: "length", Value: len(frame.Payload)},
			)
			continue
		}

		s.logger.Error("handler failed", logger.Field{Key: "command", Value: frame.Command}, logger.Field{Key: "error", Value: err})
		_ = s.closeWith(err)
		return
	}
}

// readError maps a decoder error to the close cause. Cancellation and
// orderly peer shutdown are not errors.
func (s *Session) readError(err error) error {
	if s.ctx.Err() != nil || errors.Is(err, io.EOF) {
		return nil
	}

	var fe *framecodec.FrameError
	if errors.As(err, &fe) {
		return fe
	}

	return &IOError{SessionId: s.id, Op: "read", Err: err}
}

func (s *Session) sendLoop() {
	defer s.loopDone()

	w := bufio.NewWriterSize(s.conn, s.config.WriteBufferSize)
	for {
		frame, ok := s.nextOutbound()
		if !ok {
			return
		}

		if s.config.WriteTimeout > 0 {
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		}

		if _, err := w.Write(frame); err != nil {
			_ = s.closeWith(s.writeError(err))
			return
		}

		if s.outboundLen() > 0 {
			continue
		}

		if err := w.Flush(); err != nil {
			_ = s.closeWith(s.writeError(err))
			return
		}
	}
}

func (s *Session) writeError(err error) error {
	if s.ctx.Err() != nil {
		return nil
	}

	return &IOError{SessionId: s.id, Op: "write", Err: err}
}

// nextOutbound blocks until a frame is queued. It returns false on the close
// sentinel or cancellation.
func (s *Session) nextOutbound() ([]byte, bool) {
	for {
		s.qmu.Lock()
		if s.queue.Length() > 0 {
			item := s.queue.Remove()
			s.qmu.Unlock()

			frame, ok := item.([]byte)
			return frame, ok
		}
		s.qmu.Unlock()

		select {
		case <-s.wakeup:
		case <-s.ctx.Done():
			return nil, false
		}
	}
}

func (s *Session) outboundLen() int {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	return s.queue.Length()
}

func (s *Session) notify() {
	select {
	case s.wakeup <- struct{}{}:
	default:
	}
}

func (s *Session) loopDone() {
	if s.loops.Add(-1) == 0 {
		s.finish()
	}
}

// finish runs once both loops are gone: it deregisters the session, moves it
// to StateClosed and fires the disconnect callback exactly once.
func (s *Session) finish() {
	s.finishOnce.Do(func() {
		_ = s.closeWith(nil)
		s.stopWatch()

		s.service.registry.Remove(s.id)
		s.state.Store(int32(StateClosed))

		if s.onDisconnect != nil {
			s.service.runCallback("disconnect", s.onDisconnect, s)
		}

		s.logger.Info("session closed", logger.Field{Key: "lifetime", Value: time.Since(s.createdAt).String()})
		close(s.done)
	})
}

func remoteAddrString(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}

	return ""
}
