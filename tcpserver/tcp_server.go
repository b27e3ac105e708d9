// Package tcpserver implements a TCP session engine for the framecodec wire
// format: listeners accept connections, each connection becomes a Session
// with its own receive and send loops, sessions live in a SessionRegistry and
// decoded frames are routed through a Dispatcher.
package tcpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cyberinferno/go-framedtcp/logger"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

type listener struct {
	ln   net.Listener
	done chan struct{}
}

// Service accepts connections on any number of listeners and owns every
// session created from them. Build it with NewService, bind addresses with
// StartListen and tear everything down with WaitCloseAll.
type Service struct {
	Logger logger.Logger
	Name   string

	config     Config
	dispatcher *Dispatcher
	registry   *SessionRegistry

	ctx      context.Context
	cancel   context.CancelFunc
	stopping chan struct{}

	mu        sync.Mutex
	listeners []*listener
	closed    bool
}

// NewService builds a Service routing frames through dispatcher. Cancelling
// ctx closes every session of the service.
//
// Parameters:
//   - ctx: Parent context of all sessions
//   - name: Service name used in log entries
//   - dispatcher: The handler table; nil means an empty Dispatcher
//   - cfg: Timeouts, queue limit and buffer sizes
//   - log: Logger; nil means discard
//
// Returns:
//   - A Service with no listeners
func NewService(ctx context.Context, name string, dispatcher *Dispatcher, cfg Config, log logger.Logger) *Service {
	if log == nil {
		log = logger.NewNopLogger()
	}

	if dispatcher == nil {
		dispatcher = NewDispatcher()
	}

	ctx, cancel := context.WithCancel(ctx)
	return &Service{
		Logger:     log.With(logger.Field{Key: "server", Value: name}),
		Name:       name,
		config:     cfg.withDefaults(),
		dispatcher: dispatcher,
		registry:   NewSessionRegistry(),
		ctx:        ctx,
		cancel:     cancel,
		stopping:   make(chan struct{}),
	}
}

// Dispatcher returns the handler table the service routes frames through.
func (s *Service) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// Registry returns the session registry.
func (s *Service) Registry() *SessionRegistry {
	return s.registry
}

// FindSession returns the live session with the given id.
func (s *Service) FindSession(id int64) (*Session, bool) {
	return s.registry.Lookup(id)
}

// SessionCount returns the number of registered sessions.
func (s *Service) SessionCount() int {
	return s.registry.Len()
}

// StartListen binds address and starts an accept loop for it. Every accepted
// connection becomes a registered Session; onConnect runs before its loops
// start and onDisconnect runs exactly once after it is closed and removed.
// Either callback may be nil.
//
// Parameters:
//   - address: The "host:port" to bind; port 0 picks a free port
//   - onConnect: Invoked once per session before any frame is dispatched
//   - onDisconnect: Invoked once per session after it reached StateClosed
//
// Returns:
//   - The bound address
//   - A *ConnectionError if the service is closed or binding fails
func (s *Service) StartListen(address string, onConnect, onDisconnect SessionCallback) (net.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, &ConnectionError{Op: "listen", Addr: address, Err: ErrServiceClosed}
	}

	lc := listenConfig(s.config)
	ln, err := lc.Listen(s.ctx, "tcp", address)
	if err != nil {
		s.Logger.Error(fmt.Sprintf("%s server failed to listen", s.Name), logger.Field{Key: "addr", Value: address}, logger.Field{Key: "error", Value: err})
		return nil, &ConnectionError{Op: "listen", Addr: address, Err: err}
	}

	l := &listener{ln: ln, done: make(chan struct{})}
	s.listeners = append(s.listeners, l)
	go s.acceptLoop(l, onConnect, onDisconnect)

	s.Logger.Info(fmt.Sprintf("%s server listening", s.Name), logger.Field{Key: "addr", Value: ln.Addr().String()})
	return ln.Addr(), nil
}

// ServeConn turns an already established connection into a registered,
// running Session, following the same sequence as the accept loop.
//
// Returns:
//   - The running session
//   - ErrServiceClosed if WaitCloseAll has started; conn is closed in that case
func (s *Service) ServeConn(conn net.Conn, onConnect, onDisconnect SessionCallback) (*Session, error) {
	session := newSession(s.registry.GenerateId(), conn, s, onDisconnect)
	if err := s.registry.Add(session); err != nil {
		session.stopWatch()
		session.cancel()
		_ = conn.Close()
		return nil, err
	}

	session.logger.Info("session opened")
	if onConnect != nil {
		s.runCallback("connect", onConnect, session)
	}

	session.start()
	return session, nil
}

// WaitCloseAll stops every listener, waits for the accept loops to exit, then
// closes and waits for every session and clears the registry. Once it has
// started no new session can be registered. It is safe to call more than
// once.
func (s *Service) WaitCloseAll() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.stopping)
	}
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()

	s.registry.seal()

	for _, l := range listeners {
		_ = l.ln.Close()
	}
	for _, l := range listeners {
		<-l.done
	}

	sessions := s.registry.Sessions()
	for _, session := range sessions {
		_ = session.Close()
		session.Wait()
	}

	s.registry.clear()
	s.cancel()

	s.Logger.Info(fmt.Sprintf("%s server stopped", s.Name), logger.Field{Key: "sessions_closed", Value: len(sessions)})
}

// acceptLoop accepts connections until the listener is closed. Transient
// accept errors are logged and retried with a capped backoff.
func (s *Service) acceptLoop(l *listener, onConnect, onDisconnect SessionCallback) {
	defer close(l.done)

	var backoff time.Duration
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.isStopping() {
				return
			}

			cerr := &ConnectionError{Op: "accept", Addr: l.ln.Addr().String(), Err: err}
			s.Logger.Error(fmt.Sprintf("%s server accept error", s.Name), logger.Field{Key: "error", Value: cerr})

			if backoff == 0 {
				backoff = minAcceptBackoff
			} else {
				backoff = min(backoff*2, maxAcceptBackoff)
			}

			select {
			case <-time.After(backoff):
				continue
			case <-s.stopping:
				return
			}
		}

		backoff = 0
		if _, err := s.ServeConn(conn, onConnect, onDisconnect); err != nil {
			s.Logger.Warn("rejected connection", logger.Field{Key: "remote_addr", Value: remoteAddrString(conn)}, logger.Field{Key: "error", Value: err})
		}
	}
}

func (s *Service) isStopping() bool {
	select {
	case <-s.stopping:
		return true
	default:
		return false
	}
}

// runCallback invokes an application callback, logging instead of
// propagating a panic.
func (s *Service) runCallback(name string, cb SessionCallback, session *Session) {
	defer func() {
		if r := recover(); r != nil {
			session.logger.Error(fmt.Sprintf("%s callback panicked", name), logger.Field{Key: "panic", Value: fmt.Sprint(r)})
		}
	}()

	cb(session)
}
