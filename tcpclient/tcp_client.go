// Package tcpclient provides an event-driven client for the framecodec wire
// format. It notifies callers of connection state changes, received frames
// and errors via registered handlers, and supports optional auto-reconnect.
package tcpclient

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cyberinferno/go-framedtcp/framecodec"
)

// ConnectionState represents the current state of the TCP connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota // Not connected and not attempting to connect
	Connecting                          // Connection attempt in progress
	Connected                           // Successfully connected
	Reconnecting                        // Waiting to reconnect (AutoReconnect only)
	Closed                              // Client has been closed and will not reconnect
)

// String returns a human-readable name for the connection state.
func (cs ConnectionState) String() string {
	switch cs {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Reconnecting:
		return "Reconnecting"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

var (
	// ErrClientClosed is returned by operations on a closed client.
	ErrClientClosed = errors.New("client is closed")
	// ErrNotConnected is returned by Send while no connection is established.
	ErrNotConnected = errors.New("not connected")
	// ErrAlreadyConnected is returned by Connect while connected or connecting.
	ErrAlreadyConnected = errors.New("already connected or connecting")
)

// ConnectionStateEvent is emitted when the connection state changes.
type ConnectionStateEvent struct {
	State     ConnectionState
	Address   string
	Timestamp time.Time
	Error     error // Non-nil if the state change was caused by an error
}

// FrameReceivedEvent is emitted for every decoded inbound frame.
type FrameReceivedEvent struct {
	Command   uint16
	Payload   []byte
	Timestamp time.Time
}

// ErrorEvent is emitted when a read, write, or connection error occurs.
type ErrorEvent struct {
	Error     error
	Timestamp time.Time
}

// ConnectionStateHandler is called asynchronously when the state changes.
type ConnectionStateHandler func(event ConnectionStateEvent)

// FrameHandler is called on the read loop for each frame, in arrival order.
// A slow handler delays the frames behind it.
type FrameHandler func(event FrameReceivedEvent)

// ErrorHandler is called asynchronously when an error occurs.
type ErrorHandler func(event ErrorEvent)

// Config holds configuration for the client.
type Config struct {
	// Address is the "host:port" to connect to.
	Address string
	// AutoReconnect enables automatic reconnection when the connection is lost.
	AutoReconnect bool
	// ReconnectInterval is the delay between reconnection attempts.
	ReconnectInterval time.Duration
	// WriteTimeout is the max duration for a single write; 0 means no timeout.
	WriteTimeout time.Duration
	// ReadTimeout is the max duration to wait for the next frame; 0 means no timeout.
	ReadTimeout time.Duration
	// ConnectionTimeout is the max duration for establishing a connection.
	ConnectionTimeout time.Duration
}

// DefaultConfig returns a Config with default values for the given address.
//
// Parameters:
//   - address: The "host:port" to connect to
//
// Returns:
//   - A Config with ReconnectInterval 5s, WriteTimeout 10s, ConnectionTimeout 10s,
//     no read timeout and AutoReconnect disabled
func DefaultConfig(address string) Config {
	return Config{
		Address:           address,
		ReconnectInterval: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		ConnectionTimeout: 10 * time.Second,
	}
}

// Client is a framed TCP client. Register handlers, then call Connect.
// It is safe for concurrent use.
type Client struct {
	config Config
	conn   net.Conn
	state  ConnectionState

	onConnectionState ConnectionStateHandler
	onFrame           FrameHandler
	onError           ErrorHandler

	mu            sync.RWMutex
	writeMu       sync.Mutex
	stopChan      chan struct{}
	reconnectChan chan struct{}
	reconnectOnce sync.Once
	wg            sync.WaitGroup
	closed        bool
}

// New creates a client in the Disconnected state.
func New(config Config) *Client {
	return &Client{
		config:        config,
		state:         Disconnected,
		stopChan:      make(chan struct{}),
		reconnectChan: make(chan struct{}, 1),
	}
}

// OnConnectionState registers the handler for connection state changes.
// Repeated calls replace the previous handler; nil clears it.
func (c *Client) OnConnectionState(handler ConnectionStateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnectionState = handler
}

// OnFrame registers the handler for inbound frames. Repeated calls replace
// the previous handler; nil clears it.
func (c *Client) OnFrame(handler FrameHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFrame = handler
}

// OnError registers the handler for errors. Repeated calls replace the
// previous handler; nil clears it.
func (c *Client) OnError(handler ErrorHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = handler
}

// Connect dials the configured address and starts the read loop.
//
// Returns:
//   - ErrClientClosed, ErrAlreadyConnected, or the dial error
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.config.AutoReconnect {
		c.reconnectOnce.Do(func() {
			c.wg.Add(1)
			go c.reconnectHandler()
		})
	}
	c.mu.Unlock()

	return c.connect()
}

// Disconnect closes the current connection. Connect may be called again.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Disconnected || c.state == Closed {
		return nil
	}

	return c.disconnectLocked(nil)
}

// Close shuts the client down permanently and waits for its goroutines.
// It is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	c.closed = true
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	close(c.stopChan)
	c.wg.Wait()

	c.setState(Closed, nil)
	return nil
}

// Send encodes and writes one frame. Concurrent Sends never interleave bytes.
//
// Parameters:
//   - command: The command id
//   - payload: The frame payload
//
// Returns:
//   - ErrNotConnected, a *framecodec.FrameError for oversized payloads, or the write error
func (c *Client) Send(command uint16, payload []byte) error {
	frame, err := framecodec.Encode(command, payload)
	if err != nil {
		return err
	}

	c.mu.RLock()
	conn := c.conn
	state := c.state
	c.mu.RUnlock()

	if state != Connected || conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.config.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
			return err
		}
	}

	if _, err := conn.Write(frame); err != nil {
		c.mu.Lock()
		if c.conn == conn {
			_ = c.disconnectLocked(err)
		}
		c.mu.Unlock()

		c.emitError(err)
		c.triggerReconnect()
		return fmt.Errorf("send command %d: %w", command, err)
	}

	return nil
}

// SendString is Send with a string payload.
func (c *Client) SendString(command uint16, payload string) error {
	return c.Send(command, []byte(payload))
}

// GetState returns the current connection state.
func (c *Client) GetState() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected reports whether the client is in Connected state.
func (c *Client) IsConnected() bool {
	return c.GetState() == Connected
}

// connect claims the Connecting state, dials and installs the connection.
// Only one dial can be in flight, and a live connection is never replaced.
func (c *Client) connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.conn != nil || c.state == Connecting {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = Connecting
	c.mu.Unlock()
	c.emitConnectionState(Connecting, nil)

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	conn, err := dialer.Dial("tcp", c.config.Address)
	if err != nil {
		c.mu.Lock()
		if !c.closed {
			c.state = Disconnected
		}
		c.mu.Unlock()

		c.emitConnectionState(Disconnected, err)
		c.emitError(err)
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClientClosed
	}
	c.conn = conn
	c.state = Connected
	c.wg.Add(1)
	c.mu.Unlock()

	c.emitConnectionState(Connected, nil)
	go c.readLoop(conn)

	return nil
}

func (c *Client) disconnectLocked(cause error) error {
	if c.conn == nil {
		return nil
	}

	err := c.conn.Close()
	c.conn = nil
	c.state = Disconnected
	go c.emitConnectionState(Disconnected, cause)
	return err
}

func (c *Client) readLoop(conn net.Conn) {
	defer c.wg.Done()

	dec := framecodec.NewDecoder(bufio.NewReader(conn))
	for {
		if c.config.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		}

		frame, err := dec.Next()
		if err != nil {
			c.readFailed(conn, err)
			return
		}

		c.mu.RLock()
		handler := c.onFrame
		c.mu.RUnlock()

		if handler != nil {
			handler(FrameReceivedEvent{
				Command:   frame.Command,
				Payload:   frame.Payload,
				Timestamp: time.Now(),
			})
		}
	}
}

// readFailed tears down conn unless it was already replaced or closed.
func (c *Client) readFailed(conn net.Conn, err error) {
	c.mu.Lock()
	current := c.conn == conn
	closed := c.closed
	if current {
		var cause error
		if !errors.Is(err, io.EOF) {
			cause = err
		}
		_ = c.disconnectLocked(cause)
	}
	c.mu.Unlock()

	if !current || closed {
		return
	}

	if !errors.Is(err, io.EOF) {
		c.emitError(err)
	}
	c.triggerReconnect()
}

func (c *Client) reconnectHandler() {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopChan:
			return
		case <-c.reconnectChan:
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		if c.conn != nil || c.state == Connecting {
			// reconnected through Connect in the meantime
			c.mu.Unlock()
			continue
		}
		c.state = Reconnecting
		c.mu.Unlock()
		c.emitConnectionState(Reconnecting, nil)

		select {
		case <-c.stopChan:
			return
		case <-time.After(c.config.ReconnectInterval):
		}

		if c.isClosed() {
			return
		}

		if err := c.connect(); err != nil && !errors.Is(err, ErrAlreadyConnected) {
			c.triggerReconnect()
		}
	}
}

func (c *Client) triggerReconnect() {
	if !c.config.AutoReconnect || c.isClosed() {
		return
	}

	select {
	case c.reconnectChan <- struct{}{}:
	default:
	}
}

func (c *Client) setState(state ConnectionState, err error) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()

	c.emitConnectionState(state, err)
}

func (c *Client) emitConnectionState(state ConnectionState, err error) {
	c.mu.RLock()
	handler := c.onConnectionState
	c.mu.RUnlock()

	if handler != nil {
		go handler(ConnectionStateEvent{
			State:     state,
			Address:   c.config.Address,
			Timestamp: time.Now(),
			Error:     err,
		})
	}
}

func (c *Client) emitError(err error) {
	c.mu.RLock()
	handler := c.onError
	c.mu.RUnlock()

	if handler != nil {
		go handler(ErrorEvent{Error: err, Timestamp: time.Now()})
	}
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
