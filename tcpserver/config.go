package tcpserver

import "time"

// Config holds the per-service tuning knobs. The zero value is usable: no
// timeouts, unbounded outbound queues, default buffer sizes.
type Config struct {
	// ReadTimeout bounds the wait for each complete inbound frame; 0 means no timeout.
	ReadTimeout time.Duration
	// WriteTimeout bounds each socket write; 0 means no timeout.
	WriteTimeout time.Duration
	// MaxOutboundQueue caps the number of queued outbound frames per session;
	// 0 means unbounded. Send fails with ErrOutboundQueueFull at the cap.
	MaxOutboundQueue int
	// ReadBufferSize is the size of the buffered reader wrapping each connection.
	ReadBufferSize int
	// WriteBufferSize is the size of the buffered writer wrapping each connection.
	WriteBufferSize int
	// KeepAlive is the TCP keep-alive period for accepted connections; 0 uses
	// the system default and a negative value disables keep-alives.
	KeepAlive time.Duration
	// ReusePort sets SO_REUSEPORT on listening sockets where supported.
	ReusePort bool
}

// DefaultConfig returns a Config matching the base design: no timeouts and
// unbounded outbound queues.
//
// Returns:
//   - A Config with 4096-byte read and write buffers and everything else zero
func DefaultConfig() Config {
	return Config{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
}

func (c Config) withDefaults() Config {
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = 4096
	}
	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = 4096
	}

	return c
}
