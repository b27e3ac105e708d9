// Package config loads the framedtcpd settings from the environment.
package config

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cyberinferno/go-framedtcp/logger"
	"github.com/cyberinferno/go-framedtcp/tcpserver"
	"github.com/joeshaw/envdecode"
)

const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Config holds every setting of the daemon. Each field is read from the
// environment variable named in its tag; list values are separated by ";".
type Config struct {
	// ServiceName tags every log entry. ENV: FRAMEDTCP_NAME
	ServiceName string `env:"FRAMEDTCP_NAME,default=framedtcpd"`
	// ListenAddrs are the "host:port" addresses to bind. ENV: FRAMEDTCP_LISTEN
	ListenAddrs []string `env:"FRAMEDTCP_LISTEN,default=:7000"`
	// LogLevel is one of debug, info, warn, error. ENV: FRAMEDTCP_LOG_LEVEL
	LogLevel string `env:"FRAMEDTCP_LOG_LEVEL,default=info"`

	ReadTimeout      time.Duration `env:"FRAMEDTCP_READ_TIMEOUT"`
	WriteTimeout     time.Duration `env:"FRAMEDTCP_WRITE_TIMEOUT"`
	MaxOutboundQueue int           `env:"FRAMEDTCP_MAX_OUTBOUND_QUEUE"`
	ReusePort        bool          `env:"FRAMEDTCP_REUSE_PORT"`

	// CacheBackend selects the profile cache: memory or redis. ENV: FRAMEDTCP_CACHE
	CacheBackend string        `env:"FRAMEDTCP_CACHE,default=memory"`
	CacheTTL     time.Duration `env:"FRAMEDTCP_CACHE_TTL,default=5m"`
	RedisAddr    string        `env:"REDIS_ADDR,default=localhost:6379"`
}

// Load reads Config from the environment and validates it.
//
// Returns:
//   - The decoded Config
//   - An error if a variable cannot be parsed or the result is invalid
func Load() (Config, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("config: decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks that the settings can be used to start the daemon.
func (c Config) Validate() error {
	var errs []error

	if c.ServiceName == "" {
		errs = append(errs, errors.New("service name is empty"))
	}

	if len(c.ListenAddrs) == 0 {
		errs = append(errs, errors.New("no listen address"))
	}
	for _, addr := range c.ListenAddrs {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Errorf("listen address %q: %w", addr, err))
		}
	}

	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	if c.ReadTimeout < 0 || c.WriteTimeout < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if c.MaxOutboundQueue < 0 {
		errs = append(errs, errors.New("max outbound queue must not be negative"))
	}

	switch c.CacheBackend {
	case CacheMemory:
	case CacheRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("redis cache selected without an address"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache backend %q", c.CacheBackend))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	return nil
}

// ServerConfig derives the session engine settings.
func (c Config) ServerConfig() tcpserver.Config {
	cfg := tcpserver.DefaultConfig()
	cfg.ReadTimeout = c.ReadTimeout
	cfg.WriteTimeout = c.WriteTimeout
	cfg.MaxOutboundQueue = c.MaxOutboundQueue
	cfg.ReusePort = c.ReusePort
	return cfg
}
