//go:build !(linux || darwin || freebsd)

package tcpserver

import (
	"errors"
	"net"
	"syscall"
)

var errReusePortUnsupported = errors.New("SO_REUSEPORT is not supported on this platform")

func listenConfig(cfg Config) net.ListenConfig {
	lc := net.ListenConfig{KeepAlive: cfg.KeepAlive}
	if cfg.ReusePort {
		lc.Control = func(string, string, syscall.RawConn) error {
			return errReusePortUnsupported
		}
	}

	return lc
}
