//go:build linux || darwin || freebsd

package tcpserver

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

func listenConfig(cfg Config) net.ListenConfig {
	lc := net.ListenConfig{KeepAlive: cfg.KeepAlive}
	if !cfg.ReusePort {
		return lc
	}

	lc.Control = func(network, address string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
		})
		if err != nil {
			return err
		}

		return sockErr
	}

	return lc
}
