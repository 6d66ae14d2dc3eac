//go:build linux || darwin

package netutil

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// Pending returns the number of bytes readable on c without blocking.
func Pending(c net.Conn) (int, error) {
	sc, ok := c.(syscall.Conn)
	if !ok {
		return 0, errNoRawConn
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return 0, err
	}

	var n int
	var ioctlErr error
	if err := raw.Control(func(fd uintptr) {
		n, ioctlErr = unix.IoctlGetInt(int(fd), ioctlReadable)
	}); err != nil {
		return 0, err
	}
	return n, ioctlErr
}
