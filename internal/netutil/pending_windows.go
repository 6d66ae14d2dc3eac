package netutil

import (
	"net"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

// fionread is the winsock FIONREAD request code.
const fionread = 0x4004667f

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

	var n, returned uint32
	var ioctlErr error
	if err := raw.Control(func(fd uintptr) {
		ioctlErr = windows.WSAIoctl(windows.Handle(fd), fionread, nil, 0,
			(*byte)(unsafe.Pointer(&n)), uint32(unsafe.Sizeof(n)), &returned, nil, 0)
	}); err != nil {
		return 0, err
	}
	return int(n), ioctlErr
}
