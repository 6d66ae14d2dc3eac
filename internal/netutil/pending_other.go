//go:build !linux && !darwin && !windows

package netutil

import (
	"errors"
	"net"
)

// Pending is not implemented on this platform.
func Pending(net.Conn) (int, error) {
	return 0, errors.ErrUnsupported
}
