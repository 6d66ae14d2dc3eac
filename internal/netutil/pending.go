// Package netutil holds socket probes that the standard net package does not
// expose.
package netutil

import (
	"errors"
	"net"
)

var errNoRawConn = errors.New("connection does not expose a file descriptor")

// DataAvailable reports whether bytes are queued on c's receive buffer. It is
// false when the platform cannot tell.
func DataAvailable(c net.Conn) bool {
	n, err := Pending(c)
	return err == nil && n > 0
}
