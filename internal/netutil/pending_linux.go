package netutil

import "golang.org/x/sys/unix"

// ioctlReadable is the socket form of FIONREAD.
const ioctlReadable = unix.SIOCINQ
