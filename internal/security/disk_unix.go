//go:build !windows

package security

import (
	"golang.org/x/sys/unix"

	"tunnelrpc/internal/constants"
)

func (al *AuditLogger) hasEnoughDiskSpace() bool {
	var stat unix.Statfs_t
	if err := unix.Statfs(al.logDir, &stat); err != nil {
		return true
	}

	available := uint64(stat.Bavail) * uint64(stat.Bsize)
	return available > constants.MinDiskSpaceRequired
}
