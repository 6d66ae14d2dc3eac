package tunnel

import (
	pool "github.com/libp2p/go-buffer-pool"

	"tunnelrpc/internal/constants"
)

// GetBuffer returns a read buffer of BufferSize bytes.
func GetBuffer() []byte {
	return pool.Get(constants.BufferSize)
}

func PutBuffer(buf []byte) {
	if cap(buf) >= constants.BufferSize {
		pool.Put(buf[:constants.BufferSize])
	}
}
