package socks

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"

	"tunnelrpc/internal/constants"
	"tunnelrpc/internal/logger"
)

const (
	socks4Version      byte = 0x04
	socks4ReplyVersion byte = 0x00
	socks4OK           byte = 90
	socks4KO           byte = 91
	socks4HeaderLen         = 8
)

// isSocks4ASentinel reports whether the destination IP is 0.0.0.x, the
// signal that a domain name follows the user id.
func isSocks4ASentinel(buf []byte) bool {
	return buf[4] == 0 && buf[5] == 0 && buf[6] == 0
}

func matchV4(buf []byte) (*Handshake, error) {
	if buf[0] != socks4Version || len(buf) < socks4HeaderLen || isSocks4ASentinel(buf) {
		return nil, nil
	}
	if buf[1] != CommandConnect {
		return nil, unsupportedV4(buf[1])
	}

	hs := &Handshake{
		Command: buf[1],
		Port:    int(binary.BigEndian.Uint16(buf[2:4])),
		Address: net.IP(bytes.Clone(buf[4:8])).String(),
	}
	hs.Reply = []byte{socks4ReplyVersion, socks4OK, buf[2], buf[3], buf[4], buf[5], buf[6], buf[7]}
	return hs, nil
}

func matchV4A(buf []byte) (*Handshake, error) {
	if buf[0] != socks4Version || len(buf) < socks4HeaderLen || !isSocks4ASentinel(buf) {
		return nil, nil
	}
	if buf[1] != CommandConnect {
		return nil, unsupportedV4(buf[1])
	}

	hs := &Handshake{
		Command: buf[1],
		Port:    int(binary.BigEndian.Uint16(buf[2:4])),
		Address: socks4ADomain(buf),
	}
	hs.Reply = []byte{socks4ReplyVersion, socks4OK, buf[2], buf[3], 0, 0, 0, buf[7]}
	logger.Log.Debug("socks4a request handled")
	return hs, nil
}

// socks4ADomain returns the NUL-terminated name that follows the user id.
// An unterminated name yields "".
func socks4ADomain(buf []byte) string {
	userEnd := bytes.IndexByte(buf[socks4HeaderLen:], 0)
	if userEnd < 0 {
		return ""
	}
	name := buf[socks4HeaderLen+userEnd+1:]
	if len(name) == 0 || name[len(name)-1] != 0 {
		return ""
	}
	return string(name[:len(name)-1])
}

func unsupportedV4(cmd byte) error {
	if cmd == CommandBind {
		logger.Log.Warn(constants.MsgSocksBindUnsupported)
	}
	return fmt.Errorf("%w: socks4 command %d", ErrUnsupportedCommand, cmd)
}

// failureReplyV4 is the reply for a rejected SOCKS4/4a request.
func failureReplyV4() []byte {
	return []byte{socks4ReplyVersion, socks4KO, 0, 0, 0, 0, 0, 0}
}
