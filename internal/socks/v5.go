package socks

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

const (
	socks5Version         byte = 0x05
	socks5NoAuth          byte = 0x00
	socks5NoAcceptable    byte = 0xff
	socks5AddrIPv4        byte = 0x01
	socks5AddrDomain      byte = 0x03
	socks5AddrIPv6        byte = 0x04
	socks5Succeeded       byte = 0x00
	socks5CmdUnsupported  byte = 0x07
	socks5AddrUnsupported byte = 0x08
)

// matchV5 accepts a greeting [5][nmethods][methods...]. The method list must
// be complete in the first chunk.
func matchV5(buf []byte) (*Handshake, error) {
	if buf[0] != socks5Version {
		return nil, nil
	}
	end := 2 + int(buf[1])
	if len(buf) < end {
		return nil, nil
	}
	hs := &Handshake{}
	if bytes.IndexByte(buf[2:end], socks5NoAuth) >= 0 {
		hs.Reply = []byte{socks5Version, socks5NoAuth}
	} else {
		hs.Reply = []byte{socks5Version, socks5NoAcceptable}
	}
	hs.rest = buf[end:]
	return hs, nil
}

// negotiateV5 answers the method selection, reads the request and leaves the
// final reply in hs.Reply.
func negotiateV5(rw io.ReadWriter, hs *Handshake) error {
	if _, err := rw.Write(hs.Reply); err != nil {
		return fmt.Errorf("write socks5 method selection: %w", err)
	}
	if hs.Reply[1] == socks5NoAcceptable {
		return ErrNoAcceptableMethod
	}

	var r io.Reader = rw
	var pre *bytes.Reader
	if len(hs.rest) > 0 {
		pre = bytes.NewReader(hs.rest)
		r = io.MultiReader(pre, rw)
		hs.rest = nil
	}

	head := make([]byte, 4)
	if _, err := io.ReadFull(r, head); err != nil {
		return fmt.Errorf("read socks5 request: %w", err)
	}
	if head[0] != socks5Version {
		return fmt.Errorf("%w: socks5 request version %d", ErrNoDialect, head[0])
	}
	hs.Command = head[1]

	switch head[3] {
	case socks5AddrIPv4:
		ip := make([]byte, net.IPv4len)
		if _, err := io.ReadFull(r, ip); err != nil {
			return fmt.Errorf("read socks5 ipv4: %w", err)
		}
		hs.Address = net.IP(ip).String()
	case socks5AddrIPv6:
		ip := make([]byte, net.IPv6len)
		if _, err := io.ReadFull(r, ip); err != nil {
			return fmt.Errorf("read socks5 ipv6: %w", err)
		}
		hs.Address = net.IP(ip).String()
	case socks5AddrDomain:
		l := make([]byte, 1)
		if _, err := io.ReadFull(r, l); err != nil {
			return fmt.Errorf("read socks5 domain length: %w", err)
		}
		name := make([]byte, int(l[0]))
		if _, err := io.ReadFull(r, name); err != nil {
			return fmt.Errorf("read socks5 domain: %w", err)
		}
		hs.Address = string(name)
	default:
		_, _ = rw.Write(replyV5(socks5AddrUnsupported))
		return fmt.Errorf("%w: %d", ErrAddressType, head[3])
	}

	port := make([]byte, 2)
	if _, err := io.ReadFull(r, port); err != nil {
		return fmt.Errorf("read socks5 port: %w", err)
	}
	hs.Port = int(binary.BigEndian.Uint16(port))

	if hs.Command != CommandConnect {
		_, _ = rw.Write(replyV5(socks5CmdUnsupported))
		return fmt.Errorf("%w: socks5 command %d", ErrUnsupportedCommand, hs.Command)
	}

	if pre != nil && pre.Len() > 0 {
		hs.Early = make([]byte, pre.Len())
		_, _ = pre.Read(hs.Early)
	}
	hs.Reply = replyV5(socks5Succeeded)
	return nil
}

// replyV5 builds [5][code][0][ipv4][0.0.0.0][0][0]; the bound address is not
// meaningful for a tunneled connection.
func replyV5(code byte) []byte {
	return []byte{socks5Version, code, 0x00, socks5AddrIPv4, 0, 0, 0, 0, 0, 0}
}
