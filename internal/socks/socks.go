// Package socks recognises the SOCKS handshake a local application sends
// and answers it, leaving the tunnel to carry the rest of the stream.
package socks

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	"tunnelrpc/internal/constants"
)

type Dialect int

const (
	DialectV4 Dialect = iota
	DialectV4A
	DialectV5
)

func (d Dialect) String() string {
	switch d {
	case DialectV4:
		return "socks4"
	case DialectV4A:
		return "socks4a"
	case DialectV5:
		return "socks5"
	}
	return "socks(" + strconv.Itoa(int(d)) + ")"
}

const (
	CommandConnect byte = 0x01
	CommandBind    byte = 0x02
	CommandUDP     byte = 0x03
)

var (
	ErrShortHandshake     = errors.New(constants.MsgInvalidSocks)
	ErrNoDialect          = errors.New(constants.MsgNoSocksHandler)
	ErrUnsupportedCommand = errors.New("unsupported SOCKS command")
	ErrNoAcceptableMethod = errors.New("no acceptable SOCKS5 authentication method")
	ErrAddressType        = errors.New("unsupported SOCKS5 address type")
)

// Handshake is the outcome of a successful negotiation.
type Handshake struct {
	Dialect Dialect
	Command byte
	Address string
	Port    int
	// Reply is written back to the local application once the dialect matched.
	Reply []byte

	// Early holds payload that arrived together with the SOCKS5 request. The
	// caller forwards it before relaying the rest of the stream.
	Early []byte

	// rest holds bytes of the first chunk that follow the SOCKS5 greeting.
	rest []byte
}

// Target returns host:port suitable for logging and dialing.
func (h *Handshake) Target() string {
	return net.JoinHostPort(h.Address, strconv.Itoa(h.Port))
}

// matcher inspects the first chunk. It returns (nil, nil) when the buffer is
// not in its dialect.
type matcher struct {
	dialect Dialect
	match   func(buf []byte) (*Handshake, error)
}

// matchers are tried in order; the first match wins.
var matchers = []matcher{
	{DialectV4, matchV4},
	{DialectV4A, matchV4A},
	{DialectV5, matchV5},
}

// Parse identifies the dialect of the first chunk sent by a local
// application. For SOCKS5 only the greeting is examined; Negotiate runs the
// request phase.
func Parse(buf []byte) (*Handshake, error) {
	if len(buf) < 3 {
		return nil, ErrShortHandshake
	}

	var unsupported error
	for _, m := range matchers {
		hs, err := m.match(buf)
		if err != nil {
			if errors.Is(err, ErrUnsupportedCommand) {
				unsupported = err
				continue
			}
			return nil, err
		}
		if hs != nil {
			hs.Dialect = m.dialect
			return hs, nil
		}
	}
	if unsupported != nil {
		return nil, unsupported
	}
	return nil, ErrNoDialect
}

// Negotiate reads the handshake from rw, writes the dialect's reply and
// returns the requested target. Nothing is written back when no dialect
// matches, and a SOCKS4 client asking for anything but CONNECT only gets the
// rejection reply. In both cases the caller is expected to close the connection.
func Negotiate(rw io.ReadWriter) (*Handshake, error) {
	buf := make([]byte, constants.BufferSize)
	n, err := rw.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}

	hs, err := Parse(buf[:n])
	if err != nil {
		if errors.Is(err, ErrUnsupportedCommand) && buf[0] == socks4Version {
			_, _ = rw.Write(failureReplyV4())
		}
		return nil, err
	}

	if hs.Dialect == DialectV5 {
		if err := negotiateV5(rw, hs); err != nil {
			return nil, err
		}
	}

	if _, err := rw.Write(hs.Reply); err != nil {
		return nil, fmt.Errorf("write %s reply: %w", hs.Dialect, err)
	}
	return hs, nil
}
