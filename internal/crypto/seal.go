package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// maxSealedFrame bounds one ciphertext frame.
const maxSealedFrame = 1 << 20

var ErrFrameTooLarge = errors.New("sealed frame too large")

// SealedConn wraps a net.Conn with ChaCha20-Poly1305 framing:
// [len uint32][nonce][ciphertext].
type SealedConn struct {
	net.Conn
	aead    cipher.AEAD
	wmu     sync.Mutex
	rmu     sync.Mutex
	readBuf []byte
}

func NewSealedConn(conn net.Conn, key []byte) (*SealedConn, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &SealedConn{
		Conn: conn,
		aead: aead,
	}, nil
}

func (s *SealedConn) Write(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxSealedFrame-s.aead.Overhead() {
			chunk = chunk[:maxSealedFrame-s.aead.Overhead()]
		}

		ns := s.aead.NonceSize()
		frame := make([]byte, 4+ns, 4+ns+len(chunk)+s.aead.Overhead())
		if _, err := io.ReadFull(rand.Reader, frame[4:4+ns]); err != nil {
			return written, err
		}
		frame = s.aead.Seal(frame, frame[4:4+ns], chunk, nil)
		binary.BigEndian.PutUint32(frame[:4], uint32(len(frame)-4-ns))

		if _, err := s.Conn.Write(frame); err != nil {
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

func (s *SealedConn) Read(p []byte) (int, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()

	if len(s.readBuf) > 0 {
		n := copy(p, s.readBuf)
		s.readBuf = s.readBuf[n:]
		return n, nil
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(s.Conn, lenBuf[:]); err != nil {
		return 0, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > maxSealedFrame {
		return 0, ErrFrameTooLarge
	}

	buf := make([]byte, s.aead.NonceSize()+int(length))
	if _, err := io.ReadFull(s.Conn, buf); err != nil {
		return 0, err
	}
	nonce, sealed := buf[:s.aead.NonceSize()], buf[s.aead.NonceSize():]

	plain, err := s.aead.Open(sealed[:0], nonce, sealed, nil)
	if err != nil {
		return 0, fmt.Errorf("decryption failed: %w", err)
	}

	n := copy(p, plain)
	if n < len(plain) {
		s.readBuf = plain[n:]
	}
	return n, nil
}
