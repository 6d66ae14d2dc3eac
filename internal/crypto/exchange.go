package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"net"

	"golang.org/x/crypto/curve25519"
)

const exchangeLabel = "tunnelrpc mux v1"

// GenerateKeyPair generates a X25519 key pair.
func GenerateKeyPair() (privateKey, publicKey [32]byte, err error) {
	if _, err := io.ReadFull(rand.Reader, privateKey[:]); err != nil {
		return [32]byte{}, [32]byte{}, err
	}
	curve25519.ScalarBaseMult(&publicKey, &privateKey)
	return privateKey, publicKey, nil
}

// KeyExchange swaps X25519 public keys over conn and returns a 32-byte
// session key. The client speaks first.
func KeyExchange(conn net.Conn, isServer bool) ([]byte, error) {
	priv, pub, err := GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}

	var remotePub [32]byte
	if isServer {
		if _, err := io.ReadFull(conn, remotePub[:]); err != nil {
			return nil, fmt.Errorf("failed to read client public key: %w", err)
		}
		if _, err := conn.Write(pub[:]); err != nil {
			return nil, fmt.Errorf("failed to send server public key: %w", err)
		}
	} else {
		if _, err := conn.Write(pub[:]); err != nil {
			return nil, fmt.Errorf("failed to send client public key: %w", err)
		}
		if _, err := io.ReadFull(conn, remotePub[:]); err != nil {
			return nil, fmt.Errorf("failed to read server public key: %w", err)
		}
	}

	shared, err := curve25519.X25519(priv[:], remotePub[:])
	if err != nil {
		return nil, fmt.Errorf("failed to derive shared secret: %w", err)
	}

	// Both sides hash the public keys in client, server order.
	h := sha256.New()
	h.Write([]byte(exchangeLabel))
	h.Write(shared)
	if isServer {
		h.Write(remotePub[:])
		h.Write(pub[:])
	} else {
		h.Write(pub[:])
		h.Write(remotePub[:])
	}
	return h.Sum(nil), nil
}

// Seal runs KeyExchange and wraps conn.
func Seal(conn net.Conn, isServer bool) (*SealedConn, error) {
	key, err := KeyExchange(conn, isServer)
	if err != nil {
		return nil, err
	}
	return NewSealedConn(conn, key)
}
