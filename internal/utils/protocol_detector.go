package utils

import (
	"crypto/tls"
	"net"
	"time"
)

// DetectTLS reports whether host:port completes a TLS handshake.
func DetectTLS(host, port string) bool {
	dialer := &net.Dialer{
		Timeout: 2 * time.Second,
	}

	conn, err := tls.DialWithDialer(dialer, "tcp", net.JoinHostPort(host, port), &tls.Config{
		InsecureSkipVerify: true,
	})

	if err == nil {
		conn.Close()
		return true
	}

	return false
}
