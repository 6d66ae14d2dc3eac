package utils

import (
	"fmt"
	"net"
	"strconv"

	"tunnelrpc/internal/constants"
)

// ParseListenAddr accepts "1080", ":1080" or "host:1080". A bare port or an
// empty host binds to the loopback interface.
func ParseListenAddr(arg string) (string, error) {
	var host string
	var port int

	if p, err := strconv.Atoi(arg); err == nil {
		host = constants.DefaultSocksHost
		port = p
	} else {
		h, portStr, err := net.SplitHostPort(arg)
		if err != nil {
			return "", fmt.Errorf("invalid listen address: %s", arg)
		}
		host = h
		if host == "" {
			host = constants.DefaultSocksHost
		}
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", fmt.Errorf("invalid port number: %s", portStr)
		}
		port = p
	}

	if port < constants.MinPort || port > constants.MaxPort {
		return "", fmt.Errorf("port number out of range: %d", port)
	}

	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}
