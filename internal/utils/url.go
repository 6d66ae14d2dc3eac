package utils

import (
	"net"
	"strings"
)

// NormalizeServerURL trims trailing slash, adds a scheme when missing and
// reports whether TLS verification should be skipped.
func NormalizeServerURL(serverURL string) (string, bool) {
	serverURL = strings.TrimSuffix(strings.TrimSpace(serverURL), "/")
	if !strings.Contains(serverURL, "://") {
		scheme := "http://"
		if host, port, err := net.SplitHostPort(serverURL); err == nil && DetectTLS(host, port) {
			scheme = "https://"
		}
		serverURL = scheme + serverURL
	}
	useHTTPS := strings.HasPrefix(serverURL, "https://")
	skipTLSVerify := useHTTPS && (strings.Contains(serverURL, "localhost") ||
		strings.Contains(serverURL, "127.0.0.1"))
	return serverURL, skipTLSVerify
}

// ConstructWSURL turns an http(s) base URL into the ws(s) URL of path.
func ConstructWSURL(baseURL, path string) string {
	wsURL := strings.TrimSuffix(baseURL, "/")
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	case strings.HasPrefix(wsURL, "ws://"), strings.HasPrefix(wsURL, "wss://"):
	default:
		wsURL = "ws://" + wsURL
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return wsURL + path
}

// HostPort returns the host:port of a server URL, filling in the scheme's
// default port.
func HostPort(serverURL string) string {
	rest := serverURL
	scheme := "http"
	if i := strings.Index(rest, "://"); i >= 0 {
		scheme = rest[:i]
		rest = rest[i+3:]
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	if _, _, err := net.SplitHostPort(rest); err == nil {
		return rest
	}
	if scheme == "https" || scheme == "wss" {
		return net.JoinHostPort(strings.Trim(rest, "[]"), "443")
	}
	return net.JoinHostPort(strings.Trim(rest, "[]"), "80")
}
