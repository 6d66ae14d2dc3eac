package security

import (
	"net"
	"net/http"
	"regexp"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

var hostLabels = regexp.MustCompile(`^([a-zA-Z0-9_]([a-zA-Z0-9_-]{0,61}[a-zA-Z0-9_])?)(\.[a-zA-Z0-9_]([a-zA-Z0-9_-]{0,61}[a-zA-Z0-9_])?)*\.?$`)

// ValidateUUID accepts only the canonical 36 character form.
func ValidateUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

func ValidatePort(port int) bool {
	return port > 0 && port <= 65535
}

// ValidateHost accepts an IP literal or a DNS name.
func ValidateHost(host string) bool {
	if host == "" || len(host) > 253 {
		return false
	}
	if net.ParseIP(strings.Trim(host, "[]")) != nil {
		return true
	}
	return hostLabels.MatchString(host)
}

// SanitizeInput drops control characters so a user name is safe to log.
func SanitizeInput(input string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, input)
}

// MaxBodySize caps every request body at limit bytes.
func MaxBodySize(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}
