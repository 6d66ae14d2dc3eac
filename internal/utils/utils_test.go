package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TUNNEL_TEST_INT", "42")
	t.Setenv("TUNNEL_TEST_BAD_INT", "forty")
	t.Setenv("TUNNEL_TEST_BOOL", "true")
	t.Setenv("TUNNEL_TEST_DURATION", "90s")
	t.Setenv("TUNNEL_TEST_LIST", " a, ,b ")

	assert.Equal(t, 42, GetEnvInt("TUNNEL_TEST_INT", 1))
	assert.Equal(t, 1, GetEnvInt("TUNNEL_TEST_BAD_INT", 1))
	assert.Equal(t, int64(42), GetEnvInt64("TUNNEL_TEST_INT", 0))
	assert.True(t, GetEnvBool("TUNNEL_TEST_BOOL", false))
	assert.Equal(t, 90*time.Second, GetEnvDuration("TUNNEL_TEST_DURATION", time.Hour))
	assert.Equal(t, time.Hour, GetEnvDuration("TUNNEL_TEST_UNSET", time.Hour))
	assert.Equal(t, []string{"a", "b"}, GetEnvList("TUNNEL_TEST_LIST"))
	assert.Equal(t, "fallback", GetEnv("TUNNEL_TEST_UNSET", "fallback"))
}

func TestConstructWSURL(t *testing.T) {
	assert.Equal(t, "ws://localhost:8080/ws", ConstructWSURL("http://localhost:8080/", "/ws"))
	assert.Equal(t, "wss://tunnel.example/mux", ConstructWSURL("https://tunnel.example", "mux"))
	assert.Equal(t, "ws://host:1/ws", ConstructWSURL("host:1", "/ws"))
}

func TestNormalizeServerURL(t *testing.T) {
	u, skip := NormalizeServerURL("https://localhost:8443/")
	assert.Equal(t, "https://localhost:8443", u)
	assert.True(t, skip)

	u, skip = NormalizeServerURL("http://tunnel.example")
	assert.Equal(t, "http://tunnel.example", u)
	assert.False(t, skip)
}

func TestHostPort(t *testing.T) {
	assert.Equal(t, "localhost:8080", HostPort("http://localhost:8080/rpc"))
	assert.Equal(t, "tunnel.example:443", HostPort("https://tunnel.example"))
	assert.Equal(t, "tunnel.example:80", HostPort("http://tunnel.example/"))
}

func TestParseListenAddr(t *testing.T) {
	tests := []struct {
		in   string
		want string
		err  bool
	}{
		{"1080", "127.0.0.1:1080", false},
		{":1081", "127.0.0.1:1081", false},
		{"0.0.0.0:1080", "0.0.0.0:1080", false},
		{"70000", "", true},
		{"nope", "", true},
	}
	for _, tt := range tests {
		got, err := ParseListenAddr(tt.in)
		if tt.err {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestFormatHelpers(t *testing.T) {
	assert.Equal(t, "1 hour", FormatDuration(time.Hour))
	assert.Equal(t, "2 hours 5 minutes", FormatDuration(125*time.Minute))
	assert.Equal(t, "30 seconds", FormatDuration(30*time.Second))
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.5 KiB", FormatBytes(1536))
	assert.Contains(t, FormatLog(true, "socks5", "example.test:80", ""), "example.test:80")
}
