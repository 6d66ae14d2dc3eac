package security

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBruteForceProtector(t *testing.T) {
	bf := NewBruteForceProtector(3, time.Hour)
	defer bf.Close()

	assert.True(t, bf.Check("1.2.3.4"))
	assert.Equal(t, 1, bf.RecordFailure("1.2.3.4"))
	assert.Equal(t, 2, bf.RecordFailure("1.2.3.4"))
	assert.True(t, bf.Check("1.2.3.4"))
	assert.Equal(t, 3, bf.RecordFailure("1.2.3.4"))
	assert.False(t, bf.Check("1.2.3.4"))
	assert.True(t, bf.Check("5.6.7.8"))

	bf.RecordSuccess("1.2.3.4")
	assert.True(t, bf.Check("1.2.3.4"))
}

func TestBruteForceBlockExpires(t *testing.T) {
	bf := NewBruteForceProtector(1, 20*time.Millisecond)
	defer bf.Close()

	bf.RecordFailure("ip")
	assert.False(t, bf.Check("ip"))
	time.Sleep(30 * time.Millisecond)
	assert.True(t, bf.Check("ip"))
}

func TestConnectionLimiter(t *testing.T) {
	cl := NewConnectionLimiter(2)
	assert.True(t, cl.TryConnect("a"))
	assert.True(t, cl.TryConnect("a"))
	assert.False(t, cl.TryConnect("a"))
	assert.True(t, cl.TryConnect("b"))
	cl.Disconnect("a")
	assert.Equal(t, 1, cl.Active("a"))
	assert.True(t, cl.TryConnect("a"))

	unlimited := NewConnectionLimiter(0)
	for i := 0; i < 10; i++ {
		assert.True(t, unlimited.TryConnect("a"))
	}
}

func TestGetClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/rpc/version", nil)
	r.RemoteAddr = "127.0.0.1:5555"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", GetClientIP(r))

	r.RemoteAddr = "198.51.100.7:5555"
	assert.Equal(t, "198.51.100.7", GetClientIP(r))
}

func TestValidators(t *testing.T) {
	assert.True(t, ValidateHost("example.test"))
	assert.True(t, ValidateHost("10.0.0.1"))
	assert.True(t, ValidateHost("2001:db8::1"))
	assert.False(t, ValidateHost(""))
	assert.False(t, ValidateHost("bad host"))
	assert.False(t, ValidateHost("-leading.example"))

	assert.True(t, ValidatePort(80))
	assert.False(t, ValidatePort(0))
	assert.False(t, ValidatePort(70000))

	assert.True(t, ValidateUUID("3f2504e0-4f89-11d3-9a0c-0305e82c3301"))
	assert.False(t, ValidateUUID("not-a-uuid"))

	assert.Equal(t, "alice", SanitizeInput("al\x00i\x07ce"))
}

func TestAuditLoggerWritesJSON(t *testing.T) {
	dir := t.TempDir()
	al, err := NewAuditLogger(dir)
	require.NoError(t, err)

	al.LogAuthFailure("1.2.3.4", "alice", "bad password")
	al.LogSessionOpen("1.2.3.4", "alice", 42, "example.test:80")
	require.NoError(t, al.Close())
	al.LogAuthSuccess("1.2.3.4", "alice")

	matches, err := filepath.Glob(filepath.Join(dir, "audit-*.log"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	f, err := os.Open(matches[0])
	require.NoError(t, err)
	defer f.Close()

	var events []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		events = append(events, m)
	}
	require.Len(t, events, 2)
	assert.Equal(t, "auth_failure", events[0]["event_type"])
	assert.Equal(t, "warning", events[0]["level"])
	assert.Equal(t, float64(42), events[1]["cid"])
}

func TestNilAuditLoggerIsNoop(t *testing.T) {
	var al *AuditLogger
	al.LogAuthSuccess("ip", "user")
	assert.NoError(t, al.Close())
}

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}
