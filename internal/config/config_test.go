package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tunnelrpc/internal/constants"
	"tunnelrpc/internal/session"
)

func TestParseUsers(t *testing.T) {
	accounts, err := ParseUsers([]byte(`
users:
  alice:
    enabled: true
    password: secret
  bob: {enabled: false, password: other}
`))
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, session.Account{Enabled: true, Password: "secret"}, accounts["alice"])
	assert.False(t, accounts["bob"].Enabled)

	require.NoError(t, accounts.Verify("alice", "secret"))
	assert.ErrorIs(t, accounts.Verify("bob", "other"), session.ErrAccessDenied)
}

func TestParseUsersRejects(t *testing.T) {
	_, err := ParseUsers([]byte("users: {}"))
	assert.Error(t, err)

	_, err = ParseUsers([]byte("users: [alice"))
	assert.Error(t, err)
}

func TestWriteUsersRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.yaml")
	in := session.Accounts{"carol": {Enabled: true, Password: "$2a$10$abcdefghijklmnopqrstuv"}}
	require.NoError(t, WriteUsers(path, in))

	out, err := LoadUsers(path)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestLoadUsersMissingFile(t *testing.T) {
	_, err := LoadUsers(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "failed to read users file")
}

func TestLoadServerDefaults(t *testing.T) {
	cfg := LoadServer()
	assert.Equal(t, constants.DefaultListenAddr, cfg.ListenAddr)
	assert.Equal(t, constants.SessionIdleTimeout, cfg.IdleTimeout)
	assert.Equal(t, constants.PollInterval, cfg.PollInterval)
	assert.NoError(t, cfg.Validate())
}

func TestLoadServerFromEnv(t *testing.T) {
	t.Setenv(EnvIdleTimeout, "90s")
	t.Setenv(EnvMaxSessions, "4")
	t.Setenv(EnvProxyProtocol, "true")
	t.Setenv(EnvRedisHost, "redis.internal")
	t.Setenv(EnvRedisDB, "2")

	cfg := LoadServer()
	assert.Equal(t, 90*time.Second, cfg.IdleTimeout)
	assert.Equal(t, 4, cfg.MaxSessionsPerUser)
	assert.True(t, cfg.ProxyProtocol)
	assert.Equal(t, "redis.internal", cfg.Redis.Host)
	assert.Equal(t, 2, cfg.Redis.DB)

	cfg.PollInterval = 0
	assert.Error(t, cfg.Validate())
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("TUNNEL_USERNAME=dotenv-user\nTUNNEL_TRANSPORT=ws\n"), 0600))
	t.Setenv(EnvTransport, "mux")
	// Registered so the value LoadEnv sets is cleared afterwards.
	t.Setenv(EnvUsername, "")
	os.Unsetenv(EnvUsername)

	require.NoError(t, LoadEnv(path))
	cfg := LoadClient()
	assert.Equal(t, "dotenv-user", cfg.Username)
	assert.Equal(t, "mux", cfg.Transport)

	assert.NoError(t, LoadEnv(filepath.Join(t.TempDir(), "missing.env")))
}

func TestSaveClientRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.env")
	in := Client{
		ServerURL:   "https://tunnel.example",
		Transport:   "mux",
		MuxAddr:     "tunnel.example:9090",
		Seal:        true,
		Username:    "alice",
		Password:    "s3cret with spaces",
		ListenAddr:  "127.0.0.1:1081",
		CallTimeout: 15 * time.Second,
	}
	require.NoError(t, SaveClient(path, in))

	for _, key := range []string{EnvServerURL, EnvTransport, EnvMuxAddr, EnvSealMux, EnvUsername, EnvPassword, EnvSocksListenAddr, EnvCallTimeout} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	require.NoError(t, LoadEnv(path))

	out := LoadClient()
	out.LogLevel, out.LogJSON = "", false
	assert.Equal(t, in, out)
}
