package client

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/nettest"

	"tunnelrpc/internal/config"
	"tunnelrpc/internal/constants"
	"tunnelrpc/internal/rpc"
	"tunnelrpc/internal/session"
	"tunnelrpc/internal/tunnel"
)

func TestRunConfigWizard(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), "client.env")
	in := strings.NewReader(strings.Join([]string{
		"http://tunnel.example:8080",
		"carrier-pigeon",
		"ws",
		"alice",
		"secret",
		"1081",
		"y",
	}, "\n") + "\n")
	var out bytes.Buffer

	cfg, err := RunConfigWizard(in, NewPrinter(&out), config.Client{Transport: "http", ListenAddr: constants.DefaultSocksAddr}, envPath)
	require.NoError(t, err)
	assert.Equal(t, "http://tunnel.example:8080", cfg.ServerURL)
	assert.Equal(t, rpc.TransportWS, cfg.Transport)
	assert.Equal(t, "alice", cfg.Username)
	assert.Equal(t, "127.0.0.1:1081", cfg.ListenAddr)
	assert.Contains(t, out.String(), "unknown transport")

	data, err := os.ReadFile(envPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), config.EnvUsername+`="alice"`)
}

func TestRunConfigWizardKeepsDefaultsOnEOF(t *testing.T) {
	base := config.Client{ServerURL: constants.DefaultServerURL, Transport: "http", Username: "bob", ListenAddr: constants.DefaultSocksAddr}
	cfg, err := RunConfigWizard(strings.NewReader(""), NewPrinter(io.Discard), base, "")
	require.NoError(t, err)
	assert.Equal(t, base, cfg)

	base.Transport = "carrier-pigeon"
	_, err = RunConfigWizard(strings.NewReader(""), NewPrinter(io.Discard), base, "")
	assert.Error(t, err)
}

func newTunnelServer(t *testing.T) string {
	t.Helper()
	users := session.NewMemoryUserStore(session.Accounts{"alice": {Enabled: true, Password: "secret"}})
	reg := session.NewRegistry(session.Options{})
	t.Cleanup(reg.Shutdown)
	svc := tunnel.NewService(users, reg, tunnel.Options{})
	srv := httptest.NewServer(rpc.Handler(svc))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestLoginRejectsBadPassword(t *testing.T) {
	url := newTunnelServer(t)
	_, err := Login(context.Background(), config.Client{
		ServerURL: url, Transport: "http", Username: "alice", Password: "nope", CallTimeout: time.Second,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad password")
}

func TestStartRelaysUntilCancelled(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())
	url := newTunnelServer(t)

	target, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)
	defer target.Close()
	go func() {
		c, err := target.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		_, _ = io.Copy(c, c)
	}()

	probe, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)
	socksAddr := probe.Addr().String()
	probe.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var out bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- Start(ctx, config.Client{
			ServerURL: url, Transport: "http", Username: "alice", Password: "secret",
			ListenAddr: socksAddr, CallTimeout: 2 * time.Second,
		}, NewPrinter(&out))
	}()

	var c net.Conn
	require.Eventually(t, func() bool {
		c, err = net.Dial("tcp", socksAddr)
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))

	host, portStr, _ := net.SplitHostPort(target.Addr().String())
	port, _ := strconv.Atoi(portStr)
	req := []byte{4, 1}
	req = binary.BigEndian.AppendUint16(req, uint16(port))
	req = append(req, net.ParseIP(host).To4()...)
	req = append(req, 0)
	_, err = c.Write(req)
	require.NoError(t, err)
	reply := make([]byte, 8)
	_, err = io.ReadFull(c, reply)
	require.NoError(t, err)
	require.Equal(t, byte(90), reply[1])

	_, err = c.Write([]byte("tunnel"))
	require.NoError(t, err)
	got := make([]byte, 6)
	_, err = io.ReadFull(c, got)
	require.NoError(t, err)
	assert.Equal(t, "tunnel", string(got))
	c.Close()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("client did not stop")
	}
}
