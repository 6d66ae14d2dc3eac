package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/nettest"

	"tunnelrpc/internal/config"
	"tunnelrpc/internal/constants"
	"tunnelrpc/internal/crypto"
	"tunnelrpc/internal/protocol"
	"tunnelrpc/internal/rpc"
	"tunnelrpc/internal/session"
)

func testConfig() config.Server {
	return config.Server{
		IdleTimeout:  time.Hour,
		PollInterval: time.Second,
		SealMux:      true,
	}
}

func newTestServer(t *testing.T, cfg config.Server) *Server {
	t.Helper()
	s, err := NewServer(context.Background(), cfg, session.Accounts{
		"alice": {Enabled: true, Password: "secret"},
	})
	require.NoError(t, err)
	return s
}

func echoTarget(t *testing.T) (string, int) {
	t.Helper()
	ln, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()
	host, port, _ := net.SplitHostPort(ln.Addr().String())
	p, _ := strconv.Atoi(port)
	return host, p
}

// roundTrip authenticates, sends one payload through an echo target and
// tears the session down.
func roundTrip(t *testing.T, c protocol.Tunnel, host string, port int) {
	t.Helper()
	ctx := context.Background()

	auth, err := c.Authenticate(ctx, &protocol.AuthenticateRequest{Username: "alice", Password: "secret"})
	require.NoError(t, err)
	require.True(t, auth.Success, auth.Message)

	conn, err := c.Connect(ctx, &protocol.ConnectRequest{UID: auth.UID, Address: host, Port: port})
	require.NoError(t, err)
	require.True(t, conn.Success, conn.Message)

	w, err := c.Write(ctx, &protocol.WriteRequest{UID: auth.UID, CID: conn.CID, Data: crypto.Obfuscate([]byte("ping"), conn.CID)})
	require.NoError(t, err)
	require.True(t, w.Success, w.Message)

	var got []byte
	deadline := time.Now().Add(3 * time.Second)
	for len(got) < 4 && time.Now().Before(deadline) {
		r, err := c.Read(ctx, &protocol.ConnectionRequest{UID: auth.UID, CID: conn.CID})
		require.NoError(t, err)
		require.True(t, r.Success, r.Message)
		got = append(got, crypto.Obfuscate(r.Data, conn.CID)...)
	}
	assert.Equal(t, "ping", string(got))

	d, err := c.Disconnect(ctx, &protocol.ConnectionRequest{UID: auth.UID, CID: conn.CID})
	require.NoError(t, err)
	assert.True(t, d.Success, d.Message)
}

func TestServeAllTransports(t *testing.T) {
	host, port := echoTarget(t)
	s := newTestServer(t, testConfig())

	ln, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)
	muxLn, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln, muxLn) }()

	serverURL := "http://" + ln.Addr().String()
	cases := []rpc.Options{
		{ServerURL: serverURL, Transport: rpc.TransportHTTP},
		{ServerURL: serverURL, Transport: rpc.TransportH2C},
		{ServerURL: serverURL, Transport: rpc.TransportWS},
		{ServerURL: serverURL, Transport: rpc.TransportMux, Seal: true},
		{ServerURL: serverURL, Transport: rpc.TransportMux, MuxAddr: muxLn.Addr().String(), Seal: true},
	}
	for _, opts := range cases {
		name := opts.Transport
		if opts.MuxAddr != "" {
			name += "-tcp"
		}
		t.Run(name, func(t *testing.T) {
			var c rpc.Client
			require.Eventually(t, func() bool {
				var err error
				c, err = rpc.Dial(context.Background(), opts)
				return err == nil
			}, 2*time.Second, 20*time.Millisecond)
			defer c.Close()
			roundTrip(t, c, host, port)
		})
	}
	assert.Zero(t, s.Sessions.Len())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestHealthMetricsAndRequestID(t *testing.T) {
	s := newTestServer(t, testConfig())
	t.Cleanup(s.Cleanup)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	res, err := http.Get(srv.URL + constants.EndpointHealth)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	_, err = uuid.Parse(res.Header.Get(constants.HeaderRequestID))
	assert.NoError(t, err)
	assert.Equal(t, "nosniff", res.Header.Get("X-Content-Type-Options"))

	var h health
	require.NoError(t, json.NewDecoder(res.Body).Decode(&h))
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, constants.Version, h.Version)

	res, err = http.Get(srv.URL + constants.EndpointMetrics)
	require.NoError(t, err)
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	assert.Contains(t, string(body), "tunnelrpc_active_sessions")

	id := uuid.NewString()
	req, _ := http.NewRequest(http.MethodGet, srv.URL+constants.EndpointStats, nil)
	req.Header.Set(constants.HeaderRequestID, id)
	res, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, id, res.Header.Get(constants.HeaderRequestID))
}

func TestGzipResponses(t *testing.T) {
	s := newTestServer(t, testConfig())
	t.Cleanup(s.Cleanup)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+constants.EndpointHealth, nil)
	req.Header.Set("Accept-Encoding", "gzip")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, "gzip", res.Header.Get("Content-Encoding"))

	zr, err := gzip.NewReader(res.Body)
	require.NoError(t, err)
	var h health
	require.NoError(t, json.NewDecoder(zr).Decode(&h))
	assert.Equal(t, "ok", h.Status)
}

func TestUnknownOperation(t *testing.T) {
	s := newTestServer(t, testConfig())
	t.Cleanup(s.Cleanup)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	res, err := http.Post(srv.URL+constants.EndpointRPC+"shutdown", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestConnectionLimitPerIP(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnsPerIP = 1
	s := newTestServer(t, cfg)
	t.Cleanup(s.Cleanup)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	first, err := rpc.Dial(context.Background(), rpc.Options{ServerURL: srv.URL, Transport: rpc.TransportWS})
	require.NoError(t, err)
	defer first.Close()

	_, err = rpc.Dial(context.Background(), rpc.Options{ServerURL: srv.URL, Transport: rpc.TransportWS})
	assert.Error(t, err)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestNewServerRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = 0
	_, err := NewServer(context.Background(), cfg, session.Accounts{})
	assert.Error(t, err)
}
