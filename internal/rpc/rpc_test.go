package rpc

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/net/nettest"

	"tunnelrpc/internal/constants"
	"tunnelrpc/internal/protocol"
)

// fakeTunnel answers every operation without touching the network. A connect
// to "block" waits until release is closed.
type fakeTunnel struct {
	release chan struct{}

	mu    sync.Mutex
	peers []string
}

func newFakeTunnel() *fakeTunnel {
	return &fakeTunnel{release: make(chan struct{})}
}

func (f *fakeTunnel) seen(ctx context.Context) {
	f.mu.Lock()
	f.peers = append(f.peers, protocol.PeerFrom(ctx))
	f.mu.Unlock()
}

func (f *fakeTunnel) Authenticate(ctx context.Context, req *protocol.AuthenticateRequest) (*protocol.AuthenticateResponse, error) {
	f.seen(ctx)
	if req.Username == "alice" && req.Password == "secret" {
		return &protocol.AuthenticateResponse{Response: protocol.Response{Success: true, Message: "welcome"}, UID: 7}, nil
	}
	return &protocol.AuthenticateResponse{Response: protocol.Response{Message: "denied"}, UID: constants.InvalidToken}, nil
}

func (f *fakeTunnel) Version(ctx context.Context) (*protocol.Response, error) {
	f.seen(ctx)
	return &protocol.Response{Success: true, Message: "fake v1"}, nil
}

func (f *fakeTunnel) Connect(ctx context.Context, req *protocol.ConnectRequest) (*protocol.ConnectResponse, error) {
	f.seen(ctx)
	if req.Address == "block" {
		<-f.release
	}
	return &protocol.ConnectResponse{
		Response: protocol.Response{Success: true, Message: req.Address, Connected: true},
		CID:      int32(req.Port),
	}, nil
}

func (f *fakeTunnel) Disconnect(ctx context.Context, req *protocol.ConnectionRequest) (*protocol.Response, error) {
	f.seen(ctx)
	return &protocol.Response{Success: req.CID == 3}, nil
}

func (f *fakeTunnel) Read(ctx context.Context, req *protocol.ConnectionRequest) (*protocol.ReadResponse, error) {
	f.seen(ctx)
	return &protocol.ReadResponse{
		Response: protocol.Response{Success: true, Connected: true, DataAvailable: true},
		Data:     []byte{0, 1, 2, 0xff},
	}, nil
}

func (f *fakeTunnel) Write(ctx context.Context, req *protocol.WriteRequest) (*protocol.Response, error) {
	f.seen(ctx)
	return &protocol.Response{Success: true, Message: string(req.Data)}, nil
}

// exercise runs the six operations through c.
func exercise(t *testing.T, c protocol.Tunnel) {
	t.Helper()
	ctx := context.Background()

	auth, err := c.Authenticate(ctx, &protocol.AuthenticateRequest{Username: "alice", Password: "secret"})
	require.NoError(t, err)
	assert.True(t, auth.Success)
	assert.Equal(t, int32(7), auth.UID)

	auth, err = c.Authenticate(ctx, &protocol.AuthenticateRequest{Username: "alice", Password: "nope"})
	require.NoError(t, err)
	assert.False(t, auth.Success)
	assert.Equal(t, "denied", auth.Message)
	assert.Equal(t, int32(constants.InvalidToken), auth.UID)

	v, err := c.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fake v1", v.Message)

	conn, err := c.Connect(ctx, &protocol.ConnectRequest{UID: 7, Address: "example.test", Port: 3})
	require.NoError(t, err)
	assert.Equal(t, int32(3), conn.CID)
	assert.Equal(t, "example.test", conn.Message)
	assert.True(t, conn.Connected)

	r, err := c.Read(ctx, &protocol.ConnectionRequest{UID: 7, CID: 3})
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2, 0xff}, r.Data)
	assert.True(t, r.DataAvailable)

	w, err := c.Write(ctx, &protocol.WriteRequest{UID: 7, CID: 3, Data: []byte("payload")})
	require.NoError(t, err)
	assert.Equal(t, "payload", w.Message)

	d, err := c.Disconnect(ctx, &protocol.ConnectionRequest{UID: 7, CID: 3})
	require.NoError(t, err)
	assert.True(t, d.Success)
}

func newHTTPServer(t *testing.T, f *fakeTunnel) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle(constants.EndpointRPC, Handler(f))
	mux.Handle(constants.EndpointWebSocket, WSHandler(f))
	mux.Handle(constants.EndpointMux, MuxWSHandler(f, true))
	srv := httptest.NewServer(h2c.NewHandler(mux, &http2.Server{}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTransports(t *testing.T) {
	f := newFakeTunnel()
	srv := newHTTPServer(t, f)

	for _, transport := range Transports {
		t.Run(transport, func(t *testing.T) {
			c, err := Dial(context.Background(), Options{ServerURL: srv.URL, Transport: transport, Seal: true})
			require.NoError(t, err)
			defer c.Close()
			exercise(t, c)
		})
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.peers)
	for _, p := range f.peers {
		assert.Equal(t, "127.0.0.1", p)
	}
}

func TestMuxServerOverTCP(t *testing.T) {
	for _, seal := range []bool{false, true} {
		f := newFakeTunnel()
		ln, err := nettest.NewLocalListener("tcp")
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		srv := &MuxServer{Tunnel: f, Seal: seal}
		go func() { done <- srv.Serve(ctx, ln) }()

		c, err := DialMux(context.Background(), ln.Addr().String(), seal)
		require.NoError(t, err)
		exercise(t, c)
		require.NoError(t, c.Close())

		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("mux server did not stop")
		}
	}
}

func TestHTTPHandlerErrors(t *testing.T) {
	srv := newHTTPServer(t, newFakeTunnel())

	res, err := http.Get(srv.URL + constants.EndpointRPC + protocol.OpVersion)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, res.StatusCode)

	res, err = http.Post(srv.URL+constants.EndpointRPC+"launch", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, err = http.Post(srv.URL+constants.EndpointRPC+protocol.OpConnect, "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestRemoteErrorsSurface(t *testing.T) {
	f := newFakeTunnel()
	srv := newHTTPServer(t, f)

	for _, transport := range []string{TransportHTTP, TransportWS} {
		c, err := Dial(context.Background(), Options{ServerURL: srv.URL, Transport: transport})
		require.NoError(t, err)

		var unknown struct{}
		err = c.(caller).call(context.Background(), "launch", struct{}{}, &unknown)
		var remote *RemoteError
		require.True(t, errors.As(err, &remote), transport)
		assert.Equal(t, "launch", remote.Op)
		assert.Contains(t, remote.Message, constants.MsgUnknownOperation)
		c.Close()
	}
}

func TestCallHonorsContext(t *testing.T) {
	f := newFakeTunnel()
	srv := newHTTPServer(t, f)
	defer close(f.release)

	for _, transport := range []string{TransportWS, TransportMux} {
		c, err := Dial(context.Background(), Options{ServerURL: srv.URL, Transport: transport, Seal: true})
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, err = c.Connect(ctx, &protocol.ConnectRequest{Address: "block", Port: 1})
		cancel()
		assert.ErrorIs(t, err, context.DeadlineExceeded, transport)

		// The transport stays usable.
		v, err := c.Version(context.Background())
		require.NoError(t, err, transport)
		assert.True(t, v.Success)
		c.Close()
	}
}

func TestWSConcurrentCalls(t *testing.T) {
	srv := newHTTPServer(t, newFakeTunnel())
	c, err := Dial(context.Background(), Options{ServerURL: srv.URL, Transport: TransportWS})
	require.NoError(t, err)
	defer c.Close()

	var wg sync.WaitGroup
	for i := 1; i <= 32; i++ {
		wg.Add(1)
		go func(port int) {
			defer wg.Done()
			resp, err := c.Connect(context.Background(), &protocol.ConnectRequest{Address: "example.test", Port: port})
			if assert.NoError(t, err) {
				assert.Equal(t, int32(port), resp.CID)
			}
		}(i)
	}
	wg.Wait()
}

func TestWSClientClosed(t *testing.T) {
	srv := newHTTPServer(t, newFakeTunnel())
	c, err := Dial(context.Background(), Options{ServerURL: srv.URL, Transport: TransportWS})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = c.Version(context.Background())
	assert.Error(t, err)
}

func TestServeWSStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrade(w, r)
		if err != nil {
			served <- err
			return
		}
		served <- ServeWS(ctx, newFakeTunnel(), conn)
	}))
	defer srv.Close()

	c, err := DialWS(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), nil, nil)
	require.NoError(t, err)
	defer c.Close()
	v, err := c.Version(context.Background())
	require.NoError(t, err)
	assert.True(t, v.Success)

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("ServeWS ignored cancellation")
	}
	require.Eventually(t, func() bool {
		_, err := c.Version(context.Background())
		return err != nil
	}, 3*time.Second, 20*time.Millisecond)
}

func TestDialUnknownTransport(t *testing.T) {
	_, err := Dial(context.Background(), Options{ServerURL: "http://127.0.0.1:1", Transport: "carrier-pigeon"})
	assert.ErrorContains(t, err, "unknown transport")
}
