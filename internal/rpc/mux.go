package rpc

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"
	"github.com/sirupsen/logrus"

	"tunnelrpc/internal/constants"
	"tunnelrpc/internal/crypto"
	"tunnelrpc/internal/logger"
	"tunnelrpc/internal/metrics"
	"tunnelrpc/internal/protocol"
	"tunnelrpc/internal/security"
)

var yamuxLog = logger.Log.WriterLevel(logrus.DebugLevel)

func yamuxConfig() *yamux.Config {
	config := yamux.DefaultConfig()
	config.MaxStreamWindowSize = constants.YamuxMaxStreamWindowSize
	config.AcceptBacklog = constants.YamuxAcceptBacklog
	config.EnableKeepAlive = constants.YamuxEnableKeepAlive
	config.KeepAliveInterval = constants.YamuxKeepAliveInterval
	config.LogOutput = yamuxLog
	return config
}

// ServeMuxConn runs a yamux server over conn, one stream per call. With seal
// set the peers first agree on a key and every frame is encrypted.
func ServeMuxConn(ctx context.Context, t protocol.Tunnel, conn net.Conn, seal bool) error {
	var tunnelConn net.Conn = conn
	if seal {
		sc, err := crypto.Seal(conn, true)
		if err != nil {
			conn.Close()
			return fmt.Errorf("E2EE handshake failed: %w", err)
		}
		tunnelConn = sc
	}

	session, err := yamux.Server(tunnelConn, yamuxConfig())
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create yamux session: %w", err)
	}
	defer session.Close()
	stop := context.AfterFunc(ctx, func() { session.Close() })
	defer stop()

	for {
		stream, err := session.AcceptStream()
		if err != nil {
			if session.IsClosed() || errors.Is(err, yamux.ErrSessionShutdown) {
				return nil
			}
			return fmt.Errorf("failed to accept stream: %w", err)
		}
		go serveStream(ctx, t, stream)
	}
}

func serveStream(ctx context.Context, t protocol.Tunnel, stream *yamux.Stream) {
	defer stream.Close()
	_ = stream.SetDeadline(time.Now().Add(constants.CallTimeout))

	var req protocol.Envelope
	if err := json.NewDecoder(stream).Decode(&req); err != nil {
		logger.Log.WithError(err).Debug("malformed mux envelope")
		return
	}
	if err := json.NewEncoder(stream).Encode(handleEnvelope(ctx, t, req)); err != nil {
		logger.Log.WithError(err).Debug("write mux reply")
	}
}

// MuxServer accepts raw TCP mux connections.
type MuxServer struct {
	Tunnel  protocol.Tunnel
	Seal    bool
	Limiter *security.ConnectionLimiter
	Audit   *security.AuditLogger
}

// Serve blocks until ln fails or ctx is done.
func (m *MuxServer) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go m.handle(ctx, c)
	}
}

func (m *MuxServer) handle(ctx context.Context, c net.Conn) {
	ip := security.HostOf(c.RemoteAddr().String())
	if m.Limiter != nil {
		if !m.Limiter.TryConnect(ip) {
			m.Audit.LogConnectionLimit(ip)
			c.Close()
			return
		}
		defer m.Limiter.Disconnect(ip)
	}
	ServeMux(protocol.WithPeer(ctx, ip), m.Tunnel, c, m.Seal, "mux")
}

// ServeMux is ServeMuxConn with logging and the transport gauge.
func ServeMux(ctx context.Context, t protocol.Tunnel, c net.Conn, seal bool, transport string) {
	gauge := metrics.TransportConnections.WithLabelValues(transport)
	gauge.Inc()
	defer gauge.Dec()

	log := logger.Log.WithFields(logrus.Fields{"peer": protocol.PeerFrom(ctx), "transport": transport})
	log.Debug("mux transport connected")
	if err := ServeMuxConn(ctx, t, c, seal); err != nil {
		log.WithError(err).Warn("mux transport failed")
		return
	}
	log.Debug("mux transport closed")
}

// MuxWSHandler serves the mux transport over a websocket upgrade.
func MuxWSHandler(t protocol.Tunnel, seal bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrade(w, r)
		if err != nil {
			logger.Log.WithError(err).Debug("websocket upgrade")
			return
		}
		ctx := protocol.WithPeer(r.Context(), security.GetClientIP(r))
		ServeMux(ctx, t, NewWSConn(conn), seal, "mux-ws")
	}
}

// MuxClient opens one yamux stream per call.
type MuxClient struct {
	stub
	session *yamux.Session
}

func NewMuxClient(conn net.Conn, seal bool) (*MuxClient, error) {
	var tunnelConn net.Conn = conn
	if seal {
		sc, err := crypto.Seal(conn, false)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("E2EE handshake failed: %w", err)
		}
		tunnelConn = sc
	}

	session, err := yamux.Client(tunnelConn, yamuxConfig())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create yamux client: %w", err)
	}
	c := &MuxClient{session: session}
	c.stub = stub{c}
	return c, nil
}

// DialMux connects to a raw TCP mux listener.
func DialMux(ctx context.Context, addr string, seal bool) (*MuxClient, error) {
	d := net.Dialer{Timeout: constants.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return NewMuxClient(conn, seal)
}

// DialMuxWS runs the mux transport over the server's websocket endpoint.
func DialMuxWS(ctx context.Context, wsURL string, header http.Header, tlsConfig *tls.Config, seal bool) (*MuxClient, error) {
	dialer := &websocket.Dialer{
		ReadBufferSize:   constants.WSBufferSize,
		WriteBufferSize:  constants.WSBufferSize,
		HandshakeTimeout: constants.DialTimeout,
		TLSClientConfig:  tlsConfig,
	}
	conn, _, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", wsURL, err)
	}
	conn.SetReadLimit(int64(constants.MaxWSMessageSize))
	return NewMuxClient(NewWSConn(conn), seal)
}

func (c *MuxClient) call(ctx context.Context, op string, req, resp any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", op, err)
	}

	stream, err := c.session.OpenStream()
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer stream.Close()
	stop := context.AfterFunc(ctx, func() { _ = stream.SetDeadline(time.Now()) })
	defer stop()

	if err := json.NewEncoder(stream).Encode(protocol.Envelope{ID: uuid.NewString(), Op: op, Payload: payload}); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	var env protocol.Envelope
	if err := json.NewDecoder(stream).Decode(&env); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("read %s reply: %w", op, err)
	}
	return decodeEnvelope(op, env, resp)
}

func (c *MuxClient) Close() error {
	return c.session.Close()
}
