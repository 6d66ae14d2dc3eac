package rpc

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tunnelrpc/internal/constants"
	"tunnelrpc/internal/logger"
	"tunnelrpc/internal/protocol"
	"tunnelrpc/internal/security"
)

var ErrClientClosed = errors.New("rpc client closed")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  constants.WSBufferSize,
	WriteBufferSize: constants.WSBufferSize,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Upgrade switches r to a websocket with the transport's read limit set.
func Upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(int64(constants.MaxWSMessageSize))
	return conn, nil
}

// WSHandler upgrades the request and serves envelopes until the peer leaves.
func WSHandler(t protocol.Tunnel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrade(w, r)
		if err != nil {
			logger.Log.WithError(err).Debug("websocket upgrade")
			return
		}
		ctx := protocol.WithPeer(r.Context(), security.GetClientIP(r))
		if err := ServeWS(ctx, t, conn); err != nil {
			logger.Log.WithError(err).Debug("websocket transport closed")
		}
	}
}

// ServeWS answers every envelope read from conn. Calls run concurrently and
// replies may arrive out of order; the ID pairs them up.
func ServeWS(ctx context.Context, t protocol.Tunnel, conn *websocket.Conn) error {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var wmu sync.Mutex
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}

		var req protocol.Envelope
		if err := json.Unmarshal(data, &req); err != nil {
			logger.Log.WithError(err).Debug("malformed websocket envelope")
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := json.Marshal(handleEnvelope(ctx, t, req))
			if err != nil {
				return
			}
			wmu.Lock()
			defer wmu.Unlock()
			_ = conn.SetWriteDeadline(time.Now().Add(constants.CallTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
				logger.Log.WithError(err).Debug("write websocket reply")
			}
		}()
	}
}

// WSClient multiplexes calls over one websocket.
type WSClient struct {
	stub
	conn *websocket.Conn
	wmu  sync.Mutex

	mu      sync.Mutex
	pending map[string]chan protocol.Envelope

	done      chan struct{}
	err       error
	closeOnce sync.Once
}

func DialWS(ctx context.Context, wsURL string, header http.Header, tlsConfig *tls.Config) (*WSClient, error) {
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
	return newWSClient(conn), nil
}

func newWSClient(conn *websocket.Conn) *WSClient {
	c := &WSClient{
		conn:    conn,
		pending: make(map[string]chan protocol.Envelope),
		done:    make(chan struct{}),
	}
	c.stub = stub{c}
	go c.readLoop()
	return c
}

func (c *WSClient) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Log.WithError(err).Debug("malformed websocket reply")
			continue
		}
		c.mu.Lock()
		ch := c.pending[env.ID]
		delete(c.pending, env.ID)
		c.mu.Unlock()
		if ch != nil {
			ch <- env
		}
	}
}

func (c *WSClient) fail(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
	})
}

func (c *WSClient) call(ctx context.Context, op string, req, resp any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", op, err)
	}
	id := uuid.NewString()
	data, err := json.Marshal(protocol.Envelope{ID: id, Op: op, Payload: payload})
	if err != nil {
		return err
	}

	ch := make(chan protocol.Envelope, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	select {
	case <-c.done:
		return fmt.Errorf("%w: %v", ErrClientClosed, c.err)
	default:
	}

	c.wmu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(constants.CallTimeout))
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	c.wmu.Unlock()
	if err != nil {
		return err
	}

	select {
	case env := <-ch:
		return decodeEnvelope(op, env, resp)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("%w: %v", ErrClientClosed, c.err)
	}
}

func (c *WSClient) Close() error {
	c.wmu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.wmu.Unlock()
	err := c.conn.Close()
	c.fail(ErrClientClosed)
	return err
}
