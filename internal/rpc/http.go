package rpc

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/net/http2"

	"tunnelrpc/internal/constants"
	"tunnelrpc/internal/logger"
	"tunnelrpc/internal/protocol"
	"tunnelrpc/internal/security"
)

// Handler serves POST /rpc/{op} with a JSON body.
func Handler(t protocol.Tunnel) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, constants.MsgMethodNotAllowed, http.StatusMethodNotAllowed)
			return
		}
		op := strings.TrimPrefix(r.URL.Path, constants.EndpointRPC)

		r.Body = http.MaxBytesReader(w, r.Body, constants.MaxRequestBodySize)
		payload, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, constants.MsgInvalidJSON, http.StatusBadRequest)
			return
		}

		ctx := protocol.WithPeer(r.Context(), security.GetClientIP(r))
		resp, err := Dispatch(ctx, t, op, payload)
		switch {
		case errors.Is(err, ErrUnknownOperation):
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		case errors.Is(err, ErrBadRequest):
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		case err != nil:
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			logger.Log.WithError(err).WithField("op", op).Debug("write rpc response")
		}
	})
}

// HTTPClient issues one POST per call.
type HTTPClient struct {
	stub
	base   string
	hc     *http.Client
	header http.Header
}

func NewHTTPClient(baseURL string, hc *http.Client, header http.Header) *HTTPClient {
	if hc == nil {
		hc = http.DefaultClient
	}
	c := &HTTPClient{
		base:   strings.TrimSuffix(baseURL, "/"),
		hc:     hc,
		header: header,
	}
	c.stub = stub{c}
	return c
}

// NewH2CClient speaks cleartext HTTP/2 with prior knowledge.
func NewH2CClient() *http.Client {
	return &http.Client{
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		},
	}
}

func (c *HTTPClient) call(ctx context.Context, op string, req, resp any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", op, err)
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+constants.EndpointRPC+op, bytes.NewReader(body))
	if err != nil {
		return err
	}
	for k, vs := range c.header {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set(constants.HeaderRequestID, uuid.NewString())

	res, err := c.hc.Do(hreq)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		text := strings.TrimSpace(string(msg))
		if text == "" {
			text = res.Status
		}
		return &RemoteError{Op: op, Message: text}
	}
	if err := json.NewDecoder(res.Body).Decode(resp); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}

func (c *HTTPClient) Close() error {
	c.hc.CloseIdleConnections()
	return nil
}
