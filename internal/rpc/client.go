package rpc

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"strings"

	"tunnelrpc/internal/constants"
	"tunnelrpc/internal/protocol"
	"tunnelrpc/internal/utils"
)

// Transport names accepted by Dial.
const (
	TransportHTTP = "http"
	TransportH2C  = "h2c"
	TransportWS   = "ws"
	TransportMux  = "mux"
)

var Transports = []string{TransportHTTP, TransportH2C, TransportWS, TransportMux}

// Client is a tunnel reached over one transport.
type Client interface {
	protocol.Tunnel
	Close() error
}

type caller interface {
	call(ctx context.Context, op string, req, resp any) error
}

// stub turns the six operations into calls on a transport.
type stub struct {
	c caller
}

func (s stub) Authenticate(ctx context.Context, req *protocol.AuthenticateRequest) (*protocol.AuthenticateResponse, error) {
	resp := new(protocol.AuthenticateResponse)
	if err := s.c.call(ctx, protocol.OpAuthenticate, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (s stub) Version(ctx context.Context) (*protocol.Response, error) {
	resp := new(protocol.Response)
	if err := s.c.call(ctx, protocol.OpVersion, struct{}{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (s stub) Connect(ctx context.Context, req *protocol.ConnectRequest) (*protocol.ConnectResponse, error) {
	resp := new(protocol.ConnectResponse)
	if err := s.c.call(ctx, protocol.OpConnect, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (s stub) Disconnect(ctx context.Context, req *protocol.ConnectionRequest) (*protocol.Response, error) {
	resp := new(protocol.Response)
	if err := s.c.call(ctx, protocol.OpDisconnect, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (s stub) Read(ctx context.Context, req *protocol.ConnectionRequest) (*protocol.ReadResponse, error) {
	resp := new(protocol.ReadResponse)
	if err := s.c.call(ctx, protocol.OpRead, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (s stub) Write(ctx context.Context, req *protocol.WriteRequest) (*protocol.Response, error) {
	resp := new(protocol.Response)
	if err := s.c.call(ctx, protocol.OpWrite, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

type Options struct {
	ServerURL string
	Transport string
	// MuxAddr is the raw TCP mux listener. When empty the mux transport runs
	// over the server's websocket endpoint.
	MuxAddr string
	// Seal encrypts the mux transport end to end.
	Seal   bool
	Header http.Header
	// HTTPClient overrides the client used by the http transport.
	HTTPClient *http.Client
}

// Dial connects to a tunnel server over the chosen transport.
func Dial(ctx context.Context, opts Options) (Client, error) {
	serverURL, skipVerify := utils.NormalizeServerURL(opts.ServerURL)
	var tlsConfig *tls.Config
	if skipVerify {
		tlsConfig = &tls.Config{InsecureSkipVerify: true}
	}

	switch strings.ToLower(opts.Transport) {
	case "", TransportHTTP:
		hc := opts.HTTPClient
		if hc == nil {
			hc = &http.Client{Transport: &http.Transport{TLSClientConfig: tlsConfig}}
		}
		return NewHTTPClient(serverURL, hc, opts.Header), nil
	case TransportH2C:
		return NewHTTPClient(serverURL, NewH2CClient(), opts.Header), nil
	case TransportWS:
		c, err := DialWS(ctx, utils.ConstructWSURL(serverURL, constants.EndpointWebSocket), opts.Header, tlsConfig)
		if err != nil {
			return nil, err
		}
		return c, nil
	case TransportMux:
		var (
			c   *MuxClient
			err error
		)
		if opts.MuxAddr != "" {
			c, err = DialMux(ctx, opts.MuxAddr, opts.Seal)
		} else {
			c, err = DialMuxWS(ctx, utils.ConstructWSURL(serverURL, constants.EndpointMux), opts.Header, tlsConfig, opts.Seal)
		}
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown transport %q (want one of %s)", opts.Transport, strings.Join(Transports, ", "))
	}
}
