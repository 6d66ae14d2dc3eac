package protocol

import "context"

// Tunnel is the six-operation contract between the relay client and the
// server. The server-side service and every client transport implement it.
// A returned error always means the call itself did not complete; protocol
// failures are carried in the response.
type Tunnel interface {
	Authenticate(ctx context.Context, req *AuthenticateRequest) (*AuthenticateResponse, error)
	Version(ctx context.Context) (*Response, error)
	Connect(ctx context.Context, req *ConnectRequest) (*ConnectResponse, error)
	Disconnect(ctx context.Context, req *ConnectionRequest) (*Response, error)
	Read(ctx context.Context, req *ConnectionRequest) (*ReadResponse, error)
	Write(ctx context.Context, req *WriteRequest) (*Response, error)
}
