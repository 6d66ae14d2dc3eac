package protocol

import "encoding/json"

// Operation names, used as the RPC method on every transport.
const (
	OpAuthenticate = "authenticate"
	OpVersion      = "version"
	OpConnect      = "connect"
	OpDisconnect   = "disconnect"
	OpRead         = "read"
	OpWrite        = "write"
)

// Operations lists every operation a server dispatches.
var Operations = []string{OpAuthenticate, OpVersion, OpConnect, OpDisconnect, OpRead, OpWrite}

// Response is embedded in every reply. Success false with a Message is how
// all per-request failures travel; transports never turn them into faults.
type Response struct {
	Success       bool   `json:"success"`
	Message       string `json:"message,omitempty"`
	Connected     bool   `json:"connected,omitempty"`
	DataAvailable bool   `json:"data_available,omitempty"`
}

// Succeeded is promoted to every reply type.
func (r *Response) Succeeded() bool { return r.Success }

type AuthenticateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type AuthenticateResponse struct {
	Response
	UID int32 `json:"uid"`
}

type ConnectRequest struct {
	UID     int32  `json:"uid"`
	Address string `json:"address"`
	Port    int    `json:"port"`
}

type ConnectResponse struct {
	Response
	CID int32 `json:"cid"`
}

// ConnectionRequest addresses one tunnel session; Disconnect and Read use it as is.
type ConnectionRequest struct {
	UID int32 `json:"uid"`
	CID int32 `json:"cid"`
}

type WriteRequest struct {
	UID  int32  `json:"uid"`
	CID  int32  `json:"cid"`
	Data []byte `json:"data"`
}

type ReadResponse struct {
	Response
	Data []byte `json:"data"`
}

// Envelope frames one call on message-oriented transports (websocket, yamux).
// Responses echo the request ID.
type Envelope struct {
	ID      string          `json:"id"`
	Op      string          `json:"op,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}
