package constants

import (
	"time"
)

const (
	AppName = "tunnelrpc"
	Version = "1.4.0"
)

// Network defaults
const (
	DefaultListenAddr    = ":8080"
	DefaultMuxListenAddr = ""
	DefaultServerURL     = "http://localhost:8080"
	DefaultSocksHost     = "127.0.0.1"
	DefaultSocksAddr     = "127.0.0.1:1080"
	MinPort              = 1
	MaxPort              = 65535
	BufferSize           = 8192 // read chunk for tunnel sessions and SOCKS handshakes
	WSBufferSize         = 65536
	DialTimeout          = 10 * time.Second
	CallTimeout          = 30 * time.Second
	ShutdownTimeout      = 5 * time.Second
)

// Session settings
const (
	SessionIdleTimeout = time.Hour
	PollInterval       = time.Second
	SocketPollTime     = 100 * time.Millisecond
	MaxThrottleWait    = time.Second
	InvalidToken       = -1
)

// Security
const (
	MaxAuthAttempts       = 5
	BlockDuration         = 15 * time.Minute
	MaxAuditLogsPerMinute = 600
	MinDiskSpaceRequired  = 10 * 1024 * 1024
	MaxRequestBodySize    = 4 * 1024 * 1024
	MaxWSMessageSize      = 4 * 1024 * 1024
)

// Multiplexed transport
const (
	YamuxMaxStreamWindowSize = 1024 * 1024
	YamuxAcceptBacklog       = 256
	YamuxEnableKeepAlive     = true
	YamuxKeepAliveInterval   = 30 * time.Second
)

// API endpoints
const (
	EndpointRPC       = "/rpc/"
	EndpointWebSocket = "/ws"
	EndpointMux       = "/mux"
	EndpointStats     = "/api/stats"
	EndpointSessions  = "/api/sessions"
	EndpointEvents    = "/api/events"
	EndpointMetrics   = "/metrics"
	EndpointHealth    = "/healthz"
)

// Headers
const (
	HeaderRequestID = "X-Request-ID"
)

// Redis
const (
	RedisKeyPrefix = "tunnelrpc:user:"
)

// Time formats
const (
	TimeFormatShort = "15:04:05"
)

// ANSI color codes
const (
	ColorReset  = "\033[0m"
	ColorBold   = "\033[1m"
	ColorDim    = "\033[2m"
	ColorCyan   = "\033[36m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorRed    = "\033[31m"
	ColorPurple = "\033[35m"
)

// Messages
const (
	MsgServerSide           = "server side: "
	MsgUserNotFound         = "user not found"
	MsgConnectionNotFound   = "connection not found"
	MsgAccessDenied         = "access denied for %s"
	MsgBadPassword          = "access denied for %s, bad password"
	MsgAccessGranted        = "access granted for %s"
	MsgTooManyAttempts      = "too many failed attempts, try again later"
	MsgTooManyConnections   = "too many connections for this user"
	MsgConnected            = "connected to %s (%s)"
	MsgConnectionRefused    = "connection to %s:%d refused: %s"
	MsgDisconnected         = "disconnected from %s"
	MsgDisconnectDetected   = "disconnection detected"
	MsgConnectionTimeout    = "connection to %s timed out"
	MsgInvalidPort          = "invalid port %d"
	MsgInvalidJSON          = "Invalid JSON"
	MsgMethodNotAllowed     = "Method not allowed"
	MsgUnknownOperation     = "Unknown operation"
	MsgInvalidSocks         = "invalid SOCKS handshake"
	MsgNoSocksHandler       = "no valid SOCKS handler"
	MsgSocksBindUnsupported = "SOCKS bind command is not supported"
)
