// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions       = promauto.NewGauge(prometheus.GaugeOpts{Name: "tunnelrpc_active_sessions", Help: "Live tunnel sessions"})
	AuthenticatedUsers   = promauto.NewGauge(prometheus.GaugeOpts{Name: "tunnelrpc_authenticated_users", Help: "User tokens issued by this process"})
	SessionsOpenedTotal  = promauto.NewCounter(prometheus.CounterOpts{Name: "tunnelrpc_sessions_opened_total", Help: "Tunnel sessions opened"})
	SessionsReapedTotal  = promauto.NewCounter(prometheus.CounterOpts{Name: "tunnelrpc_sessions_reaped_total", Help: "Tunnel sessions evicted for idleness"})
	AuthTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tunnelrpc_auth_total", Help: "Authentication attempts by result"}, []string{"result"})
	CallsTotal           = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tunnelrpc_calls_total", Help: "RPC calls by operation and outcome"}, []string{"op", "success"})
	BytesTotal           = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tunnelrpc_bytes_total", Help: "Tunneled payload bytes by direction"}, []string{"direction"})
	CallDurationSeconds  = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "tunnelrpc_call_duration_seconds", Help: "RPC call latency", Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16)}, []string{"op"})
	TransportConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "tunnelrpc_transport_connections", Help: "Open websocket and mux transport connections"}, []string{"transport"})
)
