package server

import (
	"encoding/json"
	"net/http"
	"slices"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tunnelrpc/internal/constants"
	"tunnelrpc/internal/logger"
	"tunnelrpc/internal/metrics"
	"tunnelrpc/internal/protocol"
	"tunnelrpc/internal/rpc"
	"tunnelrpc/internal/security"
)

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func (s *Server) HandleRPC(w http.ResponseWriter, r *http.Request) {
	op := strings.TrimPrefix(r.URL.Path, constants.EndpointRPC)
	if !slices.Contains(protocol.Operations, op) {
		s.AuditLogger.LogInvalidRequest(security.GetClientIP(r), op, constants.MsgUnknownOperation)
	}
	rpc.Handler(s.Service).ServeHTTP(w, r)
}

// limit applies the per-IP transport connection cap. release must be called
// when the transport closes.
func (s *Server) limit(w http.ResponseWriter, r *http.Request) (release func(), ok bool) {
	clientIP := security.GetClientIP(r)
	if !s.ConnLimiter.TryConnect(clientIP) {
		s.AuditLogger.LogConnectionLimit(clientIP)
		http.Error(w, "Connection limit exceeded", http.StatusTooManyRequests)
		return nil, false
	}
	return func() { s.ConnLimiter.Disconnect(clientIP) }, true
}

func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	release, ok := s.limit(w, r)
	if !ok {
		return
	}
	defer release()

	gauge := metrics.TransportConnections.WithLabelValues("ws")
	gauge.Inc()
	defer gauge.Dec()

	logger.Log.WithField("ip", security.GetClientIP(r)).Debug("websocket transport connected")
	rpc.WSHandler(s.Service).ServeHTTP(w, r)
}

func (s *Server) HandleMux(w http.ResponseWriter, r *http.Request) {
	release, ok := s.limit(w, r)
	if !ok {
		return
	}
	defer release()

	rpc.MuxWSHandler(s.Service, s.cfg.SealMux).ServeHTTP(w, r)
}

type health struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Sessions int    `json:"sessions"`
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(health{
		Status:   "ok",
		Version:  constants.Version,
		Sessions: s.Sessions.Len(),
	}); err != nil {
		logger.Log.WithError(err).Debug("write health response")
	}
}
