package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	proxyproto "github.com/pires/go-proxyproto"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"tunnelrpc/internal/config"
	"tunnelrpc/internal/constants"
	"tunnelrpc/internal/dashboard"
	"tunnelrpc/internal/logger"
	"tunnelrpc/internal/rpc"
	"tunnelrpc/internal/security"
	"tunnelrpc/internal/session"
	"tunnelrpc/internal/tunnel"
)

type Server struct {
	cfg config.Server

	Users          session.UserStore
	Sessions       *session.Registry
	Service        *tunnel.Service
	Dashboard      *dashboard.Dashboard
	ConnLimiter    *security.ConnectionLimiter
	BruteProtector *security.BruteForceProtector
	AuditLogger    *security.AuditLogger

	httpServer *http.Server
}

func NewServer(ctx context.Context, cfg config.Server, accounts session.Accounts) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	var auditLogger *security.AuditLogger
	if cfg.Audit {
		al, err := security.NewAuditLogger(cfg.AuditDir)
		if err != nil {
			logger.Log.WithError(err).Warn("failed to initialize audit logger")
		} else {
			auditLogger = al
		}
	}

	users := session.NewUserStore(ctx, accounts, cfg.Redis)
	sessions := session.NewRegistry(session.Options{
		IdleTimeout:  cfg.IdleTimeout,
		PollInterval: cfg.PollInterval,
		MaxPerUser:   cfg.MaxSessionsPerUser,
		RateLimit:    cfg.RateLimit,
	})

	s := &Server{
		cfg:            cfg,
		Users:          users,
		Sessions:       sessions,
		Dashboard:      dashboard.New(sessions, users),
		ConnLimiter:    security.NewConnectionLimiter(cfg.MaxConnsPerIP),
		BruteProtector: security.NewBruteForceProtector(constants.MaxAuthAttempts, constants.BlockDuration),
		AuditLogger:    auditLogger,
	}
	s.Service = tunnel.NewService(users, sessions, tunnel.Options{
		BruteForce: s.BruteProtector,
		Audit:      s.AuditLogger,
		Dashboard:  s.Dashboard,
	})
	return s, nil
}

// Handler is the full HTTP surface with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(constants.EndpointRPC, s.HandleRPC)
	mux.HandleFunc(constants.EndpointWebSocket, s.HandleWebSocket)
	mux.HandleFunc(constants.EndpointMux, s.HandleMux)
	mux.HandleFunc(constants.EndpointHealth, s.HandleHealth)
	mux.Handle(constants.EndpointMetrics, MetricsHandler())
	s.Dashboard.Register(mux)

	var handler http.Handler = mux
	handler = security.MaxBodySize(constants.MaxRequestBodySize)(handler)
	handler = RecoveryMiddleware(handler)
	handler = CorsMiddleware(handler)
	handler = security.SecurityHeaders(handler)
	handler = GzipMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	return handler
}

// listen opens addr, accepting PROXY protocol headers when configured.
func (s *Server) listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if s.cfg.ProxyProtocol {
		return &proxyproto.Listener{Listener: ln, ReadHeaderTimeout: 10 * time.Second}, nil
	}
	return ln, nil
}

func (s *Server) useTLS() bool {
	if !s.cfg.EnableTLS {
		return false
	}
	if _, err := os.Stat(s.cfg.CertFile); err != nil {
		logger.Log.Warnf("TLS is enabled but the certificate was not found at %s", s.cfg.CertFile)
		return false
	}
	if _, err := os.Stat(s.cfg.KeyFile); err != nil {
		logger.Log.Warnf("TLS is enabled but the key was not found at %s", s.cfg.KeyFile)
		return false
	}
	return true
}

// Run serves until SIGINT or SIGTERM.
func (s *Server) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.ListenAndServe(ctx)
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := s.listen(s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	var muxLn net.Listener
	if s.cfg.MuxListenAddr != "" {
		muxLn, err = s.listen(s.cfg.MuxListenAddr)
		if err != nil {
			ln.Close()
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.MuxListenAddr, err)
		}
	}
	return s.Serve(ctx, ln, muxLn)
}

// Serve runs the HTTP surface on ln and, when muxLn is not nil, the raw mux
// transport on muxLn. It returns after a graceful shutdown once ctx is done.
func (s *Server) Serve(ctx context.Context, ln, muxLn net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	useTLS := s.useTLS()
	handler := s.Handler()
	if !useTLS {
		handler = h2c.NewHandler(handler, &http2.Server{})
	}
	s.httpServer = &http.Server{
		Handler:           handler,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	reaperDone := make(chan struct{})
	go func() {
		defer close(reaperDone)
		s.Sessions.Run(ctx)
	}()

	errCh := make(chan error, 2)
	go func() {
		var err error
		if useTLS {
			logger.Log.Info("HTTPS enabled (HTTP/2)")
			err = s.httpServer.ServeTLS(ln, s.cfg.CertFile, s.cfg.KeyFile)
		} else {
			logger.Log.Info("HTTP mode (HTTP/2 cleartext enabled)")
			err = s.httpServer.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if muxLn != nil {
		mux := &rpc.MuxServer{
			Tunnel:  s.Service,
			Seal:    s.cfg.SealMux,
			Limiter: s.ConnLimiter,
			Audit:   s.AuditLogger,
		}
		go func() {
			if err := mux.Serve(ctx, muxLn); err != nil {
				errCh <- fmt.Errorf("mux server: %w", err)
			}
		}()
		logger.Log.WithField("addr", muxLn.Addr().String()).Info("mux transport listening")
	}

	logger.Log.WithField("addr", ln.Addr().String()).Infof("%s server starting", constants.AppName)

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Log.Info("shutting down server")
	case serveErr = <-errCh:
		logger.Log.WithError(serveErr).Error("server failed")
	}
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer done()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Warn("server forced to shutdown")
	}
	<-reaperDone

	s.Cleanup()
	logger.Log.Info("server stopped")
	return serveErr
}

// Cleanup closes every session and the stores.
func (s *Server) Cleanup() {
	s.Sessions.Shutdown()
	s.Dashboard.Close()
	if err := s.Users.Close(); err != nil {
		logger.Log.WithError(err).Warn("close user store")
	}
	s.BruteProtector.Close()
	if err := s.AuditLogger.Close(); err != nil {
		logger.Log.WithError(err).Warn("close audit log")
	}
}
