// Package client is the terminal front end of the tunnel client: it dials the
// server, authenticates and runs the local SOCKS relay.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"tunnelrpc/internal/config"
	"tunnelrpc/internal/logger"
	"tunnelrpc/internal/protocol"
	"tunnelrpc/internal/relay"
	"tunnelrpc/internal/rpc"
	"tunnelrpc/internal/utils"
)

// Session is an authenticated connection to a tunnel server.
type Session struct {
	Client  rpc.Client
	UID     int32
	Version string
}

// Login dials the server, logs its version and authenticates.
func Login(ctx context.Context, cfg config.Client) (*Session, error) {
	c, err := rpc.Dial(ctx, rpc.Options{
		ServerURL: cfg.ServerURL,
		Transport: cfg.Transport,
		MuxAddr:   cfg.MuxAddr,
		Seal:      cfg.Seal,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
	defer cancel()

	v, err := c.Version(callCtx)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("version call failed: %w", err)
	}
	logger.Log.WithField("server", cfg.ServerURL).Info(v.Message)

	auth, err := c.Authenticate(callCtx, &protocol.AuthenticateRequest{Username: cfg.Username, Password: cfg.Password})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("authenticate call failed: %w", err)
	}
	if !auth.Success {
		c.Close()
		return nil, errors.New(auth.Message)
	}
	logger.Log.WithField("uid", auth.UID).Info(auth.Message)

	return &Session{Client: c, UID: auth.UID, Version: v.Message}, nil
}

// Start authenticates and relays local SOCKS connections until ctx is done.
func Start(ctx context.Context, cfg config.Client, p *Printer) error {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	serverURL, _ := utils.NormalizeServerURL(cfg.ServerURL)
	cfg.ServerURL = serverURL

	listenAddr, err := utils.ParseListenAddr(cfg.ListenAddr)
	if err != nil {
		return err
	}

	p.Banner()
	p.Hint("Connecting to " + serverURL + " over " + cfg.Transport + "...")

	sess, err := Login(ctx, cfg)
	if err != nil {
		return err
	}
	defer sess.Client.Close()

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", listenAddr, err)
	}

	traffic, err := logger.NewLogger(fmt.Sprintf("client-%d-%d", sess.UID, time.Now().Unix()))
	if err != nil {
		logger.Log.WithError(err).Warn("traffic log disabled")
		traffic = nil
	} else {
		defer traffic.Close()
	}

	r := relay.New(sess.Client, sess.UID, relay.Options{
		CallTimeout: cfg.CallTimeout,
		Traffic:     traffic,
		OnDone: func(rec relay.Record) {
			detail := utils.FormatBytes(rec.Up) + " up, " + utils.FormatBytes(rec.Down) + " down"
			if rec.Err != nil {
				detail = rec.Err.Error()
			}
			dialect := rec.Dialect
			if dialect == "" {
				dialect = "socks"
			}
			p.Raw(utils.FormatLog(rec.OK, dialect, rec.Target, detail))
		},
	})

	p.Sep()
	p.Field("server", sess.Version, ColorReset)
	p.Field("user", cfg.Username, ColorGreen)
	p.Field("transport", cfg.Transport, ColorPurple)
	p.Field("socks", ln.Addr().String(), ColorCyan)
	if traffic != nil {
		p.Field("logs", traffic.GetLogPath(), ColorDim)
	}
	p.Sep()

	started := time.Now()
	err = r.Serve(ctx, ln)

	stats := r.Stats()
	p.Raw("\n")
	p.Field("uptime", utils.FormatDuration(time.Since(started)), ColorReset)
	p.Field("relayed", fmt.Sprintf("%d connections", stats.Total), ColorReset)
	p.Field("sent", utils.FormatBytes(stats.BytesUp), ColorReset)
	p.Field("received", utils.FormatBytes(stats.BytesDown), ColorReset)
	p.Printf("  %s● disconnected%s\n", ColorRed, ColorReset)
	return err
}
