// Package relay bridges local SOCKS connections to tunnel sessions. Each
// accepted connection is negotiated, opened with Connect and then pumped with
// Write and Read calls until either end gives up.
package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	pool "github.com/libp2p/go-buffer-pool"
	"github.com/sirupsen/logrus"

	"tunnelrpc/internal/constants"
	"tunnelrpc/internal/crypto"
	"tunnelrpc/internal/logger"
	"tunnelrpc/internal/protocol"
	"tunnelrpc/internal/socks"
)

// Record summarises one relayed connection once it has ended.
type Record struct {
	Dialect  string
	Target   string
	CID      int32
	OK       bool
	Err      error
	Up       int64
	Down     int64
	Duration time.Duration
}

type Options struct {
	// CallTimeout bounds each tunnel call.
	CallTimeout time.Duration
	// Traffic, when set, receives per-connection data and error lines.
	Traffic *logger.Logger
	// OnDone is called after every connection, successful or not.
	OnDone func(Record)
}

type Stats struct {
	Active    int64
	Total     int64
	BytesUp   int64
	BytesDown int64
}

type Server struct {
	tunnel protocol.Tunnel
	uid    int32
	opts   Options

	active    atomic.Int64
	total     atomic.Int64
	bytesUp   atomic.Int64
	bytesDown atomic.Int64

	wg sync.WaitGroup
}

// New returns a relay that opens sessions on t as the user uid.
func New(t protocol.Tunnel, uid int32, opts Options) *Server {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = constants.CallTimeout
	}
	return &Server{tunnel: t, uid: uid, opts: opts}
}

func (s *Server) Stats() Stats {
	return Stats{
		Active:    s.active.Load(),
		Total:     s.total.Load(),
		BytesUp:   s.bytesUp.Load(),
		BytesDown: s.bytesDown.Load(),
	}
}

// Serve accepts on ln until ctx is done, then waits for the open relays.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer s.wg.Wait()

	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(ctx, c)
		}()
	}
}

// ServeConn relays one local connection and closes it.
func (s *Server) ServeConn(ctx context.Context, local net.Conn) {
	start := time.Now()
	rec := Record{}
	s.total.Add(1)
	s.active.Add(1)
	defer func() {
		s.active.Add(-1)
		local.Close()
		rec.Duration = time.Since(start)
		if s.opts.OnDone != nil {
			s.opts.OnDone(rec)
		}
	}()

	log := logger.Log.WithField("local", local.RemoteAddr().String())

	hs, err := socks.Negotiate(local)
	if err != nil {
		rec.Err = err
		log.WithError(err).Warn("socks negotiation failed")
		return
	}
	rec.Dialect = hs.Dialect.String()
	rec.Target = hs.Target()
	log = log.WithFields(logrus.Fields{"dialect": rec.Dialect, "target": rec.Target})

	callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	conn, err := s.tunnel.Connect(callCtx, &protocol.ConnectRequest{UID: s.uid, Address: hs.Address, Port: hs.Port})
	cancel()
	if err != nil {
		rec.Err = err
		log.WithError(err).Warn("connect call failed")
		return
	}
	if !conn.Success {
		rec.Err = errors.New(conn.Message)
		log.Warn(conn.Message)
		return
	}
	rec.CID = conn.CID
	log = log.WithField("cid", conn.CID)
	log.Debug(conn.Message)
	s.event("connected to "+rec.Target, conn.CID)

	if len(hs.Early) > 0 {
		if err := s.forward(ctx, hs.Early, conn.CID, rec.Target); err != nil {
			rec.Err = err
			log.WithError(err).Warn("early payload not delivered")
			s.disconnect(conn.CID, log)
			return
		}
	}

	rec.Up, rec.Down, rec.Err = s.pump(ctx, local, conn.CID, rec.Target, log)
	rec.Up += int64(len(hs.Early))
	rec.OK = rec.Err == nil
	s.disconnect(conn.CID, log)
}

// pump runs both directions until one of them stops. A clean local EOF or
// a peer-side disconnection ends the relay without an error.
func (s *Server) pump(ctx context.Context, local net.Conn, cid int32, target string, log *logrus.Entry) (up, down int64, err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	var upErr, downErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		up, upErr = s.upstream(ctx, local, cid, target)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		down, downErr = s.downstream(ctx, local, cid, target)
	}()

	<-ctx.Done()
	// Unblocks whichever side is stuck on the local socket.
	_ = local.SetDeadline(time.Now())
	wg.Wait()

	if upErr != nil {
		log.WithError(upErr).Debug("upstream stopped")
	}
	if downErr != nil {
		log.WithError(downErr).Debug("downstream stopped")
	}
	return up, down, errors.Join(upErr, downErr)
}

// upstream forwards local bytes with Write calls.
func (s *Server) upstream(ctx context.Context, local net.Conn, cid int32, target string) (int64, error) {
	buf := pool.Get(constants.BufferSize)
	defer pool.Put(buf)

	var total int64
	for {
		n, rerr := local.Read(buf)
		if n > 0 {
			if err := s.forward(ctx, buf[:n], cid, target); err != nil {
				if ctx.Err() != nil {
					return total, nil
				}
				return total, err
			}
			total += int64(n)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) || ctx.Err() != nil {
				return total, nil
			}
			return total, rerr
		}
	}
}

// forward sends p to the session with one Write call.
func (s *Server) forward(ctx context.Context, p []byte, cid int32, target string) error {
	callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	resp, err := s.tunnel.Write(callCtx, &protocol.WriteRequest{UID: s.uid, CID: cid, Data: crypto.Obfuscate(p, cid)})
	cancel()
	if err == nil && !resp.Success {
		err = errors.New(resp.Message)
	}
	if err != nil {
		if ctx.Err() == nil {
			s.trafficError("local->tunnel", err, target, cid)
		}
		return err
	}
	s.bytesUp.Add(int64(len(p)))
	if s.opts.Traffic != nil {
		s.opts.Traffic.LogData("local->tunnel", len(p), target, cid)
	}
	return nil
}

// downstream polls Read and forwards data to the local socket. An empty
// successful Read means nothing has arrived yet.
func (s *Server) downstream(ctx context.Context, local net.Conn, cid int32, target string) (int64, error) {
	var total int64
	for ctx.Err() == nil {
		callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
		resp, err := s.tunnel.Read(callCtx, &protocol.ConnectionRequest{UID: s.uid, CID: cid})
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return total, nil
			}
			s.trafficError("tunnel->local", err, target, cid)
			return total, err
		}
		if !resp.Success {
			if resp.Message == constants.MsgServerSide+constants.MsgDisconnectDetected {
				s.event("remote end closed", cid)
				return total, nil
			}
			err := errors.New(resp.Message)
			s.trafficError("tunnel->local", err, target, cid)
			return total, err
		}
		if len(resp.Data) == 0 {
			continue
		}

		crypto.ObfuscateInPlace(resp.Data, cid)
		if _, err := local.Write(resp.Data); err != nil {
			if ctx.Err() != nil {
				return total, nil
			}
			return total, err
		}
		total += int64(len(resp.Data))
		s.bytesDown.Add(int64(len(resp.Data)))
		if s.opts.Traffic != nil {
			s.opts.Traffic.LogData("tunnel->local", len(resp.Data), target, cid)
		}
	}
	return total, nil
}

// disconnect always runs on a fresh context so a cancelled relay still
// releases its session.
func (s *Server) disconnect(cid int32, log *logrus.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.CallTimeout)
	defer cancel()

	resp, err := s.tunnel.Disconnect(ctx, &protocol.ConnectionRequest{UID: s.uid, CID: cid})
	if err != nil {
		log.WithError(err).Warn("disconnect call failed")
	} else {
		log.Debug(resp.Message)
	}
	s.event("disconnected", cid)
}

func (s *Server) event(msg string, cid int32) {
	if s.opts.Traffic != nil {
		s.opts.Traffic.LogEvent(msg, cid)
	}
}

func (s *Server) trafficError(direction string, err error, target string, cid int32) {
	if s.opts.Traffic != nil {
		s.opts.Traffic.LogError(direction, err, target, cid)
	}
}
