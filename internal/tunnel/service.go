// Package tunnel implements the server side of the six tunnel operations on
// top of the user store and the session registry.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"

	"tunnelrpc/internal/constants"
	"tunnelrpc/internal/crypto"
	"tunnelrpc/internal/dashboard"
	"tunnelrpc/internal/logger"
	"tunnelrpc/internal/metrics"
	"tunnelrpc/internal/protocol"
	"tunnelrpc/internal/security"
	"tunnelrpc/internal/session"
)

type Options struct {
	// PollWait bounds how long Read waits for data.
	PollWait time.Duration

	BruteForce *security.BruteForceProtector
	Audit      *security.AuditLogger
	Dashboard  *dashboard.Dashboard
}

// Service answers every operation with a response; the error return is
// reserved for transports and is always nil.
type Service struct {
	users    session.UserStore
	sessions *session.Registry
	pollWait time.Duration
	guard    *security.BruteForceProtector
	audit    *security.AuditLogger
	dash     *dashboard.Dashboard
}

var _ protocol.Tunnel = (*Service)(nil)

func NewService(users session.UserStore, sessions *session.Registry, opts Options) *Service {
	if opts.PollWait <= 0 {
		opts.PollWait = constants.SocketPollTime
	}
	s := &Service{
		users:    users,
		sessions: sessions,
		pollWait: opts.PollWait,
		guard:    opts.BruteForce,
		audit:    opts.Audit,
		dash:     opts.Dashboard,
	}
	sessions.OnExpire(s.expired)
	return s
}

func failure(msg string) protocol.Response {
	return protocol.Response{Message: constants.MsgServerSide + msg}
}

func success(msg string) protocol.Response {
	return protocol.Response{Success: true, Message: constants.MsgServerSide + msg}
}

func (s *Service) Version(context.Context) (*protocol.Response, error) {
	resp := success(fmt.Sprintf("%s v%s, %s", constants.AppName, constants.Version, runtime.Version()))
	return &resp, nil
}

func (s *Service) Authenticate(ctx context.Context, req *protocol.AuthenticateRequest) (*protocol.AuthenticateResponse, error) {
	resp := &protocol.AuthenticateResponse{UID: constants.InvalidToken}
	ip := protocol.PeerFrom(ctx)
	name := security.SanitizeInput(req.Username)

	if s.guard != nil && ip != "" && !s.guard.Check(ip) {
		resp.Response = failure(constants.MsgTooManyAttempts)
		metrics.AuthTotal.WithLabelValues("blocked").Inc()
		return resp, nil
	}

	u, err := s.users.Authenticate(ctx, req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrBadPassword):
			resp.Response = failure(fmt.Sprintf(constants.MsgBadPassword, name))
		case errors.Is(err, session.ErrAccessDenied):
			resp.Response = failure(fmt.Sprintf(constants.MsgAccessDenied, name))
		default:
			resp.Response = failure(err.Error())
		}
		s.authFailed(ip, name, err)
		return resp, nil
	}

	if s.guard != nil && ip != "" {
		s.guard.RecordSuccess(ip)
	}
	s.audit.LogAuthSuccess(ip, u.Name)
	metrics.AuthTotal.WithLabelValues("success").Inc()
	metrics.AuthenticatedUsers.Set(float64(s.users.Count()))
	s.dash.Publish(dashboard.Event{Type: dashboard.EventLogin, User: u.Name, UID: u.UID})
	logger.Log.WithFields(logrus.Fields{"user": u.Name, "uid": u.UID, "ip": ip}).Info("user authenticated")

	resp.Response = success(fmt.Sprintf(constants.MsgAccessGranted, u.Name))
	resp.UID = u.UID
	return resp, nil
}

func (s *Service) authFailed(ip, name string, err error) {
	metrics.AuthTotal.WithLabelValues("failure").Inc()
	s.audit.LogAuthFailure(ip, name, err.Error())
	s.dash.Publish(dashboard.Event{Type: dashboard.EventAuthFailed, User: name, Detail: err.Error()})
	logger.Log.WithFields(logrus.Fields{"user": name, "ip": ip}).WithError(err).Warn("authentication failed")

	if s.guard == nil || ip == "" {
		return
	}
	attempts := s.guard.RecordFailure(ip)
	if !s.guard.Check(ip) {
		s.audit.LogBruteForce(ip, name, attempts)
		logger.Log.WithField("ip", ip).Warn("authentication blocked after repeated failures")
	}
}

// user validates a user token.
func (s *Service) user(ctx context.Context, uid int32) (*session.User, *protocol.Response) {
	u, ok := s.users.Lookup(ctx, uid)
	if !ok {
		resp := failure(constants.MsgUserNotFound)
		return nil, &resp
	}
	return u, nil
}

// conn validates both tokens.
func (s *Service) conn(ctx context.Context, uid, cid int32) (*session.User, *session.Conn, *protocol.Response) {
	u, fail := s.user(ctx, uid)
	if fail != nil {
		return nil, nil, fail
	}
	c, err := s.sessions.Get(uid, cid)
	if err != nil {
		resp := failure(constants.MsgConnectionNotFound)
		return nil, nil, &resp
	}
	return u, c, nil
}

func (s *Service) Connect(ctx context.Context, req *protocol.ConnectRequest) (*protocol.ConnectResponse, error) {
	resp := &protocol.ConnectResponse{CID: constants.InvalidToken}
	u, fail := s.user(ctx, req.UID)
	if fail != nil {
		resp.Response = *fail
		return resp, nil
	}
	if !security.ValidatePort(req.Port) {
		resp.Response = failure(fmt.Sprintf(constants.MsgInvalidPort, req.Port))
		return resp, nil
	}
	if !security.ValidateHost(req.Address) {
		resp.Response = failure(fmt.Sprintf(constants.MsgConnectionRefused, req.Address, req.Port, "invalid host"))
		return resp, nil
	}

	c, err := s.sessions.Open(ctx, u.UID, req.Address, req.Port)
	if err != nil {
		var ne net.Error
		switch {
		case errors.Is(err, session.ErrTooManySessions):
			resp.Response = failure(constants.MsgTooManyConnections)
		case errors.As(err, &ne) && ne.Timeout():
			resp.Response = failure(fmt.Sprintf(constants.MsgConnectionTimeout, net.JoinHostPort(req.Address, fmt.Sprint(req.Port))))
		default:
			resp.Response = failure(fmt.Sprintf(constants.MsgConnectionRefused, req.Address, req.Port, err))
		}
		logger.Log.WithFields(logrus.Fields{"user": u.Name, "address": req.Address, "port": req.Port}).WithError(err).Warn("connect failed")
		return resp, nil
	}

	metrics.SessionsOpenedTotal.Inc()
	metrics.ActiveSessions.Set(float64(s.sessions.Len()))
	s.audit.LogSessionOpen(protocol.PeerFrom(ctx), u.Name, c.CID, c.Target)
	s.dash.Publish(dashboard.Event{Type: dashboard.EventOpen, User: u.Name, UID: u.UID, CID: c.CID, Target: c.Target})
	logger.Log.WithFields(logrus.Fields{"user": u.Name, "cid": c.CID, "target": c.Target}).Info("tunnel connected")

	resp.Response = success(fmt.Sprintf(constants.MsgConnected, c.Target, c.RemoteAddr()))
	resp.CID = c.CID
	resp.Connected = c.Connected()
	resp.DataAvailable = c.DataAvailable()
	return resp, nil
}

func (s *Service) Disconnect(ctx context.Context, req *protocol.ConnectionRequest) (*protocol.Response, error) {
	u, c, fail := s.conn(ctx, req.UID, req.CID)
	if fail != nil {
		return fail, nil
	}
	// The reaper may have won the race since the lookup.
	if err := s.sessions.CloseConn(c); err != nil {
		resp := failure(constants.MsgConnectionNotFound)
		return &resp, nil
	}

	metrics.ActiveSessions.Set(float64(s.sessions.Len()))
	s.audit.LogSessionClose(protocol.PeerFrom(ctx), u.Name, c.CID, "client disconnect")
	s.dash.Publish(dashboard.Event{Type: dashboard.EventClose, User: u.Name, UID: u.UID, CID: c.CID, Target: c.Target})
	logger.Log.WithFields(logrus.Fields{"user": u.Name, "cid": c.CID, "target": c.Target}).Info("tunnel disconnected")

	resp := success(fmt.Sprintf(constants.MsgDisconnected, c.Target))
	return &resp, nil
}

func (s *Service) Read(ctx context.Context, req *protocol.ConnectionRequest) (*protocol.ReadResponse, error) {
	resp := &protocol.ReadResponse{}
	_, c, fail := s.conn(ctx, req.UID, req.CID)
	if fail != nil {
		resp.Response = *fail
		return resp, nil
	}

	buf := GetBuffer()
	defer PutBuffer(buf)

	n, err := c.Read(buf, s.pollWait)
	if err != nil {
		if errors.Is(err, session.ErrPeerClosed) {
			resp.Response = failure(constants.MsgDisconnectDetected)
		} else {
			resp.Response = failure(err.Error())
			resp.Connected = c.Connected()
		}
		return resp, nil
	}

	resp.Success = true
	resp.Connected = c.Connected()
	if n > 0 {
		resp.Data = crypto.Obfuscate(buf[:n], c.CID)
		metrics.BytesTotal.WithLabelValues("downstream").Add(float64(n))
	}
	resp.DataAvailable = c.DataAvailable()
	return resp, nil
}

func (s *Service) Write(ctx context.Context, req *protocol.WriteRequest) (*protocol.Response, error) {
	_, c, fail := s.conn(ctx, req.UID, req.CID)
	if fail != nil {
		return fail, nil
	}

	if err := c.Write(crypto.Obfuscate(req.Data, c.CID)); err != nil {
		resp := failure(err.Error())
		resp.Connected = c.Connected()
		return &resp, nil
	}
	metrics.BytesTotal.WithLabelValues("upstream").Add(float64(len(req.Data)))

	resp := protocol.Response{
		Success:       true,
		Connected:     c.Connected(),
		DataAvailable: c.DataAvailable(),
	}
	return &resp, nil
}

func (s *Service) expired(c *session.Conn) {
	metrics.SessionsReapedTotal.Inc()
	metrics.ActiveSessions.Set(float64(s.sessions.Len()))
	s.audit.LogSessionClose("", "", c.CID, "idle timeout")
	s.dash.Publish(dashboard.Event{Type: dashboard.EventReaped, UID: c.UID, CID: c.CID, Target: c.Target})
}
