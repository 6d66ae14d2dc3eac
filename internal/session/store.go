package session

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/juju/ratelimit"
	"github.com/sirupsen/logrus"

	"tunnelrpc/internal/constants"
	"tunnelrpc/internal/logger"
)

// Options configures a Registry. Zero values take the defaults from constants.
type Options struct {
	IdleTimeout  time.Duration
	PollInterval time.Duration
	DialTimeout  time.Duration
	// MaxPerUser caps live sessions per user token; 0 means unlimited.
	MaxPerUser int
	// RateLimit caps each session's throughput in bytes per second; 0 means unlimited.
	RateLimit int64
	Dial      func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Registry owns every live tunnel session. Structural changes happen under
// one lock; per-session state uses the session's own locks.
type Registry struct {
	opts Options
	base time.Time
	draw func() int32

	mu       sync.Mutex
	conns    map[int32]*Conn
	onExpire func(c *Conn)
}

func NewRegistry(opts Options) *Registry {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = constants.SessionIdleTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = constants.PollInterval
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = constants.DialTimeout
	}
	if opts.Dial == nil {
		d := &net.Dialer{Timeout: opts.DialTimeout}
		opts.Dial = d.DialContext
	}
	return &Registry{
		opts:  opts,
		base:  time.Now(),
		draw:  randomToken,
		conns: make(map[int32]*Conn),
	}
}

// OnExpire registers a callback run after the reaper tears a session down.
func (r *Registry) OnExpire(fn func(c *Conn)) {
	r.mu.Lock()
	r.onExpire = fn
	r.mu.Unlock()
}

func (r *Registry) countFor(uid int32) int {
	n := 0
	for _, c := range r.conns {
		if c.UID == uid {
			n++
		}
	}
	return n
}

func (r *Registry) overLimit(uid int32) bool {
	return r.opts.MaxPerUser > 0 && r.countFor(uid) >= r.opts.MaxPerUser
}

// Open dials host:port and registers the socket under a fresh token.
func (r *Registry) Open(ctx context.Context, uid int32, host string, port int) (*Conn, error) {
	r.mu.Lock()
	full := r.overLimit(uid)
	r.mu.Unlock()
	if full {
		return nil, ErrTooManySessions
	}

	target := net.JoinHostPort(host, strconv.Itoa(port))
	dctx, cancel := context.WithTimeout(ctx, r.opts.DialTimeout)
	defer cancel()
	nc, err := r.opts.Dial(dctx, "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}

	var bucket *ratelimit.Bucket
	if r.opts.RateLimit > 0 {
		bucket = ratelimit.NewBucketWithRate(float64(r.opts.RateLimit), r.opts.RateLimit)
	}

	r.mu.Lock()
	if r.overLimit(uid) {
		r.mu.Unlock()
		_ = nc.Close()
		return nil, ErrTooManySessions
	}
	cid := allocate(r.draw, func(t int32) bool {
		_, ok := r.conns[t]
		return ok
	})
	c := newConn(cid, uid, target, nc, r.base, bucket)
	r.conns[cid] = c
	r.mu.Unlock()

	logger.Log.WithFields(logrus.Fields{
		"cid":    cid,
		"uid":    uid,
		"target": target,
	}).Debug("tunnel session opened")
	return c, nil
}

// Get returns the session cid owned by uid and marks it as accessed.
func (r *Registry) Get(uid, cid int32) (*Conn, error) {
	r.mu.Lock()
	c, ok := r.conns[cid]
	r.mu.Unlock()
	if !ok || c.UID != uid {
		return nil, ErrConnectionNotFound
	}
	c.touch()
	return c, nil
}

// take removes cid from the map. Only the caller that gets a non-nil result
// may tear the session down.
func (r *Registry) take(cid int32, match func(*Conn) bool) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[cid]
	if !ok || (match != nil && !match(c)) {
		return nil
	}
	delete(r.conns, cid)
	return c
}

// Close removes the session and closes its socket. The entry is removed even
// when the close itself fails.
func (r *Registry) Close(cid int32) error {
	c := r.take(cid, nil)
	if c == nil {
		return ErrConnectionNotFound
	}
	c.close()
	logger.Log.WithField("cid", cid).Debug("tunnel session closed")
	return nil
}

// CloseConn is Close for a session obtained earlier. It does nothing when cid
// has since been reaped and reissued to another session.
func (r *Registry) CloseConn(c *Conn) error {
	if r.take(c.CID, func(cur *Conn) bool { return cur == c }) == nil {
		return ErrConnectionNotFound
	}
	c.close()
	logger.Log.WithField("cid", c.CID).Debug("tunnel session closed")
	return nil
}

// Run reaps idle sessions every PollInterval until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Reap()
		}
	}
}

// Reap evicts sessions idle for longer than IdleTimeout and returns their
// tokens. Candidates are collected first, then each is re-checked and torn
// down on its own.
func (r *Registry) Reap() []int32 {
	r.mu.Lock()
	var candidates []*Conn
	for _, c := range r.conns {
		if c.idle() > r.opts.IdleTimeout {
			candidates = append(candidates, c)
		}
	}
	onExpire := r.onExpire
	r.mu.Unlock()

	var reaped []int32
	for _, cand := range candidates {
		c := r.take(cand.CID, func(cur *Conn) bool {
			return cur == cand && cur.idle() > r.opts.IdleTimeout
		})
		if c == nil {
			continue
		}
		c.close()
		reaped = append(reaped, c.CID)
		logger.Log.WithFields(logrus.Fields{
			"cid":    c.CID,
			"target": c.Target,
		}).Info("idle tunnel session reaped")
		if onExpire != nil {
			onExpire(c)
		}
	}
	return reaped
}

// Snapshot lists live sessions ordered by token.
func (r *Registry) Snapshot() []ConnInfo {
	r.mu.Lock()
	out := make([]ConnInfo, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c.Info())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CID < out[j].CID })
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Shutdown closes every session.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[int32]*Conn)
	r.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	if len(conns) > 0 {
		logger.Log.Infof("closed %d tunnel sessions", len(conns))
	}
}
