package session

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/ratelimit"

	"tunnelrpc/internal/constants"
	"tunnelrpc/internal/logger"
	"tunnelrpc/internal/netutil"
)

// ErrPeerClosed is returned by Conn.Read once the remote end has closed.
var ErrPeerClosed = errors.New(constants.MsgDisconnectDetected)

// Conn is one live tunnel session and the outbound socket it owns.
type Conn struct {
	CID      int32
	UID      int32
	Target   string
	OpenedAt time.Time

	conn   net.Conn
	bucket *ratelimit.Bucket
	base   time.Time
	closed atomic.Bool

	// lastAccess is the offset from base, so it follows the monotonic clock.
	lastAccess atomic.Int64
	bytesIn    atomic.Int64
	bytesOut   atomic.Int64

	readMu    sync.Mutex
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newConn(cid, uid int32, target string, nc net.Conn, base time.Time, bucket *ratelimit.Bucket) *Conn {
	c := &Conn{
		CID:      cid,
		UID:      uid,
		Target:   target,
		OpenedAt: time.Now(),
		conn:     nc,
		bucket:   bucket,
		base:     base,
	}
	c.touch()
	return c
}

// touch moves last-access forward. It never moves it back, even when two
// callers race.
func (c *Conn) touch() {
	now := int64(time.Since(c.base))
	for {
		prev := c.lastAccess.Load()
		if now <= prev || c.lastAccess.CompareAndSwap(prev, now) {
			return
		}
	}
}

func (c *Conn) LastAccess() time.Time {
	return c.base.Add(time.Duration(c.lastAccess.Load()))
}

// idle is measured against the monotonic clock.
func (c *Conn) idle() time.Duration {
	return time.Since(c.base) - time.Duration(c.lastAccess.Load())
}

// Connected is false once the session has been torn down.
func (c *Conn) Connected() bool {
	return !c.closed.Load()
}

// RemoteAddr is the resolved address of the outbound socket.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// DataAvailable reports whether the outbound socket has bytes queued.
func (c *Conn) DataAvailable() bool {
	if c.closed.Load() {
		return false
	}
	return netutil.DataAvailable(c.conn)
}

// Read waits at most wait for data on the outbound socket. A timeout is not an
// error: it returns 0, nil. A closed peer returns ErrPeerClosed. With a rate
// limit the read is clamped to the bytes the bucket holds now, and a drained
// bucket idles for wait and returns 0, nil.
func (c *Conn) Read(buf []byte, wait time.Duration) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	c.touch()
	if c.bucket != nil {
		avail := c.bucket.Available()
		if avail <= 0 {
			time.Sleep(wait)
			c.touch()
			return 0, nil
		}
		if avail < int64(len(buf)) {
			buf = buf[:avail]
		}
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		return 0, err
	}
	n, err := c.conn.Read(buf)
	c.touch()
	if n > 0 {
		if c.bucket != nil {
			c.bucket.Take(int64(n))
		}
		c.bytesIn.Add(int64(n))
		return n, nil
	}
	if err == nil {
		return 0, nil
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return 0, nil
	}
	if errors.Is(err, io.EOF) {
		return 0, ErrPeerClosed
	}
	return 0, err
}

// Write sends p in full to the outbound socket. Under a rate limit the bytes
// are charged to the bucket and the call pauses for the deficit, at most
// constants.MaxThrottleWait; any remaining debt slows the following calls.
func (c *Conn) Write(p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.touch()
	if c.bucket != nil {
		if d := c.bucket.Take(int64(len(p))); d > 0 {
			time.Sleep(min(d, constants.MaxThrottleWait))
		}
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(constants.CallTimeout)); err != nil {
		return err
	}
	n, err := c.conn.Write(p)
	c.bytesOut.Add(int64(n))
	c.touch()
	return err
}

// close tears down the socket once. Errors are logged and dropped.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if tc, ok := c.conn.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
		if err := c.conn.Close(); err != nil {
			logger.Log.WithError(err).WithField("cid", c.CID).Debug("close outbound socket")
		}
	})
}

// ConnInfo is a point-in-time view of a session.
type ConnInfo struct {
	CID        int32     `json:"cid"`
	UID        int32     `json:"uid"`
	Target     string    `json:"target"`
	OpenedAt   time.Time `json:"opened_at"`
	LastAccess time.Time `json:"last_access"`
	BytesIn    int64     `json:"bytes_in"`
	BytesOut   int64     `json:"bytes_out"`
}

func (c *Conn) Info() ConnInfo {
	return ConnInfo{
		CID:        c.CID,
		UID:        c.UID,
		Target:     c.Target,
		OpenedAt:   c.OpenedAt,
		LastAccess: c.LastAccess(),
		BytesIn:    c.bytesIn.Load(),
		BytesOut:   c.bytesOut.Load(),
	}
}
