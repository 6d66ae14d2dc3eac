package security

import (
	"net"
	"net/http"
	"net/netip"
	"os"
	"strings"
	"sync"
	"time"
)

// ConnectionLimiter caps concurrent transport connections per key, usually a
// client IP. A limit of 0 disables it.
type ConnectionLimiter struct {
	mu     sync.Mutex
	active map[string]int
	limit  int
}

func NewConnectionLimiter(limit int) *ConnectionLimiter {
	return &ConnectionLimiter{active: make(map[string]int), limit: limit}
}

// TryConnect takes a slot for key, or reports false when key is at the limit.
func (cl *ConnectionLimiter) TryConnect(key string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.limit > 0 && cl.active[key] >= cl.limit {
		return false
	}
	cl.active[key]++
	return true
}

// Disconnect releases a slot taken by TryConnect.
func (cl *ConnectionLimiter) Disconnect(key string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	switch n := cl.active[key]; {
	case n > 1:
		cl.active[key] = n - 1
	case n == 1:
		delete(cl.active, key)
	}
}

func (cl *ConnectionLimiter) Active(key string) int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.active[key]
}

// EnvTrustedProxies overrides the default private ranges trusted to set
// forwarding headers. The value is a comma separated list of CIDRs.
const EnvTrustedProxies = "TUNNEL_TRUSTED_PROXIES"

var trustedProxies = sync.OnceValue(func() []netip.Prefix {
	cidrs := "127.0.0.0/8,::1/128,10.0.0.0/8,172.16.0.0/12,192.168.0.0/16"
	if env := os.Getenv(EnvTrustedProxies); env != "" {
		cidrs = env
	}
	var out []netip.Prefix
	for _, c := range strings.Split(cidrs, ",") {
		if p, err := netip.ParsePrefix(strings.TrimSpace(c)); err == nil {
			out = append(out, p)
		}
	}
	return out
})

func isTrustedProxy(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range trustedProxies() {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// HostOf strips the port from a remote address.
func HostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return addr
	}
	return host
}

// GetClientIP returns the peer address of r. Forwarding headers are honoured
// only when the direct peer is a trusted proxy.
func GetClientIP(r *http.Request) string {
	direct := HostOf(r.RemoteAddr)
	if !isTrustedProxy(direct) {
		return direct
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); net.ParseIP(ip) != nil {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-Ip")); net.ParseIP(ip) != nil {
		return ip
	}
	return direct
}

// BruteForceProtector blocks a key for a while after too many failed
// authentications.
type BruteForceProtector struct {
	mu       sync.Mutex
	failures map[string]*failures
	max      int
	block    time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

type failures struct {
	count        int
	blockedUntil time.Time
}

func NewBruteForceProtector(maxAttempts int, block time.Duration) *BruteForceProtector {
	bf := &BruteForceProtector{
		failures: make(map[string]*failures),
		max:      maxAttempts,
		block:    block,
		stop:     make(chan struct{}),
	}
	go bf.sweep()
	return bf
}

// Check reports whether key may attempt to authenticate. An expired block is
// forgotten.
func (bf *BruteForceProtector) Check(key string) bool {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	f, ok := bf.failures[key]
	if !ok {
		return true
	}
	if !f.blockedUntil.IsZero() {
		if time.Now().Before(f.blockedUntil) {
			return false
		}
		delete(bf.failures, key)
		return true
	}
	return f.count < bf.max
}

// RecordFailure counts a failed attempt and returns the running total. The
// key is blocked once the total reaches the limit.
func (bf *BruteForceProtector) RecordFailure(key string) int {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	f, ok := bf.failures[key]
	if !ok {
		f = &failures{}
		bf.failures[key] = f
	}
	f.count++
	if f.count >= bf.max {
		f.blockedUntil = time.Now().Add(bf.block)
	}
	return f.count
}

func (bf *BruteForceProtector) RecordSuccess(key string) {
	bf.mu.Lock()
	delete(bf.failures, key)
	bf.mu.Unlock()
}

func (bf *BruteForceProtector) Close() {
	bf.stopOnce.Do(func() { close(bf.stop) })
}

func (bf *BruteForceProtector) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-bf.stop:
			return
		case now := <-ticker.C:
			bf.mu.Lock()
			for key, f := range bf.failures {
				if !f.blockedUntil.IsZero() && now.After(f.blockedUntil) {
					delete(bf.failures, key)
				}
			}
			bf.mu.Unlock()
		}
	}
}
