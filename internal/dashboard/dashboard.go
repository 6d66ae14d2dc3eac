// Package dashboard serves the server's live view: counters, the session
// table and a websocket feed of session events.
package dashboard

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"tunnelrpc/internal/constants"
	"tunnelrpc/internal/logger"
	"tunnelrpc/internal/session"
)

const (
	maxEvents    = 200
	outboxSize   = 256
	writeTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// Event types published by the tunnel service.
const (
	EventLogin      = "login"
	EventAuthFailed = "auth_failed"
	EventOpen       = "open"
	EventClose      = "close"
	EventReaped     = "reaped"
)

type Event struct {
	Type   string    `json:"type"`
	Time   time.Time `json:"time"`
	User   string    `json:"user,omitempty"`
	UID    int32     `json:"uid,omitempty"`
	CID    int32     `json:"cid,omitempty"`
	Target string    `json:"target,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

// Sessions is the view of the registry the dashboard needs.
type Sessions interface {
	Snapshot() []session.ConnInfo
	Len() int
}

// outgoing is one unit of work for the feed writer: either an event to
// broadcast or a feed joining with its backlog.
type outgoing struct {
	ev      Event
	join    *websocket.Conn
	backlog []Event
}

type Dashboard struct {
	sessions Sessions
	users    session.UserStore
	started  time.Time

	// mu orders the backlog and the outbox together.
	mu     sync.RWMutex
	events []Event
	outbox chan outgoing

	clientsMu sync.Mutex
	clients   map[*websocket.Conn]struct{}

	published atomic.Int64
	dropped   atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
	stopped   chan struct{}
}

// New returns a dashboard and starts its feed writer. Close stops it.
func New(sessions Sessions, users session.UserStore) *Dashboard {
	d := &Dashboard{
		sessions: sessions,
		users:    users,
		started:  time.Now(),
		outbox:   make(chan outgoing, outboxSize),
		clients:  make(map[*websocket.Conn]struct{}),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go d.run()
	return d
}

// Register mounts the dashboard endpoints on mux.
func (d *Dashboard) Register(mux *http.ServeMux) {
	mux.HandleFunc(constants.EndpointStats, d.handleStats)
	mux.HandleFunc(constants.EndpointSessions, d.handleSessions)
	mux.HandleFunc(constants.EndpointEvents, d.handleEvents)
}

// Publish records ev and queues it for every connected feed. Feeds see
// events in publish order. When the queue is full the event is kept in the
// backlog but not streamed. A nil dashboard ignores it.
func (d *Dashboard) Publish(ev Event) {
	if d == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
	if len(d.events) > maxEvents {
		d.events = d.events[len(d.events)-maxEvents:]
	}
	d.published.Add(1)

	select {
	case <-d.done:
		return
	default:
	}
	select {
	case d.outbox <- outgoing{ev: ev}:
	default:
		if d.dropped.Add(1) == 1 {
			logger.Log.Warn("dashboard feed is falling behind, events dropped")
		}
	}
}

// Close stops the feed writer and disconnects every feed.
func (d *Dashboard) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() { close(d.done) })
	<-d.stopped
}

// run is the only goroutine that writes to feeds.
func (d *Dashboard) run() {
	defer close(d.stopped)
	defer func() {
		d.clientsMu.Lock()
		for c := range d.clients {
			c.Close()
		}
		clear(d.clients)
		d.clientsMu.Unlock()
	}()

	for {
		select {
		case <-d.done:
			return
		case out := <-d.outbox:
			if out.join != nil {
				d.join(out.join, out.backlog)
				continue
			}
			data, err := json.Marshal(out.ev)
			if err != nil {
				continue
			}
			d.broadcast(data)
		}
	}
}

func (d *Dashboard) join(c *websocket.Conn, backlog []Event) {
	for _, ev := range backlog {
		data, _ := json.Marshal(ev)
		if err := send(c, data); err != nil {
			c.Close()
			return
		}
	}
	d.clientsMu.Lock()
	d.clients[c] = struct{}{}
	d.clientsMu.Unlock()
}

func (d *Dashboard) broadcast(data []byte) {
	d.clientsMu.Lock()
	targets := make([]*websocket.Conn, 0, len(d.clients))
	for c := range d.clients {
		targets = append(targets, c)
	}
	d.clientsMu.Unlock()

	for _, c := range targets {
		if err := send(c, data); err != nil {
			d.drop(c)
		}
	}
}

func send(c *websocket.Conn, data []byte) error {
	_ = c.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.WriteMessage(websocket.TextMessage, data)
}

func (d *Dashboard) drop(c *websocket.Conn) {
	d.clientsMu.Lock()
	delete(d.clients, c)
	d.clientsMu.Unlock()
	c.Close()
}

// Events returns the most recent events, oldest first.
func (d *Dashboard) Events() []Event {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Event, len(d.events))
	copy(out, d.events)
	return out
}

func (d *Dashboard) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	// The join is queued behind every event already in the backlog, so the
	// writer replays it before streaming anything newer.
	d.mu.Lock()
	backlog := make([]Event, len(d.events))
	copy(backlog, d.events)
	select {
	case d.outbox <- outgoing{join: conn, backlog: backlog}:
	case <-d.done:
		d.mu.Unlock()
		conn.Close()
		return
	}
	d.mu.Unlock()
	defer d.drop(conn)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Stats is the body of the stats endpoint.
type Stats struct {
	Version        string `json:"version"`
	Uptime         string `json:"uptime"`
	ActiveSessions int    `json:"active_sessions"`
	Users          int    `json:"users"`
	Events         int64  `json:"events"`
	Dropped        int64  `json:"dropped"`
	FeedClients    int    `json:"feed_clients"`
	Goroutines     int    `json:"goroutines"`
}

func (d *Dashboard) Stats() Stats {
	d.clientsMu.Lock()
	feed := len(d.clients)
	d.clientsMu.Unlock()

	return Stats{
		Version:        constants.Version,
		Uptime:         time.Since(d.started).Round(time.Second).String(),
		ActiveSessions: d.sessions.Len(),
		Users:          d.users.Count(),
		Events:         d.published.Load(),
		Dropped:        d.dropped.Load(),
		FeedClients:    feed,
		Goroutines:     runtime.NumGoroutine(),
	}
}

func (d *Dashboard) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, d.Stats())
}

func (d *Dashboard) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, d.sessions.Snapshot())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.WithError(err).Debug("dashboard response")
	}
}
