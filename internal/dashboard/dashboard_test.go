package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tunnelrpc/internal/constants"
	"tunnelrpc/internal/session"
)

type fakeSessions []session.ConnInfo

func (f fakeSessions) Snapshot() []session.ConnInfo { return f }
func (f fakeSessions) Len() int                     { return len(f) }

func newTestDashboard(t *testing.T) (*Dashboard, *httptest.Server) {
	t.Helper()
	users := session.NewMemoryUserStore(session.Accounts{"alice": {Enabled: true, Password: "secret"}})
	_, err := users.Authenticate(context.Background(), "alice", "secret")
	require.NoError(t, err)

	sessions := fakeSessions{{CID: 7, UID: 1, Target: "example.test:80"}}
	d := New(sessions, users)
	mux := http.NewServeMux()
	d.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	t.Cleanup(d.Close)
	return d, srv
}

func TestStatsAndSessions(t *testing.T) {
	d, srv := newTestDashboard(t)
	d.Publish(Event{Type: EventOpen, CID: 7})

	resp, err := http.Get(srv.URL + constants.EndpointStats)
	require.NoError(t, err)
	defer resp.Body.Close()
	var stats Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, constants.Version, stats.Version)
	assert.Equal(t, 1, stats.ActiveSessions)
	assert.Equal(t, 1, stats.Users)
	assert.Equal(t, int64(1), stats.Events)

	resp, err = http.Get(srv.URL + constants.EndpointSessions)
	require.NoError(t, err)
	defer resp.Body.Close()
	var infos []session.ConnInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&infos))
	require.Len(t, infos, 1)
	assert.Equal(t, "example.test:80", infos[0].Target)
}

func TestEventsBacklogIsBounded(t *testing.T) {
	d, _ := newTestDashboard(t)
	for i := 0; i < maxEvents+10; i++ {
		d.Publish(Event{Type: EventReaped, CID: int32(i)})
	}
	events := d.Events()
	require.Len(t, events, maxEvents)
	assert.Equal(t, int32(10), events[0].CID)
	assert.False(t, events[0].Time.IsZero())
}

func TestNilDashboardIgnoresPublish(t *testing.T) {
	var d *Dashboard
	assert.NotPanics(t, func() { d.Publish(Event{Type: EventLogin}) })
}

func TestEventFeedReplaysAndStreams(t *testing.T) {
	d, srv := newTestDashboard(t)
	d.Publish(Event{Type: EventLogin, User: "alice"})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + constants.EndpointEvents
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() Event {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		var ev Event
		require.NoError(t, conn.ReadJSON(&ev))
		return ev
	}

	first := read()
	assert.Equal(t, EventLogin, first.Type)
	assert.Equal(t, "alice", first.User)

	// The feed joins the broadcast set right after the backlog.
	require.Eventually(t, func() bool { return d.Stats().FeedClients == 1 }, 3*time.Second, 10*time.Millisecond)
	d.Publish(Event{Type: EventOpen, CID: 9, Target: "example.test:443"})

	next := read()
	assert.Equal(t, EventOpen, next.Type)
	assert.Equal(t, int32(9), next.CID)
}

func dialFeed(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + constants.EndpointEvents
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestEventFeedKeepsPublishOrder(t *testing.T) {
	d, srv := newTestDashboard(t)
	conn := dialFeed(t, srv)
	require.Eventually(t, func() bool { return d.Stats().FeedClients == 1 }, 3*time.Second, 10*time.Millisecond)

	const n = 100
	for i := 1; i <= n; i++ {
		d.Publish(Event{Type: EventOpen, CID: int32(i)})
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for i := 1; i <= n; i++ {
		var ev Event
		require.NoError(t, conn.ReadJSON(&ev))
		require.Equal(t, int32(i), ev.CID)
	}
	assert.Zero(t, d.Stats().Dropped)
}

func TestEventFeedJoinSeesNoGapOrDuplicate(t *testing.T) {
	d, srv := newTestDashboard(t)
	stop := make(chan struct{})
	published := make(chan int32, 1)
	go func() {
		var i int32
		defer func() { published <- i }()
		for {
			select {
			case <-stop:
				return
			default:
			}
			i++
			d.Publish(Event{Type: EventOpen, CID: i})
			time.Sleep(time.Millisecond)
		}
	}()

	conn := dialFeed(t, srv)
	time.Sleep(50 * time.Millisecond)
	close(stop)
	last := <-published

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var prev int32
	for prev < last {
		var ev Event
		require.NoError(t, conn.ReadJSON(&ev))
		if prev != 0 {
			require.Equal(t, prev+1, ev.CID)
		}
		prev = ev.CID
	}
}

func TestCloseDisconnectsFeeds(t *testing.T) {
	d, srv := newTestDashboard(t)
	conn := dialFeed(t, srv)
	require.Eventually(t, func() bool { return d.Stats().FeedClients == 1 }, 3*time.Second, 10*time.Millisecond)

	d.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.Zero(t, d.Stats().FeedClients)
	assert.NotPanics(t, func() { d.Publish(Event{Type: EventLogin}) })
}
