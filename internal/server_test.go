package internal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liveuser/internal/protocol"
	"liveuser/internal/storage"
)

func newTestServer(t *testing.T, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	server := NewServer(opts)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		ts.Close()
		server.Shutdown("test done")
	})
	return server, ts
}

func dial(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.Decode(payload)
	require.NoError(t, err)
	return msg
}

// readUntil skips messages until match accepts one. Re-broadcasts may repeat
// a count, so tests wait for the value rather than a position.
func readUntil(t *testing.T, conn *websocket.Conn, match func(protocol.Message) bool) protocol.Message {
	t.Helper()
	for {
		msg := readMessage(t, conn)
		if match(msg) {
			return msg
		}
	}
}

func updateWithCount(count int) func(protocol.Message) bool {
	return func(msg protocol.Message) bool {
		return msg.Type == protocol.TypeUpdate && msg.CountValue() == count
	}
}

func TestServer_LiveCountFollowsConnections(t *testing.T) {
	_, ts := newTestServer(t, Options{})

	alice := dial(t, ts, "siteId=acme&clientId=A")
	first := readUntil(t, alice, updateWithCount(1))
	assert.Equal(t, "acme", first.SiteID)
	assert.Nil(t, first.TotalCount)

	bob := dial(t, ts, "siteId=acme&clientId=B")
	readUntil(t, alice, updateWithCount(2))
	readUntil(t, bob, updateWithCount(2))

	require.NoError(t, bob.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = bob.Close()
	readUntil(t, alice, updateWithCount(1))
}

func TestServer_SitesAreIsolated(t *testing.T) {
	server, ts := newTestServer(t, Options{})

	acme := dial(t, ts, "siteId=acme&clientId=A")
	readUntil(t, acme, updateWithCount(1))
	other := dial(t, ts, "siteId=other&clientId=B")
	readUntil(t, other, updateWithCount(1))

	count, active := server.Hub().Count("acme")
	assert.True(t, active)
	assert.Equal(t, 1, count)
	sites, connections := server.Hub().Stats()
	assert.Equal(t, 2, sites)
	assert.Equal(t, 2, connections)
}

func TestServer_TotalCountIncrementsOncePerAdmission(t *testing.T) {
	counter := newMemoryCounter()
	_, ts := newTestServer(t, Options{Counter: counter})

	alice := dial(t, ts, "siteId=beta&clientId=A&enableTotalCount=true")
	msg := readUntil(t, alice, updateWithCount(1))
	require.NotNil(t, msg.TotalCount)
	assert.Equal(t, int64(1), *msg.TotalCount)

	bob := dial(t, ts, "siteId=beta&clientId=B&enableTotalCount=true")
	msg = readUntil(t, bob, updateWithCount(2))
	require.NotNil(t, msg.TotalCount)
	assert.Equal(t, int64(2), *msg.TotalCount)

	// the browser client re-declares its site right after connecting
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, protocol.Join("beta", "A").MustEncode()))
	msg = readUntil(t, alice, func(m protocol.Message) bool {
		return m.Type == protocol.TypeUpdate && m.TotalCount != nil && *m.TotalCount == 2
	})
	assert.Equal(t, 2, msg.CountValue())

	counter.mu.Lock()
	defer counter.mu.Unlock()
	assert.Equal(t, 2, counter.calls)
}

func TestServer_MalformedFrameIsDropped(t *testing.T) {
	server, ts := newTestServer(t, Options{})

	conn := dial(t, ts, "siteId=acme&clientId=A")
	readUntil(t, conn, updateWithCount(1))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)))
	ping := protocol.HeartbeatPing("acme", "A", time.Now())
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, ping.MustEncode()))

	ack := readUntil(t, conn, func(m protocol.Message) bool { return m.Type == protocol.TypeHeartbeat })
	assert.NotZero(t, ack.Timestamp)
	assert.Nil(t, ack.TotalCount)

	snapshot := server.metrics.Snapshot()
	assert.Equal(t, uint64(2), snapshot["malformed_frames_total"])
	count, _ := server.Hub().Count("acme")
	assert.Equal(t, 1, count)
}

func TestServer_HeartbeatAckCarriesTotal(t *testing.T) {
	counter := newMemoryCounter()
	_, ts := newTestServer(t, Options{Counter: counter})

	conn := dial(t, ts, "siteId=beta&clientId=A&enableTotalCount=true")
	readUntil(t, conn, updateWithCount(1))

	ping := protocol.HeartbeatPing("beta", "A", time.Now())
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, ping.MustEncode()))
	ack := readUntil(t, conn, func(m protocol.Message) bool { return m.Type == protocol.TypeHeartbeat })
	require.NotNil(t, ack.TotalCount)
	assert.Equal(t, int64(1), *ack.TotalCount)
}

func TestServer_JoinForAnotherSiteMovesConnection(t *testing.T) {
	server, ts := newTestServer(t, Options{})

	alice := dial(t, ts, "siteId=acme&clientId=A")
	readUntil(t, alice, updateWithCount(1))
	bob := dial(t, ts, "siteId=acme&clientId=B")
	readUntil(t, alice, updateWithCount(2))

	require.NoError(t, bob.WriteMessage(websocket.TextMessage, protocol.Join("beta", "B").MustEncode()))
	readUntil(t, alice, updateWithCount(1))
	moved := readUntil(t, bob, func(m protocol.Message) bool {
		return m.Type == protocol.TypeUpdate && m.SiteID == "beta"
	})
	assert.Equal(t, 1, moved.CountValue())

	count, _ := server.Hub().Count("beta")
	assert.Equal(t, 1, count)
}

func TestServer_ShutdownNotifiesAndCloses(t *testing.T) {
	server, ts := newTestServer(t, Options{})

	conn := dial(t, ts, "siteId=acme&clientId=A")
	readUntil(t, conn, updateWithCount(1))

	server.Shutdown("")
	notice := readUntil(t, conn, func(m protocol.Message) bool { return m.Type == protocol.TypeShutdown })
	assert.Equal(t, protocol.DefaultShutdownMessage, notice.Message)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestServer_UpgradeRateLimit(t *testing.T) {
	server, ts := newTestServer(t, Options{UpgradeLimit: 1, UpgradeWindow: time.Minute})

	dial(t, ts, "siteId=acme&clientId=A")

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?siteId=acme&clientId=B"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, uint64(1), server.metrics.Snapshot()["rejected_upgrades_total"])
}

func TestServer_SiteEndpoint(t *testing.T) {
	counter := newMemoryCounter()
	_, ts := newTestServer(t, Options{Counter: counter})

	conn := dial(t, ts, "siteId=acme&clientId=A&enableTotalCount=true")
	readUntil(t, conn, updateWithCount(1))

	resp, err := http.Get(ts.URL + "/api/sites/acme")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body siteResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "acme", body.SiteID)
	assert.Equal(t, 1, body.Count)
	assert.True(t, body.Active)
	require.NotNil(t, body.TotalCount)
	assert.Equal(t, int64(1), *body.TotalCount)
}

func TestServer_StatusEndpoint(t *testing.T) {
	_, ts := newTestServer(t, Options{})

	conn := dial(t, ts, "siteId=acme&clientId=A")
	readUntil(t, conn, updateWithCount(1))

	resp, err := http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, statusResponse{Sites: 1, Connections: 1, Totals: false}, body)
}

func TestServer_ResetTotal(t *testing.T) {
	tests := []struct {
		name       string
		token      string
		header     string
		counter    bool
		wantStatus int
	}{
		{name: "no admin token configured", token: "", header: "Bearer x", counter: true, wantStatus: http.StatusNotFound},
		{name: "missing credentials", token: "secret", header: "", counter: true, wantStatus: http.StatusUnauthorized},
		{name: "wrong token", token: "secret", header: "Bearer nope", counter: true, wantStatus: http.StatusUnauthorized},
		{name: "totals disabled", token: "secret", header: "Bearer secret", counter: false, wantStatus: http.StatusConflict},
		{name: "reset", token: "secret", header: "Bearer secret", counter: true, wantStatus: http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			counter := newMemoryCounter()
			counter.totals["acme"] = 41
			opts := Options{AdminToken: tt.token}
			if tt.counter {
				opts.Counter = counter
			}
			_, ts := newTestServer(t, opts)

			req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/sites/acme/total", nil)
			require.NoError(t, err)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.wantStatus, resp.StatusCode)

			counter.mu.Lock()
			defer counter.mu.Unlock()
			_, exists := counter.totals["acme"]
			assert.Equal(t, tt.wantStatus != http.StatusNoContent, exists)
		})
	}
}

func TestServer_IPEndpoint(t *testing.T) {
	server := NewServer(Options{})
	defer server.Shutdown("")

	req := httptest.NewRequest(http.MethodGet, "/api/ip", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "203.0.113.7", rec.Body.String())
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{name: "cloudflare wins", headers: map[string]string{"CF-Connecting-IP": "1.1.1.1", "X-Forwarded-For": "2.2.2.2"}, remote: "3.3.3.3:1", want: "1.1.1.1"},
		{name: "first forwarded", headers: map[string]string{"X-Forwarded-For": "2.2.2.2, 4.4.4.4"}, remote: "3.3.3.3:1", want: "2.2.2.2"},
		{name: "real ip", headers: map[string]string{"X-Real-IP": "5.5.5.5"}, remote: "3.3.3.3:1", want: "5.5.5.5"},
		{name: "remote addr", remote: "3.3.3.3:1234", want: "3.3.3.3"},
		{name: "unknown", remote: "", want: "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for key, value := range tt.headers {
				req.Header.Set(key, value)
			}
			assert.Equal(t, tt.want, clientIP(req))
		})
	}
}

func TestServer_HealthAndMetrics(t *testing.T) {
	server := NewServer(Options{})
	defer server.Shutdown("")

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	var health healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, Version, health.Build.Version)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	var snapshot map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	assert.Contains(t, snapshot, "active_connections")
}

func TestServer_IndexPage(t *testing.T) {
	server := NewServer(Options{})
	defer server.Shutdown("")

	req := httptest.NewRequest(http.MethodGet, "http://live.example.com/", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `id="liveuser"`)
	assert.Contains(t, rec.Body.String(), "http://live.example.com/liveuser.js")
}

type listingCounter struct {
	*memoryCounter
}

func (c listingCounter) ListTotals(_ context.Context, limit int) ([]storage.SiteTotal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	totals := make([]storage.SiteTotal, 0, len(c.totals))
	for site, total := range c.totals {
		totals = append(totals, storage.SiteTotal{SiteID: site, Total: total})
	}
	sort.Slice(totals, func(i, j int) bool { return totals[i].Total > totals[j].Total })
	if limit > 0 && len(totals) > limit {
		totals = totals[:limit]
	}
	return totals, nil
}

func TestServer_TotalsEndpoint(t *testing.T) {
	counter := newMemoryCounter()
	counter.totals["acme"] = 3
	counter.totals["beta"] = 7

	tests := []struct {
		name       string
		opts       Options
		query      string
		wantStatus int
		wantSites  []string
		wantError  string
	}{
		{name: "listing", opts: Options{Counter: listingCounter{counter}}, wantStatus: http.StatusOK, wantSites: []string{"beta", "acme"}},
		{name: "limited", opts: Options{Counter: listingCounter{counter}}, query: "?limit=1", wantStatus: http.StatusOK, wantSites: []string{"beta"}},
		{name: "zero limit uses default", opts: Options{Counter: listingCounter{counter}}, query: "?limit=0", wantStatus: http.StatusOK, wantSites: []string{"beta", "acme"}},
		{name: "bad limit", opts: Options{Counter: listingCounter{counter}}, query: "?limit=x", wantStatus: http.StatusBadRequest, wantError: "limit must be a non-negative integer"},
		{name: "negative limit", opts: Options{Counter: listingCounter{counter}}, query: "?limit=-1", wantStatus: http.StatusBadRequest, wantError: "limit must be a non-negative integer"},
		{name: "backend cannot list", opts: Options{Counter: counter}, wantStatus: http.StatusNotImplemented},
		{name: "totals disabled", opts: Options{}, wantStatus: http.StatusNotImplemented},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := NewServer(tt.opts)
			defer server.Shutdown("")

			rec := httptest.NewRecorder()
			server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/totals"+tt.query, nil))
			require.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantError != "" {
				assert.JSONEq(t, `{"error":"`+tt.wantError+`"}`, rec.Body.String())
			}
			if tt.wantSites == nil {
				return
			}
			var totals []storage.SiteTotal
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &totals))
			sites := make([]string, 0, len(totals))
			for _, total := range totals {
				sites = append(sites, total.SiteID)
			}
			assert.Equal(t, tt.wantSites, sites)
		})
	}
}
