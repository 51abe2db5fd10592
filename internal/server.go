package internal

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"liveuser/internal/protocol"
)

// Options configures a Server. The zero value serves live counts only.
type Options struct {
	// Counter enables total visit tracking when non-nil.
	Counter VisitCounter

	// AdminToken guards the total reset endpoint; empty disables it.
	AdminToken string

	// UpgradeLimit caps websocket upgrades per IP within UpgradeWindow.
	// Zero or less disables the limit.
	UpgradeLimit  int
	UpgradeWindow time.Duration
}

// Server owns the hub and exposes the HTTP and websocket surface.
type Server struct {
	hub            *Hub
	metrics        *Metrics
	upgradeLimiter *RateLimiter
	upgrader       websocket.Upgrader
	adminToken     string
	router         *mux.Router
	baseCtx        context.Context
	cancel         context.CancelFunc
}

func NewServer(opts Options) *Server {
	metrics := NewMetrics()
	if opts.UpgradeWindow <= 0 {
		opts.UpgradeWindow = time.Minute
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	server := &Server{
		hub:            NewHub(opts.Counter, metrics),
		metrics:        metrics,
		upgradeLimiter: NewRateLimiter(opts.UpgradeLimit, opts.UpgradeWindow),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// the widget is embedded on arbitrary third-party pages
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		adminToken: opts.AdminToken,
		baseCtx:    baseCtx,
		cancel:     cancel,
	}
	server.router = server.routes()
	return server
}

// Hub exposes the site router.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the HTTP handler with all routes and request logging.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Shutdown notifies every connected client and closes their connections.
// It does not wait for the transports to finish.
func (s *Server) Shutdown(message string) {
	s.hub.Shutdown(message)
	s.cancel()
}

// ServeWS upgrades the request and admits the connection to the site named by
// the siteId query parameter.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.upgradeLimiter.Allow(ip) {
		s.metrics.IncRejectedUpgrade()
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}
	query := r.URL.Query()
	siteID := strings.TrimSpace(query.Get("siteId"))
	if siteID == "" {
		siteID = protocol.DefaultSiteID
	}
	clientID := strings.TrimSpace(query.Get("clientId"))
	if clientID == "" {
		clientID = uuid.NewString()
	}
	trackTotal, _ := strconv.ParseBool(query.Get("enableTotalCount"))

	websocketConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("upgrade error", "ip", ip, "error", err)
		return
	}

	conn := newWSConn(s, websocketConn, clientID, siteID, ip, trackTotal)
	s.metrics.IncConn()
	slog.Info("client connected", "ip", ip, "site", siteID, "clientId", clientID, "totals", trackTotal)

	go conn.writePump()
	s.hub.Join(s.baseCtx, conn, siteID, clientID, trackTotal)
	go conn.readPump(s.baseCtx)
}

// handleFrame decodes and dispatches one frame from a client. Malformed or
// unexpected frames are logged and dropped; the connection stays up.
func (s *Server) handleFrame(ctx context.Context, conn *wsConn, payload []byte) {
	msg, err := protocol.Decode(payload)
	if err == nil {
		err = protocol.ValidateClient(msg)
	}
	if err != nil {
		s.metrics.IncMalformed()
		slog.Warn("discarding frame", "site", conn.siteID, "clientId", conn.clientID, "error", err)
		return
	}
	switch msg.Type {
	case protocol.TypeJoin:
		if msg.ClientID != conn.clientID {
			slog.Debug("join carries a different client id", "site", conn.siteID, "clientId", conn.clientID, "declared", msg.ClientID)
		}
		if msg.SiteID != conn.siteID {
			slog.Info("client moving site", "from", conn.siteID, "to", msg.SiteID, "clientId", conn.clientID)
			s.hub.Move(ctx, conn, conn.siteID, msg.SiteID, conn.clientID, conn.trackTotal)
			conn.siteID = msg.SiteID
			return
		}
		s.hub.Join(ctx, conn, conn.siteID, conn.clientID, false)
	case protocol.TypeHeartbeat:
		slog.Debug("heartbeat", "site", conn.siteID, "clientId", msg.ClientID)
		ack := s.hub.Heartbeat(ctx, conn, conn.siteID, conn.trackTotal)
		if err := conn.Send(ack.MustEncode()); err != nil {
			slog.Warn("heartbeat ack not sent", "site", conn.siteID, "clientId", conn.clientID, "error", err)
		}
	}
}

// clientIP returns the caller address, preferring proxy headers.
func clientIP(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if first := strings.TrimSpace(strings.Split(forwarded, ",")[0]); first != "" {
			return first
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		if r.RemoteAddr == "" {
			return "unknown"
		}
		return r.RemoteAddr
	}
	return host
}
