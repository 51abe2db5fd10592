package internal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"liveuser/internal/storage"
)

type siteResponse struct {
	SiteID     string `json:"siteId"`
	Count      int    `json:"count"`
	Active     bool   `json:"active"`
	TotalCount *int64 `json:"totalCount,omitempty"`
}

type healthResponse struct {
	Status string    `json:"status"`
	Build  BuildInfo `json:"build"`
}

type statusResponse struct {
	Sites       int  `json:"sites"`
	Connections int  `json:"connections"`
	Totals      bool `json:"totals"`
}

var indexTemplate = template.Must(template.ParseFS(assets, "assets/index.html"))

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()
	router.Use(requestLogger)
	router.HandleFunc("/", s.HandleIndex).Methods(http.MethodGet)
	router.HandleFunc("/liveuser.js", s.HandleScript).Methods(http.MethodGet)
	router.HandleFunc("/ws", s.ServeWS).Methods(http.MethodGet)
	router.HandleFunc("/api/ip", s.HandleIP).Methods(http.MethodGet)
	router.HandleFunc("/api/status", s.HandleStatus).Methods(http.MethodGet)
	router.HandleFunc("/api/sites/{siteId}", s.HandleSite).Methods(http.MethodGet)
	router.HandleFunc("/api/sites/{siteId}/total", s.HandleResetTotal).Methods(http.MethodDelete)
	router.HandleFunc("/api/totals", s.HandleTotals).Methods(http.MethodGet)
	router.HandleFunc("/health", s.HandleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	return router
}

// HandleIndex renders the demo page that embeds the widget.
func (s *Server) HandleIndex(w http.ResponseWriter, r *http.Request) {
	data := struct {
		BaseURL string
	}{
		BaseURL: requestOrigin(r),
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, data); err != nil {
		slog.Error("render index", "error", err)
	}
}

// HandleScript serves the injectable client with its configuration inlined.
func (s *Server) HandleScript(w http.ResponseWriter, r *http.Request) {
	cfg := ScriptConfigFromRequest(r)
	slog.Debug("script requested", "site", cfg.SiteID, "totals", cfg.EnableTotalCount)
	body, err := RenderScript(cfg)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(body)
}

func (s *Server) HandleIP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(clientIP(r)))
}

func (s *Server) HandleStatus(w http.ResponseWriter, _ *http.Request) {
	sites, connections := s.hub.Stats()
	writeJSON(w, http.StatusOK, statusResponse{Sites: sites, Connections: connections, Totals: s.hub.TotalsEnabled()})
}

// HandleSite reports the live count of one site and, when tracking is on,
// its persisted total. A failing counter only drops the total.
func (s *Server) HandleSite(w http.ResponseWriter, r *http.Request) {
	siteID := mux.Vars(r)["siteId"]
	count, active := s.hub.Count(siteID)
	resp := siteResponse{SiteID: siteID, Count: count, Active: active}
	if s.hub.TotalsEnabled() {
		total, err := s.hub.Total(r.Context(), siteID)
		if err != nil {
			s.metrics.IncCounterError()
			slog.Warn("visit counter read failed", "site", siteID, "error", err)
		} else {
			resp.TotalCount = &total
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleResetTotal clears the persisted total of a site.
func (s *Server) HandleResetTotal(w http.ResponseWriter, r *http.Request) {
	if s.adminToken == "" {
		http.NotFound(w, r)
		return
	}
	if err := s.authorizeAdmin(r); err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	siteID := mux.Vars(r)["siteId"]
	if err := s.hub.ResetTotal(r.Context(), siteID); err != nil {
		if errors.Is(err, ErrTotalsDisabled) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	slog.Info("total reset", "site", siteID, "ip", clientIP(r))
	w.WriteHeader(http.StatusNoContent)
}

// HandleTotals lists the highest persisted totals. limit defaults to 100.
func (s *Server) HandleTotals(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}
	totals, err := s.hub.TopTotals(r.Context(), limit)
	switch {
	case errors.Is(err, ErrTotalsDisabled), errors.Is(err, ErrListingUnsupported):
		writeError(w, http.StatusNotImplemented, err)
		return
	case err != nil:
		s.metrics.IncCounterError()
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if totals == nil {
		totals = []storage.SiteTotal{}
	}
	writeJSON(w, http.StatusOK, totals)
}

func (s *Server) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Build: CurrentBuild()})
}

var errUnauthorized = errors.New("unauthorized")

func (s *Server) authorizeAdmin(r *http.Request) error {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) != s.adminToken {
		return errUnauthorized
	}
	return nil
}

// requestOrigin rebuilds scheme://host of the request as the client saw it.
func requestOrigin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, r.Host)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// requestLogger logs one line per request with its status and duration.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", lrw.statusCode,
			"duration", time.Since(start),
			"ip", clientIP(r),
		)
	})
}

// loggingResponseWriter captures the status code. It must keep Hijack
// working or websocket upgrades fail behind the middleware.
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(statusCode int) {
	lrw.statusCode = statusCode
	lrw.ResponseWriter.WriteHeader(statusCode)
}

func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	lrw.statusCode = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}
