// Package httpapi is the read-only JSON/GeoJSON HTTP surface for
// meshforgemapsd: node positions, topology, trajectories, alerts,
// analytics, and operational status, plus a static file server for the
// bundled map page (spec §4.13).
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/nursedude/meshforge-maps/pkg/aggregator"
	"github.com/nursedude/meshforge-maps/pkg/alerting"
	"github.com/nursedude/meshforge-maps/pkg/analytics"
	"github.com/nursedude/meshforge-maps/pkg/circuit"
	"github.com/nursedude/meshforge-maps/pkg/config"
	"github.com/nursedude/meshforge-maps/pkg/connectivity"
	"github.com/nursedude/meshforge-maps/pkg/drift"
	"github.com/nursedude/meshforge-maps/pkg/eventbus"
	"github.com/nursedude/meshforge-maps/pkg/health"
	"github.com/nursedude/meshforge-maps/pkg/logx"
	"github.com/nursedude/meshforge-maps/pkg/mqttingest"
	"github.com/nursedude/meshforge-maps/pkg/telemetry"
)

// MaxPortFallback bounds how many adjacent ports Start tries after the
// configured one is already in use.
const MaxPortFallback = 4

// nodeIDPattern is the accepted shape of a node-id path segment: an
// optional "!" prefix (the Meshtastic convention) followed by 1-16 hex
// digits.
var nodeIDPattern = regexp.MustCompile(`^!?[0-9a-fA-F]{1,16}$`)

// WSStatus is the subset of WebSocket server state /api/status reports.
// Implemented by pkg/wsapi.Server; kept as an interface here so neither
// httpapi nor wsapi imports the other (the orchestrator assigns the
// server into Context.WS).
type WSStatus interface {
	ClientCount() int
	MessagesSent() int64
}

// Context bundles every backing dependency a handler may need. All
// fields are optional; handlers that require one missing return 503 via
// the require* accessors.
type Context struct {
	Aggregator   *aggregator.Aggregator
	Telemetry    *telemetry.Store
	Analytics    *analytics.Analytics
	Alerts       *alerting.Engine
	Health       *health.Scorer
	Connectivity *connectivity.Tracker
	Drift        *drift.Detector
	Breakers     *circuit.Registry
	Bus          *eventbus.Bus
	MQTT         *mqttingest.Client
	Config       *config.Store
	WebDir       string
	StartTime    time.Time
	WS           WSStatus
}

// Server is the HTTP API server (spec §4.13).
type Server struct {
	ctx    *Context
	logger *logx.Logger
	server *http.Server
	addr   string
}

// New creates a Server bound to ctx.
func New(ctx *Context, logger *logx.Logger) *Server {
	return &Server{ctx: ctx, logger: logger}
}

// Addr returns the address the server is actually listening on, set once
// Start succeeds.
func (s *Server) Addr() string { return s.addr }

// Start binds host:port, falling back to up to MaxPortFallback adjacent
// ports if the configured one is already in use.
func (s *Server) Start(host string, port int) error {
	router := s.buildRouter()

	var lastErr error
	for attempt := 0; attempt <= MaxPortFallback; attempt++ {
		tryPort := port + attempt
		addr := fmt.Sprintf("%s:%d", host, tryPort)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			lastErr = err
			s.logger.Warn("http api port unavailable", "addr", addr, "error", err.Error())
			continue
		}

		s.addr = addr
		s.server = &http.Server{Handler: router}
		s.logger.Info("starting http api server", "addr", addr)
		go func() {
			if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
				s.logger.Error("http api server error", "error", err.Error())
			}
		}()
		return nil
	}

	return fmt.Errorf("httpapi: no available port in [%d, %d]: %w", port, port+MaxPortFallback, lastErr)
}

// Stop gracefully shuts the server down. Idempotent.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	s.server = nil
	return err
}

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.headersMiddleware)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/nodes/geojson", s.handleNodesGeoJSON).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/nodes/{id}/trajectory", s.handleNodeTrajectory).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/nodes/{id}/history", s.handleNodeHistory).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/nodes/{source}", s.handleNodesBySource).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/topology", s.handleTopology).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/topology/geojson", s.handleTopology).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/overlay", s.handleOverlay).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/snapshot/{ts}", s.handleSnapshot).Methods(http.MethodGet, http.MethodOptions)

	api.HandleFunc("/alerts", s.handleAlerts).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/alerts/active", s.handleAlertsActive).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/alerts/summary", s.handleAlertsSummary).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/alerts/rules", s.handleAlertRules).Methods(http.MethodGet, http.MethodOptions)

	api.HandleFunc("/node-health", s.handleNodeHealth).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/node-health/summary", s.handleNodeHealthSummary).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/node-states", s.handleNodeStates).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/node-states/summary", s.handleNodeStatesSummary).Methods(http.MethodGet, http.MethodOptions)

	api.HandleFunc("/config-drift", s.handleConfigDrift).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/config-drift/summary", s.handleConfigDriftSummary).Methods(http.MethodGet, http.MethodOptions)

	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodOptions)

	api.HandleFunc("/export/{kind}", s.handleExport).Methods(http.MethodGet, http.MethodOptions)

	api.HandleFunc("/analytics/growth", s.handleAnalyticsGrowth).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/analytics/heatmap", s.handleAnalyticsHeatmap).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/analytics/ranking", s.handleAnalyticsRanking).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/analytics/summary", s.handleAnalyticsSummary).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/analytics/alert-trends", s.handleAnalyticsAlertTrends).Methods(http.MethodGet, http.MethodOptions)

	r.PathPrefix("/").Handler(s.staticHandler())
	return r
}

// headersMiddleware applies the fixed response headers and answers CORS
// preflight requests directly (spec §4.13).
func (s *Server) headersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("X-Content-Type-Options", "nosniff")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) staticHandler() http.Handler {
	fs := http.FileServer(http.Dir(s.ctx.WebDir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.ctx.WebDir == "" {
			http.NotFound(w, r)
			return
		}
		fs.ServeHTTP(w, r)
	})
}

// writeJSON encodes v as the response body, setting the content type
// expected by every API consumer. Broken-pipe write errors (the client
// disconnected mid-response) are silenced rather than logged.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && !isBrokenPipe(err) {
		s.logger.Error("failed to encode response", "error", err.Error())
	}
}

func isBrokenPipe(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") || strings.Contains(msg, "connection reset") || strings.Contains(msg, "use of closed network connection")
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{"error": message})
}

// validNodeID reports whether id matches the accepted node-id shape,
// writing a 400 and returning false if not.
func (s *Server) validNodeID(w http.ResponseWriter, id string) bool {
	if !nodeIDPattern.MatchString(id) {
		s.writeError(w, http.StatusBadRequest, "invalid node id")
		return false
	}
	return true
}

// queryInt extracts an integer query parameter, tolerating a
// missing/empty value by returning def.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func queryInt64(r *http.Request, key string, def int64) int64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func queryString(r *http.Request, key, def string) string {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	return v
}

// queryTime extracts an RFC3339 query parameter, returning nil if it is
// missing, empty, or unparsable.
func queryTime(r *http.Request, key string) *time.Time {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil
	}
	return &t
}

// requireAggregator returns the Context's aggregator, or writes a 503 and
// returns false if it is unset.
func (s *Server) requireAggregator(w http.ResponseWriter) (*aggregator.Aggregator, bool) {
	if s.ctx.Aggregator == nil {
		s.writeError(w, http.StatusServiceUnavailable, "aggregator not available")
		return nil, false
	}
	return s.ctx.Aggregator, true
}

func (s *Server) requireTelemetry(w http.ResponseWriter) (*telemetry.Store, bool) {
	if s.ctx.Telemetry == nil {
		s.writeError(w, http.StatusServiceUnavailable, "node history not available")
		return nil, false
	}
	return s.ctx.Telemetry, true
}

func (s *Server) requireAnalytics(w http.ResponseWriter) (*analytics.Analytics, bool) {
	if s.ctx.Analytics == nil {
		s.writeError(w, http.StatusServiceUnavailable, "analytics not available")
		return nil, false
	}
	return s.ctx.Analytics, true
}

func (s *Server) requireAlerts(w http.ResponseWriter) (*alerting.Engine, bool) {
	if s.ctx.Alerts == nil {
		s.writeError(w, http.StatusServiceUnavailable, "alert engine not available")
		return nil, false
	}
	return s.ctx.Alerts, true
}

func (s *Server) requireHealth(w http.ResponseWriter) (*health.Scorer, bool) {
	if s.ctx.Health == nil {
		s.writeError(w, http.StatusServiceUnavailable, "health scorer not available")
		return nil, false
	}
	return s.ctx.Health, true
}

func (s *Server) requireConnectivity(w http.ResponseWriter) (*connectivity.Tracker, bool) {
	if s.ctx.Connectivity == nil {
		s.writeError(w, http.StatusServiceUnavailable, "connectivity tracker not available")
		return nil, false
	}
	return s.ctx.Connectivity, true
}

func (s *Server) requireDrift(w http.ResponseWriter) (*drift.Detector, bool) {
	if s.ctx.Drift == nil {
		s.writeError(w, http.StatusServiceUnavailable, "drift detector not available")
		return nil, false
	}
	return s.ctx.Drift, true
}
