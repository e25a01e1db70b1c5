// Package metrics provides the Prometheus exporter for meshforgemapsd.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nursedude/meshforge-maps/pkg/aggregator"
	"github.com/nursedude/meshforge-maps/pkg/alerting"
	"github.com/nursedude/meshforge-maps/pkg/circuit"
	"github.com/nursedude/meshforge-maps/pkg/connectivity"
	"github.com/nursedude/meshforge-maps/pkg/logx"
	"github.com/nursedude/meshforge-maps/pkg/nodestore"
)

// Server exposes a /metrics Prometheus endpoint reflecting the
// aggregator's collectors, circuit breakers, node store, connectivity
// tracker, and alert engine.
type Server struct {
	aggregator   *aggregator.Aggregator
	breakers     *circuit.Registry
	store        *nodestore.Store
	connectivity *connectivity.Tracker
	alerts       *alerting.Engine
	logger       *logx.Logger
	startedAt    time.Time

	registry *prometheus.Registry
	server   *http.Server

	nodeCount          prometheus.Gauge
	nodesOnline        prometheus.Gauge
	collectorAvgMS     *prometheus.GaugeVec
	collectorErrors    *prometheus.GaugeVec
	breakerState       *prometheus.GaugeVec
	breakerFailures    *prometheus.GaugeVec
	connectivityStates *prometheus.GaugeVec
	alertsActive       prometheus.Gauge
	alertsFired        *prometheus.GaugeVec
	daemonUptime       prometheus.Gauge
}

// New creates a metrics Server. Any dependency may be nil; its metrics
// are simply left at zero on Update.
func New(agg *aggregator.Aggregator, breakers *circuit.Registry, store *nodestore.Store, conn *connectivity.Tracker, alerts *alerting.Engine, logger *logx.Logger) *Server {
	s := &Server{
		aggregator:   agg,
		breakers:     breakers,
		store:        store,
		connectivity: conn,
		alerts:       alerts,
		logger:       logger,
		startedAt:    time.Now(),
		registry:     prometheus.NewRegistry(),
	}
	s.registerMetrics()
	return s
}

func (s *Server) registerMetrics() {
	s.nodeCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meshforgemaps_nodes_total",
		Help: "Total mesh nodes currently tracked",
	})
	s.nodesOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meshforgemaps_nodes_online",
		Help: "Mesh nodes currently considered online",
	})

	s.collectorAvgMS = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "meshforgemaps_collector_avg_collect_ms",
		Help: "Rolling average collection latency per source in milliseconds",
	}, []string{"source"})
	s.collectorErrors = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "meshforgemaps_collector_errors_total",
		Help: "Total collection errors per source",
	}, []string{"source"})

	s.breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "meshforgemaps_breaker_state",
		Help: "Circuit breaker state per source (0=closed, 1=half_open, 2=open)",
	}, []string{"source"})
	s.breakerFailures = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "meshforgemaps_breaker_failure_count",
		Help: "Consecutive failure count per breaker",
	}, []string{"source"})

	s.connectivityStates = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "meshforgemaps_connectivity_nodes",
		Help: "Tracked nodes per connectivity state",
	}, []string{"state"})

	s.alertsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meshforgemaps_alerts_active",
		Help: "Currently active (unacknowledged) alerts",
	})
	s.alertsFired = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "meshforgemaps_alerts_fired_total",
		Help: "Currently active (unacknowledged) alerts per severity",
	}, []string{"severity"})

	s.daemonUptime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meshforgemaps_uptime_seconds",
		Help: "Daemon uptime in seconds",
	})

	s.registry.MustRegister(
		s.nodeCount,
		s.nodesOnline,
		s.collectorAvgMS,
		s.collectorErrors,
		s.breakerState,
		s.breakerFailures,
		s.connectivityStates,
		s.alertsActive,
		s.alertsFired,
		s.daemonUptime,
	)
}

func breakerStateValue(state circuit.State) float64 {
	switch state {
	case circuit.HalfOpen:
		return 1
	case circuit.Open:
		return 2
	default:
		return 0
	}
}

// Update refreshes every gauge from the current state of the wired
// dependencies. Call this on a short interval, or just before each
// /metrics scrape.
func (s *Server) Update() {
	if s.store != nil {
		nodes := s.store.GetAllNodes()
		s.nodeCount.Set(float64(len(nodes)))
		online := 0
		for _, n := range nodes {
			if n.IsOnline {
				online++
			}
		}
		s.nodesOnline.Set(float64(online))
	}

	if s.aggregator != nil {
		for source, h := range s.aggregator.HealthSnapshot() {
			s.collectorAvgMS.WithLabelValues(source).Set(h.AvgCollectMS)
			s.collectorErrors.WithLabelValues(source).Set(float64(h.TotalErrors))
		}
	}

	if s.breakers != nil {
		for _, stat := range s.breakers.All() {
			s.breakerState.WithLabelValues(stat.Name).Set(breakerStateValue(stat.State))
			s.breakerFailures.WithLabelValues(stat.Name).Set(float64(stat.FailureCount))
		}
	}

	if s.connectivity != nil {
		summary := s.connectivity.GetSummary()
		for state, count := range summary.States {
			s.connectivityStates.WithLabelValues(string(state)).Set(float64(count))
		}
	}

	if s.alerts != nil {
		summary := s.alerts.GetSummary()
		s.alertsActive.Set(float64(summary.ActiveAlerts))
		for severity, count := range summary.BySeverity {
			s.alertsFired.WithLabelValues(string(severity)).Set(float64(count))
		}
	}

	s.daemonUptime.Set(time.Since(s.startedAt).Seconds())
}

// Start binds the metrics HTTP server to the given port.
func (s *Server) Start(port int) error {
	s.logger.Info("starting metrics server", "port", port)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.healthHandler)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("stopping metrics server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","timestamp":"` + time.Now().Format(time.RFC3339) + `"}`))
}

// Registry exposes the underlying Prometheus registry, chiefly for tests
// that want to gather metrics without an HTTP round trip.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}
