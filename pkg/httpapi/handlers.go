package httpapi

import (
	"encoding/csv"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/nursedude/meshforge-maps/pkg/alerting"
	"github.com/nursedude/meshforge-maps/pkg/drift"
)

func (s *Server) handleNodesGeoJSON(w http.ResponseWriter, r *http.Request) {
	agg, ok := s.requireAggregator(w)
	if !ok {
		return
	}
	aggregate := agg.CollectAll(r.Context())
	s.writeJSON(w, http.StatusOK, aggregate.FeatureCollection)
}

func (s *Server) handleNodesBySource(w http.ResponseWriter, r *http.Request) {
	agg, ok := s.requireAggregator(w)
	if !ok {
		return
	}
	source := mux.Vars(r)["source"]
	aggregate := agg.CollectAll(r.Context())

	features := make([]interface{}, 0)
	for _, f := range aggregate.FeatureCollection.Features {
		if f.Properties["source"] == source {
			features = append(features, f)
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"type":     "FeatureCollection",
		"features": features,
	})
}

func (s *Server) handleNodeTrajectory(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["id"]
	if !s.validNodeID(w, nodeID) {
		return
	}
	store, ok := s.requireTelemetry(w)
	if !ok {
		return
	}
	since := queryTime(r, "since")
	until := queryTime(r, "until")
	s.writeJSON(w, http.StatusOK, store.Trajectory(nodeID, since, until))
}

func (s *Server) handleNodeHistory(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["id"]
	if !s.validNodeID(w, nodeID) {
		return
	}
	store, ok := s.requireTelemetry(w)
	if !ok {
		return
	}
	since := queryTime(r, "since")
	until := queryTime(r, "until")
	limit := queryInt(r, "limit", 0)
	s.writeJSON(w, http.StatusOK, store.ObservationHistory(nodeID, since, until, limit))
}

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	agg, ok := s.requireAggregator(w)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, agg.GetTopologyGeoJSON(r.Context()))
}

func (s *Server) handleOverlay(w http.ResponseWriter, r *http.Request) {
	agg, ok := s.requireAggregator(w)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, agg.GetCachedOverlay(r.Context()))
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	store, ok := s.requireTelemetry(w)
	if !ok {
		return
	}
	tsRaw := mux.Vars(r)["ts"]
	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid timestamp")
		return
	}
	s.writeJSON(w, http.StatusOK, store.Snapshot(time.Unix(ts, 0).UTC()))
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.requireAlerts(w)
	if !ok {
		return
	}
	limit := queryInt(r, "limit", 100)
	severity := alerting.Severity(queryString(r, "severity", ""))
	nodeID := queryString(r, "node_id", "")
	s.writeJSON(w, http.StatusOK, engine.GetAlertHistory(limit, severity, nodeID))
}

func (s *Server) handleAlertsActive(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.requireAlerts(w)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, engine.GetActiveAlerts())
}

func (s *Server) handleAlertsSummary(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.requireAlerts(w)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, engine.GetSummary())
}

func (s *Server) handleAlertRules(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.requireAlerts(w)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, engine.ListRules())
}

func (s *Server) handleNodeHealth(w http.ResponseWriter, r *http.Request) {
	scorer, ok := s.requireHealth(w)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, scorer.GetAllScores())
}

func (s *Server) handleNodeHealthSummary(w http.ResponseWriter, r *http.Request) {
	scorer, ok := s.requireHealth(w)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, scorer.GetSummary())
}

func (s *Server) handleNodeStates(w http.ResponseWriter, r *http.Request) {
	tracker, ok := s.requireConnectivity(w)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, tracker.GetAllStates())
}

func (s *Server) handleNodeStatesSummary(w http.ResponseWriter, r *http.Request) {
	tracker, ok := s.requireConnectivity(w)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, tracker.GetSummary())
}

func (s *Server) handleConfigDrift(w http.ResponseWriter, r *http.Request) {
	detector, ok := s.requireDrift(w)
	if !ok {
		return
	}
	since := queryTime(r, "since")
	severity := drift.Severity(queryString(r, "severity", ""))
	s.writeJSON(w, http.StatusOK, detector.GetAllDrifts(since, severity))
}

func (s *Server) handleConfigDriftSummary(w http.ResponseWriter, r *http.Request) {
	detector, ok := s.requireDrift(w)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, detector.GetSummary())
}

func (s *Server) handleAnalyticsGrowth(w http.ResponseWriter, r *http.Request) {
	a, ok := s.requireAnalytics(w)
	if !ok {
		return
	}
	since := queryTime(r, "since")
	until := queryTime(r, "until")
	bucket := queryInt64(r, "bucket", 3600)
	s.writeJSON(w, http.StatusOK, a.NetworkGrowth(since, until, bucket))
}

func (s *Server) handleAnalyticsHeatmap(w http.ResponseWriter, r *http.Request) {
	a, ok := s.requireAnalytics(w)
	if !ok {
		return
	}
	since := queryTime(r, "since")
	until := queryTime(r, "until")
	s.writeJSON(w, http.StatusOK, a.ActivityHeatmap(since, until))
}

func (s *Server) handleAnalyticsRanking(w http.ResponseWriter, r *http.Request) {
	a, ok := s.requireAnalytics(w)
	if !ok {
		return
	}
	since := queryTime(r, "since")
	limit := queryInt(r, "limit", 10)
	s.writeJSON(w, http.StatusOK, a.NodeActivityRanking(since, limit))
}

func (s *Server) handleAnalyticsSummary(w http.ResponseWriter, r *http.Request) {
	a, ok := s.requireAnalytics(w)
	if !ok {
		return
	}
	since := queryTime(r, "since")
	s.writeJSON(w, http.StatusOK, a.NetworkSummary(since))
}

func (s *Server) handleAnalyticsAlertTrends(w http.ResponseWriter, r *http.Request) {
	a, ok := s.requireAnalytics(w)
	if !ok {
		return
	}
	bucket := queryInt64(r, "bucket", 3600)
	limit := queryInt(r, "limit", 500)
	s.writeJSON(w, http.StatusOK, a.AlertTrends(bucket, limit))
}

// statusResponse is the frozen shape of /api/status.
type statusResponse struct {
	UptimeSeconds   float64                    `json:"uptime_seconds"`
	Sources         map[string]sourceStatus    `json:"sources"`
	MQTTConnected   bool                       `json:"mqtt_connected"`
	DataAgeSeconds  float64                    `json:"data_age_seconds"`
	Stale           bool                       `json:"stale"`
	Breakers        []breakerStatus            `json:"breakers"`
	Bus             busStatus                  `json:"bus"`
	WebSocket       *wsStatusView              `json:"websocket,omitempty"`
}

type sourceStatus struct {
	TotalCollections int64   `json:"total_collections"`
	TotalErrors      int64   `json:"total_errors"`
	CircuitState     string  `json:"circuit_state"`
	AvgCollectMS     float64 `json:"avg_collect_ms"`
}

type breakerStatus struct {
	Name         string `json:"name"`
	State        string `json:"state"`
	FailureCount int    `json:"failure_count"`
}

type busStatus struct {
	TotalPublished int64 `json:"total_published"`
	TotalDelivered int64 `json:"total_delivered"`
	TotalErrors    int64 `json:"total_errors"`
}

type wsStatusView struct {
	ClientCount  int   `json:"client_count"`
	MessagesSent int64 `json:"messages_sent"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Sources: make(map[string]sourceStatus),
	}

	cacheTTLMinutes := 15
	if s.ctx.Config != nil {
		settings := s.ctx.Config.Get()
		cacheTTLMinutes = settings.CacheTTLMinutes
	}

	var newestSuccess time.Time
	if s.ctx.Aggregator != nil {
		for name, h := range s.ctx.Aggregator.HealthSnapshot() {
			resp.Sources[name] = sourceStatus{
				TotalCollections: h.TotalCollections,
				TotalErrors:      h.TotalErrors,
				CircuitState:     string(h.CircuitState),
				AvgCollectMS:     h.AvgCollectMS,
			}
			if h.LastSuccessTime.After(newestSuccess) {
				newestSuccess = h.LastSuccessTime
			}
		}
	}

	if !newestSuccess.IsZero() {
		age := time.Since(newestSuccess)
		resp.DataAgeSeconds = age.Seconds()
		resp.Stale = age > 2*time.Duration(cacheTTLMinutes)*time.Minute
	}

	if s.ctx.MQTT != nil {
		resp.MQTTConnected = s.ctx.MQTT.Connected()
	}

	if s.ctx.Breakers != nil {
		for _, stat := range s.ctx.Breakers.All() {
			resp.Breakers = append(resp.Breakers, breakerStatus{
				Name:         stat.Name,
				State:        string(stat.State),
				FailureCount: stat.FailureCount,
			})
		}
	}

	if s.ctx.Bus != nil {
		busStats := s.ctx.Bus.Stats()
		resp.Bus = busStatus{
			TotalPublished: busStats.TotalPublished,
			TotalDelivered: busStats.TotalDelivered,
			TotalErrors:    busStats.TotalErrors,
		}
	}

	if s.ctx.WS != nil {
		resp.WebSocket = &wsStatusView{
			ClientCount:  s.ctx.WS.ClientCount(),
			MessagesSent: s.ctx.WS.MessagesSent(),
		}
	}

	resp.UptimeSeconds = time.Since(s.ctx.StartTime).Seconds()
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	score := 100
	status := "healthy"

	if s.ctx.Aggregator != nil {
		openCircuits := 0
		for _, h := range s.ctx.Aggregator.HealthSnapshot() {
			if string(h.CircuitState) == "open" {
				openCircuits++
			}
		}
		score -= openCircuits * 15
	}

	if s.ctx.Alerts != nil {
		summary := s.ctx.Alerts.GetSummary()
		score -= summary.ActiveAlerts * 5
	}

	if score < 0 {
		score = 0
	}
	if score < 50 {
		status = "degraded"
	}
	if score == 0 {
		status = "unhealthy"
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    status,
		"score":     score,
		"uptime_s":  time.Since(s.ctx.StartTime).Seconds(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	kind := mux.Vars(r)["kind"]
	format := queryString(r, "format", "json")

	switch kind {
	case "history":
		s.exportHistory(w, r, format)
	case "density":
		s.exportDensity(w, r, format)
	default:
		s.writeError(w, http.StatusNotFound, "unknown export kind")
	}
}

func (s *Server) exportHistory(w http.ResponseWriter, r *http.Request, format string) {
	store, ok := s.requireTelemetry(w)
	if !ok {
		return
	}
	nodeID := queryString(r, "node_id", "")
	if nodeID != "" && !s.validNodeID(w, nodeID) {
		return
	}
	since := queryTime(r, "since")
	until := queryTime(r, "until")
	limit := queryInt(r, "limit", 0)
	rows := store.ObservationHistory(nodeID, since, until, limit)

	if format == "csv" {
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", "attachment; filename=history.csv")
		cw := csv.NewWriter(w)
		cw.Write([]string{"node_id", "network", "timestamp", "latitude", "longitude", "altitude", "snr", "battery", "name"})
		for _, o := range rows {
			cw.Write([]string{
				o.NodeID, o.Network, strconv.FormatInt(o.Timestamp.Unix(), 10),
				strconv.FormatFloat(o.Latitude, 'f', -1, 64),
				strconv.FormatFloat(o.Longitude, 'f', -1, 64),
				formatOptionalFloat(o.Altitude), formatOptionalFloat(o.SNR), formatOptionalFloat(o.Battery),
				o.Name,
			})
		}
		cw.Flush()
		return
	}

	s.writeJSON(w, http.StatusOK, rows)
}

func (s *Server) exportDensity(w http.ResponseWriter, r *http.Request, format string) {
	store, ok := s.requireTelemetry(w)
	if !ok {
		return
	}
	since := queryTime(r, "since")
	until := queryTime(r, "until")
	precision := queryInt(r, "precision", 2)
	network := queryString(r, "network", "")
	rows := store.Density(precision, since, until, network)

	if format == "csv" {
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", "attachment; filename=density.csv")
		cw := csv.NewWriter(w)
		cw.Write([]string{"latitude", "longitude", "count"})
		for _, p := range rows {
			cw.Write([]string{
				strconv.FormatFloat(p.Latitude, 'f', -1, 64),
				strconv.FormatFloat(p.Longitude, 'f', -1, 64),
				strconv.Itoa(p.Count),
			})
		}
		cw.Flush()
		return
	}

	s.writeJSON(w, http.StatusOK, rows)
}

func formatOptionalFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
