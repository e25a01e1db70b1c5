// Package analytics is the read-only analytics layer over the node
// history store and alert engine (spec §4.12).
package analytics

import (
	"sort"
	"time"

	"github.com/sajari/regression"

	"github.com/nursedude/meshforge-maps/pkg/alerting"
	"github.com/nursedude/meshforge-maps/pkg/telemetry"
)

const (
	MinBucketSeconds = 60
	MaxBucketSeconds = 86400
	MaxBuckets       = 720
)

// ClampBucket enforces spec §4.12's [60, 86400]-second bucket-width range.
func ClampBucket(seconds int64) int64 {
	if seconds < MinBucketSeconds {
		return MinBucketSeconds
	}
	if seconds > MaxBucketSeconds {
		return MaxBucketSeconds
	}
	return seconds
}

// GrowthBucket is one bucket of the network-growth series. The fitted
// hourly growth rate is not per bucket; it is GrowthResult.TrendPerHour.
type GrowthBucket struct {
	Timestamp    int64
	UniqueNodes  int
	Observations int
}

// GrowthResult is network_growth's return value.
type GrowthResult struct {
	Buckets      []GrowthBucket
	TrendPerHour float64
	HasTrend     bool
	Error        string
}

// Analytics is the read-only query layer over pkg/telemetry and
// pkg/alerting (spec §4.12).
type Analytics struct {
	store  *telemetry.Store
	alerts *alerting.Engine
}

// New creates an Analytics. Either dependency may be nil; queries
// backed by an absent store degrade to an empty result with Error set.
func New(store *telemetry.Store, alerts *alerting.Engine) *Analytics {
	return &Analytics{store: store, alerts: alerts}
}

// NetworkGrowth buckets observations by bucketSeconds (clamped), fitting
// an ordinary-least-squares trend line of unique-node count against
// bucket index to report a supplemented growth-rate-per-hour figure.
func (a *Analytics) NetworkGrowth(since, until *time.Time, bucketSeconds int64) GrowthResult {
	if a.store == nil {
		return GrowthResult{Error: "node history store unavailable"}
	}

	bucketSeconds = ClampBucket(bucketSeconds)
	raw := a.store.NetworkGrowth(since, until, bucketSeconds)
	if len(raw) > MaxBuckets {
		raw = raw[len(raw)-MaxBuckets:]
	}

	buckets := make([]GrowthBucket, len(raw))
	for i, b := range raw {
		buckets[i] = GrowthBucket{Timestamp: b.Timestamp, UniqueNodes: b.UniqueNodes, Observations: b.Observations}
	}

	result := GrowthResult{Buckets: buckets}
	if len(buckets) < 2 {
		return result
	}

	var r regression.Regression
	r.SetObserved("unique_nodes")
	r.SetVar(0, "bucket_index")
	for i, b := range buckets {
		r.Train(regression.DataPoint(float64(b.UniqueNodes), []float64{float64(i)}))
	}
	if err := r.Run(); err != nil {
		return result
	}
	coeffs := r.GetCoeffs()
	if len(coeffs) < 2 {
		return result
	}
	// coeffs[1] is the per-bucket slope; scale to a per-hour rate.
	bucketsPerHour := float64(time.Hour) / float64(bucketSeconds) / float64(time.Second)
	result.TrendPerHour = coeffs[1] * bucketsPerHour
	result.HasTrend = true
	return result
}

// ActivityHeatmapResult is activity_heatmap's return value.
type ActivityHeatmapResult struct {
	Hours    [24]int
	PeakHour int
	Error    string
}

// ActivityHeatmap returns a 24-element hour-of-day observation histogram
// plus the peak hour.
func (a *Analytics) ActivityHeatmap(since, until *time.Time) ActivityHeatmapResult {
	if a.store == nil {
		return ActivityHeatmapResult{Error: "node history store unavailable"}
	}

	hist := a.store.ActivityHeatmap(since, until)
	peak := 0
	for h := 1; h < 24; h++ {
		if hist[h] > hist[peak] {
			peak = h
		}
	}
	return ActivityHeatmapResult{Hours: hist, PeakHour: peak}
}

// NodeRankingResult is node_activity_ranking's return value.
type NodeRankingResult struct {
	Nodes []telemetry.NodeRanking
	Error string
}

// NodeActivityRanking returns the top-limit nodes by observation count
// since the given time.
func (a *Analytics) NodeActivityRanking(since *time.Time, limit int) NodeRankingResult {
	if a.store == nil {
		return NodeRankingResult{Error: "node history store unavailable"}
	}
	return NodeRankingResult{Nodes: a.store.NodeActivityRanking(since, limit)}
}

// SummaryResult is network_summary's return value.
type SummaryResult struct {
	Summary telemetry.NetworkSummary
	Error   string
}

// NetworkSummary returns totals plus per-network breakdown since the
// given time.
func (a *Analytics) NetworkSummary(since *time.Time) SummaryResult {
	if a.store == nil {
		return SummaryResult{Error: "node history store unavailable"}
	}
	return SummaryResult{Summary: a.store.Summary(since)}
}

// AlertTrendBucket is one bucket of the alert-trends series.
type AlertTrendBucket struct {
	Timestamp int64
	Critical  int
	Warning   int
	Info      int
	Total     int
}

// AlertTrendsResult is alert_trends's return value.
type AlertTrendsResult struct {
	Buckets []AlertTrendBucket
	Error   string
}

// AlertTrends buckets recent alert history by severity, newest `limit`
// alerts considered.
func (a *Analytics) AlertTrends(bucketSeconds int64, limit int) AlertTrendsResult {
	if a.alerts == nil {
		return AlertTrendsResult{Error: "alert engine unavailable"}
	}

	bucketSeconds = ClampBucket(bucketSeconds)
	history := a.alerts.GetAlertHistory(limit, "", "")

	buckets := make(map[int64]*AlertTrendBucket)
	for _, alert := range history {
		ts := (alert.Timestamp.Unix() / bucketSeconds) * bucketSeconds
		b, ok := buckets[ts]
		if !ok {
			b = &AlertTrendBucket{Timestamp: ts}
			buckets[ts] = b
		}
		switch alert.Severity {
		case alerting.SeverityCritical:
			b.Critical++
		case alerting.SeverityWarning:
			b.Warning++
		default:
			b.Info++
		}
		b.Total++
	}

	out := make([]AlertTrendBucket, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	if len(out) > MaxBuckets {
		out = out[len(out)-MaxBuckets:]
	}
	return AlertTrendsResult{Buckets: out}
}
