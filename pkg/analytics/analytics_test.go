package analytics

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/nursedude/meshforge-maps/pkg/alerting"
	"github.com/nursedude/meshforge-maps/pkg/logx"
	"github.com/nursedude/meshforge-maps/pkg/telemetry"
)

func newTestStore(t *testing.T) *telemetry.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "telemetry.db")
	s := telemetry.Open(path, 0, logx.New("error"))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestClampBucketEnforcesRange(t *testing.T) {
	if got := ClampBucket(1); got != MinBucketSeconds {
		t.Errorf("expected clamp to min, got %d", got)
	}
	if got := ClampBucket(999999); got != MaxBucketSeconds {
		t.Errorf("expected clamp to max, got %d", got)
	}
	if got := ClampBucket(3600); got != 3600 {
		t.Errorf("expected unchanged value within range, got %d", got)
	}
}

func TestNetworkGrowthDegradesWithoutStore(t *testing.T) {
	a := New(nil, alerting.NewEngine())
	result := a.NetworkGrowth(nil, nil, 3600)
	if result.Error == "" {
		t.Fatalf("expected error when store is absent")
	}
	if len(result.Buckets) != 0 {
		t.Errorf("expected no buckets, got %v", result.Buckets)
	}
}

func TestNetworkGrowthComputesIncreasingTrend(t *testing.T) {
	store := newTestStore(t)
	a := New(store, nil)

	base := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	nodes := []string{"n1", "n2", "n3", "n4", "n5"}
	for hour := 0; hour < 5; hour++ {
		ts := base.Add(time.Duration(hour) * time.Hour)
		for i := 0; i <= hour; i++ {
			_ = store.RecordObservation(nodes[i], "mesh", 40.0, -105.0, nil, ts)
		}
	}

	result := a.NetworkGrowth(nil, nil, 3600)
	if result.Error != "" {
		t.Fatalf("unexpected error: %s", result.Error)
	}
	if len(result.Buckets) < 2 {
		t.Fatalf("expected multiple buckets, got %d", len(result.Buckets))
	}
	if !result.HasTrend {
		t.Fatalf("expected a trend to be computed over multiple buckets")
	}
	if result.TrendPerHour <= 0 {
		t.Errorf("expected a positive growth trend, got %f", result.TrendPerHour)
	}
}

func TestActivityHeatmapDegradesWithoutStore(t *testing.T) {
	a := New(nil, nil)
	result := a.ActivityHeatmap(nil, nil)
	if result.Error == "" {
		t.Fatalf("expected error when store is absent")
	}
}

func TestActivityHeatmapFindsPeakHour(t *testing.T) {
	store := newTestStore(t)
	a := New(store, nil)

	day := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_ = store.RecordObservation("n1", "mesh", 40.0, -105.0, nil, day.Add(14*time.Hour+time.Duration(i)*time.Minute))
	}
	_ = store.RecordObservation("n2", "mesh", 41.0, -106.0, nil, day.Add(3*time.Hour))

	result := a.ActivityHeatmap(nil, nil)
	if result.Error != "" {
		t.Fatalf("unexpected error: %s", result.Error)
	}
	if result.PeakHour != 14 {
		t.Errorf("expected peak hour 14, got %d", result.PeakHour)
	}
}

func TestNodeActivityRankingDegradesWithoutStore(t *testing.T) {
	a := New(nil, nil)
	result := a.NodeActivityRanking(nil, 10)
	if result.Error == "" {
		t.Fatalf("expected error when store is absent")
	}
}

func TestNodeActivityRankingOrdersByCount(t *testing.T) {
	store := newTestStore(t)
	a := New(store, nil)

	now := time.Now()
	for i := 0; i < 3; i++ {
		_ = store.RecordObservation("busy", "mesh", 40.0, -105.0, nil, now.Add(time.Duration(i)*time.Hour))
	}
	_ = store.RecordObservation("quiet", "mesh", 41.0, -106.0, nil, now)

	result := a.NodeActivityRanking(nil, 10)
	if result.Error != "" {
		t.Fatalf("unexpected error: %s", result.Error)
	}
	if len(result.Nodes) == 0 || result.Nodes[0].NodeID != "busy" {
		t.Fatalf("expected busiest node first, got %+v", result.Nodes)
	}
}

func TestNetworkSummaryDegradesWithoutStore(t *testing.T) {
	a := New(nil, nil)
	result := a.NetworkSummary(nil)
	if result.Error == "" {
		t.Fatalf("expected error when store is absent")
	}
}

func TestNetworkSummaryReportsPerNetworkBreakdown(t *testing.T) {
	store := newTestStore(t)
	a := New(store, nil)

	now := time.Now()
	_ = store.RecordObservation("n1", "meshtastic", 40.0, -105.0, nil, now)
	_ = store.RecordObservation("n2", "aredn", 41.0, -106.0, nil, now)

	result := a.NetworkSummary(nil)
	if result.Error != "" {
		t.Fatalf("unexpected error: %s", result.Error)
	}
	if result.Summary.TotalObservations != 2 {
		t.Errorf("expected 2 total observations, got %d", result.Summary.TotalObservations)
	}
	if result.Summary.PerNetwork["meshtastic"] != 1 || result.Summary.PerNetwork["aredn"] != 1 {
		t.Errorf("expected 1 observation per network, got %+v", result.Summary.PerNetwork)
	}
}

func TestAlertTrendsDegradesWithoutEngine(t *testing.T) {
	a := New(nil, nil)
	result := a.AlertTrends(3600, 100)
	if result.Error == "" {
		t.Fatalf("expected error when alert engine is absent")
	}
}

func TestAlertTrendsBucketsBySeverity(t *testing.T) {
	engine := alerting.NewEngine()
	a := New(nil, engine)

	now := time.Now().Truncate(time.Hour)
	engine.EvaluateNode("n1", map[string]interface{}{"battery": 15.0}, nil, now)
	engine.EvaluateNode("n2", map[string]interface{}{"battery": 3.0}, nil, now.Add(time.Minute))

	result := a.AlertTrends(3600, 100)
	if result.Error != "" {
		t.Fatalf("unexpected error: %s", result.Error)
	}
	if len(result.Buckets) != 1 {
		t.Fatalf("expected all alerts within one hour bucket, got %d", len(result.Buckets))
	}
	b := result.Buckets[0]
	if b.Total != 3 {
		t.Errorf("expected 3 total alerts (battery_low, battery_low+battery_critical), got %d", b.Total)
	}
	if b.Critical != 1 {
		t.Errorf("expected 1 critical alert, got %d", b.Critical)
	}
	if b.Warning != 2 {
		t.Errorf("expected 2 warning alerts, got %d", b.Warning)
	}
}
