package drift

import (
	"testing"
	"time"
)

func TestFirstObservationRecordsSnapshotNoDrift(t *testing.T) {
	d := NewDetector()
	drifts := d.CheckNode("n1", map[string]interface{}{"role": "CLIENT"}, time.Now())
	if drifts != nil {
		t.Errorf("expected no drifts on first observation, got %v", drifts)
	}
}

func TestFieldChangeProducesDrift(t *testing.T) {
	d := NewDetector()
	now := time.Now()
	d.CheckNode("n1", map[string]interface{}{"role": "CLIENT"}, now)
	drifts := d.CheckNode("n1", map[string]interface{}{"role": "ROUTER"}, now.Add(time.Minute))

	if len(drifts) != 1 {
		t.Fatalf("expected 1 drift, got %d", len(drifts))
	}
	if drifts[0].Severity != SeverityWarning {
		t.Errorf("expected role change to be warning severity, got %s", drifts[0].Severity)
	}
}

func TestIntegerFloatNormalizationAvoidsFalseDrift(t *testing.T) {
	d := NewDetector()
	now := time.Now()
	d.CheckNode("n1", map[string]interface{}{"hop_limit": float64(3)}, now)
	drifts := d.CheckNode("n1", map[string]interface{}{"hop_limit": 3}, now.Add(time.Minute))

	if len(drifts) != 0 {
		t.Errorf("expected int(3) == float64(3) to not drift, got %v", drifts)
	}
}

func TestUntrackedFieldsIgnored(t *testing.T) {
	d := NewDetector()
	drifts := d.CheckNode("n1", map[string]interface{}{"battery": 80}, time.Now())
	if drifts != nil {
		t.Errorf("expected untracked field to produce no snapshot entry, got %v", drifts)
	}
	if _, ok := d.GetNodeSnapshot("n1"); ok {
		t.Errorf("expected no snapshot stored for an all-untracked field set")
	}
}

func TestCriticalSeverityForRegionChange(t *testing.T) {
	d := NewDetector()
	now := time.Now()
	d.CheckNode("n1", map[string]interface{}{"region": "US"}, now)
	drifts := d.CheckNode("n1", map[string]interface{}{"region": "EU"}, now.Add(time.Minute))
	if len(drifts) != 1 || drifts[0].Severity != SeverityCritical {
		t.Fatalf("expected critical region drift, got %v", drifts)
	}
}

func TestDriftCallbackFiresOutsideLock(t *testing.T) {
	var fired []Drift
	d := NewDetector(WithOnDrift(func(nodeID string, drifts []Drift) {
		fired = append(fired, drifts...)
	}))
	now := time.Now()
	d.CheckNode("n1", map[string]interface{}{"role": "CLIENT"}, now)
	d.CheckNode("n1", map[string]interface{}{"role": "ROUTER"}, now.Add(time.Minute))

	if len(fired) != 1 {
		t.Fatalf("expected callback to fire once with 1 drift, got %v", fired)
	}
}

func TestGetAllDriftsFiltersBySeverity(t *testing.T) {
	d := NewDetector()
	now := time.Now()
	d.CheckNode("n1", map[string]interface{}{"role": "CLIENT", "region": "US"}, now)
	d.CheckNode("n1", map[string]interface{}{"role": "ROUTER", "region": "EU"}, now.Add(time.Minute))

	critical := d.GetAllDrifts(nil, SeverityCritical)
	if len(critical) != 1 || critical[0].Field != "region" {
		t.Fatalf("expected only the region drift filtered as critical, got %v", critical)
	}
}

func TestEvictsOldestOnMaxNodes(t *testing.T) {
	d := NewDetector(WithMaxTrackedNodes(2))
	base := time.Now()
	d.CheckNode("n1", map[string]interface{}{"role": "CLIENT"}, base)
	d.CheckNode("n2", map[string]interface{}{"role": "CLIENT"}, base.Add(time.Minute))
	d.CheckNode("n3", map[string]interface{}{"role": "CLIENT"}, base.Add(2*time.Minute))

	if d.TrackedNodeCount() != 2 {
		t.Fatalf("expected eviction to bound tracked nodes at 2, got %d", d.TrackedNodeCount())
	}
	if _, ok := d.GetNodeSnapshot("n1"); ok {
		t.Errorf("expected oldest node n1 evicted")
	}
}

func TestRemoveNodePurgesSnapshotAndHistory(t *testing.T) {
	d := NewDetector()
	now := time.Now()
	d.CheckNode("n1", map[string]interface{}{"role": "CLIENT"}, now)
	d.CheckNode("n1", map[string]interface{}{"role": "ROUTER"}, now.Add(time.Minute))
	d.RemoveNode("n1")

	if _, ok := d.GetNodeSnapshot("n1"); ok {
		t.Errorf("expected snapshot purged")
	}
	if hist := d.GetNodeDriftHistory("n1"); len(hist) != 0 {
		t.Errorf("expected history purged, got %v", hist)
	}
}
