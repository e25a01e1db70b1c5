package connectivity

import (
	"testing"
	"time"
)

func TestFirstHeartbeatIsNew(t *testing.T) {
	tr := NewTracker()
	old, new_ := tr.RecordHeartbeat("n1", time.Now())
	if old != StateNew || new_ != StateNew {
		t.Errorf("expected (new, new), got (%s, %s)", old, new_)
	}
}

func TestRegularHeartbeatsBecomeStable(t *testing.T) {
	tr := NewTracker(WithExpectedInterval(5 * time.Minute))
	base := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)

	tr.RecordHeartbeat("n1", base)
	tr.RecordHeartbeat("n1", base.Add(5*time.Minute))
	_, new_ := tr.RecordHeartbeat("n1", base.Add(10*time.Minute))

	if new_ != StateStable {
		t.Errorf("expected stable after 3 regular heartbeats, got %s", new_)
	}
}

func TestIrregularHeartbeatsBecomeIntermittent(t *testing.T) {
	tr := NewTracker(WithExpectedInterval(5 * time.Minute))
	base := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)

	tr.RecordHeartbeat("n1", base)
	tr.RecordHeartbeat("n1", base.Add(30*time.Minute))
	_, new_ := tr.RecordHeartbeat("n1", base.Add(60*time.Minute))

	if new_ != StateIntermittent {
		t.Errorf("expected intermittent after large gaps, got %s", new_)
	}
}

func TestCheckOfflineTransitionsStaleNodes(t *testing.T) {
	tr := NewTracker(WithOfflineThreshold(time.Hour))
	base := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	tr.RecordHeartbeat("n1", base)

	transitioned := tr.CheckOffline(base.Add(2 * time.Hour))
	if len(transitioned) != 1 || transitioned[0] != "n1" {
		t.Fatalf("expected n1 to transition offline, got %v", transitioned)
	}
	state, _ := tr.GetNodeState("n1")
	if state != StateOffline {
		t.Errorf("expected offline state, got %s", state)
	}
}

func TestCheckOfflineSkipsAlreadyOfflineNodes(t *testing.T) {
	tr := NewTracker(WithOfflineThreshold(time.Hour))
	base := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	tr.RecordHeartbeat("n1", base)
	tr.CheckOffline(base.Add(2 * time.Hour))

	transitioned := tr.CheckOffline(base.Add(3 * time.Hour))
	if len(transitioned) != 0 {
		t.Errorf("expected no further transitions for already-offline node, got %v", transitioned)
	}
}

func TestTransitionCallbackFiresOutsideLock(t *testing.T) {
	var fired []Transition
	tr := NewTracker(WithOfflineThreshold(time.Hour), WithOnTransition(func(tr Transition) {
		fired = append(fired, tr)
	}))
	base := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	tr.RecordHeartbeat("n1", base)
	tr.CheckOffline(base.Add(2 * time.Hour))

	if len(fired) != 1 || fired[0].New != StateOffline {
		t.Fatalf("expected one offline transition callback, got %v", fired)
	}
}

func TestEvictsOldestOnMaxNodes(t *testing.T) {
	tr := NewTracker(WithMaxTrackedNodes(2))
	base := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	tr.RecordHeartbeat("n1", base)
	tr.RecordHeartbeat("n2", base.Add(time.Minute))
	tr.RecordHeartbeat("n3", base.Add(2*time.Minute))

	if tr.TrackedNodeCount() != 2 {
		t.Fatalf("expected eviction to bound tracked nodes at 2, got %d", tr.TrackedNodeCount())
	}
	if _, ok := tr.GetNodeState("n1"); ok {
		t.Errorf("expected oldest node n1 to be evicted")
	}
}

func TestRemoveNodePurgesState(t *testing.T) {
	tr := NewTracker()
	tr.RecordHeartbeat("n1", time.Now())
	tr.RemoveNode("n1")
	if _, ok := tr.GetNodeState("n1"); ok {
		t.Errorf("expected node state purged after RemoveNode")
	}
}

func TestGetSummaryCountsStates(t *testing.T) {
	tr := NewTracker()
	tr.RecordHeartbeat("n1", time.Now())
	summary := tr.GetSummary()
	if summary.TrackedNodes != 1 || summary.States[StateNew] != 1 {
		t.Errorf("unexpected summary: %+v", summary)
	}
}
