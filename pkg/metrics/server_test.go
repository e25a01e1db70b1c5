package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nursedude/meshforge-maps/pkg/alerting"
	"github.com/nursedude/meshforge-maps/pkg/circuit"
	"github.com/nursedude/meshforge-maps/pkg/connectivity"
	"github.com/nursedude/meshforge-maps/pkg/logx"
	"github.com/nursedude/meshforge-maps/pkg/nodestore"
)

func TestUpdateWithNilDependenciesDoesNotPanic(t *testing.T) {
	s := New(nil, nil, nil, nil, nil, logx.New("error"))
	s.Update()
}

func TestUpdateReflectsNodeStoreCounts(t *testing.T) {
	store := nodestore.New()
	store.UpdatePosition("n1", 40.0, -105.0, nil, 1000)
	store.UpdatePosition("n2", 41.0, -106.0, nil, 1000)

	s := New(nil, nil, store, nil, nil, logx.New("error"))
	s.Update()

	if got := testutil.ToFloat64(s.nodeCount); got != 2 {
		t.Errorf("expected nodeCount 2, got %f", got)
	}
}

func TestUpdateReflectsBreakerState(t *testing.T) {
	registry := circuit.NewRegistry(3, 0)
	b := registry.Get("meshtastic")
	b.RecordFailure()
	b.RecordFailure()
	b.RecordFailure()

	s := New(nil, registry, nil, nil, nil, logx.New("error"))
	s.Update()

	if got := testutil.ToFloat64(s.breakerState.WithLabelValues("meshtastic")); got != 2 {
		t.Errorf("expected breaker state OPEN (2), got %f", got)
	}
}

func TestUpdateReflectsConnectivitySummary(t *testing.T) {
	tracker := connectivity.NewTracker()
	tracker.RecordHeartbeat("n1", time.Unix(1000, 0))

	s := New(nil, nil, nil, tracker, nil, logx.New("error"))
	s.Update()

	total := testutil.ToFloat64(s.connectivityStates.WithLabelValues(string(connectivity.StateNew)))
	if total != 1 {
		t.Errorf("expected 1 node in the new state, got %f", total)
	}
}

func TestUpdateReflectsAlertSummary(t *testing.T) {
	engine := alerting.NewEngine()
	engine.EvaluateNode("n1", map[string]interface{}{"battery": 15.0}, nil, time.Now())

	s := New(nil, nil, nil, nil, engine, logx.New("error"))
	s.Update()

	if got := testutil.ToFloat64(s.alertsActive); got != 1 {
		t.Errorf("expected 1 active alert, got %f", got)
	}
}

func TestMetricsAreRegisteredUnderTheExpectedNames(t *testing.T) {
	s := New(nil, nil, nil, nil, nil, logx.New("error"))
	families, err := s.Registry().Gather()
	if err != nil {
		t.Fatalf("unexpected error gathering metrics: %v", err)
	}

	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	joined := strings.Join(names, ",")
	if !strings.Contains(joined, "meshforgemaps_nodes_total") {
		t.Errorf("expected meshforgemaps_nodes_total to be registered, got %v", names)
	}
}
