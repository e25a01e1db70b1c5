package aggregator

import (
	"context"
	"testing"

	"github.com/nursedude/meshforge-maps/pkg/circuit"
	"github.com/nursedude/meshforge-maps/pkg/collector"
	"github.com/nursedude/meshforge-maps/pkg/eventbus"
	"github.com/nursedude/meshforge-maps/pkg/geo"
	"github.com/nursedude/meshforge-maps/pkg/logx"
	"github.com/nursedude/meshforge-maps/pkg/nodestore"
)

type stubCollector struct {
	fc     geo.FeatureCollection
	panics bool
	health collector.HealthInfo
	calls  int
}

func (s *stubCollector) Collect(ctx context.Context) geo.FeatureCollection {
	s.calls++
	if s.panics {
		panic("boom")
	}
	return s.fc
}

func (s *stubCollector) Health() collector.HealthInfo {
	return s.health
}

func feature(id string) geo.Feature {
	return geo.Feature{
		Type:       "Feature",
		Properties: map[string]interface{}{"id": id},
	}
}

func newTestAggregator() *Aggregator {
	bus := eventbus.New()
	breakers := circuit.NewRegistry(5, 0)
	store := nodestore.New()
	return New(bus, breakers, store, logx.New("error"))
}

func TestCollectAllDedupsFeaturesAcrossSources(t *testing.T) {
	a := newTestAggregator()
	a.Register("a", &stubCollector{fc: geo.FeatureCollection{Features: []geo.Feature{feature("n1"), feature("n2")}}})
	a.Register("b", &stubCollector{fc: geo.FeatureCollection{Features: []geo.Feature{feature("n2"), feature("n3")}}})

	agg := a.CollectAll(context.Background())
	if len(agg.FeatureCollection.Features) != 3 {
		t.Fatalf("expected 3 deduped features, got %d", len(agg.FeatureCollection.Features))
	}
	if len(agg.Sources) != 2 {
		t.Fatalf("expected 2 source results, got %d", len(agg.Sources))
	}
}

func TestCollectAllIsolatesPanickingCollector(t *testing.T) {
	a := newTestAggregator()
	a.Register("bad", &stubCollector{panics: true})
	a.Register("good", &stubCollector{fc: geo.FeatureCollection{Features: []geo.Feature{feature("n1")}}})

	agg := a.CollectAll(context.Background())
	if len(agg.FeatureCollection.Features) != 1 {
		t.Fatalf("expected the surviving collector's feature, got %d", len(agg.FeatureCollection.Features))
	}
}

func TestCollectAllExtractsOverlayProperties(t *testing.T) {
	a := newTestAggregator()
	a.Register("hamclock", &stubCollector{fc: geo.FeatureCollection{
		Properties: map[string]interface{}{"space_weather": map[string]interface{}{"kp": 3.0}},
	}})

	a.CollectAll(context.Background())
	overlay := a.GetCachedOverlay(context.Background())
	if _, ok := overlay["space_weather"]; !ok {
		t.Errorf("expected space_weather in overlay, got %+v", overlay)
	}
}

func TestGetCachedOverlayFallsBackToHamClockWhenUncollected(t *testing.T) {
	a := newTestAggregator()
	a.Register("hamclock", &stubCollector{fc: geo.FeatureCollection{
		Properties: map[string]interface{}{"band_conditions": "good"},
	}})

	overlay := a.GetCachedOverlay(context.Background())
	if overlay["band_conditions"] != "good" {
		t.Errorf("expected fallback fetch to populate overlay, got %+v", overlay)
	}
}

func TestGetTopologyGeoJSONUnionsAREDNWhenRegistered(t *testing.T) {
	a := newTestAggregator()
	aredn := &stubCollector{fc: geo.FeatureCollection{Features: []geo.Feature{
		{Type: "Feature", Geometry: geo.Geometry{Type: "LineString"}, Properties: map[string]interface{}{"id": "link1"}},
	}}}
	a.SetAREDN(aredn)

	fc := a.GetTopologyGeoJSON(context.Background())
	if len(fc.Features) != 1 {
		t.Fatalf("expected 1 unioned link feature, got %d", len(fc.Features))
	}
}

func TestHealthSnapshotReportsAllCollectors(t *testing.T) {
	a := newTestAggregator()
	a.Register("a", &stubCollector{health: collector.HealthInfo{Source: "a", TotalCollections: 5}})

	snap := a.HealthSnapshot()
	if snap["a"].TotalCollections != 5 {
		t.Errorf("expected health snapshot to reflect collector health, got %+v", snap["a"])
	}
}
