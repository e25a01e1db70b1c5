// Package aggregator owns the collector map, event bus, and circuit
// registry, merging per-source FeatureCollections into a single view and
// extracting overlay data for cached reuse.
package aggregator

import (
	"context"
	"sync"

	"github.com/nursedude/meshforge-maps/pkg/circuit"
	"github.com/nursedude/meshforge-maps/pkg/collector"
	"github.com/nursedude/meshforge-maps/pkg/eventbus"
	"github.com/nursedude/meshforge-maps/pkg/geo"
	"github.com/nursedude/meshforge-maps/pkg/logx"
	"github.com/nursedude/meshforge-maps/pkg/nodestore"
)

// Collector is the interface every source-specific collector satisfies.
type Collector interface {
	Collect(ctx context.Context) geo.FeatureCollection
	Health() collector.HealthInfo
}

// SourceResult reports one collector's contribution to an aggregate
// collection.
type SourceResult struct {
	Source       string
	FeatureCount int
}

// Aggregate is the merged view returned by CollectAll.
type Aggregate struct {
	FeatureCollection geo.FeatureCollection
	Sources           []SourceResult
}

// Aggregator coordinates collectors, the event bus, and the circuit
// registry (spec §4.6).
type Aggregator struct {
	logger    *logx.Logger
	bus       *eventbus.Bus
	breakers  *circuit.Registry
	store     *nodestore.Store
	arednLink CollectorWithTopology

	mu          sync.RWMutex
	collectors  map[string]Collector
	order       []string // dependency order of enabled collectors
	lastOverlay map[string]interface{}
	hamclock    Collector // the specific overlay-only fallback source
}

// CollectorWithTopology is satisfied by collectors (AREDN) that also
// expose an LQM-derived topology, unioned with the MQTT topology by
// GetTopologyGeoJSON.
type CollectorWithTopology interface {
	Collector
}

// New creates an Aggregator with no collectors. Register adds them in
// execution order; the one registered as "hamclock" is used for the
// overlay-only fallback.
func New(bus *eventbus.Bus, breakers *circuit.Registry, store *nodestore.Store, logger *logx.Logger) *Aggregator {
	return &Aggregator{
		logger:     logger,
		bus:        bus,
		breakers:   breakers,
		store:      store,
		collectors: make(map[string]Collector),
	}
}

// Register adds a collector under name, appended to the execution order.
func (a *Aggregator) Register(name string, c Collector) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.collectors[name] = c
	a.order = append(a.order, name)
	if name == "hamclock" {
		a.hamclock = c
	}
}

// SetAREDN registers the AREDN collector specifically, for
// GetTopologyGeoJSON's LQM union.
func (a *Aggregator) SetAREDN(c CollectorWithTopology) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.arednLink = c
}

// CollectAll executes each enabled collector in dependency order,
// deduplicating features by id (an empty/missing id drops the feature),
// extracting overlay properties (space_weather, solar_terminator,
// hamclock) into the cached overlay, and returning an aggregated
// FeatureCollection with per-source counts. A panicking collector is
// recovered so it cannot break the others.
func (a *Aggregator) CollectAll(ctx context.Context) Aggregate {
	a.mu.RLock()
	order := append([]string(nil), a.order...)
	collectors := make(map[string]Collector, len(a.collectors))
	for k, v := range a.collectors {
		collectors[k] = v
	}
	a.mu.RUnlock()

	seen := make(map[string]bool)
	features := make([]geo.Feature, 0)
	sources := make([]SourceResult, 0, len(order))
	overlay := make(map[string]interface{})

	for _, name := range order {
		c, ok := collectors[name]
		if !ok {
			continue
		}
		fc := a.safeCollect(ctx, name, c)

		count := 0
		for _, f := range fc.Features {
			id, _ := f.Properties["id"].(string)
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			features = append(features, f)
			count++
		}
		sources = append(sources, SourceResult{Source: name, FeatureCount: count})

		for _, key := range []string{"space_weather", "solar_terminator", "band_conditions", "hamclock"} {
			if v, ok := fc.Properties[key]; ok {
				overlay[key] = v
			}
		}
	}

	a.mu.Lock()
	a.lastOverlay = overlay
	a.mu.Unlock()

	a.bus.Publish(eventbus.Event{Type: eventbus.DataRefreshed, Source: "aggregator"})

	return Aggregate{
		FeatureCollection: geo.NewFeatureCollection("aggregate", features, overlay),
		Sources:           sources,
	}
}

func (a *Aggregator) safeCollect(ctx context.Context, name string, c Collector) (result geo.FeatureCollection) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("collector panicked", "source", name, "panic", r)
			result = geo.Empty(name)
		}
	}()
	return c.Collect(ctx)
}

// GetCachedOverlay returns the last overlay computed by CollectAll. If
// none is available, it performs a minimal overlay-only fetch from the
// HamClock collector.
func (a *Aggregator) GetCachedOverlay(ctx context.Context) map[string]interface{} {
	a.mu.RLock()
	overlay := a.lastOverlay
	hamclock := a.hamclock
	a.mu.RUnlock()

	if overlay != nil {
		return overlay
	}
	if hamclock == nil {
		return map[string]interface{}{}
	}

	fc := hamclock.Collect(ctx)
	fresh := make(map[string]interface{})
	for _, key := range []string{"space_weather", "solar_terminator", "band_conditions"} {
		if v, ok := fc.Properties[key]; ok {
			fresh[key] = v
		}
	}
	return fresh
}

// GetTopologyGeoJSON unions the MQTT node store's topology with the
// AREDN collector's LQM-derived topology (when registered).
func (a *Aggregator) GetTopologyGeoJSON(ctx context.Context) geo.FeatureCollection {
	mqttTopology := a.store.GetTopologyGeoJSON()

	a.mu.RLock()
	arednLink := a.arednLink
	a.mu.RUnlock()

	if arednLink == nil {
		return mqttTopology
	}

	arednFC := arednLink.Collect(ctx)
	features := append(append([]geo.Feature(nil), mqttTopology.Features...), arednFC.Features...)
	return geo.NewFeatureCollection("topology", features, map[string]interface{}{
		"link_count": len(features),
	})
}

// HealthSnapshot reports every registered collector's health info keyed
// by source name.
func (a *Aggregator) HealthSnapshot() map[string]collector.HealthInfo {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]collector.HealthInfo, len(a.collectors))
	for name, c := range a.collectors {
		out[name] = c.Health()
	}
	return out
}

// OnNodeRemoved propagates node-removal notifications from the MQTT store
// to interested downstream components (connectivity, drift). Callers
// register their own handler via Subscribe; the aggregator just forwards
// the store's callback onto the event bus so it reaches every subscriber
// uniformly.
func (a *Aggregator) OnNodeRemoved(nodeID string) {
	a.bus.Publish(eventbus.Event{
		Type:   eventbus.ServiceDown,
		Source: "nodestore",
		NodeID: nodeID,
	})
}
