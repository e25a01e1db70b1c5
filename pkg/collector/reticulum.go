package collector

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nursedude/meshforge-maps/pkg/circuit"
	"github.com/nursedude/meshforge-maps/pkg/geo"
	"github.com/nursedude/meshforge-maps/pkg/retry"
)

// ReticulumConfig configures the Reticulum collector's four sources.
type ReticulumConfig struct {
	StatusCommand  string   // local status subprocess, e.g. "rnstatus"
	StatusArgs     []string
	HubURL         string   // community-hub REST endpoint
	DiskCaches     []string // up to two on-disk GeoJSON caches
}

// Reticulum aggregates up to four sources — local status subprocess,
// community-hub REST, two disk caches — deduplicating by identity.
type Reticulum struct {
	base   *Base
	config ReticulumConfig
	client *http.Client
	runner *retry.Runner
}

// NewReticulum creates the Reticulum collector.
func NewReticulum(config ReticulumConfig, breaker *circuit.Breaker, ttl time.Duration) *Reticulum {
	return &Reticulum{
		base:   NewBase("reticulum", ttl, breaker, nil),
		config: config,
		client: &http.Client{Timeout: 5 * time.Second},
		runner: retry.NewRunner(retry.DefaultConfig()),
	}
}

// Collect returns the merged Reticulum FeatureCollection.
func (r *Reticulum) Collect(ctx context.Context) geo.FeatureCollection {
	return r.base.Collect(ctx, r.fetch)
}

// Health returns the collector's health info.
func (r *Reticulum) Health() HealthInfo { return r.base.Health() }

func (r *Reticulum) fetch(ctx context.Context) (geo.FeatureCollection, error) {
	var mu sync.Mutex
	seen := make(map[string]bool)
	features := make([]geo.Feature, 0)

	add := func(fs []geo.Feature) {
		mu.Lock()
		defer mu.Unlock()
		for _, f := range fs {
			id, _ := f.Properties["id"].(string)
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			features = append(features, f)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if r.config.StatusCommand != "" {
		g.Go(func() error {
			add(r.fetchLocalStatus(gctx))
			return nil
		})
	}
	if r.config.HubURL != "" {
		g.Go(func() error {
			add(r.fetchHub(gctx))
			return nil
		})
	}
	_ = g.Wait()

	for _, path := range r.config.DiskCaches {
		add(r.readDiskCache(path))
	}

	return geo.NewFeatureCollection("reticulum", features, nil), nil
}

// fetchLocalStatus shells out to the local Reticulum status tool, reusing
// the subprocess retry runner shared with other exec-based calls.
func (r *Reticulum) fetchLocalStatus(ctx context.Context) []geo.Feature {
	output, err := r.runner.Output(ctx, r.config.StatusCommand, r.config.StatusArgs...)
	if err != nil {
		return nil
	}
	var payload struct {
		Identities []reticulumIdentity `json:"identities"`
	}
	if err := json.Unmarshal(output, &payload); err != nil {
		return nil
	}
	return identitiesToFeatures(payload.Identities, "local_status")
}

func (r *Reticulum) fetchHub(ctx context.Context) []geo.Feature {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.config.HubURL, nil)
	if err != nil {
		return nil
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}
	var payload struct {
		Identities []reticulumIdentity `json:"identities"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil
	}
	return identitiesToFeatures(payload.Identities, "hub")
}

func (r *Reticulum) readDiskCache(path string) []geo.Feature {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var fc geo.FeatureCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil
	}
	return fc.Features
}

type reticulumIdentity struct {
	Hash      string  `json:"hash"`
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func identitiesToFeatures(identities []reticulumIdentity, source string) []geo.Feature {
	features := make([]geo.Feature, 0, len(identities))
	for _, id := range identities {
		if !geo.ValidCoordinate(id.Latitude, id.Longitude) {
			continue
		}
		f, err := geo.NewPointFeature(id.Latitude, id.Longitude, nil, map[string]interface{}{
			"id":         id.Hash,
			"name":       id.Name,
			"network":    "reticulum",
			"node_type":  "reticulum",
			"source_ref": source,
		})
		if err != nil {
			continue
		}
		features = append(features, f)
	}
	return features
}
