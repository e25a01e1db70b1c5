package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nursedude/meshforge-maps/pkg/circuit"
	"github.com/nursedude/meshforge-maps/pkg/geo"
)

const arednHostTimeout = 5 * time.Second

// AREDNConfig configures the AREDN collector's hosts and disk caches.
type AREDNConfig struct {
	Hosts      []string // hostnames to query for sysinfo
	DiskCaches []string // on-disk GeoJSON caches, filtered to network=="aredn"
}

// AREDN queries configured hostnames' sysinfo endpoints with a 5s per-host
// timeout, fanning requests out concurrently, and reads disk caches
// filtered to AREDN-sourced features.
type AREDN struct {
	base   *Base
	config AREDNConfig
	client *http.Client
}

// NewAREDN creates the AREDN collector.
func NewAREDN(config AREDNConfig, breaker *circuit.Breaker, ttl time.Duration) *AREDN {
	return &AREDN{
		base:   NewBase("aredn", ttl, breaker, nil),
		config: config,
		client: &http.Client{Timeout: arednHostTimeout},
	}
}

// Collect returns the merged AREDN FeatureCollection.
func (a *AREDN) Collect(ctx context.Context) geo.FeatureCollection {
	return a.base.Collect(ctx, a.fetch)
}

// Health returns the collector's health info.
func (a *AREDN) Health() HealthInfo { return a.base.Health() }

type sysinfoResponse struct {
	Node    json.RawMessage `json:"node"`
	Sysinfo json.RawMessage `json:"sysinfo"`
	MeshRF  *meshRF         `json:"meshrf"`
}

type meshRF struct {
	LQM *lqmInfo `json:"lqm"`
}

type lqmInfo struct {
	Neighbors []lqmNeighbor `json:"neighbors"`
}

type lqmNeighbor struct {
	Hostname string      `json:"hostname"`
	Quality  interface{} `json:"quality"`
	SNR      interface{} `json:"snr"`
	Blocked  bool        `json:"blocked"`
}

func (a *AREDN) fetch(ctx context.Context) (geo.FeatureCollection, error) {
	var mu sync.Mutex
	features := make([]geo.Feature, 0, len(a.config.Hosts))

	g, gctx := errgroup.WithContext(ctx)
	for _, host := range a.config.Hosts {
		host := host
		g.Go(func() error {
			fs := a.queryHost(gctx, host)
			mu.Lock()
			features = append(features, fs...)
			mu.Unlock()
			return nil
		})
	}
	// Host query errors are per-host and non-fatal; errgroup never
	// returns an error here because queryHost swallows its own failures.
	_ = g.Wait()

	for _, path := range a.config.DiskCaches {
		features = append(features, a.readDiskCache(path)...)
	}

	return geo.NewFeatureCollection("aredn", features, nil), nil
}

func (a *AREDN) queryHost(ctx context.Context, host string) []geo.Feature {
	ctx, cancel := context.WithTimeout(ctx, arednHostTimeout)
	defer cancel()

	url := fmt.Sprintf("http://%s:8080/cgi-bin/sysinfo.json?link=1", host)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}

	var info sysinfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil
	}
	// Reject responses from a non-AREDN service sharing the port.
	if info.Node == nil && info.Sysinfo == nil && info.MeshRF == nil {
		return nil
	}

	features := make([]geo.Feature, 0)
	if info.MeshRF != nil && info.MeshRF.LQM != nil {
		for _, n := range info.MeshRF.LQM.Neighbors {
			if n.Blocked {
				continue
			}
			snr := parseFloatLoose(n.SNR)
			props := map[string]interface{}{
				"source":  host,
				"target":  n.Hostname,
				"network": "aredn",
				"quality": clampQuality(parseFloatLoose(n.Quality)),
			}
			if snr != nil {
				props["snr"] = *snr
			}
			features = append(features, geo.Feature{
				Type:       "Feature",
				Geometry:   geo.Geometry{Type: "LineString", Coordinates: [][]float64{}},
				Properties: props,
			})
		}
	}
	return features
}

func clampQuality(q *float64) float64 {
	if q == nil {
		return 0
	}
	v := *q
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func parseFloatLoose(v interface{}) *float64 {
	switch n := v.(type) {
	case float64:
		return &n
	case string:
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return &f
		}
	}
	return nil
}

func (a *AREDN) readDiskCache(path string) []geo.Feature {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var fc geo.FeatureCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil
	}
	filtered := make([]geo.Feature, 0, len(fc.Features))
	for _, f := range fc.Features {
		if net, _ := f.Properties["network"].(string); net == "aredn" {
			filtered = append(filtered, f)
		}
	}
	return filtered
}
