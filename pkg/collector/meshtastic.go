package collector

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/nursedude/meshforge-maps/pkg/circuit"
	"github.com/nursedude/meshforge-maps/pkg/connlock"
	"github.com/nursedude/meshforge-maps/pkg/geo"
	"github.com/nursedude/meshforge-maps/pkg/nodestore"
)

// SourceMode selects which Meshtastic sources the collector consults.
type SourceMode string

const (
	SourceAuto      SourceMode = "auto"
	SourceMQTTOnly  SourceMode = "mqtt_only"
	SourceLocalOnly SourceMode = "local_only"
)

// onlineWindowSeconds matches spec §4.5: a node is online iff its last
// heard time is within this window.
const onlineWindowSeconds = 900

// MeshtasticConfig configures the Meshtastic collector's sources.
type MeshtasticConfig struct {
	LocalDaemonURL string // e.g. "http://127.0.0.1:4403" HTTP API base
	MQTTCachePath  string // on-disk MQTT cache GeoJSON, written by the ingest client
	SourceMode     SourceMode
	HTTPTimeout    time.Duration
}

// Meshtastic consumes three sources in priority order — local HTTP
// daemon, live MQTT store, on-disk MQTT cache — deduplicating by node_id.
type Meshtastic struct {
	base   *Base
	config MeshtasticConfig
	store  *nodestore.Store
	client *http.Client
}

// NewMeshtastic creates the Meshtastic collector.
func NewMeshtastic(config MeshtasticConfig, store *nodestore.Store, breaker *circuit.Breaker, ttl time.Duration) *Meshtastic {
	if config.HTTPTimeout == 0 {
		config.HTTPTimeout = 5 * time.Second
	}
	return &Meshtastic{
		base:   NewBase("meshtastic", ttl, breaker, nil),
		config: config,
		store:  store,
		client: &http.Client{Timeout: config.HTTPTimeout},
	}
}

// Collect returns the merged, deduplicated FeatureCollection.
func (m *Meshtastic) Collect(ctx context.Context) geo.FeatureCollection {
	return m.base.Collect(ctx, m.fetch)
}

// Health returns the collector's health info.
func (m *Meshtastic) Health() HealthInfo { return m.base.Health() }

func (m *Meshtastic) fetch(ctx context.Context) (geo.FeatureCollection, error) {
	seen := make(map[string]bool)
	features := make([]geo.Feature, 0)

	if m.config.SourceMode != SourceMQTTOnly && m.config.LocalDaemonURL != "" {
		for _, f := range m.fetchLocalDaemon(ctx) {
			id, _ := f.Properties["id"].(string)
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			features = append(features, f)
		}
	}

	if m.config.SourceMode != SourceLocalOnly {
		for _, n := range m.store.GetAllNodes() {
			if seen[n.ID] {
				continue
			}
			seen[n.ID] = true
			features = append(features, nodeToFeature(n))
		}

		if m.config.MQTTCachePath != "" {
			for _, f := range m.fetchDiskCache(m.config.MQTTCachePath) {
				id, _ := f.Properties["id"].(string)
				if id == "" || seen[id] {
					continue
				}
				seen[id] = true
				features = append(features, f)
			}
		}
	}

	return geo.NewFeatureCollection("meshtastic", features, map[string]interface{}{
		"source_mode": string(m.config.SourceMode),
	}), nil
}

// fetchLocalDaemon queries the meshtasticd HTTP API, serialized through
// the connection gate since meshtasticd accepts only one TCP client.
func (m *Meshtastic) fetchLocalDaemon(ctx context.Context) []geo.Feature {
	gate := connlock.For(m.config.LocalDaemonURL)
	handle := gate.Acquire(m.config.HTTPTimeout, "meshtastic-collector")
	defer handle.Release()
	if !handle.Acquired {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.config.LocalDaemonURL+"/api/v1/nodes", nil)
	if err != nil {
		return nil
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}

	var payload struct {
		Nodes []daemonNode `json:"nodes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil
	}

	now := time.Now().Unix()
	features := make([]geo.Feature, 0, len(payload.Nodes))
	for _, dn := range payload.Nodes {
		lat, lon, ok := dn.coordinates()
		if !ok || !geo.ValidCoordinate(lat, lon) {
			continue
		}
		online := dn.LastHeard > 0 && (now-dn.LastHeard) < onlineWindowSeconds
		props := map[string]interface{}{
			"id":         dn.ID,
			"name":       dn.Name,
			"network":    "meshtastic",
			"node_type":  "meshtastic",
			"is_online":  online,
			"last_seen":  dn.LastHeard,
			"hardware":   dn.Hardware,
			"battery":    dn.Battery,
		}
		f, err := geo.NewPointFeature(lat, lon, nil, props)
		if err != nil {
			continue
		}
		features = append(features, f)
	}
	return features
}

// daemonNode models the subset of the meshtasticd HTTP API's node
// representation this collector depends on. Coordinates may be
// integer-scaled (divide by 1e7) or already-float, per spec §4.5.
type daemonNode struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Hardware  string      `json:"hardware"`
	Battery   *int        `json:"battery"`
	LastHeard int64       `json:"last_heard"`
	LatitudeI interface{} `json:"latitude_i"`
	Longitude interface{} `json:"longitude_i"`
	Latitude  interface{} `json:"latitude"`
	LongitudeF interface{} `json:"longitude"`
}

func (d daemonNode) coordinates() (lat, lon float64, ok bool) {
	if v, scaled := numericValue(d.LatitudeI); scaled {
		if lv, lok := numericValue(d.Longitude); lok {
			return v / 1e7, lv / 1e7, true
		}
	}
	if v, present := numericValue(d.Latitude); present {
		if lv, lok := numericValue(d.LongitudeF); lok {
			return v, lv, true
		}
	}
	return 0, 0, false
}

func numericValue(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, n != 0
	case int:
		return float64(n), n != 0
	case int64:
		return float64(n), n != 0
	default:
		return 0, false
	}
}

func nodeToFeature(n *nodestore.Node) geo.Feature {
	props := map[string]interface{}{
		"id":         n.ID,
		"name":       n.Name,
		"short_name": n.ShortName,
		"hardware":   n.Hardware,
		"role":       n.Role,
		"network":    "meshtastic",
		"node_type":  "meshtastic",
		"is_online":  n.IsOnline,
		"last_seen":  n.LastSeen,
	}
	if n.Altitude != nil {
		props["altitude"] = *n.Altitude
	}
	for k, v := range n.Extra {
		props[k] = v
	}
	f, err := geo.NewPointFeature(*n.Latitude, *n.Longitude, n.Altitude, props)
	if err != nil {
		return geo.Feature{}
	}
	return f
}

// fetchDiskCache reads a previously-written MQTT cache GeoJSON file.
// Read failures are treated as "no cache available", not a fetch error.
func (m *Meshtastic) fetchDiskCache(path string) []geo.Feature {
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
