// Package nodestore is the concurrent in-memory map of MQTT-sourced mesh
// nodes: position, identity, telemetry, and neighbor/topology links, with
// staleness and eviction policies.
package nodestore

import (
	"sync"
	"time"

	"github.com/nursedude/meshforge-maps/pkg/geo"
)

// DefaultStaleSeconds marks a node offline once its last heartbeat is
// older than this.
const DefaultStaleSeconds = 3600

// Node is a single mesh node's current state. Optional fields use pointers
// so "not reported" is distinguishable from a zero value.
type Node struct {
	ID        string
	Latitude  *float64
	Longitude *float64
	Altitude  *float64
	Name      string
	ShortName string
	Hardware  string
	Role      string
	LastSeen  int64
	IsOnline  bool

	// Extra holds arbitrary telemetry keys (battery, voltage, snr,
	// temperature, humidity, pressure, iaq, pm25, co2, heart_bpm, spo2, ...)
	// reported verbatim by UpdateTelemetry.
	Extra map[string]interface{}
}

func (n *Node) clone() *Node {
	c := *n
	if n.Latitude != nil {
		v := *n.Latitude
		c.Latitude = &v
	}
	if n.Longitude != nil {
		v := *n.Longitude
		c.Longitude = &v
	}
	if n.Altitude != nil {
		v := *n.Altitude
		c.Altitude = &v
	}
	c.Extra = make(map[string]interface{}, len(n.Extra))
	for k, v := range n.Extra {
		c.Extra[k] = v
	}
	return &c
}

// Neighbor is one entry of a node's neighbor-info report.
type Neighbor struct {
	NodeID string
	SNR    *float64
}

// Link is a topology edge between two nodes, emitted by GetTopologyLinks.
type Link struct {
	Source    string
	Target    string
	SourceLat *float64
	SourceLon *float64
	TargetLat *float64
	TargetLon *float64
	SNR       *float64
}

// OnNodeRemoved is invoked after a node is evicted or cleaned up, outside
// the store's lock, so downstream stores (drift, connectivity) can
// unsubscribe consistently.
type OnNodeRemoved func(nodeID string)

// Store is the concurrent node map. Zero value is not usable; construct
// with New.
type Store struct {
	mu            sync.RWMutex
	nodes         map[string]*Node
	neighbors     map[string][]Neighbor
	staleSeconds  int64
	maxNodes      int
	onNodeRemoved OnNodeRemoved
}

// Option configures a Store at construction.
type Option func(*Store)

// WithStaleSeconds overrides DefaultStaleSeconds.
func WithStaleSeconds(seconds int64) Option {
	return func(s *Store) { s.staleSeconds = seconds }
}

// WithMaxNodes bounds the store; 0 means unbounded.
func WithMaxNodes(max int) Option {
	return func(s *Store) { s.maxNodes = max }
}

// WithOnNodeRemoved registers the eviction/cleanup callback.
func WithOnNodeRemoved(cb OnNodeRemoved) Option {
	return func(s *Store) { s.onNodeRemoved = cb }
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		nodes:        make(map[string]*Node),
		neighbors:    make(map[string][]Neighbor),
		staleSeconds: DefaultStaleSeconds,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// getOrCreateLocked returns the node for id, creating it (and evicting the
// oldest node by LastSeen if at maxNodes) if absent. Caller must hold the
// write lock. Returns the removed node id, if an eviction occurred.
func (s *Store) getOrCreateLocked(id string) (*Node, string) {
	if n, ok := s.nodes[id]; ok {
		return n, ""
	}
	evicted := ""
	if s.maxNodes > 0 && len(s.nodes) >= s.maxNodes {
		evicted = s.evictOldestLocked()
	}
	n := &Node{ID: id, Extra: make(map[string]interface{})}
	s.nodes[id] = n
	return n, evicted
}

func (s *Store) evictOldestLocked() string {
	var oldestID string
	var oldestSeen int64
	first := true
	for id, n := range s.nodes {
		if first || n.LastSeen < oldestSeen {
			oldestID = id
			oldestSeen = n.LastSeen
			first = false
		}
	}
	if oldestID != "" {
		delete(s.nodes, oldestID)
		delete(s.neighbors, oldestID)
	}
	return oldestID
}

// UpdatePosition records a position report. timestamp of 0 uses now.
func (s *Store) UpdatePosition(id string, lat, lon float64, altitude *float64, timestamp int64) {
	if timestamp == 0 {
		timestamp = time.Now().Unix()
	}
	s.mu.Lock()
	n, evicted := s.getOrCreateLocked(id)
	latV, lonV := lat, lon
	n.Latitude = &latV
	n.Longitude = &lonV
	if altitude != nil {
		altV := *altitude
		n.Altitude = &altV
	}
	n.LastSeen = timestamp
	n.IsOnline = true
	s.mu.Unlock()
	s.fireRemoved(evicted)
}

// UpdateNodeInfo records identity fields. Empty strings leave the existing
// value untouched.
func (s *Store) UpdateNodeInfo(id, name, shortName, hardware, role string) {
	s.mu.Lock()
	n, evicted := s.getOrCreateLocked(id)
	if name != "" {
		n.Name = name
	}
	if shortName != "" {
		n.ShortName = shortName
	}
	if hardware != "" {
		n.Hardware = hardware
	}
	if role != "" {
		n.Role = role
	}
	n.LastSeen = time.Now().Unix()
	s.mu.Unlock()
	s.fireRemoved(evicted)
}

// UpdateTelemetry merges arbitrary non-nil extra telemetry keys (battery,
// voltage, snr, temperature, ...) into the node verbatim.
func (s *Store) UpdateTelemetry(id string, extra map[string]interface{}) {
	s.mu.Lock()
	n, evicted := s.getOrCreateLocked(id)
	for k, v := range extra {
		if v == nil {
			continue
		}
		n.Extra[k] = v
	}
	n.LastSeen = time.Now().Unix()
	s.mu.Unlock()
	s.fireRemoved(evicted)
}

// UpdateNeighbors replaces a node's neighbor-info report.
func (s *Store) UpdateNeighbors(id string, neighbors []Neighbor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.neighbors[id] = neighbors
}

func (s *Store) fireRemoved(id string) {
	if id != "" && s.onNodeRemoved != nil {
		s.onNodeRemoved(id)
	}
}

// GetAllNodes returns deep copies of every node with valid coordinates.
// Nodes unseen beyond staleSeconds are marked IsOnline=false in the copy
// (the stored entry is left untouched — staleness is computed lazily on
// read).
func (s *Store) GetAllNodes() []*Node {
	now := time.Now().Unix()
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		if n.Latitude == nil || n.Longitude == nil {
			continue
		}
		if !geo.ValidCoordinate(*n.Latitude, *n.Longitude) {
			continue
		}
		c := n.clone()
		if now-n.LastSeen > s.staleSeconds {
			c.IsOnline = false
		}
		out = append(out, c)
	}
	return out
}

// Get returns a deep copy of a single node, or nil if unknown.
func (s *Store) Get(id string) *Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil
	}
	return n.clone()
}

// NodeCount returns the number of tracked nodes (including those without
// valid coordinates).
func (s *Store) NodeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// GetTopologyLinks returns neighbor links. Links whose endpoints both have
// coordinates carry them; links with a missing endpoint are still emitted,
// without coordinates.
func (s *Store) GetTopologyLinks() []Link {
	s.mu.RLock()
	defer s.mu.RUnlock()

	links := make([]Link, 0)
	for sourceID, neighbors := range s.neighbors {
		source, hasSource := s.nodes[sourceID]
		for _, neighbor := range neighbors {
			target, hasTarget := s.nodes[neighbor.NodeID]
			link := Link{Source: sourceID, Target: neighbor.NodeID, SNR: neighbor.SNR}
			if hasSource && source.Latitude != nil && source.Longitude != nil {
				link.SourceLat = source.Latitude
				link.SourceLon = source.Longitude
			}
			if hasTarget && target.Latitude != nil && target.Longitude != nil {
				link.TargetLat = target.Latitude
				link.TargetLon = target.Longitude
			}
			links = append(links, link)
		}
	}
	return links
}

// GetTopologyGeoJSON renders topology links as LineString features, only
// for links where both endpoints have coordinates. properties.link_count
// reflects the number of emitted features.
func (s *Store) GetTopologyGeoJSON() geo.FeatureCollection {
	links := s.GetTopologyLinks()
	features := make([]geo.Feature, 0, len(links))
	for _, link := range links {
		if link.SourceLat == nil || link.SourceLon == nil || link.TargetLat == nil || link.TargetLon == nil {
			continue
		}
		quality, color := geo.LinkQuality(link.SNR)
		props := map[string]interface{}{
			"source":  link.Source,
			"target":  link.Target,
			"quality": quality,
			"color":   color,
			"network": "meshtastic",
		}
		if link.SNR != nil {
			props["snr"] = *link.SNR
		}
		points := [][2]float64{
			{*link.SourceLat, *link.SourceLon},
			{*link.TargetLat, *link.TargetLon},
		}
		features = append(features, geo.NewLineStringFeature(points, props))
	}
	return geo.NewFeatureCollection("meshtastic_topology", features, map[string]interface{}{
		"link_count": len(features),
	})
}

// CleanupStale deletes nodes (and their neighbor records) unseen for
// longer than removeSeconds. The removal callback is invoked per node,
// outside the lock, after the sweep completes.
func (s *Store) CleanupStale(removeSeconds int64) int {
	now := time.Now().Unix()
	s.mu.Lock()
	removed := make([]string, 0)
	for id, n := range s.nodes {
		if now-n.LastSeen > removeSeconds {
			removed = append(removed, id)
		}
	}
	for _, id := range removed {
		delete(s.nodes, id)
		delete(s.neighbors, id)
	}
	s.mu.Unlock()

	for _, id := range removed {
		s.fireRemoved(id)
	}
	return len(removed)
}
