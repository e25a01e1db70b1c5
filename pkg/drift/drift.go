// Package drift detects node configuration changes across successive
// observations (spec §4.10).
package drift

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Severity classifies how disruptive a changed field is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	MaxDriftHistory = 50
	MaxTrackedNodes = 10000
)

// TrackedFields enumerates the tracked config fields and the severity a
// change to each carries, per spec §6.
var TrackedFields = map[string]Severity{
	"role":             SeverityWarning,
	"hardware":         SeverityWarning,
	"name":             SeverityInfo,
	"short_name":       SeverityInfo,
	"region":           SeverityCritical,
	"modem_preset":     SeverityCritical,
	"hop_limit":        SeverityWarning,
	"tx_power":         SeverityWarning,
	"tx_enabled":       SeverityWarning,
	"channel_name":     SeverityCritical,
	"uplink_enabled":   SeverityInfo,
	"downlink_enabled": SeverityInfo,
}

// normalize renders a value so that an integer-valued float equals its
// integer counterpart for comparison purposes.
func normalize(v interface{}) string {
	if f, ok := v.(float64); ok && f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%v", v)
}

// Drift is a single detected field change.
type Drift struct {
	NodeID    string
	Field     string
	OldValue  interface{}
	NewValue  interface{}
	Severity  Severity
	Timestamp time.Time
}

type snapshot struct {
	fields    map[string]interface{}
	firstSeen time.Time
	lastSeen  time.Time
}

// OnDrift is called once per CheckNode call that detects any drift,
// outside the lock.
type OnDrift func(nodeID string, drifts []Drift)

// Detector tracks a per-node config snapshot and records drift events
// when tracked fields change (spec §4.10).
type Detector struct {
	maxHistory int
	maxNodes   int
	onDrift    OnDrift

	mu          sync.Mutex
	snapshots   map[string]*snapshot
	history     map[string][]Drift
	totalDrifts int64
}

// Option configures a Detector.
type Option func(*Detector)

func WithMaxHistory(n int) Option       { return func(d *Detector) { d.maxHistory = n } }
func WithMaxTrackedNodes(n int) Option  { return func(d *Detector) { d.maxNodes = n } }
func WithOnDrift(cb OnDrift) Option     { return func(d *Detector) { d.onDrift = cb } }

// NewDetector creates a Detector with spec defaults, overridden by opts.
func NewDetector(opts ...Option) *Detector {
	d := &Detector{
		maxHistory: MaxDriftHistory,
		maxNodes:   MaxTrackedNodes,
		snapshots:  make(map[string]*snapshot),
		history:    make(map[string][]Drift),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// CheckNode compares fields (a subset of TrackedFields' keys, nil values
// ignored) against the node's last-known snapshot. On first observation
// it stores the snapshot and returns nil. Subsequent calls return any
// detected drifts.
func (d *Detector) CheckNode(nodeID string, fields map[string]interface{}, now time.Time) []Drift {
	current := make(map[string]interface{})
	for k, v := range fields {
		if v == nil {
			continue
		}
		if _, tracked := TrackedFields[k]; !tracked {
			continue
		}
		current[k] = v
	}
	if len(current) == 0 {
		return nil
	}

	var drifts []Drift

	d.mu.Lock()
	prev, ok := d.snapshots[nodeID]
	if !ok {
		if len(d.snapshots) >= d.maxNodes {
			d.evictOldestLocked()
		}
		snap := &snapshot{fields: make(map[string]interface{}, len(current)), firstSeen: now, lastSeen: now}
		for k, v := range current {
			snap.fields[k] = v
		}
		d.snapshots[nodeID] = snap
		d.mu.Unlock()
		return nil
	}

	for field, newValue := range current {
		oldValue, exists := prev.fields[field]
		if !exists || normalize(oldValue) == normalize(newValue) {
			continue
		}
		dr := Drift{
			NodeID:    nodeID,
			Field:     field,
			OldValue:  oldValue,
			NewValue:  newValue,
			Severity:  TrackedFields[field],
			Timestamp: now,
		}
		drifts = append(drifts, dr)
		d.totalDrifts++

		hist := append(d.history[nodeID], dr)
		if len(hist) > d.maxHistory {
			hist = hist[len(hist)-d.maxHistory:]
		}
		d.history[nodeID] = hist
	}

	for k, v := range current {
		prev.fields[k] = v
	}
	prev.lastSeen = now
	d.mu.Unlock()

	if len(drifts) > 0 {
		d.fireDrift(nodeID, drifts)
	}
	return drifts
}

func (d *Detector) fireDrift(nodeID string, drifts []Drift) {
	if d.onDrift == nil {
		return
	}
	defer func() { recover() }()
	d.onDrift(nodeID, drifts)
}

func (d *Detector) evictOldestLocked() {
	if len(d.snapshots) == 0 {
		return
	}
	var oldestID string
	var oldestSeen time.Time
	first := true
	for id, snap := range d.snapshots {
		if first || snap.lastSeen.Before(oldestSeen) {
			oldestID = id
			oldestSeen = snap.lastSeen
			first = false
		}
	}
	delete(d.snapshots, oldestID)
	delete(d.history, oldestID)
}

// GetNodeSnapshot returns a copy of a node's current tracked-field
// snapshot, if any.
func (d *Detector) GetNodeSnapshot(nodeID string) (map[string]interface{}, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	snap, ok := d.snapshots[nodeID]
	if !ok {
		return nil, false
	}
	out := make(map[string]interface{}, len(snap.fields))
	for k, v := range snap.fields {
		out[k] = v
	}
	return out, true
}

// GetNodeDriftHistory returns a node's recorded drift history.
func (d *Detector) GetNodeDriftHistory(nodeID string) []Drift {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Drift(nil), d.history[nodeID]...)
}

// GetAllDrifts returns every recorded drift across all nodes, optionally
// filtered by since/severity, newest-first.
func (d *Detector) GetAllDrifts(since *time.Time, severity Severity) []Drift {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []Drift
	for _, hist := range d.history {
		for _, dr := range hist {
			if since != nil && dr.Timestamp.Before(*since) {
				continue
			}
			if severity != "" && dr.Severity != severity {
				continue
			}
			out = append(out, dr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

// Summary is the aggregate drift-detection report.
type Summary struct {
	TrackedNodes    int
	NodesWithDrift  int
	TotalDrifts     int64
	RecentDrifts    []Drift
}

// GetSummary reports aggregate detector statistics, including up to 10
// recent drifts: the newest 10 among each node's 3 most recent drifts.
func (d *Detector) GetSummary() Summary {
	d.mu.Lock()
	defer d.mu.Unlock()

	nodesWithDrift := 0
	var recent []Drift
	for _, hist := range d.history {
		if len(hist) > 0 {
			nodesWithDrift++
		}
		start := len(hist) - 3
		if start < 0 {
			start = 0
		}
		recent = append(recent, hist[start:]...)
	}
	sort.Slice(recent, func(i, j int) bool { return recent[i].Timestamp.After(recent[j].Timestamp) })
	if len(recent) > 10 {
		recent = recent[:10]
	}

	return Summary{
		TrackedNodes:   len(d.snapshots),
		NodesWithDrift: nodesWithDrift,
		TotalDrifts:    d.totalDrifts,
		RecentDrifts:   recent,
	}
}

// TrackedNodeCount returns the number of nodes with a stored snapshot.
func (d *Detector) TrackedNodeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.snapshots)
}

// RemoveNode purges all tracking data for a node.
func (d *Detector) RemoveNode(nodeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.snapshots, nodeID)
	delete(d.history, nodeID)
}
