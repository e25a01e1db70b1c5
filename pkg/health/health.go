// Package health computes a composite 0-100 health score for each node
// from whatever telemetry fields it has reported (spec §4.9).
package health

import (
	"sync"
	"time"
)

const (
	WeightBattery     = 25
	WeightSignal      = 25
	WeightFreshness   = 20
	WeightReliability = 15
	WeightCongestion  = 15
)

const (
	batteryFull     = 80.0
	batteryLow      = 20.0
	voltageMin      = 3.0
	voltageHealthy  = 3.7
	snrExcellent    = 8.0
	snrPoor         = -10.0
	maxHopsScored   = 7.0
	channelUtilLow  = 25.0
	channelUtilHigh = 75.0

	// MaxScoredNodes bounds the score cache.
	MaxScoredNodes = 10000
)

// DefaultFreshnessFresh / DefaultFreshnessStale are the freshness
// component's full-credit/zero-credit age thresholds.
const (
	DefaultFreshnessFresh = 300 * time.Second
	DefaultFreshnessStale = 3600 * time.Second
)

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// linearScore interpolates value between bad (0 points) and good
// (maxPoints), clamped.
func linearScore(value, bad, good, maxPoints float64) float64 {
	if good == bad {
		if value >= good {
			return maxPoints
		}
		return 0
	}
	ratio := (value - bad) / (good - bad)
	return clamp(ratio, 0, 1) * maxPoints
}

func scoreLabel(score int) string {
	switch {
	case score >= 80:
		return "excellent"
	case score >= 60:
		return "good"
	case score >= 40:
		return "fair"
	case score >= 20:
		return "poor"
	default:
		return "critical"
	}
}

// Component is one scored component's contribution.
type Component struct {
	Score  float64
	Max    float64
	Detail map[string]interface{}
}

// Score is a node's computed composite health score.
type Score struct {
	NodeID          string
	Value           int
	Status          string
	Components      map[string]Component
	AvailableWeight int
	Timestamp       time.Time
}

// Inputs are the raw telemetry fields a node may report; fields left nil
// are treated as unavailable and their component is omitted.
type Inputs struct {
	Battery            *float64
	Voltage            *float64
	SNR                *float64
	HopsAway           *int
	LastSeen           *time.Time
	ConnectivityState  string // "stable"/"new"/"intermittent"/"offline"/"" (unknown)
	ChannelUtilization *float64
	AirUtilTX          *float64
}

// Scorer computes and caches per-node health scores (spec §4.9).
type Scorer struct {
	maxNodes       int
	freshnessFresh time.Duration
	freshnessStale time.Duration

	mu     sync.Mutex
	scores map[string]Score
}

// Option configures a Scorer.
type Option func(*Scorer)

func WithMaxScoredNodes(n int) Option             { return func(s *Scorer) { s.maxNodes = n } }
func WithFreshnessThresholds(fresh, stale time.Duration) Option {
	return func(s *Scorer) { s.freshnessFresh, s.freshnessStale = fresh, stale }
}

// NewScorer creates a Scorer with spec defaults, overridden by opts.
func NewScorer(opts ...Option) *Scorer {
	s := &Scorer{
		maxNodes:       MaxScoredNodes,
		freshnessFresh: DefaultFreshnessFresh,
		freshnessStale: DefaultFreshnessStale,
		scores:         make(map[string]Score),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ScoreNode computes and caches a node's composite health score.
func (s *Scorer) ScoreNode(nodeID string, in Inputs, now time.Time) Score {
	components := make(map[string]Component)
	var earned float64
	available := 0

	if c, ok := scoreBattery(in.Battery, in.Voltage); ok {
		components["battery"] = c
		earned += c.Score
		available += WeightBattery
	}
	if c, ok := scoreSignal(in.SNR, in.HopsAway); ok {
		components["signal"] = c
		earned += c.Score
		available += WeightSignal
	}
	if c, ok := scoreFreshness(in.LastSeen, now, s.freshnessFresh, s.freshnessStale); ok {
		components["freshness"] = c
		earned += c.Score
		available += WeightFreshness
	}
	if c, ok := scoreReliability(in.ConnectivityState); ok {
		components["reliability"] = c
		earned += c.Score
		available += WeightReliability
	}
	if c, ok := scoreCongestion(in.ChannelUtilization, in.AirUtilTX); ok {
		components["congestion"] = c
		earned += c.Score
		available += WeightCongestion
	}

	normalized := 0
	if available > 0 {
		normalized = int(clamp(roundHalfAwayFromZero(earned/float64(available)*100), 0, 100))
	}

	result := Score{
		NodeID:          nodeID,
		Value:           normalized,
		Status:          scoreLabel(normalized),
		Components:      components,
		AvailableWeight: available,
		Timestamp:       now,
	}

	s.mu.Lock()
	if _, exists := s.scores[nodeID]; !exists && len(s.scores) >= s.maxNodes {
		s.evictOldestLocked()
	}
	s.scores[nodeID] = result
	s.mu.Unlock()

	return result
}

func roundHalfAwayFromZero(v float64) float64 {
	if v >= 0 {
		return float64(int(v + 0.5))
	}
	return float64(int(v - 0.5))
}

func scoreBattery(battery, voltage *float64) (Component, bool) {
	if battery == nil && voltage == nil {
		return Component{}, false
	}
	detail := make(map[string]interface{})
	var points float64
	switch {
	case battery != nil && voltage != nil:
		b := clamp(*battery, 0, 100)
		battScore := linearScore(b, batteryLow, batteryFull, WeightBattery*0.6)
		voltScore := linearScore(*voltage, voltageMin, voltageHealthy, WeightBattery*0.4)
		points = battScore + voltScore
		detail["battery_level"] = b
		detail["voltage"] = *voltage
	case battery != nil:
		b := clamp(*battery, 0, 100)
		points = linearScore(b, batteryLow, batteryFull, WeightBattery)
		detail["battery_level"] = b
	default:
		points = linearScore(*voltage, voltageMin, voltageHealthy, WeightBattery)
		detail["voltage"] = *voltage
	}
	return Component{Score: points, Max: WeightBattery, Detail: detail}, true
}

func scoreSignal(snr *float64, hops *int) (Component, bool) {
	if snr == nil && hops == nil {
		return Component{}, false
	}
	detail := make(map[string]interface{})
	var points float64
	switch {
	case snr != nil && hops != nil:
		h := *hops
		if h < 0 {
			h = 0
		}
		snrScore := linearScore(*snr, snrPoor, snrExcellent, WeightSignal*0.7)
		hopScore := linearScore(maxHopsScored-float64(h), 0, maxHopsScored, WeightSignal*0.3)
		points = snrScore + hopScore
		detail["snr"] = *snr
		detail["hops_away"] = h
	case snr != nil:
		points = linearScore(*snr, snrPoor, snrExcellent, WeightSignal)
		detail["snr"] = *snr
	default:
		h := *hops
		if h < 0 {
			h = 0
		}
		points = linearScore(maxHopsScored-float64(h), 0, maxHopsScored, WeightSignal)
		detail["hops_away"] = h
	}
	return Component{Score: points, Max: WeightSignal, Detail: detail}, true
}

func scoreFreshness(lastSeen *time.Time, now time.Time, fresh, stale time.Duration) (Component, bool) {
	if lastSeen == nil {
		return Component{}, false
	}
	age := now.Sub(*lastSeen)
	if age < 0 {
		age = 0
	}
	points := linearScore(float64(stale-age), 0, float64(stale-fresh), WeightFreshness)
	return Component{Score: points, Max: WeightFreshness, Detail: map[string]interface{}{
		"age_seconds": int(age.Seconds()),
	}}, true
}

func scoreReliability(state string) (Component, bool) {
	if state == "" {
		return Component{}, false
	}
	var points float64
	switch state {
	case "stable":
		points = WeightReliability
	case "new":
		points = WeightReliability * 0.7
	case "intermittent":
		points = WeightReliability * 0.3
	case "offline":
		points = 0
	default:
		points = WeightReliability * 0.5
	}
	return Component{Score: points, Max: WeightReliability, Detail: map[string]interface{}{
		"connectivity_state": state,
	}}, true
}

func scoreCongestion(channelUtil, airUtilTX *float64) (Component, bool) {
	if channelUtil == nil && airUtilTX == nil {
		return Component{}, false
	}
	detail := make(map[string]interface{})
	var points float64
	switch {
	case channelUtil != nil && airUtilTX != nil:
		cu := clamp(*channelUtil, 0, 100)
		au := clamp(*airUtilTX, 0, 100)
		avg := (cu + au) / 2
		points = linearScore(channelUtilHigh-avg, 0, channelUtilHigh-channelUtilLow, WeightCongestion)
		detail["channel_util"] = cu
		detail["air_util_tx"] = au
	case channelUtil != nil:
		cu := clamp(*channelUtil, 0, 100)
		points = linearScore(channelUtilHigh-cu, 0, channelUtilHigh-channelUtilLow, WeightCongestion)
		detail["channel_util"] = cu
	default:
		au := clamp(*airUtilTX, 0, 100)
		points = linearScore(channelUtilHigh-au, 0, channelUtilHigh-channelUtilLow, WeightCongestion)
		detail["air_util_tx"] = au
	}
	return Component{Score: points, Max: WeightCongestion, Detail: detail}, true
}

// GetNodeScore returns a node's cached score, if present.
func (s *Scorer) GetNodeScore(nodeID string) (Score, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scores[nodeID]
	return sc, ok
}

// GetAllScores returns {node_id: score value} for every scored node.
func (s *Scorer) GetAllScores() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.scores))
	for id, sc := range s.scores {
		out[id] = sc.Value
	}
	return out
}

// Summary is the aggregate statistics reported by GetSummary.
type Summary struct {
	ScoredNodes       int
	AverageScore      float64
	MinScore          int
	MaxScore          int
	StatusCounts      map[string]int
	ComponentAverages map[string]float64
}

// GetSummary reports aggregate statistics across all scored nodes.
func (s *Scorer) GetSummary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.scores) == 0 {
		return Summary{StatusCounts: map[string]int{}, ComponentAverages: map[string]float64{}}
	}

	var sum float64
	min, max := s.scores[first(s.scores)].Value, s.scores[first(s.scores)].Value
	statusCounts := make(map[string]int)
	compTotals := make(map[string][]float64)

	for _, sc := range s.scores {
		sum += float64(sc.Value)
		if sc.Value < min {
			min = sc.Value
		}
		if sc.Value > max {
			max = sc.Value
		}
		statusCounts[sc.Status]++
		for name, comp := range sc.Components {
			compTotals[name] = append(compTotals[name], comp.Score)
		}
	}

	compAvgs := make(map[string]float64, len(compTotals))
	for name, vals := range compTotals {
		var t float64
		for _, v := range vals {
			t += v
		}
		compAvgs[name] = t / float64(len(vals))
	}

	return Summary{
		ScoredNodes:       len(s.scores),
		AverageScore:      sum / float64(len(s.scores)),
		MinScore:          min,
		MaxScore:          max,
		StatusCounts:      statusCounts,
		ComponentAverages: compAvgs,
	}
}

func first(m map[string]Score) string {
	for k := range m {
		return k
	}
	return ""
}

// RemoveNode purges a node's cached score.
func (s *Scorer) RemoveNode(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scores, nodeID)
}

// ScoredNodeCount returns the number of nodes with a cached score.
func (s *Scorer) ScoredNodeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.scores)
}

func (s *Scorer) evictOldestLocked() {
	if len(s.scores) == 0 {
		return
	}
	var oldestID string
	var oldestTS time.Time
	first := true
	for id, sc := range s.scores {
		if first || sc.Timestamp.Before(oldestTS) {
			oldestID = id
			oldestTS = sc.Timestamp
			first = false
		}
	}
	delete(s.scores, oldestID)
}
