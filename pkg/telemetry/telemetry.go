// Package telemetry is the node history store: a SQLite-backed
// observation log (spec §4.7) used both for per-node trajectory/snapshot
// queries and as the backing data for pkg/analytics.
package telemetry

import (
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nursedude/meshforge-maps/pkg/geo"
	"github.com/nursedude/meshforge-maps/pkg/logx"
)

// Observation is a single recorded sample. SNR, Battery, and Name are
// optional passthrough columns kept for cross-implementation schema
// compatibility even though only some networks report them.
type Observation struct {
	ID        int64
	NodeID    string
	Network   string
	Timestamp time.Time
	Latitude  float64
	Longitude float64
	Altitude  *float64
	SNR       *float64
	Battery   *float64
	Name      string
}

// Store is the node history store. On init failure it degrades to a
// no-op store returning empty results from every query, per spec §4.7.
type Store struct {
	logger          *logx.Logger
	throttleSeconds int64

	mu           sync.Mutex
	db           *sql.DB
	degraded     bool
	lastRecorded map[string]int64
}

// Open opens (creating if necessary) the SQLite database at path in WAL
// mode with a 5s busy timeout, a single shared connection guarded by the
// store's own mutex (spec §4.7). On failure, the returned Store degrades
// to no-op reads rather than erroring every caller.
func Open(path string, throttleSeconds int64, logger *logx.Logger) *Store {
	s := &Store{
		logger:          logger,
		throttleSeconds: throttleSeconds,
		lastRecorded:    make(map[string]int64),
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		logger.Error("telemetry store open failed, degrading to no-op", "error", err)
		s.degraded = true
		return s
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		logger.Error("telemetry store schema init failed, degrading to no-op", "error", err)
		db.Close()
		s.degraded = true
		return s
	}

	s.db = db
	return s
}

const schema = `
CREATE TABLE IF NOT EXISTS observations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	node_id TEXT NOT NULL,
	network TEXT NOT NULL DEFAULT '',
	timestamp INTEGER NOT NULL,
	latitude REAL NOT NULL,
	longitude REAL NOT NULL,
	altitude REAL,
	snr REAL,
	battery REAL,
	name TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_observations_node_ts ON observations(node_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_observations_ts ON observations(timestamp);
`

// Close releases the underlying connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordObservation inserts a sample iff now-last_recorded[node_id] is at
// least throttleSeconds, evaluated under the store's lock to avoid racing
// concurrent callers for the same node.
func (s *Store) RecordObservation(nodeID, network string, lat, lon float64, altitude *float64, now time.Time) error {
	return s.RecordObservationFull(Observation{
		NodeID: nodeID, Network: network, Timestamp: now,
		Latitude: lat, Longitude: lon, Altitude: altitude,
	})
}

// RecordObservationFull is RecordObservation with the optional snr,
// battery, and name passthrough columns spec §6's node-history schema
// requires for cross-implementation compatibility.
func (s *Store) RecordObservationFull(obs Observation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.degraded {
		return nil
	}

	ts := obs.Timestamp.Unix()
	if last, ok := s.lastRecorded[obs.NodeID]; ok && ts-last < s.throttleSeconds {
		return nil
	}

	_, err := s.db.Exec(
		`INSERT INTO observations (node_id, network, timestamp, latitude, longitude, altitude, snr, battery, name) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		obs.NodeID, obs.Network, ts, obs.Latitude, obs.Longitude, obs.Altitude, obs.SNR, obs.Battery, obs.Name,
	)
	if err != nil {
		return fmt.Errorf("record observation: %w", err)
	}
	s.lastRecorded[obs.NodeID] = ts
	return nil
}

func (s *Store) isDegraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// Trajectory returns a single LineString (or Point, if exactly one
// sample) feature of [lon, lat, alt?] coordinates in time order for
// nodeID, optionally filtered by since/until.
func (s *Store) Trajectory(nodeID string, since, until *time.Time) geo.FeatureCollection {
	if s.isDegraded() {
		return geo.Empty("telemetry")
	}

	query := `SELECT timestamp, latitude, longitude, altitude FROM observations WHERE node_id = ?`
	args := []interface{}{nodeID}
	query, args = appendTimeRange(query, args, since, until)
	query += ` ORDER BY timestamp ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		s.logger.Error("trajectory query failed", "error", err)
		return geo.Empty("telemetry")
	}
	defer rows.Close()

	type point struct {
		lat, lon float64
		alt      sql.NullFloat64
	}
	var points []point
	for rows.Next() {
		var ts int64
		var p point
		if err := rows.Scan(&ts, &p.lat, &p.lon, &p.alt); err != nil {
			continue
		}
		points = append(points, p)
	}

	if len(points) == 0 {
		return geo.Empty("telemetry")
	}

	coords := make([][2]float64, 0, len(points))
	for _, p := range points {
		coords = append(coords, [2]float64{p.lat, p.lon})
	}

	var feature geo.Feature
	if len(points) == 1 {
		alt := altitudePtr(points[0].alt)
		feature, _ = geo.NewPointFeature(points[0].lat, points[0].lon, alt, map[string]interface{}{"node_id": nodeID})
	} else {
		feature = geo.NewLineStringFeature(coords, map[string]interface{}{"node_id": nodeID})
	}

	return geo.NewFeatureCollection("telemetry", []geo.Feature{feature}, nil)
}

func altitudePtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	alt := v.Float64
	return &alt
}

// Snapshot returns the most-recent-per-node observation with
// timestamp <= t, breaking same-timestamp ties via MAX(id).
func (s *Store) Snapshot(t time.Time) geo.FeatureCollection {
	if s.isDegraded() {
		return geo.Empty("telemetry")
	}

	rows, err := s.db.Query(`
		SELECT o.node_id, o.latitude, o.longitude, o.altitude, o.timestamp, o.network, o.snr, o.battery, o.name
		FROM observations o
		INNER JOIN (
			SELECT node_id, MAX(timestamp) AS max_ts
			FROM observations
			WHERE timestamp <= ?
			GROUP BY node_id
		) latest ON o.node_id = latest.node_id AND o.timestamp = latest.max_ts
		WHERE o.id = (
			SELECT MAX(id) FROM observations
			WHERE node_id = o.node_id AND timestamp = latest.max_ts
		)`, t.Unix())
	if err != nil {
		s.logger.Error("snapshot query failed", "error", err)
		return geo.Empty("telemetry")
	}
	defer rows.Close()

	var features []geo.Feature
	for rows.Next() {
		var nodeID, network, name string
		var lat, lon float64
		var alt, snr, battery sql.NullFloat64
		var ts int64
		if err := rows.Scan(&nodeID, &lat, &lon, &alt, &ts, &network, &snr, &battery, &name); err != nil {
			continue
		}
		props := map[string]interface{}{
			"node_id":   nodeID,
			"timestamp": ts,
			"network":   network,
		}
		if snr.Valid {
			props["snr"] = snr.Float64
		}
		if battery.Valid {
			props["battery"] = battery.Float64
		}
		if name != "" {
			props["name"] = name
		}
		f, err := geo.NewPointFeature(lat, lon, altitudePtr(alt), props)
		if err != nil {
			continue
		}
		features = append(features, f)
	}

	return geo.NewFeatureCollection("telemetry", features, nil)
}

// ObservationHistory returns the raw, time-ascending observation list for
// nodeID within [since, until], newest `limit` rows kept (0 means
// unlimited).
func (s *Store) ObservationHistory(nodeID string, since, until *time.Time, limit int) []Observation {
	if s.isDegraded() {
		return nil
	}

	query := `SELECT id, node_id, network, timestamp, latitude, longitude, altitude, snr, battery, name FROM observations WHERE node_id = ?`
	args := []interface{}{nodeID}
	query, args = appendTimeRange(query, args, since, until)
	query += ` ORDER BY timestamp DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		s.logger.Error("observation history query failed", "error", err)
		return nil
	}
	defer rows.Close()

	var out []Observation
	for rows.Next() {
		var o Observation
		var ts int64
		var alt, snr, battery sql.NullFloat64
		if err := rows.Scan(&o.ID, &o.NodeID, &o.Network, &ts, &o.Latitude, &o.Longitude, &alt, &snr, &battery, &o.Name); err != nil {
			continue
		}
		o.Timestamp = time.Unix(ts, 0).UTC()
		o.Altitude = altitudePtr(alt)
		o.SNR = altitudePtr(snr)
		o.Battery = altitudePtr(battery)
		out = append(out, o)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// DensityPoint is one (lat, lon, count) density tuple.
type DensityPoint struct {
	Latitude  float64
	Longitude float64
	Count     int
}

// Density groups observations into (ROUND(lat,precision), ROUND(lon,precision))
// buckets, sorted by count descending.
func (s *Store) Density(precision int, since, until *time.Time, network string) []DensityPoint {
	if s.isDegraded() {
		return nil
	}

	query := fmt.Sprintf(
		`SELECT ROUND(latitude, %d) AS rlat, ROUND(longitude, %d) AS rlon, COUNT(*) AS c FROM observations WHERE 1=1`,
		precision, precision,
	)
	var args []interface{}
	query, args = appendTimeRange(query, args, since, until)
	if network != "" {
		query += ` AND network = ?`
		args = append(args, network)
	}
	query += ` GROUP BY rlat, rlon ORDER BY c DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		s.logger.Error("density query failed", "error", err)
		return nil
	}
	defer rows.Close()

	var out []DensityPoint
	for rows.Next() {
		var p DensityPoint
		if err := rows.Scan(&p.Latitude, &p.Longitude, &p.Count); err != nil {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Bucket is a time-bucketed aggregation row shared by the analytics
// queries.
type Bucket struct {
	Timestamp    int64
	UniqueNodes  int
	Observations int
}

// NetworkGrowth buckets observations by bucketSeconds, reporting unique
// node count and total observations per bucket.
func (s *Store) NetworkGrowth(since, until *time.Time, bucketSeconds int64) []Bucket {
	if s.isDegraded() {
		return nil
	}

	query := `SELECT (timestamp / ?) * ? AS bucket, COUNT(DISTINCT node_id), COUNT(*) FROM observations WHERE 1=1`
	args := []interface{}{bucketSeconds, bucketSeconds}
	query, args = appendTimeRange(query, args, since, until)
	query += ` GROUP BY bucket ORDER BY bucket ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		s.logger.Error("network growth query failed", "error", err)
		return nil
	}
	defer rows.Close()

	var out []Bucket
	for rows.Next() {
		var b Bucket
		if err := rows.Scan(&b.Timestamp, &b.UniqueNodes, &b.Observations); err != nil {
			continue
		}
		out = append(out, b)
	}
	return out
}

// ActivityHeatmap returns a 24-element hour-of-day observation histogram.
func (s *Store) ActivityHeatmap(since, until *time.Time) [24]int {
	var hist [24]int
	if s.isDegraded() {
		return hist
	}

	query := `SELECT CAST(strftime('%H', timestamp, 'unixepoch') AS INTEGER) AS hour, COUNT(*) FROM observations WHERE 1=1`
	var args []interface{}
	query, args = appendTimeRange(query, args, since, until)
	query += ` GROUP BY hour`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		s.logger.Error("activity heatmap query failed", "error", err)
		return hist
	}
	defer rows.Close()

	for rows.Next() {
		var hour, count int
		if err := rows.Scan(&hour, &count); err != nil {
			continue
		}
		if hour >= 0 && hour < 24 {
			hist[hour] = count
		}
	}
	return hist
}

// NodeRanking is one row of the node-activity-ranking query.
type NodeRanking struct {
	NodeID string
	Count  int
}

// NodeActivityRanking returns the top-limit nodes by observation count
// since the given time.
func (s *Store) NodeActivityRanking(since *time.Time, limit int) []NodeRanking {
	if s.isDegraded() {
		return nil
	}

	query := `SELECT node_id, COUNT(*) AS c FROM observations WHERE 1=1`
	var args []interface{}
	query, args = appendTimeRange(query, args, since, nil)
	query += ` GROUP BY node_id ORDER BY c DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		s.logger.Error("node ranking query failed", "error", err)
		return nil
	}
	defer rows.Close()

	var out []NodeRanking
	for rows.Next() {
		var r NodeRanking
		if err := rows.Scan(&r.NodeID, &r.Count); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out
}

// NetworkSummary is the totals-plus-per-network breakdown returned by
// NetworkSummary.
type NetworkSummary struct {
	TotalObservations int
	UniqueNodes       int
	PerNetwork        map[string]int
}

// Summary computes totals and a per-network observation breakdown since
// the given time.
func (s *Store) Summary(since *time.Time) NetworkSummary {
	out := NetworkSummary{PerNetwork: make(map[string]int)}
	if s.isDegraded() {
		return out
	}

	query := `SELECT network, COUNT(*) FROM observations WHERE 1=1`
	var args []interface{}
	query, args = appendTimeRange(query, args, since, nil)
	query += ` GROUP BY network`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		s.logger.Error("network summary query failed", "error", err)
		return out
	}
	defer rows.Close()

	nodeSet := make(map[string]bool)
	for rows.Next() {
		var network string
		var count int
		if err := rows.Scan(&network, &count); err != nil {
			continue
		}
		out.PerNetwork[network] = count
		out.TotalObservations += count
	}

	nodeQuery := `SELECT DISTINCT node_id FROM observations WHERE 1=1`
	nodeArgs := []interface{}{}
	nodeQuery, nodeArgs = appendTimeRange(nodeQuery, nodeArgs, since, nil)
	nodeRows, err := s.db.Query(nodeQuery, nodeArgs...)
	if err == nil {
		defer nodeRows.Close()
		for nodeRows.Next() {
			var id string
			if err := nodeRows.Scan(&id); err == nil {
				nodeSet[id] = true
			}
		}
	}
	out.UniqueNodes = len(nodeSet)
	return out
}

// PruneOldData deletes rows with timestamp older than before and returns
// the number of rows removed.
func (s *Store) PruneOldData(before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.degraded {
		return 0, nil
	}

	result, err := s.db.Exec(`DELETE FROM observations WHERE timestamp < ?`, before.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune old data: %w", err)
	}
	return result.RowsAffected()
}

func appendTimeRange(query string, args []interface{}, since, until *time.Time) (string, []interface{}) {
	if since != nil {
		query += ` AND timestamp >= ?`
		args = append(args, since.Unix())
	}
	if until != nil {
		query += ` AND timestamp <= ?`
		args = append(args, until.Unix())
	}
	return query, args
}

// clampBucket enforces the [60, 86400] bucket-width range and the
// MAX_BUCKETS=720 result cap used across the analytics package.
func clampBucket(seconds int64) int64 {
	if seconds < 60 {
		return 60
	}
	if seconds > 86400 {
		return 86400
	}
	return seconds
}

// sortBuckets is a small helper analytics callers use after merging
// buckets from multiple sources (e.g. alert trends alongside growth).
func sortBuckets(buckets []Bucket) {
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Timestamp < buckets[j].Timestamp })
}
