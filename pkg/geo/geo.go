// Package geo provides the GeoJSON Feature/FeatureCollection types shared by
// every collector and store, plus the coordinate and SNR-tier helpers they
// all need.
package geo

import (
	"math"
	"sort"
	"time"
)

// Geometry is a minimal GeoJSON geometry: either a Point or a LineString.
// Coordinates are [lon, lat] (and optionally altitude) for Point, or a
// sequence of such pairs for LineString.
type Geometry struct {
	Type        string      `json:"type"`
	Coordinates interface{} `json:"coordinates"`
}

// Feature is a standard GeoJSON Feature.
type Feature struct {
	Type       string                 `json:"type"`
	Geometry   Geometry               `json:"geometry"`
	Properties map[string]interface{} `json:"properties"`
}

// FeatureCollection is a standard GeoJSON FeatureCollection. Overlay data
// (space weather, solar terminator, propagation) belongs in Properties,
// never modeled as a feature.
type FeatureCollection struct {
	Type       string                 `json:"type"`
	Features   []Feature              `json:"features"`
	Properties map[string]interface{} `json:"properties"`
}

// ValidCoordinate reports whether lat/lon are finite and within range.
func ValidCoordinate(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsInf(lat, 0) || math.IsNaN(lon) || math.IsInf(lon, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// stripNulls removes nil-valued entries so constructed features never
// serialize explicit JSON nulls into properties.
func stripNulls(props map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(props))
	for k, v := range props {
		if v == nil {
			continue
		}
		out[k] = v
	}
	return out
}

// NewPointFeature builds a Point Feature, stripping null properties.
// Returns an error if the coordinates are invalid.
func NewPointFeature(lat, lon float64, altitude *float64, props map[string]interface{}) (Feature, error) {
	if !ValidCoordinate(lat, lon) {
		return Feature{}, &InvalidCoordinateError{Lat: lat, Lon: lon}
	}
	coords := []float64{lon, lat}
	if altitude != nil {
		coords = append(coords, *altitude)
	}
	return Feature{
		Type: "Feature",
		Geometry: Geometry{
			Type:        "Point",
			Coordinates: coords,
		},
		Properties: stripNulls(props),
	}, nil
}

// NewLineStringFeature builds a LineString Feature from an ordered list of
// [lat, lon] pairs, stripping null properties. Points are not individually
// coordinate-validated here: callers (topology builders) may legitimately
// emit links whose endpoints lack coordinates.
func NewLineStringFeature(points [][2]float64, props map[string]interface{}) Feature {
	coords := make([][]float64, 0, len(points))
	for _, p := range points {
		coords = append(coords, []float64{p[1], p[0]})
	}
	return Feature{
		Type: "Feature",
		Geometry: Geometry{
			Type:        "LineString",
			Coordinates: coords,
		},
		Properties: stripNulls(props),
	}
}

// NewFeatureCollection builds a FeatureCollection, stamping collected_at and
// node_count into properties alongside any source-specific metadata.
func NewFeatureCollection(source string, features []Feature, extra map[string]interface{}) FeatureCollection {
	props := make(map[string]interface{}, len(extra)+3)
	for k, v := range extra {
		if v == nil {
			continue
		}
		props[k] = v
	}
	props["source"] = source
	props["collected_at"] = time.Now().UTC().Format(time.RFC3339)
	props["node_count"] = len(features)
	if features == nil {
		features = []Feature{}
	}
	return FeatureCollection{
		Type:       "FeatureCollection",
		Features:   features,
		Properties: props,
	}
}

// Empty returns an empty FeatureCollection for the given source, used as the
// collector framework's final fallback when no cache is available.
func Empty(source string) FeatureCollection {
	return NewFeatureCollection(source, nil, nil)
}

// InvalidCoordinateError reports an out-of-range or non-finite coordinate.
type InvalidCoordinateError struct {
	Lat, Lon float64
}

func (e *InvalidCoordinateError) Error() string {
	return "geo: invalid coordinate"
}

// LinkQuality classifies an SNR reading (dB) into the shared quality tier
// and display color used by both the MQTT topology builder and the AREDN
// LQM topology builder.
//
//	>8 excellent, >5 good, >0 marginal, >-10 poor, <=-10 bad, nil unknown
func LinkQuality(snr *float64) (quality, color string) {
	if snr == nil {
		return "unknown", "#9e9e9e"
	}
	switch {
	case *snr > 8:
		return "excellent", "#4caf50"
	case *snr > 5:
		return "good", "#8bc34a"
	case *snr > 0:
		return "marginal", "#ffeb3b"
	case *snr > -10:
		return "poor", "#ff9800"
	default:
		return "bad", "#f44336"
	}
}

// SortBySeverityOrder sorts features in place by an integer
// properties["severity_order"] field, most severe (smallest order) first.
// Features without the field sort last.
func SortBySeverityOrder(features []Feature) {
	sort.SliceStable(features, func(i, j int) bool {
		oi, oki := features[i].Properties["severity_order"].(int)
		oj, okj := features[j].Properties["severity_order"].(int)
		if !oki && !okj {
			return false
		}
		if !oki {
			return false
		}
		if !okj {
			return true
		}
		return oi < oj
	})
}
