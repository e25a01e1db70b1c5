package collector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/nursedude/meshforge-maps/pkg/circuit"
	"github.com/nursedude/meshforge-maps/pkg/geo"
)

// NOAAAlertsConfig configures the active-alerts query filters.
type NOAAAlertsConfig struct {
	BaseURL  string // default "https://api.weather.gov/alerts/active"
	Area     string // optional two-letter state/territory filter
	Severity string // optional severity filter
}

var severityOrder = map[string]int{
	"extreme":  0,
	"severe":   1,
	"moderate": 2,
	"minor":    3,
	"unknown":  4,
}

var severityColor = map[string]string{
	"extreme":  "#d32f2f",
	"severe":   "#f44336",
	"moderate": "#ff9800",
	"minor":    "#ffeb3b",
	"unknown":  "#9e9e9e",
}

// NOAAAlerts fetches active weather alerts, drops features without
// geometry, deduplicates by alert id, drops expired alerts, enriches with
// severity color/order, and sorts most-severe first.
type NOAAAlerts struct {
	base   *Base
	config NOAAAlertsConfig
	client *http.Client
}

// NewNOAAAlerts creates the NOAA alerts collector.
func NewNOAAAlerts(config NOAAAlertsConfig, breaker *circuit.Breaker, ttl time.Duration) *NOAAAlerts {
	if config.BaseURL == "" {
		config.BaseURL = "https://api.weather.gov/alerts/active"
	}
	return &NOAAAlerts{
		base:   NewBase("noaa_alerts", ttl, breaker, nil),
		config: config,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Collect returns the filtered, sorted alert FeatureCollection.
func (n *NOAAAlerts) Collect(ctx context.Context) geo.FeatureCollection {
	return n.base.Collect(ctx, n.fetch)
}

// Health returns the collector's health info.
func (n *NOAAAlerts) Health() HealthInfo { return n.base.Health() }

type noaaFeatureCollection struct {
	Features []noaaFeature `json:"features"`
}

type noaaFeature struct {
	ID         string          `json:"id"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties noaaProperties  `json:"properties"`
}

type noaaProperties struct {
	Event    string `json:"event"`
	Severity string `json:"severity"`
	Headline string `json:"headline"`
	Expires  string `json:"expires"`
	AreaDesc string `json:"areaDesc"`
}

func (n *NOAAAlerts) fetch(ctx context.Context) (geo.FeatureCollection, error) {
	reqURL, err := url.Parse(n.config.BaseURL)
	if err != nil {
		return geo.FeatureCollection{}, err
	}
	q := reqURL.Query()
	if n.config.Area != "" {
		q.Set("area", n.config.Area)
	}
	if n.config.Severity != "" {
		q.Set("severity", n.config.Severity)
	}
	reqURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return geo.FeatureCollection{}, err
	}
	req.Header.Set("Accept", "application/geo+json")
	req.Header.Set("User-Agent", "meshforge-maps")

	resp, err := n.client.Do(req)
	if err != nil {
		return geo.FeatureCollection{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return geo.FeatureCollection{}, &httpStatusError{resp.StatusCode}
	}

	var payload noaaFeatureCollection
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return geo.FeatureCollection{}, err
	}

	now := time.Now().UTC()
	seen := make(map[string]bool)
	features := make([]geo.Feature, 0, len(payload.Features))
	for _, nf := range payload.Features {
		if len(nf.Geometry) == 0 || string(nf.Geometry) == "null" {
			continue
		}
		if nf.ID == "" || seen[nf.ID] {
			continue
		}
		if expired(nf.Properties.Expires, now) {
			continue
		}
		seen[nf.ID] = true

		severity := normalizeSeverity(nf.Properties.Severity)
		var geometry map[string]interface{}
		_ = json.Unmarshal(nf.Geometry, &geometry)

		features = append(features, geo.Feature{
			Type: "Feature",
			Geometry: geo.Geometry{
				Type:        typeOf(geometry),
				Coordinates: geometry["coordinates"],
			},
			Properties: map[string]interface{}{
				"id":             nf.ID,
				"event":          nf.Properties.Event,
				"severity":       severity,
				"headline":       nf.Properties.Headline,
				"area":           nf.Properties.AreaDesc,
				"expires":        nf.Properties.Expires,
				"severity_order": severityOrder[severity],
				"color":          severityColor[severity],
				"network":        "noaa_alerts",
			},
		})
	}

	geo.SortBySeverityOrder(features)
	return geo.NewFeatureCollection("noaa_alerts", features, nil), nil
}

func typeOf(geometry map[string]interface{}) string {
	if t, ok := geometry["type"].(string); ok {
		return t
	}
	return "Polygon"
}

func expired(expiresRFC3339 string, now time.Time) bool {
	if expiresRFC3339 == "" {
		return false
	}
	t, err := time.Parse(time.RFC3339, expiresRFC3339)
	if err != nil {
		return false
	}
	return t.Before(now)
}

func normalizeSeverity(s string) string {
	switch s {
	case "Extreme":
		return "extreme"
	case "Severe":
		return "severe"
	case "Moderate":
		return "moderate"
	case "Minor":
		return "minor"
	default:
		return "unknown"
	}
}

type httpStatusError struct {
	StatusCode int
}

func (e *httpStatusError) Error() string {
	return "noaa_alerts: unexpected status code"
}
