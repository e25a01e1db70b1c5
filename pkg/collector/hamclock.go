package collector

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nursedude/meshforge-maps/pkg/circuit"
	"github.com/nursedude/meshforge-maps/pkg/geo"
)

// HamClockConfig configures the two candidate ports and NOAA fallback.
type HamClockConfig struct {
	Host        string
	LegacyPort  int
	SuccessorPort int
}

const (
	defaultLegacyPort    = 8080
	defaultSuccessorPort = 8081
)

// HamClock probes two ports (legacy, community-successor) in that order;
// on first success it remembers the variant for subsequent calls. If
// neither responds it falls back to NOAA SWPC JSON endpoints and derives
// a band-condition assessment via a fixed table. The solar terminator is
// always computed locally.
type HamClock struct {
	base   *Base
	config HamClockConfig
	client *http.Client

	mu           sync.Mutex
	knownPort    int
	knownVariant string
}

// NewHamClock creates the HamClock/NOAA propagation collector.
func NewHamClock(config HamClockConfig, breaker *circuit.Breaker, ttl time.Duration) *HamClock {
	if config.LegacyPort == 0 {
		config.LegacyPort = defaultLegacyPort
	}
	if config.SuccessorPort == 0 {
		config.SuccessorPort = defaultSuccessorPort
	}
	return &HamClock{
		base:   NewBase("hamclock", ttl, breaker, nil),
		config: config,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// Collect returns the overlay-only FeatureCollection (space weather and
// solar terminator live in properties, never as features).
func (h *HamClock) Collect(ctx context.Context) geo.FeatureCollection {
	return h.base.Collect(ctx, h.fetch)
}

// Health returns the collector's health info.
func (h *HamClock) Health() HealthInfo { return h.base.Health() }

func (h *HamClock) fetch(ctx context.Context) (geo.FeatureCollection, error) {
	props := map[string]interface{}{}

	sw, ok := h.fetchHamClock(ctx)
	if !ok {
		sw = h.fetchNOAAFallback(ctx)
	}
	props["space_weather"] = sw
	props["band_conditions"] = bandConditions(sw.Kp, sw.SFI)
	props["solar_terminator"] = solarTerminator(time.Now().UTC())

	return geo.NewFeatureCollection("hamclock", nil, props), nil
}

type spaceWeather struct {
	Kp      float64 `json:"kp"`
	SFI     float64 `json:"sfi"`
	SolarWind float64 `json:"solar_wind_speed"`
	Source  string  `json:"source"`
}

// fetchHamClock tries the remembered port/variant first, then probes
// legacy then successor.
func (h *HamClock) fetchHamClock(ctx context.Context) (spaceWeather, bool) {
	h.mu.Lock()
	known := h.knownPort
	h.mu.Unlock()

	ports := []int{h.config.LegacyPort, h.config.SuccessorPort}
	if known != 0 {
		ports = []int{known}
	}

	for _, port := range ports {
		if sw, ok := h.probeHamClockPort(ctx, port); ok {
			h.mu.Lock()
			h.knownPort = port
			h.mu.Unlock()
			return sw, true
		}
	}
	return spaceWeather{}, false
}

func (h *HamClock) probeHamClockPort(ctx context.Context, port int) (spaceWeather, bool) {
	url := fmt.Sprintf("http://%s:%d/get_sys.txt", h.config.Host, port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return spaceWeather{}, false
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return spaceWeather{}, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return spaceWeather{}, false
	}

	// get_sys.txt is a flat line-oriented payload; only the documented
	// fields are extracted (full key=value parsing is out of scope).
	sw := spaceWeather{Source: "hamclock"}
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			continue
		}
		switch strings.ToLower(parts[0]) {
		case "kp":
			sw.Kp, _ = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		case "sfi":
			sw.SFI, _ = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		case "swind":
			sw.SolarWind, _ = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		}
	}
	return sw, true
}

// fetchNOAAFallback queries three NOAA SWPC JSON endpoints for
// solar-flux / Kp / solar-wind when neither HamClock port responds.
func (h *HamClock) fetchNOAAFallback(ctx context.Context) spaceWeather {
	sw := spaceWeather{Source: "noaa_swpc"}
	sw.Kp = h.fetchNOAAScalar(ctx, "https://services.swpc.noaa.gov/products/noaa-planetary-k-index.json")
	sw.SFI = h.fetchNOAAScalar(ctx, "https://services.swpc.noaa.gov/json/f107_cm_flux.json")
	sw.SolarWind = h.fetchNOAAScalar(ctx, "https://services.swpc.noaa.gov/products/solar-wind/plasma-7-day.json")
	return sw
}

func (h *HamClock) fetchNOAAScalar(ctx context.Context, url string) float64 {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0
	}
	var rows [][]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil || len(rows) < 2 {
		return 0
	}
	last := rows[len(rows)-1]
	for _, v := range last {
		if f, ok := v.(float64); ok {
			return f
		}
	}
	return 0
}

// bandConditions applies the fixed Kp/SFI table from spec §4.5.
func bandConditions(kp, sfi float64) string {
	switch {
	case kp >= 7:
		return "poor"
	case kp >= 5:
		return "fair"
	case sfi >= 150 && kp < 4:
		return "excellent"
	case sfi >= 100 && kp < 4:
		return "good"
	case sfi >= 70:
		return "fair"
	default:
		return "poor"
	}
}

// solarTerminator computes the subsolar point and declination locally:
// declination from day-of-year, subsolar longitude from UTC hour.
func solarTerminator(now time.Time) map[string]interface{} {
	dayOfYear := float64(now.YearDay())
	declination := -23.44 * math.Cos(2*math.Pi/365*(dayOfYear+10))
	hourUTC := float64(now.Hour()) + float64(now.Minute())/60
	subsolarLon := 180 - hourUTC*15
	for subsolarLon < -180 {
		subsolarLon += 360
	}
	for subsolarLon > 180 {
		subsolarLon -= 360
	}
	return map[string]interface{}{
		"declination":   declination,
		"subsolar_lat":  declination,
		"subsolar_lon":  subsolarLon,
		"computed_at":   now.Format(time.RFC3339),
	}
}
