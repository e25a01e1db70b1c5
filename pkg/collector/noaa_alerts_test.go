package collector

import (
	"testing"
	"time"
)

func TestNormalizeSeverity(t *testing.T) {
	tests := map[string]string{
		"Extreme":  "extreme",
		"Severe":   "severe",
		"Moderate": "moderate",
		"Minor":    "minor",
		"":         "unknown",
		"Unknown":  "unknown",
	}
	for input, want := range tests {
		if got := normalizeSeverity(input); got != want {
			t.Errorf("normalizeSeverity(%q) = %q; want %q", input, got, want)
		}
	}
}

func TestExpiredDropsPastAlerts(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour).Format(time.RFC3339)
	future := now.Add(time.Hour).Format(time.RFC3339)

	if !expired(past, now) {
		t.Errorf("expected past expiry to be expired")
	}
	if expired(future, now) {
		t.Errorf("expected future expiry to not be expired")
	}
	if expired("", now) {
		t.Errorf("expected empty expiry to not be treated as expired")
	}
}

func TestSeverityOrderAndColorTablesCoverAllSeverities(t *testing.T) {
	for _, sev := range []string{"extreme", "severe", "moderate", "minor", "unknown"} {
		if _, ok := severityOrder[sev]; !ok {
			t.Errorf("missing severityOrder entry for %q", sev)
		}
		if _, ok := severityColor[sev]; !ok {
			t.Errorf("missing severityColor entry for %q", sev)
		}
	}
}

// TestSeverityColorMatchesFrozenPalette pins spec §6's frozen NOAA
// severity-color mapping (mirrored in original_source's noaa_alert_collector.py).
func TestSeverityColorMatchesFrozenPalette(t *testing.T) {
	want := map[string]string{
		"extreme":  "#d32f2f",
		"severe":   "#f44336",
		"moderate": "#ff9800",
		"minor":    "#ffeb3b",
		"unknown":  "#9e9e9e",
	}
	for sev, color := range want {
		if got := severityColor[sev]; got != color {
			t.Errorf("severityColor[%q] = %s; want %s", sev, got, color)
		}
	}
}
