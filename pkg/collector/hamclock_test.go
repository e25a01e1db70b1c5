package collector

import (
	"testing"
	"time"
)

func TestBandConditionsTable(t *testing.T) {
	tests := []struct {
		name     string
		kp, sfi  float64
		expected string
	}{
		{"high kp", 7, 200, "poor"},
		{"elevated kp", 5, 200, "fair"},
		{"excellent", 2, 150, "excellent"},
		{"good", 2, 100, "good"},
		{"fair sfi", 2, 70, "fair"},
		{"else poor", 2, 50, "poor"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := bandConditions(test.kp, test.sfi); got != test.expected {
				t.Errorf("bandConditions(%v, %v) = %s; want %s", test.kp, test.sfi, got, test.expected)
			}
		})
	}
}

func TestSolarTerminatorBounds(t *testing.T) {
	now := time.Date(2026, 6, 21, 12, 0, 0, 0, time.UTC)
	result := solarTerminator(now)

	lon := result["subsolar_lon"].(float64)
	if lon < -180 || lon > 180 {
		t.Errorf("expected subsolar_lon in [-180,180], got %v", lon)
	}
	decl := result["declination"].(float64)
	if decl < -23.45 || decl > 23.45 {
		t.Errorf("expected declination within +/-23.44 deg, got %v", decl)
	}
}
