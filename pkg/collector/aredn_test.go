package collector

import "testing"

func TestClampQuality(t *testing.T) {
	f := func(v float64) *float64 { return &v }
	tests := []struct {
		name string
		in   *float64
		want float64
	}{
		{"nil", nil, 0},
		{"negative", f(-5), 0},
		{"over 100", f(150), 100},
		{"in range", f(72), 72},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := clampQuality(test.in); got != test.want {
				t.Errorf("clampQuality(%v) = %v; want %v", test.in, got, test.want)
			}
		})
	}
}

func TestParseFloatLoose(t *testing.T) {
	if v := parseFloatLoose(3.5); v == nil || *v != 3.5 {
		t.Errorf("expected float passthrough")
	}
	if v := parseFloatLoose("2.25"); v == nil || *v != 2.25 {
		t.Errorf("expected string parse, got %v", v)
	}
	if v := parseFloatLoose("not-a-number"); v != nil {
		t.Errorf("expected nil for unparseable string, got %v", v)
	}
	if v := parseFloatLoose(nil); v != nil {
		t.Errorf("expected nil for nil input")
	}
}
