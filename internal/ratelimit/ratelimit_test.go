package ratelimit

import "testing"

func TestToFloat(t *testing.T) {
	cases := []struct {
		in   interface{}
		want float64
	}{
		{int64(5), 5},
		{float64(2.5), 2.5},
		{"3.25", 3.25},
		{nil, 0},
	}
	for _, c := range cases {
		if got := toFloat(c.in); got != c.want {
			t.Errorf("toFloat(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestDefaultClientBudget(t *testing.T) {
	if DefaultClientRate != 20.0 || DefaultClientBurst != 40.0 {
		t.Fatalf("default client budget drifted: rate=%v burst=%v", DefaultClientRate, DefaultClientBurst)
	}
}
