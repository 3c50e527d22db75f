package epoch

import (
	"math"
	"testing"
)

func TestNormalizeUnits(t *testing.T) {
	// The same calendar instant expressed in four different units must
	// normalize to the same millisecond value.
	want := int64(1_700_000_000_000)
	cases := []struct {
		name string
		in   float64
	}{
		{"seconds", 1_700_000_000},
		{"milliseconds", 1_700_000_000_000},
		{"microseconds", 1_700_000_000_000_000},
		{"nanoseconds", 1_700_000_000_000_000_000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := Normalize(tc.in)
			if !ok {
				t.Fatalf("Normalize(%v) rejected", tc.in)
			}
			if got != want {
				t.Fatalf("Normalize(%v) = %d, want %d", tc.in, got, want)
			}
		})
	}
}

func TestNormalizeRejects(t *testing.T) {
	cases := []struct {
		name string
		in   float64
	}{
		{"zero", 0},
		{"negative", -1},
		{"nan", math.NaN()},
		{"positive infinity", math.Inf(1)},
		{"negative infinity", math.Inf(-1)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, ok := Normalize(tc.in); ok {
				t.Fatalf("Normalize(%v) accepted, want rejection", tc.in)
			}
		})
	}
}

func TestNormalizeIdempotentInRange(t *testing.T) {
	in := int64(1_700_000_000_000)
	first, ok := NormalizeInt(in)
	if !ok {
		t.Fatalf("first pass rejected")
	}
	second, ok := NormalizeInt(first)
	if !ok {
		t.Fatalf("second pass rejected")
	}
	if first != second {
		t.Fatalf("not idempotent: %d then %d", first, second)
	}
}
