// Package epoch coerces externally supplied timestamps of unknown unit
// into canonical millisecond epochs. Values arrive from hand-entered admin
// forms and migrated data, so the unit may be seconds, milliseconds,
// microseconds or nanoseconds.
package epoch

import "math"

const (
	// minPlausibleMillis is 2001-01-01T00:00:00Z in milliseconds. Anything
	// below this is assumed to be expressed in seconds.
	minPlausibleMillis = 978_307_200_000

	// maxPlausibleMillis is roughly year 2286. Anything above is assumed to
	// be micro- or nanoseconds and is scaled down.
	maxPlausibleMillis = 9_999_999_999_999
)

// Normalize converts a raw numeric timestamp into milliseconds. The second
// return value is false when the input is non-finite, non-positive, or
// cannot be scaled into the plausible range.
func Normalize(v float64) (int64, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0, false
	}
	if v < minPlausibleMillis {
		v *= 1000
	}
	for v > maxPlausibleMillis {
		v /= 1000
	}
	if v <= 0 {
		return 0, false
	}
	return int64(v), true
}

// NormalizeInt is Normalize for integer inputs.
func NormalizeInt(v int64) (int64, bool) {
	return Normalize(float64(v))
}
