// Package safe provides clamping integer conversions and size-limited file
// reads for values that cross the boundary between the OS and Go types.
package safe

import (
	"math"
)

// IntToInt32 converts an OS thread or process id to int32, clamping to the
// int32 range.
func IntToInt32(val int) (int32, bool) {
	if val > math.MaxInt32 {
		return math.MaxInt32, true
	}
	if val < math.MinInt32 {
		return math.MinInt32, true
	}
	return int32(val), false
}
