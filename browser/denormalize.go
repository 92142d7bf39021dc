// Package browser drives a remote Chrome session over CDP. The model emits
// coordinates on a resolution-independent 0..999 grid; this package maps
// them onto the real viewport and executes the resulting actions.
package browser

import "math"

// GridMax is the exclusive upper bound of the normalized coordinate grid.
const GridMax = 1000

// Denormalize maps a 0..999 grid coordinate onto a pixel dimension.
// The mapping is floor(v/1000 * dim), so grid 999 lands inside the
// viewport, never on the edge.
func Denormalize(v int, dim int) int {
	if v < 0 {
		v = 0
	}
	if v >= GridMax {
		v = GridMax - 1
	}
	return int(math.Floor(float64(v) / GridMax * float64(dim)))
}

// DenormalizePoint maps a grid point onto viewport pixels.
func DenormalizePoint(x, y, width, height int) (int, int) {
	return Denormalize(x, width), Denormalize(y, height)
}
