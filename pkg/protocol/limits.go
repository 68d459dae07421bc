package protocol

import "errors"

// MaxValueDepth limits nesting of structured values (structs inside lists
// inside maps...). Real settings nest two or three levels deep.
const MaxValueDepth = 32

// ErrMaxDepthExceeded is returned when a value nests deeper than MaxValueDepth.
var ErrMaxDepthExceeded = errors.New("protocol: maximum nesting depth exceeded")

// DepthGuard tracks nesting while encoding or decoding recursive values.
type DepthGuard struct {
	current int
	max     int
}

// NewDepthGuard creates a guard allowing max levels. A non-positive max
// uses MaxValueDepth.
func NewDepthGuard(max int) *DepthGuard {
	if max <= 0 {
		max = MaxValueDepth
	}
	return &DepthGuard{max: max}
}

// Enter increments the depth, failing if the limit would be exceeded.
func (g *DepthGuard) Enter() error {
	if g.current >= g.max {
		return ErrMaxDepthExceeded
	}
	g.current++
	return nil
}

// Leave decrements the depth.
func (g *DepthGuard) Leave() {
	g.current--
}
