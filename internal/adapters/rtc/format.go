package rtc

import (
	"math"

	"github.com/dkeye/speechgate/internal/core"
)

const ratioEpsilon = 1e-9

// NearestCapability picks the capture format closest to want. An exact size
// wins outright; then the closest size with the same aspect ratio; otherwise
// the candidate minimising the combined size and ratio distance.
func NearestCapability(want core.VideoCapability, caps []core.VideoCapability) (core.VideoCapability, bool) {
	if len(caps) == 0 || want.Width <= 0 || want.Height <= 0 {
		return core.VideoCapability{}, false
	}
	ratio := float64(want.Height) / float64(want.Width)

	var (
		sameRatio = -1
		sameDist  = math.MaxFloat64
		mixed     = -1
		mixedDist = math.MaxFloat64
	)
	for i, c := range caps {
		if c.Width <= 0 || c.Height <= 0 {
			continue
		}
		d := math.Hypot(float64(c.Width-want.Width), float64(c.Height-want.Height))
		if d == 0 {
			return c, true
		}
		rd := math.Abs(ratio - float64(c.Height)/float64(c.Width))
		if rd < ratioEpsilon {
			if d < sameDist {
				sameDist, sameRatio = d, i
			}
			continue
		}
		if prd := math.Hypot(d, rd); prd < mixedDist {
			mixedDist, mixed = prd, i
		}
	}
	switch {
	case sameRatio >= 0:
		return caps[sameRatio], true
	case mixed >= 0:
		return caps[mixed], true
	default:
		return core.VideoCapability{}, false
	}
}
