package gate

import (
	"time"

	"github.com/wolfguard/tracklink/internal/geo"
)

// -------------------------------------------------------------------------
// Activity Classification
// -------------------------------------------------------------------------

// Activity labels how the device is moving, derived from reported
// speed. It selects which threshold pair the dual-gate applies.
type Activity int

// Activity levels, slowest first.
const (
	Resting Activity = iota
	Walking
	FastMoving
)

// String returns the activity label used in logs and payloads.
func (a Activity) String() string {
	switch a {
	case FastMoving:
		return "fast_moving"
	case Walking:
		return "walking"
	default:
		return "resting"
	}
}

// -------------------------------------------------------------------------
// Dual-Threshold Location Gate
// -------------------------------------------------------------------------

// Limits is one activity's publish thresholds: minimum elapsed time and
// minimum distance travelled since the last published position.
type Limits struct {
	Interval time.Duration
	Distance float64
}

// LocationGate suppresses location publishes until BOTH the time and
// the distance threshold for the current activity are met. Distance is
// measured from the last PUBLISHED position, not the last seen sample,
// so slow drift accumulates until it crosses the distance limit.
//
// The zero value never publishes; construct with NewLocationGate.
// Not safe for concurrent use; each session owns its own gate.
type LocationGate struct {
	speedFast    float64
	speedWalking float64
	limits       [FastMoving + 1]Limits

	hasLast     bool
	lastLat     float64
	lastLon     float64
	lastPublish time.Time
}

// NewLocationGate builds a gate from the km/h activity boundaries and
// the per-activity threshold pairs.
func NewLocationGate(speedFast, speedWalking float64, resting, walking, fast Limits) *LocationGate {
	g := &LocationGate{
		speedFast:    speedFast,
		speedWalking: speedWalking,
	}
	g.limits[Resting] = resting
	g.limits[Walking] = walking
	g.limits[FastMoving] = fast
	return g
}

// Classify maps a speed in km/h to an activity level.
func (g *LocationGate) Classify(speed float64) Activity {
	switch {
	case speed > g.speedFast:
		return FastMoving
	case speed > g.speedWalking:
		return Walking
	default:
		return Resting
	}
}

// Offer presents a location sample. It returns the classified activity
// and whether the sample passes the gate. A passing sample commits:
// the gate records it as the new published position and timestamp. The
// first sample always passes.
func (g *LocationGate) Offer(now time.Time, lat, lon, speed float64) (Activity, bool) {
	activity := g.Classify(speed)

	if g.hasLast {
		lim := g.limits[activity]
		dt := now.Sub(g.lastPublish)
		dx := geo.Haversine(g.lastLat, g.lastLon, lat, lon)
		if dt < lim.Interval || dx < lim.Distance {
			return activity, false
		}
	}

	g.hasLast = true
	g.lastLat = lat
	g.lastLon = lon
	g.lastPublish = now
	return activity, true
}
