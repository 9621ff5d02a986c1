package handoff

import "sync/atomic"

// Availability is the consumer's observable readiness.
type Availability int32

const (
	// Unavailable means the consumer cannot take work right now.
	Unavailable Availability = iota
	// Available means the consumer claims it can process a request end to end.
	Available
	// ShuttingDown is raised by the lifecycle manager and overrides any claim.
	ShuttingDown
)

func (a Availability) String() string {
	switch a {
	case Unavailable:
		return "unavailable"
	case Available:
		return "available"
	case ShuttingDown:
		return "shutting-down"
	default:
		return "unknown"
	}
}

// Gate holds the availability flag. The consumer toggles it between
// Unavailable and Available; only the lifecycle manager enters or leaves
// ShuttingDown.
type Gate struct {
	state atomic.Int32
}

// Load returns the current availability.
func (g *Gate) Load() Availability {
	return Availability(g.state.Load())
}

// Set records the consumer's claim. It returns false and changes nothing
// while the gate is shutting down.
func (g *Gate) Set(available bool) bool {
	next := Unavailable
	if available {
		next = Available
	}
	for {
		cur := g.state.Load()
		if Availability(cur) == ShuttingDown {
			return false
		}
		if g.state.CompareAndSwap(cur, int32(next)) {
			return true
		}
	}
}

func (g *Gate) shutdown() {
	g.state.Store(int32(ShuttingDown))
}

// reset leaves ShuttingDown for Unavailable; a consumer claim made while the
// bridge was stopped is kept.
func (g *Gate) reset() {
	g.state.CompareAndSwap(int32(ShuttingDown), int32(Unavailable))
}
