// Package strategy holds the waypoint-generation algorithms used by the
// mission agent: coverage sweeps for patrol and assist roles, and approach
// patterns for flying relative to a known target.
package strategy

import (
	"math"

	"github.com/mobfleet/mobfleet/pkg/config"
	"github.com/mobfleet/mobfleet/pkg/types"
)

// Sweep generates coverage waypoints over an area. Next returns false once
// the pattern is exhausted.
type Sweep interface {
	Next(center types.Position, size float64) (types.Position, bool)
}

// Approach generates waypoints relative to a target position. It never
// exhausts; the caller decides when to stop.
type Approach interface {
	Next(target types.Position) types.Position
}

// Lawnmower sweeps the area in alternating east/west legs spaced north to
// south, the boustrophedon pattern used for patrol and search assist.
type Lawnmower struct {
	cfg config.Lawnmower
	leg int
}

// NewLawnmower starts a sweep at the first leg.
func NewLawnmower(cfg config.Lawnmower) *Lawnmower {
	return &Lawnmower{cfg: cfg}
}

// Next returns the endpoint of the next leg. The pattern completes when
// the configured leg count is exhausted or the next leg would leave the
// area.
func (l *Lawnmower) Next(center types.Position, size float64) (types.Position, bool) {
	if l.leg > l.cfg.NumLegs {
		return types.Position{}, false
	}
	half := size / 2.0
	y := -half + float64(l.leg)*l.cfg.Spacing
	if y > half {
		return types.Position{}, false
	}
	x := half
	if l.leg%2 == 1 {
		x = -half
	}
	l.leg++
	return types.Position{
		X: x + center.X,
		Y: y + center.Y,
		Z: l.cfg.PatrolAltitude,
	}, true
}

// Reset restarts the pattern from the first leg.
func (l *Lawnmower) Reset() { l.leg = 0 }

// Orbit circles a target in 45-degree steps at a fixed radius, offset
// above the target's altitude.
type Orbit struct {
	cfg      config.Orbit
	angleDeg float64
}

// NewOrbit starts an orbit at the first step.
func NewOrbit(cfg config.Orbit) *Orbit {
	return &Orbit{cfg: cfg}
}

// Next returns the next point on the circle.
func (o *Orbit) Next(target types.Position) types.Position {
	o.angleDeg = math.Mod(o.angleDeg+45.0, 360.0)
	rad := o.angleDeg * math.Pi / 180.0
	return types.Position{
		X: target.X + o.cfg.Radius*math.Cos(rad),
		Y: target.Y + o.cfg.Radius*math.Sin(rad),
		Z: target.Z + o.cfg.AltitudeOffset,
	}
}

// PrecisionHover positions the drone directly above the target at a fixed
// offset, used for payload delivery.
type PrecisionHover struct {
	cfg config.PrecisionHover
}

// NewPrecisionHover builds the hover approach.
func NewPrecisionHover(cfg config.PrecisionHover) *PrecisionHover {
	return &PrecisionHover{cfg: cfg}
}

// Next returns the hover point above target.
func (p *PrecisionHover) Next(target types.Position) types.Position {
	return types.Position{X: target.X, Y: target.Y, Z: target.Z + p.cfg.AltitudeOffset}
}

// Direct flies straight at the target.
type Direct struct{}

// Next returns the target itself.
func (Direct) Next(target types.Position) types.Position { return target }
