package strategy

import (
	"math"
	"testing"

	"github.com/mobfleet/mobfleet/pkg/config"
	"github.com/mobfleet/mobfleet/pkg/types"
)

func TestLawnmowerAlternatesAndCompletes(t *testing.T) {
	lm := NewLawnmower(config.Lawnmower{
		PatrolAltitude: 40.0,
		Spacing:        50.0,
		LegLength:      500.0,
		NumLegs:        10,
	})
	center := types.Position{X: 100.0, Y: 200.0}
	size := 200.0 // y covers -100..100: 5 legs fit at 50m spacing

	var legs []types.Position
	for {
		wp, ok := lm.Next(center, size)
		if !ok {
			break
		}
		legs = append(legs, wp)
	}
	if len(legs) != 5 {
		t.Fatalf("expected 5 legs inside the area, got %d", len(legs))
	}
	// Legs alternate between the +X and -X edges.
	if legs[0].X != 100.0+100.0 || legs[1].X != 100.0-100.0 {
		t.Errorf("legs should alternate edges: %v, %v", legs[0], legs[1])
	}
	// Y advances by spacing each leg.
	if d := legs[1].Y - legs[0].Y; d != 50.0 {
		t.Errorf("leg spacing = %f, want 50", d)
	}
	for _, wp := range legs {
		if wp.Z != 40.0 {
			t.Errorf("leg altitude = %f, want patrol altitude", wp.Z)
		}
	}

	lm.Reset()
	if _, ok := lm.Next(center, size); !ok {
		t.Error("reset should restart the pattern")
	}
}

func TestLawnmowerRespectsLegBudget(t *testing.T) {
	lm := NewLawnmower(config.Lawnmower{PatrolAltitude: 40.0, Spacing: 10.0, LegLength: 500.0, NumLegs: 3})
	count := 0
	for {
		if _, ok := lm.Next(types.Position{}, 10000.0); !ok {
			break
		}
		count++
	}
	if count != 4 { // legs 0..3 inclusive
		t.Errorf("leg budget of 3 should yield 4 waypoints, got %d", count)
	}
}

func TestOrbitStepsTheCircle(t *testing.T) {
	orbit := NewOrbit(config.Orbit{Radius: 100.0, Speed: 10.0, AltitudeOffset: 30.0})
	target := types.Position{X: 500.0, Y: 300.0, Z: 0.0}

	first := orbit.Next(target)
	// First step is 45 degrees.
	wantX := 500.0 + 100.0*math.Cos(math.Pi/4)
	wantY := 300.0 + 100.0*math.Sin(math.Pi/4)
	if math.Abs(first.X-wantX) > 1e-9 || math.Abs(first.Y-wantY) > 1e-9 {
		t.Errorf("first orbit point %v, want (%f, %f)", first, wantX, wantY)
	}
	if first.Z != 30.0 {
		t.Errorf("orbit altitude %f, want target z + offset", first.Z)
	}

	// Every point stays on the circle, and the 8-step orbit closes.
	for i := 0; i < 7; i++ {
		wp := orbit.Next(target)
		r := math.Hypot(wp.X-target.X, wp.Y-target.Y)
		if math.Abs(r-100.0) > 1e-9 {
			t.Fatalf("orbit point %d off the circle: radius %f", i, r)
		}
	}
	again := orbit.Next(target)
	if math.Abs(again.X-first.X) > 1e-9 || math.Abs(again.Y-first.Y) > 1e-9 {
		t.Errorf("orbit should close after 8 steps: %v vs %v", again, first)
	}
}

func TestPrecisionHoverOffsetsAboveTarget(t *testing.T) {
	hover := NewPrecisionHover(config.PrecisionHover{AltitudeOffset: 2.0})
	target := types.Position{X: 10.0, Y: 20.0, Z: 0.0}
	wp := hover.Next(target)
	if wp.X != 10.0 || wp.Y != 20.0 || wp.Z != 2.0 {
		t.Errorf("hover point %v, want directly above target at +2m", wp)
	}
}

func TestDirectReturnsTarget(t *testing.T) {
	target := types.Position{X: 1.0, Y: 2.0, Z: 3.0}
	if wp := (Direct{}).Next(target); wp != target {
		t.Errorf("direct approach should return the target, got %v", wp)
	}
}
