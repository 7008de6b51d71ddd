// Package flight is the hardware abstraction layer for flight controllers.
package flight

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mobfleet/mobfleet/pkg/config"
	"github.com/mobfleet/mobfleet/pkg/types"
)

// Controller is the interface the mission agent flies through. Commands
// block until the maneuver completes or ctx is cancelled; Telemetry never
// blocks and returns a copy.
type Controller interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Takeoff(ctx context.Context, altitude float64) error
	GoTo(ctx context.Context, pos types.Position) error
	Hover(ctx context.Context) error
	Land(ctx context.Context) error
	SetLED(ctx context.Context, color string) error
	Telemetry() types.Telemetry
}

// New builds the controller for a configured drone.
func New(d config.Drone, log *zap.Logger) (Controller, error) {
	switch d.Type {
	case "simulated":
		return NewSimulated(log), nil
	case "real":
		return nil, fmt.Errorf("drone %s: real flight controllers require a MAVLink build, not included here", d.ID)
	default:
		return nil, fmt.Errorf("drone %s: unknown controller type %q", d.ID, d.Type)
	}
}
