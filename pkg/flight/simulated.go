package flight

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mobfleet/mobfleet/pkg/types"
)

const (
	simConnectDuration = 500 * time.Millisecond
	simTakeoffDuration = 2 * time.Second
	simLandDuration    = 2 * time.Second
	simCruiseSpeedMS   = 10.0
	// batteryDrainPerPoll drains the battery a little on every telemetry
	// poll while airborne, so long missions age realistically.
	batteryDrainPerPoll = 0.01
)

// Simulated is an in-process flight controller. Maneuvers take scaled
// real time; telemetry is mutex-guarded and copied out. Manual takeover is
// scripted via ForceManual/ReleaseManual rather than random, so tests and
// demos stay deterministic.
type Simulated struct {
	mu        sync.Mutex
	telemetry types.Telemetry
	timeScale float64
	log       *zap.Logger
}

// SimOption configures a Simulated controller.
type SimOption func(*Simulated)

// WithTimeScale divides every simulated maneuver duration by scale.
// Tests use large scales to fly missions in milliseconds.
func WithTimeScale(scale float64) SimOption {
	return func(s *Simulated) {
		if scale > 0 {
			s.timeScale = scale
		}
	}
}

// WithBattery sets the starting battery percentage.
func WithBattery(pct float64) SimOption {
	return func(s *Simulated) { s.telemetry.Battery = pct }
}

// NewSimulated creates a disarmed simulated controller at the origin.
func NewSimulated(log *zap.Logger, opts ...SimOption) *Simulated {
	s := &Simulated{
		telemetry: types.Telemetry{Battery: 100.0, Mode: types.ModeDisarmed, LEDColor: "off"},
		timeScale: 1.0,
		log:       log.Named("simflight"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Simulated) sleep(ctx context.Context, d time.Duration) error {
	scaled := time.Duration(float64(d) / s.timeScale)
	select {
	case <-time.After(scaled):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Simulated) setMode(m types.VehicleMode) {
	s.mu.Lock()
	s.telemetry.Mode = m
	s.mu.Unlock()
}

// Connect arms the vehicle.
func (s *Simulated) Connect(ctx context.Context) error {
	if err := s.sleep(ctx, simConnectDuration); err != nil {
		return err
	}
	s.mu.Lock()
	s.telemetry.IsConnected = true
	s.telemetry.Mode = types.ModeArmed
	s.telemetry.LastHeartbeat = time.Now()
	s.mu.Unlock()
	s.log.Info("connected")
	return nil
}

// Disconnect disarms the vehicle.
func (s *Simulated) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	s.telemetry.IsConnected = false
	s.telemetry.Mode = types.ModeDisarmed
	s.mu.Unlock()
	s.log.Info("disconnected")
	return nil
}

// Takeoff climbs to altitude and settles into GUIDED.
func (s *Simulated) Takeoff(ctx context.Context, altitude float64) error {
	s.setMode(types.ModeTakingOff)
	if err := s.sleep(ctx, simTakeoffDuration); err != nil {
		return err
	}
	s.mu.Lock()
	s.telemetry.Position.Z = altitude
	s.telemetry.Mode = types.ModeGuided
	s.mu.Unlock()
	s.log.Info("takeoff complete", zap.Float64("altitude", altitude))
	return nil
}

// GoTo flies straight to pos at cruise speed, then loiters.
func (s *Simulated) GoTo(ctx context.Context, pos types.Position) error {
	s.mu.Lock()
	from := s.telemetry.Position
	s.telemetry.Mode = types.ModeGuided
	s.telemetry.AttitudeYaw = math.Atan2(pos.Y-from.Y, pos.X-from.X) * 180.0 / math.Pi
	s.mu.Unlock()

	dist := from.DistanceTo(pos)
	flight := time.Duration(dist / simCruiseSpeedMS * float64(time.Second))
	if err := s.sleep(ctx, flight); err != nil {
		return err
	}

	s.mu.Lock()
	s.telemetry.Position = pos
	s.telemetry.Mode = types.ModeLoiter
	s.telemetry.AttitudePitch = 0
	s.mu.Unlock()
	return nil
}

// Hover holds position in LOITER.
func (s *Simulated) Hover(ctx context.Context) error {
	s.setMode(types.ModeLoiter)
	return s.sleep(ctx, 100*time.Millisecond)
}

// Land descends and settles into ARMED at ground level.
func (s *Simulated) Land(ctx context.Context) error {
	s.setMode(types.ModeLanding)
	if err := s.sleep(ctx, simLandDuration); err != nil {
		return err
	}
	s.mu.Lock()
	s.telemetry.Position.Z = 0
	s.telemetry.Mode = types.ModeArmed
	s.mu.Unlock()
	s.log.Info("landed")
	return nil
}

// SetLED records the LED color.
func (s *Simulated) SetLED(ctx context.Context, color string) error {
	s.mu.Lock()
	s.telemetry.LEDColor = color
	s.mu.Unlock()
	s.log.Info("led", zap.String("color", color))
	return nil
}

// Telemetry returns a snapshot, draining the battery while airborne and
// stamping the heartbeat.
func (s *Simulated) Telemetry() types.Telemetry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.telemetry.Mode != types.ModeDisarmed && s.telemetry.Mode != types.ModeArmed {
		s.telemetry.Battery -= batteryDrainPerPoll
		if s.telemetry.Battery < 0 {
			s.telemetry.Battery = 0
		}
	}
	s.telemetry.LastHeartbeat = time.Now()
	return s.telemetry
}

// ForceManual simulates a local safety pilot flipping the vehicle to
// MANUAL mode.
func (s *Simulated) ForceManual() {
	s.setMode(types.ModeManual)
	s.log.Warn("local operator took control")
}

// ReleaseManual simulates the safety pilot handing the vehicle back.
func (s *Simulated) ReleaseManual() {
	s.setMode(types.ModeGuided)
	s.log.Info("local operator released control")
}

// SetBattery overrides the battery level, for health-path tests.
func (s *Simulated) SetBattery(pct float64) {
	s.mu.Lock()
	s.telemetry.Battery = pct
	s.mu.Unlock()
}
