// Package agent runs one drone's mission: it owns the state machine, the
// flight controller, the detector, and the bus connection, and reacts to
// fleet-wide events according to the drone's hardware role.
package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mobfleet/mobfleet/pkg/bus"
	"github.com/mobfleet/mobfleet/pkg/config"
	"github.com/mobfleet/mobfleet/pkg/detect"
	"github.com/mobfleet/mobfleet/pkg/flight"
	"github.com/mobfleet/mobfleet/pkg/mission"
	"github.com/mobfleet/mobfleet/pkg/probgrid"
	"github.com/mobfleet/mobfleet/pkg/strategy"
	"github.com/mobfleet/mobfleet/pkg/telemetrylog"
	"github.com/mobfleet/mobfleet/pkg/types"
)

const (
	defaultHealthInterval = 1 * time.Second
	defaultStepDelay      = 500 * time.Millisecond
	standbyAltitude       = 30.0
	deliveryAltitude      = 30.0
	// scoutUtilityBatteryGate is the minimum battery for a scout to accept
	// a utility tasking it is overqualified for.
	scoutUtilityBatteryGate = 80.0
)

// Agent is the mission controller for a single drone.
type Agent struct {
	id       string
	role     types.Role
	cfg      config.Settings
	bus      bus.Bus
	ctrl     flight.Controller
	detector detect.Detector
	machine  *mission.Machine
	log      *zap.Logger

	// grid is the scout's local probability field, fed by its own scans
	// and by fleet/map/update gossip. Nil for other roles.
	grid   *probgrid.Grid
	gridMu sync.Mutex

	lawnmower *strategy.Lawnmower
	orbit     *strategy.Orbit
	hover     *strategy.PrecisionHover

	recorder *telemetrylog.Recorder

	healthInterval time.Duration
	stepDelay      time.Duration

	mu            sync.Mutex
	target        types.Position
	sighting      *detect.Detection
	commandedWP   *types.Position
	home          types.Position
}

// Option adjusts agent timing, mainly for tests.
type Option func(*Agent)

// WithHealthInterval overrides the telemetry/health tick.
func WithHealthInterval(d time.Duration) Option {
	return func(a *Agent) { a.healthInterval = d }
}

// WithStepDelay overrides the pause between behavior loop iterations.
func WithStepDelay(d time.Duration) Option {
	return func(a *Agent) { a.stepDelay = d }
}

// WithRecorder attaches a telemetry CSV recorder.
func WithRecorder(r *telemetrylog.Recorder) Option {
	return func(a *Agent) { a.recorder = r }
}

// New wires an agent for the drone identified by droneID in cfg. baseCtx
// bounds every behavior the state machine starts.
func New(baseCtx context.Context, droneID string, cfg config.Settings, b bus.Bus,
	ctrl flight.Controller, detector detect.Detector, log *zap.Logger, opts ...Option) (*Agent, error) {

	d, ok := cfg.FindDrone(droneID)
	if !ok {
		return nil, errUnknownDrone(droneID)
	}

	a := &Agent{
		id:             droneID,
		role:           d.Role,
		cfg:            cfg,
		bus:            b,
		ctrl:           ctrl,
		detector:       detector,
		log:            log.Named("agent").With(zap.String("drone_id", droneID)),
		lawnmower:      strategy.NewLawnmower(cfg.Lawnmower),
		orbit:          strategy.NewOrbit(cfg.Orbit),
		hover:          strategy.NewPrecisionHover(cfg.PrecisionHover),
		healthInterval: defaultHealthInterval,
		stepDelay:      defaultStepDelay,
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.role == types.RoleScout {
		a.grid = probgrid.New(cfg.ProbSearch, cfg.Strategies.Search.Area, log)
	}

	m := mission.New(baseCtx, a.role, a.log)
	m.SetNotifier(a.publishState)
	m.OnEnter(mission.PhasePreflight, a.runPreflight)
	m.OnEnter(mission.PhaseTakeoff, a.runTakeoff)
	m.OnEnter(mission.PhaseSearchPrimary, a.runSearchPrimary)
	m.OnEnter(mission.PhaseSearchAssist, a.runSearchAssist)
	m.OnEnter(mission.PhaseEmergencyStandby, a.runStandby)
	m.OnEnter(mission.PhaseUtilityTask, a.runPatrol)
	m.OnEnter(mission.PhaseEmergencyEyes, a.runOverwatch)
	m.OnEnter(mission.PhaseEmergencyAssist, a.runOverwatch)
	m.OnEnter(mission.PhasePendingConfirmation, a.runPendingConfirmation)
	m.OnEnter(mission.PhaseTargetConfirmed, a.runTargetConfirmed)
	m.OnEnter(mission.PhaseDelivering, a.runDelivery)
	m.OnEnter(mission.PhaseReturning, a.runReturnToHome)
	m.OnEnter(mission.PhaseLanding, a.runLand)
	m.OnEnter(mission.PhaseEmergency, a.runEmergencyLand)
	m.OnEnter(mission.PhaseCompleted, a.runCompleted)
	m.OnEnter(mission.PhaseOperatorControl, a.runOperatorControl)
	a.machine = m
	return a, nil
}

// Machine exposes the state machine, mainly to tests.
func (a *Agent) Machine() *mission.Machine { return a.machine }

// Run announces the drone, subscribes to the fleet topics, and drives the
// event listener and health monitor until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.bus.Subscribe(
		types.TopicMissionStart,
		types.TopicConfirmation,
		types.TopicTargetFound,
		types.TopicMapUpdate,
		types.CommandTopic(a.id),
	); err != nil {
		return err
	}
	if err := a.bus.Publish(types.TopicFleetConnect,
		types.ConnectPayload{DroneID: a.id, Role: a.role}, false); err != nil {
		return err
	}
	a.log.Info("agent online", zap.String("role", string(a.role)))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.eventListener(gctx) })
	g.Go(func() error { return a.healthMonitor(gctx) })
	err := g.Wait()

	a.shutdown()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *Agent) shutdown() {
	a.machine.Stop()
	// Final OFFLINE state so the roster and GCS see a clean exit.
	if pubErr := a.bus.Publish(types.StateTopic(a.id), types.StatePayload{
		State: "OFFLINE", DroneID: a.id, Role: a.role,
	}, false); pubErr != nil {
		a.log.Warn("offline state publish failed", zap.Error(pubErr))
	}
	disconnectCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.ctrl.Disconnect(disconnectCtx); err != nil {
		a.log.Warn("controller disconnect failed", zap.Error(err))
	}
	if a.recorder != nil {
		a.recorder.Close()
	}
	a.log.Info("agent shut down")
}

// publishState emits every phase change on fleet/state/<id>.
func (a *Agent) publishState(p mission.Phase) {
	if err := a.bus.Publish(types.StateTopic(a.id), types.StatePayload{
		State: string(p), DroneID: a.id, Role: a.role,
	}, false); err != nil {
		a.log.Warn("state publish failed", zap.Error(err))
	}
}

func (a *Agent) setTarget(p types.Position) {
	a.mu.Lock()
	a.target = p
	a.mu.Unlock()
}

func (a *Agent) targetPos() types.Position {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.target
}

func (a *Agent) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
