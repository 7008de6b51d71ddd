// Package coordinator is the fleet's central brain: it tracks the roster,
// owns the central probability grid, tasks drones over the bus, and feeds
// the ground station.
package coordinator

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mobfleet/mobfleet/pkg/bus"
	"github.com/mobfleet/mobfleet/pkg/config"
	"github.com/mobfleet/mobfleet/pkg/mission"
	"github.com/mobfleet/mobfleet/pkg/probgrid"
	"github.com/mobfleet/mobfleet/pkg/types"
)

// Broadcaster is the ground-station surface the coordinator pushes to.
type Broadcaster interface {
	BroadcastTelemetry(droneID string, payload types.TelemetryPayload)
	BroadcastEvent(eventType string, data map[string]interface{})
	StartMediaStream(droneID, url string)
	StopMediaStream(droneID string)
}

// NopBroadcaster discards everything, for tests and headless runs.
type NopBroadcaster struct{}

func (NopBroadcaster) BroadcastTelemetry(string, types.TelemetryPayload)  {}
func (NopBroadcaster) BroadcastEvent(string, map[string]interface{})      {}
func (NopBroadcaster) StartMediaStream(string, string)                    {}
func (NopBroadcaster) StopMediaStream(string)                             {}

// FleetVehicle is the last known state of one fleet member.
type FleetVehicle struct {
	Config       config.Drone
	Telemetry    *types.TelemetryPayload
	MissionPhase string
	LastSeen     time.Time
}

// Coordinator manages fleet operations for one mission network.
type Coordinator struct {
	cfg config.Settings
	bus bus.Bus
	gcs Broadcaster
	log *zap.Logger

	gridMu sync.Mutex
	grid   *probgrid.Grid

	fleetMu sync.RWMutex
	fleet   map[string]*FleetVehicle

	// searchCancel stops the waypoint loop for the currently tasked search
	// drone. Guarded by searchMu; a new MOB trigger replaces the loop.
	searchMu     sync.Mutex
	searchCancel context.CancelFunc

	runCtx  context.Context
	metrics *Metrics
}

// New builds a coordinator with the fleet pre-registered from config.
func New(cfg config.Settings, b bus.Bus, gcs Broadcaster, log *zap.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:   cfg,
		bus:   b,
		gcs:   gcs,
		log:   log.Named("coordinator"),
		grid:  probgrid.New(cfg.ProbSearch, cfg.Strategies.Search.Area, log),
		fleet: make(map[string]*FleetVehicle),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	for _, d := range cfg.Drones {
		c.fleet[d.ID] = &FleetVehicle{Config: d, MissionPhase: "UNKNOWN", LastSeen: time.Now()}
		c.log.Info("registered drone", zap.String("drone_id", d.ID), zap.String("role", string(d.Role)))
	}
	return c
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMetrics sets the metrics collection (nil registerer uses the default).
func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// Run subscribes to the fleet topics and processes messages until ctx is
// cancelled. The map-evolution loop runs alongside.
func (c *Coordinator) Run(ctx context.Context) error {
	c.runCtx = ctx
	if err := c.bus.Subscribe(
		types.TopicFleetConnect,
		types.TopicTelemetryPattern,
		types.TopicStatePattern,
		types.TopicEventPattern,
	); err != nil {
		return err
	}
	c.log.Info("coordinator online", zap.Int("fleet_size", len(c.fleet)))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.evolveLoop(gctx) })
	g.Go(func() error { return c.messageLoop(gctx) })
	err := g.Wait()
	c.stopSearchLoop()
	if err == context.Canceled {
		return nil
	}
	return err
}

func (c *Coordinator) messageLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-c.bus.Messages():
			if !ok {
				return nil
			}
			c.handle(msg)
		}
	}
}

func (c *Coordinator) handle(msg bus.Message) {
	switch {
	case msg.Topic == types.TopicFleetConnect:
		c.handleConnect(msg)
	case strings.HasPrefix(msg.Topic, types.TopicTelemetryPrefix):
		c.handleTelemetry(types.TopicSuffix(msg.Topic), msg)
	case strings.HasPrefix(msg.Topic, types.TopicStatePrefix):
		c.handleState(types.TopicSuffix(msg.Topic), msg)
	case strings.HasPrefix(msg.Topic, types.TopicEventPrefix):
		c.handleEvent(types.TopicSuffix(msg.Topic), msg)
	}
}

func (c *Coordinator) handleConnect(msg bus.Message) {
	var connect types.ConnectPayload
	if err := msg.Decode(&connect); err != nil {
		c.log.Warn("dropping connect", zap.Error(err))
		return
	}
	c.fleetMu.Lock()
	defer c.fleetMu.Unlock()
	v, known := c.fleet[connect.DroneID]
	if !known {
		c.log.Warn("unknown drone connected", zap.String("drone_id", connect.DroneID))
		return
	}
	v.MissionPhase = string(mission.PhaseIdle)
	v.LastSeen = time.Now()
	c.metrics.dronesOnline.Inc()
	c.log.Info("drone connected", zap.String("drone_id", connect.DroneID))
}

func (c *Coordinator) handleTelemetry(droneID string, msg bus.Message) {
	var tel types.TelemetryPayload
	if err := msg.Decode(&tel); err != nil {
		c.log.Warn("dropping telemetry", zap.String("drone_id", droneID), zap.Error(err))
		return
	}
	c.fleetMu.Lock()
	v, known := c.fleet[droneID]
	if !known {
		c.fleetMu.Unlock()
		return
	}
	v.Telemetry = &tel
	v.LastSeen = time.Now()
	searching := mission.Phase(v.MissionPhase).IsSearching()
	c.fleetMu.Unlock()

	c.metrics.telemetryTotal.WithLabelValues(droneID).Inc()

	// Every ping from a searching drone is a no-detection observation;
	// confirmed detections arrive separately as events.
	if searching {
		c.gridMu.Lock()
		c.grid.Update(tel.Position, tel.Position.Z, false)
		c.metrics.gridPeak.Set(c.grid.Peak())
		c.gridMu.Unlock()
	}
	c.gcs.BroadcastTelemetry(droneID, tel)
}

func (c *Coordinator) handleState(droneID string, msg bus.Message) {
	var state types.StatePayload
	if err := msg.Decode(&state); err != nil {
		c.log.Warn("dropping state", zap.String("drone_id", droneID), zap.Error(err))
		return
	}
	c.fleetMu.Lock()
	v, known := c.fleet[droneID]
	if !known {
		c.fleetMu.Unlock()
		return
	}
	oldPhase := v.MissionPhase
	v.MissionPhase = state.State
	v.LastSeen = time.Now()
	tel := v.Telemetry
	c.fleetMu.Unlock()

	c.log.Info("drone state",
		zap.String("drone_id", droneID),
		zap.String("from", oldPhase),
		zap.String("to", state.State))

	if isOverwatch(oldPhase) && !isOverwatch(state.State) {
		c.gcs.StopMediaStream(droneID)
	}
	if tel != nil {
		forward := *tel
		forward.MissionPhase = state.State
		c.gcs.BroadcastTelemetry(droneID, forward)
	}
}

func isOverwatch(phase string) bool {
	return phase == string(mission.PhaseEmergencyEyes) || phase == string(mission.PhaseEmergencyAssist)
}

func (c *Coordinator) handleEvent(droneID string, msg bus.Message) {
	var ev types.EventPayload
	if err := msg.Decode(&ev); err != nil {
		c.log.Warn("dropping event", zap.String("drone_id", droneID), zap.Error(err))
		return
	}
	c.metrics.eventsTotal.WithLabelValues(ev.Type).Inc()
	c.log.Info("fleet event", zap.String("drone_id", droneID), zap.String("type", ev.Type))

	switch ev.Type {
	case types.EventPendingConfirmation:
		c.gcs.BroadcastEvent(types.EventPendingConfirmation, map[string]interface{}{
			"drone_id":   droneID,
			"position":   ev.Data.Position,
			"confidence": ev.Data.Confidence,
		})

	case types.EventTargetDeliveryRequest:
		if ev.Data.Position == nil {
			c.log.Warn("delivery request without position", zap.String("drone_id", droneID))
			return
		}
		c.gridMu.Lock()
		c.grid.ConfirmTargetAt(*ev.Data.Position)
		c.metrics.gridPeak.Set(c.grid.Peak())
		c.gridMu.Unlock()
		c.taskPayloadDrone(*ev.Data.Position)

	case types.EventAIDetection:
		if ev.Data.Position == nil {
			return
		}
		c.gridMu.Lock()
		c.grid.Update(*ev.Data.Position, ev.Data.Position.Z, true)
		c.metrics.gridPeak.Set(c.grid.Peak())
		c.gridMu.Unlock()
	}
}

// evolveLoop drifts the central grid while a search drone is active.
func (c *Coordinator) evolveLoop(ctx context.Context) error {
	interval := time.Duration(c.cfg.ProbSearch.EvolveIntervalS * float64(time.Second))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if c.findByRoleInPhases(types.RoleScout, searchingPhases) == "" &&
			c.findByRoleInPhases(types.RoleUtility, searchingPhases) == "" {
			continue
		}
		c.gridMu.Lock()
		c.grid.Evolve(c.cfg.ProbSearch.EvolveIntervalS)
		c.metrics.gridPeak.Set(c.grid.Peak())
		c.gridMu.Unlock()
	}
}

var searchingPhases = []string{
	string(mission.PhaseSearchPrimary),
	string(mission.PhaseSearchAssist),
}

var availablePhases = []string{
	string(mission.PhaseIdle),
	string(mission.PhaseUtilityTask),
}

// findByRoleInPhases returns the first drone of the role whose phase is in
// phases, or "" if none. Empty phases matches any phase.
func (c *Coordinator) findByRoleInPhases(role types.Role, phases []string) string {
	c.fleetMu.RLock()
	defer c.fleetMu.RUnlock()
	for _, d := range c.cfg.Drones {
		v, ok := c.fleet[d.ID]
		if !ok || d.Role != role {
			continue
		}
		if len(phases) == 0 {
			return d.ID
		}
		for _, p := range phases {
			if v.MissionPhase == p {
				return d.ID
			}
		}
	}
	return ""
}

// Vehicle returns a copy of the roster entry for droneID.
func (c *Coordinator) Vehicle(droneID string) (FleetVehicle, bool) {
	c.fleetMu.RLock()
	defer c.fleetMu.RUnlock()
	v, ok := c.fleet[droneID]
	if !ok {
		return FleetVehicle{}, false
	}
	return *v, true
}

// GridTotal exposes the central grid's probability mass.
func (c *Coordinator) GridTotal() float64 {
	c.gridMu.Lock()
	defer c.gridMu.Unlock()
	return c.grid.Total()
}
