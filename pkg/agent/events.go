package agent

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mobfleet/mobfleet/pkg/bus"
	"github.com/mobfleet/mobfleet/pkg/fleeterr"
	"github.com/mobfleet/mobfleet/pkg/mission"
	"github.com/mobfleet/mobfleet/pkg/types"
)

func errUnknownDrone(id string) error {
	return fleeterr.New(fleeterr.FatalConfig, fleeterr.CodeConfigInvalid,
		"drone "+id+" is not declared in the config")
}

// eventListener consumes the bus and dispatches fleet events. Malformed
// payloads are logged and dropped; the listener never stops for them.
func (a *Agent) eventListener(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-a.bus.Messages():
			if !ok {
				return nil
			}
			a.dispatch(msg)
		}
	}
}

func (a *Agent) dispatch(msg bus.Message) {
	switch {
	case msg.Topic == types.TopicMissionStart:
		a.handleMissionStart(msg)
	case msg.Topic == types.TopicTargetFound:
		a.handleTargetFound(msg)
	case msg.Topic == types.TopicConfirmation:
		a.handleConfirmation(msg)
	case msg.Topic == types.TopicMapUpdate:
		a.handleMapUpdate(msg)
	case strings.HasPrefix(msg.Topic, types.TopicCommandPrefix):
		a.handleCommand(msg)
	default:
		a.log.Debug("unhandled topic", zap.String("topic", msg.Topic))
	}
}

// handleMissionStart decides the role-appropriate reaction to a global
// mission trigger.
func (a *Agent) handleMissionStart(msg bus.Message) {
	var start types.MissionStartPayload
	if err := msg.Decode(&start); err != nil {
		a.log.Warn("dropping mission start", zap.Error(err))
		return
	}
	if start.Position != nil {
		a.setTarget(*start.Position)
	}
	a.log.Info("mission start received", zap.String("type", start.Type))

	switch start.Type {
	case types.StartMOBEmergency:
		switch a.role {
		case types.RoleScout:
			a.machine.SetMissionType(types.MissionMOBSearch)
			a.machine.Fire(mission.TriggerStartMission)
		case types.RolePayload:
			// Launch and loiter near the search area until a target_found.
			standby := types.Position{
				X: a.cfg.Strategies.Search.Area.X,
				Y: a.cfg.Strategies.Search.Area.Y,
				Z: standbyAltitude,
			}
			a.setTarget(standby)
			a.machine.SetMissionType(types.MissionStandby)
			a.machine.Fire(mission.TriggerStartStandby)
		case types.RoleUtility:
			a.machine.SetMissionType(types.MissionMOBSearch)
			a.machine.Fire(mission.TriggerStartMission)
		}

	case types.StartGeneralEmergency:
		switch a.role {
		case types.RoleScout:
			a.machine.SetMissionType(types.MissionOverwatch)
			a.machine.Fire(mission.TriggerStartOverwatch)
		case types.RolePayload:
			standby := a.targetPos()
			standby.Z = standbyAltitude
			a.setTarget(standby)
			a.machine.SetMissionType(types.MissionStandby)
			a.machine.Fire(mission.TriggerStartStandby)
		case types.RoleUtility:
			if a.ctrl.Telemetry().Battery > a.cfg.Health.MinBatteryPatrolRTL {
				a.machine.SetMissionType(types.MissionOverwatch)
				a.machine.Fire(mission.TriggerStartOverwatch)
			} else {
				a.log.Warn("battery too low for general emergency assist, ignoring")
			}
		}

	case types.StartHullInspection:
		switch a.role {
		case types.RoleUtility:
			a.machine.SetMissionType(types.MissionPatrol)
			a.machine.Fire(mission.TriggerStartPatrol)
		case types.RoleScout:
			// A scout is overqualified for hull inspection; it only takes
			// the task on a nearly full battery.
			if battery := a.ctrl.Telemetry().Battery; battery > scoutUtilityBatteryGate {
				a.machine.SetMissionType(types.MissionPatrol)
				a.machine.Fire(mission.TriggerStartPatrol)
			} else {
				a.log.Warn("battery below utility gate, ignoring hull inspection",
					zap.Float64("battery", a.ctrl.Telemetry().Battery))
			}
		case types.RolePayload:
			a.log.Warn("payload drones never take utility tasks, ignoring")
		}

	default:
		a.log.Warn("unknown mission start type", zap.String("type", start.Type))
	}
}

// handleTargetFound launches a payload drone at the confirmed target. A
// drone already delivering ignores the duplicate.
func (a *Agent) handleTargetFound(msg bus.Message) {
	if a.role != types.RolePayload {
		return
	}
	phase := a.machine.Phase()
	if phase != mission.PhaseEmergencyStandby && phase != mission.PhaseIdle {
		return
	}
	var found types.TargetFoundPayload
	if err := msg.Decode(&found); err != nil {
		a.log.Warn("dropping target_found", zap.Error(err))
		return
	}
	a.log.Info("target found by fleet, starting delivery",
		zap.String("source", found.SourceDrone))
	a.setTarget(found.Position)
	a.machine.SetMissionType(types.MissionPayloadDelivery)
	a.machine.Fire(mission.TriggerStartDelivery)
}

// handleConfirmation applies an operator verdict addressed to this drone.
func (a *Agent) handleConfirmation(msg bus.Message) {
	var conf types.ConfirmationPayload
	if err := msg.Decode(&conf); err != nil {
		a.log.Warn("dropping confirmation", zap.Error(err))
		return
	}
	if conf.DroneID != a.id || a.machine.Phase() != mission.PhasePendingConfirmation {
		return
	}
	switch conf.Type {
	case types.CmdConfirmTarget:
		a.machine.Fire(mission.TriggerConfirmTarget)
	case types.CmdRejectTarget:
		a.mu.Lock()
		a.sighting = nil
		a.mu.Unlock()
		a.machine.Fire(mission.TriggerRejectTarget)
	default:
		a.log.Warn("unknown confirmation type", zap.String("type", conf.Type))
	}
}

// handleMapUpdate merges a peer's observation into the local grid (gossip).
func (a *Agent) handleMapUpdate(msg bus.Message) {
	if a.grid == nil {
		return
	}
	var update types.MapUpdatePayload
	if err := msg.Decode(&update); err != nil {
		a.log.Warn("dropping map update", zap.Error(err))
		return
	}
	if update.DroneID == a.id {
		return
	}
	a.gridMu.Lock()
	a.grid.Update(update.Position, update.Altitude, update.HasDetection)
	a.gridMu.Unlock()
}

// handleCommand applies a directed command from the coordinator.
func (a *Agent) handleCommand(msg bus.Message) {
	var cmd types.CommandPayload
	if err := msg.Decode(&cmd); err != nil {
		a.log.Warn("dropping command", zap.Error(err))
		return
	}
	a.log.Info("command received", zap.String("command", cmd.Command))

	switch cmd.Command {
	case types.CmdStartMission:
		a.startCommandedMission(cmd)
	case types.CmdLaunchAndStandby:
		if cmd.Position != nil {
			a.setTarget(*cmd.Position)
		}
		a.machine.SetMissionType(types.MissionStandby)
		a.machine.Fire(mission.TriggerStartStandby)
	case types.CmdStartPatrol:
		a.machine.SetMissionType(types.MissionPatrol)
		a.machine.Fire(mission.TriggerStartPatrol)
	case types.CmdStartOverwatch:
		if cmd.Position != nil {
			a.setTarget(*cmd.Position)
		}
		a.machine.SetMissionType(types.MissionOverwatch)
		a.machine.Fire(mission.TriggerStartOverwatch)
	case types.CmdStartVideoStream:
		// The camera system streams out of process; nothing to do on the
		// flight side.
		a.log.Info("video stream requested")
	case types.CmdGotoWaypoint:
		if cmd.Position != nil {
			a.mu.Lock()
			wp := *cmd.Position
			a.commandedWP = &wp
			a.mu.Unlock()
		}
	case types.CmdReturnToHome:
		a.returnHome()
	default:
		a.log.Warn("unknown command", zap.String("command", cmd.Command))
	}
}

// startCommandedMission launches the mission named in a START_MISSION
// command. The coordinator sets Type to MOB_SEARCH when scrambling the
// fleet and to PAYLOAD_DELIVERY when tasking a grounded payload drone at a
// confirmed target, so the command's mission type and position are
// authoritative, not the drone's default.
func (a *Agent) startCommandedMission(cmd types.CommandPayload) {
	if cmd.Position != nil {
		a.setTarget(*cmd.Position)
	}
	mt := types.MissionType(cmd.Type)
	if cmd.Type == "" {
		mt = types.MissionMOBSearch
	}
	trigger, ok := map[types.MissionType]mission.Trigger{
		types.MissionMOBSearch:       mission.TriggerStartMission,
		types.MissionPayloadDelivery: mission.TriggerStartDelivery,
		types.MissionStandby:         mission.TriggerStartStandby,
		types.MissionPatrol:          mission.TriggerStartPatrol,
		types.MissionOverwatch:       mission.TriggerStartOverwatch,
	}[mt]
	if !ok {
		a.log.Warn("start command for unknown mission type", zap.String("type", cmd.Type))
		return
	}
	a.machine.SetMissionType(mt)
	a.machine.Fire(trigger)
}

// returnHome fires whichever end-of-task trigger matches the current phase.
func (a *Agent) returnHome() {
	for _, t := range []mission.Trigger{
		mission.TriggerSearchCompleteNegative,
		mission.TriggerPatrolComplete,
		mission.TriggerOverwatchComplete,
		mission.TriggerDeliveryComplete,
	} {
		if a.machine.Fire(t) {
			return
		}
	}
	a.log.Warn("return to home ignored", zap.String("phase", string(a.machine.Phase())))
}

// healthMonitor polls telemetry every tick, detects local operator
// takeover and health failures, and publishes the snapshot.
func (a *Agent) healthMonitor(ctx context.Context) error {
	ticker := time.NewTicker(a.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		tel := a.ctrl.Telemetry()
		phase := a.machine.Phase()

		if phase != mission.PhaseIdle && phase != mission.PhasePreflight {
			manual := tel.Mode == types.ModeManual
			inLocalControl := phase == mission.PhaseOperatorControl
			switch {
			case manual && !inLocalControl:
				a.log.Warn("local operator takeover detected")
				a.machine.Fire(mission.TriggerOperatorTakeover)
			case !manual && inLocalControl:
				a.log.Info("local operator released control")
				a.machine.Fire(mission.TriggerOperatorRelease)
			case !inLocalControl && !a.healthy(tel):
				a.log.Error("health check failed, declaring emergency",
					zap.Float64("battery", tel.Battery),
					zap.Bool("connected", tel.IsConnected))
				a.machine.Fire(mission.TriggerEmergency)
			}
			if a.recorder != nil {
				a.recorder.Record(a.id, string(a.machine.Phase()), tel)
			}
		}

		if err := a.bus.Publish(types.TelemetryTopic(a.id), types.TelemetryPayload{
			Telemetry:    tel,
			MissionPhase: string(a.machine.Phase()),
		}, false); err != nil {
			a.log.Warn("telemetry publish failed", zap.Error(err))
		}
	}
}

func (a *Agent) healthy(tel types.Telemetry) bool {
	if !tel.IsConnected {
		return false
	}
	if tel.Battery <= a.cfg.Health.MinBatteryEmergency {
		return false
	}
	maxAge := time.Duration(a.cfg.Health.MaxHeartbeatLatencyS * float64(time.Second))
	return time.Since(tel.LastHeartbeat) <= maxAge
}
