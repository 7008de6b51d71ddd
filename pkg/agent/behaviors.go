package agent

import (
	"context"

	"go.uber.org/zap"

	"github.com/mobfleet/mobfleet/pkg/detect"
	"github.com/mobfleet/mobfleet/pkg/mission"
	"github.com/mobfleet/mobfleet/pkg/types"
)

// runPreflight connects the controller and verifies launch preconditions.
func (a *Agent) runPreflight(ctx context.Context) {
	a.log.Info("preflight", zap.String("mission", string(a.machine.MissionType())))

	tel := a.ctrl.Telemetry()
	if !tel.IsConnected {
		if err := a.ctrl.Connect(ctx); err != nil {
			a.log.Error("controller connect failed", zap.Error(err))
			a.machine.Fire(mission.TriggerEmergency)
			return
		}
	}
	if battery := a.ctrl.Telemetry().Battery; battery < a.cfg.Health.MinBatteryPreflight {
		a.log.Error("preflight battery too low", zap.Float64("battery", battery))
		a.machine.Fire(mission.TriggerEmergency)
		return
	}
	a.mu.Lock()
	a.home = a.ctrl.Telemetry().Position
	a.home.Z = 0
	a.mu.Unlock()
	a.machine.Fire(mission.TriggerPreflightSuccess)
}

// runTakeoff climbs to the altitude the mission type calls for.
func (a *Agent) runTakeoff(ctx context.Context) {
	var alt float64
	switch a.machine.MissionType() {
	case types.MissionPatrol:
		alt = a.cfg.Lawnmower.PatrolAltitude
	case types.MissionOverwatch:
		alt = a.targetPos().Z + a.cfg.Orbit.AltitudeOffset
	case types.MissionStandby:
		alt = a.targetPos().Z
	case types.MissionPayloadDelivery:
		alt = deliveryAltitude
	default: // MOB_SEARCH
		if a.role == types.RoleScout {
			alt = a.cfg.ProbSearch.SearchAltitude
		} else {
			alt = a.cfg.Lawnmower.PatrolAltitude
		}
	}
	if err := a.ctrl.Takeoff(ctx, alt); err != nil {
		a.log.Error("takeoff failed", zap.Error(err))
		a.machine.Fire(mission.TriggerEmergency)
		return
	}
	a.machine.Fire(mission.TriggerTakeoffSuccess)
}

// runSearchPrimary is the scout's grid-driven search loop: evolve, fly to
// the best cell (or a coordinator-commanded waypoint), scan, fold the
// result back into the grid, and gossip the observation to the fleet.
func (a *Agent) runSearchPrimary(ctx context.Context) {
	for i := 0; i < a.cfg.Mission.MaxSearchIterations; i++ {
		if ctx.Err() != nil {
			return
		}
		a.gridMu.Lock()
		a.grid.Evolve(1.0)
		wp := a.grid.NextWaypoint()
		a.gridMu.Unlock()

		a.mu.Lock()
		if a.commandedWP != nil {
			wp = *a.commandedWP
			a.commandedWP = nil
		}
		a.mu.Unlock()

		if err := a.ctrl.GoTo(ctx, wp); err != nil {
			return
		}
		pos := a.ctrl.Telemetry().Position
		sighting, err := a.detector.Scan(ctx, pos)
		if err != nil {
			a.log.Warn("scan failed", zap.Error(err))
			continue
		}

		a.gridMu.Lock()
		a.grid.Update(pos, pos.Z, sighting != nil)
		a.gridMu.Unlock()

		if pubErr := a.bus.Publish(types.TopicMapUpdate, types.MapUpdatePayload{
			DroneID:      a.id,
			Position:     pos,
			Altitude:     pos.Z,
			HasDetection: sighting != nil,
		}, false); pubErr != nil {
			a.log.Warn("map update publish failed", zap.Error(pubErr))
		}

		if sighting != nil {
			a.recordSighting(sighting, pos)
			a.machine.Fire(mission.TriggerTargetSighted)
			return
		}
		if err := a.sleep(ctx, a.stepDelay); err != nil {
			return
		}
	}
	a.log.Info("search budget exhausted without a confirmed sighting")
	a.machine.Fire(mission.TriggerSearchCompleteNegative)
}

// runSearchAssist sweeps the area in a lawnmower pattern. Handoff on a
// sighting is identical to the primary search.
func (a *Agent) runSearchAssist(ctx context.Context) {
	a.lawnmower.Reset()
	center := types.Position{X: a.cfg.Strategies.Search.Area.X, Y: a.cfg.Strategies.Search.Area.Y}
	for {
		if ctx.Err() != nil {
			return
		}
		wp, ok := a.lawnmower.Next(center, a.cfg.Strategies.Search.Size)
		if !ok {
			a.machine.Fire(mission.TriggerSearchCompleteNegative)
			return
		}
		if err := a.ctrl.GoTo(ctx, wp); err != nil {
			return
		}
		pos := a.ctrl.Telemetry().Position
		sighting, err := a.detector.Scan(ctx, pos)
		if err != nil {
			a.log.Warn("scan failed", zap.Error(err))
			continue
		}
		if sighting != nil {
			a.recordSighting(sighting, pos)
			a.machine.Fire(mission.TriggerTargetSighted)
			return
		}
		if err := a.sleep(ctx, a.stepDelay); err != nil {
			return
		}
	}
}

func (a *Agent) recordSighting(d *detect.Detection, scanPos types.Position) {
	if d.World == nil {
		p := scanPos
		d.World = &p
	}
	a.mu.Lock()
	a.sighting = d
	a.mu.Unlock()
	if a.recorder != nil {
		a.recorder.ObserveDetection(d)
	}
}

// runStandby holds position near the search area until a target_found
// event (handled by the listener) pulls the drone into delivery.
func (a *Agent) runStandby(ctx context.Context) {
	if err := a.ctrl.GoTo(ctx, a.targetPos()); err != nil {
		return
	}
	if err := a.ctrl.Hover(ctx); err != nil {
		return
	}
	a.log.Info("holding standby position")
	<-ctx.Done()
}

// runPatrol flies the lawnmower pattern, bailing out to RTL when the
// battery hits the patrol threshold.
func (a *Agent) runPatrol(ctx context.Context) {
	a.lawnmower.Reset()
	center := types.Position{X: a.cfg.Strategies.Search.Area.X, Y: a.cfg.Strategies.Search.Area.Y}
	for {
		if ctx.Err() != nil {
			return
		}
		if a.ctrl.Telemetry().Battery < a.cfg.Health.MinBatteryPatrolRTL {
			a.log.Warn("patrol battery low, returning home")
			a.machine.Fire(mission.TriggerPatrolBatteryLow)
			return
		}
		wp, ok := a.lawnmower.Next(center, a.cfg.Strategies.Search.Size)
		if !ok {
			a.machine.Fire(mission.TriggerPatrolComplete)
			return
		}
		if err := a.ctrl.GoTo(ctx, wp); err != nil {
			return
		}
		if sighting, err := a.detector.Scan(ctx, a.ctrl.Telemetry().Position); err == nil && sighting != nil {
			// Patrol sightings are informational, not a search handoff.
			a.log.Info("sighting during patrol", zap.Float64("confidence", sighting.Confidence))
		}
		if err := a.sleep(ctx, a.stepDelay); err != nil {
			return
		}
	}
}

// runOverwatch orbits the event position, reporting sightings as
// AI_DETECTION events for the coordinator's grid.
func (a *Agent) runOverwatch(ctx context.Context) {
	target := a.targetPos()
	for {
		if ctx.Err() != nil {
			return
		}
		wp := a.orbit.Next(target)
		if err := a.ctrl.GoTo(ctx, wp); err != nil {
			return
		}
		pos := a.ctrl.Telemetry().Position
		if sighting, err := a.detector.Scan(ctx, pos); err == nil && sighting != nil {
			if pubErr := a.bus.Publish(types.EventTopic(a.id), types.EventPayload{
				Type: types.EventAIDetection,
				Data: types.EventData{
					DroneID:    a.id,
					Position:   sighting.World,
					Confidence: sighting.Confidence,
				},
			}, false); pubErr != nil {
				a.log.Warn("detection publish failed", zap.Error(pubErr))
			}
		}
		if err := a.sleep(ctx, a.stepDelay); err != nil {
			return
		}
	}
}

// runPendingConfirmation asks the operator to judge the sighting, then
// waits for the verdict (delivered via fleet/event/confirmation).
func (a *Agent) runPendingConfirmation(ctx context.Context) {
	a.mu.Lock()
	sighting := a.sighting
	a.mu.Unlock()
	if sighting == nil || sighting.World == nil {
		a.log.Error("pending confirmation without a sighting")
		a.machine.Fire(mission.TriggerRejectTarget)
		return
	}
	if err := a.ctrl.Hover(ctx); err != nil {
		return
	}
	if err := a.bus.Publish(types.EventTopic(a.id), types.EventPayload{
		Type: types.EventPendingConfirmation,
		Data: types.EventData{
			DroneID:    a.id,
			Position:   sighting.World,
			Confidence: sighting.Confidence,
		},
	}, false); err != nil {
		a.log.Warn("confirmation request publish failed", zap.Error(err))
	}
	<-ctx.Done()
}

// runTargetConfirmed broadcasts the confirmed target so a payload drone
// can take over, then heads home.
func (a *Agent) runTargetConfirmed(ctx context.Context) {
	a.mu.Lock()
	sighting := a.sighting
	a.mu.Unlock()
	if sighting == nil || sighting.World == nil {
		a.machine.Fire(mission.TriggerEmergency)
		return
	}
	if err := a.bus.Publish(types.TopicTargetFound, types.TargetFoundPayload{
		Position:    *sighting.World,
		SourceDrone: a.id,
	}, false); err != nil {
		a.log.Warn("target_found publish failed", zap.Error(err))
	}
	a.machine.Fire(mission.TriggerDeliveryRequestSent)
}

// runDelivery flies above the target, holds, and runs the LED handoff
// sequence before heading home.
func (a *Agent) runDelivery(ctx context.Context) {
	wp := a.hover.Next(a.targetPos())
	if err := a.ctrl.GoTo(ctx, wp); err != nil {
		return
	}
	if err := a.ctrl.Hover(ctx); err != nil {
		return
	}
	// Red while the payload is live, green once released.
	if err := a.ctrl.SetLED(ctx, "red"); err != nil {
		a.log.Warn("led failed", zap.Error(err))
	}
	if err := a.sleep(ctx, a.stepDelay); err != nil {
		return
	}
	if err := a.ctrl.SetLED(ctx, "green"); err != nil {
		a.log.Warn("led failed", zap.Error(err))
	}
	a.log.Info("payload delivered")
	a.machine.Fire(mission.TriggerDeliveryComplete)
}

// runReturnToHome flies back to the launch point.
func (a *Agent) runReturnToHome(ctx context.Context) {
	if a.recorder != nil {
		a.recorder.Resume()
	}
	a.mu.Lock()
	home := a.home
	a.mu.Unlock()
	home.Z = a.ctrl.Telemetry().Position.Z
	if err := a.ctrl.GoTo(ctx, home); err != nil {
		return
	}
	a.machine.Fire(mission.TriggerArrivedHome)
}

// runLand descends and completes the mission.
func (a *Agent) runLand(ctx context.Context) {
	if err := a.ctrl.Land(ctx); err != nil {
		a.log.Error("land failed", zap.Error(err))
		a.machine.Fire(mission.TriggerEmergency)
		return
	}
	a.machine.Fire(mission.TriggerLandComplete)
}

// runEmergencyLand forces an immediate landing, then resets to IDLE.
func (a *Agent) runEmergencyLand(ctx context.Context) {
	a.log.Error("emergency landing")
	if err := a.ctrl.Land(ctx); err != nil {
		a.log.Error("emergency land failed", zap.Error(err))
	}
	// A superseded behavior must not reset the machine while the drone may
	// still be airborne.
	if ctx.Err() != nil {
		return
	}
	a.machine.Fire(mission.TriggerResetFromEmergency)
}

// runOperatorControl suspends autonomy while a local safety pilot flies.
func (a *Agent) runOperatorControl(ctx context.Context) {
	a.log.Warn("autonomy suspended, local operator in control")
	if a.recorder != nil {
		a.recorder.Pause()
	}
	<-ctx.Done()
}

// runCompleted logs the outcome and returns the machine to IDLE.
func (a *Agent) runCompleted(ctx context.Context) {
	a.mu.Lock()
	sighting := a.sighting
	a.mu.Unlock()
	if sighting != nil && sighting.World != nil {
		a.log.Info("mission complete, target was confirmed",
			zap.Float64("x", sighting.World.X), zap.Float64("y", sighting.World.Y))
	} else {
		a.log.Info("mission complete, no target confirmed")
	}
	a.machine.Fire(mission.TriggerMissionFinished)
}
