package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mobfleet/mobfleet/pkg/mission"
	"github.com/mobfleet/mobfleet/pkg/types"
)

// TriggerMOB starts a man-overboard response: reset the grid, task the
// scout (or failover to utility), restart the waypoint loop, and pre-check
// the payload drone.
func (c *Coordinator) TriggerMOB() {
	c.log.Warn("MOB event triggered")
	c.metrics.searchesTotal.Inc()

	c.gridMu.Lock()
	c.grid.Reset()
	c.gridMu.Unlock()

	searchDrone := c.findByRoleInPhases(types.RoleScout, availablePhases)
	if searchDrone == "" {
		searchDrone = c.findByRoleInPhases(types.RoleUtility, availablePhases)
		if searchDrone != "" {
			c.log.Warn("scout unavailable, failing over to utility",
				zap.String("drone_id", searchDrone))
		}
	}
	if searchDrone == "" {
		c.log.Error("no available search drone")
		c.gcs.BroadcastEvent("ERROR", map[string]interface{}{
			"message": "No available search drone.",
		})
		return
	}

	c.command(searchDrone, types.CommandPayload{
		Command: types.CmdStartMission, Type: string(types.MissionMOBSearch),
	})
	c.startSearchLoop(searchDrone)

	// Warn early if no payload drone could deliver once the target is found.
	if c.findByRoleInPhases(types.RolePayload, []string{string(mission.PhaseIdle)}) == "" {
		c.log.Warn("payload drone busy or offline at search start")
		c.gcs.BroadcastEvent("WARNING", map[string]interface{}{
			"message": "Payload drone not available.",
		})
	}
}

// ConfirmTarget relays the operator's confirmation to the sighting drone.
func (c *Coordinator) ConfirmTarget(droneID string) {
	if droneID == "" {
		return
	}
	c.publishConfirmation(droneID, types.CmdConfirmTarget)
	c.gcs.BroadcastEvent("TARGET_CONFIRMED", map[string]interface{}{"drone_id": droneID})
}

// RejectTarget relays the operator's rejection to the sighting drone.
func (c *Coordinator) RejectTarget(droneID string) {
	if droneID == "" {
		return
	}
	c.publishConfirmation(droneID, types.CmdRejectTarget)
	c.gcs.BroadcastEvent("TARGET_REJECTED", map[string]interface{}{"drone_id": droneID})
}

func (c *Coordinator) publishConfirmation(droneID, verdict string) {
	c.log.Info("relaying operator verdict",
		zap.String("drone_id", droneID), zap.String("verdict", verdict))
	if err := c.bus.Publish(types.TopicConfirmation, types.ConfirmationPayload{
		DroneID: droneID, Type: verdict,
	}, false); err != nil {
		c.log.Warn("confirmation publish failed", zap.Error(err))
	}
}

// TriggerPatrol tasks an idle utility drone with the patrol pattern.
func (c *Coordinator) TriggerPatrol() {
	c.log.Info("patrol mode triggered")
	utility := c.findByRoleInPhases(types.RoleUtility, []string{string(mission.PhaseIdle)})
	if utility == "" {
		c.log.Error("utility drone busy or offline")
		c.gcs.BroadcastEvent("ERROR", map[string]interface{}{
			"message": "Utility drone is not available.",
		})
		return
	}
	c.command(utility, types.CommandPayload{Command: types.CmdStartPatrol})
}

// TriggerOverwatch tasks a drone (utility preferred, scout fallback) to
// orbit pos and stream video.
func (c *Coordinator) TriggerOverwatch(pos types.Position) {
	c.log.Info("overwatch mode triggered")
	droneID := c.findByRoleInPhases(types.RoleUtility, availablePhases)
	if droneID == "" {
		droneID = c.findByRoleInPhases(types.RoleScout, availablePhases)
	}
	if droneID == "" {
		c.log.Error("no drone available for overwatch")
		c.gcs.BroadcastEvent("ERROR", map[string]interface{}{
			"message": "No drone available for overwatch.",
		})
		return
	}
	c.command(droneID, types.CommandPayload{Command: types.CmdStartVideoStream})
	c.command(droneID, types.CommandPayload{Command: types.CmdStartOverwatch, Position: &pos})
	c.gcs.StartMediaStream(droneID, "rtsp://drone.local/"+droneID+"/stream")
}

// taskPayloadDrone launches the payload drone at a confirmed target.
func (c *Coordinator) taskPayloadDrone(target types.Position) {
	payload := c.findByRoleInPhases(types.RolePayload, []string{
		string(mission.PhaseIdle),
		string(mission.PhaseEmergencyStandby),
	})
	if payload == "" {
		c.log.Error("payload delivery requested but no payload drone available")
		c.gcs.BroadcastEvent("ERROR", map[string]interface{}{
			"message": "Payload drone not available for delivery.",
		})
		return
	}
	c.log.Info("tasking payload drone",
		zap.String("drone_id", payload),
		zap.Float64("x", target.X), zap.Float64("y", target.Y))
	c.command(payload, types.CommandPayload{
		Command:  types.CmdStartMission,
		Type:     string(types.MissionPayloadDelivery),
		Position: &target,
	})
}

func (c *Coordinator) command(droneID string, cmd types.CommandPayload) {
	if err := c.bus.Publish(types.CommandTopic(droneID), cmd, false); err != nil {
		c.log.Warn("command publish failed",
			zap.String("drone_id", droneID),
			zap.String("command", cmd.Command),
			zap.Error(err))
	}
}

// startSearchLoop (re)starts the waypoint loop for droneID, cancelling any
// loop already running.
func (c *Coordinator) startSearchLoop(droneID string) {
	c.searchMu.Lock()
	defer c.searchMu.Unlock()
	if c.searchCancel != nil {
		c.searchCancel()
	}
	base := c.runCtx
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)
	c.searchCancel = cancel
	go c.searchLoop(ctx, droneID)
}

func (c *Coordinator) stopSearchLoop() {
	c.searchMu.Lock()
	defer c.searchMu.Unlock()
	if c.searchCancel != nil {
		c.searchCancel()
		c.searchCancel = nil
	}
}

// searchLoop publishes the next high-probability waypoint to the search
// drone, then waits for it to fly and report back. Telemetry-driven map
// updates run in parallel on the bus handler.
func (c *Coordinator) searchLoop(ctx context.Context, droneID string) {
	c.log.Info("search loop started", zap.String("drone_id", droneID))
	interval := time.Duration(c.cfg.ProbSearch.WaypointInterval * float64(time.Second))
	started := false
	for {
		if ctx.Err() != nil {
			return
		}
		v, ok := c.Vehicle(droneID)
		if !ok {
			return
		}
		searching := mission.Phase(v.MissionPhase).IsSearching()
		if searching {
			started = true
		} else if started {
			c.log.Info("search drone no longer searching, stopping loop",
				zap.String("drone_id", droneID),
				zap.String("phase", v.MissionPhase))
			return
		}
		// Before the first searching report the drone is still launching;
		// skip tasking but keep waiting.
		if searching {
			c.gridMu.Lock()
			wp := c.grid.NextWaypoint()
			c.gridMu.Unlock()
			c.metrics.waypointsTotal.Inc()
			c.command(droneID, types.CommandPayload{
				Command:  types.CmdGotoWaypoint,
				Position: &wp,
			})
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}
