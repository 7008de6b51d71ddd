package agent

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mobfleet/mobfleet/pkg/bus"
	"github.com/mobfleet/mobfleet/pkg/config"
	"github.com/mobfleet/mobfleet/pkg/detect"
	"github.com/mobfleet/mobfleet/pkg/flight"
	"github.com/mobfleet/mobfleet/pkg/mission"
	"github.com/mobfleet/mobfleet/pkg/types"
)

func testSettings() config.Settings {
	s := config.Defaults()
	s.Drones = []config.Drone{
		{ID: "scout_1", Type: "simulated", Role: types.RoleScout},
		{ID: "payload_1", Type: "simulated", Role: types.RolePayload},
		{ID: "utility_1", Type: "simulated", Role: types.RoleUtility},
	}
	s.Strategies.Search.Size = 200.0
	s.ProbSearch.GridSize = 10
	s.ProbSearch.SearchAreaSizeM = 200.0
	s.Mission.MaxSearchIterations = 20
	return s
}

type harness struct {
	agent    *Agent
	sim      *flight.Simulated
	broker   *bus.MemoryBroker
	observer *bus.Memory
	cancel   context.CancelFunc
	done     chan error
}

func startAgent(t *testing.T, droneID string, detector detect.Detector) *harness {
	t.Helper()
	return startAgentScaled(t, droneID, detector, 2000.0, 20*time.Millisecond)
}

// startAgentScaled is for tests that need maneuvers to span several health
// ticks instead of completing between two of them.
func startAgentScaled(t *testing.T, droneID string, detector detect.Detector,
	timeScale float64, healthInterval time.Duration) *harness {
	t.Helper()
	log := zap.NewNop()
	broker := bus.NewMemoryBroker()

	observer := broker.Client("observer", log)
	if err := observer.Subscribe(
		types.TopicStatePattern,
		types.TopicEventPattern,
		types.TopicTargetFound,
		types.TopicMapUpdate,
		types.TopicFleetConnect,
	); err != nil {
		t.Fatalf("observer subscribe: %v", err)
	}

	sim := flight.NewSimulated(log, flight.WithTimeScale(timeScale))
	ctx, cancel := context.WithCancel(context.Background())
	a, err := New(ctx, droneID, testSettings(), broker.Client(droneID, log), sim, detector, log,
		WithHealthInterval(healthInterval),
		WithStepDelay(time.Millisecond),
	)
	if err != nil {
		cancel()
		t.Fatalf("new agent: %v", err)
	}

	h := &harness{agent: a, sim: sim, broker: broker, observer: observer, cancel: cancel,
		done: make(chan error, 1)}
	go func() { h.done <- a.Run(ctx) }()

	// Run subscribes before publishing fleet/connect, so seeing the connect
	// message guarantees the agent will receive anything published after this
	// point.
	connectDeadline := time.After(5 * time.Second)
waitConnect:
	for {
		select {
		case msg := <-observer.Messages():
			if msg.Topic == types.TopicFleetConnect {
				break waitConnect
			}
		case <-connectDeadline:
			t.Fatal("agent never announced itself on fleet/connect")
		}
	}

	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			t.Error("agent did not shut down")
		}
	})
	return h
}

func waitPhase(t *testing.T, a *Agent, want mission.Phase, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if a.Machine().Phase() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("never reached %s, stuck in %s", want, a.Machine().Phase())
}

func waitEvent(t *testing.T, h *harness, topic, eventType string, timeout time.Duration) types.EventPayload {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case msg := <-h.observer.Messages():
			if msg.Topic != topic {
				continue
			}
			var ev types.EventPayload
			if err := msg.Decode(&ev); err != nil {
				continue
			}
			if eventType == "" || ev.Type == eventType {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s on %s", eventType, topic)
		}
	}
}

func publishMissionStart(t *testing.T, h *harness, startType string, pos *types.Position) {
	t.Helper()
	pub := h.broker.Client("test-coordinator", zap.NewNop())
	defer pub.Close()
	if err := pub.Publish(types.TopicMissionStart,
		types.MissionStartPayload{Type: startType, Position: pos}, false); err != nil {
		t.Fatalf("publish mission start: %v", err)
	}
}

func TestScoutSearchHandoffAndConfirmation(t *testing.T) {
	// Third scan sights the target.
	detector := detect.NewScripted(nil, nil,
		&detect.Detection{ImageX: 320, ImageY: 200, Confidence: 0.92, IsPerson: true, Source: "thermal"})
	h := startAgent(t, "scout_1", detector)

	publishMissionStart(t, h, types.StartMOBEmergency, nil)
	waitPhase(t, h.agent, mission.PhasePendingConfirmation, 10*time.Second)

	ev := waitEvent(t, h, types.EventTopic("scout_1"), types.EventPendingConfirmation, 5*time.Second)
	if ev.Data.DroneID != "scout_1" || ev.Data.Position == nil {
		t.Fatalf("confirmation request missing data: %+v", ev)
	}

	// Operator confirms; the scout must broadcast target_found and head home.
	pub := h.broker.Client("test-coordinator", zap.NewNop())
	defer pub.Close()
	if err := pub.Publish(types.TopicConfirmation, types.ConfirmationPayload{
		DroneID: "scout_1", Type: types.CmdConfirmTarget,
	}, false); err != nil {
		t.Fatalf("publish confirmation: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-h.observer.Messages():
			if msg.Topic != types.TopicTargetFound {
				continue
			}
			var found types.TargetFoundPayload
			if err := msg.Decode(&found); err != nil {
				t.Fatalf("decode target_found: %v", err)
			}
			if found.SourceDrone != "scout_1" {
				t.Fatalf("target_found source %q", found.SourceDrone)
			}
		case <-deadline:
			t.Fatal("target_found never broadcast")
		}
		break
	}

	waitPhase(t, h.agent, mission.PhaseIdle, 10*time.Second)
}

func TestRejectionResumesSearch(t *testing.T) {
	detector := detect.NewScripted(
		&detect.Detection{Confidence: 0.3, Source: "rgb"})
	h := startAgent(t, "scout_1", detector)

	publishMissionStart(t, h, types.StartMOBEmergency, nil)
	waitPhase(t, h.agent, mission.PhasePendingConfirmation, 10*time.Second)

	pub := h.broker.Client("test-coordinator", zap.NewNop())
	defer pub.Close()
	if err := pub.Publish(types.TopicConfirmation, types.ConfirmationPayload{
		DroneID: "scout_1", Type: types.CmdRejectTarget,
	}, false); err != nil {
		t.Fatalf("publish rejection: %v", err)
	}
	waitPhase(t, h.agent, mission.PhaseSearchPrimary, 10*time.Second)
}

func TestPayloadStandbyToDelivery(t *testing.T) {
	h := startAgent(t, "payload_1", detect.None{})

	publishMissionStart(t, h, types.StartMOBEmergency, nil)
	waitPhase(t, h.agent, mission.PhaseEmergencyStandby, 10*time.Second)

	pub := h.broker.Client("test-scout", zap.NewNop())
	defer pub.Close()
	target := types.Position{X: 120.0, Y: -40.0, Z: 0.0}
	if err := pub.Publish(types.TopicTargetFound, types.TargetFoundPayload{
		Position: target, SourceDrone: "scout_1",
	}, false); err != nil {
		t.Fatalf("publish target_found: %v", err)
	}

	// Airborne standby goes straight to DELIVERING, then home to IDLE.
	waitPhase(t, h.agent, mission.PhaseDelivering, 10*time.Second)
	waitPhase(t, h.agent, mission.PhaseIdle, 15*time.Second)
	if h.sim.Telemetry().LEDColor != "green" {
		t.Errorf("delivery should end with a green LED, got %s", h.sim.Telemetry().LEDColor)
	}
}

func TestPayloadRefusesHullInspection(t *testing.T) {
	h := startAgent(t, "payload_1", detect.None{})
	publishMissionStart(t, h, types.StartHullInspection, nil)

	time.Sleep(200 * time.Millisecond)
	if p := h.agent.Machine().Phase(); p != mission.PhaseIdle {
		t.Fatalf("payload must ignore utility tasks, got %s", p)
	}
}

func TestManualTakeoverAndRelease(t *testing.T) {
	// The patrol must span several health ticks so the monitor can observe
	// the forced manual mode before the mission runs to completion.
	h := startAgentScaled(t, "utility_1", detect.None{}, 100.0, 5*time.Millisecond)
	publishMissionStart(t, h, types.StartHullInspection, nil)
	waitPhase(t, h.agent, mission.PhaseUtilityTask, 10*time.Second)

	h.sim.ForceManual()
	waitPhase(t, h.agent, mission.PhaseOperatorControl, 5*time.Second)

	h.sim.ReleaseManual()
	// Release always routes home via RETURNING; let the mission finish.
	waitPhase(t, h.agent, mission.PhaseIdle, 15*time.Second)
}

func TestLowBatteryTriggersEmergency(t *testing.T) {
	h := startAgent(t, "utility_1", detect.None{})
	publishMissionStart(t, h, types.StartHullInspection, nil)
	waitPhase(t, h.agent, mission.PhaseUtilityTask, 10*time.Second)

	h.sim.SetBattery(5.0) // below the emergency threshold
	waitPhase(t, h.agent, mission.PhaseIdle, 10*time.Second)
}

func TestCommandedPayloadDeliveryFromGround(t *testing.T) {
	// The slower time scale keeps the drone at the drop point long enough
	// for the position poll below to observe it there.
	h := startAgentScaled(t, "payload_1", detect.None{}, 200.0, 20*time.Millisecond)

	target := types.Position{X: 120.0, Y: 80.0, Z: 0.0}
	pub := h.broker.Client("test-coordinator", zap.NewNop())
	defer pub.Close()
	if err := pub.Publish(types.CommandTopic("payload_1"), types.CommandPayload{
		Command:  types.CmdStartMission,
		Type:     string(types.MissionPayloadDelivery),
		Position: &target,
	}, false); err != nil {
		t.Fatalf("publish command: %v", err)
	}

	// A grounded payload runs the full launch sequence, then delivers at
	// the commanded position rather than defaulting into a search.
	waitPhase(t, h.agent, mission.PhaseDelivering, 10*time.Second)
	if mt := h.agent.Machine().MissionType(); mt != types.MissionPayloadDelivery {
		t.Fatalf("mission type %s, want %s", mt, types.MissionPayloadDelivery)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		pos := h.sim.Telemetry().Position
		if pos.X > 119.0 && pos.Y > 79.0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("never reached the drop point, at (%.1f, %.1f)", pos.X, pos.Y)
		}
		time.Sleep(time.Millisecond)
	}

	waitPhase(t, h.agent, mission.PhaseIdle, 15*time.Second)
	if h.sim.Telemetry().LEDColor != "green" {
		t.Errorf("delivery should end with a green LED, got %s", h.sim.Telemetry().LEDColor)
	}
}

func TestEmergencyLandingFinishesUnderSustainedLowBattery(t *testing.T) {
	// Health ticks faster than the landing takes, so the monitor keeps
	// reporting the low battery the whole way down. The descent must still
	// run to completion before the machine resets.
	h := startAgentScaled(t, "utility_1", detect.None{}, 100.0, 5*time.Millisecond)
	publishMissionStart(t, h, types.StartHullInspection, nil)
	waitPhase(t, h.agent, mission.PhaseUtilityTask, 10*time.Second)

	h.sim.SetBattery(5.0)
	waitPhase(t, h.agent, mission.PhaseIdle, 10*time.Second)

	tel := h.sim.Telemetry()
	if tel.Position.Z > 0.1 {
		t.Fatalf("reset to IDLE while airborne at %.1f m", tel.Position.Z)
	}
	if tel.Mode == types.ModeLanding {
		t.Fatalf("reset to IDLE mid-landing, mode %s", tel.Mode)
	}
}

func TestScoutPublishesMapGossip(t *testing.T) {
	h := startAgent(t, "scout_1", detect.None{})
	publishMissionStart(t, h, types.StartMOBEmergency, nil)

	deadline := time.After(10 * time.Second)
	for {
		select {
		case msg := <-h.observer.Messages():
			if msg.Topic != types.TopicMapUpdate {
				continue
			}
			var update types.MapUpdatePayload
			if err := msg.Decode(&update); err != nil {
				t.Fatalf("decode map update: %v", err)
			}
			if update.DroneID != "scout_1" {
				t.Fatalf("gossip from %q", update.DroneID)
			}
			if update.HasDetection {
				t.Fatal("no detector sightings were scripted")
			}
			return
		case <-deadline:
			t.Fatal("scout never gossiped a map update")
		}
	}
}
