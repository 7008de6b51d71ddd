package mission

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mobfleet/mobfleet/pkg/types"
)

func newTestMachine(t *testing.T, role types.Role) *Machine {
	t.Helper()
	m := New(context.Background(), role, zap.NewNop())
	t.Cleanup(m.Stop)
	return m
}

func fireAll(t *testing.T, m *Machine, triggers ...Trigger) {
	t.Helper()
	for _, tr := range triggers {
		if !m.Fire(tr) {
			t.Fatalf("trigger %s rejected in phase %s", tr, m.Phase())
		}
	}
}

func TestScoutMOBSearchPath(t *testing.T) {
	m := newTestMachine(t, types.RoleScout)
	m.SetMissionType(types.MissionMOBSearch)

	fireAll(t, m, TriggerStartMission, TriggerPreflightSuccess, TriggerTakeoffSuccess)
	if m.Phase() != PhaseSearchPrimary {
		t.Fatalf("scout in MOB search should land in ROLE_SEARCH_PRIMARY, got %s", m.Phase())
	}

	fireAll(t, m, TriggerTargetSighted, TriggerConfirmTarget, TriggerDeliveryRequestSent,
		TriggerArrivedHome, TriggerLandComplete, TriggerMissionFinished)
	if m.Phase() != PhaseIdle {
		t.Fatalf("mission should end back in IDLE, got %s", m.Phase())
	}
}

func TestUtilityTakeoffDispatchByMissionType(t *testing.T) {
	cases := []struct {
		mission types.MissionType
		want    Phase
	}{
		{types.MissionMOBSearch, PhaseSearchAssist},
		{types.MissionStandby, PhaseEmergencyStandby},
		{types.MissionPatrol, PhaseUtilityTask},
		{types.MissionOverwatch, PhaseEmergencyAssist},
	}
	for _, tc := range cases {
		m := newTestMachine(t, types.RoleUtility)
		m.SetMissionType(tc.mission)
		fireAll(t, m, TriggerStartMission, TriggerPreflightSuccess, TriggerTakeoffSuccess)
		if m.Phase() != tc.want {
			t.Errorf("%s: got %s, want %s", tc.mission, m.Phase(), tc.want)
		}
	}
}

func TestPayloadDeliveryPath(t *testing.T) {
	m := newTestMachine(t, types.RolePayload)
	m.SetMissionType(types.MissionPayloadDelivery)

	fireAll(t, m, TriggerStartDelivery, TriggerPreflightSuccess, TriggerTakeoffSuccess)
	if m.Phase() != PhaseDelivering {
		t.Fatalf("payload takeoff should enter DELIVERING, got %s", m.Phase())
	}
	fireAll(t, m, TriggerDeliveryComplete, TriggerArrivedHome, TriggerLandComplete)
	if m.Phase() != PhaseCompleted {
		t.Fatalf("got %s, want COMPLETED", m.Phase())
	}
}

func TestAirborneStandbyDeliversWithoutPreflight(t *testing.T) {
	m := newTestMachine(t, types.RolePayload)
	m.SetMissionType(types.MissionStandby)
	fireAll(t, m, TriggerStartStandby, TriggerPreflightSuccess, TriggerTakeoffSuccess)
	if m.Phase() != PhaseEmergencyStandby {
		t.Fatalf("got %s, want ROLE_EMERGENCY_STANDBY", m.Phase())
	}

	m.SetMissionType(types.MissionPayloadDelivery)
	fireAll(t, m, TriggerStartDelivery)
	if m.Phase() != PhaseDelivering {
		t.Fatalf("airborne standby should deliver directly, got %s", m.Phase())
	}
}

func TestRejectReturnsToPriorSearchRole(t *testing.T) {
	scout := newTestMachine(t, types.RoleScout)
	scout.SetMissionType(types.MissionMOBSearch)
	fireAll(t, scout, TriggerStartMission, TriggerPreflightSuccess, TriggerTakeoffSuccess,
		TriggerTargetSighted, TriggerRejectTarget)
	if scout.Phase() != PhaseSearchPrimary {
		t.Errorf("rejected scout should resume ROLE_SEARCH_PRIMARY, got %s", scout.Phase())
	}

	utility := newTestMachine(t, types.RoleUtility)
	utility.SetMissionType(types.MissionMOBSearch)
	fireAll(t, utility, TriggerStartMission, TriggerPreflightSuccess, TriggerTakeoffSuccess,
		TriggerTargetSighted, TriggerRejectTarget)
	if utility.Phase() != PhaseSearchAssist {
		t.Errorf("rejected utility should resume ROLE_SEARCH_ASSIST, got %s", utility.Phase())
	}
}

func TestUnmatchedTriggersAreRejectedSilently(t *testing.T) {
	m := newTestMachine(t, types.RoleScout)

	if m.Fire(TriggerLandComplete) {
		t.Error("land_complete should not fire from IDLE")
	}
	if m.Fire(TriggerConfirmTarget) {
		t.Error("confirm_target should not fire from IDLE")
	}
	// Payload has no takeoff destination for MOB_SEARCH.
	p := newTestMachine(t, types.RolePayload)
	p.SetMissionType(types.MissionMOBSearch)
	fireAll(t, p, TriggerStartMission, TriggerPreflightSuccess)
	if p.Fire(TriggerTakeoffSuccess) {
		t.Error("payload takeoff in MOB_SEARCH has no matching transition")
	}
	if p.Phase() != PhaseTakeoff {
		t.Errorf("rejected trigger must not change phase, got %s", p.Phase())
	}
}

func TestEmergencyPreemptsAnyPhase(t *testing.T) {
	m := newTestMachine(t, types.RoleScout)
	m.SetMissionType(types.MissionMOBSearch)
	fireAll(t, m, TriggerStartMission, TriggerPreflightSuccess, TriggerTakeoffSuccess)

	if !m.Fire(TriggerEmergency) {
		t.Fatal("trigger_emergency should fire from any phase")
	}
	if m.Phase() != PhaseEmergency {
		t.Fatalf("got %s, want EMERGENCY", m.Phase())
	}
	if m.Fire(TriggerOperatorTakeover) {
		t.Error("operator takeover must not preempt EMERGENCY")
	}
	fireAll(t, m, TriggerResetFromEmergency)
	if m.Phase() != PhaseIdle {
		t.Errorf("reset should return to IDLE, got %s", m.Phase())
	}
}

func TestEmergencyDoesNotReenterItself(t *testing.T) {
	m := newTestMachine(t, types.RoleUtility)
	m.SetMissionType(types.MissionPatrol)

	cancelled := make(chan struct{})
	m.OnEnter(PhaseEmergency, func(ctx context.Context) {
		<-ctx.Done()
		close(cancelled)
	})

	fireAll(t, m, TriggerStartPatrol, TriggerPreflightSuccess, TriggerTakeoffSuccess,
		TriggerEmergency)
	if m.Fire(TriggerEmergency) {
		t.Fatal("trigger_emergency must not re-fire inside EMERGENCY")
	}
	// The running emergency behavior must keep its context.
	select {
	case <-cancelled:
		t.Fatal("repeated trigger cancelled the emergency behavior")
	case <-time.After(50 * time.Millisecond):
	}

	fireAll(t, m, TriggerResetFromEmergency)
	if m.Phase() != PhaseIdle {
		t.Errorf("reset should return to IDLE, got %s", m.Phase())
	}
}

func TestOperatorTakeoverAndRelease(t *testing.T) {
	m := newTestMachine(t, types.RoleUtility)
	m.SetMissionType(types.MissionPatrol)
	fireAll(t, m, TriggerStartPatrol, TriggerPreflightSuccess, TriggerTakeoffSuccess)

	fireAll(t, m, TriggerOperatorTakeover)
	if m.Fire(TriggerOperatorTakeover) {
		t.Error("takeover should not re-fire while already under operator control")
	}
	fireAll(t, m, TriggerOperatorRelease)
	if m.Phase() != PhaseReturning {
		t.Errorf("release must return via RETURNING, got %s", m.Phase())
	}
}

func TestNotifierSeesEveryChangeInOrder(t *testing.T) {
	m := newTestMachine(t, types.RoleScout)
	m.SetMissionType(types.MissionMOBSearch)

	var mu sync.Mutex
	var seen []Phase
	m.SetNotifier(func(p Phase) {
		mu.Lock()
		seen = append(seen, p)
		mu.Unlock()
	})

	fireAll(t, m, TriggerStartMission, TriggerPreflightSuccess, TriggerTakeoffSuccess)
	m.Fire(TriggerLandComplete) // rejected, must not notify

	mu.Lock()
	defer mu.Unlock()
	want := []Phase{PhasePreflight, PhaseTakeoff, PhaseSearchPrimary}
	if len(seen) != len(want) {
		t.Fatalf("notifier saw %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("notifier saw %v, want %v", seen, want)
		}
	}
}

func TestNotifierOrderHoldsAcrossConcurrentFires(t *testing.T) {
	m := newTestMachine(t, types.RoleScout)
	m.SetMissionType(types.MissionMOBSearch)

	var mu sync.Mutex
	var seen []Phase
	m.SetNotifier(func(p Phase) {
		// A slow observer of the first transition must not see the second
		// transition's notification overtake it.
		if p == PhasePreflight {
			time.Sleep(50 * time.Millisecond)
		}
		mu.Lock()
		seen = append(seen, p)
		mu.Unlock()
	})

	go m.Fire(TriggerStartMission)
	deadline := time.Now().Add(5 * time.Second)
	for !m.Fire(TriggerPreflightSuccess) {
		if time.Now().After(deadline) {
			t.Fatal("preflight_success never fired")
		}
		time.Sleep(time.Millisecond)
	}

	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("notifications never arrived")
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if seen[0] != PhasePreflight || seen[1] != PhaseTakeoff {
		t.Fatalf("notifications out of order: %v", seen)
	}
}

func TestEntryBehaviorIsCancelledOnExit(t *testing.T) {
	m := newTestMachine(t, types.RoleScout)
	m.SetMissionType(types.MissionMOBSearch)

	entered := make(chan struct{})
	cancelled := make(chan struct{})
	m.OnEnter(PhaseSearchPrimary, func(ctx context.Context) {
		close(entered)
		<-ctx.Done()
		close(cancelled)
	})

	fireAll(t, m, TriggerStartMission, TriggerPreflightSuccess, TriggerTakeoffSuccess)
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("entry behavior never started")
	}

	fireAll(t, m, TriggerEmergency)
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("leaving the phase should cancel its behavior")
	}
}

func TestTransitionsFromInsideBehaviorAreLegal(t *testing.T) {
	m := newTestMachine(t, types.RoleScout)
	m.SetMissionType(types.MissionMOBSearch)

	done := make(chan Phase, 1)
	m.OnEnter(PhaseSearchPrimary, func(ctx context.Context) {
		// A behavior deciding the search is over fires its own exit trigger.
		m.Fire(TriggerSearchCompleteNegative)
		done <- m.Phase()
	})

	fireAll(t, m, TriggerStartMission, TriggerPreflightSuccess, TriggerTakeoffSuccess)
	select {
	case p := <-done:
		if p != PhaseReturning {
			t.Errorf("behavior-initiated transition should land in RETURNING, got %s", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("behavior never ran")
	}
}
