// Package mission implements the per-drone mission state machine: an
// explicit phase enum, a declarative transition table guarded by role and
// mission type, and cancellable entry behaviors.
package mission

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/mobfleet/mobfleet/pkg/types"
)

// Phase is a mission state. Distinct from types.VehicleMode, which belongs
// to the flight controller.
type Phase string

const (
	PhaseIdle      Phase = "IDLE"
	PhasePreflight Phase = "PREFLIGHT"
	PhaseTakeoff   Phase = "TAKEOFF"

	PhaseSearchPrimary    Phase = "ROLE_SEARCH_PRIMARY"
	PhaseSearchDeliver    Phase = "ROLE_SEARCH_DELIVER"
	PhaseSearchAssist     Phase = "ROLE_SEARCH_ASSIST"
	PhaseEmergencyEyes    Phase = "ROLE_EMERGENCY_EYES"
	PhaseEmergencyStandby Phase = "ROLE_EMERGENCY_STANDBY"
	PhaseEmergencyAssist  Phase = "ROLE_EMERGENCY_ASSIST"
	PhaseUtilityTask      Phase = "ROLE_UTILITY_TASK"

	PhasePendingConfirmation Phase = "TARGET_PENDING_CONFIRMATION"
	PhaseTargetConfirmed     Phase = "TARGET_CONFIRMED"
	PhaseDelivering          Phase = "DELIVERING"
	PhaseReturning           Phase = "RETURNING"
	PhaseLanding             Phase = "LANDING"
	PhaseCompleted           Phase = "COMPLETED"
	PhaseEmergency           Phase = "EMERGENCY"
	PhaseOperatorControl     Phase = "LOCAL_OPERATOR_CONTROL"
)

// IsSearching reports whether the phase is an active search role.
func (p Phase) IsSearching() bool {
	return p == PhaseSearchPrimary || p == PhaseSearchAssist
}

// Trigger fires a transition.
type Trigger string

const (
	TriggerStartMission   Trigger = "start_mission"
	TriggerStartStandby   Trigger = "start_standby_mission"
	TriggerStartPatrol    Trigger = "start_patrol_mission"
	TriggerStartOverwatch Trigger = "start_overwatch_mission"
	TriggerStartDelivery  Trigger = "start_delivery_mission"

	TriggerPreflightSuccess Trigger = "preflight_success"
	TriggerTakeoffSuccess   Trigger = "takeoff_success"

	TriggerTargetSighted Trigger = "target_sighted"
	TriggerConfirmTarget Trigger = "confirm_target"
	TriggerRejectTarget  Trigger = "reject_target"

	TriggerSearchCompleteNegative Trigger = "search_complete_negative"
	TriggerDeliveryRequestSent    Trigger = "delivery_request_sent"
	TriggerDeliveryComplete       Trigger = "delivery_complete"
	TriggerPatrolComplete         Trigger = "patrol_complete"
	TriggerPatrolBatteryLow       Trigger = "patrol_battery_low"
	TriggerOverwatchComplete      Trigger = "overwatch_complete"

	TriggerArrivedHome  Trigger = "arrived_home"
	TriggerLandComplete Trigger = "land_complete"

	TriggerEmergency        Trigger = "trigger_emergency"
	TriggerOperatorTakeover Trigger = "local_operator_takeover"
	TriggerOperatorRelease  Trigger = "local_operator_release"

	TriggerMissionFinished    Trigger = "mission_finished"
	TriggerResetFromEmergency Trigger = "reset_from_emergency"
)

// guard decides whether a transition row applies given the drone's role and
// the mission type in effect. A nil guard always applies.
type guard func(role types.Role, mt types.MissionType) bool

func isScout(r types.Role, _ types.MissionType) bool   { return r == types.RoleScout }
func isUtility(r types.Role, _ types.MissionType) bool { return r == types.RoleUtility }

func missionIs(want types.MissionType) guard {
	return func(_ types.Role, mt types.MissionType) bool { return mt == want }
}

func and(gs ...guard) guard {
	return func(r types.Role, mt types.MissionType) bool {
		for _, g := range gs {
			if !g(r, mt) {
				return false
			}
		}
		return true
	}
}

// anyPhase in a row's sources means the transition applies from every phase
// except those listed in excluding.
const anyPhase Phase = "*"

type transition struct {
	trigger   Trigger
	from      []Phase
	excluding []Phase
	to        Phase
	when      guard
}

// table is checked in order; the first matching row wins.
var table = []transition{
	{trigger: TriggerStartMission, from: []Phase{PhaseIdle, PhaseUtilityTask}, to: PhasePreflight},
	{trigger: TriggerStartStandby, from: []Phase{PhaseIdle, PhaseUtilityTask}, to: PhasePreflight},
	{trigger: TriggerStartPatrol, from: []Phase{PhaseIdle}, to: PhasePreflight},
	{trigger: TriggerStartOverwatch, from: []Phase{PhaseIdle, PhaseUtilityTask}, to: PhasePreflight},
	// An airborne standby payload skips preflight and delivers directly; a
	// grounded one runs the full launch sequence.
	{trigger: TriggerStartDelivery, from: []Phase{PhaseEmergencyStandby}, to: PhaseDelivering},
	{trigger: TriggerStartDelivery, from: []Phase{PhaseIdle}, to: PhasePreflight},

	{trigger: TriggerPreflightSuccess, from: []Phase{PhasePreflight}, to: PhaseTakeoff},

	{trigger: TriggerTakeoffSuccess, from: []Phase{PhaseTakeoff}, to: PhaseSearchPrimary,
		when: and(isScout, missionIs(types.MissionMOBSearch))},
	{trigger: TriggerTakeoffSuccess, from: []Phase{PhaseTakeoff}, to: PhaseSearchAssist,
		when: and(isUtility, missionIs(types.MissionMOBSearch))},
	{trigger: TriggerTakeoffSuccess, from: []Phase{PhaseTakeoff}, to: PhaseEmergencyStandby,
		when: missionIs(types.MissionStandby)},
	{trigger: TriggerTakeoffSuccess, from: []Phase{PhaseTakeoff}, to: PhaseUtilityTask,
		when: missionIs(types.MissionPatrol)},
	{trigger: TriggerTakeoffSuccess, from: []Phase{PhaseTakeoff}, to: PhaseEmergencyEyes,
		when: and(isScout, missionIs(types.MissionOverwatch))},
	{trigger: TriggerTakeoffSuccess, from: []Phase{PhaseTakeoff}, to: PhaseEmergencyAssist,
		when: and(isUtility, missionIs(types.MissionOverwatch))},
	{trigger: TriggerTakeoffSuccess, from: []Phase{PhaseTakeoff}, to: PhaseDelivering,
		when: missionIs(types.MissionPayloadDelivery)},

	{trigger: TriggerTargetSighted, from: []Phase{PhaseSearchPrimary, PhaseSearchAssist},
		to: PhasePendingConfirmation},
	{trigger: TriggerConfirmTarget, from: []Phase{PhasePendingConfirmation}, to: PhaseTargetConfirmed},
	{trigger: TriggerRejectTarget, from: []Phase{PhasePendingConfirmation}, to: PhaseSearchPrimary,
		when: isScout},
	{trigger: TriggerRejectTarget, from: []Phase{PhasePendingConfirmation}, to: PhaseSearchAssist,
		when: isUtility},

	{trigger: TriggerSearchCompleteNegative, from: []Phase{PhaseSearchPrimary, PhaseSearchAssist},
		to: PhaseReturning},
	{trigger: TriggerDeliveryRequestSent, from: []Phase{PhaseTargetConfirmed}, to: PhaseReturning},
	{trigger: TriggerDeliveryComplete, from: []Phase{PhaseDelivering}, to: PhaseReturning},
	{trigger: TriggerPatrolComplete, from: []Phase{PhaseUtilityTask}, to: PhaseReturning},
	{trigger: TriggerPatrolBatteryLow, from: []Phase{PhaseUtilityTask}, to: PhaseReturning},
	{trigger: TriggerOverwatchComplete, from: []Phase{PhaseEmergencyEyes, PhaseEmergencyAssist},
		to: PhaseReturning},

	{trigger: TriggerArrivedHome, from: []Phase{PhaseReturning}, to: PhaseLanding},
	{trigger: TriggerLandComplete, from: []Phase{PhaseLanding}, to: PhaseCompleted},

	// Re-firing the trigger inside EMERGENCY must not restart (and cancel)
	// the landing behavior; the health monitor keeps firing while telemetry
	// stays unhealthy.
	{trigger: TriggerEmergency, from: []Phase{anyPhase},
		excluding: []Phase{PhaseEmergency}, to: PhaseEmergency},
	{trigger: TriggerOperatorTakeover, from: []Phase{anyPhase},
		excluding: []Phase{PhaseEmergency, PhaseOperatorControl}, to: PhaseOperatorControl},
	{trigger: TriggerOperatorRelease, from: []Phase{PhaseOperatorControl}, to: PhaseReturning},

	{trigger: TriggerMissionFinished, from: []Phase{PhaseCompleted}, to: PhaseIdle},
	{trigger: TriggerResetFromEmergency, from: []Phase{PhaseEmergency}, to: PhaseIdle},
}

// EntryFunc is a state's behavior, run on entry. The context is cancelled
// when the machine leaves the state.
type EntryFunc func(ctx context.Context)

// Notifier observes every phase change, in order.
type Notifier func(phase Phase)

// Machine is one drone's state machine.
type Machine struct {
	role types.Role
	log  *zap.Logger

	mu          sync.Mutex
	phase       Phase
	missionType types.MissionType
	entries     map[Phase]EntryFunc
	notify      Notifier

	// notifyMu pins each notifier call to its transition: held from commit
	// through the callback, so observers see phase changes in commit order.
	// The notifier must not call back into the machine.
	notifyMu sync.Mutex

	baseCtx   context.Context
	behaviors sync.WaitGroup
	cancel    context.CancelFunc
}

// New creates a machine in IDLE with mission type IDLE. Behavior contexts
// descend from baseCtx, so cancelling it stops any running behavior.
func New(baseCtx context.Context, role types.Role, log *zap.Logger) *Machine {
	return &Machine{
		role:        role,
		log:         log.Named("mission"),
		phase:       PhaseIdle,
		missionType: types.MissionIdle,
		entries:     make(map[Phase]EntryFunc),
		baseCtx:     baseCtx,
	}
}

// OnEnter registers the behavior for a phase. Must be called before the
// first Fire.
func (m *Machine) OnEnter(phase Phase, fn EntryFunc) { m.entries[phase] = fn }

// SetNotifier registers the phase-change observer. Must be called before
// the first Fire.
func (m *Machine) SetNotifier(n Notifier) { m.notify = n }

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// MissionType returns the mission type in effect.
func (m *Machine) MissionType() types.MissionType {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.missionType
}

// SetMissionType records the mission context consulted by guards. Set by
// the agent before firing a start trigger.
func (m *Machine) SetMissionType(mt types.MissionType) {
	m.mu.Lock()
	m.missionType = mt
	m.mu.Unlock()
}

// Fire attempts a transition. Unmatched triggers are rejected silently
// (logged at debug) and return false; callers must tolerate rejection. On
// success the previous behavior's context is cancelled, the notifier runs,
// and the new phase's behavior starts in its own goroutine. Notifier calls
// are serialized in transition order, even across concurrent Fires.
func (m *Machine) Fire(trigger Trigger) bool {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	row, ok := m.match(trigger)
	if !ok {
		phase := m.phase
		m.mu.Unlock()
		m.log.Debug("trigger rejected",
			zap.String("trigger", string(trigger)), zap.String("phase", string(phase)))
		return false
	}

	from := m.phase
	m.phase = row.to
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	entry := m.entries[row.to]
	var ctx context.Context
	if entry != nil {
		ctx, m.cancel = context.WithCancel(m.baseCtx)
	}
	notify := m.notify
	m.mu.Unlock()

	m.log.Info("state changed",
		zap.String("trigger", string(trigger)),
		zap.String("from", string(from)),
		zap.String("to", string(row.to)))
	if notify != nil {
		notify(row.to)
	}
	if entry != nil {
		m.behaviors.Add(1)
		go func() {
			defer m.behaviors.Done()
			entry(ctx)
		}()
	}
	return true
}

func (m *Machine) match(trigger Trigger) (transition, bool) {
	for _, row := range table {
		if row.trigger != trigger {
			continue
		}
		if !phaseMatches(row, m.phase) {
			continue
		}
		if row.when != nil && !row.when(m.role, m.missionType) {
			continue
		}
		return row, true
	}
	return transition{}, false
}

func phaseMatches(row transition, current Phase) bool {
	for _, ex := range row.excluding {
		if ex == current {
			return false
		}
	}
	for _, f := range row.from {
		if f == anyPhase || f == current {
			return true
		}
	}
	return false
}

// Stop cancels the running behavior and waits for behaviors to return.
func (m *Machine) Stop() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.mu.Unlock()
	m.behaviors.Wait()
}
