package types

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Role is a drone's innate hardware role. It is static for the lifetime of
// the process and decides which mission types the drone will accept.
type Role string

const (
	RoleScout   Role = "scout"
	RolePayload Role = "payload"
	RoleUtility Role = "utility"
)

// VehicleMode is the flight controller's vehicle state (MAVLink-like). This
// is distinct from the mission phase: the controller owns the mode, the
// mission agent owns the phase, and telemetry carries both.
type VehicleMode string

const (
	ModeDisarmed  VehicleMode = "DISARMED"
	ModeArmed     VehicleMode = "ARMED"
	ModeTakingOff VehicleMode = "TAKING_OFF"
	ModeGuided    VehicleMode = "GUIDED"
	ModeLoiter    VehicleMode = "LOITER"
	ModeLanding   VehicleMode = "LANDING"
	ModeManual    VehicleMode = "MANUAL"
)

// MissionType is the mission context carried alongside the mission phase.
// It guards transitions that share a trigger (e.g. takeoff_success).
type MissionType string

const (
	MissionMOBSearch       MissionType = "MOB_SEARCH"
	MissionStandby         MissionType = "STANDBY"
	MissionPatrol          MissionType = "PATROL"
	MissionOverwatch       MissionType = "OVERWATCH"
	MissionPayloadDelivery MissionType = "PAYLOAD_DELIVERY"
	MissionIdle            MissionType = "IDLE"
)

// Position is a point in the local Cartesian frame, meters.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// DistanceTo returns the Euclidean distance to other.
func (p Position) DistanceTo(other Position) float64 {
	dx := p.X - other.X
	dy := p.Y - other.Y
	dz := p.Z - other.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

func (p Position) String() string {
	return fmt.Sprintf("(%.1f, %.1f, %.1f)", p.X, p.Y, p.Z)
}

// Telemetry is a per-drone snapshot. A new instance is produced on every
// health tick; snapshots are never mutated after creation.
type Telemetry struct {
	Position      Position    `json:"position"`
	AttitudeRoll  float64     `json:"attitude_roll"`
	AttitudePitch float64     `json:"attitude_pitch"`
	AttitudeYaw   float64     `json:"attitude_yaw"`
	Battery       float64     `json:"battery"`
	IsConnected   bool        `json:"is_connected"`
	Mode          VehicleMode `json:"state"`
	LEDColor      string      `json:"led_color"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
}

// --- Bus topics ---

const (
	TopicFleetConnect     = "fleet/connect"
	TopicMissionStart     = "mission/start"
	TopicTargetFound      = "fleet/event/target_found"
	TopicConfirmation     = "fleet/event/confirmation"
	TopicMapUpdate        = "fleet/map/update"
	TopicTelemetryPrefix  = "fleet/telemetry/"
	TopicStatePrefix      = "fleet/state/"
	TopicEventPrefix      = "fleet/event/"
	TopicCommandPrefix    = "drone/command/"
	TopicUplinkPrefix     = "global_hq/uplink/"
	TopicTelemetryPattern = "fleet/telemetry/+"
	TopicStatePattern     = "fleet/state/+"
	TopicEventPattern     = "fleet/event/+"
)

// TelemetryTopic returns the telemetry topic for a drone.
func TelemetryTopic(droneID string) string { return TopicTelemetryPrefix + droneID }

// StateTopic returns the state-change topic for a drone.
func StateTopic(droneID string) string { return TopicStatePrefix + droneID }

// EventTopic returns the event topic for a drone.
func EventTopic(droneID string) string { return TopicEventPrefix + droneID }

// CommandTopic returns the command topic for a drone.
func CommandTopic(droneID string) string { return TopicCommandPrefix + droneID }

// TopicSuffix returns the last segment of a topic (usually the drone_id).
func TopicSuffix(topic string) string {
	idx := strings.LastIndexByte(topic, '/')
	if idx < 0 {
		return topic
	}
	return topic[idx+1:]
}

// --- Commands (drone/command/<id>) ---

const (
	CmdStartMission     = "START_MISSION"
	CmdStartPatrol      = "START_PATROL"
	CmdStartOverwatch   = "START_OVERWATCH"
	CmdStartVideoStream = "START_VIDEO_STREAM"
	CmdLaunchAndStandby = "LAUNCH_AND_STANDBY"
	CmdGotoWaypoint     = "GOTO_WAYPOINT"
	CmdConfirmTarget    = "OPERATOR_CONFIRM_TARGET"
	CmdRejectTarget     = "OPERATOR_REJECT_TARGET"
	CmdReturnToHome     = "RETURN_TO_HOME"
)

// --- Mission start trigger types (mission/start) ---

const (
	StartMOBEmergency     = "MOB_EMERGENCY"
	StartGeneralEmergency = "GENERAL_EMERGENCY"
	StartHullInspection   = "UTILITY_HULL_INSPECTION"
)

// --- Fleet event types (fleet/event/<id>) ---

const (
	EventPendingConfirmation   = "PENDING_CONFIRMATION"
	EventTargetDeliveryRequest = "TARGET_DELIVERY_REQUEST"
	EventAIDetection           = "AI_DETECTION"
)

// --- Wire payloads ---

// ConnectPayload announces a drone coming online.
type ConnectPayload struct {
	DroneID string `json:"drone_id"`
	Role    Role   `json:"role"`
}

// StatePayload is published on every mission phase change.
type StatePayload struct {
	State   string `json:"state"`
	DroneID string `json:"drone_id"`
	Role    Role   `json:"role"`
}

// TelemetryPayload is the telemetry snapshot plus the current mission phase.
type TelemetryPayload struct {
	Telemetry
	MissionPhase string `json:"mission_phase"`
}

// EventPayload is the envelope for fleet/event/<id> messages.
type EventPayload struct {
	Type string    `json:"type"`
	Data EventData `json:"data"`
}

// EventData carries the union of fields used by the fleet event types.
type EventData struct {
	DroneID    string    `json:"drone_id,omitempty"`
	Position   *Position `json:"position,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
}

// TargetFoundPayload is broadcast by a scout after operator confirmation.
type TargetFoundPayload struct {
	Position    Position `json:"position"`
	SourceDrone string   `json:"source_drone"`
}

// ConfirmationPayload is addressed to the drone awaiting operator judgment.
type ConfirmationPayload struct {
	DroneID string `json:"drone_id"`
	Type    string `json:"type"` // OPERATOR_CONFIRM_TARGET or OPERATOR_REJECT_TARGET
}

// MapUpdatePayload is the gossip observation shared between search drones.
type MapUpdatePayload struct {
	DroneID      string   `json:"drone_id"`
	Position     Position `json:"position"`
	Altitude     float64  `json:"altitude"`
	HasDetection bool     `json:"has_detection"`
}

// MissionStartPayload is the global mission trigger.
type MissionStartPayload struct {
	Type     string    `json:"type"`
	Position *Position `json:"position,omitempty"`
}

// CommandPayload is a directed command on drone/command/<id>.
type CommandPayload struct {
	Command  string    `json:"command"`
	Type     string    `json:"type,omitempty"`
	Position *Position `json:"position,omitempty"`
}
