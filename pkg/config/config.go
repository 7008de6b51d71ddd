// Package config loads and validates the mission configuration file shared
// by the coordinator, the drone agents and the hub.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/mobfleet/mobfleet/pkg/types"
)

// MQTT is the broker endpoint.
type MQTT struct {
	Host string `yaml:"host" validate:"required"`
	Port int    `yaml:"port" validate:"required,min=1,max=65535"`
}

// GCS is the ground-station WebSocket bind address.
type GCS struct {
	Host string `yaml:"host" validate:"required"`
	Port int    `yaml:"port" validate:"required,min=1,max=65535"`
}

// Metrics is the optional Prometheus bind address on the coordinator.
type Metrics struct {
	Addr string `yaml:"addr"`
}

// Health holds the thresholds evaluated by the drone health monitor.
type Health struct {
	MinBatteryPreflight  float64 `yaml:"min_battery_preflight" validate:"min=0,max=100"`
	MinBatteryEmergency  float64 `yaml:"min_battery_emergency" validate:"min=0,max=100"`
	MinBatteryPatrolRTL  float64 `yaml:"min_battery_patrol_rtl" validate:"min=0,max=100"`
	MaxHeartbeatLatencyS float64 `yaml:"max_heartbeat_latency" validate:"gt=0"`
}

// Drone declares one fleet member.
type Drone struct {
	ID   string     `yaml:"id" validate:"required"`
	Type string     `yaml:"type" validate:"oneof=simulated real"`
	Role types.Role `yaml:"role" validate:"oneof=scout payload utility"`
}

// SearchArea is the center of the square search area.
type SearchArea struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
	Z float64 `yaml:"z"`
}

// SearchStrategy selects the coverage algorithm and area.
type SearchStrategy struct {
	Algorithm string     `yaml:"algorithm" validate:"oneof=vertical_ascent random lawnmower"`
	Area      SearchArea `yaml:"area"`
	Size      float64    `yaml:"size" validate:"gt=0"`
}

// FlightStrategy selects the approach algorithm.
type FlightStrategy struct {
	Algorithm string `yaml:"algorithm" validate:"oneof=precision_hover direct orbit"`
}

// Strategies groups the strategy selections.
type Strategies struct {
	Search SearchStrategy `yaml:"search"`
	Flight FlightStrategy `yaml:"flight"`
}

// Lawnmower configures the boustrophedon sweep.
type Lawnmower struct {
	PatrolAltitude float64 `yaml:"patrol_altitude" validate:"gt=0"`
	Spacing        float64 `yaml:"spacing" validate:"gt=0"`
	LegLength      float64 `yaml:"leg_length" validate:"gt=0"`
	NumLegs        int     `yaml:"num_legs" validate:"gt=0"`
}

// Orbit configures the overwatch circle.
type Orbit struct {
	Radius         float64 `yaml:"radius" validate:"gt=0"`
	Speed          float64 `yaml:"speed" validate:"gt=0"`
	AltitudeOffset float64 `yaml:"altitude_offset"`
}

// PrecisionHover configures the delivery hover offset.
type PrecisionHover struct {
	AltitudeOffset float64 `yaml:"altitude_offset"`
}

// ProbSearch configures the probability grid and its control loops.
type ProbSearch struct {
	GridSize         int     `yaml:"grid_size" validate:"gt=0"`
	SearchAreaSizeM  float64 `yaml:"search_area_size_m" validate:"gt=0"`
	SearchAltitude   float64 `yaml:"search_altitude" validate:"gt=0"`
	RMax             float64 `yaml:"r_max" validate:"gt=0"`
	HRef             float64 `yaml:"h_ref" validate:"gt=0"`
	MissProbability  float64 `yaml:"miss_probability" validate:"gt=0,lte=1"`
	EvolveIntervalS  float64 `yaml:"evolve_interval_s" validate:"gt=0"`
	WaypointInterval float64 `yaml:"waypoint_interval_s" validate:"gt=0"`
	DriftXMS         float64 `yaml:"drift_x_m_s"`
	DriftYMS         float64 `yaml:"drift_y_m_s"`
}

// Mission bounds the search behaviors.
type Mission struct {
	MaxSearchIterations  int `yaml:"max_search_iterations" validate:"gt=0"`
	SearchTimeoutSeconds int `yaml:"search_timeout_seconds" validate:"gt=0"`
}

// Logging configures file artifacts (CSV snapshots).
type Logging struct {
	LogDir string `yaml:"log_dir"`
}

// Settings is the root of the mission configuration file.
type Settings struct {
	MQTT           MQTT           `yaml:"mqtt"`
	GCS            GCS            `yaml:"gcs"`
	Metrics        Metrics        `yaml:"metrics"`
	Health         Health         `yaml:"health"`
	Drones         []Drone        `yaml:"drones" validate:"required,min=1,dive"`
	Strategies     Strategies     `yaml:"strategies"`
	Lawnmower      Lawnmower      `yaml:"lawnmower"`
	Orbit          Orbit          `yaml:"orbit"`
	PrecisionHover PrecisionHover `yaml:"precision_hover"`
	ProbSearch     ProbSearch     `yaml:"prob_search"`
	Mission        Mission        `yaml:"mission"`
	Logging        Logging        `yaml:"logging"`
}

// Defaults returns settings pre-populated with the values used when a field
// is omitted from the config file.
func Defaults() Settings {
	return Settings{
		MQTT:    MQTT{Host: "localhost", Port: 1883},
		GCS:     GCS{Host: "localhost", Port: 8765},
		Metrics: Metrics{Addr: ""},
		Health: Health{
			MinBatteryPreflight:  50.0,
			MinBatteryEmergency:  20.0,
			MinBatteryPatrolRTL:  30.0,
			MaxHeartbeatLatencyS: 5.0,
		},
		Strategies: Strategies{
			Search: SearchStrategy{Algorithm: "lawnmower", Size: 1000.0},
			Flight: FlightStrategy{Algorithm: "direct"},
		},
		Lawnmower:      Lawnmower{PatrolAltitude: 40.0, Spacing: 50.0, LegLength: 500.0, NumLegs: 10},
		Orbit:          Orbit{Radius: 100.0, Speed: 10.0, AltitudeOffset: 30.0},
		PrecisionHover: PrecisionHover{AltitudeOffset: 2.0},
		ProbSearch: ProbSearch{
			GridSize:         100,
			SearchAreaSizeM:  2000.0,
			SearchAltitude:   100.0,
			RMax:             500.0,
			HRef:             50.0,
			MissProbability:  0.1,
			EvolveIntervalS:  5.0,
			WaypointInterval: 10.0,
			DriftXMS:         0.5,
			DriftYMS:         0.2,
		},
		Mission: Mission{MaxSearchIterations: 30, SearchTimeoutSeconds: 300},
		Logging: Logging{LogDir: "logs"},
	}
}

// Load reads, parses and validates the config file at path. Any failure here
// is fatal: callers are expected to exit 1 before touching the bus.
func Load(path string) (Settings, error) {
	settings := Defaults()

	raw, err := os.ReadFile(path)
	if err != nil {
		return settings, fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &settings); err != nil {
		return settings, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	if err := validator.New().Struct(settings); err != nil {
		return settings, fmt.Errorf("validating config file %s: %w", path, err)
	}

	ids := make(map[string]struct{}, len(settings.Drones))
	for _, d := range settings.Drones {
		if _, dup := ids[d.ID]; dup {
			return settings, fmt.Errorf("duplicate drone id %q in config", d.ID)
		}
		ids[d.ID] = struct{}{}
	}
	return settings, nil
}

// FindDrone returns the config entry for droneID.
func (s Settings) FindDrone(droneID string) (Drone, bool) {
	for _, d := range s.Drones {
		if d.ID == droneID {
			return d, true
		}
	}
	return Drone{}, false
}
