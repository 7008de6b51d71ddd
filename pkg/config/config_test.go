package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mobfleet/mobfleet/pkg/types"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mission_config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

const minimalConfig = `
mqtt:
  host: broker.local
  port: 1883
drones:
  - id: scout_1
    type: simulated
    role: scout
  - id: payload_1
    type: simulated
    role: payload
`

func TestLoadAppliesDefaults(t *testing.T) {
	settings, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if settings.MQTT.Host != "broker.local" {
		t.Errorf("mqtt host not taken from file: %s", settings.MQTT.Host)
	}
	if settings.GCS.Port != 8765 {
		t.Errorf("gcs port default not applied: %d", settings.GCS.Port)
	}
	if settings.ProbSearch.GridSize != 100 {
		t.Errorf("grid size default not applied: %d", settings.ProbSearch.GridSize)
	}
	if settings.Health.MinBatteryPreflight != 50.0 {
		t.Errorf("preflight battery default not applied: %f", settings.Health.MinBatteryPreflight)
	}
	if settings.ProbSearch.DriftXMS != 0.5 || settings.ProbSearch.DriftYMS != 0.2 {
		t.Errorf("drift defaults not applied: %f/%f",
			settings.ProbSearch.DriftXMS, settings.ProbSearch.DriftYMS)
	}
}

func TestLoadRejectsBadRole(t *testing.T) {
	path := writeConfig(t, `
mqtt:
  host: localhost
  port: 1883
drones:
  - id: d1
    type: simulated
    role: bomber
`)
	if _, err := Load(path); err == nil {
		t.Fatal("unknown role should fail validation")
	}
}

func TestLoadRejectsDuplicateDroneIDs(t *testing.T) {
	path := writeConfig(t, `
mqtt:
  host: localhost
  port: 1883
drones:
  - id: d1
    type: simulated
    role: scout
  - id: d1
    type: simulated
    role: payload
`)
	if _, err := Load(path); err == nil {
		t.Fatal("duplicate drone ids should be rejected")
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("missing file should be an error")
	}
}

func TestFindDrone(t *testing.T) {
	settings, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	d, ok := settings.FindDrone("payload_1")
	if !ok {
		t.Fatal("payload_1 should be found")
	}
	if d.Role != types.RolePayload {
		t.Errorf("unexpected role %q", d.Role)
	}
	if _, ok := settings.FindDrone("ghost"); ok {
		t.Error("unknown drone should not be found")
	}
}
