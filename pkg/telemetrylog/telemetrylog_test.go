package telemetrylog

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/mobfleet/mobfleet/pkg/detect"
	"github.com/mobfleet/mobfleet/pkg/types"
)

func readRows(t *testing.T, dir string) [][]string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one log file in %s, err=%v", dir, err)
	}
	f, err := os.Open(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	return rows
}

func TestRecorderWritesHeaderAndRows(t *testing.T) {
	dir := t.TempDir()
	r, err := New(dir, "scout_1", zap.NewNop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	tel := types.Telemetry{
		Position: types.Position{X: 1.5, Y: -2.25, Z: 40.0},
		Battery:  87.5,
		Mode:     types.ModeGuided,
	}
	r.ObserveDetection(&detect.Detection{
		ImageX: 320, ImageY: 240, Confidence: 0.4, Source: "thermal",
	})
	r.ObserveDetection(&detect.Detection{
		ImageX: 100, ImageY: 90, Confidence: 0.9, Source: "rgb", TrackID: "t7",
	})
	r.Record("scout_1", "ROLE_SEARCH_PRIMARY", tel)
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	rows := readRows(t, dir)
	if len(rows) != 2 {
		t.Fatalf("expected header + 1 row, got %d rows", len(rows))
	}
	if rows[0][0] != "timestamp" || rows[0][len(rows[0])-1] != "best_det_track_id" {
		t.Errorf("unexpected header: %v", rows[0])
	}
	row := rows[1]
	if row[1] != "ROLE_SEARCH_PRIMARY" || row[2] != "scout_1" {
		t.Errorf("phase/id wrong: %v", row)
	}
	if row[7] != "GUIDED" {
		t.Errorf("drone_state = %q, want GUIDED", row[7])
	}
	if row[8] != "2" {
		t.Errorf("detection_count = %q, want 2", row[8])
	}
	// Highest-confidence sighting wins the best_det columns.
	if row[9] != "rgb" || row[10] != "0.900" || row[13] != "t7" {
		t.Errorf("best detection columns wrong: %v", row)
	}
}

func TestPauseSuppressesRows(t *testing.T) {
	dir := t.TempDir()
	r, err := New(dir, "payload_1", zap.NewNop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	tel := types.Telemetry{Mode: types.ModeLoiter, Battery: 50.0}

	r.Pause()
	r.Record("payload_1", "DELIVERING", tel)
	r.Resume()
	r.Record("payload_1", "DELIVERING", tel)
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	rows := readRows(t, dir)
	if len(rows) != 2 { // header + the post-resume row only
		t.Fatalf("paused rows should be dropped, got %d rows", len(rows))
	}
}
