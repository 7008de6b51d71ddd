// Package telemetrylog persists per-tick telemetry snapshots to a CSV file
// for post-mission analysis. Writing is best effort; a failed row never
// interrupts the mission.
package telemetrylog

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mobfleet/mobfleet/pkg/detect"
	"github.com/mobfleet/mobfleet/pkg/types"
)

var header = []string{
	"timestamp", "mission_state", "drone_id",
	"pos_x", "pos_y", "pos_z", "battery", "drone_state",
	"detection_count", "best_det_source", "best_det_confidence",
	"best_det_img_x", "best_det_img_y", "best_det_track_id",
}

// Recorder appends one CSV row per telemetry snapshot.
type Recorder struct {
	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
	paused bool
	log    *zap.Logger

	detectionCount int
	best           *detect.Detection
}

// New creates the log file under dir, named after the drone and start time.
func New(dir, droneID string, log *zap.Logger) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log dir %s: %w", dir, err)
	}
	name := fmt.Sprintf("%s_%s.csv", droneID, time.Now().Format("20060102_150405"))
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("creating telemetry log: %w", err)
	}
	r := &Recorder{file: f, writer: csv.NewWriter(f), log: log.Named("telemetrylog")}
	if err := r.writer.Write(header); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing csv header: %w", err)
	}
	r.writer.Flush()
	return r, nil
}

// ObserveDetection folds a sighting into the per-row detection summary.
// The highest-confidence sighting since the last row wins.
func (r *Recorder) ObserveDetection(d *detect.Detection) {
	if d == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detectionCount++
	if r.best == nil || d.Confidence > r.best.Confidence {
		r.best = d
	}
}

// Record appends one row. Rows written while paused are dropped silently.
func (r *Recorder) Record(droneID string, missionPhase string, tel types.Telemetry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paused || r.writer == nil {
		return
	}

	row := []string{
		time.Now().UTC().Format(time.RFC3339Nano),
		missionPhase,
		droneID,
		strconv.FormatFloat(tel.Position.X, 'f', 2, 64),
		strconv.FormatFloat(tel.Position.Y, 'f', 2, 64),
		strconv.FormatFloat(tel.Position.Z, 'f', 2, 64),
		strconv.FormatFloat(tel.Battery, 'f', 2, 64),
		string(tel.Mode),
		strconv.Itoa(r.detectionCount),
		"", "", "", "", "",
	}
	if r.best != nil {
		row[9] = r.best.Source
		row[10] = strconv.FormatFloat(r.best.Confidence, 'f', 3, 64)
		row[11] = strconv.Itoa(r.best.ImageX)
		row[12] = strconv.Itoa(r.best.ImageY)
		row[13] = r.best.TrackID
	}
	if err := r.writer.Write(row); err != nil {
		r.log.Warn("telemetry row dropped", zap.Error(err))
		return
	}
	r.writer.Flush()
}

// Pause suspends row writing.
func (r *Recorder) Pause() {
	r.mu.Lock()
	r.paused = true
	r.mu.Unlock()
}

// Resume re-enables row writing.
func (r *Recorder) Resume() {
	r.mu.Lock()
	r.paused = false
	r.mu.Unlock()
}

// Close flushes and closes the file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writer == nil {
		return nil
	}
	r.writer.Flush()
	err := r.file.Close()
	r.writer = nil
	return err
}
