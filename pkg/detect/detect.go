// Package detect defines the detection contract between the mission agent
// and whatever vision system rides on the airframe. The fleet only depends
// on the interface; real inference runs out of process.
package detect

import (
	"context"
	"math/rand"
	"sync"

	"github.com/google/uuid"

	"github.com/mobfleet/mobfleet/pkg/types"
)

// Detection is one sighting reported by a detector.
type Detection struct {
	// ImageX/ImageY locate the sighting in the camera frame.
	ImageX int `json:"img_x"`
	ImageY int `json:"img_y"`
	// World is the estimated world position, nil when the detector cannot
	// geolocate.
	World      *types.Position `json:"world,omitempty"`
	Confidence float64         `json:"confidence"`
	IsPerson   bool            `json:"is_person"`
	Source     string          `json:"source"`
	TrackID    string          `json:"track_id,omitempty"`
}

// Detector performs one point scan at the drone's current position.
// Scan returns nil when nothing was sighted.
type Detector interface {
	Scan(ctx context.Context, pos types.Position) (*Detection, error)
}

// Scripted replays a fixed sequence of scan results, one per call, then
// reports nothing. It drives simulations and the search-loop tests.
type Scripted struct {
	mu      sync.Mutex
	results []*Detection
}

// NewScripted builds a detector that returns the given results in order.
// Nil entries are valid and mean "no sighting on that scan".
func NewScripted(results ...*Detection) *Scripted {
	return &Scripted{results: results}
}

// Scan pops the next scripted result.
func (s *Scripted) Scan(_ context.Context, pos types.Position) (*Detection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.results) == 0 {
		return nil, nil
	}
	next := s.results[0]
	s.results = s.results[1:]
	if next != nil && next.World == nil {
		// Geolocate at the scan position when the script leaves it open.
		p := pos
		next.World = &p
	}
	return next, nil
}

// None is a detector that never sights anything.
type None struct{}

// Scan always reports no sighting.
func (None) Scan(context.Context, types.Position) (*Detection, error) { return nil, nil }

// Simulated hides a casualty at a fixed position and sights it when a scan
// happens within range, with a per-scan hit probability. It stands in for
// the onboard vision stack in simulation runs.
type Simulated struct {
	target  types.Position
	rangeM  float64
	hitProb float64

	mu    sync.Mutex
	rng   *rand.Rand
	track string
}

// NewSimulated builds a detector for a casualty at target, sightable within
// rangeM meters with probability hitProb per scan.
func NewSimulated(target types.Position, rangeM, hitProb float64, seed int64) *Simulated {
	return &Simulated{
		target:  target,
		rangeM:  rangeM,
		hitProb: hitProb,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// Scan sights the hidden target when pos is within range and the dice
// agree. Repeat sightings reuse the same track ID.
func (s *Simulated) Scan(_ context.Context, pos types.Position) (*Detection, error) {
	surface := pos
	surface.Z = 0
	if surface.DistanceTo(s.target) > s.rangeM {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rng.Float64() > s.hitProb {
		return nil, nil
	}
	if s.track == "" {
		s.track = uuid.NewString()
	}
	world := s.target
	return &Detection{
		ImageX:     s.rng.Intn(640),
		ImageY:     s.rng.Intn(480),
		World:      &world,
		Confidence: 0.75 + 0.2*s.rng.Float64(),
		IsPerson:   true,
		Source:     "thermal",
		TrackID:    s.track,
	}, nil
}
