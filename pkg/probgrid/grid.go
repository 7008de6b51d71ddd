// Package probgrid maintains the spatiotemporal probability field driving
// the man-overboard search: a square grid of cell probabilities that drifts
// with the current, shrinks under negative sensor observations, and yields
// the highest-probability cell as the next search waypoint.
package probgrid

import (
	"go.uber.org/zap"

	"github.com/mobfleet/mobfleet/pkg/config"
	"github.com/mobfleet/mobfleet/pkg/types"
)

// waypointSuppression is applied to a cell after it is handed out as a
// waypoint so consecutive requests fan out instead of revisiting the peak.
const waypointSuppression = 0.1

// Grid is the probability field. Not safe for concurrent use; the owner
// serializes access (the coordinator does so from its command goroutine).
type Grid struct {
	size     int
	cellSize float64
	// cells is row-major: cells[row*size+col]. Column index maps to x,
	// row index to y.
	cells []float64
	// centers holds the cell-center coordinate along one axis, relative to
	// the area center. centers[col] is an x offset, centers[row] a y offset.
	centers []float64

	areaX, areaY   float64
	searchAltitude float64
	rMax, hRef     float64
	missProb       float64
	driftX, driftY float64

	// carryX/carryY accumulate sub-cell drift between Evolve calls so slow
	// currents still move the field instead of truncating to zero.
	carryX, carryY float64

	log *zap.Logger
}

// New builds a grid from the probabilistic-search config, centered on the
// given search area, with a uniform prior.
func New(cfg config.ProbSearch, area config.SearchArea, log *zap.Logger) *Grid {
	g := &Grid{
		size:           cfg.GridSize,
		cellSize:       cfg.SearchAreaSizeM / float64(cfg.GridSize),
		cells:          make([]float64, cfg.GridSize*cfg.GridSize),
		centers:        make([]float64, cfg.GridSize),
		areaX:          area.X,
		areaY:          area.Y,
		searchAltitude: cfg.SearchAltitude,
		rMax:           cfg.RMax,
		hRef:           cfg.HRef,
		missProb:       cfg.MissProbability,
		driftX:         cfg.DriftXMS,
		driftY:         cfg.DriftYMS,
		log:            log.Named("probgrid"),
	}
	half := cfg.SearchAreaSizeM / 2.0
	for i := 0; i < g.size; i++ {
		g.centers[i] = -half + g.cellSize/2.0 + float64(i)*g.cellSize
	}
	g.Reset()
	g.log.Info("grid initialized",
		zap.Int("size", g.size),
		zap.Float64("cell_size_m", g.cellSize))
	return g
}

// Reset restores the uniform prior.
func (g *Grid) Reset() {
	uniform := 1.0 / float64(g.size*g.size)
	for i := range g.cells {
		g.cells[i] = uniform
	}
}

// NextWaypoint returns the world position of the highest-probability cell
// at search altitude, then suppresses that cell. Ties resolve to the lowest
// row, then lowest column.
func (g *Grid) NextWaypoint() types.Position {
	best := 0
	for i, p := range g.cells {
		if p > g.cells[best] {
			best = i
		}
	}
	row, col := best/g.size, best%g.size
	g.cells[best] *= waypointSuppression

	return types.Position{
		X: g.centers[col] + g.areaX,
		Y: g.centers[row] + g.areaY,
		Z: g.searchAltitude,
	}
}

// SensorRadius returns the detection radius at altitude h,
// r(h) = r_max * h / (h + h_ref). Radius grows with altitude but never
// exceeds r_max.
func (g *Grid) SensorRadius(altitude float64) float64 {
	return g.rMax * altitude / (altitude + g.hRef)
}

// Update applies one sensor observation. Without a detection, every cell
// inside the sensor radius (XY distance from the drone) is scaled by the
// miss probability and the grid is renormalized. A detection re-centers the
// field on the reported position.
func (g *Grid) Update(dronePos types.Position, altitude float64, hasDetection bool) {
	if hasDetection {
		g.ConfirmTargetAt(dronePos)
		return
	}

	radiusSq := g.SensorRadius(altitude)
	radiusSq *= radiusSq

	relX := dronePos.X - g.areaX
	relY := dronePos.Y - g.areaY
	for row := 0; row < g.size; row++ {
		dy := g.centers[row] - relY
		for col := 0; col < g.size; col++ {
			dx := g.centers[col] - relX
			if dx*dx+dy*dy < radiusSq {
				g.cells[row*g.size+col] *= g.missProb
			}
		}
	}
	g.normalize()
}

func (g *Grid) normalize() {
	total := 0.0
	for _, p := range g.cells {
		total += p
	}
	if total <= 0 {
		g.log.Warn("probability grid collapsed, re-initializing")
		g.Reset()
		return
	}
	inv := 1.0 / total
	for i := range g.cells {
		g.cells[i] *= inv
	}
}

// Evolve advects the field by the configured drift over dt seconds. Drift
// smaller than one cell accumulates across calls; whole-cell shifts wrap
// toroidally.
func (g *Grid) Evolve(dt float64) {
	g.carryX += g.driftX * dt / g.cellSize
	g.carryY += g.driftY * dt / g.cellSize

	dx := int(g.carryX)
	dy := int(g.carryY)
	if dx == 0 && dy == 0 {
		return
	}
	g.carryX -= float64(dx)
	g.carryY -= float64(dy)
	g.roll(dy, dx)
}

// roll shifts rows by dy and columns by dx with wraparound.
func (g *Grid) roll(dy, dx int) {
	shifted := make([]float64, len(g.cells))
	for row := 0; row < g.size; row++ {
		dstRow := mod(row+dy, g.size)
		for col := 0; col < g.size; col++ {
			dstCol := mod(col+dx, g.size)
			shifted[dstRow*g.size+dstCol] = g.cells[row*g.size+col]
		}
	}
	g.cells = shifted
}

func mod(a, n int) int {
	m := a % n
	if m < 0 {
		m += n
	}
	return m
}

// ConfirmTargetAt locks the field onto a confirmed target: all probability
// mass moves to the cell containing pos. Positions outside the area clamp
// to the nearest edge cell.
func (g *Grid) ConfirmTargetAt(pos types.Position) {
	for i := range g.cells {
		g.cells[i] = 0
	}
	half := float64(g.size) * g.cellSize / 2.0
	col := clamp(int((pos.X-g.areaX+half)/g.cellSize), 0, g.size-1)
	row := clamp(int((pos.Y-g.areaY+half)/g.cellSize), 0, g.size-1)
	g.cells[row*g.size+col] = 1.0
	g.log.Info("target confirmed, map locked",
		zap.Float64("x", pos.X), zap.Float64("y", pos.Y))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Total returns the current probability mass. It is 1.0 after an Update
// and may dip below between waypoint suppressions and the next renormalize.
func (g *Grid) Total() float64 {
	total := 0.0
	for _, p := range g.cells {
		total += p
	}
	return total
}

// Peak returns the highest cell probability.
func (g *Grid) Peak() float64 {
	best := 0.0
	for _, p := range g.cells {
		if p > best {
			best = p
		}
	}
	return best
}

// CellAt returns the probability of the cell at (row, col).
func (g *Grid) CellAt(row, col int) float64 {
	return g.cells[row*g.size+col]
}

// Size returns the grid dimension.
func (g *Grid) Size() int { return g.size }

// CellSize returns the edge length of one cell in meters.
func (g *Grid) CellSize() float64 { return g.cellSize }
