package prediction

import (
	"fmt"
	"math"
	"sort"

	"riskgrid/internal/stats"
	"riskgrid/internal/types"
)

// Heatmap grid resolution and hotspot count.
const (
	CellPrecision   = 3
	DefaultHotspots = 5
)

// Point is one heatmap cell: the mean score of every scored point that
// rounds to the cell's coordinates.
type Point struct {
	ID        string  `json:"id"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Intensity float64 `json:"intensity"`
	Count     int     `json:"count"`
}

// Heatmap lists every cell by descending intensity, plus the top cells.
type Heatmap struct {
	Points   []Point `json:"points"`
	Hotspots []Point `json:"hotspots"`
}

type cellKey struct{ lat, lng int64 }

type cell struct {
	sum   float64
	count int
}

// Aggregator groups scored points into a coarse grid. Not safe for
// concurrent use.
type Aggregator struct {
	scale float64
	cells map[cellKey]*cell
}

// NewAggregator returns an empty aggregator at CellPrecision decimals.
func NewAggregator() *Aggregator {
	return &Aggregator{
		scale: math.Pow(10, CellPrecision),
		cells: make(map[cellKey]*cell),
	}
}

// Add folds one scored point into its cell.
func (a *Aggregator) Add(p types.ScoredPoint) {
	k := cellKey{
		lat: int64(math.Round(p.Latitude * a.scale)),
		lng: int64(math.Round(p.Longitude * a.scale)),
	}
	c, ok := a.cells[k]
	if !ok {
		c = &cell{}
		a.cells[k] = c
	}
	c.sum += p.Score
	c.count++
}

// Len is the number of occupied cells.
func (a *Aggregator) Len() int { return len(a.cells) }

// Heatmap ranks cells by intensity, then count, then id.
func (a *Aggregator) Heatmap(hotspots int) Heatmap {
	if hotspots <= 0 {
		hotspots = DefaultHotspots
	}
	points := make([]Point, 0, len(a.cells))
	for k, c := range a.cells {
		lat := float64(k.lat) / a.scale
		lng := float64(k.lng) / a.scale
		points = append(points, Point{
			ID:        fmt.Sprintf("%.*f,%.*f", CellPrecision, lat, CellPrecision, lng),
			Lat:       lat,
			Lng:       lng,
			Intensity: stats.Round(c.sum/float64(c.count), 4),
			Count:     c.count,
		})
	}
	sort.Slice(points, func(i, j int) bool {
		if points[i].Intensity != points[j].Intensity {
			return points[i].Intensity > points[j].Intensity
		}
		if points[i].Count != points[j].Count {
			return points[i].Count > points[j].Count
		}
		return points[i].ID < points[j].ID
	})
	top := points[:min(hotspots, len(points))]
	return Heatmap{Points: points, Hotspots: append([]Point(nil), top...)}
}
