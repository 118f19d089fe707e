package prediction

import (
	"math"
	"time"

	"riskgrid/internal/types"
)

// EarthRadiusKm is the mean Earth radius used for great-circle distances.
const EarthRadiusKm = 6371.0

// HaversineKm returns the great-circle distance between a and b.
func HaversineKm(a, b types.Location) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// filter selects rows inside an optional radius and an optional time window.
type filter struct {
	center   *types.Location
	radiusKm float64

	timed    bool
	from, to time.Time
}

func newFilter(req Request, horizonHours float64) filter {
	f := filter{}
	if req.Center != nil && req.RadiusKm > 0 {
		f.center = req.Center
		f.radiusKm = req.RadiusKm
	}
	if req.ObservedAt != nil {
		half := time.Duration(horizonHours / 2 * float64(time.Hour))
		f.timed = true
		f.from = req.ObservedAt.Add(-half)
		f.to = req.ObservedAt.Add(half)
	}
	return f
}

func (f filter) active() bool { return f.center != nil || f.timed }

func (f filter) keep(row types.EncodedRow) bool {
	if f.center != nil {
		at := types.Location{
			Lat: row.Features[types.FeatureLatitude],
			Lon: row.Features[types.FeatureLongitude],
		}
		if HaversineKm(*f.center, at) > f.radiusKm {
			return false
		}
	}
	if f.timed {
		if row.Timestamp == nil || row.Timestamp.Before(f.from) || row.Timestamp.After(f.to) {
			return false
		}
	}
	return true
}
