package types

import "fmt"

// Validation constraint constants.
const (
	MinLat = -90.0
	MaxLat = 90.0
	MinLon = -180.0
	MaxLon = 180.0
)

// ValidateLocation checks that a coordinate pair lies on the globe.
func ValidateLocation(lat, lon float64) error {
	if lat < MinLat || lat > MaxLat {
		return NewAppError(ErrCodeValidationInvalidLat,
			fmt.Sprintf("latitude %.6f outside [%.0f, %.0f]", lat, MinLat, MaxLat), nil)
	}
	if lon < MinLon || lon > MaxLon {
		return NewAppError(ErrCodeValidationInvalidLon,
			fmt.Sprintf("longitude %.6f outside [%.0f, %.0f]", lon, MinLon, MaxLon), nil)
	}
	return nil
}
