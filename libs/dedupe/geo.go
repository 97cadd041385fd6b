package dedupe

import (
	"math"
	"time"
)

const (
	earthRadiusMeters = 6371000.0

	// DefaultRadiusMeters is the exclusive proximity bound for duplicates.
	DefaultRadiusMeters = 50.0
	// DefaultLookback is how far back existing reports are considered.
	DefaultLookback = 7 * 24 * time.Hour
	// DefaultSimilarityThreshold is the minimum score the ranker returns.
	DefaultSimilarityThreshold = 0.5
	// FallbackSimilarityScore is assigned to geo-proximate reports when the
	// ranker cannot answer.
	FallbackSimilarityScore = 0.8
)

// HaversineMeters returns the great-circle distance between two points.
func HaversineMeters(lat1, lng1, lat2, lng2 float64) float64 {
	toRad := func(deg float64) float64 {
		return deg * math.Pi / 180
	}
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*
			math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// FilterNearby keeps reports created strictly after since whose coordinates
// are present and lie strictly closer than radiusMeters to origin.
func FilterNearby(origin Point, reports []ExistingReport, radiusMeters float64, since time.Time) []ExistingReport {
	nearby := make([]ExistingReport, 0, len(reports))
	for _, report := range reports {
		if !report.Location.HasCoordinates() {
			continue
		}
		if !report.CreatedAt.After(since) {
			continue
		}
		distance := HaversineMeters(origin.Lat, origin.Lng, *report.Location.Latitude, *report.Location.Longitude)
		if distance < radiusMeters {
			nearby = append(nearby, report)
		}
	}
	return nearby
}
