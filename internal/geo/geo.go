// Package geo implements great-circle distance and radius filtering for listings.
// Everything here is pure and deterministic.
package geo

import (
	"fmt"
	"math"

	"foodbridge/core/internal/models"
)

const (
	// EarthRadiusKm is the mean Earth radius used by the Haversine formula.
	EarthRadiusKm = 6371.0
	// MaxPlausibleKm bounds distances; anything farther indicates bad coordinates.
	MaxPlausibleKm = 1000.0
)

func deg2rad(deg float64) float64 {
	return deg * (math.Pi / 180)
}

// CalculateDistance returns the Haversine distance in kilometres between two points.
func CalculateDistance(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := deg2rad(lat2 - lat1)
	dLng := deg2rad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(deg2rad(lat1))*math.Cos(deg2rad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

// Known reports whether d is usable for filtering.
func Known(d float64) bool {
	return !math.IsNaN(d) && !math.IsInf(d, 0) && d >= 0 && d <= MaxPlausibleKm
}

// DistanceTo is the distance from origin to the listing's pickup point.
func DistanceTo(origin models.Coords, l *models.Listing) float64 {
	return CalculateDistance(origin.Latitude, origin.Longitude, l.PickupLocation.Latitude, l.PickupLocation.Longitude)
}

// FilterByRadius keeps listings within radiusKm of origin, boundary inclusive.
// Listings with an unknown distance are dropped.
func FilterByRadius(listings []models.Listing, origin models.Coords, radiusKm float64) []models.Listing {
	out := make([]models.Listing, 0, len(listings))
	for i := range listings {
		d := DistanceTo(origin, &listings[i])
		if !Known(d) {
			continue
		}
		if d <= radiusKm {
			out = append(out, listings[i])
		}
	}
	return out
}

// ListingDistance pairs a listing with its distance for display. DistanceKm is nil when unknown.
type ListingDistance struct {
	models.Listing
	DistanceKm *float64 `json:"distance_km"`
	Distance   string   `json:"distance"`
}

// Annotate attaches display distances without dropping anything.
func Annotate(listings []models.Listing, origin models.Coords) []ListingDistance {
	out := make([]ListingDistance, 0, len(listings))
	for _, l := range listings {
		ld := ListingDistance{Listing: l, Distance: "distance unknown"}
		d := DistanceTo(origin, &l)
		if Known(d) {
			ld.DistanceKm = &d
			ld.Distance = FormatDistance(d)
		}
		out = append(out, ld)
	}
	return out
}

// FormatDistance renders metres below one kilometre, otherwise kilometres with one decimal.
func FormatDistance(km float64) string {
	if km < 1 {
		return fmt.Sprintf("%dm", int(math.Round(km*1000)))
	}
	return fmt.Sprintf("%.1fkm", km)
}

// ValidCoords checks latitude and longitude ranges.
func ValidCoords(lat, lng float64) bool {
	return !math.IsNaN(lat) && !math.IsNaN(lng) && lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}
