// README: Pure geographic helpers: haversine distance and coordinate validation.
// Package geo contains pure geographic computation helpers.
package geo

import (
	"math"
	"strings"

	"github.com/mmcloughlin/geohash"

	"dispatch/internal/types"
)

const (
	EarthRadiusKm = 6371.0

	// BucketPrecision is the geohash length of a spatial bucket key (~150m cells).
	BucketPrecision = 7
)

// HaversineKm returns the great-circle distance in kilometres between two points.
func HaversineKm(a, b types.Point) float64 {
	dLat := degreesToRadians(b.Lat - a.Lat)
	dLng := degreesToRadians(b.Lng - a.Lng)

	rLat1 := degreesToRadians(a.Lat)
	rLat2 := degreesToRadians(b.Lat)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return EarthRadiusKm * c
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

// ValidPoint rejects out-of-range coordinates, NaN and the (0,0) placeholder
// that clients send when no fix is available.
func ValidPoint(p types.Point) bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return false
	}
	if p.Lat < -90 || p.Lat > 90 || p.Lng < -180 || p.Lng > 180 {
		return false
	}
	return !(p.Lat == 0 && p.Lng == 0)
}

// BucketKey encodes p as a geohash spatial bucket.
func BucketKey(p types.Point) string {
	return geohash.EncodeWithPrecision(p.Lat, p.Lng, BucketPrecision)
}

// InAreas reports whether p falls inside any of the geohash prefixes.
// An empty list means the area is unrestricted.
func InAreas(p types.Point, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	key := geohash.EncodeWithPrecision(p.Lat, p.Lng, 12)
	for _, prefix := range prefixes {
		if prefix != "" && strings.HasPrefix(key, strings.ToLower(prefix)) {
			return true
		}
	}
	return false
}

// SortByDistance performs an insertion sort (fine for small N) on any slice
// where each element exposes a distance via the accessor function.
func SortByDistance[T any](items []T, dist func(T) float64) {
	for i := 1; i < len(items); i++ {
		key := items[i]
		j := i - 1
		for j >= 0 && dist(items[j]) > dist(key) {
			items[j+1] = items[j]
			j--
		}
		items[j+1] = key
	}
}
