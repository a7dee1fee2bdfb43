// Package geo resolves the storage backend geographically nearest a client.
// Resolution is a pure function over an explicit backend list so the
// documented tie-break rule stays trivially testable.
package geo

import (
	"math"

	"github.com/georelay/georelay/interfaces"
	"github.com/georelay/georelay/registry"
)

// earthRadiusMeters is the mean earth radius used by the haversine formula.
const earthRadiusMeters = 6371e3

// Distance returns the great-circle distance between two coordinates in
// meters, computed with the haversine formula (accurate to ~10 m, which is
// plenty for choosing between regions).
func Distance(a, b interfaces.Coordinates) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Nearest returns the backend with minimum distance to coords, or nil when
// coords is nil or the list is empty. Absence of a result is a normal
// outcome; the caller applies its configured default backend.
//
// Ties break to the first backend in declaration order: the scan compares
// with strict less-than, so an equidistant later backend never displaces an
// earlier one. This keeps resolution deterministic across instances.
func Nearest(coords *interfaces.Coordinates, backends []*registry.Backend) *registry.Backend {
	if coords == nil || len(backends) == 0 {
		return nil
	}

	var nearest *registry.Backend
	best := math.Inf(1)
	for _, backend := range backends {
		d := Distance(*coords, interfaces.Coordinates{
			Latitude:  backend.Latitude,
			Longitude: backend.Longitude,
		})
		if d < best {
			best = d
			nearest = backend
		}
	}
	return nearest
}
