// Package geo implements the proximity math behind nearby-listing search.
//
// Coordinates are resolved upstream and stored on locations; this package only
// measures them. Distances are great-circle distances on a spherical Earth
// (haversine), which is accurate to well under 0.5% at marketplace radii.
package geo

import (
	"errors"
	"math"
)

// EarthRadiusKm is the mean Earth radius used for all distance computations.
const EarthRadiusKm = 6371.0088

var (
	// ErrInvalidPoint is returned for latitudes outside [-90, 90] or
	// longitudes outside [-180, 180].
	ErrInvalidPoint = errors.New("geo: coordinates out of range")

	// ErrInvalidRadius is returned for non-positive search radii.
	ErrInvalidRadius = errors.New("geo: radius must be positive")
)

// Point is a WGS84 latitude/longitude pair in degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Validate checks that p lies on the globe.
func (p Point) Validate() error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lon) ||
		p.Lat < -90 || p.Lat > 90 || p.Lon < -180 || p.Lon > 180 {
		return ErrInvalidPoint
	}
	return nil
}

// DistanceKm returns the great-circle distance between a and b.
func DistanceKm(a, b Point) float64 {
	lat1 := radians(a.Lat)
	lat2 := radians(b.Lat)
	dLat := lat2 - lat1
	dLon := radians(b.Lon - a.Lon)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	// Clamp against rounding drift before asin.
	h = math.Min(1, math.Max(0, h))
	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(h))
}

// Within reports whether p lies within radiusKm of origin.
func Within(origin, p Point, radiusKm float64) bool {
	return DistanceKm(origin, p) <= radiusKm
}

// Box is a latitude/longitude rectangle. It is used as a cheap prefilter
// before the exact distance check; every point within the radius lies
// inside the box, not the reverse.
type Box struct {
	MinLat, MaxLat float64
	MinLon, MaxLon float64
}

// BoundingBox returns the box enclosing the circle of radiusKm around origin.
// Near the poles, or when the circle spans the antimeridian, the longitude
// range widens to the full [-180, 180].
func BoundingBox(origin Point, radiusKm float64) (Box, error) {
	if err := origin.Validate(); err != nil {
		return Box{}, err
	}
	if radiusKm <= 0 || math.IsNaN(radiusKm) {
		return Box{}, ErrInvalidRadius
	}

	dLat := degrees(radiusKm / EarthRadiusKm)
	box := Box{
		MinLat: math.Max(-90, origin.Lat-dLat),
		MaxLat: math.Min(90, origin.Lat+dLat),
		MinLon: -180,
		MaxLon: 180,
	}

	// The cap is widest north or south of the origin's parallel, at
	// asin(sin(r/R) / cos(lat)) of longitude.
	if box.MinLat > -90 && box.MaxLat < 90 {
		x := math.Sin(radiusKm/EarthRadiusKm) / math.Cos(radians(origin.Lat))
		if x >= 1 {
			return box, nil
		}
		dLon := degrees(math.Asin(x))
		if origin.Lon-dLon >= -180 && origin.Lon+dLon <= 180 {
			box.MinLon = origin.Lon - dLon
			box.MaxLon = origin.Lon + dLon
		}
	}
	return box, nil
}

// Contains reports whether p lies inside the box.
func (b Box) Contains(p Point) bool {
	return p.Lat >= b.MinLat && p.Lat <= b.MaxLat &&
		p.Lon >= b.MinLon && p.Lon <= b.MaxLon
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }
func degrees(rad float64) float64 { return rad * 180 / math.Pi }
