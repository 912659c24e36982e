package geo

import (
	"errors"
	"fmt"
	"math"
)

// EarthRadiusMeters is the mean Earth radius used by the haversine formula.
const EarthRadiusMeters = 6371000.0

// ErrInvalidCoordinate is returned for NaN, infinite or out-of-range input.
var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Point is a WGS84 coordinate in degrees.
type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Circle is a geofence described by a center and a radius in meters.
type Circle struct {
	Center       Point
	RadiusMeters float64
}

// Validate rejects NaN/Inf and latitudes outside ±90° or longitudes outside ±180°.
func (p Point) Validate() error {
	if math.IsNaN(p.Latitude) || math.IsInf(p.Latitude, 0) || p.Latitude < -90 || p.Latitude > 90 {
		return fmt.Errorf("%w: latitude %v", ErrInvalidCoordinate, p.Latitude)
	}
	if math.IsNaN(p.Longitude) || math.IsInf(p.Longitude, 0) || p.Longitude < -180 || p.Longitude > 180 {
		return fmt.Errorf("%w: longitude %v", ErrInvalidCoordinate, p.Longitude)
	}
	return nil
}

// DistanceMeters calculates the great-circle distance between two points
// on Earth in meters using the haversine formula.
func DistanceMeters(p1, p2 Point) (float64, error) {
	if err := p1.Validate(); err != nil {
		return 0, err
	}
	if err := p2.Validate(); err != nil {
		return 0, err
	}
	return haversine(p1, p2), nil
}

func haversine(p1, p2 Point) float64 {
	const degToRad = math.Pi / 180
	lat1 := p1.Latitude * degToRad
	lat2 := p2.Latitude * degToRad
	dLat := (p2.Latitude - p1.Latitude) * degToRad
	dLng := (p2.Longitude - p1.Longitude) * degToRad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	// rounding can push a slightly past 1 for antipodal points
	if a > 1 {
		a = 1
	}
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}

// IsWithinZone reports whether point lies inside the circle (boundary inclusive)
// and returns the computed distance from the circle's center.
func IsWithinZone(point Point, zone Circle) (bool, float64, error) {
	d, err := DistanceMeters(point, zone.Center)
	if err != nil {
		return false, 0, err
	}
	return d <= zone.RadiusMeters, d, nil
}

// Offset returns the point reached by travelling distance meters from origin
// along the given bearing (degrees clockwise from north).
func Offset(origin Point, distance, bearing float64) Point {
	const degToRad = math.Pi / 180
	delta := distance / EarthRadiusMeters
	theta := bearing * degToRad
	lat1 := origin.Latitude * degToRad
	lng1 := origin.Longitude * degToRad

	lat2 := math.Asin(math.Sin(lat1)*math.Cos(delta) + math.Cos(lat1)*math.Sin(delta)*math.Cos(theta))
	lng2 := lng1 + math.Atan2(math.Sin(theta)*math.Sin(delta)*math.Cos(lat1), math.Cos(delta)-math.Sin(lat1)*math.Sin(lat2))

	lng := lng2 / degToRad
	// normalise to [-180, 180]
	lng = math.Mod(lng+540, 360) - 180
	return Point{Latitude: lat2 / degToRad, Longitude: lng}
}
