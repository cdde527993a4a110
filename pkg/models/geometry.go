package models

import "math"

const earthRadiusKm = 6371.0

// GeometryPoint is a WGS84 coordinate.
type GeometryPoint struct {
	Latitude  float64 `json:"lat" cbor:"lat"`
	Longitude float64 `json:"lng" cbor:"lng"`
}

func NewGeometryPoint(latitude, longitude float64) GeometryPoint {
	return GeometryPoint{
		Latitude: latitude, Longitude: longitude,
	}
}

func (gp GeometryPoint) GetCoordinates() [2]float64 {
	return [2]float64{gp.Latitude, gp.Longitude}
}

// IsZero reports whether the point was never set.
func (gp GeometryPoint) IsZero() bool {
	return gp.Latitude == 0 && gp.Longitude == 0
}

// DistanceKm returns the great-circle distance between two points.
func (gp GeometryPoint) DistanceKm(other GeometryPoint) float64 {
	lat1 := gp.Latitude * math.Pi / 180
	lat2 := other.Latitude * math.Pi / 180
	dLat := lat2 - lat1
	dLng := (other.Longitude - gp.Longitude) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
