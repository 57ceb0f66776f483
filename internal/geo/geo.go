// Package geo provides geodesic distance and pluggable geocoding for
// location-based alert criteria.
package geo

import (
	"math"
	"strings"
)

// Point is a WGS84 coordinate pair.
type Point struct {
	Lat float64
	Lon float64
}

const earthRadiusKM = 6371.0

// DistanceKM returns the haversine distance between two points in km.
func DistanceKM(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKM * math.Asin(math.Sqrt(h))
}

// Geocoder resolves a place name to coordinates. Implementations must be
// side-effect free from the scorer's point of view; a nil result means the
// name could not be resolved.
type Geocoder interface {
	Geocode(name string) (Point, bool)
}

// StaticGeocoder resolves names from a fixed table. Sufficient for the
// single-dealer scope; swap in a real geocoding client behind the same
// interface when coverage needs to grow.
type StaticGeocoder struct {
	table map[string]Point
}

// NewStaticGeocoder builds a geocoder over the given name->point table.
// Keys are matched case-insensitively.
func NewStaticGeocoder(table map[string]Point) *StaticGeocoder {
	normalized := make(map[string]Point, len(table))
	for name, p := range table {
		normalized[strings.ToLower(strings.TrimSpace(name))] = p
	}
	return &StaticGeocoder{table: normalized}
}

// DefaultCities returns the built-in city table covering the dealership's
// catchment area.
func DefaultCities() map[string]Point {
	return map[string]Point{
		"roma":    {41.9028, 12.4964},
		"milano":  {45.4642, 9.1900},
		"napoli":  {40.8518, 14.2681},
		"torino":  {45.0703, 7.6869},
		"bologna": {44.4949, 11.3426},
		"firenze": {43.7696, 11.2558},
		"genova":  {44.4056, 8.9463},
		"palermo": {38.1157, 13.3615},
		"bari":    {41.1171, 16.8719},
		"verona":  {45.4384, 10.9916},
		"padova":  {45.4064, 11.8768},
		"brescia": {45.5416, 10.2118},
		"modena":  {44.6471, 10.9252},
		"parma":   {44.8015, 10.3279},
		"bergamo": {45.6983, 9.6773},
	}
}

// Geocode resolves a city name from the table.
func (g *StaticGeocoder) Geocode(name string) (Point, bool) {
	p, ok := g.table[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}
