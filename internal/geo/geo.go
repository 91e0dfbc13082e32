package geo

import (
	"errors"
	"math"
)

// EarthRadiusKm is the mean Earth radius used by Distance.
const EarthRadiusKm = 6371.0

var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Point is a WGS84 position in degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Validate rejects out-of-range or NaN coordinates.
func (p Point) Validate() error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || p.Lat < -90 || p.Lat > 90 || p.Lng < -180 || p.Lng > 180 {
		return ErrInvalidCoordinate
	}
	return nil
}

// DistanceKm is the haversine great-circle distance between a and b.
func DistanceKm(a, b Point) float64 {
	lat1 := radians(a.Lat)
	lat2 := radians(b.Lat)
	dLat := radians(b.Lat - a.Lat)
	dLng := radians(b.Lng - a.Lng)

	h := math.Pow(math.Sin(dLat/2), 2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Pow(math.Sin(dLng/2), 2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusKm * c
}

// Within reports whether b lies within radiusKm of a, boundary included.
func Within(a, b Point, radiusKm float64) bool {
	return DistanceKm(a, b) <= radiusKm
}

// Box is a latitude/longitude rectangle. MinLng > MaxLng means the box
// crosses the antimeridian.
type Box struct {
	MinLat, MaxLat float64
	MinLng, MaxLng float64
}

// boxSlack widens bounding boxes so rounding never drops a boundary point;
// the exact haversine check runs afterwards anyway.
const boxSlack = 1.0001

// BoundingBox returns a box containing every point within radiusKm of center.
func BoundingBox(center Point, radiusKm float64) Box {
	angular := radiusKm / EarthRadiusKm * boxSlack
	lat := radians(center.Lat)
	minLat := lat - angular
	maxLat := lat + angular

	if minLat <= -math.Pi/2 || maxLat >= math.Pi/2 {
		return Box{
			MinLat: math.Max(degrees(minLat), -90),
			MaxLat: math.Min(degrees(maxLat), 90),
			MinLng: -180,
			MaxLng: 180,
		}
	}

	dLng := math.Asin(math.Min(1, math.Sin(angular)/math.Cos(lat)))
	minLng := center.Lng - degrees(dLng)
	maxLng := center.Lng + degrees(dLng)
	if maxLng-minLng >= 360 {
		minLng, maxLng = -180, 180
	} else {
		if minLng < -180 {
			minLng += 360
		}
		if maxLng > 180 {
			maxLng -= 360
		}
	}
	return Box{MinLat: degrees(minLat), MaxLat: degrees(maxLat), MinLng: minLng, MaxLng: maxLng}
}

// WrapsAntimeridian reports whether the longitude range is split in two.
func (b Box) WrapsAntimeridian() bool {
	return b.MinLng > b.MaxLng
}

// Contains reports whether p lies inside the box.
func (b Box) Contains(p Point) bool {
	if p.Lat < b.MinLat || p.Lat > b.MaxLat {
		return false
	}
	if b.WrapsAntimeridian() {
		return p.Lng >= b.MinLng || p.Lng <= b.MaxLng
	}
	return p.Lng >= b.MinLng && p.Lng <= b.MaxLng
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }
func degrees(rad float64) float64 { return rad * 180 / math.Pi }
