// Package geofence decides whether a GPS fix lies inside a room's permitted
// region: a boundary polygon plus an altitude band between floor and ceiling.
//
// All computations are pure. Polygons are projected onto a local
// equirectangular plane centered on the fix, which is accurate to well under
// a meter at building scale.
package geofence

import (
	"errors"
	"fmt"
	"math"
)

const earthRadius = 6371000.0

// onEdge is the distance in meters under which a fix counts as lying on the
// boundary.
const onEdge = 1e-6

// ErrInvalidPolygon reports a boundary that cannot be evaluated. It is a
// configuration error of the room, not of the fix.
var ErrInvalidPolygon = errors.New("geofence: invalid boundary polygon")

// Point is a WGS84 coordinate in degrees.
type Point struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lon float64 `json:"lon" yaml:"lon"`
}

// Fence is the permitted region of a room.
type Fence struct {
	Vertices      []Point
	FloorAltitude float64
	CeilingHeight float64
}

// Fix is a location reported by a device. Accuracy is the radius in meters of
// the device's confidence circle.
type Fix struct {
	Lat      float64
	Lon      float64
	Alt      float64
	HasAlt   bool
	Accuracy float64
}

// Policy holds the tolerance bands applied by Validate.
type Policy struct {
	// AltitudeTolerance widens the floor/ceiling band on both sides.
	AltitudeTolerance float64 `yaml:"altitude_tolerance_m"`
	// LenientAccuracy allows a fix whose center is inside to pass even when
	// its accuracy circle crosses the boundary, as long as the accuracy is at
	// most this many meters. Zero disables leniency.
	LenientAccuracy float64 `yaml:"lenient_accuracy_m"`
	// RequireAltitude fails fixes that carry no altitude.
	RequireAltitude bool `yaml:"require_altitude"`
}

// DefaultPolicy uses the typical barometric error of a phone as altitude
// tolerance.
func DefaultPolicy() Policy {
	return Policy{AltitudeTolerance: 3, LenientAccuracy: 5}
}

// Result is the decision for one fix. Margins are in meters; positive values
// are inside.
type Result struct {
	Inside           bool    `json:"inside"`
	HorizontalInside bool    `json:"horizontal_inside"`
	VerticalInside   bool    `json:"vertical_inside"`
	AltitudeChecked  bool    `json:"altitude_checked"`
	HorizontalMargin float64 `json:"horizontal_margin"`
	VerticalMargin   float64 `json:"vertical_margin"`
}

// Validate checks fix against fence. A malformed fence yields Inside=false
// and an error wrapping ErrInvalidPolygon.
func Validate(f Fence, fix Fix, p Policy) (Result, error) {
	if math.IsNaN(fix.Lat) || math.IsNaN(fix.Lon) || math.IsNaN(fix.Accuracy) {
		return Result{}, nil
	}
	plane := project(f.Vertices, fix.Lat, fix.Lon)
	plane, err := normalize(plane)
	if err != nil {
		return Result{}, err
	}

	accuracy := math.Max(fix.Accuracy, 0)
	dist := distanceToBoundary(plane)
	centerInside := dist <= onEdge || containsOrigin(plane)
	signed := dist
	if !centerInside {
		signed = -dist
	}

	res := Result{HorizontalMargin: signed - accuracy}
	res.HorizontalInside = res.HorizontalMargin >= 0 ||
		(centerInside && p.LenientAccuracy > 0 && accuracy <= p.LenientAccuracy)

	switch {
	case fix.HasAlt:
		tol := math.Max(p.AltitudeTolerance, 0)
		low := f.FloorAltitude - tol
		high := f.FloorAltitude + f.CeilingHeight + tol
		res.AltitudeChecked = true
		res.VerticalMargin = math.Min(fix.Alt-low, high-fix.Alt)
		res.VerticalInside = res.VerticalMargin >= 0
	default:
		res.VerticalInside = !p.RequireAltitude
	}

	res.Inside = res.HorizontalInside && res.VerticalInside
	return res, nil
}

// CheckPolygon reports whether vertices form a usable boundary.
func CheckPolygon(vertices []Point) error {
	if len(vertices) == 0 {
		return fmt.Errorf("%w: no vertices", ErrInvalidPolygon)
	}
	_, err := normalize(project(vertices, vertices[0].Lat, vertices[0].Lon))
	return err
}

// Rectangle builds an axis-aligned boundary around center. Width runs
// east-west, height north-south, both in meters.
func Rectangle(center Point, width, height float64) []Point {
	dLat := degrees(height / 2 / earthRadius)
	dLon := degrees(width / 2 / (earthRadius * math.Cos(radians(center.Lat))))
	return []Point{
		{Lat: center.Lat + dLat, Lon: center.Lon - dLon},
		{Lat: center.Lat + dLat, Lon: center.Lon + dLon},
		{Lat: center.Lat - dLat, Lon: center.Lon + dLon},
		{Lat: center.Lat - dLat, Lon: center.Lon - dLon},
	}
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }
func degrees(rad float64) float64 { return rad * 180 / math.Pi }
