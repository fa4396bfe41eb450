package geofence

import (
	"fmt"
	"math"
)

// vec is a point on the local plane, in meters east (x) and north (y) of the
// projection origin.
type vec struct{ x, y float64 }

func project(vertices []Point, lat0, lon0 float64) []vec {
	scale := math.Cos(radians(lat0)) * earthRadius
	out := make([]vec, len(vertices))
	for i, v := range vertices {
		dLon := v.Lon - lon0
		if dLon > 180 {
			dLon -= 360
		} else if dLon < -180 {
			dLon += 360
		}
		out[i] = vec{
			x: radians(dLon) * scale,
			y: radians(v.Lat-lat0) * earthRadius,
		}
	}
	return out
}

// normalize drops repeated and closing vertices and rejects degenerate or
// self-intersecting rings.
func normalize(ring []vec) ([]vec, error) {
	out := make([]vec, 0, len(ring))
	for _, p := range ring {
		if math.IsNaN(p.x) || math.IsNaN(p.y) || math.IsInf(p.x, 0) || math.IsInf(p.y, 0) {
			return nil, fmt.Errorf("%w: non-finite vertex", ErrInvalidPolygon)
		}
		if len(out) > 0 && samePoint(out[len(out)-1], p) {
			continue
		}
		out = append(out, p)
	}
	if len(out) > 1 && samePoint(out[0], out[len(out)-1]) {
		out = out[:len(out)-1]
	}
	if len(out) < 3 {
		return nil, fmt.Errorf("%w: %d distinct vertices, need at least 3", ErrInvalidPolygon, len(out))
	}
	if selfIntersects(out) {
		return nil, fmt.Errorf("%w: boundary is self-intersecting", ErrInvalidPolygon)
	}
	return out, nil
}

func samePoint(a, b vec) bool {
	return math.Abs(a.x-b.x) <= onEdge && math.Abs(a.y-b.y) <= onEdge
}

// containsOrigin is a ray cast along +x from the projection origin.
func containsOrigin(ring []vec) bool {
	inside := false
	for i, j := 0, len(ring)-1; i < len(ring); j, i = i, i+1 {
		a, b := ring[i], ring[j]
		if (a.y > 0) == (b.y > 0) {
			continue
		}
		if a.x+(0-a.y)*(b.x-a.x)/(b.y-a.y) > 0 {
			inside = !inside
		}
	}
	return inside
}

func distanceToBoundary(ring []vec) float64 {
	best := math.Inf(1)
	for i := range ring {
		d := distanceToSegment(ring[i], ring[(i+1)%len(ring)])
		if d < best {
			best = d
		}
	}
	return best
}

// distanceToSegment measures from the origin to segment ab.
func distanceToSegment(a, b vec) float64 {
	dx, dy := b.x-a.x, b.y-a.y
	lenSq := dx*dx + dy*dy
	t := 0.0
	if lenSq > 0 {
		t = -(a.x*dx + a.y*dy) / lenSq
		t = math.Max(0, math.Min(1, t))
	}
	return math.Hypot(a.x+t*dx, a.y+t*dy)
}

func selfIntersects(ring []vec) bool {
	n := len(ring)
	for i := 0; i < n; i++ {
		a1, a2 := ring[i], ring[(i+1)%n]
		for j := i + 1; j < n; j++ {
			if j == i+1 || (i == 0 && j == n-1) {
				continue
			}
			if segmentsIntersect(a1, a2, ring[j], ring[(j+1)%n]) {
				return true
			}
		}
	}
	return false
}

func orientation(a, b, c vec) int {
	v := (b.x-a.x)*(c.y-a.y) - (b.y-a.y)*(c.x-a.x)
	switch {
	case v > 1e-12:
		return 1
	case v < -1e-12:
		return -1
	}
	return 0
}

func onSegment(a, b, p vec) bool {
	return math.Min(a.x, b.x) <= p.x && p.x <= math.Max(a.x, b.x) &&
		math.Min(a.y, b.y) <= p.y && p.y <= math.Max(a.y, b.y)
}

func segmentsIntersect(p1, p2, q1, q2 vec) bool {
	o1 := orientation(p1, p2, q1)
	o2 := orientation(p1, p2, q2)
	o3 := orientation(q1, q2, p1)
	o4 := orientation(q1, q2, p2)
	if o1 != o2 && o3 != o4 {
		return true
	}
	return (o1 == 0 && onSegment(p1, p2, q1)) ||
		(o2 == 0 && onSegment(p1, p2, q2)) ||
		(o3 == 0 && onSegment(q1, q2, p1)) ||
		(o4 == 0 && onSegment(q1, q2, p2))
}
