package geo

import "math"

// epsilon is the tolerance used when deciding whether a point lies on an edge.
const epsilon = 1e-12

// Point is a WGS-84 coordinate pair.
type Point struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

// Ring is a closed sequence of vertices. The closing vertex may or may not
// repeat the first one.
type Ring []Point

// BBox is minLon, minLat, maxLon, maxLat.
type BBox [4]float64

// Polygon is an outer ring followed by zero or more holes.
type Polygon struct {
	Rings []Ring
	BBox  BBox
}

// NewPolygon builds a polygon and computes its bounding box.
func NewPolygon(outer Ring, holes ...Ring) Polygon {
	p := Polygon{Rings: append([]Ring{outer}, holes...)}
	p.BBox = computeBBox(outer)
	return p
}

func computeBBox(r Ring) BBox {
	b := BBox{math.Inf(1), math.Inf(1), math.Inf(-1), math.Inf(-1)}
	for _, pt := range r {
		b[0] = math.Min(b[0], pt.Lon)
		b[1] = math.Min(b[1], pt.Lat)
		b[2] = math.Max(b[2], pt.Lon)
		b[3] = math.Max(b[3], pt.Lat)
	}
	return b
}

// Contains reports whether pt is within the bounding box, inclusive.
func (b BBox) Contains(pt Point) bool {
	return pt.Lon >= b[0] && pt.Lon <= b[2] && pt.Lat >= b[1] && pt.Lat <= b[3]
}

// Outer returns the outer ring, or nil for an empty polygon.
func (p Polygon) Outer() Ring {
	if len(p.Rings) == 0 {
		return nil
	}
	return p.Rings[0]
}

// Degenerate reports whether the polygon encloses no area.
func (p Polygon) Degenerate() bool {
	outer := p.Outer()
	if len(openRing(outer)) < 3 {
		return true
	}
	return math.Abs(signedArea(outer)) < epsilon
}

// Contains tests whether pt lies inside the polygon. Points on the outer
// boundary or on a hole's boundary count as contained.
func (p Polygon) Contains(pt Point) bool {
	if p.Degenerate() || !p.BBox.Contains(pt) {
		return false
	}
	outer := p.Rings[0]
	if onRing(pt, outer) {
		return true
	}
	if !insideRing(pt, outer) {
		return false
	}
	for _, hole := range p.Rings[1:] {
		if onRing(pt, hole) {
			return true
		}
		if insideRing(pt, hole) {
			return false
		}
	}
	return true
}

// Area returns the planar area in squared degrees, holes subtracted.
func (p Polygon) Area() float64 {
	if len(p.Rings) == 0 {
		return 0
	}
	a := math.Abs(signedArea(p.Rings[0]))
	for _, hole := range p.Rings[1:] {
		a -= math.Abs(signedArea(hole))
	}
	return a
}

// Centroid returns the planar area-weighted centroid. Holes pull the
// centroid away from themselves. A polygon without area falls back to the
// vertex mean of its outer ring.
func (p Polygon) Centroid() Point {
	outer := p.Outer()
	if len(outer) == 0 {
		return Point{}
	}
	var cx, cy, total float64
	for i, r := range p.Rings {
		a, x, y := ringMoments(r)
		// orient every ring counter-clockwise; outer adds, holes subtract
		sign := 1.0
		if a < 0 {
			sign = -1.0
		}
		if i > 0 {
			sign = -sign
		}
		total += sign * a
		cx += sign * x
		cy += sign * y
	}
	if math.Abs(total) < epsilon {
		return vertexMean(outer)
	}
	return Point{Lon: cx / (3 * total), Lat: cy / (3 * total)}
}

// DistanceTo returns the planar distance from pt to the polygon, zero when
// pt is contained.
func (p Polygon) DistanceTo(pt Point) float64 {
	if p.Contains(pt) {
		return 0
	}
	best := math.Inf(1)
	for _, r := range p.Rings {
		open := openRing(r)
		n := len(open)
		for i := 0; i < n; i++ {
			d := segmentDistance(pt, open[i], open[(i+1)%n])
			if d < best {
				best = d
			}
		}
	}
	return best
}

// openRing drops the closing vertex when it repeats the first one.
func openRing(r Ring) Ring {
	if len(r) > 1 && r[0] == r[len(r)-1] {
		return r[:len(r)-1]
	}
	return r
}

func signedArea(r Ring) float64 {
	a, _, _ := ringMoments(r)
	return a / 2
}

// ringMoments returns twice the signed area and the unnormalised
// first moments of a ring.
func ringMoments(r Ring) (a, x, y float64) {
	open := openRing(r)
	n := len(open)
	for i := 0; i < n; i++ {
		p0, p1 := open[i], open[(i+1)%n]
		cross := p0.Lon*p1.Lat - p1.Lon*p0.Lat
		a += cross
		x += (p0.Lon + p1.Lon) * cross
		y += (p0.Lat + p1.Lat) * cross
	}
	return a, x, y
}

func vertexMean(r Ring) Point {
	open := openRing(r)
	var sx, sy float64
	for _, pt := range open {
		sx += pt.Lon
		sy += pt.Lat
	}
	n := float64(len(open))
	return Point{Lon: sx / n, Lat: sy / n}
}

// insideRing is the even-odd ray casting test.
func insideRing(pt Point, r Ring) bool {
	open := openRing(r)
	n := len(open)
	if n < 3 {
		return false
	}
	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		xi, yi := open[i].Lon, open[i].Lat
		xj, yj := open[j].Lon, open[j].Lat
		if (yi > pt.Lat) != (yj > pt.Lat) {
			xCross := (xj-xi)*(pt.Lat-yi)/(yj-yi) + xi
			if pt.Lon < xCross {
				inside = !inside
			}
		}
	}
	return inside
}

func onRing(pt Point, r Ring) bool {
	open := openRing(r)
	n := len(open)
	for i := 0; i < n; i++ {
		if segmentDistance(pt, open[i], open[(i+1)%n]) <= epsilon {
			return true
		}
	}
	return false
}

func segmentDistance(pt, a, b Point) float64 {
	dx, dy := b.Lon-a.Lon, b.Lat-a.Lat
	lenSq := dx*dx + dy*dy
	if lenSq == 0 {
		return math.Hypot(pt.Lon-a.Lon, pt.Lat-a.Lat)
	}
	t := ((pt.Lon-a.Lon)*dx + (pt.Lat-a.Lat)*dy) / lenSq
	t = math.Max(0, math.Min(1, t))
	return math.Hypot(pt.Lon-(a.Lon+t*dx), pt.Lat-(a.Lat+t*dy))
}
