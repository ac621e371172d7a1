// Package geo implements C3: the quadtree geo index backing
// IndexKeywordGeo shards. Inserts and removes path-copy the root-to-leaf
// spine so concurrent range queries against an already-acquired
// Readview never observe a half-written tree.
package geo

import (
	"math"

	"github.com/cuemby/lexis/pkg/types"
)

// Rectangle is an axis-aligned bounding region.
type Rectangle struct {
	MinX, MinY, MaxX, MaxY float64
}

// Area returns the rectangle's area.
func (r Rectangle) Area() float64 {
	return (r.MaxX - r.MinX) * (r.MaxY - r.MinY)
}

// IntersectsRect implements Shape.
func (r Rectangle) IntersectsRect(o Rectangle) bool {
	return r.MinX <= o.MaxX && r.MaxX >= o.MinX && r.MinY <= o.MaxY && r.MaxY >= o.MinY
}

// ContainsPoint implements Shape.
func (r Rectangle) ContainsPoint(p types.GeoPoint) bool {
	return p.X >= r.MinX && p.X <= r.MaxX && p.Y >= r.MinY && p.Y <= r.MaxY
}

// quadrants splits r into its four NW/NE/SW/SE children, in the fixed
// order used as node.children indices throughout this package.
func (r Rectangle) quadrants() [4]Rectangle {
	midX := (r.MinX + r.MaxX) / 2
	midY := (r.MinY + r.MaxY) / 2
	return [4]Rectangle{
		{MinX: r.MinX, MinY: midY, MaxX: midX, MaxY: r.MaxY}, // NW
		{MinX: midX, MinY: midY, MaxX: r.MaxX, MaxY: r.MaxY}, // NE
		{MinX: r.MinX, MinY: r.MinY, MaxX: midX, MaxY: midY}, // SW
		{MinX: midX, MinY: r.MinY, MaxX: r.MaxX, MaxY: midY}, // SE
	}
}

func (r Rectangle) quadrantOf(p types.GeoPoint) int {
	midX := (r.MinX + r.MaxX) / 2
	midY := (r.MinY + r.MaxY) / 2
	switch {
	case p.X <= midX && p.Y > midY:
		return 0 // NW
	case p.X > midX && p.Y > midY:
		return 1 // NE
	case p.X <= midX && p.Y <= midY:
		return 2 // SW
	default:
		return 3 // SE
	}
}

// Circle is a search region centred on a point.
type Circle struct {
	Center types.GeoPoint
	Radius float64
}

// IntersectsRect implements Shape: true if any point of r can lie within
// Radius of Center (closest-point-on-rectangle test).
func (c Circle) IntersectsRect(r Rectangle) bool {
	closestX := clamp(c.Center.X, r.MinX, r.MaxX)
	closestY := clamp(c.Center.Y, r.MinY, r.MaxY)
	dx := c.Center.X - closestX
	dy := c.Center.Y - closestY
	return dx*dx+dy*dy <= c.Radius*c.Radius
}

// ContainsPoint implements Shape.
func (c Circle) ContainsPoint(p types.GeoPoint) bool {
	dx := p.X - c.Center.X
	dy := p.Y - c.Center.Y
	return dx*dx+dy*dy <= c.Radius*c.Radius
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Shape is implemented by Rectangle and Circle, the two range_query
// shapes spec.md §4.3 names.
type Shape interface {
	IntersectsRect(Rectangle) bool
	ContainsPoint(types.GeoPoint) bool
}

// Distance returns the Euclidean distance between two points.
func Distance(a, b types.GeoPoint) float64 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// GeoScore implements spec.md §4.3's distance scoring:
//
//	geoScore = max(((√maxDist² − √resultMinDist²) / √maxDist²)², MIN_DISTANCE_SCORE)
//	maxDist² = max(searchRadius², MIN_SEARCH_RANGE²)
func GeoScore(searchRadius, resultMinDist, minSearchRange, minDistanceScore float64) float64 {
	maxDistSq := math.Max(searchRadius*searchRadius, minSearchRange*minSearchRange)
	maxDist := math.Sqrt(maxDistSq)
	if maxDist == 0 {
		return minDistanceScore
	}
	v := (maxDist - resultMinDist) / maxDist
	score := v * v
	if score < minDistanceScore {
		return minDistanceScore
	}
	return score
}
