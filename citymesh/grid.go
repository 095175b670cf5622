package citymesh

import (
	"math"

	"github.com/paulmach/orb"
)

// pointGrid is a uniform bucket hash over 2D points for radius-limited
// nearest-neighbor queries. With a cell size on the order of the query
// radius, a lookup touches a handful of buckets.
type pointGrid struct {
	cell    float64
	buckets map[gridKey][]int
	points  []orb.Point
}

type gridKey struct{ i, j int64 }

func newPointGrid(points []orb.Point, cell float64) *pointGrid {
	if cell <= 0 {
		cell = 1
	}
	g := &pointGrid{cell: cell, buckets: make(map[gridKey][]int, len(points)), points: points}
	for idx, p := range points {
		key := g.keyOf(p)
		g.buckets[key] = append(g.buckets[key], idx)
	}
	return g
}

func (g *pointGrid) keyOf(p orb.Point) gridKey {
	return gridKey{
		i: int64(math.Floor(p[0] / g.cell)),
		j: int64(math.Floor(p[1] / g.cell)),
	}
}

// nearest returns the index of the closest point within maxDist of p
// and its distance. Distance ties pick the lowest index. Returns -1
// when no point is within maxDist.
func (g *pointGrid) nearest(p orb.Point, maxDist float64) (int, float64) {
	if maxDist < 0 || len(g.points) == 0 {
		return -1, 0
	}
	reach := int64(math.Ceil(maxDist / g.cell))
	center := g.keyOf(p)

	best := -1
	bestSq := maxDist * maxDist
	for di := -reach; di <= reach; di++ {
		for dj := -reach; dj <= reach; dj++ {
			for _, idx := range g.buckets[gridKey{i: center.i + di, j: center.j + dj}] {
				q := g.points[idx]
				dx, dy := q[0]-p[0], q[1]-p[1]
				d2 := dx*dx + dy*dy
				if d2 < bestSq || (d2 == bestSq && (best == -1 || idx < best)) {
					bestSq = d2
					best = idx
				}
			}
		}
	}
	if best == -1 {
		return -1, 0
	}
	return best, math.Sqrt(bestSq)
}

// anyWithin reports whether some point lies within maxDist of p.
func (g *pointGrid) anyWithin(p orb.Point, maxDist float64) bool {
	if maxDist < 0 || len(g.points) == 0 {
		return false
	}
	reach := int64(math.Ceil(maxDist / g.cell))
	center := g.keyOf(p)
	maxSq := maxDist * maxDist

	for di := -reach; di <= reach; di++ {
		for dj := -reach; dj <= reach; dj++ {
			for _, idx := range g.buckets[gridKey{i: center.i + di, j: center.j + dj}] {
				q := g.points[idx]
				dx, dy := q[0]-p[0], q[1]-p[1]
				if dx*dx+dy*dy <= maxSq {
					return true
				}
			}
		}
	}
	return false
}
