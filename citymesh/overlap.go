package citymesh

import (
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/peterstace/simplefeatures/geom"
)

// OverlapMetrics captures how a candidate footprint relates to a query
// footprint in the ground plane. All areas are in squared ground units.
type OverlapMetrics struct {
	Intersection     float64 `json:"intersection"`
	QueryArea        float64 `json:"queryArea"`
	CandidateArea    float64 `json:"candidateArea"`
	QueryRatio       float64 `json:"queryRatio"`     // Intersection / QueryArea
	CandidateRatio   float64 `json:"candidateRatio"` // Intersection / CandidateArea
	AreaRatio        float64 `json:"areaRatio"`      // CandidateArea / QueryArea
	CentroidDistance float64 `json:"centroidDistance"`
}

// Overlapped reports whether either directional ratio clears the cutoff.
func (m OverlapMetrics) Overlapped(cutoff float64) bool {
	return m.QueryRatio > cutoff || m.CandidateRatio > cutoff
}

// ComputeOverlap intersects two footprint rings and derives the overlap
// metrics between them. Both rings must form valid polygons.
func ComputeOverlap(query, candidate orb.Ring) (OverlapMetrics, error) {
	qg, err := ringToGeom(query)
	if err != nil {
		return OverlapMetrics{}, err
	}
	cg, err := ringToGeom(candidate)
	if err != nil {
		return OverlapMetrics{}, err
	}

	inter, err := geom.Intersection(qg, cg)
	if err != nil {
		return OverlapMetrics{}, &GeometryError{Msg: "footprint intersection failed: " + err.Error()}
	}

	m := OverlapMetrics{
		Intersection:  inter.Area(),
		QueryArea:     ringArea(query),
		CandidateArea: ringArea(candidate),
	}
	if m.QueryArea > 0 {
		m.QueryRatio = clampRatio(m.Intersection / m.QueryArea)
		m.AreaRatio = m.CandidateArea / m.QueryArea
	}
	if m.CandidateArea > 0 {
		m.CandidateRatio = clampRatio(m.Intersection / m.CandidateArea)
	}
	m.CentroidDistance = planar.Distance(ringCentroid(query), ringCentroid(candidate))

	return m, nil
}

// clampRatio pins tiny float excursions back into [0, 1]. The two area
// computations come from different libraries and can disagree in the
// last bits.
func clampRatio(r float64) float64 {
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}

// ValidateFootprint checks that a ring forms a valid, non-degenerate
// polygon: at least 3 distinct vertices, no self-intersection, positive
// area. Returns a ValidationError describing the first violation.
func ValidateFootprint(r orb.Ring) error {
	if len(r) == 0 {
		return validationf("empty footprint ring")
	}
	if _, err := ringToGeom(r); err != nil {
		return err
	}
	if ringArea(r) <= 0 {
		return validationf("footprint ring has zero area")
	}
	return nil
}

// ringToGeom converts a ring to a validated polygon geometry. Validation
// failures surface as ValidationError since rings reaching this point
// originate from request input or stored footprints of the same shape.
func ringToGeom(r orb.Ring) (geom.Geometry, error) {
	if len(r) < 3 {
		return geom.Geometry{}, validationf("footprint ring needs at least 3 vertices, got %d", len(r))
	}
	g, err := geom.UnmarshalWKT(ringToWKT(r))
	if err != nil {
		return geom.Geometry{}, &ValidationError{Msg: "footprint ring is not a valid polygon", Err: err}
	}
	return g, nil
}

// ringToWKT serializes a ring as a WKT polygon, closing it and dropping
// consecutive duplicate vertices on the way.
func ringToWKT(r orb.Ring) string {
	pts := make([]orb.Point, 0, len(r)+1)
	for _, p := range r {
		if len(pts) > 0 && pts[len(pts)-1] == p {
			continue
		}
		pts = append(pts, p)
	}
	if len(pts) > 1 && pts[0] == pts[len(pts)-1] {
		pts = pts[:len(pts)-1]
	}
	pts = append(pts, pts[0])

	var sb strings.Builder
	sb.WriteString("POLYGON((")
	for i, p := range pts {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(p[0], 'f', -1, 64))
		sb.WriteByte(' ')
		sb.WriteString(strconv.FormatFloat(p[1], 'f', -1, 64))
	}
	sb.WriteString("))")
	return sb.String()
}

// ringArea is the unsigned planar area of a ring.
func ringArea(r orb.Ring) float64 {
	return math.Abs(planar.Area(r))
}

// ringCentroid is the area centroid of a ring.
func ringCentroid(r orb.Ring) orb.Point {
	c, _ := planar.CentroidArea(r)
	return c
}

// closeRing returns a closed copy of the ring. The input is never mutated.
func closeRing(r orb.Ring) orb.Ring {
	if len(r) == 0 {
		return nil
	}
	out := make(orb.Ring, len(r), len(r)+1)
	copy(out, r)
	if out[0] != out[len(out)-1] {
		out = append(out, out[0])
	}
	return out
}
