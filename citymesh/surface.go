package citymesh

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// outOfBoundsPenalty is added to a point's plane distance when its flattened
// position falls outside the face's local bounding box.
const outOfBoundsPenalty = 999.9

// Face is one planar polygon of a building solid together with an
// orthonormal frame for flattening 3D points onto its plane.
//
// U runs along the first usable edge of the ring, Normal is the Newell
// normal of the full ring, and V completes the basis (V = Normal x U).
// For faces wound counter-clockwise seen from outside the building, the
// normal points outward and interior points flatten to negative offsets.
type Face struct {
	Index  int          // position of the source ring in the solid
	Ring   []mgl64.Vec3 // world vertices, not closed
	Origin mgl64.Vec3   // Ring[0], the local frame origin
	U      mgl64.Vec3
	V      mgl64.Vec3
	Normal mgl64.Vec3

	Local  orb.Ring  // vertices flattened to the U-V plane, closed
	Area   float64   // planar area of Local
	Bounds orb.Bound // bounding box of Local
}

// Solid is the face list of one building geometry at a fixed LOD.
type Solid struct {
	Faces     []Face
	RingCount int     // number of source rings, including skipped ones
	TotalArea float64 // sum of face areas
}

// NewFace builds the local frame for one boundary ring. The input ring may
// be open or closed; it is copied, never aliased. Degenerate rings (fewer
// than 3 distinct vertices, zero-length normal, zero area) yield a
// GeometryError.
func NewFace(index int, ring []mgl64.Vec3) (*Face, error) {
	n := len(ring)
	if n > 1 && ring[0] == ring[n-1] {
		n--
	}
	if n < 3 {
		return nil, &GeometryError{Face: index, Msg: fmt.Sprintf("need at least 3 vertices, got %d", n)}
	}
	verts := make([]mgl64.Vec3, n)
	copy(verts, ring[:n])

	normal := newellNormal(verts)
	if normal.Len() < 1e-12 {
		return nil, &GeometryError{Face: index, Msg: "zero-length normal"}
	}
	normal = normal.Normalize()

	// First edge with a usable in-plane component becomes U.
	var u mgl64.Vec3
	found := false
	for i := 1; i < n; i++ {
		e := verts[i].Sub(verts[0])
		e = e.Sub(normal.Mul(e.Dot(normal)))
		if e.Len() > 1e-12 {
			u = e.Normalize()
			found = true
			break
		}
	}
	if !found {
		return nil, &GeometryError{Face: index, Msg: "all edges parallel to the normal"}
	}

	f := &Face{
		Index:  index,
		Ring:   verts,
		Origin: verts[0],
		U:      u,
		V:      normal.Cross(u),
		Normal: normal,
	}

	local := make(orb.Ring, 0, n+1)
	for _, p := range verts {
		pt, _ := f.Flatten(p)
		local = append(local, pt)
	}
	local = append(local, local[0])
	f.Local = local
	f.Area = math.Abs(planar.Area(local))
	if f.Area < 1e-12 {
		return nil, &GeometryError{Face: index, Msg: "overlapping vertices"}
	}
	f.Bounds = local.Bound()

	return f, nil
}

// Flatten maps a world point into the face frame, returning its local 2D
// position and its signed offset from the face plane.
func (f *Face) Flatten(p mgl64.Vec3) (orb.Point, float64) {
	d := p.Sub(f.Origin)
	return orb.Point{d.Dot(f.U), d.Dot(f.V)}, d.Dot(f.Normal)
}

// FlattenAll flattens a whole point set into the face frame.
func (f *Face) FlattenAll(points []mgl64.Vec3) ([]orb.Point, []float64) {
	pts := make([]orb.Point, len(points))
	offsets := make([]float64, len(points))
	for i, p := range points {
		pts[i], offsets[i] = f.Flatten(p)
	}
	return pts, offsets
}

// ProximityDistance is the distance used when assigning points to faces:
// the absolute plane offset, plus a large penalty when the flattened point
// falls outside the face's local bounding box.
func (f *Face) ProximityDistance(pt orb.Point, offset float64) float64 {
	d := math.Abs(offset)
	if !f.Bounds.Contains(pt) {
		d += outOfBoundsPenalty
	}
	return d
}

// ContainsLocal reports whether a flattened point lies inside the face
// polygon.
func (f *Face) ContainsLocal(pt orb.Point) bool {
	return planar.RingContains(f.Local, pt)
}

// BuildSolid constructs the face list for a building's boundary rings.
// Rings whose frame cannot be built are skipped and reported back; the
// surviving faces keep their original ring indices so that positional rules
// (roof and floor faces of an extruded LOD1 solid sit first and last) still
// apply.
func BuildSolid(rings [][]mgl64.Vec3) (*Solid, []error) {
	s := &Solid{RingCount: len(rings)}
	var faceErrs []error
	for i, ring := range rings {
		f, err := NewFace(i, ring)
		if err != nil {
			faceErrs = append(faceErrs, err)
			continue
		}
		s.Faces = append(s.Faces, *f)
		s.TotalArea += f.Area
	}
	return s, faceErrs
}

// FootprintFromSolid projects the first ring of a solid onto the ground
// plane, closed and wound counter-clockwise. Models loaded from 3D-only
// sources use it when no explicit footprint is stored.
func FootprintFromSolid(rings [][]mgl64.Vec3) orb.Ring {
	if len(rings) == 0 || len(rings[0]) < 3 {
		return nil
	}
	src := rings[0]
	n := len(src)
	if n > 1 && src[0] == src[n-1] {
		n--
	}
	ring := make(orb.Ring, 0, n+1)
	for _, v := range src[:n] {
		ring = append(ring, orb.Point{v.X(), v.Y()})
	}
	ring = append(ring, ring[0])
	if ring.Orientation() == orb.CW {
		ring.Reverse()
	}
	return ring
}

// newellNormal sums edge contributions over the whole ring, which stays
// stable for slightly non-planar faces where a single corner cross product
// can degenerate.
func newellNormal(ring []mgl64.Vec3) mgl64.Vec3 {
	var n mgl64.Vec3
	for i := range ring {
		a := ring[i]
		b := ring[(i+1)%len(ring)]
		n[0] += (a.Y() - b.Y()) * (a.Z() + b.Z())
		n[1] += (a.Z() - b.Z()) * (a.X() + b.X())
		n[2] += (a.X() - b.X()) * (a.Y() + b.Y())
	}
	return n
}
