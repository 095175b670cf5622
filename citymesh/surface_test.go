package citymesh

import (
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/paulmach/orb"
)

const geomEpsilon = 1e-9

func floatNear(a, b, tol float64) bool {
	return math.Abs(a-b) < tol
}

func vecNear(a, b mgl64.Vec3) bool {
	return floatNear(a.X(), b.X(), geomEpsilon) &&
		floatNear(a.Y(), b.Y(), geomEpsilon) &&
		floatNear(a.Z(), b.Z(), geomEpsilon)
}

// unitCubeRings returns the six boundary rings of the unit cube, bottom
// first, top last, matching the ring order of extruded building solids.
func unitCubeRings() [][]mgl64.Vec3 {
	return [][]mgl64.Vec3{
		{{0, 0, 0}, {0, 1, 0}, {1, 1, 0}, {1, 0, 0}},
		{{0, 0, 0}, {1, 0, 0}, {1, 0, 1}, {0, 0, 1}},
		{{1, 0, 0}, {1, 1, 0}, {1, 1, 1}, {1, 0, 1}},
		{{1, 1, 0}, {0, 1, 0}, {0, 1, 1}, {1, 1, 1}},
		{{0, 1, 0}, {0, 0, 0}, {0, 0, 1}, {0, 1, 1}},
		{{0, 0, 1}, {1, 0, 1}, {1, 1, 1}, {0, 1, 1}},
	}
}

func TestNewFaceVerticalWall(t *testing.T) {
	// Unit wall in the XZ plane, wound so the normal points to -Y.
	ring := []mgl64.Vec3{{0, 0, 0}, {1, 0, 0}, {1, 0, 1}, {0, 0, 1}}

	f, err := NewFace(0, ring)
	if err != nil {
		t.Fatalf("NewFace() error = %v", err)
	}

	if !vecNear(f.Normal, mgl64.Vec3{0, -1, 0}) {
		t.Errorf("Normal = %v, want (0,-1,0)", f.Normal)
	}
	if !vecNear(f.U, mgl64.Vec3{1, 0, 0}) {
		t.Errorf("U = %v, want (1,0,0)", f.U)
	}
	if !vecNear(f.V, mgl64.Vec3{0, 0, 1}) {
		t.Errorf("V = %v, want (0,0,1)", f.V)
	}
	if !floatNear(f.Area, 1.0, geomEpsilon) {
		t.Errorf("Area = %f, want 1.0", f.Area)
	}
	if len(f.Local) != 5 || f.Local[0] != f.Local[4] {
		t.Errorf("Local ring should be closed with 5 points, got %v", f.Local)
	}
}

func TestNewFaceAcceptsClosedRing(t *testing.T) {
	open := []mgl64.Vec3{{0, 0, 0}, {1, 0, 0}, {1, 0, 1}, {0, 0, 1}}
	closed := append(append([]mgl64.Vec3{}, open...), open[0])

	fo, err := NewFace(0, open)
	if err != nil {
		t.Fatalf("NewFace(open) error = %v", err)
	}
	fc, err := NewFace(0, closed)
	if err != nil {
		t.Fatalf("NewFace(closed) error = %v", err)
	}

	if len(fo.Ring) != len(fc.Ring) {
		t.Errorf("ring lengths differ: open=%d closed=%d", len(fo.Ring), len(fc.Ring))
	}
	if !floatNear(fo.Area, fc.Area, geomEpsilon) {
		t.Errorf("areas differ: open=%f closed=%f", fo.Area, fc.Area)
	}
}

func TestNewFaceDoesNotAliasInput(t *testing.T) {
	ring := []mgl64.Vec3{{0, 0, 0}, {1, 0, 0}, {1, 0, 1}, {0, 0, 1}}
	f, err := NewFace(0, ring)
	if err != nil {
		t.Fatalf("NewFace() error = %v", err)
	}

	ring[0] = mgl64.Vec3{99, 99, 99}
	if !vecNear(f.Ring[0], mgl64.Vec3{0, 0, 0}) {
		t.Error("mutating the input ring changed the face's stored ring")
	}
}

func TestNewFaceDegenerate(t *testing.T) {
	tests := []struct {
		name string
		ring []mgl64.Vec3
	}{
		{"empty", nil},
		{"two vertices", []mgl64.Vec3{{0, 0, 0}, {1, 0, 0}}},
		{"collinear", []mgl64.Vec3{{0, 0, 0}, {1, 0, 0}, {2, 0, 0}}},
		{"repeated vertex", []mgl64.Vec3{{1, 1, 1}, {1, 1, 1}, {1, 1, 1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFace(3, tt.ring)
			if err == nil {
				t.Fatal("NewFace() expected an error, got nil")
			}
			if !IsGeometry(err) {
				t.Errorf("error %v is not a GeometryError", err)
			}
		})
	}
}

func TestFlattenOffsets(t *testing.T) {
	ring := []mgl64.Vec3{{0, 0, 0}, {1, 0, 0}, {1, 0, 1}, {0, 0, 1}}
	f, err := NewFace(0, ring)
	if err != nil {
		t.Fatalf("NewFace() error = %v", err)
	}

	// Normal points to -Y: a point at y=-2 is in front of the wall, a point
	// at y=+3 is behind it (building interior).
	pt, off := f.Flatten(mgl64.Vec3{0.5, -2, 0.5})
	if !floatNear(off, 2.0, geomEpsilon) {
		t.Errorf("front offset = %f, want 2.0", off)
	}
	if !floatNear(pt[0], 0.5, geomEpsilon) || !floatNear(pt[1], 0.5, geomEpsilon) {
		t.Errorf("local point = %v, want (0.5, 0.5)", pt)
	}

	_, off = f.Flatten(mgl64.Vec3{0.5, 3, 0.5})
	if !floatNear(off, -3.0, geomEpsilon) {
		t.Errorf("interior offset = %f, want -3.0", off)
	}
}

func TestProximityDistance(t *testing.T) {
	ring := []mgl64.Vec3{{0, 0, 0}, {1, 0, 0}, {1, 0, 1}, {0, 0, 1}}
	f, err := NewFace(0, ring)
	if err != nil {
		t.Fatalf("NewFace() error = %v", err)
	}

	inside := f.ProximityDistance(orb.Point{0.5, 0.5}, -0.25)
	if !floatNear(inside, 0.25, geomEpsilon) {
		t.Errorf("in-bounds distance = %f, want 0.25", inside)
	}

	outside := f.ProximityDistance(orb.Point{5, 0.5}, 0.25)
	if outside < outOfBoundsPenalty {
		t.Errorf("out-of-bounds distance = %f, want >= %f", outside, outOfBoundsPenalty)
	}
}

func TestContainsLocal(t *testing.T) {
	ring := []mgl64.Vec3{{0, 0, 0}, {1, 0, 0}, {1, 0, 1}, {0, 0, 1}}
	f, err := NewFace(0, ring)
	if err != nil {
		t.Fatalf("NewFace() error = %v", err)
	}

	if !f.ContainsLocal(orb.Point{0.5, 0.5}) {
		t.Error("center point should be inside the face")
	}
	if f.ContainsLocal(orb.Point{1.5, 0.5}) {
		t.Error("point beyond the edge should be outside the face")
	}
}

func TestBuildSolidCube(t *testing.T) {
	solid, faceErrs := BuildSolid(unitCubeRings())
	if len(faceErrs) != 0 {
		t.Fatalf("BuildSolid() face errors = %v", faceErrs)
	}
	if len(solid.Faces) != 6 {
		t.Fatalf("faces = %d, want 6", len(solid.Faces))
	}
	if solid.RingCount != 6 {
		t.Errorf("RingCount = %d, want 6", solid.RingCount)
	}
	if !floatNear(solid.TotalArea, 6.0, geomEpsilon) {
		t.Errorf("TotalArea = %f, want 6.0", solid.TotalArea)
	}

	// Total area must equal the sum of the per-face areas exactly.
	sum := 0.0
	for _, f := range solid.Faces {
		sum += f.Area
	}
	if !floatNear(solid.TotalArea, sum, geomEpsilon) {
		t.Errorf("TotalArea = %f, face sum = %f", solid.TotalArea, sum)
	}
}

func TestBuildSolidSkipsDegenerateFaces(t *testing.T) {
	rings := unitCubeRings()
	rings[2] = []mgl64.Vec3{{0, 0, 0}, {1, 1, 1}} // too few vertices

	solid, faceErrs := BuildSolid(rings)
	if len(faceErrs) != 1 {
		t.Fatalf("face errors = %d, want 1", len(faceErrs))
	}
	if !IsGeometry(faceErrs[0]) {
		t.Errorf("error %v is not a GeometryError", faceErrs[0])
	}
	if len(solid.Faces) != 5 {
		t.Fatalf("faces = %d, want 5", len(solid.Faces))
	}
	if solid.RingCount != 6 {
		t.Errorf("RingCount = %d, want 6", solid.RingCount)
	}

	// Surviving faces keep their source ring indices.
	indices := make([]int, len(solid.Faces))
	for i, f := range solid.Faces {
		indices[i] = f.Index
	}
	want := []int{0, 1, 3, 4, 5}
	for i := range want {
		if indices[i] != want[i] {
			t.Errorf("face indices = %v, want %v", indices, want)
			break
		}
	}
}

func TestFootprintFromSolid(t *testing.T) {
	fp := FootprintFromSolid(unitCubeRings())
	if fp == nil {
		t.Fatal("FootprintFromSolid() = nil")
	}
	if fp[0] != fp[len(fp)-1] {
		t.Error("footprint ring is not closed")
	}
	if fp.Orientation() != orb.CCW {
		t.Error("footprint ring is not counter-clockwise")
	}
	if area := ringArea(fp); !floatNear(area, 1.0, geomEpsilon) {
		t.Errorf("footprint area = %f, want 1.0", area)
	}
}
