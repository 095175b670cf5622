package citymesh

import (
	"testing"

	"github.com/go-gl/mathgl/mgl64"
)

// twoWallModel has one 10x5 wall and one 20x5 wall along the x axis.
func twoWallModel(t *testing.T) *BuildingModel {
	t.Helper()
	rings := [][]mgl64.Vec3{
		{{0, 0, 0}, {10, 0, 0}, {10, 0, 5}, {0, 0, 5}},
		{{20, 0, 0}, {40, 0, 0}, {40, 0, 5}, {20, 0, 5}},
	}
	model, err := NewBuildingModel("COV1", 0, 0, rings)
	if err != nil {
		t.Fatalf("NewBuildingModel: %v", err)
	}
	return model
}

func TestComputeCoverageTwoWalls(t *testing.T) {
	model := twoWallModel(t)

	// A dense lattice on the first wall, nothing on the second except
	// two standoff points that keep it from being skipped.
	cloud := &PointCloud{GridSize: DefaultBaseGridSize}
	for x := 0.2; x <= 9.8; x += 0.45 {
		for z := 0.2; z <= 4.8; z += 0.45 {
			cloud.Positions = append(cloud.Positions, mgl64.Vec3{x, 0, z})
			cloud.Colors = append(cloud.Colors, mgl64.Vec3{0.5, 0.5, 0.5})
		}
	}
	lattice := cloud.Len()
	cloud.Positions = append(cloud.Positions, mgl64.Vec3{25, 5, 2}, mgl64.Vec3{30, 5, 2})
	cloud.Colors = append(cloud.Colors, mgl64.Vec3{0.5, 0.5, 0.5}, mgl64.Vec3{0.5, 0.5, 0.5})

	report, err := ComputeCoverage(model, cloud, EngineConfig{})
	if err != nil {
		t.Fatalf("ComputeCoverage: %v", err)
	}

	if len(report.Faces) != 2 {
		t.Fatalf("got %d face entries, want 2", len(report.Faces))
	}
	if !floatNear(report.TotalArea, 150, 1e-9) {
		t.Errorf("TotalArea = %v, want 150", report.TotalArea)
	}

	wall1 := report.Faces[0]
	if !floatNear(wall1.Covered, 50, 1e-6) {
		t.Errorf("wall1 Covered = %v, want 50 (fully covered)", wall1.Covered)
	}
	if wall1.Points != lattice {
		t.Errorf("wall1 Points = %d, want %d", wall1.Points, lattice)
	}

	wall2 := report.Faces[1]
	if wall2.Covered != 0 || wall2.Points != 0 {
		t.Errorf("wall2 Covered = %v Points = %d, want zero", wall2.Covered, wall2.Points)
	}

	// Covered area over total area: 50 / 150.
	if !floatNear(report.Ratio, 50.0/150.0, 1e-9) {
		t.Errorf("Ratio = %v, want %v", report.Ratio, 50.0/150.0)
	}
	if report.Tier != TierMedium {
		t.Errorf("Tier = %q, want %q", report.Tier, TierMedium)
	}
	if report.Points != lattice {
		t.Errorf("Points = %d, want %d near-wall points", report.Points, lattice)
	}

	// Same inputs, same report.
	again, err := ComputeCoverage(model, cloud, EngineConfig{})
	if err != nil {
		t.Fatalf("ComputeCoverage again: %v", err)
	}
	if again.Ratio != report.Ratio || again.Covered != report.Covered || again.Points != report.Points {
		t.Errorf("coverage is not deterministic: %+v vs %+v", again, report)
	}
}

func TestComputeCoverageEmptyCloud(t *testing.T) {
	model := twoWallModel(t)

	report, err := ComputeCoverage(model, &PointCloud{}, EngineConfig{})
	if err != nil {
		t.Fatalf("ComputeCoverage: %v", err)
	}
	if report.Ratio != 0 {
		t.Errorf("Ratio = %v, want 0", report.Ratio)
	}
	if report.Tier != TierLow {
		t.Errorf("Tier = %q, want %q", report.Tier, TierLow)
	}
	if len(report.Faces) != 0 {
		t.Errorf("got %d face entries, want 0", len(report.Faces))
	}
	if len(report.Warnings) == 0 {
		t.Error("expected a warning about the empty cloud")
	}
}

func TestComputeCoverageAllPointsFar(t *testing.T) {
	model, err := NewBuildingModel("COV2", 0, 0, unitCubeRings())
	if err != nil {
		t.Fatalf("NewBuildingModel: %v", err)
	}
	cloud := grayCloud(mgl64.Vec3{50, 50, 2}, mgl64.Vec3{60, 50, 2})

	report, err := ComputeCoverage(model, cloud, EngineConfig{})
	if err != nil {
		t.Fatalf("ComputeCoverage: %v", err)
	}
	if report.Ratio != 0 {
		t.Errorf("Ratio = %v, want 0", report.Ratio)
	}
	if report.Tier != TierLow {
		t.Errorf("Tier = %q, want %q", report.Tier, TierLow)
	}
	if report.Points != 0 {
		t.Errorf("Points = %d, want 0", report.Points)
	}
	// Every face was skipped for want of nearby points.
	if len(report.Warnings) != 6 {
		t.Errorf("got %d warnings, want 6", len(report.Warnings))
	}
}

func TestComputeCoverageLOD1SkipsFloorAndRoof(t *testing.T) {
	model, err := NewBuildingModel("COV3", 0, 1, boxRings(0, 0, 4, 4, 3))
	if err != nil {
		t.Fatalf("NewBuildingModel: %v", err)
	}

	// Points sit on the roof plane near the wall tops. They are close
	// to the floor and roof too, but those faces are synthetic for an
	// extruded model and must not absorb them.
	cloud := grayCloud(
		mgl64.Vec3{1, 1, 2.5},
		mgl64.Vec3{1, 3, 2.5},
		mgl64.Vec3{3, 1, 2.5},
		mgl64.Vec3{3, 3, 2.5},
	)

	report, err := ComputeCoverage(model, cloud, EngineConfig{})
	if err != nil {
		t.Fatalf("ComputeCoverage: %v", err)
	}

	if len(report.Faces) != 4 {
		t.Fatalf("got %d face entries, want the 4 walls", len(report.Faces))
	}
	for _, fc := range report.Faces {
		if fc.Face == 0 || fc.Face == 5 {
			t.Errorf("face %d should be excluded for an extruded model", fc.Face)
		}
	}
	if report.Points != 4 {
		t.Errorf("Points = %d, want 4", report.Points)
	}
}

func TestCoverageTier(t *testing.T) {
	tests := []struct {
		ratio float64
		want  string
	}{
		{0.45, TierHigh},
		{0.40, TierHigh},
		{0.25, TierMedium},
		{0.20, TierMedium},
		{0.10, TierLow},
		{0, TierLow},
	}
	for _, tt := range tests {
		if got := coverageTier(tt.ratio, DefaultHighCoverage, DefaultMediumCoverage); got != tt.want {
			t.Errorf("coverageTier(%v) = %q, want %q", tt.ratio, got, tt.want)
		}
	}
}
