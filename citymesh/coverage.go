package citymesh

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// assignment relates cloud points to candidate faces. Faces keep a row
// when at least one point comes near them; the rest are skipped. For
// extruded LOD1 models the synthetic floor and roof keep their rows but
// carry a penalty so no point resolves to them as its nearest face.
type assignment struct {
	rows      []int     // solid face indices that have a row
	rowOf     []int     // face index -> row, -1 when skipped
	penalized []bool    // per row
	nearest   []int     // per point: row of the nearest face, -1 without rows
	minDist   []float64 // per point: distance to that face
	skipped   []string
}

// assignPoints builds the point-to-face assignment. The cutoff excludes
// faces whose closest point is farther than cutoff meters. The cloud
// must be non-empty.
func assignPoints(solid *Solid, cloud *PointCloud, lod int, cutoff float64) *assignment {
	n := cloud.Len()
	a := &assignment{
		rowOf:   make([]int, len(solid.Faces)),
		nearest: make([]int, n),
		minDist: make([]float64, n),
	}
	for i := range a.rowOf {
		a.rowOf[i] = -1
	}
	for i := range a.nearest {
		a.nearest[i] = -1
		a.minDist[i] = math.Inf(1)
	}

	dists := make([]float64, n)
	for fi := range solid.Faces {
		face := &solid.Faces[fi]

		min := math.Inf(1)
		for pi, p := range cloud.Positions {
			local, offset := face.Flatten(p)
			d := face.ProximityDistance(local, offset)
			dists[pi] = d
			if d < min {
				min = d
			}
		}
		if min > cutoff {
			a.skipped = append(a.skipped, fmt.Sprintf("face %d: no points within %.0f m", face.Index, cutoff))
			continue
		}

		penalized := lod == 1 && (fi == 0 || fi == len(solid.Faces)-1)
		if penalized {
			for pi := range dists {
				dists[pi] += outOfBoundsPenalty
			}
		}

		row := len(a.rows)
		a.rows = append(a.rows, fi)
		a.rowOf[fi] = row
		a.penalized = append(a.penalized, penalized)
		for pi, d := range dists {
			if d < a.minDist[pi] {
				a.minDist[pi] = d
				a.nearest[pi] = row
			}
		}
	}
	return a
}

// countNear returns how many points lie within threshold of their
// nearest face.
func (a *assignment) countNear(threshold float64) int {
	count := 0
	for _, d := range a.minDist {
		if d <= threshold {
			count++
		}
	}
	return count
}

// ComputeCoverage derives per-face and whole-building point coverage.
// A face's covered area is the area of the union of dilation disks
// around its accepted points, clipped to the face and capped at its
// area. The building ratio weighs faces by area.
func ComputeCoverage(model *BuildingModel, cloud *PointCloud, cfg EngineConfig) (*CoverageReport, error) {
	cfg = cfg.normalized()
	solid, geomErrs := model.Solid()
	if solid == nil || len(solid.Faces) == 0 {
		return nil, &GeometryError{BuildingID: model.ID, Face: -1, Msg: "no usable faces"}
	}

	report := &CoverageReport{BuildingID: model.ID, LOD: model.LOD, Footprint: model.Footprint}
	for _, err := range geomErrs {
		report.Warnings = append(report.Warnings, err.Error())
	}

	if cloud.Len() == 0 {
		report.Tier = coverageTier(0, cfg.HighCoverage, cfg.MediumCoverage)
		report.Warnings = append(report.Warnings, "point cloud is empty")
		return report, nil
	}

	assign := assignPoints(solid, cloud, model.LOD, cfg.FaceCutoff)
	report.Warnings = append(report.Warnings, assign.skipped...)
	report.Points = assign.countNear(cfg.Buffer)

	dilation := cfg.Dilation
	if cloud.GridSize > dilation {
		dilation = cloud.GridSize
	}

	for row, fi := range assign.rows {
		if assign.penalized[row] {
			continue
		}
		fc := coverFace(&solid.Faces[fi], cloud, cfg.Buffer, dilation)
		report.Faces = append(report.Faces, fc)
		report.TotalArea += fc.Area
		report.Covered += fc.Covered
	}

	if report.TotalArea > 0 {
		report.Ratio = clampRatio(report.Covered / report.TotalArea)
	}
	report.Tier = coverageTier(report.Ratio, cfg.HighCoverage, cfg.MediumCoverage)
	return report, nil
}

// coverFace estimates the covered area of one face. The face plane is
// sampled on a grid of at most 1024 cells per axis; a cell counts when
// its center lies in the face polygon within one dilation radius of an
// accepted point.
func coverFace(face *Face, cloud *PointCloud, buffer, dilation float64) FaceCoverage {
	fc := FaceCoverage{Face: face.Index, Area: face.Area}

	var accepted []orb.Point
	for _, p := range cloud.Positions {
		local, offset := face.Flatten(p)
		if math.Abs(offset) > buffer {
			continue
		}
		if !face.ContainsLocal(local) {
			continue
		}
		accepted = append(accepted, local)
	}
	fc.Points = len(accepted)
	if len(accepted) == 0 {
		return fc
	}

	grid := newPointGrid(accepted, dilation)
	bounds := face.Bounds
	width := bounds.Max[0] - bounds.Min[0]
	height := bounds.Max[1] - bounds.Min[1]

	const maxCells = 1024
	step := dilation / 2
	if width/maxCells > step {
		step = width / maxCells
	}
	if height/maxCells > step {
		step = height / maxCells
	}

	covered := 0.0
	cellArea := step * step
	for y := bounds.Min[1] + step/2; y < bounds.Max[1]; y += step {
		for x := bounds.Min[0] + step/2; x < bounds.Max[0]; x += step {
			center := orb.Point{x, y}
			if !face.ContainsLocal(center) {
				continue
			}
			if grid.anyWithin(center, dilation) {
				covered += cellArea
			}
		}
	}

	if covered > fc.Area {
		covered = fc.Area
	}
	fc.Covered = covered
	return fc
}
