package citymesh

import (
	"sync"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/paulmach/orb"
)

// Confidence levels attached to footprint matches.
const (
	ConfidenceHigh = "high"
	ConfidenceLow  = "low"
)

// Coverage tiers derived from the covered-area ratio.
const (
	TierHigh   = "high"
	TierMedium = "medium"
	TierLow    = "low"
)

// BuildingModel is one stored building: its ground footprint plus the 3D
// boundary rings of one LOD geometry.
type BuildingModel struct {
	FID       int64    `json:"fid"`
	ID        string   `json:"bldid"`
	LOD       int      `json:"lod"`
	Footprint orb.Ring `json:"footprint"` // closed, counter-clockwise
	Area      float64  `json:"area"`      // footprint area, precomputed on load
	Rings     [][]mgl64.Vec3 `json:"-"`

	once      sync.Once
	solid     *Solid
	solidErrs []error
}

// Solid returns the face list for the model's rings, building it on first
// use. Construction errors for individual faces are reported alongside the
// solid on every call; the failed faces are simply absent.
func (m *BuildingModel) Solid() (*Solid, []error) {
	m.once.Do(func() {
		m.solid, m.solidErrs = BuildSolid(m.Rings)
	})
	return m.solid, m.solidErrs
}

// FootprintMatch is one candidate building matched against a query
// footprint.
type FootprintMatch struct {
	BuildingID string         `json:"bldid"`
	FID        int64          `json:"fid"`
	Area       float64        `json:"area"`
	Metrics    OverlapMetrics `json:"metrics"`
	Overlapped bool           `json:"isOverlapped"`
	Confidence string         `json:"confidence"`

	// Footprint carries the candidate outline for report rendering. It is
	// not serialized with the match itself.
	Footprint orb.Ring `json:"-"`
}

// FaceCoverage is the covered-area estimate for one face.
type FaceCoverage struct {
	Face    int     `json:"face"`
	Area    float64 `json:"area"`
	Covered float64 `json:"covered"`
	Points  int     `json:"points"`
}

// CoverageReport aggregates point-cloud coverage over a building's faces.
type CoverageReport struct {
	BuildingID string         `json:"bldid"`
	LOD        int            `json:"lod"`
	TotalArea  float64        `json:"totalArea"`
	Covered    float64        `json:"coveredArea"`
	Ratio      float64        `json:"ratio"`
	Tier       string         `json:"tier"`
	Points     int            `json:"points"`
	Faces      []FaceCoverage `json:"faces"`
	Warnings   []string       `json:"warnings,omitempty"`

	// Footprint carries the building outline for feature responses and
	// report rendering. It is not serialized with the report itself.
	Footprint orb.Ring `json:"-"`
}

// FaceTexture is one rendered texture image. Every face of a textured model
// gets exactly one, empty faces sharing the gray placeholder.
type FaceTexture struct {
	Face   int    `json:"face"`
	Name   string `json:"name"` // file name referenced from the MTL
	PNG    []byte `json:"-"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Empty  bool   `json:"empty"`
}

// ModelBundle is a finished OBJ + MTL + texture set for one building.
type ModelBundle struct {
	Prefix   string        `json:"prefix"`
	OBJ      []byte        `json:"-"`
	MTL      []byte        `json:"-"`
	Textures []FaceTexture `json:"textures"`
	Warnings []string      `json:"warnings,omitempty"`
}

// coverageTier maps a covered-area ratio to its tier.
func coverageTier(ratio, high, medium float64) string {
	switch {
	case ratio >= high:
		return TierHigh
	case ratio >= medium:
		return TierMedium
	default:
		return TierLow
	}
}
