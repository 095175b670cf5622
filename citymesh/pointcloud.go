package citymesh

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// maxLoadBytes caps how much tile data a single load may pull in.
const maxLoadBytes = 2 << 30

// Points outside this height band are survey noise and never belong to a
// building.
const (
	cloudMinZ = 0.0
	cloudMaxZ = 300.0
)

// PointCloud is a set of colored survey points in the zone CRS.
// Positions and Colors run in parallel; colors are RGB in [0, 1].
type PointCloud struct {
	Positions []mgl64.Vec3
	Colors    []mgl64.Vec3
	// GridSize is the sampling pitch the cloud was last downsampled to.
	GridSize float64
}

// Len returns the number of points.
func (c *PointCloud) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Positions)
}

// Bound returns the 2D bounding box of the points.
func (c *PointCloud) Bound() orb.Bound {
	var b orb.Bound
	for i, p := range c.Positions {
		pt := orb.Point{p.X(), p.Y()}
		if i == 0 {
			b = orb.Bound{Min: pt, Max: pt}
			continue
		}
		b = b.Extend(pt)
	}
	return b
}

// cloudTile is the on-disk tile payload. Colors and intensity are 16-bit
// like the survey sources they come from.
type cloudTile struct {
	Points    [][3]float64 `json:"points"`
	Colors    [][3]uint16  `json:"colors"`
	Intensity []uint16     `json:"intensity"`
}

// DecodeCloudTile decodes a tile that is either plain JSON, gzip, or
// zlib compressed. The format is probed from the leading bytes, the way
// the tile generators happen to have written them over time.
func DecodeCloudTile(data []byte) (*PointCloud, error) {
	var (
		raw []byte
		err error
	)
	switch {
	case len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b:
		var r *gzip.Reader
		r, err = gzip.NewReader(bytes.NewReader(data))
		if err == nil {
			raw, err = readAllLimited(r)
			r.Close()
		}
	case len(data) >= 1 && data[0] == '{':
		raw = data
	case len(data) >= 1 && data[0] == 0x78:
		var r io.ReadCloser
		r, err = zlib.NewReader(bytes.NewReader(data))
		if err == nil {
			raw, err = readAllLimited(r)
			r.Close()
		}
	default:
		return nil, validationf("unrecognized cloud tile format")
	}
	if err != nil {
		return nil, err
	}

	var tile cloudTile
	if err := json.Unmarshal(raw, &tile); err != nil {
		return nil, &ValidationError{Msg: "parsing cloud tile", Err: err}
	}
	return tileToCloud(&tile)
}

// ReadCloudTile loads and decodes a tile file.
func ReadCloudTile(path string) (*PointCloud, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxLoadBytes {
		return nil, &ResourceError{Op: "load tile", Msg: fmt.Sprintf("%s is %d bytes", path, info.Size())}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cloud, err := DecodeCloudTile(data)
	if err != nil {
		return nil, fmt.Errorf("tile %s: %w", path, err)
	}
	return cloud, nil
}

func readAllLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxLoadBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxLoadBytes {
		return nil, &ResourceError{Op: "load tile", Msg: "tile expands past the load limit"}
	}
	return data, nil
}

func tileToCloud(tile *cloudTile) (*PointCloud, error) {
	n := len(tile.Points)
	if len(tile.Colors) > 0 && len(tile.Colors) != n {
		return nil, validationf("tile has %d points but %d colors", n, len(tile.Colors))
	}
	if len(tile.Intensity) > 0 && len(tile.Intensity) != n {
		return nil, validationf("tile has %d points but %d intensity values", n, len(tile.Intensity))
	}

	cloud := &PointCloud{
		Positions: make([]mgl64.Vec3, n),
		Colors:    make([]mgl64.Vec3, n),
		GridSize:  DefaultBaseGridSize,
	}
	for i, p := range tile.Points {
		cloud.Positions[i] = mgl64.Vec3{p[0], p[1], p[2]}
	}

	switch {
	case len(tile.Colors) == n && colorsNonZero(tile.Colors):
		for i, c := range tile.Colors {
			cloud.Colors[i] = mgl64.Vec3{
				float64(c[0]) / 65536.0,
				float64(c[1]) / 65536.0,
				float64(c[2]) / 65536.0,
			}
		}
	case len(tile.Intensity) == n:
		// Monochrome sources carry intensity instead of RGB.
		for i, v := range tile.Intensity {
			g := float64(v) / 65536.0
			cloud.Colors[i] = mgl64.Vec3{g, g, g}
		}
	default:
		for i := range cloud.Colors {
			cloud.Colors[i] = mgl64.Vec3{0.5, 0.5, 0.5}
		}
	}
	return cloud, nil
}

func colorsNonZero(colors [][3]uint16) bool {
	for _, c := range colors {
		if c[0] != 0 || c[1] != 0 || c[2] != 0 {
			return true
		}
	}
	return false
}

// MergeClouds concatenates clouds. The merged grid size is the coarsest
// of the inputs.
func MergeClouds(clouds ...*PointCloud) *PointCloud {
	merged := &PointCloud{GridSize: DefaultBaseGridSize}
	for _, c := range clouds {
		if c == nil {
			continue
		}
		merged.Positions = append(merged.Positions, c.Positions...)
		merged.Colors = append(merged.Colors, c.Colors...)
		if c.GridSize > merged.GridSize {
			merged.GridSize = c.GridSize
		}
	}
	return merged
}

// CropBound keeps the points whose x, y fall inside the bound.
func (c *PointCloud) CropBound(b orb.Bound) *PointCloud {
	out := &PointCloud{GridSize: c.GridSize}
	for i, p := range c.Positions {
		if b.Contains(orb.Point{p.X(), p.Y()}) {
			out.Positions = append(out.Positions, p)
			out.Colors = append(out.Colors, c.Colors[i])
		}
	}
	return out
}

// CropPrism keeps the points within buffer of the footprint ring, inside
// the building height band. The crop is what bounds later per-face work,
// so it includes points hovering just outside the walls.
func (c *PointCloud) CropPrism(ring orb.Ring, buffer float64) *PointCloud {
	ring = closeRing(ring)
	out := &PointCloud{GridSize: c.GridSize}
	for i, p := range c.Positions {
		if p.Z() < cloudMinZ || p.Z() > cloudMaxZ {
			continue
		}
		if !pointNearRing(ring, orb.Point{p.X(), p.Y()}, buffer) {
			continue
		}
		out.Positions = append(out.Positions, p)
		out.Colors = append(out.Colors, c.Colors[i])
	}
	return out
}

// pointNearRing reports whether pt lies inside the ring or within
// distance of its boundary.
func pointNearRing(ring orb.Ring, pt orb.Point, distance float64) bool {
	if planar.RingContains(ring, pt) {
		return true
	}
	for i := 1; i < len(ring); i++ {
		if planar.DistanceFromSegment(ring[i-1], ring[i], pt) <= distance {
			return true
		}
	}
	return false
}

type voxelKey struct {
	i, j, k int64
}

// Downsample averages the points of each cell of a cubic grid. Cell
// output order is fixed by the sorted cell indices, so the result does
// not depend on input order beyond which points share a cell.
func (c *PointCloud) Downsample(cell float64) *PointCloud {
	if cell <= 0 || c.Len() == 0 {
		out := &PointCloud{GridSize: c.GridSize}
		out.Positions = append(out.Positions, c.Positions...)
		out.Colors = append(out.Colors, c.Colors...)
		return out
	}

	type acc struct {
		pos   mgl64.Vec3
		color mgl64.Vec3
		n     float64
	}
	cells := map[voxelKey]*acc{}
	for i, p := range c.Positions {
		key := voxelKey{
			i: int64(math.Floor(p.X() / cell)),
			j: int64(math.Floor(p.Y() / cell)),
			k: int64(math.Floor(p.Z() / cell)),
		}
		a := cells[key]
		if a == nil {
			a = &acc{}
			cells[key] = a
		}
		a.pos = a.pos.Add(p)
		a.color = a.color.Add(c.Colors[i])
		a.n++
	}

	keys := make([]voxelKey, 0, len(cells))
	for key := range cells {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(a, b int) bool {
		ka, kb := keys[a], keys[b]
		if ka.i != kb.i {
			return ka.i < kb.i
		}
		if ka.j != kb.j {
			return ka.j < kb.j
		}
		return ka.k < kb.k
	})

	out := &PointCloud{
		Positions: make([]mgl64.Vec3, 0, len(keys)),
		Colors:    make([]mgl64.Vec3, 0, len(keys)),
		GridSize:  math.Max(cell, c.GridSize),
	}
	for _, key := range keys {
		a := cells[key]
		out.Positions = append(out.Positions, a.pos.Mul(1/a.n))
		out.Colors = append(out.Colors, a.color.Mul(1/a.n))
	}
	return out
}

// Budget downsamples until the cloud fits the point limit, coarsening
// the grid by sqrt(2) each round. Every round resamples the original
// cloud, not the previous round's output. A non-positive limit returns
// the cloud untouched.
func (c *PointCloud) Budget(limit int, baseCell float64) *PointCloud {
	if limit <= 0 || c.Len() <= limit {
		return c
	}
	if baseCell <= 0 {
		baseCell = DefaultBaseGridSize
	}

	cell := baseCell
	out := c
	for out.Len() > limit {
		out = c.Downsample(cell)
		out.GridSize = cell
		cell *= math.Sqrt2
	}
	return out
}

// ParsePointLimit reads a point budget like "500000", "500k" or "1.5m".
// Zero means the default budget and negative values disable the limit.
func ParsePointLimit(s string) (int, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return DefaultPointBudget, nil
	}

	mult := 1.0
	switch {
	case strings.HasSuffix(s, "k"):
		mult = 1e3
		s = strings.TrimSuffix(s, "k")
	case strings.HasSuffix(s, "m"):
		mult = 1e6
		s = strings.TrimSuffix(s, "m")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, validationf("invalid point limit %q", s)
	}
	return int(v * mult), nil
}
