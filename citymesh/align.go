package citymesh

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/paulmach/orb"
)

// AffineMatrix is a 2D affine transform.
// x' = A*x + B*y + Tx
// y' = C*x + D*y + Ty
type AffineMatrix struct {
	A  float64 `json:"a"`
	B  float64 `json:"b"`
	Tx float64 `json:"tx"`
	C  float64 `json:"c"`
	D  float64 `json:"d"`
	Ty float64 `json:"ty"`
}

// Identity returns the identity transform.
func Identity() AffineMatrix {
	return AffineMatrix{A: 1, B: 0, Tx: 0, C: 0, D: 1, Ty: 0}
}

// Translation returns a translation-only transform.
func Translation(tx, ty float64) AffineMatrix {
	return AffineMatrix{A: 1, B: 0, Tx: tx, C: 0, D: 1, Ty: ty}
}

// Rotation returns a rotation around the origin, angle in radians.
func Rotation(angle float64) AffineMatrix {
	cos := math.Cos(angle)
	sin := math.Sin(angle)
	return AffineMatrix{A: cos, B: -sin, Tx: 0, C: sin, D: cos, Ty: 0}
}

// Apply transforms one point.
func (m AffineMatrix) Apply(p orb.Point) orb.Point {
	return orb.Point{
		m.A*p[0] + m.B*p[1] + m.Tx,
		m.C*p[0] + m.D*p[1] + m.Ty,
	}
}

// ApplyRing transforms every vertex of a ring into a new ring.
func (m AffineMatrix) ApplyRing(ring orb.Ring) orb.Ring {
	out := make(orb.Ring, len(ring))
	for i, p := range ring {
		out[i] = m.Apply(p)
	}
	return out
}

// MultiplyMatrices composes two transforms: applying the result equals
// applying m2 first, then m1.
func MultiplyMatrices(m1, m2 AffineMatrix) AffineMatrix {
	return AffineMatrix{
		A:  m1.A*m2.A + m1.B*m2.C,
		B:  m1.A*m2.B + m1.B*m2.D,
		Tx: m1.A*m2.Tx + m1.B*m2.Ty + m1.Tx,
		C:  m1.C*m2.A + m1.D*m2.C,
		D:  m1.C*m2.B + m1.D*m2.D,
		Ty: m1.C*m2.Tx + m1.D*m2.Ty + m1.Ty,
	}
}

// InvertMatrix returns the inverse transform, or identity when the
// matrix is singular.
func InvertMatrix(m AffineMatrix) AffineMatrix {
	det := m.A*m.D - m.B*m.C
	if math.Abs(det) < 1e-10 {
		return Identity()
	}

	invDet := 1.0 / det
	return AffineMatrix{
		A:  m.D * invDet,
		B:  -m.B * invDet,
		Tx: (m.B*m.Ty - m.D*m.Tx) * invDet,
		C:  -m.C * invDet,
		D:  m.A * invDet,
		Ty: (m.C*m.Tx - m.A*m.Ty) * invDet,
	}
}

// CalculateRigidTransform computes the best rotation + translation
// mapping source points onto target points by Procrustes analysis.
// Scale is left alone since both point sets live in the same CRS.
func CalculateRigidTransform(source, target []orb.Point) AffineMatrix {
	n := len(source)
	if n < 2 || n != len(target) {
		return Identity()
	}

	var srcCX, srcCY, tgtCX, tgtCY float64
	for i := range source {
		srcCX += source[i][0]
		srcCY += source[i][1]
		tgtCX += target[i][0]
		tgtCY += target[i][1]
	}
	fn := float64(n)
	srcCX, srcCY = srcCX/fn, srcCY/fn
	tgtCX, tgtCY = tgtCX/fn, tgtCY/fn

	// Cross-covariance of the centered point sets.
	var h11, h12, h21, h22 float64
	for i := range source {
		sx := source[i][0] - srcCX
		sy := source[i][1] - srcCY
		tx := target[i][0] - tgtCX
		ty := target[i][1] - tgtCY
		h11 += sx * tx
		h12 += sx * ty
		h21 += sy * tx
		h22 += sy * ty
	}

	theta := math.Atan2(h21-h12, h11+h22)
	cos := math.Cos(theta)
	sin := math.Sin(theta)

	a, b, c, d := cos, -sin, sin, cos
	tx := tgtCX - (a*srcCX + b*srcCY)
	ty := tgtCY - (c*srcCX + d*srcCY)

	return AffineMatrix{A: a, B: b, Tx: tx, C: c, D: d, Ty: ty}
}

// AlignFeatures derives the rigid transform that moves the query
// drawing onto the building store, pairing each query footprint's
// centroid with the centroid of its best high-confidence match.
// It returns the transform and the number of pairs behind it; fewer
// than two pairs leave the drawing where it is.
func AlignFeatures(queries []QueryFeature, result *MatchResult) (AffineMatrix, int) {
	if result == nil {
		return Identity(), 0
	}

	byName := make(map[string]*FeatureMatches, len(result.Features))
	for i := range result.Features {
		byName[result.Features[i].Name] = &result.Features[i]
	}

	var source, target []orb.Point
	for _, q := range queries {
		feature, ok := byName[q.Name]
		if !ok || len(q.Footprint) == 0 {
			continue
		}
		for _, match := range feature.Matches {
			if match.Confidence != ConfidenceHigh || len(match.Footprint) == 0 {
				continue
			}
			source = append(source, ringCentroid(q.Footprint))
			target = append(target, ringCentroid(match.Footprint))
			break
		}
	}

	if len(source) < 2 {
		return Identity(), len(source)
	}
	return CalculateRigidTransform(source, target), len(source)
}

// AlignmentCache stores computed site transforms between runs.
type AlignmentCache struct {
	Sites       map[string]AffineMatrix `json:"sites"`
	LastUpdated int64                   `json:"lastUpdated"`
}

// LoadAlignments loads the alignment cache. A missing file is no
// error; it returns nil.
func LoadAlignments(path string) (*AlignmentCache, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading alignment cache: %w", err)
	}

	var cache AlignmentCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil, fmt.Errorf("parsing alignment cache: %w", err)
	}
	return &cache, nil
}

// SaveAlignments writes the alignment cache, creating the directory
// if needed.
func SaveAlignments(path string, cache *AlignmentCache) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating alignment cache directory: %w", err)
	}

	cache.LastUpdated = time.Now().Unix()

	data, err := json.MarshalIndent(cache, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling alignment cache: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing alignment cache: %w", err)
	}
	return nil
}

// Transform returns the stored transform for a site, identity when
// the cache has none.
func (c *AlignmentCache) Transform(site string) AffineMatrix {
	if c == nil || c.Sites == nil {
		return Identity()
	}
	if m, ok := c.Sites[site]; ok {
		return m
	}
	return Identity()
}

// Set records the transform for a site.
func (c *AlignmentCache) Set(site string, m AffineMatrix) {
	if c.Sites == nil {
		c.Sites = make(map[string]AffineMatrix)
	}
	c.Sites[site] = m
}

// Stale reports whether the cache is older than maxAge.
func (c *AlignmentCache) Stale(maxAge time.Duration) bool {
	if c == nil || c.LastUpdated == 0 {
		return true
	}
	return time.Since(time.Unix(c.LastUpdated, 0)) > maxAge
}
