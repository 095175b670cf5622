package citymesh

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"sync"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/paulmach/orb"
)

// noTextureName is the shared image for faces that end up with no
// usable points.
const noTextureName = "no_texture.png"

// BundlePrefix names a texture bundle after the inputs that shaped it,
// so differently parameterized runs never collide on disk.
func BundlePrefix(id string, lod int, method string, imageSize, points int) string {
	return fmt.Sprintf("%s_lod%d_%s_%d_%d", id, lod, method, imageSize, points)
}

// facePoints is the point set selected for one face, in the face's
// local plane coordinates.
type facePoints struct {
	locals []orb.Point
	colors []mgl64.Vec3
}

func (f *facePoints) add(local orb.Point, c mgl64.Vec3) {
	f.locals = append(f.locals, local)
	f.colors = append(f.colors, c)
}

// RenderFaceTextures rasterizes one texture per solid face, in face
// order. Faces with no usable points share the no-texture image.
func RenderFaceTextures(model *BuildingModel, cloud *PointCloud, cfg EngineConfig) ([]FaceTexture, []string, error) {
	cfg = cfg.normalized()
	switch cfg.TextureMethod {
	case TextureMethodAll, TextureMethodNearest, TextureMethodSmart:
	default:
		return nil, nil, validationf("texture method %q is not one of all, nearest, smart", cfg.TextureMethod)
	}

	solid, geomErrs := model.Solid()
	if solid == nil || len(solid.Faces) == 0 {
		return nil, nil, &GeometryError{BuildingID: model.ID, Face: -1, Msg: "no usable faces"}
	}

	var warnings []string
	for _, err := range geomErrs {
		warnings = append(warnings, err.Error())
	}

	var assign *assignment
	if cloud.Len() > 0 {
		assign = assignPoints(solid, cloud, model.LOD, cfg.FaceCutoff)
		warnings = append(warnings, assign.skipped...)
	}

	prefix := BundlePrefix(model.ID, model.LOD, cfg.TextureMethod, cfg.ImageSize, cloud.Len())

	textures := make([]FaceTexture, 0, len(solid.Faces))
	for fi := range solid.Faces {
		face := &solid.Faces[fi]
		selected := selectFacePoints(face, fi, cloud, assign, cfg)
		if len(selected.locals) == 0 {
			textures = append(textures, FaceTexture{
				Face:   face.Index,
				Name:   noTextureName,
				PNG:    noTexturePNG(),
				Width:  4,
				Height: 4,
				Empty:  true,
			})
			continue
		}

		tex, err := rasterFace(face, selected, cloud.GridSize, cfg.ImageSize)
		if err != nil {
			return nil, nil, fmt.Errorf("rasterizing face %d: %w", face.Index, err)
		}
		tex.Name = fmt.Sprintf("%s_%d.png", prefix, face.Index)
		textures = append(textures, tex)
	}
	return textures, warnings, nil
}

// selectFacePoints picks the cloud points a face will be textured from.
// Every method demands the point's plane offset within the buffer (for
// smart, within the derived depth range) and its footprint inside the
// face polygon.
func selectFacePoints(face *Face, fi int, cloud *PointCloud, assign *assignment, cfg EngineConfig) facePoints {
	var out facePoints
	if assign == nil {
		return out
	}
	row := assign.rowOf[fi]
	if row < 0 {
		return out
	}

	switch cfg.TextureMethod {
	case TextureMethodAll:
		for i, p := range cloud.Positions {
			local, offset := face.Flatten(p)
			if math.Abs(offset) > cfg.Buffer || !face.ContainsLocal(local) {
				continue
			}
			out.add(local, cloud.Colors[i])
		}

	case TextureMethodNearest:
		for i, p := range cloud.Positions {
			if assign.nearest[i] != row || assign.minDist[i] >= outOfBoundsPenalty {
				continue
			}
			local, offset := face.Flatten(p)
			if math.Abs(offset) > cfg.Buffer || !face.ContainsLocal(local) {
				continue
			}
			out.add(local, cloud.Colors[i])
		}

	case TextureMethodSmart:
		lo, hi, ok := smartRange(face, row, cloud, assign, cfg)
		if !ok {
			return out
		}
		for i, p := range cloud.Positions {
			local, offset := face.Flatten(p)
			if offset < lo || offset > hi {
				continue
			}
			if !face.ContainsLocal(local) {
				continue
			}
			out.add(local, cloud.Colors[i])
		}
	}
	return out
}

// smartRange widens the acceptance band of a face from the offsets of
// the points assigned to it, so textures keep recessed detail like
// balconies and window reveals. The interior side is clamped to
// MaxDepth; both sides reach at least the buffer.
func smartRange(face *Face, row int, cloud *PointCloud, assign *assignment, cfg EngineConfig) (lo, hi float64, ok bool) {
	min, max := math.Inf(1), math.Inf(-1)
	for i, p := range cloud.Positions {
		if assign.nearest[i] != row {
			continue
		}
		_, offset := face.Flatten(p)
		if offset < min {
			min = offset
		}
		if offset > max {
			max = offset
		}
	}
	if min > max {
		return 0, 0, false
	}
	lo = math.Min(-cfg.Buffer, math.Max(-cfg.MaxDepth, min))
	hi = math.Max(cfg.Buffer, max)
	return lo, hi, true
}

// rasterFace paints the face's local bounding box onto a pixel grid.
// The pixel pitch is whichever is coarsest of fitting the image size or
// the cloud's own sampling pitch; row 0 sits at the bottom edge, which
// the UV mapping flips back. Pixels farther than two pitches from any
// point stay background gray.
func rasterFace(face *Face, pts facePoints, cloudGrid float64, imageSize int) (FaceTexture, error) {
	if imageSize < 2 {
		imageSize = 2
	}
	bounds := face.Bounds
	extentX := bounds.Max[0] - bounds.Min[0]
	extentY := bounds.Max[1] - bounds.Min[1]

	grid := math.Max(extentX/float64(imageSize-1), extentY/float64(imageSize-1))
	if cloudGrid > grid {
		grid = cloudGrid
	}

	width := int(extentX/grid) + 1
	height := int(extentY/grid) + 1
	stepX, stepY := 0.0, 0.0
	if width > 1 {
		stepX = extentX / float64(width-1)
	}
	if height > 1 {
		stepY = extentY / float64(height-1)
	}

	maxDist := grid * 2
	nn := newPointGrid(pts.locals, maxDist)

	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	background := color.NRGBA{R: 128, G: 128, B: 128, A: 255}
	for row := 0; row < height; row++ {
		cy := bounds.Min[1] + float64(row)*stepY
		for col := 0; col < width; col++ {
			cx := bounds.Min[0] + float64(col)*stepX
			c := background
			if idx, _ := nn.nearest(orb.Point{cx, cy}, maxDist); idx >= 0 {
				c = colorToNRGBA(pts.colors[idx])
			}
			img.SetNRGBA(col, row, c)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return FaceTexture{}, err
	}
	return FaceTexture{Face: face.Index, PNG: buf.Bytes(), Width: width, Height: height}, nil
}

func colorToNRGBA(c mgl64.Vec3) color.NRGBA {
	return color.NRGBA{
		R: clampByte(c.X() * 256),
		G: clampByte(c.Y() * 256),
		B: clampByte(c.Z() * 256),
		A: 255,
	}
}

func clampByte(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

var (
	noTextureOnce sync.Once
	noTextureData []byte
)

// noTexturePNG returns the shared 4x4 gray image. It is encoded once
// and reused across every bundle.
func noTexturePNG() []byte {
	noTextureOnce.Do(func() {
		img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
		gray := color.NRGBA{R: 128, G: 128, B: 128, A: 255}
		for y := 0; y < 4; y++ {
			for x := 0; x < 4; x++ {
				img.SetNRGBA(x, y, gray)
			}
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			panic(err)
		}
		noTextureData = buf.Bytes()
	})
	return noTextureData
}
