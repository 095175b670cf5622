package citymesh

import (
	"bytes"
	"image"
	"image/png"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
)

// wallStripeCloud covers the south wall of a 4x4x3 box with a 0.5 m
// lattice, red below z=1.5 and blue above.
func wallStripeCloud() *PointCloud {
	cloud := &PointCloud{GridSize: 0.25}
	for i := 0; i < 7; i++ {
		for j := 0; j < 5; j++ {
			x := 0.5 + 0.5*float64(i)
			z := 0.5 + 0.5*float64(j)
			c := mgl64.Vec3{1, 0, 0}
			if z >= 1.5 {
				c = mgl64.Vec3{0, 0, 1}
			}
			cloud.Positions = append(cloud.Positions, mgl64.Vec3{x, 0, z})
			cloud.Colors = append(cloud.Colors, c)
		}
	}
	return cloud
}

func decodePNG(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("png.Decode: %v", err)
	}
	return img
}

func pixelRGB(img image.Image, x, y int) [3]uint8 {
	r, g, b, _ := img.At(x, y).RGBA()
	return [3]uint8{uint8(r >> 8), uint8(g >> 8), uint8(b >> 8)}
}

func hasColor(img image.Image, want [3]uint8) bool {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if pixelRGB(img, x, y) == want {
				return true
			}
		}
	}
	return false
}

var (
	red  = [3]uint8{255, 0, 0}
	blue = [3]uint8{0, 0, 255}
	gray = [3]uint8{128, 128, 128}
)

func TestRenderFaceTexturesNearestWall(t *testing.T) {
	model := boxBuilding(t, "CUBE1", 0, 0, 0, 4, 4, 3)
	cloud := wallStripeCloud()
	cfg := DefaultEngineConfig()
	cfg.TextureMethod = TextureMethodNearest
	cfg.ImageSize = 64

	textures, warnings, err := RenderFaceTextures(model, cloud, cfg)
	if err != nil {
		t.Fatalf("RenderFaceTextures: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("warnings = %v, want none", warnings)
	}
	if len(textures) != 6 {
		t.Fatalf("got %d textures, want one per face", len(textures))
	}

	for fi, tex := range textures {
		if tex.Face != fi {
			t.Errorf("textures[%d].Face = %d", fi, tex.Face)
		}
		if fi == 1 {
			continue
		}
		if !tex.Empty || tex.Name != noTextureName {
			t.Errorf("face %d: Empty=%v Name=%q, want shared no-texture", fi, tex.Empty, tex.Name)
		}
	}

	wall := textures[1]
	if wall.Empty {
		t.Fatal("south wall texture is empty")
	}
	if want := "CUBE1_lod0_nearest_64_35_1.png"; wall.Name != want {
		t.Errorf("Name = %q, want %q", wall.Name, want)
	}
	// Extents 4x3 at pitch 0.25 give a 17x13 grid.
	if wall.Width != 17 || wall.Height != 13 {
		t.Fatalf("texture is %dx%d, want 17x13", wall.Width, wall.Height)
	}

	img := decodePNG(t, wall.PNG)
	if b := img.Bounds(); b.Dx() != wall.Width || b.Dy() != wall.Height {
		t.Fatalf("decoded %dx%d, header says %dx%d", b.Dx(), b.Dy(), wall.Width, wall.Height)
	}

	// Row 0 is the bottom of the wall, so the red stripe comes first.
	if got := pixelRGB(img, 2, 0); got != red {
		t.Errorf("bottom row pixel = %v, want red", got)
	}
	if got := pixelRGB(img, 2, 2); got != red {
		t.Errorf("pixel at z=0.5 = %v, want red", got)
	}
	if got := pixelRGB(img, 2, 10); got != blue {
		t.Errorf("pixel at z=2.5 = %v, want blue", got)
	}
	if got := pixelRGB(img, 2, 12); got != blue {
		t.Errorf("top row pixel = %v, want blue", got)
	}
	// The lattice starts 0.5 m in from the corner, beyond the fill radius.
	if got := pixelRGB(img, 0, 0); got != gray {
		t.Errorf("corner pixel = %v, want background gray", got)
	}
}

func TestRenderFaceTexturesSmartDepth(t *testing.T) {
	model := boxBuilding(t, "CUBE2", 0, 0, 0, 4, 4, 3)
	cloud := wallStripeCloud()
	// A recessed point 1.2 m behind the wall plane, outside the plain
	// buffer but closest to the south wall.
	cloud.Positions = append(cloud.Positions, mgl64.Vec3{2.1, 1.2, 1.7})
	cloud.Colors = append(cloud.Colors, mgl64.Vec3{0, 1, 0})

	green := [3]uint8{0, 255, 0}
	for _, tc := range []struct {
		method    string
		wantGreen bool
	}{
		{TextureMethodAll, false},
		{TextureMethodNearest, false},
		{TextureMethodSmart, true},
	} {
		t.Run(tc.method, func(t *testing.T) {
			cfg := DefaultEngineConfig()
			cfg.TextureMethod = tc.method
			cfg.ImageSize = 64

			textures, _, err := RenderFaceTextures(model, cloud, cfg)
			if err != nil {
				t.Fatalf("RenderFaceTextures: %v", err)
			}
			wall := textures[1]
			if wall.Empty {
				t.Fatal("south wall texture is empty")
			}
			img := decodePNG(t, wall.PNG)
			if !hasColor(img, red) {
				t.Error("wall texture lost the lattice points")
			}
			if got := hasColor(img, green); got != tc.wantGreen {
				t.Errorf("recessed point rendered = %v, want %v", got, tc.wantGreen)
			}
			// No points were ever assigned to the north wall.
			if !textures[3].Empty {
				t.Error("north wall should have no texture")
			}
		})
	}
}

func TestRenderFaceTexturesLOD1EndFaces(t *testing.T) {
	model := boxBuilding(t, "CUBE3", 1, 0, 0, 4, 4, 3)
	cloud := &PointCloud{GridSize: 0.25}
	for i := 1; i <= 3; i++ {
		for j := 1; j <= 3; j++ {
			cloud.Positions = append(cloud.Positions, mgl64.Vec3{float64(i), float64(j), 3})
			cloud.Colors = append(cloud.Colors, mgl64.Vec3{1, 1, 1})
		}
	}

	for _, tc := range []struct {
		method    string
		roofEmpty bool
	}{
		{TextureMethodAll, false},
		{TextureMethodNearest, true},
		{TextureMethodSmart, true},
	} {
		t.Run(tc.method, func(t *testing.T) {
			cfg := DefaultEngineConfig()
			cfg.TextureMethod = tc.method

			textures, _, err := RenderFaceTextures(model, cloud, cfg)
			if err != nil {
				t.Fatalf("RenderFaceTextures: %v", err)
			}
			if got := textures[5].Empty; got != tc.roofEmpty {
				t.Errorf("roof Empty = %v, want %v", got, tc.roofEmpty)
			}
			// The floor is 3 m from every point regardless of method.
			if !textures[0].Empty {
				t.Error("floor should have no texture")
			}
		})
	}
}

func TestRenderFaceTexturesEmptyCloud(t *testing.T) {
	model := boxBuilding(t, "CUBE4", 0, 0, 0, 4, 4, 3)

	textures, _, err := RenderFaceTextures(model, &PointCloud{}, DefaultEngineConfig())
	if err != nil {
		t.Fatalf("RenderFaceTextures: %v", err)
	}
	if len(textures) != 6 {
		t.Fatalf("got %d textures, want 6", len(textures))
	}
	for fi, tex := range textures {
		if !tex.Empty || tex.Name != noTextureName {
			t.Errorf("face %d: Empty=%v Name=%q", fi, tex.Empty, tex.Name)
		}
		if !bytes.Equal(tex.PNG, noTexturePNG()) {
			t.Errorf("face %d does not share the no-texture image", fi)
		}
	}

	img := decodePNG(t, textures[0].PNG)
	if b := img.Bounds(); b.Dx() != 4 || b.Dy() != 4 {
		t.Fatalf("no-texture image is %dx%d, want 4x4", b.Dx(), b.Dy())
	}
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			if got := pixelRGB(img, x, y); got != gray {
				t.Fatalf("no-texture pixel (%d,%d) = %v, want gray", x, y, got)
			}
		}
	}
}

func TestRenderFaceTexturesDeterministic(t *testing.T) {
	model := boxBuilding(t, "CUBE5", 0, 0, 0, 4, 4, 3)
	cloud := wallStripeCloud()
	cfg := DefaultEngineConfig()
	cfg.ImageSize = 32

	first, _, err := RenderFaceTextures(model, cloud, cfg)
	if err != nil {
		t.Fatalf("first render: %v", err)
	}
	second, _, err := RenderFaceTextures(model, cloud, cfg)
	if err != nil {
		t.Fatalf("second render: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("renders disagree on count: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Name != second[i].Name {
			t.Errorf("face %d name changed between runs", i)
		}
		if !bytes.Equal(first[i].PNG, second[i].PNG) {
			t.Errorf("face %d bytes changed between runs", i)
		}
	}
}

func TestRenderFaceTexturesBadMethod(t *testing.T) {
	model := boxBuilding(t, "CUBE6", 0, 0, 0, 4, 4, 3)
	cfg := DefaultEngineConfig()
	cfg.TextureMethod = "voxel"

	if _, _, err := RenderFaceTextures(model, &PointCloud{}, cfg); !IsValidation(err) {
		t.Errorf("expected ValidationError, got %v", err)
	}
}

func TestBundlePrefix(t *testing.T) {
	got := BundlePrefix("BLD27", 2, TextureMethodSmart, 512, 10000)
	if want := "BLD27_lod2_smart_512_10000"; got != want {
		t.Errorf("BundlePrefix = %q, want %q", got, want)
	}
}
