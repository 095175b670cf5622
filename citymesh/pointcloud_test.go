package citymesh

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/paulmach/orb"
)

func grayCloud(positions ...mgl64.Vec3) *PointCloud {
	cloud := &PointCloud{GridSize: DefaultBaseGridSize}
	for _, p := range positions {
		cloud.Positions = append(cloud.Positions, p)
		cloud.Colors = append(cloud.Colors, mgl64.Vec3{0.5, 0.5, 0.5})
	}
	return cloud
}

func TestDecodeCloudTilePlain(t *testing.T) {
	data := []byte(`{
		"points": [[1, 2, 3], [4, 5, 6]],
		"colors": [[65535, 0, 32768], [0, 65535, 0]]
	}`)

	cloud, err := DecodeCloudTile(data)
	if err != nil {
		t.Fatalf("DecodeCloudTile: %v", err)
	}
	if cloud.Len() != 2 {
		t.Fatalf("Len = %d, want 2", cloud.Len())
	}
	if cloud.Positions[0] != (mgl64.Vec3{1, 2, 3}) {
		t.Errorf("Positions[0] = %v, want {1 2 3}", cloud.Positions[0])
	}
	if !floatNear(cloud.Colors[0].X(), 65535.0/65536.0, 1e-9) {
		t.Errorf("Colors[0].X = %v, want ~1", cloud.Colors[0].X())
	}
	if !floatNear(cloud.Colors[0].Z(), 0.5, 1e-9) {
		t.Errorf("Colors[0].Z = %v, want 0.5", cloud.Colors[0].Z())
	}
	if cloud.GridSize != DefaultBaseGridSize {
		t.Errorf("GridSize = %v, want %v", cloud.GridSize, DefaultBaseGridSize)
	}
}

func TestDecodeCloudTileCompressed(t *testing.T) {
	payload := []byte(`{"points": [[1, 2, 3]], "colors": [[256, 256, 256]]}`)

	var gz bytes.Buffer
	w := gzip.NewWriter(&gz)
	w.Write(payload)
	w.Close()

	var zl bytes.Buffer
	zw := zlib.NewWriter(&zl)
	zw.Write(payload)
	zw.Close()

	for name, data := range map[string][]byte{"gzip": gz.Bytes(), "zlib": zl.Bytes()} {
		t.Run(name, func(t *testing.T) {
			cloud, err := DecodeCloudTile(data)
			if err != nil {
				t.Fatalf("DecodeCloudTile: %v", err)
			}
			if cloud.Len() != 1 {
				t.Fatalf("Len = %d, want 1", cloud.Len())
			}
		})
	}
}

func TestDecodeCloudTileIntensityFallback(t *testing.T) {
	// All-zero colors defer to intensity.
	data := []byte(`{
		"points": [[0, 0, 0], [1, 1, 1]],
		"colors": [[0, 0, 0], [0, 0, 0]],
		"intensity": [32768, 0]
	}`)

	cloud, err := DecodeCloudTile(data)
	if err != nil {
		t.Fatalf("DecodeCloudTile: %v", err)
	}
	if !floatNear(cloud.Colors[0].X(), 0.5, 1e-9) || !floatNear(cloud.Colors[0].Y(), 0.5, 1e-9) {
		t.Errorf("Colors[0] = %v, want gray 0.5", cloud.Colors[0])
	}

	// Nothing at all falls back to mid gray.
	cloud, err = DecodeCloudTile([]byte(`{"points": [[0, 0, 0]]}`))
	if err != nil {
		t.Fatalf("DecodeCloudTile: %v", err)
	}
	if !floatNear(cloud.Colors[0].X(), 0.5, 1e-9) {
		t.Errorf("colorless tile Colors[0] = %v, want gray 0.5", cloud.Colors[0])
	}
}

func TestDecodeCloudTileRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"color count mismatch", `{"points": [[0,0,0],[1,1,1]], "colors": [[1,2,3]]}`},
		{"intensity count mismatch", `{"points": [[0,0,0]], "intensity": [1, 2]}`},
		{"unknown format", "LASF0123"},
		{"broken json", `{"points": [[0,0`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeCloudTile([]byte(tt.data)); !IsValidation(err) {
				t.Errorf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestReadCloudTile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "08NE380156.json")
	if err := os.WriteFile(path, []byte(`{"points": [[1, 2, 3]]}`), 0644); err != nil {
		t.Fatalf("writing tile: %v", err)
	}

	cloud, err := ReadCloudTile(path)
	if err != nil {
		t.Fatalf("ReadCloudTile: %v", err)
	}
	if cloud.Len() != 1 {
		t.Errorf("Len = %d, want 1", cloud.Len())
	}

	if _, err := ReadCloudTile(filepath.Join(t.TempDir(), "missing.json")); !os.IsNotExist(err) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}

func TestCropPrism(t *testing.T) {
	ring := squareRing(0, 0, 10)
	cloud := grayCloud(
		mgl64.Vec3{5, 5, 2},     // inside
		mgl64.Vec3{10.5, 5, 2},  // 0.5 m outside the east wall
		mgl64.Vec3{20, 5, 2},    // far outside
		mgl64.Vec3{5, 5, -1},    // below ground
		mgl64.Vec3{5, 5, 400},   // above the height band
		mgl64.Vec3{0.5, 0.5, 7}, // inside, near a corner
	)

	cropped := cloud.CropPrism(ring, 1.0)
	if cropped.Len() != 3 {
		t.Fatalf("Len = %d, want 3", cropped.Len())
	}
	want := []mgl64.Vec3{{5, 5, 2}, {10.5, 5, 2}, {0.5, 0.5, 7}}
	for i, p := range want {
		if cropped.Positions[i] != p {
			t.Errorf("Positions[%d] = %v, want %v", i, cropped.Positions[i], p)
		}
	}
}

func TestCropBound(t *testing.T) {
	cloud := grayCloud(
		mgl64.Vec3{1, 1, 0},
		mgl64.Vec3{5, 5, 0},
		mgl64.Vec3{11, 1, 0},
	)
	cropped := cloud.CropBound(orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{10, 10}})
	if cropped.Len() != 2 {
		t.Errorf("Len = %d, want 2", cropped.Len())
	}
}

func TestCloudBound(t *testing.T) {
	cloud := grayCloud(
		mgl64.Vec3{3, 7, 0},
		mgl64.Vec3{-1, 2, 5},
		mgl64.Vec3{8, 4, 1},
	)
	b := cloud.Bound()
	if b.Min != (orb.Point{-1, 2}) || b.Max != (orb.Point{8, 7}) {
		t.Errorf("Bound = %v, want min {-1 2} max {8 7}", b)
	}
}

func TestDownsample(t *testing.T) {
	cloud := &PointCloud{
		Positions: []mgl64.Vec3{{0.1, 0.1, 0.1}, {0.3, 0.3, 0.1}, {5.5, 5.5, 5.5}},
		Colors:    []mgl64.Vec3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
		GridSize:  DefaultBaseGridSize,
	}

	down := cloud.Downsample(1.0)
	if down.Len() != 2 {
		t.Fatalf("Len = %d, want 2", down.Len())
	}
	// Cells come out in sorted index order, so the origin cell is first.
	if !vecNear(down.Positions[0], mgl64.Vec3{0.2, 0.2, 0.1}) {
		t.Errorf("Positions[0] = %v, want averaged {0.2 0.2 0.1}", down.Positions[0])
	}
	if !vecNear(down.Colors[0], mgl64.Vec3{0.5, 0.5, 0}) {
		t.Errorf("Colors[0] = %v, want averaged {0.5 0.5 0}", down.Colors[0])
	}
	if down.GridSize != 1.0 {
		t.Errorf("GridSize = %v, want 1.0", down.GridSize)
	}

	// Input order does not change the output.
	reversed := &PointCloud{
		Positions: []mgl64.Vec3{{5.5, 5.5, 5.5}, {0.3, 0.3, 0.1}, {0.1, 0.1, 0.1}},
		Colors:    []mgl64.Vec3{{0, 0, 1}, {0, 1, 0}, {1, 0, 0}},
		GridSize:  DefaultBaseGridSize,
	}
	down2 := reversed.Downsample(1.0)
	for i := range down.Positions {
		if !vecNear(down.Positions[i], down2.Positions[i]) {
			t.Errorf("order dependence at %d: %v vs %v", i, down.Positions[i], down2.Positions[i])
		}
	}
}

func TestBudget(t *testing.T) {
	cloud := &PointCloud{GridSize: DefaultBaseGridSize}
	for i := 0; i < 100; i++ {
		cloud.Positions = append(cloud.Positions, mgl64.Vec3{float64(i), 0, 0})
		cloud.Colors = append(cloud.Colors, mgl64.Vec3{0.5, 0.5, 0.5})
	}

	out := cloud.Budget(10, DefaultBaseGridSize)
	if out.Len() > 10 || out.Len() == 0 {
		t.Errorf("Len = %d, want within (0, 10]", out.Len())
	}
	if out.GridSize <= 1.0 {
		t.Errorf("GridSize = %v, want > 1 after coarsening", out.GridSize)
	}

	// Within budget, the cloud passes through untouched.
	if got := cloud.Budget(1000, DefaultBaseGridSize); got.Len() != 100 {
		t.Errorf("under budget Len = %d, want 100", got.Len())
	}
	// A negative budget disables downsampling.
	if got := cloud.Budget(-1, DefaultBaseGridSize); got.Len() != 100 {
		t.Errorf("unlimited Len = %d, want 100", got.Len())
	}
}

func TestMergeClouds(t *testing.T) {
	a := grayCloud(mgl64.Vec3{0, 0, 0})
	b := grayCloud(mgl64.Vec3{1, 1, 1}, mgl64.Vec3{2, 2, 2})
	b.GridSize = 0.5

	merged := MergeClouds(a, nil, b)
	if merged.Len() != 3 {
		t.Errorf("Len = %d, want 3", merged.Len())
	}
	if merged.GridSize != 0.5 {
		t.Errorf("GridSize = %v, want the coarsest 0.5", merged.GridSize)
	}
}

func TestParsePointLimit(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"", DefaultPointBudget, false},
		{"250000", 250000, false},
		{"500k", 500000, false},
		{"1.5m", 1500000, false},
		{"2M", 2000000, false},
		{"-1", -1, false},
		{"abc", 0, true},
		{"10q", 0, true},
	}
	for _, tt := range tests {
		got, err := ParsePointLimit(tt.in)
		if tt.wantErr {
			if !IsValidation(err) {
				t.Errorf("ParsePointLimit(%q): expected ValidationError, got %v", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParsePointLimit(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParsePointLimit(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
