package citymesh

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-gl/mathgl/mgl64"
)

// WriteOBJ serializes the building's faces as a Wavefront OBJ that
// references one material per face. Vertices are shared on exact
// equality; texture coordinates are shared after rounding to three
// decimals. Normal i belongs to face i.
func WriteOBJ(model *BuildingModel, prefix string, textures []FaceTexture) ([]byte, error) {
	solid, _ := model.Solid()
	if solid == nil || len(solid.Faces) == 0 {
		return nil, &GeometryError{BuildingID: model.ID, Face: -1, Msg: "no usable faces"}
	}
	if len(textures) != len(solid.Faces) {
		return nil, fmt.Errorf("obj: %d textures for %d faces", len(textures), len(solid.Faces))
	}

	var (
		verts   []mgl64.Vec3
		vertIdx = make(map[mgl64.Vec3]int)
		uvs     []string
		uvIdx   = make(map[string]int)
	)
	faceVerts := make([][]int, len(solid.Faces))
	faceUVs := make([][]int, len(solid.Faces))

	for fi := range solid.Faces {
		face := &solid.Faces[fi]
		w := face.Bounds.Max[0] - face.Bounds.Min[0]
		h := face.Bounds.Max[1] - face.Bounds.Min[1]

		for ci, corner := range face.Ring {
			vi, ok := vertIdx[corner]
			if !ok {
				vi = len(verts)
				verts = append(verts, corner)
				vertIdx[corner] = vi
			}
			faceVerts[fi] = append(faceVerts[fi], vi)

			local := face.Local[ci]
			u := (local[0] - face.Bounds.Min[0]) / w
			// Texture rows run bottom-up, so V is flipped here.
			v := 1 - (local[1]-face.Bounds.Min[1])/h
			key := fmt.Sprintf("%.3f %.3f", u, v)
			uvi, ok := uvIdx[key]
			if !ok {
				uvi = len(uvs)
				uvs = append(uvs, key)
				uvIdx[key] = uvi
			}
			faceUVs[fi] = append(faceUVs[fi], uvi)
		}
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "mtllib %s.mtl\n", prefix)
	fmt.Fprintf(&buf, "o %s\n", model.ID)
	for _, v := range verts {
		fmt.Fprintf(&buf, "v %.4f %.4f %.4f\n", v.X(), v.Y(), v.Z())
	}
	for fi := range solid.Faces {
		n := solid.Faces[fi].Normal
		fmt.Fprintf(&buf, "vn %.4f %.4f %.4f\n", n.X(), n.Y(), n.Z())
	}
	for _, key := range uvs {
		fmt.Fprintf(&buf, "vt %s\n", key)
	}
	for fi := range solid.Faces {
		fmt.Fprintf(&buf, "usemtl %s\n", textures[fi].Name)
		buf.WriteString("f")
		for ci := range faceVerts[fi] {
			fmt.Fprintf(&buf, " %d/%d/%d", faceVerts[fi][ci]+1, faceUVs[fi][ci]+1, fi+1)
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// WriteMTL serializes one material per distinct texture name, in first
// use order. Faces sharing the no-texture image share one material.
func WriteMTL(textures []FaceTexture) []byte {
	var buf bytes.Buffer
	seen := make(map[string]bool)
	for _, tex := range textures {
		if seen[tex.Name] {
			continue
		}
		seen[tex.Name] = true
		fmt.Fprintf(&buf, "newmtl %s\n", tex.Name)
		buf.WriteString("Kd 1 1 1\nNs 0\nd 1\nillum 1\nKa 0 0 0\nKs 1 1 1\n")
		fmt.Fprintf(&buf, "map_Kd %s\n\n", tex.Name)
	}
	return buf.Bytes()
}

// BuildModelBundle renders the textures for one building and wraps
// them with the OBJ and MTL files.
func BuildModelBundle(model *BuildingModel, cloud *PointCloud, cfg EngineConfig) (*ModelBundle, error) {
	cfg = cfg.normalized()
	textures, warnings, err := RenderFaceTextures(model, cloud, cfg)
	if err != nil {
		return nil, err
	}

	prefix := BundlePrefix(model.ID, model.LOD, cfg.TextureMethod, cfg.ImageSize, cloud.Len())
	obj, err := WriteOBJ(model, prefix, textures)
	if err != nil {
		return nil, err
	}

	return &ModelBundle{
		Prefix:   prefix,
		OBJ:      obj,
		MTL:      WriteMTL(textures),
		Textures: textures,
		Warnings: warnings,
	}, nil
}

// bundleFiles yields the bundle's file names and contents. Textures
// sharing a name, like the no-texture image, appear once.
func (b *ModelBundle) bundleFiles() []struct {
	name string
	data []byte
} {
	files := []struct {
		name string
		data []byte
	}{
		{b.Prefix + ".obj", b.OBJ},
		{b.Prefix + ".mtl", b.MTL},
	}
	seen := make(map[string]bool)
	for _, tex := range b.Textures {
		if seen[tex.Name] {
			continue
		}
		seen[tex.Name] = true
		files = append(files, struct {
			name string
			data []byte
		}{tex.Name, tex.PNG})
	}
	return files
}

// WriteZip streams the bundle as a zip archive.
func (b *ModelBundle) WriteZip(w io.Writer) error {
	zw := zip.NewWriter(w)
	for _, f := range b.bundleFiles() {
		fw, err := zw.Create(f.name)
		if err != nil {
			return fmt.Errorf("zip %s: %w", f.name, err)
		}
		if _, err := fw.Write(f.data); err != nil {
			return fmt.Errorf("zip %s: %w", f.name, err)
		}
	}
	return zw.Close()
}

// WriteDir saves the bundle's files into dir, creating it if needed.
func (b *ModelBundle) WriteDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, f := range b.bundleFiles() {
		if err := os.WriteFile(filepath.Join(dir, f.name), f.data, 0o644); err != nil {
			return err
		}
	}
	return nil
}
