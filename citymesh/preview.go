package citymesh

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	previewTile  = 128 // pixel size of one face cell in the contact sheet
	previewLabel = 14  // strip under each cell for the face label
)

// BundlePreview renders a bundle's face textures into one contact sheet,
// each texture scaled into a fixed cell and labeled with its face index.
// Empty faces keep their placeholder tile so the sheet always shows the
// full face count.
func BundlePreview(bundle *ModelBundle) ([]byte, error) {
	if bundle == nil || len(bundle.Textures) == 0 {
		return nil, validationf("bundle has no textures")
	}

	cols := int(math.Ceil(math.Sqrt(float64(len(bundle.Textures)))))
	rows := (len(bundle.Textures) + cols - 1) / cols

	sheet := image.NewRGBA(image.Rect(0, 0, cols*previewTile, rows*(previewTile+previewLabel)))
	draw.Draw(sheet, sheet.Bounds(), image.NewUniform(color.RGBA{26, 26, 26, 255}), image.Point{}, draw.Src)

	for i, tex := range bundle.Textures {
		img, err := png.Decode(bytes.NewReader(tex.PNG))
		if err != nil {
			return nil, fmt.Errorf("decoding face %d texture: %w", tex.Face, err)
		}

		cx := (i % cols) * previewTile
		cy := (i / cols) * (previewTile + previewLabel)
		cell := image.Rect(cx, cy, cx+previewTile, cy+previewTile)
		draw.ApproxBiLinear.Scale(sheet, fitCell(cell, img.Bounds()), img, img.Bounds(), draw.Src, nil)

		label := fmt.Sprintf("face %d", tex.Face)
		if tex.Empty {
			label += " (empty)"
		}
		drawLabel(sheet, cx+4, cy+previewTile+11, label)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, sheet); err != nil {
		return nil, fmt.Errorf("encoding preview: %w", err)
	}
	return buf.Bytes(), nil
}

// fitCell scales a source rectangle into a cell preserving aspect ratio,
// centered.
func fitCell(cell image.Rectangle, src image.Rectangle) image.Rectangle {
	sw, sh := src.Dx(), src.Dy()
	if sw == 0 || sh == 0 {
		return cell
	}
	scale := math.Min(float64(cell.Dx())/float64(sw), float64(cell.Dy())/float64(sh))
	w := int(float64(sw) * scale)
	h := int(float64(sh) * scale)
	x := cell.Min.X + (cell.Dx()-w)/2
	y := cell.Min.Y + (cell.Dy()-h)/2
	return image.Rect(x, y, x+w, y+h)
}

// drawLabel renders text onto an image at the specified position.
func drawLabel(img *image.RGBA, x, y int, text string) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.RGBA{220, 220, 220, 255}),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
