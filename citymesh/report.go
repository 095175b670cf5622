package citymesh

import (
	"image/color"
	"image/png"
	"io"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/simplify"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// ReportColors defines the palette for the match report plan.
type ReportColors struct {
	QueryStroke color.RGBA
	HighFill    color.NRGBA
	HighStroke  color.RGBA
	LowFill     color.NRGBA
	LowStroke   color.RGBA
}

// DefaultReportColors returns the standard palette: blue query outlines,
// green confirmed matches, yellow tentative ones.
func DefaultReportColors() ReportColors {
	return ReportColors{
		QueryStroke: color.RGBA{0, 0, 139, 255},
		HighFill:    color.NRGBA{144, 238, 144, 150},
		HighStroke:  color.RGBA{0, 100, 0, 255},
		LowFill:     color.NRGBA{255, 255, 150, 150},
		LowStroke:   color.RGBA{184, 134, 11, 255},
	}
}

// ReportRenderer draws a footprint match result as a site plan, query
// outlines over the matched building footprints.
type ReportRenderer struct {
	Queries []QueryFeature
	Result  *MatchResult
	Colors  ReportColors

	Scale             float64           // canvas units per meter
	Padding           float64           // free border around the drawing, meters
	GridSpacing       float64           // grid line spacing in meters, 0 disables
	SimplifyTolerance float64           // ring simplification tolerance in meters, 0 disables
	Resolution        canvas.Resolution // for PNG output
}

// NewReportRenderer creates a renderer with default settings.
func NewReportRenderer(queries []QueryFeature, result *MatchResult) *ReportRenderer {
	return &ReportRenderer{
		Queries:           queries,
		Result:            result,
		Colors:            DefaultReportColors(),
		Scale:             10.0,
		Padding:           5.0,
		GridSpacing:       10.0,
		SimplifyTolerance: 0.05,
		Resolution:        canvas.DPI(150),
	}
}

// canvasRenderer is the part of the canvas API both the svg and
// rasterizer backends implement.
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// RenderToSVG writes the report as an SVG to the provided writer.
func (r *ReportRenderer) RenderToSVG(w io.Writer) error {
	minX, minY, maxX, maxY := r.worldBounds()
	width := (maxX - minX + 2*r.Padding) * r.Scale
	height := (maxY - minY + 2*r.Padding) * r.Scale

	svgRenderer := svg.New(w, width, height, nil)
	r.renderToCanvas(svgRenderer, minX, minY, maxX, maxY, width, height)
	return svgRenderer.Close()
}

// RenderToPNG writes the report as a PNG to the provided writer.
func (r *ReportRenderer) RenderToPNG(w io.Writer) error {
	minX, minY, maxX, maxY := r.worldBounds()
	width := (maxX - minX + 2*r.Padding) * r.Scale
	height := (maxY - minY + 2*r.Padding) * r.Scale

	res := r.Resolution
	if res <= 0 {
		res = canvas.DPI(150)
	}
	rast := rasterizer.New(width, height, res, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, minX, minY, maxX, maxY, width, height)
	return png.Encode(w, rast)
}

func (r *ReportRenderer) renderToCanvas(renderer canvasRenderer, minX, minY, maxX, maxY, width, height float64) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(width, height), bgStyle, canvas.Identity)

	// North stays up: the canvas y axis is flipped against the CRS.
	toCanvas := func(p orb.Point) (float64, float64) {
		tx := (p[0] - minX + r.Padding) * r.Scale
		ty := (maxY - p[1] + r.Padding) * r.Scale
		return tx, ty
	}

	// Matched footprints, tentative below confirmed.
	for _, confidence := range []string{ConfidenceLow, ConfidenceHigh} {
		fill, stroke := r.Colors.LowFill, r.Colors.LowStroke
		if confidence == ConfidenceHigh {
			fill, stroke = r.Colors.HighFill, r.Colors.HighStroke
		}
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: nrgbaToRGBA(fill)}
		style.Stroke = canvas.Paint{Color: stroke}
		style.StrokeWidth = 1.5

		for _, feature := range r.matchFeatures() {
			for _, match := range feature.Matches {
				if match.Confidence != confidence || len(match.Footprint) == 0 {
					continue
				}
				renderer.RenderPath(r.ringPath(match.Footprint, toCanvas), style, canvas.Identity)
			}
		}
	}

	if r.GridSpacing > 0 {
		gridStyle := canvas.DefaultStyle
		gridStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		gridStyle.Stroke = canvas.Paint{Color: canvas.Gray}
		gridStyle.StrokeWidth = 0.5
		gridStyle.Dashes = []float64{4.0, 4.0}

		for x := math.Floor(minX/r.GridSpacing) * r.GridSpacing; x <= maxX; x += r.GridSpacing {
			gridPath := &canvas.Path{}
			x1, y1 := toCanvas(orb.Point{x, minY})
			x2, y2 := toCanvas(orb.Point{x, maxY})
			gridPath.MoveTo(x1, y1)
			gridPath.LineTo(x2, y2)
			renderer.RenderPath(gridPath, gridStyle, canvas.Identity)
		}
		for y := math.Floor(minY/r.GridSpacing) * r.GridSpacing; y <= maxY; y += r.GridSpacing {
			gridPath := &canvas.Path{}
			x1, y1 := toCanvas(orb.Point{minX, y})
			x2, y2 := toCanvas(orb.Point{maxX, y})
			gridPath.MoveTo(x1, y1)
			gridPath.LineTo(x2, y2)
			renderer.RenderPath(gridPath, gridStyle, canvas.Identity)
		}
	}

	// Query outlines on top.
	queryStyle := canvas.DefaultStyle
	queryStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	queryStyle.Stroke = canvas.Paint{Color: r.Colors.QueryStroke}
	queryStyle.StrokeWidth = 2.0

	for _, q := range r.Queries {
		if len(q.Footprint) == 0 {
			continue
		}
		renderer.RenderPath(r.ringPath(q.Footprint, toCanvas), queryStyle, canvas.Identity)
	}
}

func (r *ReportRenderer) matchFeatures() []FeatureMatches {
	if r.Result == nil {
		return nil
	}
	return r.Result.Features
}

// ringPath converts a footprint ring into a closed canvas path.
func (r *ReportRenderer) ringPath(ring orb.Ring, toCanvas func(orb.Point) (float64, float64)) *canvas.Path {
	pts := r.simplifyRing(ring)
	if n := len(pts); n > 1 && pts[0] == pts[n-1] {
		pts = pts[:n-1]
	}

	cp := &canvas.Path{}
	for i, pt := range pts {
		cx, cy := toCanvas(pt)
		if i == 0 {
			cp.MoveTo(cx, cy)
		} else {
			cp.LineTo(cx, cy)
		}
	}
	cp.Close()
	return cp
}

func (r *ReportRenderer) simplifyRing(ring orb.Ring) orb.Ring {
	if r.SimplifyTolerance <= 0 || len(ring) <= 5 {
		return ring
	}
	simplified := simplify.DouglasPeucker(r.SimplifyTolerance).Simplify(ring.Clone())
	result, ok := simplified.(orb.Ring)
	if !ok || len(result) < 4 {
		return ring
	}
	return result
}

func (r *ReportRenderer) worldBounds() (minX, minY, maxX, maxY float64) {
	minX, minY = math.MaxFloat64, math.MaxFloat64
	maxX, maxY = -math.MaxFloat64, -math.MaxFloat64

	grow := func(ring orb.Ring) {
		for _, p := range ring {
			if p[0] < minX {
				minX = p[0]
			}
			if p[1] < minY {
				minY = p[1]
			}
			if p[0] > maxX {
				maxX = p[0]
			}
			if p[1] > maxY {
				maxY = p[1]
			}
		}
	}

	for _, q := range r.Queries {
		grow(q.Footprint)
	}
	for _, feature := range r.matchFeatures() {
		for _, match := range feature.Matches {
			grow(match.Footprint)
		}
	}

	if minX > maxX || minY > maxY {
		return 0, 0, 1, 1
	}
	return minX, minY, maxX, maxY
}

// nrgbaToRGBA premultiplies alpha, which the canvas paints expect.
func nrgbaToRGBA(c color.NRGBA) color.RGBA {
	if c.A == 0 {
		return color.RGBA{0, 0, 0, 0}
	}
	if c.A == 255 {
		return color.RGBA{c.R, c.G, c.B, 255}
	}
	alpha32 := uint32(c.A)
	return color.RGBA{
		R: uint8((uint32(c.R) * alpha32) / 255),
		G: uint8((uint32(c.G) * alpha32) / 255),
		B: uint8((uint32(c.B) * alpha32) / 255),
		A: c.A,
	}
}

// RenderMatchReport writes the match result in the requested format,
// "svg" or "png". An empty format means SVG.
func RenderMatchReport(w io.Writer, queries []QueryFeature, result *MatchResult, format string) error {
	r := NewReportRenderer(queries, result)
	switch format {
	case "", "svg":
		return r.RenderToSVG(w)
	case "png":
		return r.RenderToPNG(w)
	default:
		return validationf("unknown report format %q", format)
	}
}
