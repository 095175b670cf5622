package citymesh

import (
	"encoding/json"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// geojsonEnvelope is the first decode stage. Only the type tag is
// inspected before committing to a coordinate shape.
type geojsonEnvelope struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
	Geometry    json.RawMessage `json:"geometry"`
}

// ParseSolidRings decodes a 3D GeoJSON geometry into one vertex ring per
// face. MultiPolygon and PolyhedralSurface share the same coordinate
// shape; a plain Polygon yields a single ring. Interior rings are
// dropped. Positions with only two components get z = 0.
func ParseSolidRings(data []byte) ([][]mgl64.Vec3, error) {
	var envelope geojsonEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, &ValidationError{Msg: "parsing solid GeoJSON", Err: err}
	}

	switch envelope.Type {
	case "Feature":
		if len(envelope.Geometry) == 0 {
			return nil, validationf("feature has no geometry")
		}
		return ParseSolidRings(envelope.Geometry)

	case "MultiPolygon", "PolyhedralSurface":
		var coords [][][][]float64
		if err := json.Unmarshal(envelope.Coordinates, &coords); err != nil {
			return nil, &ValidationError{Msg: "parsing " + envelope.Type + " coordinates", Err: err}
		}
		if len(coords) == 0 {
			return nil, validationf("%s has no polygons", envelope.Type)
		}
		rings := make([][]mgl64.Vec3, 0, len(coords))
		for _, polygon := range coords {
			if len(polygon) == 0 {
				continue
			}
			rings = append(rings, positionsToRing(polygon[0]))
		}
		return rings, nil

	case "Polygon":
		var coords [][][]float64
		if err := json.Unmarshal(envelope.Coordinates, &coords); err != nil {
			return nil, &ValidationError{Msg: "parsing Polygon coordinates", Err: err}
		}
		if len(coords) == 0 {
			return nil, validationf("Polygon has no rings")
		}
		return [][]mgl64.Vec3{positionsToRing(coords[0])}, nil

	default:
		return nil, validationf("unsupported solid geometry type %q", envelope.Type)
	}
}

func positionsToRing(positions [][]float64) []mgl64.Vec3 {
	ring := make([]mgl64.Vec3, 0, len(positions))
	for _, p := range positions {
		if len(p) < 2 {
			continue
		}
		v := mgl64.Vec3{p[0], p[1], 0}
		if len(p) >= 3 {
			v[2] = p[2]
		}
		ring = append(ring, v)
	}
	return ring
}

// MarshalSolid encodes face rings as a GeoJSON MultiPolygon with z
// coordinates, one single-ring polygon per face.
func MarshalSolid(rings [][]mgl64.Vec3) ([]byte, error) {
	coords := make([][][][]float64, 0, len(rings))
	for _, ring := range rings {
		closed := make([][]float64, 0, len(ring)+1)
		for _, v := range ring {
			closed = append(closed, []float64{v.X(), v.Y(), v.Z()})
		}
		if len(ring) > 0 && ring[0] != ring[len(ring)-1] {
			first := ring[0]
			closed = append(closed, []float64{first.X(), first.Y(), first.Z()})
		}
		coords = append(coords, [][][]float64{closed})
	}
	return json.Marshal(struct {
		Type        string          `json:"type"`
		Coordinates [][][][]float64 `json:"coordinates"`
	}{Type: "MultiPolygon", Coordinates: coords})
}

// QueryFeature is one footprint extracted from a 2D match request.
type QueryFeature struct {
	Name       string             `json:"name,omitempty"`
	Footprint  orb.Ring           `json:"-"`
	Properties geojson.Properties `json:"properties,omitempty"`
}

// ParseQueryFeatures decodes a 2D GeoJSON payload into query footprints.
// It accepts a FeatureCollection, a single Feature, or a bare geometry.
// Each polygon contributes its exterior ring; multipolygons fan out into
// one feature per member polygon.
func ParseQueryFeatures(data []byte) ([]QueryFeature, error) {
	var envelope geojsonEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, &ValidationError{Msg: "parsing query GeoJSON", Err: err}
	}

	switch envelope.Type {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return nil, &ValidationError{Msg: "parsing FeatureCollection", Err: err}
		}
		var features []QueryFeature
		for _, f := range fc.Features {
			features = append(features, featureToQueries(f)...)
		}
		if len(features) == 0 {
			return nil, validationf("no polygon features in query")
		}
		return features, nil

	case "Feature":
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return nil, &ValidationError{Msg: "parsing Feature", Err: err}
		}
		features := featureToQueries(f)
		if len(features) == 0 {
			return nil, validationf("no polygon geometry in query feature")
		}
		return features, nil

	case "Polygon", "MultiPolygon":
		g, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return nil, &ValidationError{Msg: "parsing query geometry", Err: err}
		}
		features := geometryToQueries(g.Geometry(), "", nil)
		if len(features) == 0 {
			return nil, validationf("no polygon geometry in query")
		}
		return features, nil

	default:
		return nil, validationf("unsupported query GeoJSON type %q", envelope.Type)
	}
}

func featureToQueries(f *geojson.Feature) []QueryFeature {
	name := f.Properties.MustString("name", "")
	if name == "" {
		name = f.Properties.MustString("id", "")
	}
	return geometryToQueries(f.Geometry, name, f.Properties)
}

func geometryToQueries(g orb.Geometry, name string, props geojson.Properties) []QueryFeature {
	switch geom := g.(type) {
	case orb.Polygon:
		if len(geom) == 0 {
			return nil
		}
		return []QueryFeature{{Name: name, Footprint: closeRing(geom[0]), Properties: props}}
	case orb.MultiPolygon:
		var features []QueryFeature
		for _, poly := range geom {
			if len(poly) == 0 {
				continue
			}
			features = append(features, QueryFeature{Name: name, Footprint: closeRing(poly[0]), Properties: props})
		}
		return features
	default:
		return nil
	}
}
