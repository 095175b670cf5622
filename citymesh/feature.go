package citymesh

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// MatchFeatureCollection turns a match result into the response
// FeatureCollection: one feature per matched candidate, carrying the
// candidate's footprint and the query's own attributes merged with the
// building id, area and overlap signals. Features without matches
// contribute nothing, so an all-miss result is an empty collection.
func MatchFeatureCollection(queries []QueryFeature, result *MatchResult) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for i, fm := range result.Features {
		for _, match := range fm.Matches {
			f := geojson.NewFeature(orb.Polygon{match.Footprint})
			props := geojson.Properties{}
			if i < len(queries) {
				for k, v := range queries[i].Properties {
					props[k] = v
				}
			}
			props["bldid"] = match.BuildingID
			props["area"] = match.Area
			props["confidence"] = match.Confidence
			props["isOverlapped"] = match.Overlapped
			props["queryRatio"] = match.Metrics.QueryRatio
			props["candidateRatio"] = match.Metrics.CandidateRatio
			if fm.Name != "" {
				props["query"] = fm.Name
			}
			f.Properties = props
			fc.Append(f)
		}
	}
	return fc
}

// ModelFeature is the single-building response: the footprint polygon
// with id, lod and precomputed area.
func ModelFeature(model *BuildingModel) *geojson.Feature {
	f := geojson.NewFeature(orb.Polygon{model.Footprint})
	f.Properties = geojson.Properties{
		"bldid": model.ID,
		"lod":   model.LOD,
		"area":  model.Area,
	}
	if model.FID != 0 {
		f.Properties["fid"] = model.FID
	}
	return f
}

// ModelFeatureCollection wraps footprint features for an area search.
func ModelFeatureCollection(models []*BuildingModel) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, m := range models {
		fc.Append(ModelFeature(m))
	}
	return fc
}

// CoverageFeatureCollection turns per-building coverage reports into a
// FeatureCollection keyed on the building footprints. Nil slots from
// batch runs are skipped.
func CoverageFeatureCollection(reports []*CoverageReport) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, rep := range reports {
		if rep == nil {
			continue
		}
		f := geojson.NewFeature(orb.Polygon{rep.Footprint})
		f.Properties = geojson.Properties{
			"bldid":        rep.BuildingID,
			"lod":          rep.LOD,
			"covered_area": rep.Covered,
			"total_area":   rep.TotalArea,
			"coverage":     rep.Ratio,
			"confidence":   rep.Tier,
			"points":       rep.Points,
		}
		if len(rep.Warnings) > 0 {
			f.Properties["warnings"] = rep.Warnings
		}
		fc.Append(f)
	}
	return fc
}

// SheetFeature is a map-sheet extent as a closed rectangle feature.
func SheetFeature(code string, extent SheetExtent) *geojson.Feature {
	ring := orb.Ring{
		{extent.MinX, extent.MinY},
		{extent.MaxX, extent.MinY},
		{extent.MaxX, extent.MaxY},
		{extent.MinX, extent.MaxY},
		{extent.MinX, extent.MinY},
	}
	f := geojson.NewFeature(orb.Polygon{ring})
	f.Properties = geojson.Properties{
		"code":  code,
		"level": extent.Level,
		"srid":  extent.SRID,
	}
	return f
}
