package citymesh

import (
	"context"
	"log"
	"os"
	"path/filepath"

	"github.com/paulmach/orb"
)

// CloudIndex locates point-cloud tiles on disk by map sheet code. Tiles
// live flat in one directory, named after the code of the cell they
// cover.
type CloudIndex struct {
	dir        string
	systemCode int
	level      int
}

// NewCloudIndex builds an index over the configured tile directory.
func NewCloudIndex(cfg DataConfig) *CloudIndex {
	level := cfg.SheetLevel
	if level <= 0 {
		level = DefaultSheetLevel
	}
	return &CloudIndex{dir: cfg.CloudDir, systemCode: cfg.SystemCode, level: level}
}

// tileExtensions lists the spellings the tile generators have used.
var tileExtensions = []string{".json", ".json.gz", ".gz"}

// TilePath returns the path of the tile for code, if one exists.
func (ix *CloudIndex) TilePath(code string) (string, bool) {
	for _, ext := range tileExtensions {
		path := filepath.Join(ix.dir, code+ext)
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
	}
	return "", false
}

// Codes returns the sheet codes covering the bound.
func (ix *CloudIndex) Codes(bound orb.Bound) ([]string, error) {
	return SheetCodesInArea(bound.Min[0], bound.Min[1], bound.Max[0], bound.Max[1], ix.systemCode, ix.level)
}

// LoadArea merges every tile covering the bound, cropped to it. Absent
// tiles are skipped, so sparse coverage yields a smaller or empty cloud
// rather than an error.
func (ix *CloudIndex) LoadArea(ctx context.Context, bound orb.Bound) (*PointCloud, error) {
	codes, err := ix.Codes(bound)
	if err != nil {
		return nil, err
	}

	clouds := make([]*PointCloud, 0, len(codes))
	missing := 0
	for _, code := range codes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path, ok := ix.TilePath(code)
		if !ok {
			missing++
			continue
		}
		cloud, err := ReadCloudTile(path)
		if err != nil {
			return nil, err
		}
		clouds = append(clouds, cloud.CropBound(bound))
	}

	merged := MergeClouds(clouds...)
	log.Printf("[CloudIndex] loaded %d points from %d tiles (%d missing)", merged.Len(), len(codes)-missing, missing)
	return merged, nil
}
