package citymesh

import (
	"context"
	"fmt"
	"log"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Engine runs the matching, coverage and texture pipelines over one
// building store and tile directory. The cache and event publisher may
// be disabled; the engine treats them as absent.
type Engine struct {
	store  ModelStore
	clouds *CloudIndex
	cache  *ResultCache
	events *EventPublisher
	cfg    EngineConfig
	data   DataConfig
}

// NewEngine wires the pipelines together.
func NewEngine(store ModelStore, clouds *CloudIndex, cache *ResultCache, events *EventPublisher, cfg *Config) *Engine {
	return &Engine{
		store:  store,
		clouds: clouds,
		cache:  cache,
		events: events,
		cfg:    cfg.Engine.normalized(),
		data:   cfg.Data,
	}
}

// Config returns the engine knob set in effect. Handlers copy it and
// apply per-request overrides before passing it back in.
func (e *Engine) Config() EngineConfig {
	return e.cfg
}

// Store exposes the building store for read-only lookups.
func (e *Engine) Store() ModelStore {
	return e.store
}

// MatchFootprints parses a 2D GeoJSON query and matches it against the
// store. Response caching lives with the HTTP layer, which keys on the
// raw query body; the engine always computes.
func (e *Engine) MatchFootprints(ctx context.Context, body []byte) (*MatchResult, []QueryFeature, error) {
	features, err := ParseQueryFeatures(body)
	if err != nil {
		return nil, nil, err
	}

	matcher := NewFootprintMatcher(e.store, e.cfg)
	result, err := matcher.MatchFeatures(ctx, features)
	if err != nil {
		return nil, nil, err
	}

	if err := e.events.PublishMatch(result); err != nil {
		log.Printf("[Engine] publishing match event: %v", err)
	}
	return result, features, nil
}

// Cache exposes the result cache so the HTTP layer can key match
// responses on the raw request body.
func (e *Engine) Cache() *ResultCache {
	return e.cache
}

// AlignSite fits a rigid transform from a site's queries onto their
// high-confidence matches and records it in the alignment cache. Sites
// with fewer than two anchor pairs keep the identity and are not
// persisted.
func (e *Engine) AlignSite(site string, queries []QueryFeature, result *MatchResult) (AffineMatrix, int, error) {
	m, pairs := AlignFeatures(queries, result)
	if pairs < 2 || e.data.AlignmentCache == "" {
		return m, pairs, nil
	}

	cache, err := LoadAlignments(e.data.AlignmentCache)
	if err != nil {
		return m, pairs, err
	}
	if cache == nil {
		cache = &AlignmentCache{}
	}
	cache.Set(site, m)
	if err := SaveAlignments(e.data.AlignmentCache, cache); err != nil {
		return m, pairs, err
	}
	log.Printf("[Engine] alignment for site %q saved (%d anchor pairs)", site, pairs)
	return m, pairs, nil
}

// FetchModel returns one stored building model. A negative LOD selects
// the highest available.
func (e *Engine) FetchModel(ctx context.Context, buildingID string, lod int) (*BuildingModel, error) {
	return e.store.Find(ctx, buildingID, lod)
}

// loadCloud pulls the tile points around a model's footprint, cropped to
// the walls plus the proximity buffer and budgeted down to the point
// limit.
func (e *Engine) loadCloud(ctx context.Context, model *BuildingModel, cfg EngineConfig) (*PointCloud, error) {
	bound := model.Footprint.Bound().Pad(cfg.Buffer)
	cloud, err := e.clouds.LoadArea(ctx, bound)
	if err != nil {
		return nil, err
	}
	cloud = cloud.CropPrism(model.Footprint, cfg.Buffer)
	return cloud.Budget(cfg.PointBudget, cfg.BaseGridSize), nil
}

// Coverage computes the per-face point coverage of one building.
func (e *Engine) Coverage(ctx context.Context, buildingID string, lod int, cfg EngineConfig) (*CoverageReport, error) {
	cfg = cfg.normalized()

	model, err := e.store.Find(ctx, buildingID, lod)
	if err != nil {
		return nil, err
	}
	if report, ok := e.cache.GetCoverage(ctx, model.ID, model.LOD, cfg); ok {
		// The footprint is not serialized with the report, so a cached
		// hit gets it back from the model just fetched.
		report.Footprint = model.Footprint
		return report, nil
	}

	cloud, err := e.loadCloud(ctx, model, cfg)
	if err != nil {
		return nil, err
	}
	report, err := ComputeCoverage(model, cloud, cfg)
	if err != nil {
		return nil, err
	}

	e.cache.SetCoverage(ctx, report, cfg)
	if err := e.events.PublishCoverage(report); err != nil {
		log.Printf("[Engine] publishing coverage event: %v", err)
	}
	return report, nil
}

// CoverageBatch computes coverage for many buildings concurrently.
// Failures stay per-building: the slot for a failed building is nil and
// the failure joins the warning list, so one bad model never sinks the
// batch.
func (e *Engine) CoverageBatch(ctx context.Context, buildingIDs []string, lod int, cfg EngineConfig) ([]*CoverageReport, []string) {
	cfg = cfg.normalized()
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	reports := make([]*CoverageReport, len(buildingIDs))
	errs := make([]error, len(buildingIDs))

	var g errgroup.Group
	g.SetLimit(workers)
	for i, id := range buildingIDs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			reports[i], errs[i] = e.Coverage(ctx, id, lod, cfg)
			return nil
		})
	}
	_ = g.Wait()

	var warnings []string
	for i, err := range errs {
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("building %s: %v", buildingIDs[i], err))
		}
	}
	return reports, warnings
}

// CoverageForCloud matches a request-supplied point cloud against every
// stored building its envelope touches and reports coverage per hit.
// An envelope with no buildings yields an empty slice, not an error.
func (e *Engine) CoverageForCloud(ctx context.Context, payload []byte, cfg EngineConfig) ([]*CoverageReport, []string, error) {
	cfg = cfg.normalized()

	cloud, err := DecodeCloudTile(payload)
	if err != nil {
		return nil, nil, err
	}
	if cloud.Len() == 0 {
		return nil, nil, validationf("point cloud is empty")
	}
	cloud = cloud.Budget(cfg.PointBudget, cfg.BaseGridSize)

	models, err := e.store.Intersecting(ctx, cloud.Bound().Pad(cfg.Buffer))
	if err != nil {
		return nil, nil, err
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	reports := make([]*CoverageReport, len(models))
	errs := make([]error, len(models))

	var g errgroup.Group
	g.SetLimit(workers)
	for i, model := range models {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			crop := cloud.CropPrism(model.Footprint, cfg.Buffer)
			reports[i], errs[i] = ComputeCoverage(model, crop, cfg)
			return nil
		})
	}
	_ = g.Wait()

	var warnings []string
	for i, err := range errs {
		if err != nil {
			reports[i] = nil
			warnings = append(warnings, fmt.Sprintf("building %s: %v", models[i].ID, err))
		}
	}
	for _, report := range reports {
		if report == nil {
			continue
		}
		if err := e.events.PublishCoverage(report); err != nil {
			log.Printf("[Engine] publishing coverage event: %v", err)
		}
	}
	return reports, warnings, nil
}

// TextureBundle renders the full OBJ + MTL + texture bundle for one
// building.
func (e *Engine) TextureBundle(ctx context.Context, buildingID string, lod int, cfg EngineConfig) (*ModelBundle, error) {
	cfg = cfg.normalized()

	model, err := e.store.Find(ctx, buildingID, lod)
	if err != nil {
		return nil, err
	}
	cloud, err := e.loadCloud(ctx, model, cfg)
	if err != nil {
		return nil, err
	}

	bundle, err := BuildModelBundle(model, cloud, cfg)
	if err != nil {
		return nil, err
	}
	if err := e.events.PublishBundle(model.ID, bundle); err != nil {
		log.Printf("[Engine] publishing bundle event: %v", err)
	}
	return bundle, nil
}

// TextureFromCloud renders a bundle for one building from a
// request-supplied point cloud instead of the stored tiles.
func (e *Engine) TextureFromCloud(ctx context.Context, payload []byte, buildingID string, lod int, cfg EngineConfig) (*ModelBundle, error) {
	cfg = cfg.normalized()

	cloud, err := DecodeCloudTile(payload)
	if err != nil {
		return nil, err
	}
	if cloud.Len() == 0 {
		return nil, validationf("point cloud is empty")
	}

	model, err := e.store.Find(ctx, buildingID, lod)
	if err != nil {
		return nil, err
	}
	cloud = cloud.CropPrism(model.Footprint, cfg.Buffer)
	cloud = cloud.Budget(cfg.PointBudget, cfg.BaseGridSize)

	bundle, err := BuildModelBundle(model, cloud, cfg)
	if err != nil {
		return nil, err
	}
	if err := e.events.PublishBundle(model.ID, bundle); err != nil {
		log.Printf("[Engine] publishing bundle event: %v", err)
	}
	return bundle, nil
}

// SaveBundle writes a bundle into the configured output directory and
// returns where it went.
func (e *Engine) SaveBundle(bundle *ModelBundle) (string, error) {
	if e.data.OutputDir == "" {
		return "", validationf("no output directory configured")
	}
	if err := bundle.WriteDir(e.data.OutputDir); err != nil {
		return "", err
	}
	return e.data.OutputDir, nil
}
