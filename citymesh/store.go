package citymesh

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dhconnelly/rtreego"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/paulmach/orb"
)

// ModelStore is the building model source the matching engine queries.
type ModelStore interface {
	// Find returns the model with the given id and LOD. A negative LOD
	// selects the highest one available.
	Find(ctx context.Context, id string, lod int) (*BuildingModel, error)
	// Intersecting returns every model whose footprint bounding box
	// intersects the given bound.
	Intersecting(ctx context.Context, bound orb.Bound) ([]*BuildingModel, error)
	Close() error
}

// NewBuildingModel assembles a model from its face rings. The footprint
// is the first ring projected to the plane, which for extruded models is
// the floor polygon.
func NewBuildingModel(id string, fid int64, lod int, rings [][]mgl64.Vec3) (*BuildingModel, error) {
	if id == "" {
		return nil, validationf("building id is empty")
	}
	if len(rings) == 0 {
		return nil, validationf("building %s has no faces", id)
	}
	footprint := FootprintFromSolid(rings)
	if len(footprint) < 4 {
		return nil, validationf("building %s footprint has too few vertices", id)
	}
	return &BuildingModel{
		FID:       fid,
		ID:        id,
		LOD:       lod,
		Footprint: footprint,
		Area:      ringArea(footprint),
		Rings:     rings,
	}, nil
}

type modelKey struct {
	id  string
	lod int
}

// storedModel adapts a model to the r-tree entry interface.
type storedModel struct {
	model *BuildingModel
	rect  rtreego.Rect
}

func (s *storedModel) Bounds() rtreego.Rect { return s.rect }

// MemoryStore keeps building models in an in-memory r-tree. It serves
// tests and the file-backed deployments that have no database.
type MemoryStore struct {
	mu     sync.RWMutex
	tree   *rtreego.Rtree
	models map[modelKey]*storedModel
	lods   map[string][]int
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tree:   rtreego.NewTree(2, 25, 50),
		models: map[modelKey]*storedModel{},
		lods:   map[string][]int{},
	}
}

// Add inserts a model, replacing any previous one with the same id and
// LOD. The footprint must be non-empty.
func (s *MemoryStore) Add(model *BuildingModel) error {
	if model == nil || len(model.Footprint) == 0 {
		return validationf("model has no footprint")
	}
	rect, err := boundToRect(model.Footprint.Bound())
	if err != nil {
		return validationf("model %s: %v", model.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := modelKey{id: model.ID, lod: model.LOD}
	if prev, exists := s.models[key]; exists {
		s.tree.Delete(prev)
	} else {
		s.lods[model.ID] = append(s.lods[model.ID], model.LOD)
		sort.Ints(s.lods[model.ID])
	}
	entry := &storedModel{model: model, rect: rect}
	s.models[key] = entry
	s.tree.Insert(entry)
	return nil
}

func (s *MemoryStore) Find(ctx context.Context, id string, lod int) (*BuildingModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if lod < 0 {
		lods := s.lods[id]
		if len(lods) == 0 {
			return nil, &NotFoundError{Kind: "building", ID: id}
		}
		lod = lods[len(lods)-1]
	}
	entry, ok := s.models[modelKey{id: id, lod: lod}]
	if !ok {
		return nil, &NotFoundError{Kind: "building", ID: fmt.Sprintf("%s lod%d", id, lod)}
	}
	return entry.model, nil
}

func (s *MemoryStore) Intersecting(ctx context.Context, bound orb.Bound) ([]*BuildingModel, error) {
	rect, err := boundToRect(bound)
	if err != nil {
		return nil, validationf("query bound: %v", err)
	}

	s.mu.RLock()
	hits := s.tree.SearchIntersect(rect)
	s.mu.RUnlock()

	models := make([]*BuildingModel, 0, len(hits))
	for _, hit := range hits {
		models = append(models, hit.(*storedModel).model)
	}
	sort.Slice(models, func(i, j int) bool {
		if models[i].ID != models[j].ID {
			return models[i].ID < models[j].ID
		}
		return models[i].LOD < models[j].LOD
	})
	return models, nil
}

// All returns every stored model ordered by id then LOD.
func (s *MemoryStore) All() []*BuildingModel {
	s.mu.RLock()
	defer s.mu.RUnlock()

	models := make([]*BuildingModel, 0, len(s.models))
	for _, entry := range s.models {
		models = append(models, entry.model)
	}
	sort.Slice(models, func(i, j int) bool {
		if models[i].ID != models[j].ID {
			return models[i].ID < models[j].ID
		}
		return models[i].LOD < models[j].LOD
	})
	return models
}

// Count returns the number of stored models.
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.models)
}

func (s *MemoryStore) Close() error { return nil }

// LoadFromDir loads every .json and .geojson model file under dir.
func (s *MemoryStore) LoadFromDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading model dir: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".json") && !strings.HasSuffix(name, ".geojson") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("reading model file %s: %w", name, err)
		}
		models, err := ParseModels(data)
		if err != nil {
			return fmt.Errorf("parsing model file %s: %w", name, err)
		}
		for _, model := range models {
			if err := s.Add(model); err != nil {
				return fmt.Errorf("model file %s: %w", name, err)
			}
		}
		loaded += len(models)
	}
	log.Printf("[ModelStore] loaded %d buildings from %s", loaded, dir)
	return nil
}

// LoadFromURL fetches a model collection over HTTP and adds its
// buildings to the store.
func (s *MemoryStore) LoadFromURL(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building model request: %w", err)
	}
	resp, err := modelHTTPClient.Do(req)
	if err != nil {
		return &ResourceError{Op: "fetch models", Msg: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &NotFoundError{Kind: "model collection", ID: url}
	}
	if resp.StatusCode != http.StatusOK {
		return &ResourceError{Op: "fetch models", Msg: fmt.Sprintf("%s returned %s", url, resp.Status)}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxLoadBytes))
	if err != nil {
		return &ResourceError{Op: "fetch models", Msg: url, Err: err}
	}

	models, err := ParseModels(data)
	if err != nil {
		return err
	}
	for _, model := range models {
		if err := s.Add(model); err != nil {
			return err
		}
	}
	log.Printf("[ModelStore] loaded %d buildings from %s", len(models), url)
	return nil
}

var modelHTTPClient = &http.Client{Timeout: 30 * time.Second}

type modelFeature struct {
	Type       string `json:"type"`
	Properties struct {
		BldID string `json:"bldid"`
		LOD   int    `json:"lod"`
		FID   int64  `json:"fid"`
	} `json:"properties"`
	Geometry json.RawMessage `json:"geometry"`
}

type modelCollection struct {
	Type     string         `json:"type"`
	Features []modelFeature `json:"features"`
}

// ParseModels decodes a GeoJSON FeatureCollection of 3D building
// features. Each feature needs a bldid property and a solid geometry.
func ParseModels(data []byte) ([]*BuildingModel, error) {
	var collection modelCollection
	if err := json.Unmarshal(data, &collection); err != nil {
		return nil, &ValidationError{Msg: "parsing model collection", Err: err}
	}
	if collection.Type != "FeatureCollection" {
		return nil, validationf("model collection type %q, want FeatureCollection", collection.Type)
	}

	models := make([]*BuildingModel, 0, len(collection.Features))
	for i, feature := range collection.Features {
		if feature.Properties.BldID == "" {
			return nil, validationf("feature %d is missing the bldid property", i)
		}
		rings, err := ParseSolidRings(feature.Geometry)
		if err != nil {
			return nil, fmt.Errorf("feature %d (%s): %w", i, feature.Properties.BldID, err)
		}
		model, err := NewBuildingModel(feature.Properties.BldID, feature.Properties.FID, feature.Properties.LOD, rings)
		if err != nil {
			return nil, err
		}
		models = append(models, model)
	}
	return models, nil
}

// boundToRect converts an orb bound to an r-tree rectangle. Zero extents
// get a hair of padding because the tree rejects empty rectangles.
func boundToRect(b orb.Bound) (rtreego.Rect, error) {
	const pad = 1e-9
	width := b.Max[0] - b.Min[0]
	height := b.Max[1] - b.Min[1]
	if width <= 0 {
		width = pad
	}
	if height <= 0 {
		height = pad
	}
	return rtreego.NewRect(rtreego.Point{b.Min[0], b.Min[1]}, []float64{width, height})
}
