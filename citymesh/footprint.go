package citymesh

import (
	"context"
	"fmt"
	"sort"

	"github.com/paulmach/orb"
)

// FootprintMatcher matches 2D query footprints against the building
// store by comparing overlap areas.
type FootprintMatcher struct {
	store ModelStore
	cfg   EngineConfig
}

// NewFootprintMatcher builds a matcher over the given store. Zero config
// fields fall back to the defaults.
func NewFootprintMatcher(store ModelStore, cfg EngineConfig) *FootprintMatcher {
	return &FootprintMatcher{store: store, cfg: cfg.normalized()}
}

// FeatureMatches holds the matches of one query footprint.
type FeatureMatches struct {
	Name     string           `json:"name,omitempty"`
	Matches  []FootprintMatch `json:"matches"`
	Warnings []string         `json:"warnings,omitempty"`
}

// MatchResult is the outcome of matching a whole query payload.
type MatchResult struct {
	Features []FeatureMatches `json:"features"`
	Total    int              `json:"total"`
}

// MatchRing matches a single query footprint. Candidates come from a
// bounding-box search padded by the proximity buffer; a candidate is a
// match when the shared area exceeds the configured fraction of the
// candidate's own area. Candidates whose geometry cannot be intersected
// are skipped with a warning instead of failing the query.
func (m *FootprintMatcher) MatchRing(ctx context.Context, query orb.Ring) ([]FootprintMatch, []string, error) {
	if err := ValidateFootprint(query); err != nil {
		return nil, nil, err
	}
	query = closeRing(query)

	bound := query.Bound()
	bound = bound.Pad(m.cfg.Buffer)
	candidates, err := m.store.Intersecting(ctx, bound)
	if err != nil {
		return nil, nil, fmt.Errorf("selecting candidates: %w", err)
	}

	var (
		matches  []FootprintMatch
		warnings []string
	)
	for _, candidate := range candidates {
		metrics, err := ComputeOverlap(query, candidate.Footprint)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("building %s: %v", candidate.ID, err))
			continue
		}

		accepted := metrics.CandidateRatio > m.cfg.MatchThreshold
		rescued := false
		if !accepted && m.cfg.CentroidRescue {
			rescued = metrics.CentroidDistance < m.cfg.CentroidCutoff &&
				metrics.AreaRatio > 0.8 && metrics.AreaRatio < 1.2
			accepted = rescued
		}
		if !accepted {
			continue
		}

		confidence := ConfidenceLow
		if !rescued && metrics.Overlapped(m.cfg.OverlapCutoff) {
			confidence = ConfidenceHigh
		}
		matches = append(matches, FootprintMatch{
			BuildingID: candidate.ID,
			FID:        candidate.FID,
			Area:       candidate.Area,
			Metrics:    metrics,
			Overlapped: metrics.Overlapped(m.cfg.OverlapCutoff),
			Confidence: confidence,
			Footprint:  candidate.Footprint,
		})
	}

	sortMatches(matches)
	return matches, warnings, nil
}

// MatchFeatures matches every query feature and reconciles the results
// across features: a building that matched some feature with high
// confidence is dropped from the low-confidence lists of the others.
func (m *FootprintMatcher) MatchFeatures(ctx context.Context, features []QueryFeature) (*MatchResult, error) {
	if len(features) == 0 {
		return nil, validationf("no query features")
	}

	result := &MatchResult{Features: make([]FeatureMatches, 0, len(features))}
	assigned := map[string]bool{}
	for _, feature := range features {
		matches, warnings, err := m.MatchRing(ctx, feature.Footprint)
		if err != nil {
			if IsValidation(err) {
				return nil, fmt.Errorf("feature %q: %w", feature.Name, err)
			}
			return nil, err
		}
		for _, match := range matches {
			if match.Confidence == ConfidenceHigh {
				assigned[match.BuildingID] = true
			}
		}
		result.Features = append(result.Features, FeatureMatches{
			Name:     feature.Name,
			Matches:  matches,
			Warnings: warnings,
		})
	}

	for i := range result.Features {
		kept := result.Features[i].Matches[:0]
		for _, match := range result.Features[i].Matches {
			if match.Confidence == ConfidenceLow && assigned[match.BuildingID] {
				continue
			}
			kept = append(kept, match)
		}
		result.Features[i].Matches = kept
		result.Total += len(kept)
	}
	return result, nil
}

// sortMatches orders strong overlaps first, then by building id.
func sortMatches(matches []FootprintMatch) {
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Overlapped != matches[j].Overlapped {
			return matches[i].Overlapped
		}
		return matches[i].BuildingID < matches[j].BuildingID
	})
}
