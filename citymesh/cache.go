package citymesh

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// OpenRedis opens the result-cache client. An empty address disables
// caching and returns nil.
func OpenRedis(cfg RedisConfig) *redis.Client {
	if cfg.Addr == "" {
		log.Println("[Cache] disabled: redis addr not configured")
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// ResultCache caches coverage reports and match results so repeated
// queries skip the point-cloud and matching passes. A nil client makes
// every operation a no-op miss.
type ResultCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewResultCache wraps a Redis client. A non-positive TTL falls back to
// one hour.
func NewResultCache(client *redis.Client, cfg RedisConfig) *ResultCache {
	ttl := time.Duration(cfg.TTLSeconds) * time.Second
	if cfg.TTLSeconds <= 0 {
		ttl = time.Hour
	}
	return &ResultCache{client: client, ttl: ttl}
}

// Enabled reports whether the cache is backed by a live client.
func (c *ResultCache) Enabled() bool {
	return c != nil && c.client != nil
}

// MatchKey derives the cache key for a match query. The engine knobs
// that change match output are part of the key, so a config change
// never serves stale results.
func MatchKey(queryBody []byte, cfg EngineConfig) string {
	h := sha1.New()
	h.Write(queryBody)
	fmt.Fprintf(h, "|%g|%g|%g|%g|%t",
		cfg.Buffer, cfg.MatchThreshold, cfg.OverlapCutoff, cfg.CentroidCutoff, cfg.CentroidRescue)
	return "match:" + hex.EncodeToString(h.Sum(nil))
}

// coverageKey includes the knobs that change coverage output.
func coverageKey(buildingID string, lod int, cfg EngineConfig) string {
	return fmt.Sprintf("coverage:%s:%d:%g:%g:%d", buildingID, lod, cfg.Buffer, cfg.Dilation, cfg.PointBudget)
}

// GetMatchResponse looks up a cached match response body. The cache
// holds the serialized FeatureCollection rather than the intermediate
// match result, so hits replay the exact bytes a fresh match produced,
// candidate geometry included.
func (c *ResultCache) GetMatchResponse(ctx context.Context, key string) ([]byte, bool) {
	if !c.Enabled() {
		return nil, false
	}
	s, err := c.client.Get(ctx, key).Result()
	if err != nil || s == "" {
		return nil, false
	}
	return []byte(s), true
}

// SetMatchResponse stores a match response body. Cache errors are
// logged, never surfaced.
func (c *ResultCache) SetMatchResponse(ctx context.Context, key string, body []byte) {
	if !c.Enabled() || len(body) == 0 {
		return
	}
	if err := c.client.Set(ctx, key, string(body), c.ttl).Err(); err != nil {
		log.Printf("[Cache] storing %s: %v", key, err)
	}
}

// GetCoverage looks up a cached coverage report.
func (c *ResultCache) GetCoverage(ctx context.Context, buildingID string, lod int, cfg EngineConfig) (*CoverageReport, bool) {
	if !c.Enabled() {
		return nil, false
	}
	key := coverageKey(buildingID, lod, cfg)
	s, err := c.client.Get(ctx, key).Result()
	if err != nil || s == "" {
		return nil, false
	}
	var report CoverageReport
	if err := json.Unmarshal([]byte(s), &report); err != nil {
		log.Printf("[Cache] corrupt coverage entry %s: %v", key, err)
		return nil, false
	}
	return &report, true
}

// SetCoverage stores a coverage report.
func (c *ResultCache) SetCoverage(ctx context.Context, report *CoverageReport, cfg EngineConfig) {
	if !c.Enabled() || report == nil {
		return
	}
	key := coverageKey(report.BuildingID, report.LOD, cfg)
	b, err := json.Marshal(report)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, string(b), c.ttl).Err(); err != nil {
		log.Printf("[Cache] storing %s: %v", key, err)
	}
}

// InvalidateBuilding drops every cached coverage report for a building,
// for when its geometry is replaced in the store.
func (c *ResultCache) InvalidateBuilding(ctx context.Context, buildingID string) {
	if !c.Enabled() {
		return
	}
	pattern := fmt.Sprintf("coverage:%s:*", buildingID)
	iter := c.client.Scan(ctx, 0, pattern, 64).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			log.Printf("[Cache] deleting %s: %v", iter.Val(), err)
		}
	}
	if err := iter.Err(); err != nil {
		log.Printf("[Cache] scanning %s: %v", pattern, err)
	}
}

// Close releases the underlying client.
func (c *ResultCache) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.client.Close()
}
