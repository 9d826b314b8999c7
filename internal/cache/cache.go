// Package cache provides caching for rendered layer results and decoded rasters.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/solarscan/server/internal/raster"
)

// Config contains cache configuration.
type Config struct {
	ResultCacheSizeMB int
	ResultTTL         time.Duration
	RasterCacheSize   int
}

// Manager manages the layer result and decoded raster caches.
type Manager struct {
	resultCache *bigcache.BigCache
	rasterCache *lru.Cache[string, *raster.GeoRaster]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	resultCacheConfig := bigcache.Config{
		Shards:             1024,
		LifeWindow:         cfg.ResultTTL,
		CleanWindow:        cfg.ResultTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       2 * 1024 * 1024, // rendered layer payloads carry data URLs
		HardMaxCacheSize:   cfg.ResultCacheSizeMB,
		Verbose:            false,
	}

	resultCache, err := bigcache.New(context.Background(), resultCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create result cache: %w", err)
	}

	rasterCache, err := lru.New[string, *raster.GeoRaster](cfg.RasterCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create raster cache: %w", err)
	}

	return &Manager{
		resultCache: resultCache,
		rasterCache: rasterCache,
	}, nil
}

// GetResult retrieves a serialized layer result from cache.
func (m *Manager) GetResult(key string) ([]byte, bool) {
	data, err := m.resultCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetResult stores a serialized layer result in cache.
func (m *Manager) SetResult(key string, data []byte) error {
	return m.resultCache.Set(key, data)
}

// GetRaster retrieves a decoded raster from cache. Callers must not mutate
// the returned raster.
func (m *Manager) GetRaster(key string) (*raster.GeoRaster, bool) {
	return m.rasterCache.Get(key)
}

// SetRaster stores a decoded raster in cache.
func (m *Manager) SetRaster(key string, r *raster.GeoRaster) {
	m.rasterCache.Add(key, r)
}

// LayerKey generates a cache key for a rendered layer request. Coordinates
// are rounded to six decimals (about 10cm) so nearby repeat requests hit
// the same entry.
func LayerKey(layerType string, lat, lng, radius float64, params map[string]string) string {
	base := fmt.Sprintf("layer:%s:%.6f,%.6f:r=%.1f", layerType, lat, lng, radius)
	if len(params) == 0 {
		return base
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(base))
	for _, k := range keys {
		h.Write([]byte(fmt.Sprintf("%s=%s", k, params[k])))
	}
	return base + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

// RasterKey generates a cache key for a decoded raster by source URL.
func RasterKey(url string) string {
	h := sha256.Sum256([]byte(url))
	return "raster:" + hex.EncodeToString(h[:])[:24]
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"result_cache_len": m.resultCache.Len(),
		"result_cache_cap": m.resultCache.Capacity(),
		"raster_cache_len": m.rasterCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.resultCache.Close()
}
