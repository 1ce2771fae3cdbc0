// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package linker

import (
	"context"
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/antflydb/linker/lib/linking"
	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// BatchLinker links batches of texts.
type BatchLinker interface {
	ExtractBatch(ctx context.Context, texts []string) ([][]linking.Result, error)
}

// CachedLinker wraps a BatchLinker with caching and deduplication of concurrent
// identical requests.
type CachedLinker struct {
	linker  BatchLinker
	cache   *ttlcache.Cache[string, [][]linking.Result]
	sfGroup *singleflight.Group
	logger  *zap.Logger
	cancel  context.CancelFunc

	// Metrics
	hits   atomic.Uint64
	misses atomic.Uint64
	sfHits atomic.Uint64
}

// NewCachedLinker caches results for ttl. A ttl of 0 keeps results until Close.
func NewCachedLinker(linker BatchLinker, ttl time.Duration, logger *zap.Logger) *CachedLinker {
	if logger == nil {
		logger = zap.NewNop()
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, [][]linking.Result](ttl),
	)
	go cache.Start()

	ctx, cancel := context.WithCancel(context.Background())
	c := &CachedLinker{
		linker:  linker,
		cache:   cache,
		sfGroup: &singleflight.Group{},
		logger:  logger,
		cancel:  cancel,
	}

	// Log cache stats periodically
	go c.logStats(ctx)

	return c
}

// ExtractBatch links texts with caching support
func (c *CachedLinker) ExtractBatch(ctx context.Context, texts []string) ([][]linking.Result, error) {
	key := cacheKey(texts)

	if item := c.cache.Get(key); item != nil {
		c.hits.Add(1)
		RecordCacheHit("link")
		c.logger.Debug("Link cache hit", zap.Int("num_texts", len(texts)))
		return item.Value(), nil
	}

	result, err, shared := c.sfGroup.Do(key, func() (any, error) {
		c.misses.Add(1)
		RecordCacheMiss("link")

		start := time.Now()
		results, err := c.linker.ExtractBatch(ctx, texts)
		if err != nil {
			return nil, err
		}
		c.cache.Set(key, results, ttlcache.DefaultTTL)

		c.logger.Debug("Linking completed and cached",
			zap.Int("num_texts", len(texts)),
			zap.Duration("duration", time.Since(start)))
		return results, nil
	})
	if err != nil {
		return nil, err
	}

	if shared {
		c.sfHits.Add(1)
		c.logger.Debug("Singleflight hit for link request")
	}

	return result.([][]linking.Result), nil
}

// cacheKey hashes the ordered texts.
func cacheKey(texts []string) string {
	h := xxhash.New()
	for i, text := range texts {
		_, _ = h.WriteString("t")
		// Use index to ensure order matters
		_, _ = h.Write(binary.BigEndian.AppendUint32(nil, uint32(i)))
		_, _ = h.WriteString(":")
		_, _ = h.WriteString(text)
		_, _ = h.WriteString("|")
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], h.Sum64())
	return string(buf[:])
}

// LinkCacheStats holds cache statistics
type LinkCacheStats struct {
	Hits             uint64 `json:"hits"`
	Misses           uint64 `json:"misses"`
	SingleflightHits uint64 `json:"singleflight_hits"`
	Items            int    `json:"items"`
}

// Stats returns cache statistics
func (c *CachedLinker) Stats() LinkCacheStats {
	return LinkCacheStats{
		Hits:             c.hits.Load(),
		Misses:           c.misses.Load(),
		SingleflightHits: c.sfHits.Load(),
		Items:            c.cache.Len(),
	}
}

// Close stops the cache
func (c *CachedLinker) Close() {
	c.cancel()
	c.cache.Stop()
}

// logStats logs cache statistics periodically
func (c *CachedLinker) logStats(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics := c.cache.Metrics()
			if metrics.Hits > 0 || metrics.Misses > 0 {
				total := metrics.Hits + metrics.Misses
				hitRate := float64(metrics.Hits) / float64(total) * 100
				c.logger.Info("Link cache stats",
					zap.Uint64("hits", metrics.Hits),
					zap.Uint64("misses", metrics.Misses),
					zap.Float64("hit_rate_pct", hitRate),
					zap.Int("items", c.cache.Len()))
			}
		}
	}
}
