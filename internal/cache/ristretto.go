// Package cache provides a two-tier in-memory + Redis cache used to avoid
// re-embedding text the service has already seen.
package cache

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// L1Cache provides a two-tier caching system:
// - L1: in-memory Ristretto cache (microsecond latency)
// - L2: Redis cache (millisecond latency, shared across instances)
type L1Cache struct {
	l1        *ristretto.Cache[string, []byte]
	l2        *redis.Client
	ttl       time.Duration
	l1MaxCost int64
	logger    *zap.Logger
	metrics   CacheMetrics
	metricsMu sync.Mutex
}

// CacheMetrics tracks cache performance.
type CacheMetrics struct {
	L1Hits   int64
	L1Misses int64
	L2Hits   int64
	L2Misses int64
}

// NewL1Cache creates a new two-tier cache. l1MaxCost bounds the in-memory
// tier's cost (default 10,000); ttl bounds both tiers' entry lifetime
// (default 5 minutes). l2 may be nil, in which case only L1 is used.
func NewL1Cache(l1MaxCost int64, ttl time.Duration, l2 *redis.Client, logger *zap.Logger) (*L1Cache, error) {
	if l1MaxCost == 0 {
		l1MaxCost = 10000
	}
	if ttl == 0 {
		ttl = 5 * time.Minute
	}

	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: 8,
		MaxCost:     l1MaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ristretto cache: %w", err)
	}

	return &L1Cache{
		l1:        c,
		l2:        l2,
		ttl:       ttl,
		l1MaxCost: l1MaxCost,
		logger:    logger.Named("l1cache"),
	}, nil
}

// Get retrieves a value from L1, falling back to L2 if needed.
func (c *L1Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	if val, found := c.l1.Get(key); found {
		c.recordL1Hit()
		return val, true
	}
	c.recordL1Miss()

	if c.l2 != nil {
		data, err := c.l2.Get(ctx, key).Bytes()
		if err == nil && len(data) > 0 {
			c.recordL2Hit()
			c.l1.Set(key, data, int64(len(data)))
			go c.expireAfter(key, c.ttl)
			return data, true
		}
		c.recordL2Miss()
	}

	return nil, false
}

// Set stores a value in both L1 and L2.
func (c *L1Cache) Set(ctx context.Context, key string, data []byte) {
	c.l1.Set(key, data, int64(len(data)))
	go c.expireAfter(key, c.ttl)

	if c.l2 != nil {
		go func() {
			if err := c.l2.Set(ctx, key, data, c.ttl).Err(); err != nil {
				c.logger.Warn("failed to set L2 cache", zap.String("key", key), zap.Error(err))
			}
		}()
	}
}

func (c *L1Cache) expireAfter(key string, ttl time.Duration) {
	time.Sleep(ttl)
	c.l1.Del(key)
}

// Wait blocks until pending L1 writes have been applied. Ristretto admits
// entries asynchronously; callers that need read-your-write behavior (tests,
// mostly) call this between Set and Get.
func (c *L1Cache) Wait() {
	c.l1.Wait()
}

// Delete removes a value from both tiers.
func (c *L1Cache) Delete(ctx context.Context, key string) error {
	c.l1.Del(key)
	if c.l2 != nil {
		if err := c.l2.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("L2 delete failed: %w", err)
		}
	}
	return nil
}

// Stats returns cache hit/miss counters.
func (c *L1Cache) Stats() CacheMetrics {
	c.metricsMu.Lock()
	defer c.metricsMu.Unlock()
	return c.metrics
}

func (c *L1Cache) recordL1Hit() {
	c.metricsMu.Lock()
	c.metrics.L1Hits++
	c.metricsMu.Unlock()
}

func (c *L1Cache) recordL1Miss() {
	c.metricsMu.Lock()
	c.metrics.L1Misses++
	c.metricsMu.Unlock()
}

func (c *L1Cache) recordL2Hit() {
	c.metricsMu.Lock()
	c.metrics.L2Hits++
	c.metricsMu.Unlock()
}

func (c *L1Cache) recordL2Miss() {
	c.metricsMu.Lock()
	c.metrics.L2Misses++
	c.metricsMu.Unlock()
}

// Close releases the in-memory tier's resources.
func (c *L1Cache) Close() error {
	c.l1.Close()
	return nil
}

// EmbeddingCache caches embedding vectors by the text that produced them,
// sparing the Embedder a round trip for repeated block text.
type EmbeddingCache struct {
	cache *L1Cache
}

// NewEmbeddingCache wraps an L1Cache for embedding-vector storage.
func NewEmbeddingCache(l1 *L1Cache) *EmbeddingCache {
	return &EmbeddingCache{cache: l1}
}

// Get returns the cached vector for text, if present.
func (e *EmbeddingCache) Get(ctx context.Context, model, text string) ([]float32, bool) {
	data, found := e.cache.Get(ctx, embeddingKey(model, text))
	if !found {
		return nil, false
	}
	return decodeVector(data), true
}

// Set stores the vector for text.
func (e *EmbeddingCache) Set(ctx context.Context, model, text string, vector []float32) {
	e.cache.Set(ctx, embeddingKey(model, text), encodeVector(vector))
}

func embeddingKey(model, text string) string {
	return fmt.Sprintf("embed:%s:%s", model, text)
}

func encodeVector(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, f := range v {
		bits := math.Float32bits(f)
		out[4*i] = byte(bits)
		out[4*i+1] = byte(bits >> 8)
		out[4*i+2] = byte(bits >> 16)
		out[4*i+3] = byte(bits >> 24)
	}
	return out
}

func decodeVector(data []byte) []float32 {
	n := len(data) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := uint32(data[4*i]) | uint32(data[4*i+1])<<8 | uint32(data[4*i+2])<<16 | uint32(data[4*i+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out
}
