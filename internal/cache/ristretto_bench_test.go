// Package cache provides benchmarks and correctness tests for the Ristretto
// L1 cache and the embedding cache built on top of it.
package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestEmbeddingCacheRoundTrip(t *testing.T) {
	logger := zaptest.NewLogger(t)
	l1, err := NewL1Cache(1000, time.Minute, nil, logger)
	require.NoError(t, err)
	defer l1.Close()

	ec := NewEmbeddingCache(l1)
	ctx := context.Background()

	_, found := ec.Get(ctx, "m1", "hello world")
	require.False(t, found)

	vec := []float32{0.1, -0.2, 3.5, 0}
	ec.Set(ctx, "m1", "hello world", vec)
	l1.Wait()

	got, found := ec.Get(ctx, "m1", "hello world")
	require.True(t, found)
	require.Equal(t, vec, got)
}

func TestEmbeddingCacheModelIsolation(t *testing.T) {
	logger := zaptest.NewLogger(t)
	l1, err := NewL1Cache(1000, time.Minute, nil, logger)
	require.NoError(t, err)
	defer l1.Close()

	ec := NewEmbeddingCache(l1)
	ctx := context.Background()

	ec.Set(ctx, "model-a", "text", []float32{1})
	l1.Wait()
	_, found := ec.Get(ctx, "model-b", "text")
	require.False(t, found, "cache keys must be scoped per model")
}

func BenchmarkL1CacheGet(b *testing.B) {
	logger := zaptest.NewLogger(b)
	cache, err := NewL1Cache(10000, 5*time.Minute, nil, logger)
	if err != nil {
		b.Fatal(err)
	}
	defer cache.Close()

	ctx := context.Background()
	for i := 0; i < 1000; i++ {
		key := string(rune(i%26+'a')) + string(rune((i/26)%26+'a'))
		cache.Set(ctx, key, []byte("test-data"))
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			key := string(rune(i%26+'a')) + string(rune((i/26)%26+'a'))
			cache.Get(ctx, key)
			i++
		}
	})
}

func BenchmarkL1CacheSet(b *testing.B) {
	logger := zaptest.NewLogger(b)
	cache, err := NewL1Cache(10000, 5*time.Minute, nil, logger)
	if err != nil {
		b.Fatal(err)
	}
	defer cache.Close()

	ctx := context.Background()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			key := string(rune(i%26+'a')) + string(rune((i/26)%26+'a'))
			cache.Set(ctx, key, []byte("test-data"))
			i++
		}
	})
}

func BenchmarkEmbeddingCache(b *testing.B) {
	logger := zaptest.NewLogger(b)
	l1, err := NewL1Cache(10000, 5*time.Minute, nil, logger)
	if err != nil {
		b.Fatal(err)
	}
	defer l1.Close()

	ec := NewEmbeddingCache(l1)
	ctx := context.Background()
	vec := make([]float32, 3072)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			text := string(rune(i%26 + 'a'))
			ec.Set(ctx, "m", text, vec)
			ec.Get(ctx, "m", text)
			i++
		}
	})
}
