package vector

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"columnist/internal/domain"
)

type countingStats struct {
	hits, misses atomic.Int64
}

func (s *countingStats) CacheHit()  { s.hits.Add(1) }
func (s *countingStats) CacheMiss() { s.misses.Add(1) }

func countingEmbedder(calls *atomic.Int64) domain.Embedder {
	return domain.EmbedderFunc(func(_ context.Context, text string) ([]float32, error) {
		calls.Add(1)
		return []float32{float32(len(text)), 1}, nil
	})
}

func TestCachedEmbedderHitMiss(t *testing.T) {
	stats := &countingStats{}
	c, err := NewCachedEmbedder(8, stats)
	if err != nil {
		t.Fatalf("NewCachedEmbedder: %v", err)
	}
	var calls atomic.Int64
	c.Register("docs", countingEmbedder(&calls))
	ctx := context.Background()

	v1, err := c.Embed(ctx, "docs", "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	v2, err := c.Embed(ctx, "docs", "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("inner embedder called %d times, want 1", calls.Load())
	}
	if stats.hits.Load() != 1 || stats.misses.Load() != 1 {
		t.Errorf("hits=%d misses=%d, want 1/1", stats.hits.Load(), stats.misses.Load())
	}
	if v1[0] != v2[0] {
		t.Errorf("cached vector differs: %v vs %v", v1, v2)
	}
}

func TestCachedEmbedderKeyedByTable(t *testing.T) {
	c, _ := NewCachedEmbedder(8, nil)
	var callsA, callsB atomic.Int64
	c.Register("a", countingEmbedder(&callsA))
	c.Register("b", countingEmbedder(&callsB))
	ctx := context.Background()

	c.Embed(ctx, "a", "same text")
	c.Embed(ctx, "b", "same text")
	if callsA.Load() != 1 || callsB.Load() != 1 {
		t.Errorf("cache leaked across tables: a=%d b=%d", callsA.Load(), callsB.Load())
	}
}

func TestCachedEmbedderCopies(t *testing.T) {
	c, _ := NewCachedEmbedder(8, nil)
	c.Register("docs", domain.EmbedderFunc(func(context.Context, string) ([]float32, error) {
		return []float32{1, 2, 3}, nil
	}))
	ctx := context.Background()

	v1, _ := c.Embed(ctx, "docs", "x")
	v1[0] = 99 // mutating the caller's copy must not poison the cache
	v2, _ := c.Embed(ctx, "docs", "x")
	if v2[0] != 1 {
		t.Errorf("cache shared a buffer with the caller: %v", v2)
	}
}

func TestCachedEmbedderNoEmbedder(t *testing.T) {
	c, _ := NewCachedEmbedder(8, nil)
	if _, err := c.Embed(context.Background(), "ghost", "x"); !errors.Is(err, domain.ErrEmbedderNotFound) {
		t.Errorf("err = %v, want ErrEmbedderNotFound", err)
	}
}

func TestCachedEmbedderErrorWrapsNetwork(t *testing.T) {
	c, _ := NewCachedEmbedder(8, nil)
	c.Register("docs", domain.EmbedderFunc(func(context.Context, string) ([]float32, error) {
		return nil, errors.New("connection refused")
	}))
	_, err := c.Embed(context.Background(), "docs", "x")
	if !errors.Is(err, domain.ErrNetwork) {
		t.Errorf("err = %v, want wrapped ErrNetwork", err)
	}
}

func TestCachedEmbedderEviction(t *testing.T) {
	c, _ := NewCachedEmbedder(2, nil)
	var calls atomic.Int64
	c.Register("docs", countingEmbedder(&calls))
	ctx := context.Background()

	c.Embed(ctx, "docs", "one")
	c.Embed(ctx, "docs", "two")
	c.Embed(ctx, "docs", "three") // evicts "one"
	c.Embed(ctx, "docs", "one")
	if calls.Load() != 4 {
		t.Errorf("inner calls = %d, want 4 (LRU evicted)", calls.Load())
	}
}
