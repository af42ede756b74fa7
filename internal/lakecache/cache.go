// Package lakecache coalesces object-store reads: a bounded LRU of
// in-flight GetBytes results keyed by (bucket, key), guaranteeing at most
// one concurrent origin fetch per key and sharing one result among every
// caller. It is a keyed single-flight group over a bounded map: GetBytes
// returns a shared handle if one is already in flight, otherwise installs
// a new one; the handle resolves exactly once and is removed from the map
// on error, so failures are never served from cache.
package lakecache

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/near/historical-backfiller/internal/errs"
	"github.com/near/historical-backfiller/internal/metrics"
	"github.com/near/historical-backfiller/internal/objectstore"
)

// DefaultCapacity is sized to roughly one hour of fleet activity.
const DefaultCapacity = 18000

// inflight is the shared handle for one key's in-progress or completed
// fetch. It is installed into the LRU before the fetch starts and is
// awaited, never held, across I/O.
type inflight struct {
	done   chan struct{}
	result []byte
	err    error
}

func (h *inflight) await(ctx context.Context) ([]byte, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cache wraps an objectstore.Client with request coalescing.
type Cache struct {
	origin objectstore.Client

	mu  sync.Mutex
	lru *lru.Cache[string, *inflight]
}

// New builds a Cache with the given LRU capacity (0 means DefaultCapacity).
func New(origin objectstore.Client, capacity int) (*Cache, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	l, err := lru.New[string, *inflight](capacity)
	if err != nil {
		return nil, err
	}

	return &Cache{origin: origin, lru: l}, nil
}

// cacheKey composes the LRU key from both bucket and object key, since one
// Cache instance is shared across multiple buckets in production (the
// delta-lake bucket and a chain's lake bucket both flow through the same
// Lake Cache) and a bare object key can collide across them.
func cacheKey(bucket, key string) string {
	return bucket + "\x00" + key
}

// lockedGetOrInsert looks up key under the LRU mutex, installing a fresh
// inflight handle on a miss. The mutex is held only for this pointer-sized
// manipulation, never across I/O.
func (c *Cache) lockedGetOrInsert(lruKey string) (*inflight, bool) {
	start := time.Now()
	defer func() { metrics.LakeCacheLockWaitSeconds.Observe(time.Since(start).Seconds()) }()

	c.mu.Lock()
	defer c.mu.Unlock()

	metrics.LakeCacheSize.Set(float64(c.lru.Len()))

	if h, ok := c.lru.Get(lruKey); ok {
		metrics.LakeCacheHits.Inc()
		return h, true
	}

	metrics.LakeCacheMisses.Inc()
	h := &inflight{done: make(chan struct{})}
	c.lru.Add(lruKey, h)
	return h, false
}

func (c *Cache) evict(lruKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(lruKey)
}

// GetBytes fetches bucket/key, coalescing concurrent callers for the same
// (bucket, key) pair into a single origin call. Errors are never cached:
// every caller that observes an error evicts the key before returning, so
// the next call re-invokes the origin.
func (c *Cache) GetBytes(ctx context.Context, bucket, key string) ([]byte, error) {
	lruKey := cacheKey(bucket, key)
	h, existed := c.lockedGetOrInsert(lruKey)

	if !existed {
		metrics.LakeS3GetRequestCount.Inc()
		h.result, h.err = c.origin.GetBytes(ctx, bucket, key)
		close(h.done)
	}

	result, err := h.await(ctx)
	if err != nil {
		c.evict(lruKey)
	}

	return result, err
}

// GetText is GetBytes followed by the same UTF-8 decode contract as the
// underlying object store client.
func (c *Cache) GetText(ctx context.Context, bucket, key string) (string, error) {
	b, err := c.GetBytes(ctx, bucket, key)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("%w: %s/%s is not valid UTF-8", errs.ErrDecode, bucket, key)
	}
	return string(b), nil
}

// ListObjects delegates directly; listings are not coalesced (they are
// not the hot path the cache was sized for).
func (c *Cache) ListObjects(ctx context.Context, bucket, prefix string, continuation *string) (objectstore.ListResult, error) {
	return c.origin.ListObjects(ctx, bucket, prefix, continuation)
}

// ListCommonPrefixesAfter delegates directly; never cached.
func (c *Cache) ListCommonPrefixesAfter(ctx context.Context, bucket, startAfter string) ([]string, error) {
	return c.origin.ListCommonPrefixesAfter(ctx, bucket, startAfter)
}

var _ objectstore.Client = (*Cache)(nil)
