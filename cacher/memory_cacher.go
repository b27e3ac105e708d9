package cacher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

var _ Cacher[struct{}] = (*MemoryCacher[struct{}])(nil)

// MemoryCacher keeps values in process memory using go-cache. Concurrent
// misses on the same key share one fetch through a singleflight group.
type MemoryCacher[T any] struct {
	namespace string
	cache     *cache.Cache
	group     singleflight.Group
}

// NewMemoryCacher builds an in-memory cacher.
//
// Parameters:
//   - namespace: Prefix applied to every key; may be empty
//   - cleanupInterval: How often expired entries are purged
//
// Returns:
//   - A new MemoryCacher
func NewMemoryCacher[T any](namespace string, cleanupInterval time.Duration) *MemoryCacher[T] {
	return &MemoryCacher[T]{
		namespace: namespace,
		cache:     cache.New(cache.NoExpiration, cleanupInterval),
	}
}

func (c *MemoryCacher[T]) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error) {
	var zero T
	full := namespaced(c.namespace, key)

	if v, ok := c.lookup(full); ok {
		return v, nil
	}

	if err := ctx.Err(); err != nil {
		return zero, err
	}

	res, err, _ := c.group.Do(full, func() (any, error) {
		// the key may have been filled while we waited for the group
		if v, ok := c.lookup(full); ok {
			return v, nil
		}

		v, err := fetchFn(ctx)
		if err != nil {
			return nil, err
		}

		if ttl <= 0 {
			ttl = cache.NoExpiration
		}
		c.cache.Set(full, v, ttl)
		return v, nil
	})
	if err != nil {
		return zero, err
	}

	v, ok := res.(T)
	if !ok {
		return zero, fmt.Errorf("cacher: unexpected value type %T for key %s", res, full)
	}

	return v, nil
}

func (c *MemoryCacher[T]) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.cache.Delete(namespaced(c.namespace, key))
	return nil
}

func (c *MemoryCacher[T]) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	prefix := namespaced(c.namespace, "")
	n := 0
	for k := range c.cache.Items() {
		if strings.HasPrefix(k, prefix) {
			n++
		}
	}

	return n, nil
}

func (c *MemoryCacher[T]) lookup(full string) (T, bool) {
	var zero T

	raw, ok := c.cache.Get(full)
	if !ok {
		return zero, false
	}

	v, ok := raw.(T)
	return v, ok
}
