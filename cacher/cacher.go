// Package cacher caches values resolved from a slower source, such as the
// user profiles looked up when a session logs in. Concurrent misses on one
// key trigger a single fetch.
package cacher

import (
	"context"
	"time"
)

// FetchFunc loads the value for a key on a cache miss.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Cacher is a namespaced read-through cache. Keys passed to its methods are
// relative to the namespace the cacher was built with.
type Cacher[T any] interface {
	// GetOrFetch returns the cached value for key, or calls fetchFn, stores
	// its result for ttl and returns it. A failed fetch is not cached.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - key: The key within the cacher's namespace
	//   - ttl: Time-to-live of a freshly fetched value; 0 or less keeps it until deleted
	//   - fetchFn: Loader invoked on a miss
	//
	// Returns:
	//   - The cached or fetched value
	//   - The fetch error, or a backend error
	GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error)

	// Delete drops key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Len returns the number of live entries in the namespace.
	Len(ctx context.Context) (int, error)
}

func namespaced(namespace, key string) string {
	if namespace == "" {
		return key
	}

	return namespace + ":" + key
}
