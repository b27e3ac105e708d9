package cacher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	lockTTL         = 30 * time.Second
	waitTimeout     = 30 * time.Second
	minWaitInterval = 10 * time.Millisecond
	maxWaitInterval = 500 * time.Millisecond
)

// ErrFetchAbandoned is returned to waiters when the fetch holding the lock
// released it without storing a value.
var ErrFetchAbandoned = errors.New("cacher: fetch released lock without a value")

// releaseLock deletes the lock only if we still own it.
var releaseLock = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// refreshLock extends the lock only if we still own it.
var refreshLock = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

var lockSeq atomic.Uint64

var _ Cacher[struct{}] = (*RedisCacher[struct{}])(nil)

// RedisCacher shares cached values between processes through Redis. Values
// are stored as JSON. A miss takes a SETNX lock so only one process fetches;
// the others poll until the value appears.
type RedisCacher[T any] struct {
	client    redis.UniversalClient
	namespace string
}

// NewRedisCacher builds a Redis-backed cacher.
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	profiles := cacher.NewRedisCacher[Profile](client, "profiles")
func NewRedisCacher[T any](client redis.UniversalClient, namespace string) *RedisCacher[T] {
	return &RedisCacher[T]{client: client, namespace: namespace}
}

func (c *RedisCacher[T]) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error) {
	var zero T
	full := namespaced(c.namespace, key)

	v, found, err := c.get(ctx, full)
	if err != nil || found {
		return v, err
	}

	lockKey := full + ":lock"
	owner := strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + strconv.FormatUint(lockSeq.Add(1), 36)

	acquired, err := c.client.SetNX(ctx, lockKey, owner, lockTTL).Result()
	if err != nil {
		return zero, fmt.Errorf("cacher: acquire lock %s: %w", lockKey, err)
	}

	if !acquired {
		return c.waitFor(ctx, full, lockKey)
	}

	defer releaseLock.Run(context.Background(), c.client, []string{lockKey}, owner)

	refreshCtx, stopRefresh := context.WithCancel(context.Background())
	defer stopRefresh()
	go c.keepLock(refreshCtx, lockKey, owner)

	v, err = fetchFn(ctx)
	if err != nil {
		return zero, err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return zero, fmt.Errorf("cacher: encode %s: %w", full, err)
	}

	// Redis treats a zero expiration as none; negative values mean KEEPTTL
	ttl = max(ttl, 0)
	if err := c.client.Set(context.Background(), full, data, ttl).Err(); err != nil {
		return zero, fmt.Errorf("cacher: store %s: %w", full, err)
	}

	return v, nil
}

func (c *RedisCacher[T]) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, namespaced(c.namespace, key)).Err(); err != nil {
		return fmt.Errorf("cacher: delete %s: %w", key, err)
	}

	return nil
}

// Len counts the keys of the namespace with SCAN, skipping lock keys. With
// an empty namespace it reports the size of the whole database.
func (c *RedisCacher[T]) Len(ctx context.Context) (int, error) {
	if c.namespace == "" {
		n, err := c.client.DBSize(ctx).Result()
		if err != nil {
			return 0, fmt.Errorf("cacher: dbsize: %w", err)
		}
		return int(n), nil
	}

	n := 0
	iter := c.client.Scan(ctx, 0, namespaced(c.namespace, "*"), 0).Iterator()
	for iter.Next(ctx) {
		if !isLockKey(iter.Val()) {
			n++
		}
	}

	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("cacher: scan %s: %w", c.namespace, err)
	}

	return n, nil
}

func (c *RedisCacher[T]) get(ctx context.Context, full string) (T, bool, error) {
	var v T

	raw, err := c.client.Get(ctx, full).Bytes()
	if errors.Is(err, redis.Nil) {
		return v, false, nil
	}
	if err != nil {
		return v, false, fmt.Errorf("cacher: get %s: %w", full, err)
	}

	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false, fmt.Errorf("cacher: decode %s: %w", full, err)
	}

	return v, true, nil
}

// waitFor polls until another fetcher stores the value, backing off between
// attempts. It gives up when the lock disappears without a value.
func (c *RedisCacher[T]) waitFor(ctx context.Context, full, lockKey string) (T, error) {
	var zero T

	ctx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()

	interval := minWaitInterval
	for {
		v, found, err := c.get(ctx, full)
		if err != nil || found {
			return v, err
		}

		held, err := c.client.Exists(ctx, lockKey).Result()
		if err != nil {
			return zero, fmt.Errorf("cacher: check lock %s: %w", lockKey, err)
		}

		if held == 0 {
			// the value may have landed right before the lock was released
			v, found, err := c.get(ctx, full)
			if err != nil || found {
				return v, err
			}
			return zero, ErrFetchAbandoned
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(interval):
		}

		interval = min(interval*2, maxWaitInterval)
	}
}

func (c *RedisCacher[T]) keepLock(ctx context.Context, lockKey, owner string) {
	ticker := time.NewTicker(lockTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refreshLock.Run(ctx, c.client, []string{lockKey}, owner, lockTTL.Milliseconds())
		}
	}
}

func isLockKey(key string) bool {
	return strings.HasSuffix(key, ":lock")
}
