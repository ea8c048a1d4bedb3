package kvstore

import (
	"context"
	"time"

	"github.com/oakfield/driftctl/internal/apierr"
	"github.com/oakfield/driftctl/internal/resilience"
	"github.com/oakfield/driftctl/internal/telemetry"
)

// FallbackStore decorates a Store with a last-known-good cache for reads:
// a Get that fails with BackendUnavailable is answered from the cache when
// possible, with the returned Entry flagged Stale. Writes pass through and
// invalidate the cached entry so a recovered backend is re-read.
type FallbackStore struct {
	inner Store
	cache *resilience.FallbackCache
}

// WithFallback wraps inner with cache. A nil cache returns inner unchanged.
func WithFallback(inner Store, cache *resilience.FallbackCache) Store {
	if cache == nil {
		return inner
	}
	return &FallbackStore{inner: inner, cache: cache}
}

// Get implements Store. A successful read refreshes the cache; a
// BackendUnavailable falls back to the cached entry, if one is still valid.
func (f *FallbackStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	entry, found, err := f.inner.Get(ctx, key)
	if err == nil {
		if found {
			f.cache.Set(key, entry)
		} else {
			f.cache.Delete(key)
		}
		return entry, found, nil
	}
	if !apierr.Is(err, apierr.BackendUnavailable) {
		return Entry{}, false, err
	}
	cached, ok := f.cache.Get(key)
	if !ok {
		return Entry{}, false, err
	}
	stale := cached.(Entry)
	stale.Stale = true
	telemetry.FallbackCacheHitsTotal.Inc()
	return stale, true, nil
}

// Put implements Store, invalidating the cached entry on success.
func (f *FallbackStore) Put(ctx context.Context, key string, value []byte, expectedIndex *uint64, ttl time.Duration) (PutResult, error) {
	res, err := f.inner.Put(ctx, key, value, expectedIndex, ttl)
	if err == nil && res.Success {
		f.cache.Delete(key)
	}
	return res, err
}

// Delete implements Store, invalidating the cached entry on success.
func (f *FallbackStore) Delete(ctx context.Context, key string, expectedIndex *uint64) (bool, error) {
	ok, err := f.inner.Delete(ctx, key, expectedIndex)
	if err == nil && ok {
		f.cache.Delete(key)
	}
	return ok, err
}

// List implements Store. Range reads are not cached: a stale listing cannot
// distinguish deleted keys from never-seen ones.
func (f *FallbackStore) List(ctx context.Context, prefix string, limit int, fromKey string) ([]Entry, error) {
	return f.inner.List(ctx, prefix, limit, fromKey)
}

// Txn implements Store, invalidating every touched key on success.
func (f *FallbackStore) Txn(ctx context.Context, ops []TxnOp) ([]bool, error) {
	results, err := f.inner.Txn(ctx, ops)
	if err == nil {
		for _, op := range ops {
			if op.Kind != OpCheckIndex {
				f.cache.Delete(op.Key)
			}
		}
	}
	return results, err
}

// WatchPrefix implements Store.
func (f *FallbackStore) WatchPrefix(ctx context.Context, prefix string, handler WatchHandler) (Cancel, error) {
	return f.inner.WatchPrefix(ctx, prefix, handler)
}

// AcquireLock implements Store.
func (f *FallbackStore) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return f.inner.AcquireLock(ctx, key, ttl)
}

// ReleaseLock implements Store.
func (f *FallbackStore) ReleaseLock(ctx context.Context, key string, lockID string) (bool, error) {
	return f.inner.ReleaseLock(ctx, key, lockID)
}

// PutEphemeral implements Store.
func (f *FallbackStore) PutEphemeral(ctx context.Context, key string, value []byte, ttl time.Duration) (string, error) {
	return f.inner.PutEphemeral(ctx, key, value, ttl)
}
