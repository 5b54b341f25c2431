package ledger

import (
	"context"
	"fmt"
	"hash/fnv"
	"iter"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/singleflight"
)

const (
	cacheNumCounters = 1e5
	cacheBufferItems = 64
	cacheStripes     = 256

	// DefaultCacheMaxCost bounds the cached bytes when no size is configured.
	DefaultCacheMaxCost = 64 << 20
)

type cacheStripe struct {
	mu  sync.Mutex
	gen atomic.Uint64
}

type lookup struct {
	value []byte
	found bool
}

// CachedStore serves Get from a ristretto cache in front of another Store.
//
// Entries expire after the configured TTL, which bounds how long writes made by other
// processes sharing the inner store stay invisible here. Conditional writes always reach the
// inner store, so a stale entry can only cause a conflict, never a lost update.
//
// Every completed write bumps a per-key generation and evicts the key under the same stripe
// lock a filling read must hold to insert. A fill whose generation moved is discarded, so a
// read that starts after a write has returned never sees the older value.
type CachedStore struct {
	inner   Store
	ttl     time.Duration
	cache   *ristretto.Cache[string, []byte]
	group   singleflight.Group
	stripes [cacheStripes]cacheStripe
}

// NewCachedStore wraps inner with a cache holding at most maxCost bytes of values, each for at
// most ttl. A zero ttl keeps entries until they are evicted or invalidated.
func NewCachedStore(inner Store, maxCost int64, ttl time.Duration) (*CachedStore, error) {
	if maxCost <= 0 {
		maxCost = DefaultCacheMaxCost
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: cacheNumCounters,
		MaxCost:     maxCost,
		BufferItems: cacheBufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("create ledger cache: %w", err)
	}
	return &CachedStore{inner: inner, ttl: ttl, cache: cache}, nil
}

var _ Store = (*CachedStore)(nil)

func (c *CachedStore) stripe(key string) *cacheStripe {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &c.stripes[h.Sum32()%cacheStripes]
}

// Get returns the cached value or loads it once per generation from the inner store.
func (c *CachedStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if v, ok := c.cache.Get(key); ok {
		return Clone(v), true, nil
	}

	st := c.stripe(key)
	gen := st.gen.Load()
	res, err, _ := c.group.Do(key+"\x00"+strconv.FormatUint(gen, 10), func() (interface{}, error) {
		v, found, err := c.inner.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !found {
			return lookup{}, nil
		}
		st.mu.Lock()
		if st.gen.Load() == gen {
			c.cache.SetWithTTL(key, Clone(v), int64(len(v))+1, c.ttl)
		}
		st.mu.Unlock()
		return lookup{value: v, found: true}, nil
	})
	if err != nil {
		return nil, false, err
	}
	l := res.(lookup)
	if !l.found {
		return nil, false, nil
	}
	return Clone(l.value), true, nil
}

// Put writes through and evicts the key.
func (c *CachedStore) Put(ctx context.Context, key string, value []byte) error {
	err := c.inner.Put(ctx, key, value)
	c.invalidate(key)
	return err
}

// CompareAndSwap writes through and evicts the key, also after a conflict so the caller's
// next read sees the value that won.
func (c *CachedStore) CompareAndSwap(ctx context.Context, key string, old, value []byte) error {
	err := c.inner.CompareAndSwap(ctx, key, old, value)
	c.invalidate(key)
	return err
}

// Delete writes through and evicts the key.
func (c *CachedStore) Delete(ctx context.Context, key string) error {
	err := c.inner.Delete(ctx, key)
	c.invalidate(key)
	return err
}

// History is never cached.
func (c *CachedStore) History(ctx context.Context, key string) iter.Seq2[Version, error] {
	return c.inner.History(ctx, key)
}

func (c *CachedStore) invalidate(key string) {
	st := c.stripe(key)
	st.mu.Lock()
	st.gen.Add(1)
	c.cache.Del(key)
	c.cache.Wait()
	st.mu.Unlock()
}

// Close releases the cache goroutines.
func (c *CachedStore) Close() {
	c.cache.Close()
}
