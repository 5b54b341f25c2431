package ledger

import (
	"context"
	"errors"
	"iter"

	"github.com/umodzi/rxledger/pkg/circuitbreaker"
)

// GuardedStore routes point operations through a circuit breaker. While the circuit is open
// calls fail fast with ErrStorage instead of reaching the backend.
type GuardedStore struct {
	inner   Store
	breaker *circuitbreaker.CircuitBreaker
}

// NewGuardedStore wraps inner with breaker.
func NewGuardedStore(inner Store, breaker *circuitbreaker.CircuitBreaker) *GuardedStore {
	return &GuardedStore{inner: inner, breaker: breaker}
}

var _ Store = (*GuardedStore)(nil)

func (g *GuardedStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := circuitbreaker.Do(ctx, g.breaker, func() (struct{}, error) {
		return struct{}{}, g.inner.Put(ctx, key, value)
	})
	return StorageError("put", key, err)
}

// CompareAndSwap counts a conflict as a healthy call: the backend answered.
func (g *GuardedStore) CompareAndSwap(ctx context.Context, key string, old, value []byte) error {
	conflict, err := circuitbreaker.Do(ctx, g.breaker, func() (error, error) {
		err := g.inner.CompareAndSwap(ctx, key, old, value)
		if errors.Is(err, ErrConflict) {
			return err, nil
		}
		return nil, err
	})
	if err != nil {
		return StorageError("compare and swap", key, err)
	}
	return conflict
}

func (g *GuardedStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	l, err := circuitbreaker.Do(ctx, g.breaker, func() (lookup, error) {
		v, found, err := g.inner.Get(ctx, key)
		return lookup{value: v, found: found}, err
	})
	if err != nil {
		return nil, false, StorageError("get", key, err)
	}
	return l.value, l.found, nil
}

func (g *GuardedStore) Delete(ctx context.Context, key string) error {
	_, err := circuitbreaker.Do(ctx, g.breaker, func() (struct{}, error) {
		return struct{}{}, g.inner.Delete(ctx, key)
	})
	return StorageError("delete", key, err)
}

// History is not counted by the breaker but is refused while the circuit is open.
func (g *GuardedStore) History(ctx context.Context, key string) iter.Seq2[Version, error] {
	if g.breaker.GetState() == circuitbreaker.StateOpen {
		return Failed(StorageError("history", key, circuitbreaker.ErrOpen))
	}
	return g.inner.History(ctx, key)
}
