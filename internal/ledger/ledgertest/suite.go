// Package ledgertest holds the behavioural checks every ledger.Store backend must pass.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umodzi/rxledger/internal/ledger"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) ledger.Store

// Option adjusts the suite for a backend.
type Option func(*suite)

type suite struct {
	concurrentSwaps bool
}

// WithoutConcurrentSwaps skips the racing CompareAndSwap case for backends whose atomicity is
// enforced outside the process, such as Fabric's commit-time validation.
func WithoutConcurrentSwaps() Option {
	return func(s *suite) { s.concurrentSwaps = false }
}

// Run executes the store suite against the backend produced by newStore.
func Run(t *testing.T, newStore Factory, opts ...Option) {
	cfg := suite{concurrentSwaps: true}
	for _, opt := range opts {
		opt(&cfg)
	}
	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		v, found, err := s.Get(context.Background(), "missing")
		require.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, v)
	})

	t.Run("PutGetRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		payload := []byte(`{"prescriptionId":"rx1","status":"issued"}`)

		require.NoError(t, s.Put(ctx, "rx1", payload))
		got, found, err := s.Get(ctx, "rx1")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, payload, got)
	})

	t.Run("ValuesAreCopied", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		payload := []byte("abc")

		require.NoError(t, s.Put(ctx, "k", payload))
		payload[0] = 'z'

		got, _, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("abc"), got)

		got[1] = 'z'
		again, _, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("abc"), again)
	})

	t.Run("HistoryOrderedOldestFirst", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for i := 1; i <= 3; i++ {
			require.NoError(t, s.Put(ctx, "k", []byte(fmt.Sprintf("v%d", i))))
		}

		versions, err := ledger.Collect(s.History(ctx, "k"))
		require.NoError(t, err)
		require.Len(t, versions, 3)
		for i, v := range versions {
			assert.Equal(t, []byte(fmt.Sprintf("v%d", i+1)), v.Value)
			assert.Equal(t, uint64(i+1), v.Sequence)
			assert.False(t, v.Timestamp.IsZero())
		}
		assert.False(t, versions[1].Timestamp.Before(versions[0].Timestamp))

		current, _, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("v3"), current)
	})

	t.Run("HistoryRestartable", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, "k", []byte("a")))
		require.NoError(t, s.Put(ctx, "k", []byte("b")))

		seq := s.History(ctx, "k")
		first, err := ledger.Collect(seq)
		require.NoError(t, err)
		second, err := ledger.Collect(seq)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})

	t.Run("HistoryEarlyBreak", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			require.NoError(t, s.Put(ctx, "k", []byte{byte('a' + i)}))
		}

		n := 0
		for _, err := range s.History(ctx, "k") {
			require.NoError(t, err)
			n++
			if n == 2 {
				break
			}
		}
		assert.Equal(t, 2, n)
	})

	t.Run("HistoryUnknownKeyEmpty", func(t *testing.T) {
		s := newStore(t)
		versions, err := ledger.Collect(s.History(context.Background(), "nobody"))
		require.NoError(t, err)
		assert.Empty(t, versions)
	})

	t.Run("DeleteKeepsHistory", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, "p1", []byte("one")))
		require.NoError(t, s.Delete(ctx, "p1"))

		_, found, err := s.Get(ctx, "p1")
		require.NoError(t, err)
		assert.False(t, found)

		versions, err := ledger.Collect(s.History(ctx, "p1"))
		require.NoError(t, err)
		require.Len(t, versions, 1)
		assert.Equal(t, []byte("one"), versions[0].Value)
	})

	t.Run("SequenceContinuesAfterDelete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, "p1", []byte("one")))
		require.NoError(t, s.Delete(ctx, "p1"))
		require.NoError(t, s.Put(ctx, "p1", []byte("two")))

		versions, err := ledger.Collect(s.History(ctx, "p1"))
		require.NoError(t, err)
		require.Len(t, versions, 2)
		assert.Equal(t, uint64(1), versions[0].Sequence)
		assert.Equal(t, uint64(2), versions[1].Sequence)

		current, found, err := s.Get(ctx, "p1")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, []byte("two"), current)
	})

	t.Run("DeleteMissingIsNoop", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Delete(context.Background(), "ghost"))
	})

	t.Run("KeysAreIndependent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, "a", []byte("1")))
		require.NoError(t, s.Put(ctx, "b", []byte("2")))
		require.NoError(t, s.Put(ctx, "a", []byte("3")))

		a, err := ledger.Collect(s.History(ctx, "a"))
		require.NoError(t, err)
		b, err := ledger.Collect(s.History(ctx, "b"))
		require.NoError(t, err)
		assert.Len(t, a, 2)
		require.Len(t, b, 1)
		assert.Equal(t, uint64(1), b[0].Sequence)
	})

	t.Run("ConcurrentPutsOnDistinctKeys", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		const writers = 8

		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				key := fmt.Sprintf("key-%d", i)
				for j := 0; j < 5; j++ {
					if err := s.Put(ctx, key, []byte(fmt.Sprintf("%d", j))); err != nil {
						errs <- err
						return
					}
				}
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		for i := 0; i < writers; i++ {
			versions, err := ledger.Collect(s.History(ctx, fmt.Sprintf("key-%d", i)))
			require.NoError(t, err)
			assert.Len(t, versions, 5)
		}
	})

	t.Run("SwapCreatesWhenAbsent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.CompareAndSwap(ctx, "rx1", nil, []byte("issued")))

		got, found, err := s.Get(ctx, "rx1")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, []byte("issued"), got)

		err = s.CompareAndSwap(ctx, "rx1", nil, []byte("again"))
		require.ErrorIs(t, err, ledger.ErrConflict)
		assert.NotErrorIs(t, err, ledger.ErrStorage)
	})

	t.Run("SwapRejectsStaleValue", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, "rx1", []byte("issued")))

		err := s.CompareAndSwap(ctx, "rx1", []byte("something else"), []byte("dispensed"))
		require.ErrorIs(t, err, ledger.ErrConflict)

		err = s.CompareAndSwap(ctx, "missing", []byte("issued"), []byte("dispensed"))
		require.ErrorIs(t, err, ledger.ErrConflict)

		versions, err := ledger.Collect(s.History(ctx, "rx1"))
		require.NoError(t, err)
		assert.Len(t, versions, 1)
	})

	t.Run("SwapAppendsHistory", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.CompareAndSwap(ctx, "rx1", nil, []byte("issued")))
		require.NoError(t, s.CompareAndSwap(ctx, "rx1", []byte("issued"), []byte("dispensed")))

		versions, err := ledger.Collect(s.History(ctx, "rx1"))
		require.NoError(t, err)
		require.Len(t, versions, 2)
		assert.Equal(t, []byte("issued"), versions[0].Value)
		assert.Equal(t, []byte("dispensed"), versions[1].Value)
		assert.Equal(t, uint64(2), versions[1].Sequence)
	})

	t.Run("SwapToNilDeletes", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, "rx1", []byte("issued")))

		require.ErrorIs(t, s.CompareAndSwap(ctx, "rx1", []byte("stale"), nil), ledger.ErrConflict)
		require.NoError(t, s.CompareAndSwap(ctx, "rx1", []byte("issued"), nil))

		_, found, err := s.Get(ctx, "rx1")
		require.NoError(t, err)
		assert.False(t, found)

		versions, err := ledger.Collect(s.History(ctx, "rx1"))
		require.NoError(t, err)
		assert.Len(t, versions, 1)
	})

	if !cfg.concurrentSwaps {
		return
	}

	t.Run("ConcurrentSwapsHaveOneWinner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, "rx1", []byte("issued")))
		const racers = 8

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			wins      int
			conflicts int
			failures  []error
		)
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := s.CompareAndSwap(ctx, "rx1", []byte("issued"), []byte(fmt.Sprintf("dispensed-%d", i)))
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case errors.Is(err, ledger.ErrConflict):
					conflicts++
				default:
					failures = append(failures, err)
				}
			}(i)
		}
		wg.Wait()

		require.Empty(t, failures)
		assert.Equal(t, 1, wins)
		assert.Equal(t, racers-1, conflicts)

		versions, err := ledger.Collect(s.History(ctx, "rx1"))
		require.NoError(t, err)
		assert.Len(t, versions, 2)
	})
}
