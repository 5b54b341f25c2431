package ledger_test

import (
	"context"
	"errors"
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/umodzi/rxledger/internal/ledger"
	"github.com/umodzi/rxledger/internal/ledger/ledgertest"
	"github.com/umodzi/rxledger/internal/ledger/memory"
	"github.com/umodzi/rxledger/pkg/circuitbreaker"
)

type brokenStore struct{}

var errDown = ledger.StorageError("put", "rx1", errors.New("connection refused"))

func (brokenStore) Put(context.Context, string, []byte) error { return errDown }
func (brokenStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errDown
}
func (brokenStore) Delete(context.Context, string) error { return errDown }
func (brokenStore) CompareAndSwap(context.Context, string, []byte, []byte) error {
	return errDown
}
func (brokenStore) History(context.Context, string) iter.Seq2[ledger.Version, error] {
	return ledger.Failed(errDown)
}

func newBreaker(t *testing.T) *circuitbreaker.CircuitBreaker {
	t.Helper()
	cb, err := circuitbreaker.New(circuitbreaker.DefaultConfig("ledger-store"), zap.NewNop())
	require.NoError(t, err)
	return cb
}

func TestGuardedStoreSuite(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T) ledger.Store {
		return ledger.NewGuardedStore(memory.New(), newBreaker(t))
	})
}

func TestGuardedStoreFailsFastWhenOpen(t *testing.T) {
	cb := newBreaker(t)
	s := ledger.NewGuardedStore(brokenStore{}, cb)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := s.Put(ctx, "rx1", []byte("v"))
		assert.ErrorIs(t, err, errDown)
	}
	require.Equal(t, circuitbreaker.StateOpen, cb.GetState())

	err := s.Put(ctx, "rx1", []byte("v"))
	assert.ErrorIs(t, err, ledger.ErrStorage)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)

	_, _, err = s.Get(ctx, "rx1")
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)

	_, err = ledger.Collect(s.History(ctx, "rx1"))
	assert.ErrorIs(t, err, ledger.ErrStorage)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
}

func TestGuardedStoreConflictsDoNotTrip(t *testing.T) {
	cb := newBreaker(t)
	s := ledger.NewGuardedStore(memory.New(), cb)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "rx1", []byte("v1")))

	for i := 0; i < 10; i++ {
		err := s.CompareAndSwap(ctx, "rx1", []byte("stale"), []byte("v2"))
		require.ErrorIs(t, err, ledger.ErrConflict)
		assert.NotErrorIs(t, err, ledger.ErrStorage)
	}
	assert.Equal(t, circuitbreaker.StateClosed, cb.GetState())
}
