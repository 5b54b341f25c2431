// Package fabric adapts the world state of a Hyperledger Fabric chaincode stub to ledger.Store.
// Fabric keeps the history itself; every committed PutState becomes a version.
package fabric

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"

	"github.com/hyperledger/fabric-chaincode-go/v2/shim"
	"github.com/hyperledger/fabric-protos-go-apiv2/ledger/queryresult"

	"github.com/umodzi/rxledger/internal/ledger"
)

var errEmptyValue = errors.New("fabric world state cannot hold an empty value")

// Store is a ledger.Store bound to one chaincode invocation. Within a transaction Fabric does
// not expose its own pending writes to reads, so callers read before they write.
type Store struct {
	stub shim.ChaincodeStubInterface
}

// New binds a store to stub.
func New(stub shim.ChaincodeStubInterface) *Store {
	return &Store{stub: stub}
}

var _ ledger.Store = (*Store)(nil)

// Put writes value to the world state.
func (s *Store) Put(_ context.Context, key string, value []byte) error {
	if len(value) == 0 {
		return ledger.StorageError("put", key, errEmptyValue)
	}
	if err := s.stub.PutState(key, ledger.Clone(value)); err != nil {
		return ledger.StorageError("put", key, err)
	}
	return nil
}

// CompareAndSwap checks the world state and writes within the transaction. The read lands in
// the transaction's read set, so a concurrent commit of the same key invalidates this
// transaction at validation time.
func (s *Store) CompareAndSwap(ctx context.Context, key string, old, value []byte) error {
	current, found, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if !ledger.Matches(current, found, old) {
		return ledger.ConflictError(key)
	}
	if value == nil {
		return s.Delete(ctx, key)
	}
	return s.Put(ctx, key, value)
}

// Get reads the world state. Fabric returns nil for absent keys.
func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	value, err := s.stub.GetState(key)
	if err != nil {
		return nil, false, ledger.StorageError("get", key, err)
	}
	if len(value) == 0 {
		return nil, false, nil
	}
	return ledger.Clone(value), true, nil
}

// Delete removes the key from the world state. Its history stays on the ledger.
func (s *Store) Delete(_ context.Context, key string) error {
	if err := s.stub.DelState(key); err != nil {
		return ledger.StorageError("delete", key, err)
	}
	return nil
}

// History reads GetHistoryForKey, drops delete markers and numbers the remaining writes from 1.
// Peers return modifications in commit order, newest first, so the batch is reversed. The
// transaction timestamps are proposed by clients and are reported, never used for ordering.
func (s *Store) History(_ context.Context, key string) iter.Seq2[ledger.Version, error] {
	return func(yield func(ledger.Version, error) bool) {
		mods, err := s.modifications(key)
		if err != nil {
			yield(ledger.Version{}, ledger.StorageError("history", key, err))
			return
		}
		slices.Reverse(mods)

		var seq uint64
		for _, m := range mods {
			if m.GetIsDelete() {
				continue
			}
			seq++
			v := ledger.Version{
				Value:     ledger.Clone(m.GetValue()),
				Sequence:  seq,
				Timestamp: m.GetTimestamp().AsTime().UTC(),
			}
			if !yield(v, nil) {
				return
			}
		}
	}
}

func (s *Store) modifications(key string) ([]*queryresult.KeyModification, error) {
	it, err := s.stub.GetHistoryForKey(key)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var mods []*queryresult.KeyModification
	for it.HasNext() {
		m, err := it.Next()
		if err != nil {
			return nil, fmt.Errorf("next history entry: %w", err)
		}
		mods = append(mods, m)
	}
	return mods, nil
}
