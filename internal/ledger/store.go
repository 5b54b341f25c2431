// Package ledger defines the versioned key-value store that backs the prescription ledger.
// Every write under a key becomes a new version in that key's append-only history.
package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"time"
)

// ErrStorage marks failures of the underlying storage medium.
var ErrStorage = errors.New("ledger storage failure")

// ErrConflict is returned by CompareAndSwap when the current value changed after the caller
// read it. It is not a storage failure; the caller re-reads and decides again.
var ErrConflict = errors.New("ledger write conflict")

// Version is one historical value written under a key.
type Version struct {
	Value     []byte
	Sequence  uint64
	Timestamp time.Time
}

// Store is a versioned mapping from key to value bytes with a retained history.
//
// Put overwrites the current value and appends it to the key's history as a single atomic unit.
// Get reports absence through found=false, never through an error. Delete removes only the
// current value. History yields every version ever written, oldest first, and may be ranged
// over any number of times.
//
// CompareAndSwap is the conditional form of Put and Delete: it applies only while the current
// value still equals old, checked and written as one atomic unit against every other writer of
// the backend, including other processes. A nil old requires the key to be absent. A nil value
// deletes the current value instead of writing a version.
type Store interface {
	Put(ctx context.Context, key string, value []byte) error
	CompareAndSwap(ctx context.Context, key string, old, value []byte) error
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Delete(ctx context.Context, key string) error
	History(ctx context.Context, key string) iter.Seq2[Version, error]
}

// StorageError wraps err so that errors.Is(err, ErrStorage) holds.
func StorageError(op, key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorage) {
		return err
	}
	return fmt.Errorf("%w: %s %q: %w", ErrStorage, op, key, err)
}

// ConflictError reports that key no longer holds the value a CompareAndSwap expected.
func ConflictError(key string) error {
	return fmt.Errorf("%w: %q changed since it was read", ErrConflict, key)
}

// Matches reports whether a current value satisfies the old argument of CompareAndSwap.
func Matches(current []byte, found bool, old []byte) bool {
	if old == nil {
		return !found
	}
	return found && bytes.Equal(current, old)
}

// Collect drains a history sequence into a slice.
func Collect(seq iter.Seq2[Version, error]) ([]Version, error) {
	var out []Version
	for v, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Failed returns a sequence that yields a single error, for backends that cannot start a scan.
func Failed(err error) iter.Seq2[Version, error] {
	return func(yield func(Version, error) bool) {
		yield(Version{}, err)
	}
}

// Clone copies value bytes so callers and stores never share backing arrays.
func Clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
