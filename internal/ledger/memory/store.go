// Package memory provides an in-process ledger store.
package memory

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/umodzi/rxledger/internal/ledger"
)

type entry struct {
	current  []byte
	present  bool
	sequence uint64
	history  []ledger.Version
}

// Store keeps current values and histories in maps guarded by a RWMutex.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the timestamp source for history versions.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ ledger.Store = (*Store)(nil)

// Put stores value as current and appends it to the history of key.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return ledger.StorageError("put", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(key, value)
	return nil
}

// CompareAndSwap applies Put or Delete under the write lock if key still holds old.
func (s *Store) CompareAndSwap(ctx context.Context, key string, old, value []byte) error {
	if err := ctx.Err(); err != nil {
		return ledger.StorageError("compare and swap", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
	}
	if !ledger.Matches(e.current, e.present, old) {
		return ledger.ConflictError(key)
	}

	if value == nil {
		e.current = nil
		e.present = false
		return nil
	}
	s.put(key, value)
	return nil
}

func (s *Store) put(key string, value []byte) {
	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}
	e.sequence++
	e.current = ledger.Clone(value)
	e.present = true
	e.history = append(e.history, ledger.Version{
		Value:     ledger.Clone(value),
		Sequence:  e.sequence,
		Timestamp: s.now().UTC(),
	})
}

// Get returns a copy of the current value.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, ledger.StorageError("get", key, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok || !e.present {
		return nil, false, nil
	}
	return ledger.Clone(e.current), true, nil
}

// Delete drops the current value; the history is kept.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return ledger.StorageError("delete", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok {
		e.current = nil
		e.present = false
	}
	return nil
}

// History replays the versions of key. Each range takes a snapshot of the versions
// written so far.
func (s *Store) History(ctx context.Context, key string) iter.Seq2[ledger.Version, error] {
	return func(yield func(ledger.Version, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(ledger.Version{}, ledger.StorageError("history", key, err))
			return
		}

		s.mu.RLock()
		var snapshot []ledger.Version
		if e, ok := s.entries[key]; ok {
			snapshot = e.history[:len(e.history):len(e.history)]
		}
		s.mu.RUnlock()

		for _, v := range snapshot {
			v.Value = ledger.Clone(v.Value)
			if !yield(v, nil) {
				return
			}
		}
	}
}

// Len reports how many keys currently hold a value.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, e := range s.entries {
		if e.present {
			n++
		}
	}
	return n
}
