package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryInbox is a process-local Processor for single-instance consumers and tests.
type MemoryInbox struct {
	mu       sync.Mutex
	terminal func(error) bool
	entries  map[string]*memoryEntry
}

type memoryEntry struct {
	status Status
	result json.RawMessage
}

var _ Processor = (*MemoryInbox)(nil)

// NewMemoryInbox creates an empty inbox. terminal has the meaning of InboxConfig.Terminal.
func NewMemoryInbox(terminal func(error) bool) *MemoryInbox {
	return &MemoryInbox{terminal: terminal, entries: make(map[string]*memoryEntry)}
}

// Process implements Processor.
func (m *MemoryInbox) Process(ctx context.Context, key, _ string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	m.mu.Lock()
	entry, seen := m.entries[key]
	if seen {
		switch entry.status {
		case StatusFinished:
			m.mu.Unlock()
			return &ProcessResult{Result: entry.result}, nil
		case StatusFailed:
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrPreviouslyFailed, key)
		case StatusStarted:
			m.mu.Unlock()
			return nil, ErrMessageInProgress
		}
	} else {
		entry = &memoryEntry{}
		m.entries[key] = entry
	}
	entry.status = StatusStarted
	m.mu.Unlock()

	result, err := fn(ctx, payload)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		entry.status = StatusRecoverable
		if m.terminal != nil && m.terminal(err) {
			entry.status = StatusFailed
		}
		return nil, err
	}
	entry.status = StatusFinished
	entry.result = result
	return &ProcessResult{IsNew: !seen, WasRecovered: seen, Result: result}, nil
}
