package storage

import (
	"context"
	"sync"
)

// MemoryBucket is an in-memory Bucket with the same CAS semantics as
// JetStream KV. It backs tests for every store-aware component.
type MemoryBucket struct {
	mu      sync.Mutex
	entries map[string]Entry
	nextRev uint64
}

// NewMemoryBucket returns an empty in-memory bucket.
func NewMemoryBucket() *MemoryBucket {
	return &MemoryBucket{entries: make(map[string]Entry)}
}

func (b *MemoryBucket) Get(_ context.Context, key string) (Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	// Copy the value so callers cannot mutate stored state.
	value := make([]byte, len(entry.Value))
	copy(value, entry.Value)
	return Entry{Value: value, Revision: entry.Revision}, nil
}

func (b *MemoryBucket) Create(_ context.Context, key string, value []byte) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[key]; ok {
		return 0, ErrConflict
	}
	return b.store(key, value), nil
}

func (b *MemoryBucket) Update(_ context.Context, key string, value []byte, rev uint64) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[key]
	if !ok || entry.Revision != rev {
		return 0, ErrConflict
	}
	return b.store(key, value), nil
}

func (b *MemoryBucket) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
	return nil
}

func (b *MemoryBucket) Keys(_ context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.entries))
	for key := range b.entries {
		keys = append(keys, key)
	}
	return keys, nil
}

// store assumes the lock is held.
func (b *MemoryBucket) store(key string, value []byte) uint64 {
	b.nextRev++
	stored := make([]byte, len(value))
	copy(stored, value)
	b.entries[key] = Entry{Value: stored, Revision: b.nextRev}
	return b.nextRev
}
