// Package store keeps the logical playlist name to remote playlist id mapping.
package store

import (
	"context"
	"sync"
)

// Store is the durable side of the playlist directory.
type Store interface {
	// Get returns the playlist id recorded for name.
	Get(ctx context.Context, name string) (id string, ok bool, err error)
	// Put records or overwrites the playlist id for name.
	Put(ctx context.Context, name, id string) error
	// Len returns the number of recorded names.
	Len(ctx context.Context) (int, error)
	Close() error
}

// MemoryStore is a thread-safe in-process Store; its content is lost on restart.
type MemoryStore struct {
	entries map[string]string
	mutex   sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]string)}
}

func (ms *MemoryStore) Get(_ context.Context, name string) (string, bool, error) {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()

	id, ok := ms.entries[name]
	return id, ok, nil
}

func (ms *MemoryStore) Put(_ context.Context, name, id string) error {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	ms.entries[name] = id
	return nil
}

func (ms *MemoryStore) Len(context.Context) (int, error) {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()
	return len(ms.entries), nil
}

func (ms *MemoryStore) Close() error {
	return nil
}
