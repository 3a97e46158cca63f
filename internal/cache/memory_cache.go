package cache

import (
	"fmt"
	"sync"
)

// memoryStore is a GenericCache living in process memory
type memoryStore interface {
	GenericCache
	close() error
}

// MemoryBackend keeps every named store in process memory.
// Stores do not survive a restart.
type MemoryBackend struct {
	newStore func() (memoryStore, error)

	mu     sync.Mutex
	names  []string
	stores map[string]memoryStore
}

func newMemoryBackend(newStore func() (memoryStore, error)) *MemoryBackend {
	return &MemoryBackend{
		newStore: newStore,
		stores:   make(map[string]memoryStore),
	}
}

// Open returns the store with this name, creating it if absent
func (b *MemoryBackend) Open(name string) (GenericCache, error) {
	if name == "" {
		return nil, fmt.Errorf("invalid store name %q", name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if store, ok := b.stores[name]; ok {
		return store, nil
	}
	store, err := b.newStore()
	if err != nil {
		return nil, fmt.Errorf("failed to create store %s: %w", name, err)
	}
	b.stores[name] = store
	b.names = append(b.names, name)
	return store, nil
}

// Names lists stores in creation order
func (b *MemoryBackend) Names() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, len(b.names))
	copy(names, b.names)
	return names, nil
}

// Remove drops a store
func (b *MemoryBackend) Remove(name string) error {
	b.mu.Lock()
	store, ok := b.stores[name]
	if ok {
		delete(b.stores, name)
		for i, n := range b.names {
			if n == name {
				b.names = append(b.names[:i], b.names[i+1:]...)
				break
			}
		}
	}
	b.mu.Unlock()

	if !ok {
		return nil
	}
	return store.close()
}

// Close releases every store
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	stores := b.stores
	b.stores = make(map[string]memoryStore)
	b.names = nil
	b.mu.Unlock()

	var firstErr error
	for name, store := range stores {
		if err := store.close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close store %s: %w", name, err)
		}
	}
	return firstErr
}
