package httpcache

import (
	"context"
	"fmt"
	"net/http"
	"slices"

	"github.com/iTrooz/offline-cache-worker/internal/cache"
)

// Storage is the set of named stores of one origin
type Storage struct {
	backend cache.Backend
}

func New(backend cache.Backend) *Storage {
	return &Storage{
		backend: backend,
	}
}

// Open returns the named store, creating it if absent
func (s *Storage) Open(ctx context.Context, name string) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := s.backend.Open(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache %s: %w", name, err)
	}
	return newStore(name, c), nil
}

// Has reports whether a store with this name exists
func (s *Storage) Has(ctx context.Context, name string) (bool, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return false, err
	}
	return slices.Contains(names, name), nil
}

// Keys lists store names in creation order
func (s *Storage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	names, err := s.backend.Names()
	if err != nil {
		return nil, fmt.Errorf("failed to list caches: %w", err)
	}
	return names, nil
}

// Delete removes a store and its entries. It returns false when no such
// store existed.
func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	found, err := s.Has(ctx, name)
	if err != nil || !found {
		return false, err
	}
	if err := s.backend.Remove(name); err != nil {
		return false, fmt.Errorf("failed to delete cache %s: %w", name, err)
	}
	return true, nil
}

// Match looks req up in every store, oldest first, and returns the first hit
func (s *Storage) Match(ctx context.Context, req *http.Request) (*http.Response, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		store, err := s.Open(ctx, name)
		if err != nil {
			return nil, err
		}
		resp, err := store.Match(ctx, req)
		if err != nil || resp != nil {
			return resp, err
		}
	}
	return nil, nil
}

// Close releases the backend
func (s *Storage) Close() error {
	return s.backend.Close()
}
