package schema

import (
	"context"
	"errors"
	"sync"
)

// ErrNoSnapshot is returned when a service has never been synced.
var ErrNoSnapshot = errors.New("no schema snapshot")

// Cache persists the last good snapshot per service. SaveSnapshot must
// replace the entry in one step.
type Cache interface {
	LoadSnapshot(ctx context.Context, service string) (*Snapshot, error)
	SaveSnapshot(ctx context.Context, snap *Snapshot) error
}

// MemoryCache is an in-process Cache.
type MemoryCache struct {
	mu    sync.RWMutex
	snaps map[string]*Snapshot
}

// NewMemoryCache creates an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{snaps: make(map[string]*Snapshot)}
}

// LoadSnapshot implements Cache.
func (c *MemoryCache) LoadSnapshot(_ context.Context, service string) (*Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.snaps[service]
	if !ok {
		return nil, ErrNoSnapshot
	}
	return s, nil
}

// SaveSnapshot implements Cache.
func (c *MemoryCache) SaveSnapshot(_ context.Context, snap *Snapshot) error {
	if snap == nil {
		return errors.New("nil snapshot")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps[snap.Service] = snap
	return nil
}
