// Package wsconfig memoizes workspace directory reads for the ingestion hot
// path. Ingestion cannot afford a directory round-trip per event; a short TTL
// bounds settings staleness instead.
package wsconfig

import (
	"context"
	"sync"
	"time"

	"sitepulse/api/models"
)

// DefaultTTL bounds how stale filter and geo settings can get.
const DefaultTTL = 60 * time.Second

// Directory is the workspace directory read API the cache fronts.
type Directory interface {
	GetWorkspaceConfig(ctx context.Context, workspaceID string) (*models.WorkspaceConfig, error)
}

type entry struct {
	config    *models.WorkspaceConfig
	expiresAt time.Time
}

// Cache is a TTL read-through cache over the workspace directory with
// explicit invalidation. One instance is owned by the long-lived service
// process; it is safe for concurrent use.
type Cache struct {
	directory Directory
	ttl       time.Duration

	mu      sync.RWMutex
	entries map[string]entry

	// now is swapped in tests.
	now func() time.Time
}

func NewCache(directory Directory, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		directory: directory,
		ttl:       ttl,
		entries:   make(map[string]entry),
		now:       time.Now,
	}
}

// Get returns the workspace config, reading through to the directory on miss
// or expiry. Directory errors (including store.ErrWorkspaceNotFound) pass
// through uncached.
func (c *Cache) Get(ctx context.Context, workspaceID string) (*models.WorkspaceConfig, error) {
	c.mu.RLock()
	e, ok := c.entries[workspaceID]
	c.mu.RUnlock()
	if ok && c.now().Before(e.expiresAt) {
		return e.config, nil
	}

	cfg, err := c.directory.GetWorkspaceConfig(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[workspaceID] = entry{config: cfg, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()

	return cfg, nil
}

// Invalidate drops any cached entry for the workspace. The directory calls
// this (via the admin RPC) whenever settings or filter rules change.
func (c *Cache) Invalidate(workspaceID string) {
	c.mu.Lock()
	delete(c.entries, workspaceID)
	c.mu.Unlock()
}
