package engine

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/terrpan/ec2-elastic-agent/internal/cluster"
)

// Provider hands out the Engine for a cluster profile.
type Provider interface {
	Engine(ctx context.Context, profile cluster.Profile) (Engine, error)
}

// Factory builds the Engine for a cluster profile.
type Factory func(ctx context.Context, profile cluster.Profile) (Engine, error)

// Engine calls f.
func (f Factory) Engine(ctx context.Context, profile cluster.Profile) (Engine, error) {
	return f(ctx, profile)
}

// CachedFactory hands out one Engine per cluster key and keeps the most
// recently used ones alive.  Engines hold no controller state, so an
// evicted engine is simply rebuilt on next use.
type CachedFactory struct {
	build Factory

	mu    sync.Mutex
	cache *lru.Cache
}

// NewCachedFactory wraps build with an LRU of the given size.
func NewCachedFactory(size int, build Factory) (*CachedFactory, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("engine cache: %w", err)
	}
	return &CachedFactory{build: build, cache: cache}, nil
}

// Engine returns the cached engine for profile, building it on a miss.
func (f *CachedFactory) Engine(ctx context.Context, profile cluster.Profile) (Engine, error) {
	key := profile.Key()
	if v, ok := f.cache.Get(key); ok {
		return v.(Engine), nil
	}

	// Serialize builds so concurrent misses for one cluster share a
	// client.  Builds only load configuration and are quick.
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.cache.Get(key); ok {
		return v.(Engine), nil
	}

	eng, err := f.build(ctx, profile)
	if err != nil {
		return nil, err
	}
	f.cache.Add(key, eng)
	return eng, nil
}

// Compile-time checks.
var (
	_ Provider = Factory(nil)
	_ Provider = (*CachedFactory)(nil)
)

// Len returns the number of cached engines.
func (f *CachedFactory) Len() int {
	return f.cache.Len()
}
