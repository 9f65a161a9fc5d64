package registry

import (
	"slices"
	"sync"

	"github.com/terrpan/ec2-elastic-agent/internal/cluster"
)

// Set maps cluster keys to registries.  Registries are created on first
// use and never dropped.
type Set struct {
	mu       sync.Mutex
	clusters map[string]*Registry
}

// NewSet returns an empty set.
func NewSet() *Set {
	return &Set{clusters: make(map[string]*Registry)}
}

// For returns the registry of the cluster p addresses, creating it if
// needed, and remembers p as that cluster's latest profile.
func (s *Set) For(p cluster.Profile) *Registry {
	key := p.Key()

	s.mu.Lock()
	r, ok := s.clusters[key]
	if !ok {
		r = New(key)
		s.clusters[key] = r
	}
	s.mu.Unlock()

	r.setProfile(p)
	return r
}

// Lookup returns the registry for key without creating one.
func (s *Set) Lookup(key string) (*Registry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.clusters[key]
	return r, ok
}

// All returns every registry ordered by key.
func (s *Set) All() []*Registry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Registry, 0, len(s.clusters))
	for _, r := range s.clusters {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b *Registry) int {
		switch {
		case a.key < b.key:
			return -1
		case a.key > b.key:
			return 1
		}
		return 0
	})
	return out
}

// Len returns the number of known clusters.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clusters)
}
