// Package store holds the in-memory projections (typed repositories keyed
// by tenant and local id) and SQLite-backed read stores for operational
// listing. Everything here is a rebuildable cache: the write-ahead log
// remains the single source of truth.
package store

import (
	"sort"
	"sync"
)

// Key scopes every entity to a tenant.
type Key struct {
	Tenant string
	ID     string
}

// Repo is a typed repository for one aggregate kind.
type Repo[T any] struct {
	mu   sync.RWMutex
	data map[Key]T
}

// NewRepo creates an empty repository.
func NewRepo[T any]() *Repo[T] {
	return &Repo[T]{data: make(map[Key]T)}
}

// Get returns the entity for (tenant, id).
func (r *Repo[T]) Get(tenant, id string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.data[Key{tenant, id}]
	return v, ok
}

// Put upserts the entity for (tenant, id).
func (r *Repo[T]) Put(tenant, id string, v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[Key{tenant, id}] = v
}

// List returns every entity for a tenant, ordered by id.
func (r *Repo[T]) List(tenant string) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]Key, 0)
	for k := range r.data {
		if k.Tenant == tenant {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].ID < keys[j].ID })

	out := make([]T, 0, len(keys))
	for _, k := range keys {
		out = append(out, r.data[k])
	}
	return out
}

// Len returns the entity count for a tenant.
func (r *Repo[T]) Len(tenant string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for k := range r.data {
		if k.Tenant == tenant {
			n++
		}
	}
	return n
}
