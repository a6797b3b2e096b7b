package graph

import (
	"context"
	"fmt"
	"strings"
	"sync"

	stateflow "github.com/goliatone/go-stateflow"
)

// PathSource loads a path with both endpoint states and their groups attached
// in a single fetch. Compiled graphs satisfy it directly; persistence-backed
// catalogs implement it over their own storage.
type PathSource interface {
	LoadPath(ctx context.Context, name string) (*StatePath, error)
}

const defaultResolverCapacity = 128

// Resolver caches path lookups in front of a PathSource. Paths are immutable
// reference data, so entries never invalidate; the cache is bounded and dies
// with its resolver. Concurrent misses for the same code name collapse into
// one source fetch.
type Resolver struct {
	source   PathSource
	capacity int
	locks    *pathKeyLocker

	mu      sync.RWMutex
	entries map[string]*StatePath
	order   []string
}

type ResolverOption func(*Resolver)

// WithCapacity bounds the number of cached paths.
func WithCapacity(n int) ResolverOption {
	return func(r *Resolver) {
		if n > 0 {
			r.capacity = n
		}
	}
}

func NewResolver(source PathSource, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		source:   source,
		capacity: defaultResolverCapacity,
		locks:    newPathKeyLocker(),
		entries:  make(map[string]*StatePath),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolvePath returns the cached path for name, fetching it from the source
// on first use. A failed load caches nothing.
func (r *Resolver) ResolvePath(ctx context.Context, name string) (*StatePath, error) {
	key := normalizeName(name)
	if key == "" {
		return nil, stateflow.CloneError(stateflow.ErrNotFound, "path code name required", nil, nil)
	}

	if p := r.cached(key); p != nil {
		return p, nil
	}

	release := r.locks.Lock(key)
	defer release()

	// another goroutine may have populated the entry while we waited
	if p := r.cached(key); p != nil {
		return p, nil
	}

	p, err := r.source.LoadPath(ctx, name)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, stateflow.CloneError(stateflow.ErrNotFound,
			fmt.Sprintf("path %q not found", strings.TrimSpace(name)), nil, map[string]any{
				"name": strings.TrimSpace(name),
			})
	}

	r.store(key, p)
	return p, nil
}

// Len reports the number of cached paths.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Resolver) cached(key string) *StatePath {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[key]
}

func (r *Resolver) store(key string, p *StatePath) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[key]; exists {
		return
	}
	for len(r.order) >= r.capacity {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.entries, oldest)
	}
	r.entries[key] = p
	r.order = append(r.order, key)
}

// pathKeyLocker hands out per-key mutexes, dropping a key's lock once the
// last holder releases it.
type pathKeyLocker struct {
	mu    sync.Mutex
	locks map[string]*pathKeyLockRef
}

type pathKeyLockRef struct {
	mu   sync.Mutex
	refs int
}

func newPathKeyLocker() *pathKeyLocker {
	return &pathKeyLocker{locks: make(map[string]*pathKeyLockRef)}
}

func (l *pathKeyLocker) Lock(key string) func() {
	l.mu.Lock()
	ref, ok := l.locks[key]
	if !ok || ref == nil {
		ref = &pathKeyLockRef{}
		l.locks[key] = ref
	}
	ref.refs++
	l.mu.Unlock()

	ref.mu.Lock()
	return func() {
		ref.mu.Unlock()
		l.mu.Lock()
		ref.refs--
		if ref.refs <= 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}
