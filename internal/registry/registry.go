// Package registry caches the live file set of every active project.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/fileset"
	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/store"
)

var ErrProjectNotFound = errors.New("project not found")

// Bounds a shared first load once it no longer follows any caller's context.
const loadTimeout = 10 * time.Second

type Loader interface {
	Find(ctx context.Context, projectID string) (*store.Project, error)
}

type entry struct {
	fs       *fileset.FileSet
	refs     int
	lastUsed time.Time
}

type Registry struct {
	loader Loader
	logger *zap.Logger
	group  singleflight.Group
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	// Per project: callers inside a first load, and deletes seen meanwhile.
	loading map[string]int
	deletes map[string]uint64
}

func New(loader Loader, logger *zap.Logger) *Registry {
	return &Registry{
		loader:  loader,
		logger:  logger.Named("registry"),
		now:     time.Now,
		entries: make(map[string]*entry),
		loading: make(map[string]int),
		deletes: make(map[string]uint64),
	}
}

// GetOrCreate returns the shared file set for projectID, loading it from
// the store on first use. A project absent from the store is materialized
// with a default file when identity is set, and is ErrProjectNotFound
// otherwise.
func (r *Registry) GetOrCreate(ctx context.Context, projectID, identity string) (*fileset.FileSet, error) {
	return r.get(ctx, projectID, identity, false)
}

// Acquire is GetOrCreate that also counts one attached connection against
// the set. Each Acquire must be paired with a Release.
func (r *Registry) Acquire(ctx context.Context, projectID, identity string) (*fileset.FileSet, error) {
	return r.get(ctx, projectID, identity, true)
}

func (r *Registry) get(ctx context.Context, projectID, identity string, acquire bool) (*fileset.FileSet, error) {
	r.mu.Lock()
	if e, ok := r.entries[projectID]; ok {
		r.touchLocked(e, acquire)
		r.mu.Unlock()
		return e.fs, nil
	}
	r.loading[projectID]++
	gen := r.deletes[projectID]
	r.mu.Unlock()

	// Concurrent first loads share one store read. It runs detached from
	// ctx so one caller going away does not fail the others.
	v, err, _ := r.group.Do(projectID, func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		p, err := r.loader.Find(loadCtx, projectID)
		if errors.Is(err, store.ErrNotFound) {
			return (*store.Project)(nil), nil
		}
		return p, err
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	deleted := r.deletes[projectID] != gen
	if r.loading[projectID]--; r.loading[projectID] == 0 {
		delete(r.loading, projectID)
		delete(r.deletes, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("load project %s: %w", projectID, err)
	}
	if deleted {
		return nil, ErrProjectNotFound
	}
	rec := v.(*store.Project)

	if e, ok := r.entries[projectID]; ok {
		r.touchLocked(e, acquire)
		return e.fs, nil
	}

	var fs *fileset.FileSet
	switch {
	case rec != nil:
		fs = fileset.FromFiles(projectID, rec.Files)
	case identity != "":
		fs = fileset.New(projectID)
	default:
		return nil, ErrProjectNotFound
	}
	e := &entry{fs: fs, lastUsed: r.now()}
	r.touchLocked(e, acquire)
	r.entries[projectID] = e
	r.logger.Debug("file set loaded", zap.String("project", projectID), zap.Bool("stored", rec != nil))
	return fs, nil
}

func (r *Registry) touchLocked(e *entry, acquire bool) {
	if acquire {
		e.refs++
	}
	e.lastUsed = r.now()
}

// Release drops one reference taken by Acquire.
func (r *Registry) Release(projectID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[projectID]; ok {
		if e.refs > 0 {
			e.refs--
		}
		e.lastUsed = r.now()
	}
}

// Lookup returns the cached set without loading.
func (r *Registry) Lookup(projectID string) (*fileset.FileSet, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[projectID]
	if !ok {
		return nil, false
	}
	return e.fs, true
}

// Delete forgets projectID regardless of references. A first load still
// in flight for it is not cached.
func (r *Registry) Delete(projectID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, projectID)
	if r.loading[projectID] > 0 {
		r.deletes[projectID]++
		r.group.Forget(projectID)
	}
}

// EvictIdle removes sets nobody is attached to that have been idle for at
// least ttl. busy reports projects that still have unsaved work and must
// be kept. Returns the evicted ids.
func (r *Registry) EvictIdle(ttl time.Duration, busy func(projectID string) bool) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-ttl)
	var evicted []string
	for id, e := range r.entries {
		if e.refs > 0 || e.lastUsed.After(cutoff) {
			continue
		}
		if busy != nil && busy(id) {
			continue
		}
		delete(r.entries, id)
		evicted = append(evicted, id)
	}
	return evicted
}

func (r *Registry) Refs(projectID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[projectID]; ok {
		return e.refs
	}
	return 0
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
