// Package entity implements the stateful half of the engine: entity
// instances with stacked uncommitted edits, a per-class bulk-fetch
// coalescer, and a bounded TTL instance cache. The stateless half
// (filter compilation, the fluent builder) lives under query/.
package entity

import (
	"fmt"
	"sync"
	"time"

	"github.com/modelq/modelq/query/builder"
	"github.com/modelq/modelq/query/executor"
)

// Descriptor binds one entity class to its table and optional
// per-class capabilities, resolved once at registration.
type Descriptor struct {
	Name  string
	Table string

	// Defaults seed the initial edit context of blank entities.
	Defaults map[string]any

	// NewBuilder, when set, customizes class-bound builders.
	NewBuilder func(q *builder.Query) *builder.Query

	// Serializer, when set, post-processes Data() snapshots.
	Serializer func(data map[string]any) map[string]any
}

// Options tunes the engine-wide shared state.
type Options struct {
	CacheCapacity  int           // instance cache bound, default 2000
	CacheTTL       time.Duration // instance lifespan, default 15m
	SweepInterval  time.Duration // cache expiry sweep period, default 1m
	DebounceWindow time.Duration // bulk-fetch window, default 25ms
}

func (o Options) withDefaults() Options {
	if o.CacheCapacity <= 0 {
		o.CacheCapacity = 2000
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 15 * time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Minute
	}
	if o.DebounceWindow <= 0 {
		o.DebounceWindow = 25 * time.Millisecond
	}
	return o
}

// Registry maps class names to descriptors and owns the shared engine
// state: the executor, the instance cache and the fetch coalescer. It
// is an explicit value; nothing here is package-global.
type Registry struct {
	mu      sync.RWMutex
	exec    executor.Executor
	classes map[string]*Descriptor
	cache   *instanceCache
	fetcher *fetcher
}

// NewRegistry creates a registry bound to an executor.
func NewRegistry(exec executor.Executor, opts Options) *Registry {
	opts = opts.withDefaults()
	return &Registry{
		exec:    exec,
		classes: make(map[string]*Descriptor),
		cache:   newInstanceCache(opts.CacheCapacity, opts.CacheTTL, opts.SweepInterval),
		fetcher: newFetcher(exec, opts.DebounceWindow),
	}
}

// Register adds an entity class.
func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" || d.Table == "" {
		return fmt.Errorf("descriptor needs a name and a table")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.classes[d.Name]; exists {
		return fmt.Errorf("class %q already registered", d.Name)
	}
	r.classes[d.Name] = &d
	return nil
}

func (r *Registry) descriptor(class string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.classes[class]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotRegistered, class)
	}
	return d, nil
}

// Query returns a class-bound builder whose results wrap into cached
// entity instances.
func (r *Registry) Query(class string) (*builder.Query, error) {
	desc, err := r.descriptor(class)
	if err != nil {
		return nil, err
	}
	q := builder.New(r.exec, desc.Table).Wrap(r.wrapRow(desc))
	if desc.NewBuilder != nil {
		q = desc.NewBuilder(q)
	}
	return q, nil
}

func (r *Registry) wrapRow(desc *Descriptor) builder.WrapFunc {
	return func(row map[string]any) any {
		id, err := asID(row["id"])
		if err != nil {
			// Rows without a usable id stay outside the cache.
			e := newEntity(r, desc)
			e.saved = cloneRow(row)
			return e
		}
		return r.cache.reuseOrCreate(desc.Name, id, row, func() *Entity {
			e := newEntity(r, desc)
			e.id = id
			e.hasID = true
			return e
		})
	}
}

// New creates a blank entity whose class defaults populate the initial
// edit context as uncommitted data.
func (r *Registry) New(class string) (*Entity, error) {
	desc, err := r.descriptor(class)
	if err != nil {
		return nil, err
	}
	e := newEntity(r, desc)
	top := e.stack[len(e.stack)-1]
	for col, v := range desc.Defaults {
		top.data[col] = normalize(v)
	}
	if len(desc.Defaults) > 0 {
		top.changed = true
	}
	return e, nil
}

// ByID returns the cached instance for (class, id), or a lazy entity
// with no data loaded yet.
func (r *Registry) ByID(class string, id int64) (*Entity, error) {
	desc, err := r.descriptor(class)
	if err != nil {
		return nil, err
	}
	e := r.cache.reuseOrCreate(desc.Name, id, nil, func() *Entity {
		fresh := newEntity(r, desc)
		fresh.id = id
		fresh.hasID = true
		return fresh
	})
	return e, nil
}

// Stop shuts down the coalescer and the cache sweeper. Waiters on
// pending fetches fail with ErrStopped.
func (r *Registry) Stop() {
	r.fetcher.stop()
	r.cache.stop()
}

func cloneRow(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

func asID(v any) (int64, error) {
	switch value := v.(type) {
	case int64:
		return value, nil
	case int:
		return int64(value), nil
	case uint64:
		return int64(value), nil
	case float64:
		return int64(value), nil
	default:
		return 0, fmt.Errorf("cannot read %T as id", v)
	}
}
