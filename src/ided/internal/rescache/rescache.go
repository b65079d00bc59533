// Package rescache provides a keyed cache of asynchronously created resources.
//
// Concurrent Get calls for the same key share a single in-flight creation, a
// failed creation is evicted so the next Get retries, and every stored
// resource is disposed exactly once when it is replaced, deleted, or cleared.
package rescache

import (
	"context"
	"sync"

	"go.uber.org/multierr"
)

// Disposer releases a cached resource.
type Disposer func() error

// CreateFunc produces the resource for a key, along with its disposer.
// The disposer may be nil when the resource holds nothing to release.
type CreateFunc[K comparable, V any] func(ctx context.Context, key K) (V, Disposer, error)

// ErrEntryInvalidated is returned to waiters whose in-flight creation was
// deleted or replaced before it settled. The created resource is disposed.
var ErrEntryInvalidated = errInvalidated{}

type errInvalidated struct{}

func (errInvalidated) Error() string { return "cache entry invalidated during creation" }

type entry[V any] struct {
	done chan struct{}

	// Settled fields, valid only after done is closed.
	value   V
	dispose Disposer
	err     error
}

// Cache is a keyed async resource cache.
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*entry[V]
	create  CreateFunc[K, V]
}

// New returns a Cache whose missing entries are produced by create.
func New[K comparable, V any](create CreateFunc[K, V]) *Cache[K, V] {
	return &Cache[K, V]{
		entries: make(map[K]*entry[V]),
		create:  create,
	}
}

// Get returns the resource for key, creating it if absent. All concurrent
// callers for a key share one creation and receive the same result. A caller
// whose own ctx ends while waiting receives ctx.Err(); the creation itself
// continues for the remaining waiters.
func (c *Cache[K, V]) Get(ctx context.Context, key K) (V, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return c.wait(ctx, e)
	}

	e := &entry[V]{done: make(chan struct{})}
	c.entries[key] = e
	c.mu.Unlock()

	value, dispose, err := c.create(ctx, key)
	c.settle(key, e, value, dispose, err)
	return c.wait(ctx, e)
}

// settle records the creation result and reconciles it with the table: a
// failed creation is evicted so the next Get retries, and a creation whose
// entry was deleted or replaced mid-flight is disposed rather than leaked.
func (c *Cache[K, V]) settle(key K, e *entry[V], value V, dispose Disposer, err error) {
	c.mu.Lock()
	current := c.entries[key] == e

	if err != nil {
		e.err = err
		if current {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		close(e.done)
		return
	}

	if !current {
		e.err = ErrEntryInvalidated
		c.mu.Unlock()
		close(e.done)
		if dispose != nil {
			_ = dispose()
		}
		return
	}

	e.value = value
	e.dispose = dispose
	c.mu.Unlock()
	close(e.done)
}

func (c *Cache[K, V]) wait(ctx context.Context, e *entry[V]) (V, error) {
	select {
	case <-e.done:
		return e.value, e.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// Set stores a resource under key, disposing any prior settled entry. A prior
// in-flight creation is invalidated and its result disposed when it settles.
func (c *Cache[K, V]) Set(key K, value V, dispose Disposer) error {
	e := &entry[V]{done: make(chan struct{}), value: value, dispose: dispose}
	close(e.done)

	c.mu.Lock()
	prev := c.entries[key]
	c.entries[key] = e
	c.mu.Unlock()

	return disposeSettled(prev)
}

// Delete disposes and removes the entry for key. Deleting an absent key is a no-op.
func (c *Cache[K, V]) Delete(key K) error {
	c.mu.Lock()
	prev := c.entries[key]
	delete(c.entries, key)
	c.mu.Unlock()

	return disposeSettled(prev)
}

// Has reports whether an entry (settled or in-flight) exists for key.
func (c *Cache[K, V]) Has(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// Len returns the number of entries, including in-flight creations.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Keys returns the keys of all entries, including in-flight creations.
func (c *Cache[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]K, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	return keys
}

// Clear disposes every settled entry and removes all entries. In-flight
// creations are invalidated and dispose their result when they settle.
// Disposal errors are aggregated; clearing always completes.
func (c *Cache[K, V]) Clear() error {
	c.mu.Lock()
	removed := make([]*entry[V], 0, len(c.entries))
	for k, e := range c.entries {
		removed = append(removed, e)
		delete(c.entries, k)
	}
	c.mu.Unlock()

	var err error
	for _, e := range removed {
		err = multierr.Append(err, disposeSettled(e))
	}
	return err
}

// disposeSettled disposes e if it has settled successfully. In-flight entries
// return nil here; settle finds them gone from the table and disposes them.
func disposeSettled[V any](e *entry[V]) error {
	if e == nil {
		return nil
	}
	select {
	case <-e.done:
	default:
		return nil
	}
	if e.err != nil || e.dispose == nil {
		return nil
	}
	dispose := e.dispose
	e.dispose = nil
	return dispose()
}
