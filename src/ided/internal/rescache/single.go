package rescache

import "context"

// Single is the one-key form of Cache: a cached, deduplicated async check
// whose result holds until explicitly invalidated.
type Single[V any] struct {
	cache *Cache[struct{}, V]
}

// NewSingle returns a Single backed by create.
func NewSingle[V any](create func(ctx context.Context) (V, Disposer, error)) *Single[V] {
	return &Single[V]{
		cache: New(func(ctx context.Context, _ struct{}) (V, Disposer, error) {
			return create(ctx)
		}),
	}
}

// Get returns the cached value, running the creation at most once until invalidation.
func (s *Single[V]) Get(ctx context.Context) (V, error) {
	return s.cache.Get(ctx, struct{}{})
}

// Invalidate disposes any cached value so the next Get re-runs the creation.
func (s *Single[V]) Invalidate() error {
	return s.cache.Delete(struct{}{})
}
