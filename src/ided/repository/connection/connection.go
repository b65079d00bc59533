// Package connection stores the live connections owned by the resolver.
package connection

import (
	"context"
	"sync"

	"github.com/cortexdata/ide-daemon/src/ided/entity"
	"github.com/cortexdata/ide-daemon/src/ided/internal/errors"
	"github.com/gofrs/uuid"
	tally "github.com/uber-go/tally"
)

// Repository is an entity-scoped repository of live connections.
type Repository interface {
	Get(ctx context.Context, tag uuid.UUID) (entity.Connection, error)
	GetByServer(ctx context.Context, serverURL string) ([]entity.Connection, error)
	Set(ctx context.Context, conn entity.Connection) error
	// SetIfAbsent stores the connection unless its server already has a live
	// one, in which case the existing connection is returned instead. The
	// check and the insert happen under one lock.
	SetIfAbsent(ctx context.Context, conn entity.Connection) (entity.Connection, bool, error)
	Delete(ctx context.Context, tag uuid.UUID) error
	All(ctx context.Context) ([]entity.Connection, error)
	Count(ctx context.Context) (int, error)
}

type repository struct {
	mu       sync.Mutex
	memstore map[uuid.UUID]entity.Connection
	stats    tally.Scope
}

// New returns a repository to a key-value connection data store.
func New(stats tally.Scope) Repository {
	return &repository{
		memstore: make(map[uuid.UUID]entity.Connection),
		stats:    stats,
	}
}

// Get returns the connection with the given tag.
func (r *repository) Get(ctx context.Context, tag uuid.UUID) (entity.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.memstore[tag]
	if !ok {
		return nil, &errors.TagNotFoundError{Tag: tag}
	}
	return c, nil
}

// GetByServer returns every live connection to the given server.
func (r *repository) GetByServer(ctx context.Context, serverURL string) ([]entity.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var found []entity.Connection
	for _, c := range r.memstore {
		if c.ServerURL() == serverURL {
			found = append(found, c)
		}
	}
	return found, nil
}

// Set stores the connection under its tag.
func (r *repository) Set(ctx context.Context, conn entity.Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn == nil {
		return errors.New("can't save nil connection")
	}
	r.memstore[conn.Tag()] = conn
	r.stats.Gauge("active_connections").Update(float64(len(r.memstore)))
	return nil
}

// SetIfAbsent stores the connection only if its server has no live connection yet.
func (r *repository) SetIfAbsent(ctx context.Context, conn entity.Connection) (entity.Connection, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn == nil {
		return nil, false, errors.New("can't save nil connection")
	}
	for _, c := range r.memstore {
		if c.ServerURL() == conn.ServerURL() {
			return c, false, nil
		}
	}
	r.memstore[conn.Tag()] = conn
	r.stats.Gauge("active_connections").Update(float64(len(r.memstore)))
	return conn, true, nil
}

// Delete removes the connection with the given tag. Deleting an absent tag is a no-op.
func (r *repository) Delete(ctx context.Context, tag uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.memstore, tag)
	r.stats.Gauge("active_connections").Update(float64(len(r.memstore)))
	return nil
}

// All returns every live connection.
func (r *repository) All(ctx context.Context) ([]entity.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]entity.Connection, 0, len(r.memstore))
	for _, c := range r.memstore {
		out = append(out, c)
	}
	return out, nil
}

// Count returns the total count of live connections.
func (r *repository) Count(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.memstore), nil
}
