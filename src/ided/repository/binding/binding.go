// Package binding stores the editor binding table: which connection runs the
// code of which document.
package binding

import (
	"context"
	"sync"

	"github.com/cortexdata/ide-daemon/src/ided/entity"
	"github.com/gofrs/uuid"
	tally "github.com/uber-go/tally"
	"go.lsp.dev/uri"
)

// Binding associates one document with the connection that runs its code.
type Binding struct {
	Document    uri.URI
	ConsoleKind entity.ConsoleKind
	Connection  uuid.UUID
}

// Repository is the editor binding table. A document is bound to at most one
// connection; rebinding replaces the prior entry.
type Repository interface {
	Get(ctx context.Context, doc uri.URI) (Binding, bool)
	Set(ctx context.Context, b Binding) error
	Delete(ctx context.Context, doc uri.URI) error
	// DeleteByConnection unbinds every document bound to the given connection
	// and returns the affected documents.
	DeleteByConnection(ctx context.Context, tag uuid.UUID) ([]uri.URI, error)
	All(ctx context.Context) ([]Binding, error)
}

type repository struct {
	mu       sync.Mutex
	memstore map[uri.URI]Binding
	stats    tally.Scope
}

// New returns a repository to a key-value binding data store.
func New(stats tally.Scope) Repository {
	return &repository{
		memstore: make(map[uri.URI]Binding),
		stats:    stats,
	}
}

// Get returns the binding for the given document.
func (r *repository) Get(ctx context.Context, doc uri.URI) (Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.memstore[doc]
	return b, ok
}

// Set stores the binding, replacing any prior binding of the same document.
func (r *repository) Set(ctx context.Context, b Binding) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.memstore[b.Document] = b
	r.stats.Gauge("editor_bindings").Update(float64(len(r.memstore)))
	return nil
}

// Delete removes the binding for the given document, if any.
func (r *repository) Delete(ctx context.Context, doc uri.URI) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.memstore, doc)
	r.stats.Gauge("editor_bindings").Update(float64(len(r.memstore)))
	return nil
}

// DeleteByConnection unbinds every document of a dying connection.
func (r *repository) DeleteByConnection(ctx context.Context, tag uuid.UUID) ([]uri.URI, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var affected []uri.URI
	for doc, b := range r.memstore {
		if b.Connection == tag {
			affected = append(affected, doc)
			delete(r.memstore, doc)
		}
	}
	r.stats.Gauge("editor_bindings").Update(float64(len(r.memstore)))
	return affected, nil
}

// All returns every binding.
func (r *repository) All(ctx context.Context) ([]Binding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Binding, 0, len(r.memstore))
	for _, b := range r.memstore {
		out = append(out, b)
	}
	return out, nil
}
