// Package consolepicker decides which connection runs a document's code. It
// reuses existing bindings, binds or connects silently when there is exactly
// one sensible choice, and prompts the user otherwise.
package consolepicker

import (
	"context"
	"path"
	"strings"
	"sync"

	servermanager "github.com/cortexdata/ide-daemon/src/ided/controller/server-manager"
	"github.com/cortexdata/ide-daemon/src/ided/entity"
	notifier "github.com/cortexdata/ide-daemon/src/ided/gateway/ide-client"
	"github.com/cortexdata/ide-daemon/src/ided/internal/errors"
	"github.com/cortexdata/ide-daemon/src/ided/internal/rescache"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module is the Fx module for this package.
var Module = fx.Options(
	fx.Provide(func(c servermanager.Controller) Resolver { return c }),
	fx.Provide(New),
)

// Resolver is the slice of the server manager the picker drives.
type Resolver interface {
	ConnectToServer(ctx context.Context, url string, consoleKind entity.ConsoleKind) (entity.Connection, error)
	SetEditorConnection(ctx context.Context, doc uri.URI, lang protocol.LanguageIdentifier, conn entity.Connection) error
	GetEditorConnection(ctx context.Context, doc uri.URI) (entity.Connection, bool)
	ConnectionsOffering(ctx context.Context, kind entity.ConsoleKind) ([]entity.Connection, error)
	Servers(ctx context.Context) []servermanager.ServerStatus
}

// Controller selects the connection for a document and caches its parse.
type Controller interface {
	// GetOrCreateConnection returns the connection that should run the
	// document's code, connecting and binding as needed. A cancelled prompt
	// returns (nil, nil): no connection, no error.
	GetOrCreateConnection(ctx context.Context, doc uri.URI, lang protocol.LanguageIdentifier) (entity.Connection, error)
	// CodeUnits splits the document text into separately runnable units. The
	// split is cached per (doc, version); unchanged documents are not re-parsed.
	CodeUnits(ctx context.Context, doc uri.URI, version int32, text string) ([]string, error)
}

type docKey struct {
	doc     uri.URI
	version int32
}

type controller struct {
	logger     *zap.SugaredLogger
	resolver   Resolver
	ideGateway notifier.Gateway

	mu     sync.Mutex
	texts  map[docKey]string
	parsed *rescache.Cache[docKey, []string]
}

// Params define values to be used by the Controller.
type Params struct {
	fx.In

	Logger     *zap.SugaredLogger
	Resolver   Resolver
	IdeGateway notifier.Gateway
}

// New constructs the Controller.
func New(p Params) Controller {
	c := &controller{
		logger:     p.Logger,
		resolver:   p.Resolver,
		ideGateway: p.IdeGateway,
		texts:      make(map[docKey]string),
	}
	c.parsed = rescache.New(c.parseDocument)
	return c
}

func (c *controller) GetOrCreateConnection(ctx context.Context, doc uri.URI, lang protocol.LanguageIdentifier) (entity.Connection, error) {
	if conn, ok := c.resolver.GetEditorConnection(ctx, doc); ok {
		return conn, nil
	}

	kind, ok := entity.ConsoleKindFromLanguage(lang)
	if !ok {
		return nil, &errors.UnsupportedConsoleTypeError{Requested: entity.ConsoleKind(lang)}
	}

	conns, err := c.resolver.ConnectionsOffering(ctx, kind)
	if err != nil {
		return nil, err
	}
	candidates := c.idleRunningServers(ctx)

	switch {
	case len(conns) == 1 && len(candidates) == 0:
		return c.bind(ctx, doc, lang, conns[0])
	case len(conns) == 0 && len(candidates) == 1:
		return c.connectAndBind(ctx, doc, lang, candidates[0], kind)
	case len(conns) == 0 && len(candidates) == 0:
		return nil, errors.ErrNoConnection
	}

	options := make([]string, 0, len(conns)+len(candidates))
	for _, conn := range conns {
		options = append(options, connectionLabel(conn))
	}
	options = append(options, candidates...)

	title := "Select a server for " + path.Base(doc.Filename())
	index, picked, err := c.ideGateway.PickOne(ctx, title, options)
	if err != nil {
		return nil, err
	}
	if !picked {
		c.logger.Infow("server selection cancelled", "doc", doc)
		return nil, nil
	}
	if index < len(conns) {
		return c.bind(ctx, doc, lang, conns[index])
	}
	return c.connectAndBind(ctx, doc, lang, candidates[index-len(conns)], kind)
}

func (c *controller) CodeUnits(ctx context.Context, doc uri.URI, version int32, text string) ([]string, error) {
	key := docKey{doc: doc, version: version}
	c.mu.Lock()
	c.texts[key] = text
	c.mu.Unlock()

	units, err := c.parsed.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	c.evictStale(doc, version)
	return units, nil
}

func (c *controller) bind(ctx context.Context, doc uri.URI, lang protocol.LanguageIdentifier, conn entity.Connection) (entity.Connection, error) {
	if err := c.resolver.SetEditorConnection(ctx, doc, lang, conn); err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *controller) connectAndBind(ctx context.Context, doc uri.URI, lang protocol.LanguageIdentifier, url string, kind entity.ConsoleKind) (entity.Connection, error) {
	conn, err := c.resolver.ConnectToServer(ctx, url, kind)
	if err != nil {
		return nil, err
	}
	return c.bind(ctx, doc, lang, conn)
}

// idleRunningServers lists running servers with no connections, the pool a
// fresh connection may draw from.
func (c *controller) idleRunningServers(ctx context.Context) []string {
	var out []string
	for _, s := range c.resolver.Servers(ctx) {
		if s.Descriptor.IsRunning && s.Descriptor.ConnectionCount == 0 {
			out = append(out, s.Descriptor.URL)
		}
	}
	return out
}

func (c *controller) parseDocument(ctx context.Context, key docKey) ([]string, rescache.Disposer, error) {
	c.mu.Lock()
	text, ok := c.texts[key]
	c.mu.Unlock()
	if !ok {
		return nil, nil, errors.New("no text recorded for document version")
	}
	return splitCodeUnits(text), nil, nil
}

// evictStale drops parses and texts of superseded document versions.
func (c *controller) evictStale(doc uri.URI, version int32) {
	for _, key := range c.parsed.Keys() {
		if key.doc == doc && key.version < version {
			if err := c.parsed.Delete(key); err != nil {
				c.logger.Warnw("unable to evict stale parse", "doc", doc, "error", err)
			}
		}
	}
	c.mu.Lock()
	for key := range c.texts {
		if key.doc == doc && key.version < version {
			delete(c.texts, key)
		}
	}
	c.mu.Unlock()
}

func connectionLabel(conn entity.Connection) string {
	return conn.ServerURL() + " [" + string(conn.Kind()) + "]"
}

// splitCodeUnits splits source into blocks separated by blank lines. A blank
// line followed by an indented line stays inside its block, so indented
// continuations (function bodies, closures) are not torn apart.
func splitCodeUnits(text string) []string {
	lines := strings.Split(text, "\n")
	var units []string
	var current []string

	flush := func() {
		if len(current) == 0 {
			return
		}
		unit := strings.TrimRight(strings.Join(current, "\n"), "\n \t")
		if unit != "" {
			units = append(units, unit)
		}
		current = nil
	}

	for i, line := range lines {
		if strings.TrimSpace(line) != "" {
			current = append(current, line)
			continue
		}
		if nextLineIndented(lines, i+1) {
			current = append(current, line)
			continue
		}
		flush()
	}
	flush()
	return units
}

func nextLineIndented(lines []string, from int) bool {
	for _, line := range lines[from:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		return strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")
	}
	return false
}
