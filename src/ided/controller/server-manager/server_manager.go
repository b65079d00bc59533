// Package servermanager resolves servers to live connections. It owns the
// descriptor table, the per-server resource caches, and the cascade that runs
// when a connection goes away.
package servermanager

import (
	"context"
	"fmt"
	"net"
	neturl "net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cortexdata/ide-daemon/src/ided/entity"
	"github.com/cortexdata/ide-daemon/src/ided/factory"
	engineclient "github.com/cortexdata/ide-daemon/src/ided/gateway/engine-client"
	notifier "github.com/cortexdata/ide-daemon/src/ided/gateway/ide-client"
	"github.com/cortexdata/ide-daemon/src/ided/internal/configsource"
	"github.com/cortexdata/ide-daemon/src/ided/internal/errors"
	"github.com/cortexdata/ide-daemon/src/ided/internal/rescache"
	"github.com/cortexdata/ide-daemon/src/ided/internal/secrets"
	"github.com/cortexdata/ide-daemon/src/ided/repository/binding"
	"github.com/cortexdata/ide-daemon/src/ided/repository/connection"
	"github.com/gofrs/uuid"
	"github.com/uber-go/tally"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	_configKeyStatusPollInterval = "statusPollIntervalMs"

	_defaultStatusPollInterval = 30 * time.Second
	_probeTimeout              = 3 * time.Second
)

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// State is the lifecycle state of a known server, tracked independently of
// whether any connection to it exists.
type State string

const (
	StateUnknown     State = "unknown"
	StateChecking    State = "checking"
	StateRunning     State = "running"
	StateUnreachable State = "unreachable"
)

// ServerStatus pairs a descriptor with its probed state for display.
type ServerStatus struct {
	Descriptor entity.ServerDescriptor
	State      State
}

// Controller resolves configured and managed servers to live connections.
type Controller interface {
	// ConnectToServer returns a connection to the server at url. Core servers
	// have at most one connection, which is reused; Enterprise servers get a
	// freshly provisioned worker per call. When consoleKind is non-empty and
	// the session does not offer it, no connection is left behind.
	ConnectToServer(ctx context.Context, url string, consoleKind entity.ConsoleKind) (entity.Connection, error)
	// DisconnectFromServer tears down every connection to the server at url,
	// unbinds their editors, and releases the cached client.
	DisconnectFromServer(ctx context.Context, url string) error

	// RunCode executes source on the given connection's console. A connection
	// already running code returns ErrConnectionBusy.
	RunCode(ctx context.Context, conn entity.Connection, source string) (*engineclient.Result, error)

	// SetEditorConnection binds a document to a connection. The language must
	// map to a console kind the connection's session offers.
	SetEditorConnection(ctx context.Context, doc uri.URI, lang protocol.LanguageIdentifier, conn entity.Connection) error
	// GetEditorConnection returns the connection a document is bound to.
	GetEditorConnection(ctx context.Context, doc uri.URI) (entity.Connection, bool)
	// ClearEditorConnection removes a document's binding, if any.
	ClearEditorConnection(ctx context.Context, doc uri.URI) error
	// GetURIConnection resolves an arbitrary URI to the connection serving it.
	GetURIConnection(ctx context.Context, u uri.URI) (entity.Connection, bool)

	// ConnectionsOffering returns the live connections whose session offers
	// the given console kind, ordered by server URL.
	ConnectionsOffering(ctx context.Context, kind entity.ConsoleKind) ([]entity.Connection, error)

	// UpdateStatus probes the given servers, or all known servers when none
	// are named. A server that stops answering has its connections torn down.
	UpdateStatus(ctx context.Context, urls ...string)
	// Servers returns every known server with its probed state.
	Servers(ctx context.Context) []ServerStatus
	// GetWorkerInfo returns the worker behind a worker URL, if any.
	GetWorkerInfo(url string) (entity.WorkerInfo, bool)
	// APIModule returns the scripting API module served by the server at url.
	APIModule(ctx context.Context, url string) (*engineclient.APIModule, error)

	// SyncManagedServers reconciles the descriptor table against the set of
	// locally managed server URLs.
	SyncManagedServers(ctx context.Context, urls []string) error

	// Close disposes every cached resource and disconnects every connection.
	Close(ctx context.Context) error
}

type serverEntry struct {
	desc  entity.ServerDescriptor
	state State
}

// sessionClient is an Enterprise per-connection client with the console kinds
// captured at connect time.
type sessionClient struct {
	client engineclient.AuthenticatedClient
	kinds  map[entity.ConsoleKind]struct{}
}

// serverService wraps a Core server's cached client with session-scoped
// lookups that do not change for the life of the client.
type serverService struct {
	client engineclient.AuthenticatedClient
	kinds  map[entity.ConsoleKind]struct{}
}

func (s *serverService) offers(kind entity.ConsoleKind) bool {
	_, ok := s.kinds[kind]
	return ok
}

type controller struct {
	logger *zap.SugaredLogger
	stats  tally.Scope

	connections connection.Repository
	bindings    binding.Repository
	secrets     secrets.Store
	coreFactory engineclient.CoreFactory
	entFactory  engineclient.EnterpriseFactory
	modules     engineclient.ModuleFetcher
	ideGateway  notifier.Gateway

	statusInterval time.Duration
	probe          func(ctx context.Context, url string) error

	apiModules *rescache.Cache[string, *engineclient.APIModule]
	clients    *rescache.Cache[string, engineclient.AuthenticatedClient]
	services   *rescache.Cache[string, *serverService]

	mu          sync.Mutex
	servers     map[string]*serverEntry
	entClients  map[uuid.UUID]*sessionClient
	workers     map[string]entity.WorkerInfo
	unsubscribe func()
	closed      bool

	tickerStarted bool
	tickerStop    chan struct{}
	tickerDone    chan struct{}
}

// Params define values to be used by the Controller.
type Params struct {
	fx.In

	Config            config.Provider
	Logger            *zap.SugaredLogger
	Lifecycle         fx.Lifecycle
	Stats             tally.Scope
	Connections       connection.Repository
	Bindings          binding.Repository
	Secrets           secrets.Store
	CoreFactory       engineclient.CoreFactory
	EnterpriseFactory engineclient.EnterpriseFactory
	Modules           engineclient.ModuleFetcher
	IdeGateway        notifier.Gateway
	ConfigSource      configsource.Source
}

// New constructs the Controller, seeds the descriptor table from the static
// configuration, and hooks the status ticker into the fx lifecycle.
func New(p Params) (Controller, error) {
	interval := _defaultStatusPollInterval
	var intervalMs int64
	if err := p.Config.Get(_configKeyStatusPollInterval).Populate(&intervalMs); err == nil && intervalMs > 0 {
		interval = time.Duration(intervalMs) * time.Millisecond
	}

	c := &controller{
		logger:         p.Logger,
		stats:          p.Stats,
		connections:    p.Connections,
		bindings:       p.Bindings,
		secrets:        p.Secrets,
		coreFactory:    p.CoreFactory,
		entFactory:     p.EnterpriseFactory,
		modules:        p.Modules,
		ideGateway:     p.IdeGateway,
		statusInterval: interval,
		probe:          dialProbe,
		servers:        make(map[string]*serverEntry),
		entClients:     make(map[uuid.UUID]*sessionClient),
		workers:        make(map[string]entity.WorkerInfo),
		tickerStop:     make(chan struct{}),
		tickerDone:     make(chan struct{}),
	}
	c.apiModules = rescache.New(c.createAPIModule)
	c.clients = rescache.New(c.createClient)
	c.services = rescache.New(c.createService)

	c.applyConfigured(p.ConfigSource.GetServers())
	c.unsubscribe = p.ConfigSource.Subscribe(func() {
		c.reloadConfigured(context.Background(), p.ConfigSource)
	})

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			c.mu.Lock()
			c.tickerStarted = true
			c.mu.Unlock()
			go c.statusLoop()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return c.Close(ctx)
		},
	})

	return c, nil
}

func (c *controller) ConnectToServer(ctx context.Context, url string, consoleKind entity.ConsoleKind) (entity.Connection, error) {
	c.mu.Lock()
	entry, ok := c.servers[url]
	kind := entity.ServerKindCore
	if ok {
		kind = entry.desc.Kind
	}
	c.mu.Unlock()
	if !ok {
		return nil, &errors.ServerNotFoundError{URL: url}
	}

	if _, err := c.apiModules.Get(ctx, url); err != nil {
		return nil, fmt.Errorf("loading api module: %w", err)
	}

	var conn entity.Connection
	var err error
	switch kind {
	case entity.ServerKindEnterprise:
		conn, err = c.connectEnterprise(ctx, url, consoleKind)
	default:
		conn, err = c.connectCore(ctx, url, consoleKind)
	}
	if err != nil {
		return nil, err
	}

	live, err := c.connections.GetByServer(ctx, url)
	if err != nil {
		c.logger.Warnw("unable to count live connections", "url", url, "error", err)
	}
	c.markConnected(url, len(live))
	if err := c.ideGateway.OnServersChanged(ctx); err != nil {
		c.logger.Warnw("unable to notify IDE of server change", "error", err)
	}
	return conn, nil
}

// connectCore reuses the singleton connection when one exists, otherwise
// authenticates through the client cache so concurrent calls share one
// handshake.
func (c *controller) connectCore(ctx context.Context, url string, consoleKind entity.ConsoleKind) (entity.Connection, error) {
	svc, err := c.services.Get(ctx, url)
	if err != nil {
		return nil, err
	}

	if consoleKind != "" && !svc.offers(consoleKind) {
		if existing, gerr := c.connections.GetByServer(ctx, url); gerr == nil && len(existing) == 0 {
			// Nothing pre-existing keeps the session alive: tear down what
			// this call created so no partial success lingers.
			var terr error
			multierr.AppendInto(&terr, c.services.Delete(url))
			multierr.AppendInto(&terr, c.clients.Delete(url))
			if terr != nil {
				c.logger.Warnw("teardown after console mismatch failed", "url", url, "error", terr)
			}
		}
		return nil, &errors.UnsupportedConsoleTypeError{
			Requested: consoleKind,
			Offered:   kindList(svc.kinds),
		}
	}

	// The repository arbitrates the singleton: concurrent connects may both
	// reach this point, but only one insert wins.
	conn, created, err := c.connections.SetIfAbsent(ctx, entity.NewCoreConnection(factory.UUID(), url))
	if err != nil {
		return nil, err
	}
	if created {
		c.logger.Infow("connected", "url", url, "kind", entity.ServerKindCore, "tag", conn.Tag())
	}
	return conn, nil
}

// connectEnterprise provisions a fresh worker for every call.
func (c *controller) connectEnterprise(ctx context.Context, url string, consoleKind entity.ConsoleKind) (entity.Connection, error) {
	worker, client, err := c.entFactory.ConnectWorker(ctx, url, c.credentialsFor(url))
	if err != nil {
		return nil, err
	}

	kinds, err := client.ConsoleKinds(ctx)
	if err != nil {
		multierr.AppendInto(&err, client.Disconnect(ctx))
		return nil, fmt.Errorf("listing console kinds: %w", err)
	}
	if consoleKind != "" {
		if _, ok := kinds[consoleKind]; !ok {
			if err := client.Disconnect(ctx); err != nil {
				c.logger.Warnw("teardown after console mismatch failed", "url", url, "error", err)
			}
			return nil, &errors.UnsupportedConsoleTypeError{
				Requested: consoleKind,
				Offered:   kindList(kinds),
			}
		}
	}

	conn := entity.NewEnterpriseConnection(factory.UUID(), url, worker)
	if err := c.connections.Set(ctx, conn); err != nil {
		multierr.AppendInto(&err, client.Disconnect(ctx))
		return nil, err
	}

	c.mu.Lock()
	c.entClients[conn.Tag()] = &sessionClient{client: client, kinds: kinds}
	c.workers[url+worker.RoutingPrefix] = worker
	if worker.GRPCURL != "" {
		c.workers[worker.GRPCURL] = worker
	}
	c.mu.Unlock()

	c.logger.Infow("connected", "url", url, "kind", entity.ServerKindEnterprise,
		"tag", conn.Tag(), "workerSerial", worker.Serial)
	return conn, nil
}

func (c *controller) DisconnectFromServer(ctx context.Context, url string) error {
	conns, err := c.connections.GetByServer(ctx, url)
	if err != nil {
		return err
	}

	var errs error
	for _, conn := range conns {
		multierr.AppendInto(&errs, c.dropConnection(ctx, conn))
	}

	// The cached client authenticates the Core singleton; its disposer
	// releases the server-side session.
	multierr.AppendInto(&errs, c.services.Delete(url))
	multierr.AppendInto(&errs, c.clients.Delete(url))

	c.mu.Lock()
	if entry, ok := c.servers[url]; ok {
		entry.desc.ConnectionCount = 0
	}
	c.mu.Unlock()

	if err := c.ideGateway.OnDisconnect(ctx, url); err != nil {
		c.logger.Warnw("unable to notify IDE of disconnect", "url", url, "error", err)
	}
	if err := c.ideGateway.OnServersChanged(ctx); err != nil {
		c.logger.Warnw("unable to notify IDE of server change", "error", err)
	}
	return errs
}

// dropConnection removes one connection and everything hanging off it.
func (c *controller) dropConnection(ctx context.Context, conn entity.Connection) error {
	conn.SetConnected(false)

	var errs error
	affected, err := c.bindings.DeleteByConnection(ctx, conn.Tag())
	multierr.AppendInto(&errs, err)
	multierr.AppendInto(&errs, c.connections.Delete(ctx, conn.Tag()))

	if ent, ok := conn.(*entity.EnterpriseConnection); ok {
		c.mu.Lock()
		session := c.entClients[ent.Tag()]
		delete(c.entClients, ent.Tag())
		delete(c.workers, ent.ServerURL()+ent.Worker.RoutingPrefix)
		delete(c.workers, ent.Worker.GRPCURL)
		c.mu.Unlock()
		if session != nil {
			multierr.AppendInto(&errs, session.client.Disconnect(ctx))
		}
	}

	c.logger.Infow("disconnected", "url", conn.ServerURL(), "tag", conn.Tag(),
		"unboundEditors", len(affected))
	return errs
}

func (c *controller) RunCode(ctx context.Context, conn entity.Connection, source string) (*engineclient.Result, error) {
	if !conn.TryBeginRun() {
		return nil, errors.ErrConnectionBusy
	}
	defer conn.EndRun()

	client, err := c.clientFor(ctx, conn)
	if err != nil {
		return nil, err
	}
	return client.RunCode(ctx, source)
}

func (c *controller) SetEditorConnection(ctx context.Context, doc uri.URI, lang protocol.LanguageIdentifier, conn entity.Connection) error {
	kind, ok := entity.ConsoleKindFromLanguage(lang)
	if !ok {
		return &errors.UnsupportedConsoleTypeError{Requested: entity.ConsoleKind(lang)}
	}

	kinds, err := c.sessionKinds(ctx, conn)
	if err != nil {
		return err
	}
	if _, ok := kinds[kind]; !ok {
		return &errors.UnsupportedConsoleTypeError{Requested: kind, Offered: kindList(kinds)}
	}

	if err := c.bindings.Set(ctx, binding.Binding{
		Document:    doc,
		ConsoleKind: kind,
		Connection:  conn.Tag(),
	}); err != nil {
		return err
	}

	if err := c.ideGateway.OnEditorRegistered(ctx, doc); err != nil {
		c.logger.Warnw("unable to notify IDE of editor binding", "doc", doc, "error", err)
	}
	return nil
}

func (c *controller) GetEditorConnection(ctx context.Context, doc uri.URI) (entity.Connection, bool) {
	b, ok := c.bindings.Get(ctx, doc)
	if !ok {
		return nil, false
	}
	conn, err := c.connections.Get(ctx, b.Connection)
	if err != nil {
		// The connection died without unbinding; drop the stale row.
		_ = c.bindings.Delete(ctx, doc)
		return nil, false
	}
	return conn, true
}

func (c *controller) ClearEditorConnection(ctx context.Context, doc uri.URI) error {
	return c.bindings.Delete(ctx, doc)
}

func (c *controller) GetURIConnection(ctx context.Context, u uri.URI) (entity.Connection, bool) {
	if conn, ok := c.GetEditorConnection(ctx, u); ok {
		return conn, true
	}

	conns, err := c.connections.All(ctx)
	if err != nil {
		return nil, false
	}
	for _, conn := range conns {
		if uriHasBase(string(u), conn.ServerURL()) {
			return conn, true
		}
		if ent, ok := conn.(*entity.EnterpriseConnection); ok {
			if uriHasBase(string(u), ent.ServerURL()+ent.Worker.RoutingPrefix) {
				return conn, true
			}
		}
	}
	return nil, false
}

// uriHasBase reports whether u equals base or sits under it with a path
// boundary, so http://host:1000 does not claim http://host:10001.
func uriHasBase(u, base string) bool {
	if !strings.HasPrefix(u, base) {
		return false
	}
	rest := u[len(base):]
	return rest == "" || rest[0] == '/'
}

func (c *controller) ConnectionsOffering(ctx context.Context, kind entity.ConsoleKind) ([]entity.Connection, error) {
	conns, err := c.connections.All(ctx)
	if err != nil {
		return nil, err
	}

	var out []entity.Connection
	for _, conn := range conns {
		kinds, err := c.sessionKinds(ctx, conn)
		if err != nil {
			c.logger.Warnw("unable to read session console kinds", "tag", conn.Tag(), "error", err)
			continue
		}
		if _, ok := kinds[kind]; ok {
			out = append(out, conn)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ServerURL() != out[j].ServerURL() {
			return out[i].ServerURL() < out[j].ServerURL()
		}
		return out[i].Tag().String() < out[j].Tag().String()
	})
	return out, nil
}

func (c *controller) UpdateStatus(ctx context.Context, urls ...string) {
	if len(urls) == 0 {
		c.mu.Lock()
		for url := range c.servers {
			urls = append(urls, url)
		}
		c.mu.Unlock()
	}

	var wg sync.WaitGroup
	for _, url := range urls {
		c.mu.Lock()
		entry, ok := c.servers[url]
		if ok {
			entry.state = StateChecking
		}
		c.mu.Unlock()
		if !ok {
			continue
		}

		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			err := c.probe(ctx, url)

			c.mu.Lock()
			entry, ok := c.servers[url]
			if !ok {
				c.mu.Unlock()
				return
			}
			hadConnections := entry.desc.ConnectionCount > 0
			if err == nil {
				entry.state = StateRunning
				entry.desc.IsRunning = true
			} else {
				entry.state = StateUnreachable
				entry.desc.IsRunning = false
			}
			c.mu.Unlock()

			if err != nil && hadConnections {
				c.logger.Warnw("server became unreachable", "url", url, "error", err)
				if derr := c.DisconnectFromServer(ctx, url); derr != nil {
					c.logger.Warnw("disconnect after probe failure", "url", url, "error", derr)
				}
			}
		}(url)
	}
	wg.Wait()

	if err := c.ideGateway.OnServersChanged(ctx); err != nil {
		c.logger.Warnw("unable to notify IDE of server change", "error", err)
	}
}

func (c *controller) Servers(ctx context.Context) []ServerStatus {
	c.mu.Lock()
	out := make([]ServerStatus, 0, len(c.servers))
	for _, entry := range c.servers {
		out = append(out, ServerStatus{Descriptor: entry.desc, State: entry.state})
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Descriptor.URL < out[j].Descriptor.URL
	})
	return out
}

func (c *controller) GetWorkerInfo(url string) (entity.WorkerInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.workers[url]
	return info, ok
}

func (c *controller) APIModule(ctx context.Context, url string) (*engineclient.APIModule, error) {
	return c.apiModules.Get(ctx, url)
}

func (c *controller) SyncManagedServers(ctx context.Context, urls []string) error {
	desired := make(map[string]struct{}, len(urls))
	for _, url := range urls {
		desired[url] = struct{}{}
	}

	c.mu.Lock()
	var vanished []string
	for url, entry := range c.servers {
		if !entry.desc.IsManaged {
			continue
		}
		if _, ok := desired[url]; !ok {
			vanished = append(vanished, url)
		}
	}
	for _, url := range urls {
		entry, ok := c.servers[url]
		if !ok {
			entry = &serverEntry{state: StateRunning}
			c.servers[url] = entry
		}
		entry.desc.URL = url
		entry.desc.Kind = entity.ServerKindCore
		entry.desc.IsManaged = true
		entry.desc.IsRunning = true
	}
	c.mu.Unlock()

	var errs error
	for _, url := range vanished {
		multierr.AppendInto(&errs, c.DisconnectFromServer(ctx, url))
		multierr.AppendInto(&errs, c.apiModules.Delete(url))
		c.mu.Lock()
		delete(c.servers, url)
		c.mu.Unlock()
	}
	c.updateServerGauge()

	if err := c.ideGateway.OnServersChanged(ctx); err != nil {
		c.logger.Warnw("unable to notify IDE of server change", "error", err)
	}
	return errs
}

func (c *controller) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	unsubscribe := c.unsubscribe
	started := c.tickerStarted
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	close(c.tickerStop)
	if started {
		select {
		case <-c.tickerDone:
		case <-ctx.Done():
		}
	}

	var errs error
	conns, err := c.connections.All(ctx)
	multierr.AppendInto(&errs, err)
	for _, conn := range conns {
		multierr.AppendInto(&errs, c.dropConnection(ctx, conn))
	}

	multierr.AppendInto(&errs, c.services.Clear())
	multierr.AppendInto(&errs, c.clients.Clear())
	multierr.AppendInto(&errs, c.apiModules.Clear())

	c.mu.Lock()
	c.entClients = make(map[uuid.UUID]*sessionClient)
	c.workers = make(map[string]entity.WorkerInfo)
	c.mu.Unlock()

	return errs
}

// statusLoop runs the periodic liveness sweep until Close.
func (c *controller) statusLoop() {
	defer close(c.tickerDone)

	ticker := time.NewTicker(c.statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.tickerStop:
			return
		case <-ticker.C:
			c.UpdateStatus(context.Background())
		}
	}
}

// reloadConfigured reconciles the descriptor table against a fresh read of
// the static configuration, disconnecting servers that were removed.
func (c *controller) reloadConfigured(ctx context.Context, source configsource.Source) {
	configured := source.GetServers()
	known := make(map[string]struct{}, len(configured))
	for _, desc := range configured {
		known[desc.URL] = struct{}{}
	}

	c.mu.Lock()
	var removed []string
	for url, entry := range c.servers {
		if entry.desc.IsManaged {
			continue
		}
		if _, ok := known[url]; !ok {
			removed = append(removed, url)
		}
	}
	c.mu.Unlock()

	for _, url := range removed {
		if err := c.DisconnectFromServer(ctx, url); err != nil {
			c.logger.Warnw("disconnect of removed server", "url", url, "error", err)
		}
		_ = c.apiModules.Delete(url)
		c.mu.Lock()
		delete(c.servers, url)
		c.mu.Unlock()
	}

	c.applyConfigured(configured)
	if err := c.ideGateway.OnServersChanged(ctx); err != nil {
		c.logger.Warnw("unable to notify IDE of server change", "error", err)
	}
}

// applyConfigured upserts static descriptors, preserving probed state and
// connection counts of servers that were already known.
func (c *controller) applyConfigured(configured []entity.ServerDescriptor) {
	c.mu.Lock()
	for _, desc := range configured {
		entry, ok := c.servers[desc.URL]
		if !ok {
			entry = &serverEntry{state: StateUnknown}
			c.servers[desc.URL] = entry
		}
		entry.desc.URL = desc.URL
		entry.desc.Kind = desc.Kind
		entry.desc.PSK = desc.PSK
	}
	c.mu.Unlock()
	c.updateServerGauge()
}

func (c *controller) markConnected(url string, count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.servers[url]; ok {
		entry.desc.ConnectionCount = count
		// A successful handshake is proof of life.
		entry.state = StateRunning
		entry.desc.IsRunning = true
	}
}

func (c *controller) updateServerGauge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Gauge("known_servers").Update(float64(len(c.servers)))
}

func (c *controller) createAPIModule(ctx context.Context, url string) (*engineclient.APIModule, rescache.Disposer, error) {
	module, err := c.modules.Fetch(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	return module, nil, nil
}

func (c *controller) createClient(ctx context.Context, url string) (engineclient.AuthenticatedClient, rescache.Disposer, error) {
	client, err := c.coreFactory.Connect(ctx, url, c.credentialsFor(url))
	if err != nil {
		return nil, nil, err
	}
	dispose := func() error {
		return client.Disconnect(context.Background())
	}
	return client, dispose, nil
}

func (c *controller) createService(ctx context.Context, url string) (*serverService, rescache.Disposer, error) {
	client, err := c.clients.Get(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	kinds, err := client.ConsoleKinds(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("listing console kinds: %w", err)
	}
	return &serverService{client: client, kinds: kinds}, nil, nil
}

// credentialsFor prefers durably stored credentials, falling back to the
// configured pre-shared key. Core servers commonly accept anonymous sessions.
func (c *controller) credentialsFor(url string) secrets.Credentials {
	if creds, ok := c.secrets.Get(url); ok {
		return creds
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.servers[url]; ok && entry.desc.PSK != "" {
		return secrets.Credentials{Token: entry.desc.PSK}
	}
	return secrets.Credentials{}
}

func (c *controller) clientFor(ctx context.Context, conn entity.Connection) (engineclient.AuthenticatedClient, error) {
	switch conn := conn.(type) {
	case *entity.EnterpriseConnection:
		c.mu.Lock()
		session, ok := c.entClients[conn.Tag()]
		c.mu.Unlock()
		if !ok {
			return nil, errors.ErrNoConnection
		}
		return session.client, nil
	default:
		return c.clients.Get(ctx, conn.ServerURL())
	}
}

func (c *controller) sessionKinds(ctx context.Context, conn entity.Connection) (map[entity.ConsoleKind]struct{}, error) {
	if ent, ok := conn.(*entity.EnterpriseConnection); ok {
		c.mu.Lock()
		session, ok := c.entClients[ent.Tag()]
		c.mu.Unlock()
		if !ok {
			return nil, errors.ErrNoConnection
		}
		return session.kinds, nil
	}

	svc, err := c.services.Get(ctx, conn.ServerURL())
	if err != nil {
		return nil, err
	}
	return svc.kinds, nil
}

func kindList(kinds map[entity.ConsoleKind]struct{}) []entity.ConsoleKind {
	out := make([]entity.ConsoleKind, 0, len(kinds))
	for k := range kinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// dialProbe checks reachability with a plain TCP dial of the server's address.
func dialProbe(ctx context.Context, rawURL string) error {
	parsed, err := neturl.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parsing server url: %w", err)
	}
	host := parsed.Host
	if parsed.Port() == "" {
		switch parsed.Scheme {
		case "https":
			host = net.JoinHostPort(parsed.Hostname(), "443")
		default:
			host = net.JoinHostPort(parsed.Hostname(), "80")
		}
	}

	dialer := &net.Dialer{Timeout: _probeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		return err
	}
	return conn.Close()
}
