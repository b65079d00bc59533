package servermanager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cortexdata/ide-daemon/src/ided/entity"
	engineclient "github.com/cortexdata/ide-daemon/src/ided/gateway/engine-client"
	"github.com/cortexdata/ide-daemon/src/ided/gateway/engine-client/enginemock"
	"github.com/cortexdata/ide-daemon/src/ided/internal/errors"
	"github.com/cortexdata/ide-daemon/src/ided/internal/rescache"
	"github.com/cortexdata/ide-daemon/src/ided/internal/secrets"
	"github.com/cortexdata/ide-daemon/src/ided/repository/binding"
	"github.com/cortexdata/ide-daemon/src/ided/repository/connection"
	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
)

const (
	_coreURL = "http://localhost:10000"
	_entURL  = "http://corp.example.com:8123"
)

type fakeIDE struct {
	mu             sync.Mutex
	disconnects    []string
	editors        []uri.URI
	serversChanged int
}

func (f *fakeIDE) RegisterClient(ctx context.Context, id uuid.UUID, conn *jsonrpc2.Conn) error {
	return nil
}

func (f *fakeIDE) DeregisterClient(ctx context.Context, id uuid.UUID) error {
	return nil
}

func (f *fakeIDE) ShowMessage(ctx context.Context, params *protocol.ShowMessageParams) error {
	return nil
}

func (f *fakeIDE) PickOne(ctx context.Context, title string, options []string) (int, bool, error) {
	return 0, false, nil
}

func (f *fakeIDE) OnDisconnect(ctx context.Context, serverURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, serverURL)
	return nil
}

func (f *fakeIDE) OnEditorRegistered(ctx context.Context, doc uri.URI) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.editors = append(f.editors, doc)
	return nil
}

func (f *fakeIDE) OnServersChanged(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.serversChanged++
	return nil
}

func (f *fakeIDE) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.disconnects)
}

type fakeSecrets struct {
	entries map[string]secrets.Credentials
}

func (f *fakeSecrets) Get(url string) (secrets.Credentials, bool) {
	creds, ok := f.entries[url]
	return creds, ok
}

func (f *fakeSecrets) Set(url string, creds secrets.Credentials) error {
	f.entries[url] = creds
	return nil
}

func (f *fakeSecrets) Delete(url string) error {
	delete(f.entries, url)
	return nil
}

type staticFetcher struct {
	mu      sync.Mutex
	fetches int
}

func (f *staticFetcher) Fetch(ctx context.Context, url string) (*engineclient.APIModule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	return &engineclient.APIModule{Version: "1.0", Source: "export default {}"}, nil
}

type testDeps struct {
	core    *enginemock.MockCoreFactory
	ent     *enginemock.MockEnterpriseFactory
	ide     *fakeIDE
	secrets *fakeSecrets
	modules *staticFetcher
}

func newTestController(t *testing.T, servers ...entity.ServerDescriptor) (*controller, *testDeps) {
	ctrl := gomock.NewController(t)
	deps := &testDeps{
		core:    enginemock.NewMockCoreFactory(ctrl),
		ent:     enginemock.NewMockEnterpriseFactory(ctrl),
		ide:     &fakeIDE{},
		secrets: &fakeSecrets{entries: make(map[string]secrets.Credentials)},
		modules: &staticFetcher{},
	}

	c := &controller{
		logger:         zap.NewNop().Sugar(),
		stats:          tally.NoopScope,
		connections:    connection.New(tally.NoopScope),
		bindings:       binding.New(tally.NoopScope),
		secrets:        deps.secrets,
		coreFactory:    deps.core,
		entFactory:     deps.ent,
		modules:        deps.modules,
		ideGateway:     deps.ide,
		statusInterval: time.Second,
		probe:          func(ctx context.Context, url string) error { return nil },
		servers:        make(map[string]*serverEntry),
		entClients:     make(map[uuid.UUID]*sessionClient),
		workers:        make(map[string]entity.WorkerInfo),
		tickerStop:     make(chan struct{}),
		tickerDone:     make(chan struct{}),
	}
	c.apiModules = rescache.New(c.createAPIModule)
	c.clients = rescache.New(c.createClient)
	c.services = rescache.New(c.createService)
	c.applyConfigured(servers)
	return c, deps
}

func pythonKinds() map[entity.ConsoleKind]struct{} {
	return map[entity.ConsoleKind]struct{}{entity.ConsoleKindPython: {}}
}

func coreServer() entity.ServerDescriptor {
	return entity.ServerDescriptor{URL: _coreURL, Kind: entity.ServerKindCore}
}

func enterpriseServer() entity.ServerDescriptor {
	return entity.ServerDescriptor{URL: _entURL, Kind: entity.ServerKindEnterprise}
}

func TestConnectCoreSingleton(t *testing.T) {
	c, deps := newTestController(t, coreServer())
	ctx := context.Background()
	ctrl := gomock.NewController(t)

	client := enginemock.NewMockAuthenticatedClient(ctrl)
	deps.core.EXPECT().Connect(gomock.Any(), _coreURL, gomock.Any()).Return(client, nil).Times(1)
	client.EXPECT().ConsoleKinds(gomock.Any()).Return(pythonKinds(), nil).Times(1)

	first, err := c.ConnectToServer(ctx, _coreURL, entity.ConsoleKindPython)
	require.NoError(t, err)
	second, err := c.ConnectToServer(ctx, _coreURL, entity.ConsoleKindPython)
	require.NoError(t, err)

	assert.Equal(t, first.Tag(), second.Tag())
	count, err := c.connections.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	servers := c.Servers(ctx)
	require.Len(t, servers, 1)
	assert.Equal(t, 1, servers[0].Descriptor.ConnectionCount)
	assert.Equal(t, StateRunning, servers[0].State)
	assert.Equal(t, 1, deps.modules.fetches)
}

func TestConnectCoreConcurrent(t *testing.T) {
	c, deps := newTestController(t, coreServer())
	ctx := context.Background()
	ctrl := gomock.NewController(t)

	// Hold the handshake open until both callers are in flight, so they race
	// each other to create the connection.
	release := make(chan struct{})
	client := enginemock.NewMockAuthenticatedClient(ctrl)
	deps.core.EXPECT().Connect(gomock.Any(), _coreURL, gomock.Any()).
		DoAndReturn(func(context.Context, string, secrets.Credentials) (engineclient.AuthenticatedClient, error) {
			<-release
			return client, nil
		}).Times(1)
	client.EXPECT().ConsoleKinds(gomock.Any()).Return(pythonKinds(), nil).Times(1)

	conns := make([]entity.Connection, 2)
	errs := make([]error, 2)
	var started, done sync.WaitGroup
	for i := range conns {
		started.Add(1)
		done.Add(1)
		go func(i int) {
			defer done.Done()
			started.Done()
			conns[i], errs[i] = c.ConnectToServer(ctx, _coreURL, entity.ConsoleKindPython)
		}(i)
	}
	started.Wait()
	close(release)
	done.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, conns[0].Tag(), conns[1].Tag())

	count, err := c.connections.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestConnectUnknownServer(t *testing.T) {
	c, _ := newTestController(t)

	_, err := c.ConnectToServer(context.Background(), _coreURL, "")
	assert.True(t, errors.IsServerNotFound(err))
}

func TestConnectAuthenticationError(t *testing.T) {
	c, deps := newTestController(t, coreServer())
	ctx := context.Background()

	deps.core.EXPECT().Connect(gomock.Any(), _coreURL, gomock.Any()).
		Return(nil, &errors.AuthenticationError{URL: _coreURL}).Times(2)

	_, err := c.ConnectToServer(ctx, _coreURL, "")
	assert.True(t, errors.IsAuthentication(err))

	// The failed creation is evicted, so a retry reaches the factory again.
	_, err = c.ConnectToServer(ctx, _coreURL, "")
	assert.True(t, errors.IsAuthentication(err))

	count, err := c.connections.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestConnectConsoleMismatchRollsBack(t *testing.T) {
	c, deps := newTestController(t, coreServer())
	ctx := context.Background()
	ctrl := gomock.NewController(t)

	client := enginemock.NewMockAuthenticatedClient(ctrl)
	deps.core.EXPECT().Connect(gomock.Any(), _coreURL, gomock.Any()).Return(client, nil)
	client.EXPECT().ConsoleKinds(gomock.Any()).
		Return(map[entity.ConsoleKind]struct{}{entity.ConsoleKindGroovy: {}}, nil)
	// Rollback releases the freshly authenticated session.
	client.EXPECT().Disconnect(gomock.Any()).Return(nil)

	_, err := c.ConnectToServer(ctx, _coreURL, entity.ConsoleKindPython)
	assert.True(t, errors.IsUnsupportedConsole(err))

	count, cerr := c.connections.Count(ctx)
	require.NoError(t, cerr)
	assert.Zero(t, count)
	assert.False(t, c.clients.Has(_coreURL))
	assert.False(t, c.services.Has(_coreURL))
}

func TestConnectEnterpriseFreshWorkers(t *testing.T) {
	c, deps := newTestController(t, enterpriseServer())
	ctx := context.Background()
	ctrl := gomock.NewController(t)

	for serial := int64(1); serial <= 2; serial++ {
		client := enginemock.NewMockAuthenticatedClient(ctrl)
		worker := entity.WorkerInfo{PID: int(serial), RoutingPrefix: "/worker/a", Serial: serial}
		if serial == 2 {
			worker.RoutingPrefix = "/worker/b"
		}
		deps.ent.EXPECT().ConnectWorker(gomock.Any(), _entURL, gomock.Any()).
			Return(worker, client, nil)
		client.EXPECT().ConsoleKinds(gomock.Any()).Return(pythonKinds(), nil)
	}

	first, err := c.ConnectToServer(ctx, _entURL, entity.ConsoleKindPython)
	require.NoError(t, err)
	second, err := c.ConnectToServer(ctx, _entURL, entity.ConsoleKindPython)
	require.NoError(t, err)
	assert.NotEqual(t, first.Tag(), second.Tag())

	count, err := c.connections.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	info, ok := c.GetWorkerInfo(_entURL + "/worker/b")
	require.True(t, ok)
	assert.Equal(t, int64(2), info.Serial)

	_, ok = c.GetWorkerInfo(_coreURL)
	assert.False(t, ok)
}

func TestDisconnectCascade(t *testing.T) {
	c, deps := newTestController(t, coreServer())
	ctx := context.Background()
	ctrl := gomock.NewController(t)

	client := enginemock.NewMockAuthenticatedClient(ctrl)
	deps.core.EXPECT().Connect(gomock.Any(), _coreURL, gomock.Any()).Return(client, nil)
	client.EXPECT().ConsoleKinds(gomock.Any()).Return(pythonKinds(), nil)
	client.EXPECT().Disconnect(gomock.Any()).Return(nil)

	conn, err := c.ConnectToServer(ctx, _coreURL, entity.ConsoleKindPython)
	require.NoError(t, err)
	assert.True(t, conn.IsConnected())

	doc := uri.File("/workspace/analysis.py")
	require.NoError(t, c.SetEditorConnection(ctx, doc, "python", conn))
	_, bound := c.GetEditorConnection(ctx, doc)
	require.True(t, bound)

	require.NoError(t, c.DisconnectFromServer(ctx, _coreURL))

	assert.False(t, conn.IsConnected())
	count, err := c.connections.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	bindings, err := c.bindings.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, bindings)

	assert.Equal(t, 1, deps.ide.disconnectCount())
	servers := c.Servers(ctx)
	require.Len(t, servers, 1)
	assert.Zero(t, servers[0].Descriptor.ConnectionCount)
}

func TestRunCode(t *testing.T) {
	c, deps := newTestController(t, coreServer())
	ctx := context.Background()
	ctrl := gomock.NewController(t)

	client := enginemock.NewMockAuthenticatedClient(ctrl)
	deps.core.EXPECT().Connect(gomock.Any(), _coreURL, gomock.Any()).Return(client, nil)
	client.EXPECT().ConsoleKinds(gomock.Any()).Return(pythonKinds(), nil)

	conn, err := c.ConnectToServer(ctx, _coreURL, entity.ConsoleKindPython)
	require.NoError(t, err)

	t.Run("success", func(t *testing.T) {
		client.EXPECT().RunCode(gomock.Any(), "print(1)").
			Return(&engineclient.Result{Output: "1"}, nil)

		result, err := c.RunCode(ctx, conn, "print(1)")
		require.NoError(t, err)
		assert.Equal(t, "1", result.Output)
		assert.False(t, conn.IsRunningCode())
	})

	t.Run("busy connection", func(t *testing.T) {
		require.True(t, conn.TryBeginRun())
		defer conn.EndRun()

		_, err := c.RunCode(ctx, conn, "print(2)")
		assert.True(t, errors.IsBusy(err))
	})
}

func TestSetEditorConnectionMismatch(t *testing.T) {
	c, deps := newTestController(t, coreServer())
	ctx := context.Background()
	ctrl := gomock.NewController(t)

	client := enginemock.NewMockAuthenticatedClient(ctrl)
	deps.core.EXPECT().Connect(gomock.Any(), _coreURL, gomock.Any()).Return(client, nil)
	client.EXPECT().ConsoleKinds(gomock.Any()).Return(pythonKinds(), nil)

	conn, err := c.ConnectToServer(ctx, _coreURL, entity.ConsoleKindPython)
	require.NoError(t, err)
	doc := uri.File("/workspace/build.gradle")

	t.Run("unmapped language", func(t *testing.T) {
		err := c.SetEditorConnection(ctx, doc, protocol.LanguageIdentifier("markdown"), conn)
		assert.True(t, errors.IsUnsupportedConsole(err))
	})

	t.Run("kind not offered by session", func(t *testing.T) {
		err := c.SetEditorConnection(ctx, doc, "groovy", conn)
		assert.True(t, errors.IsUnsupportedConsole(err))
	})

	bindings, err := c.bindings.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, bindings)
}

func TestGetURIConnection(t *testing.T) {
	c, deps := newTestController(t, enterpriseServer())
	ctx := context.Background()
	ctrl := gomock.NewController(t)

	client := enginemock.NewMockAuthenticatedClient(ctrl)
	worker := entity.WorkerInfo{RoutingPrefix: "/worker/a", Serial: 7}
	deps.ent.EXPECT().ConnectWorker(gomock.Any(), _entURL, gomock.Any()).Return(worker, client, nil)
	client.EXPECT().ConsoleKinds(gomock.Any()).Return(pythonKinds(), nil)

	conn, err := c.ConnectToServer(ctx, _entURL, entity.ConsoleKindPython)
	require.NoError(t, err)

	t.Run("worker url prefix", func(t *testing.T) {
		got, ok := c.GetURIConnection(ctx, uri.URI(_entURL+"/worker/a/table/trades"))
		require.True(t, ok)
		assert.Equal(t, conn.Tag(), got.Tag())
	})

	t.Run("bound document", func(t *testing.T) {
		doc := uri.File("/workspace/query.py")
		require.NoError(t, c.SetEditorConnection(ctx, doc, "python", conn))

		got, ok := c.GetURIConnection(ctx, doc)
		require.True(t, ok)
		assert.Equal(t, conn.Tag(), got.Tag())
	})

	t.Run("unrelated uri", func(t *testing.T) {
		_, ok := c.GetURIConnection(ctx, uri.URI("http://elsewhere:9999/table/x"))
		assert.False(t, ok)
	})

	t.Run("server url that extends ours", func(t *testing.T) {
		// _entURL plus a trailing digit is a different server, not a path
		// under ours.
		_, ok := c.GetURIConnection(ctx, uri.URI(_entURL+"4/table/x"))
		assert.False(t, ok)
	})
}

func TestUpdateStatus(t *testing.T) {
	c, deps := newTestController(t, coreServer(), enterpriseServer())
	ctx := context.Background()
	ctrl := gomock.NewController(t)

	client := enginemock.NewMockAuthenticatedClient(ctrl)
	deps.core.EXPECT().Connect(gomock.Any(), _coreURL, gomock.Any()).Return(client, nil)
	client.EXPECT().ConsoleKinds(gomock.Any()).Return(pythonKinds(), nil)
	client.EXPECT().Disconnect(gomock.Any()).Return(nil)

	_, err := c.ConnectToServer(ctx, _coreURL, entity.ConsoleKindPython)
	require.NoError(t, err)

	// The core server stops answering; the enterprise server stays up.
	c.probe = func(ctx context.Context, url string) error {
		if url == _coreURL {
			return errors.New("connection refused")
		}
		return nil
	}
	c.UpdateStatus(ctx)

	for _, s := range c.Servers(ctx) {
		switch s.Descriptor.URL {
		case _coreURL:
			assert.Equal(t, StateUnreachable, s.State)
			assert.False(t, s.Descriptor.IsRunning)
		case _entURL:
			assert.Equal(t, StateRunning, s.State)
			assert.True(t, s.Descriptor.IsRunning)
		}
	}

	// Unreachability tears down the live connections.
	count, err := c.connections.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Equal(t, 1, deps.ide.disconnectCount())
}

func TestSyncManagedServers(t *testing.T) {
	c, _ := newTestController(t, coreServer())
	ctx := context.Background()

	managed := []string{"http://localhost:10010", "http://localhost:10011"}
	require.NoError(t, c.SyncManagedServers(ctx, managed))

	servers := c.Servers(ctx)
	require.Len(t, servers, 3)
	var managedCount int
	for _, s := range servers {
		if s.Descriptor.IsManaged {
			managedCount++
			assert.Equal(t, StateRunning, s.State)
		}
	}
	assert.Equal(t, 2, managedCount)

	// One managed server goes away; the static one is untouched.
	require.NoError(t, c.SyncManagedServers(ctx, managed[:1]))
	servers = c.Servers(ctx)
	require.Len(t, servers, 2)
}

func TestClose(t *testing.T) {
	c, deps := newTestController(t, coreServer())
	ctx := context.Background()
	ctrl := gomock.NewController(t)

	client := enginemock.NewMockAuthenticatedClient(ctrl)
	deps.core.EXPECT().Connect(gomock.Any(), _coreURL, gomock.Any()).Return(client, nil)
	client.EXPECT().ConsoleKinds(gomock.Any()).Return(pythonKinds(), nil)
	client.EXPECT().Disconnect(gomock.Any()).Return(nil)

	_, err := c.ConnectToServer(ctx, _coreURL, entity.ConsoleKindPython)
	require.NoError(t, err)

	require.NoError(t, c.Close(ctx))

	count, err := c.connections.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.False(t, c.clients.Has(_coreURL))

	// Closing twice is harmless.
	require.NoError(t, c.Close(ctx))
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
