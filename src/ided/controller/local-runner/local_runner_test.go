package localrunner

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cortexdata/ide-daemon/src/ided/entity"
	ierrors "github.com/cortexdata/ide-daemon/src/ided/internal/errors"
	"github.com/cortexdata/ide-daemon/src/ided/internal/poller"
	"github.com/cortexdata/ide-daemon/src/ided/internal/portpool"
	"github.com/cortexdata/ide-daemon/src/ided/internal/prochost"
	"github.com/cortexdata/ide-daemon/src/ided/internal/rescache"
	"github.com/cortexdata/ide-daemon/src/ided/internal/secrets"
	"github.com/gofrs/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

type spawnedProc struct {
	args   []string
	once   sync.Once
	exit   chan prochost.ExitStatus
	killed bool
}

func (s *spawnedProc) finish(code int) {
	s.once.Do(func() {
		s.exit <- prochost.ExitStatus{Code: code}
		close(s.exit)
	})
}

type procControl struct {
	mu          sync.Mutex
	versionCode int
	versionHang bool
	versions    int
	servers     []*spawnedProc
}

func (p *procControl) start(cmd *exec.Cmd) (int, func() error, func() prochost.ExitStatus, error) {
	sp := &spawnedProc{args: cmd.Args, exit: make(chan prochost.ExitStatus, 1)}

	p.mu.Lock()
	isVersion := len(cmd.Args) > 1 && cmd.Args[len(cmd.Args)-1] == "--version"
	if isVersion {
		p.versions++
		if !p.versionHang {
			sp.finish(p.versionCode)
		}
	} else {
		p.servers = append(p.servers, sp)
	}
	pid := 1000 + p.versions + len(p.servers)
	p.mu.Unlock()

	kill := func() error {
		p.mu.Lock()
		sp.killed = true
		p.mu.Unlock()
		sp.finish(-1)
		return nil
	}
	wait := func() prochost.ExitStatus {
		status, ok := <-sp.exit
		if !ok {
			return prochost.ExitStatus{}
		}
		return status
	}
	return pid, kill, wait, nil
}

func (p *procControl) lastServer() *spawnedProc {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.servers) == 0 {
		return nil
	}
	return p.servers[len(p.servers)-1]
}

func (p *procControl) versionProbes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.versions
}

type fakeRegistry struct {
	mu           sync.Mutex
	synced       [][]string
	disconnected []string
}

func (f *fakeRegistry) SyncManagedServers(ctx context.Context, urls []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = append(f.synced, urls)
	return nil
}

func (f *fakeRegistry) DisconnectFromServer(ctx context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, url)
	return nil
}

func (f *fakeRegistry) lastSync() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.synced) == 0 {
		return nil
	}
	return f.synced[len(f.synced)-1]
}

func (f *fakeRegistry) disconnects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.disconnected...)
}

type fakeSource struct {
	mu      sync.Mutex
	servers []entity.ServerDescriptor
	subs    map[int]func()
	next    int
}

func (f *fakeSource) GetServers() []entity.ServerDescriptor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]entity.ServerDescriptor(nil), f.servers...)
}

func (f *fakeSource) Subscribe(fn func()) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = make(map[int]func())
	}
	token := f.next
	f.next++
	f.subs[token] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, token)
	}
}

func (f *fakeSource) fire() {
	f.mu.Lock()
	fns := make([]func(), 0, len(f.subs))
	for _, fn := range f.subs {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

type fakeIDE struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeIDE) RegisterClient(ctx context.Context, id uuid.UUID, conn *jsonrpc2.Conn) error {
	return nil
}
func (f *fakeIDE) DeregisterClient(ctx context.Context, id uuid.UUID) error { return nil }
func (f *fakeIDE) OnDisconnect(ctx context.Context, serverURL string) error { return nil }
func (f *fakeIDE) OnEditorRegistered(ctx context.Context, doc uri.URI) error {
	return nil
}
func (f *fakeIDE) OnServersChanged(ctx context.Context) error { return nil }
func (f *fakeIDE) ShowMessage(ctx context.Context, params *protocol.ShowMessageParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, params.Message)
	return nil
}
func (f *fakeIDE) PickOne(ctx context.Context, title string, options []string) (int, bool, error) {
	return 0, false, nil
}

func (f *fakeIDE) messageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

type fakeSecrets struct {
	mu      sync.Mutex
	entries map[string]secrets.Credentials
}

func (f *fakeSecrets) Get(url string) (secrets.Credentials, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	creds, ok := f.entries[url]
	return creds, ok
}

func (f *fakeSecrets) Set(url string, creds secrets.Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[url] = creds
	return nil
}

func (f *fakeSecrets) Delete(url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, url)
	return nil
}

type testDeps struct {
	procs    *procControl
	registry *fakeRegistry
	source   *fakeSource
	ide      *fakeIDE
	secrets  *fakeSecrets
}

func newTestController(t *testing.T) (*controller, *testDeps) {
	deps := &testDeps{
		procs:    &procControl{},
		registry: &fakeRegistry{},
		source:   &fakeSource{},
		ide:      &fakeIDE{},
		secrets:  &fakeSecrets{entries: make(map[string]secrets.Credentials)},
	}

	c := &controller{
		logger: zap.NewNop().Sugar(),
		cfg: Config{
			PortRangeStart: 10000,
			PortRangeCount: 3,
			PollIntervalMs: 5,
			PollTimeoutMs:  200,
			Command:        "engine",
		},
		host:       prochost.NewHost(prochost.WithStartFunc(deps.procs.start)),
		pool:       portpool.New(10000, 3, portpool.WithProbe(func(int) bool { return true })),
		poller:     poller.New(clockwork.NewRealClock(), zap.NewNop().Sugar()),
		secrets:    deps.secrets,
		registry:   deps.registry,
		ideGateway: deps.ide,
		source:     deps.source,
		stats:      tally.NoopScope,
		check:      func(ctx context.Context, port int) error { return nil },
		instances:  make(map[string]*instance),
	}
	c.install = rescache.NewSingle(c.checkInstall)
	c.unsubscribe = deps.source.Subscribe(func() {
		_ = c.install.Invalidate()
	})
	return c, deps
}

func TestStartServer(t *testing.T) {
	c, deps := newTestController(t)
	ctx := context.Background()
	defer func() { require.NoError(t, c.Close(ctx)) }()

	url, err := c.StartServer(ctx)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:10000", url)
	assert.Equal(t, []string{url}, c.RunningServers())
	assert.Equal(t, []string{url}, deps.registry.lastSync())

	creds, ok := deps.secrets.Get(url)
	require.True(t, ok)
	assert.NotEmpty(t, creds.Token)

	sp := deps.procs.lastServer()
	require.NotNil(t, sp)
	assert.Contains(t, strings.Join(sp.args, " "), "--port 10000")

	// The install probe runs once; the next start reuses the cached result
	// and takes the next port up.
	second, err := c.StartServer(ctx)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:10001", second)
	assert.Equal(t, 1, deps.procs.versionProbes())
}

func TestStartServerSkipsConfiguredPorts(t *testing.T) {
	c, deps := newTestController(t)
	ctx := context.Background()
	defer func() { require.NoError(t, c.Close(ctx)) }()

	deps.source.servers = []entity.ServerDescriptor{
		{URL: "http://localhost:10000", Kind: entity.ServerKindCore},
	}

	url, err := c.StartServer(ctx)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:10001", url)
}

func TestStartServerNoAvailablePort(t *testing.T) {
	c, deps := newTestController(t)
	c.cfg.PortRangeCount = 1
	c.pool = portpool.New(10000, 1, portpool.WithProbe(func(int) bool { return true }))
	deps.source.servers = []entity.ServerDescriptor{
		{URL: "http://localhost:10000", Kind: entity.ServerKindCore},
	}

	_, err := c.StartServer(context.Background())
	var npe *ierrors.NoAvailablePortError
	require.ErrorAs(t, err, &npe)
	assert.Equal(t, 10000, npe.RangeStart)
}

func TestStartServerPollTimeout(t *testing.T) {
	c, deps := newTestController(t)
	ctx := context.Background()

	c.check = func(ctx context.Context, port int) error {
		return ierrors.New("connection refused")
	}
	c.cfg.PollTimeoutMs = 50
	c.cfg.PollIntervalMs = 10

	_, err := c.StartServer(ctx)
	assert.True(t, ierrors.IsPollingTimeout(err))

	// The failed instance leaves nothing behind.
	assert.Empty(t, c.RunningServers())
	assert.Empty(t, c.pool.Leased())
	_, ok := deps.secrets.Get("http://localhost:10000")
	assert.False(t, ok)

	sp := deps.procs.lastServer()
	require.NotNil(t, sp)
	assert.Eventually(t, func() bool {
		deps.procs.mu.Lock()
		defer deps.procs.mu.Unlock()
		return sp.killed
	}, time.Second, 10*time.Millisecond)
}

func TestStartServerProcessDiesDuringStartup(t *testing.T) {
	c, deps := newTestController(t)
	ctx := context.Background()

	// Health never passes; the process crashes before the deadline.
	started := make(chan struct{})
	var once sync.Once
	c.check = func(ctx context.Context, port int) error {
		once.Do(func() { close(started) })
		return ierrors.New("connection refused")
	}
	c.cfg.PollTimeoutMs = 5000
	go func() {
		<-started
		deps.procs.lastServer().finish(3)
	}()

	_, err := c.StartServer(ctx)
	assert.True(t, ierrors.IsProcessExit(err))
	assert.Empty(t, c.RunningServers())
	assert.Empty(t, c.pool.Leased())
}

func TestStopServer(t *testing.T) {
	c, deps := newTestController(t)
	ctx := context.Background()

	url, err := c.StartServer(ctx)
	require.NoError(t, err)

	require.NoError(t, c.StopServer(ctx, url))

	assert.Empty(t, c.RunningServers())
	assert.Empty(t, c.pool.Leased())
	assert.Equal(t, []string{url}, deps.registry.disconnects())
	assert.Empty(t, deps.registry.lastSync())

	// No crash report for a user-requested stop.
	assert.Zero(t, deps.ide.messageCount())

	err = c.StopServer(ctx, "http://localhost:19999")
	assert.True(t, ierrors.IsServerNotFound(err))
}

func TestUnexpectedExit(t *testing.T) {
	c, deps := newTestController(t)
	ctx := context.Background()

	url, err := c.StartServer(ctx)
	require.NoError(t, err)

	deps.procs.lastServer().finish(137)

	assert.Eventually(t, func() bool {
		return len(c.RunningServers()) == 0 && deps.ide.messageCount() == 1
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{url}, deps.registry.disconnects())
	assert.Empty(t, c.pool.Leased())
	deps.ide.mu.Lock()
	message := deps.ide.messages[0]
	deps.ide.mu.Unlock()
	assert.Contains(t, message, "exited unexpectedly")
}

func TestInstallCheck(t *testing.T) {
	t.Run("missing install", func(t *testing.T) {
		c, deps := newTestController(t)
		deps.procs.versionCode = 1

		_, err := c.StartServer(context.Background())
		var ine *ierrors.InstallNotFoundError
		require.ErrorAs(t, err, &ine)
		assert.Equal(t, "engine", ine.Command)
	})

	t.Run("config change invalidates cached failure", func(t *testing.T) {
		c, deps := newTestController(t)
		ctx := context.Background()
		defer func() { require.NoError(t, c.Close(ctx)) }()

		deps.procs.versionCode = 1
		_, err := c.StartServer(ctx)
		require.Error(t, err)

		deps.procs.mu.Lock()
		deps.procs.versionCode = 0
		deps.procs.mu.Unlock()
		deps.source.fire()

		_, err = c.StartServer(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, deps.procs.versionProbes())
	})

	t.Run("probe timeout", func(t *testing.T) {
		c, deps := newTestController(t)
		deps.procs.versionHang = true
		c.cfg.InstallCheckTimeoutMs = 30

		_, err := c.StartServer(context.Background())
		var ine *ierrors.InstallNotFoundError
		require.ErrorAs(t, err, &ine)
	})
}

func TestClose(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()

	_, err := c.StartServer(ctx)
	require.NoError(t, err)
	_, err = c.StartServer(ctx)
	require.NoError(t, err)

	require.NoError(t, c.Close(ctx))
	assert.Empty(t, c.RunningServers())
	assert.Empty(t, c.pool.Leased())
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
