// Package localrunner starts and supervises analytics servers on the local
// host: it leases a port, spawns the server process with a per-instance
// pre-shared key, health-polls it until ready, and reaps unexpected exits.
package localrunner

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	servermanager "github.com/cortexdata/ide-daemon/src/ided/controller/server-manager"
	notifier "github.com/cortexdata/ide-daemon/src/ided/gateway/ide-client"
	"github.com/cortexdata/ide-daemon/src/ided/internal/configsource"
	"github.com/cortexdata/ide-daemon/src/ided/internal/errors"
	"github.com/cortexdata/ide-daemon/src/ided/internal/poller"
	"github.com/cortexdata/ide-daemon/src/ided/internal/portpool"
	"github.com/cortexdata/ide-daemon/src/ided/internal/prochost"
	"github.com/cortexdata/ide-daemon/src/ided/internal/rescache"
	"github.com/cortexdata/ide-daemon/src/ided/internal/secrets"
	"github.com/jonboulle/clockwork"
	"github.com/uber-go/tally"
	"go.lsp.dev/protocol"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	_configKeyRunner = "localRunner"

	_defaultPollInterval   = 250 * time.Millisecond
	_defaultPollTimeout    = 30 * time.Second
	_defaultInstallTimeout = 10 * time.Second
	_pskBytes              = 24
)

// Module is the Fx module for this package.
var Module = fx.Options(
	fx.Provide(func(c servermanager.Controller) ServerRegistry { return c }),
	fx.Provide(New),
)

// ServerRegistry is the slice of the resolver the runner drives: it reports
// the managed server set and tears down connections before a stop.
type ServerRegistry interface {
	SyncManagedServers(ctx context.Context, urls []string) error
	DisconnectFromServer(ctx context.Context, url string) error
}

// Controller starts and stops locally managed servers.
type Controller interface {
	// StartServer launches a managed server on the lowest available port and
	// returns its URL once it answers health checks.
	StartServer(ctx context.Context) (string, error)
	// StopServer shuts a managed server down, disconnecting its live
	// connections first. Safe to call when the process already exited.
	StopServer(ctx context.Context, url string) error
	// RunningServers returns the URLs of the managed servers, ascending.
	RunningServers() []string
	// Close stops every managed server.
	Close(ctx context.Context) error
}

// Config is the `localRunner` configuration block.
type Config struct {
	PortRangeStart        int    `yaml:"portRangeStart"`
	PortRangeCount        int    `yaml:"portRangeCount"`
	PollIntervalMs        int64  `yaml:"pollIntervalMs"`
	PollTimeoutMs         int64  `yaml:"pollTimeoutMs"`
	InstallCheckTimeoutMs int64  `yaml:"installCheckTimeoutMs"`
	Command               string `yaml:"command"`
	WorkDir               string `yaml:"workDir"`
}

type instance struct {
	url    string
	port   int
	handle *prochost.Handle
	poll   *poller.Poll

	userStop bool
	exit     *prochost.ExitStatus
	cleaned  bool
}

type controller struct {
	logger     *zap.SugaredLogger
	cfg        Config
	host       prochost.Host
	pool       *portpool.Pool
	poller     *poller.Poller
	secrets    secrets.Store
	registry   ServerRegistry
	ideGateway notifier.Gateway
	source     configsource.Source
	stats      tally.Scope

	install *rescache.Single[bool]
	check   func(ctx context.Context, port int) error

	mu          sync.Mutex
	instances   map[string]*instance
	unsubscribe func()
}

// Params define values to be used by the Controller.
type Params struct {
	fx.In

	Config       config.Provider
	Logger       *zap.SugaredLogger
	Lifecycle    fx.Lifecycle
	Stats        tally.Scope
	Host         prochost.Host
	Secrets      secrets.Store
	Registry     ServerRegistry
	IdeGateway   notifier.Gateway
	ConfigSource configsource.Source
}

// New constructs the Controller from the `localRunner` config block.
func New(p Params) (Controller, error) {
	var cfg Config
	if err := p.Config.Get(_configKeyRunner).Populate(&cfg); err != nil {
		return nil, fmt.Errorf("unable to get local runner config: %w", err)
	}
	if cfg.Command == "" {
		return nil, errors.New("localRunner.command must be configured")
	}
	if cfg.PortRangeCount <= 0 {
		return nil, errors.New("localRunner.portRangeCount must be positive")
	}

	c := &controller{
		logger:     p.Logger,
		cfg:        cfg,
		host:       p.Host,
		pool:       portpool.New(cfg.PortRangeStart, cfg.PortRangeCount),
		poller:     poller.New(clockwork.NewRealClock(), p.Logger),
		secrets:    p.Secrets,
		registry:   p.Registry,
		ideGateway: p.IdeGateway,
		source:     p.ConfigSource,
		stats:      p.Stats,
		check:      dialCheck,
		instances:  make(map[string]*instance),
	}
	c.install = rescache.NewSingle(c.checkInstall)

	// Edits to the configuration may change the runner command; the cached
	// install probe no longer applies.
	c.unsubscribe = p.ConfigSource.Subscribe(func() {
		if err := c.install.Invalidate(); err != nil {
			c.logger.Warnw("unable to invalidate install check", "error", err)
		}
	})

	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return c.Close(ctx)
		},
	})

	return c, nil
}

func (c *controller) StartServer(ctx context.Context) (string, error) {
	if _, err := c.install.Get(ctx); err != nil {
		return "", err
	}

	port, err := c.leaseLowestPort()
	if err != nil {
		return "", err
	}
	url := fmt.Sprintf("http://localhost:%d", port)

	psk, err := generatePSK()
	if err != nil {
		c.pool.Release(port)
		return "", fmt.Errorf("generating psk: %w", err)
	}
	if err := c.secrets.Set(url, secrets.Credentials{Token: psk}); err != nil {
		c.pool.Release(port)
		return "", fmt.Errorf("storing psk: %w", err)
	}

	handle, err := c.host.Spawn(c.cfg.Command, c.serverArgs(port), c.serverEnv(psk))
	if err != nil {
		c.pool.Release(port)
		_ = c.secrets.Delete(url)
		return "", err
	}

	inst := &instance{url: url, port: port, handle: handle}
	c.mu.Lock()
	c.instances[url] = inst
	c.stats.Gauge("managed_processes").Update(float64(len(c.instances)))
	c.mu.Unlock()
	go c.watchExit(inst)

	poll := c.poller.Start(url, url, c.pollInterval(), c.pollTimeout(), func(ctx context.Context) error {
		return c.check(ctx, port)
	})
	c.mu.Lock()
	inst.poll = poll
	c.mu.Unlock()

	if err := <-poll.Done(); err != nil {
		c.mu.Lock()
		inst.userStop = true
		exited := inst.exit
		c.mu.Unlock()

		_ = handle.Dispose()
		c.cleanup(inst)

		if exited != nil {
			return "", &errors.ProcessExitError{URL: url, Port: port, ExitCode: exited.Code}
		}
		return "", err
	}

	c.logger.Infow("managed server started", "url", url, "pid", handle.PID())
	if err := c.registry.SyncManagedServers(ctx, c.RunningServers()); err != nil {
		c.logger.Warnw("unable to sync managed servers", "error", err)
	}
	return url, nil
}

func (c *controller) StopServer(ctx context.Context, url string) error {
	c.mu.Lock()
	inst, ok := c.instances[url]
	if ok {
		inst.userStop = true
		if inst.poll != nil {
			inst.poll.Cancel()
		}
	}
	c.mu.Unlock()
	if !ok {
		return &errors.ServerNotFoundError{URL: url}
	}

	var errs error
	// Live connections go first so editors are unbound before the process dies.
	multierr.AppendInto(&errs, c.registry.DisconnectFromServer(ctx, url))
	multierr.AppendInto(&errs, inst.handle.Dispose())
	c.cleanup(inst)
	multierr.AppendInto(&errs, c.registry.SyncManagedServers(ctx, c.RunningServers()))

	c.logger.Infow("managed server stopped", "url", url)
	return errs
}

func (c *controller) RunningServers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.instances))
	for url := range c.instances {
		out = append(out, url)
	}
	sort.Strings(out)
	return out
}

func (c *controller) Close(ctx context.Context) error {
	c.mu.Lock()
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}

	var errs error
	for _, url := range c.RunningServers() {
		multierr.AppendInto(&errs, c.StopServer(ctx, url))
	}
	c.poller.CancelAll()
	multierr.AppendInto(&errs, c.install.Invalidate())
	return errs
}

// watchExit reaps an instance whose process ended without a StopServer call.
func (c *controller) watchExit(inst *instance) {
	status, ok := <-inst.handle.OnExit()
	if !ok {
		return
	}

	c.mu.Lock()
	inst.exit = &status
	userStop := inst.userStop
	poll := inst.poll
	c.mu.Unlock()

	if poll != nil {
		poll.Cancel()
	}
	if userStop {
		return
	}
	if !c.cleanup(inst) {
		return
	}

	ctx := context.Background()
	exitErr := &errors.ProcessExitError{URL: inst.url, Port: inst.port, ExitCode: status.Code}
	c.logger.Errorw("managed server exited unexpectedly", "url", inst.url, "code", status.Code)

	if err := c.registry.DisconnectFromServer(ctx, inst.url); err != nil {
		c.logger.Warnw("disconnect after unexpected exit", "url", inst.url, "error", err)
	}
	if err := c.registry.SyncManagedServers(ctx, c.RunningServers()); err != nil {
		c.logger.Warnw("unable to sync managed servers", "error", err)
	}
	if err := c.ideGateway.ShowMessage(ctx, &protocol.ShowMessageParams{
		Type:    protocol.MessageTypeError,
		Message: exitErr.Error(),
	}); err != nil {
		c.logger.Warnw("unable to surface exit to IDE", "error", err)
	}
}

// cleanup releases everything an instance holds; it runs at most once per
// instance regardless of who loses the stop/crash race.
func (c *controller) cleanup(inst *instance) bool {
	c.mu.Lock()
	if inst.cleaned {
		c.mu.Unlock()
		return false
	}
	inst.cleaned = true
	delete(c.instances, inst.url)
	c.stats.Gauge("managed_processes").Update(float64(len(c.instances)))
	c.mu.Unlock()

	c.pool.Release(inst.port)
	if err := c.secrets.Delete(inst.url); err != nil {
		c.logger.Warnw("unable to delete psk", "url", inst.url, "error", err)
	}
	return true
}

// leaseLowestPort takes the lowest candidate port, keeping the configured
// servers' ports off limits.
func (c *controller) leaseLowestPort() (int, error) {
	available := c.pool.Available(c.reservedPorts())
	if len(available) == 0 {
		return 0, &errors.NoAvailablePortError{
			RangeStart: c.pool.Start(),
			RangeCount: c.pool.Count(),
		}
	}
	port := available[0]
	if err := c.pool.Lease(port); err != nil {
		return 0, err
	}
	return port, nil
}

// reservedPorts collects the ports of statically configured servers so a
// managed server never squats on one.
func (c *controller) reservedPorts() map[int]struct{} {
	reserved := make(map[int]struct{})
	for _, desc := range c.source.GetServers() {
		if port := urlPort(desc.URL); port != 0 {
			reserved[port] = struct{}{}
		}
	}
	return reserved
}

// checkInstall verifies the configured server command is runnable, at most
// once until the configuration changes.
func (c *controller) checkInstall(ctx context.Context) (bool, rescache.Disposer, error) {
	ctx, cancel := context.WithTimeout(ctx, c.installTimeout())
	defer cancel()

	handle, err := c.host.Spawn(c.cfg.Command, []string{"--version"}, os.Environ())
	if err != nil {
		return false, nil, &errors.InstallNotFoundError{Command: c.cfg.Command}
	}

	select {
	case status := <-handle.OnExit():
		if status.Code != 0 {
			return false, nil, &errors.InstallNotFoundError{Command: c.cfg.Command}
		}
		c.logger.Infow("install check passed", "command", c.cfg.Command)
		return true, nil, nil
	case <-ctx.Done():
		_ = handle.Dispose()
		return false, nil, &errors.InstallNotFoundError{Command: c.cfg.Command}
	}
}

func (c *controller) serverArgs(port int) []string {
	args := []string{"server", "start", "--port", strconv.Itoa(port)}
	if c.cfg.WorkDir != "" {
		args = append(args, "--work-dir", c.cfg.WorkDir)
	}
	return args
}

func (c *controller) serverEnv(psk string) []string {
	return append(os.Environ(), "IDED_SERVER_PSK="+psk)
}

func (c *controller) pollInterval() time.Duration {
	if c.cfg.PollIntervalMs > 0 {
		return time.Duration(c.cfg.PollIntervalMs) * time.Millisecond
	}
	return _defaultPollInterval
}

func (c *controller) pollTimeout() time.Duration {
	if c.cfg.PollTimeoutMs > 0 {
		return time.Duration(c.cfg.PollTimeoutMs) * time.Millisecond
	}
	return _defaultPollTimeout
}

func (c *controller) installTimeout() time.Duration {
	if c.cfg.InstallCheckTimeoutMs > 0 {
		return time.Duration(c.cfg.InstallCheckTimeoutMs) * time.Millisecond
	}
	return _defaultInstallTimeout
}

func generatePSK() (string, error) {
	buf := make([]byte, _pskBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func urlPort(rawURL string) int {
	_, portStr, err := net.SplitHostPort(trimScheme(rawURL))
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}

func trimScheme(url string) string {
	for _, scheme := range []string{"https://", "http://"} {
		if len(url) > len(scheme) && url[:len(scheme)] == scheme {
			return url[len(scheme):]
		}
	}
	return url
}

// dialCheck treats an accepting TCP listener as healthy.
func dialCheck(ctx context.Context, port int) error {
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort("localhost", strconv.Itoa(port)))
	if err != nil {
		return err
	}
	return conn.Close()
}
