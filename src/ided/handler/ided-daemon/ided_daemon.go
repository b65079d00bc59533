// Package idedaemon implements the daemon's JSON-RPC surface: one router per
// IDE connection, dispatching to the controllers.
package idedaemon

import (
	"context"
	"fmt"

	consolepicker "github.com/cortexdata/ide-daemon/src/ided/controller/console-picker"
	localrunner "github.com/cortexdata/ide-daemon/src/ided/controller/local-runner"
	servermanager "github.com/cortexdata/ide-daemon/src/ided/controller/server-manager"
	"github.com/cortexdata/ide-daemon/src/ided/factory"
	notifier "github.com/cortexdata/ide-daemon/src/ided/gateway/ide-client"
	"github.com/cortexdata/ide-daemon/src/ided/internal/jsonrpcfx"
	"github.com/cortexdata/ide-daemon/src/ided/internal/pendingload"
	"github.com/gofrs/uuid"
	"github.com/uber-go/tally"
	"go.lsp.dev/jsonrpc2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// Handler wires IDE connections to routers. It exists so the app can force
// construction of the JSON-RPC surface.
type Handler interface {
	ConnectionManager() jsonrpcfx.ConnectionManager
}

type handler struct {
	connectionManager jsonrpcfx.ConnectionManager
}

// Params define values to be used by the Handler.
type Params struct {
	fx.In

	Logger      *zap.SugaredLogger
	Stats       tally.Scope
	JSONRPC     jsonrpcfx.JSONRPCModule
	Manager     servermanager.Controller
	Picker      consolepicker.Controller
	Runner      localrunner.Controller
	IdeGateway  notifier.Gateway
	PendingLoad *pendingload.Set
}

// New constructs the Handler and registers its connection manager with the
// JSON-RPC server.
func New(p Params) (Handler, error) {
	mgr := &jsonRPCConnectionManager{
		logger:      p.Logger,
		stats:       p.Stats.SubScope("json_rpc"),
		manager:     p.Manager,
		picker:      p.Picker,
		runner:      p.Runner,
		ideGateway:  p.IdeGateway,
		pendingLoad: p.PendingLoad,
	}
	if err := p.JSONRPC.RegisterConnectionManager(mgr); err != nil {
		return nil, err
	}
	return &handler{connectionManager: mgr}, nil
}

func (h *handler) ConnectionManager() jsonrpcfx.ConnectionManager {
	return h.connectionManager
}

type jsonRPCConnectionManager struct {
	logger      *zap.SugaredLogger
	stats       tally.Scope
	manager     servermanager.Controller
	picker      consolepicker.Controller
	runner      localrunner.Controller
	ideGateway  notifier.Gateway
	pendingLoad *pendingload.Set
}

// NewConnection registers the IDE client for outbound notifications and
// returns the router that will serve its requests.
func (c *jsonRPCConnectionManager) NewConnection(ctx context.Context, conn *jsonrpc2.Conn) (jsonrpcfx.Router, error) {
	id := factory.UUID()
	if err := c.ideGateway.RegisterClient(ctx, id, conn); err != nil {
		return nil, fmt.Errorf("registering IDE client: %w", err)
	}

	return &jsonRPCRouter{
		logger:      c.logger,
		stats:       c.stats,
		uuid:        id,
		manager:     c.manager,
		picker:      c.picker,
		runner:      c.runner,
		ideGateway:  c.ideGateway,
		pendingLoad: c.pendingLoad,
	}, nil
}

// RemoveConnection cleans up after a closed IDE connection.
func (c *jsonRPCConnectionManager) RemoveConnection(ctx context.Context, id uuid.UUID) {
	if err := c.ideGateway.DeregisterClient(ctx, id); err != nil {
		c.logger.Warnw("deregistering IDE client", "uuid", id, "error", err)
	}
}
