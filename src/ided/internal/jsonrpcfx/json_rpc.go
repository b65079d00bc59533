// Package jsonrpcfx accepts IDE connections over TCP and serves each one as a
// JSON-RPC stream routed through a per-connection Router.
package jsonrpcfx

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/cortexdata/ide-daemon/src/ided/internal/serverinfofile"
	"github.com/gofrs/uuid"
	"go.lsp.dev/jsonrpc2"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	_configKeyAddress = "jsonrpc.address"
	_outputKey        = "rpc-address"
)

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// JSONRPCModule manages inbound JSON-RPC connections from the IDE.
type JSONRPCModule interface {
	OnStart(ctx context.Context) error
	ServeStream(ctx context.Context, conn jsonrpc2.Conn) error
	RegisterConnectionManager(connectionManager ConnectionManager) error
}

// Router handles the requests of one connection.
type Router interface {
	HandleReq(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error
	UUID() uuid.UUID
}

// ConnectionManager creates and removes a Router per live connection.
type ConnectionManager interface {
	NewConnection(ctx context.Context, conn *jsonrpc2.Conn) (router Router, err error)
	RemoveConnection(ctx context.Context, id uuid.UUID)
}

type module struct {
	address string

	connectionMgr  ConnectionManager
	ln             *net.TCPListener
	logger         *zap.SugaredLogger
	serverInfoFile serverinfofile.ServerInfoFile
}

// Params define values to be used by JSONRPCModule.
type Params struct {
	fx.In

	Config         config.Provider
	Lifecycle      fx.Lifecycle
	Logger         *zap.SugaredLogger
	ServerInfoFile serverinfofile.ServerInfoFile
}

// New creates a server that will accept JSON-RPC connections at the
// configured address once started.
func New(p Params) (JSONRPCModule, error) {
	if p.Lifecycle == nil || p.Config == nil {
		return nil, errors.New("required parameters are missing")
	}

	m := module{
		logger:         p.Logger,
		serverInfoFile: p.ServerInfoFile,
	}

	if err := m.processConfig(p.Config); err != nil {
		return nil, err
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: m.OnStart,
		OnStop:  m.onStop,
	})

	return &m, nil
}

// OnStart binds the listener and begins accepting connections.
func (m *module) OnStart(ctx context.Context) error {
	if err := m.setup(); err != nil {
		return err
	}

	go m.start()
	return nil
}

// ServeStream handles one connection until it closes, routing its requests
// through a Router owned by the connection manager.
func (m *module) ServeStream(ctx context.Context, conn jsonrpc2.Conn) error {
	if m.connectionMgr == nil {
		m.logger.Errorf("cannot serve connection, no connection manager set")
		return errors.New("cannot serve connection, no connection manager set")
	}

	router, err := m.connectionMgr.NewConnection(ctx, &conn)
	if err != nil {
		return err
	}
	m.logger.Infow("client connected", zap.Stringer("uuid", router.UUID()))
	conn.Go(ctx, router.HandleReq)

	<-conn.Done()

	m.connectionMgr.RemoveConnection(ctx, router.UUID())
	m.logger.Infow("client disconnected", zap.Stringer("uuid", router.UUID()))

	return conn.Err()
}

// RegisterConnectionManager sets the connection manager. It must be called
// before the first connection arrives.
func (m *module) RegisterConnectionManager(connectionMgr ConnectionManager) error {
	if m.connectionMgr != nil {
		return errors.New("cannot register a duplicate connection manager")
	}
	m.connectionMgr = connectionMgr
	return nil
}

func (m *module) setup() error {
	if m.address == "" {
		return errors.New("setup called before address is set")
	}

	addr, err := net.ResolveTCPAddr("tcp", m.address)
	if err != nil {
		return err
	}

	m.ln, err = net.ListenTCP("tcp", addr)
	return err
}

func (m *module) start() {
	// The IDE discovers the daemon through the info file; write the bound
	// address, not the configured one, so ":0" works.
	if err := m.serverInfoFile.UpdateField(_outputKey, m.ln.Addr().String()); err != nil {
		m.logger.Errorw("unable to record rpc address", "error", err)
		return
	}

	m.logger.Infow("started JSON-RPC inbound", zap.String("address", m.ln.Addr().String()))
	if err := jsonrpc2.Serve(context.Background(), m.ln, m, 0); err != nil && !errors.Is(err, net.ErrClosed) {
		m.logger.Errorw("JSON-RPC server stopped", "error", err)
	}
}

func (m *module) onStop(ctx context.Context) error {
	if m.ln == nil {
		return nil
	}
	return m.ln.Close()
}

func (m *module) processConfig(cfg config.Provider) error {
	if err := cfg.Get(_configKeyAddress).Populate(&m.address); err != nil {
		return fmt.Errorf("getting config field %q: %w", _configKeyAddress, err)
	}
	if m.address == "" {
		return fmt.Errorf("missing field %q in config", _configKeyAddress)
	}
	return nil
}
