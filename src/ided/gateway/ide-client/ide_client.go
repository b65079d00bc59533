// Package notifier sends outbound notifications and calls to the IDE.
// Calls should carry a session UUID in the context, used to route to the
// correct IDE connection; notifications without one are broadcast.
package notifier

import (
	"context"
	"fmt"
	"sync"

	"github.com/cortexdata/ide-daemon/src/ided/mapper"
	"github.com/gofrs/uuid"
	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
	"go.uber.org/zap"
)

const (
	_errSendToClient = "sending call/notification to IDE: %w"

	// Custom outbound methods consumed by the IDE extension's tree views and
	// status bar.
	MethodServerDisconnected = "ided/serverDisconnected"
	MethodEditorRegistered   = "ided/editorRegistered"
	MethodServersChanged     = "ided/serversChanged"
	MethodPickOne            = "ided/pickOne"
)

// Gateway is used to send outbound notifications and calls to the IDE.
type Gateway interface {
	// RegisterClient registers a new client connection. Should be called each
	// time a new IDE connection is initialized.
	RegisterClient(ctx context.Context, id uuid.UUID, conn *jsonrpc2.Conn) error
	// DeregisterClient removes a client. Should be called each time an IDE
	// connection is closed.
	DeregisterClient(ctx context.Context, id uuid.UUID) error

	// OnDisconnect tells the IDE that a server's connection went away.
	OnDisconnect(ctx context.Context, serverURL string) error
	// OnEditorRegistered tells the IDE that a document was bound to a connection.
	OnEditorRegistered(ctx context.Context, doc uri.URI) error
	// OnServersChanged tells the IDE to refresh its server tree.
	OnServersChanged(ctx context.Context) error
	// ShowMessage surfaces a message to the user.
	ShowMessage(ctx context.Context, params *protocol.ShowMessageParams) error
	// PickOne asks the user to choose among options. ok is false when the
	// user cancelled the prompt.
	PickOne(ctx context.Context, title string, options []string) (index int, ok bool, err error)
}

type gateway struct {
	connections map[uuid.UUID]jsonrpc2.Conn
	clientsMu   sync.Mutex
	logger      *zap.Logger
}

// New returns a Gateway for sending IDE notifications and calls.
func New(logger *zap.Logger) Gateway {
	return &gateway{
		connections: make(map[uuid.UUID]jsonrpc2.Conn),
		logger:      logger,
	}
}

func (g *gateway) RegisterClient(ctx context.Context, id uuid.UUID, conn *jsonrpc2.Conn) error {
	g.clientsMu.Lock()
	defer g.clientsMu.Unlock()

	g.connections[id] = *conn
	return nil
}

func (g *gateway) DeregisterClient(ctx context.Context, id uuid.UUID) error {
	g.clientsMu.Lock()
	defer g.clientsMu.Unlock()

	delete(g.connections, id)
	return nil
}

type serverDisconnectedParams struct {
	URL string `json:"url"`
}

func (g *gateway) OnDisconnect(ctx context.Context, serverURL string) error {
	return g.notify(ctx, MethodServerDisconnected, &serverDisconnectedParams{URL: serverURL})
}

type editorRegisteredParams struct {
	URI string `json:"uri"`
}

func (g *gateway) OnEditorRegistered(ctx context.Context, doc uri.URI) error {
	return g.notify(ctx, MethodEditorRegistered, &editorRegisteredParams{URI: string(doc)})
}

func (g *gateway) OnServersChanged(ctx context.Context) error {
	return g.notify(ctx, MethodServersChanged, struct{}{})
}

func (g *gateway) ShowMessage(ctx context.Context, params *protocol.ShowMessageParams) error {
	return g.notify(ctx, protocol.MethodWindowShowMessage, params)
}

type pickOneParams struct {
	Title   string   `json:"title"`
	Options []string `json:"options"`
}

type pickOneResult struct {
	Index     int  `json:"index"`
	Cancelled bool `json:"cancelled"`
}

func (g *gateway) PickOne(ctx context.Context, title string, options []string) (int, bool, error) {
	conn, err := g.getConn(ctx)
	if err != nil {
		return 0, false, fmt.Errorf(_errSendToClient, err)
	}

	var result pickOneResult
	if _, err := conn.Call(ctx, MethodPickOne, &pickOneParams{Title: title, Options: options}, &result); err != nil {
		return 0, false, fmt.Errorf(_errSendToClient, err)
	}
	if result.Cancelled || result.Index < 0 || result.Index >= len(options) {
		return 0, false, nil
	}
	return result.Index, true, nil
}

// notify routes to the context's session when present, otherwise broadcasts.
func (g *gateway) notify(ctx context.Context, method string, params interface{}) error {
	if conn, err := g.getConn(ctx); err == nil {
		if err := conn.Notify(ctx, method, params); err != nil {
			return fmt.Errorf(_errSendToClient, err)
		}
		return nil
	}

	g.clientsMu.Lock()
	conns := make([]jsonrpc2.Conn, 0, len(g.connections))
	for _, conn := range g.connections {
		conns = append(conns, conn)
	}
	g.clientsMu.Unlock()

	for _, conn := range conns {
		if err := conn.Notify(ctx, method, params); err != nil {
			g.logger.Warn("broadcast notification failed", zap.String("method", method), zap.Error(err))
		}
	}
	return nil
}

func (g *gateway) getConn(ctx context.Context) (jsonrpc2.Conn, error) {
	id, err := mapper.ContextToSessionUUID(ctx)
	if err == nil {
		g.clientsMu.Lock()
		defer g.clientsMu.Unlock()
		if conn, ok := g.connections[id]; ok {
			return conn, nil
		}
		return nil, fmt.Errorf("no registered client for session %q", id)
	}

	// A lone client may receive session-less calls.
	g.clientsMu.Lock()
	defer g.clientsMu.Unlock()
	if len(g.connections) == 1 {
		for _, conn := range g.connections {
			return conn, nil
		}
	}
	return nil, err
}
