package idedaemon

import (
	"context"

	"github.com/cortexdata/ide-daemon/src/ided/entity"
	"github.com/cortexdata/ide-daemon/src/ided/mapper"
	"go.lsp.dev/jsonrpc2"
)

type connectParams struct {
	URL         string `json:"url"`
	ConsoleKind string `json:"consoleKind,omitempty"`
}

type connectionResult struct {
	Tag       string `json:"tag"`
	ServerURL string `json:"serverUrl"`
	Kind      string `json:"kind"`
}

func connectionToResult(conn entity.Connection) *connectionResult {
	return &connectionResult{
		Tag:       conn.Tag().String(),
		ServerURL: conn.ServerURL(),
		Kind:      string(conn.Kind()),
	}
}

// Connect opens (or reuses) a connection to the requested server.
func (r *jsonRPCRouter) Connect(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params connectParams
	if err := mapper.RequestToParams(req, &params); err != nil {
		return reply(ctx, nil, err)
	}

	conn, err := r.manager.ConnectToServer(ctx, params.URL, entity.ConsoleKind(params.ConsoleKind))
	if err != nil {
		return r.replyError(ctx, reply, err)
	}
	return reply(ctx, connectionToResult(conn), nil)
}

type disconnectParams struct {
	URL string `json:"url"`
}

// Disconnect tears down every connection to the given server.
func (r *jsonRPCRouter) Disconnect(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params disconnectParams
	if err := mapper.RequestToParams(req, &params); err != nil {
		return reply(ctx, nil, err)
	}

	if err := r.manager.DisconnectFromServer(ctx, params.URL); err != nil {
		return r.replyError(ctx, reply, err)
	}
	return reply(ctx, nil, nil)
}
