package idedaemon

import (
	"context"

	servermanager "github.com/cortexdata/ide-daemon/src/ided/controller/server-manager"
	"github.com/cortexdata/ide-daemon/src/ided/internal/pendingload"
	"github.com/cortexdata/ide-daemon/src/ided/mapper"
	"go.lsp.dev/jsonrpc2"
)

// PanelServers is the pendingload handle for the IDE's server tree panel.
const PanelServers pendingload.Handle = "servers"

type startServerResult struct {
	URL string `json:"url"`
}

// StartServer launches a managed local server and reports its URL.
func (r *jsonRPCRouter) StartServer(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	url, err := r.runner.StartServer(ctx)
	if err != nil {
		return r.replyError(ctx, reply, err)
	}
	return reply(ctx, &startServerResult{URL: url}, nil)
}

type stopServerParams struct {
	URL string `json:"url"`
}

// StopServer shuts a managed local server down.
func (r *jsonRPCRouter) StopServer(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params stopServerParams
	if err := mapper.RequestToParams(req, &params); err != nil {
		return reply(ctx, nil, err)
	}

	if err := r.runner.StopServer(ctx, params.URL); err != nil {
		return r.replyError(ctx, reply, err)
	}
	return reply(ctx, nil, nil)
}

type serverStatusResult struct {
	URL             string `json:"url"`
	Kind            string `json:"kind"`
	State           string `json:"state"`
	IsRunning       bool   `json:"isRunning"`
	IsManaged       bool   `json:"isManaged"`
	ConnectionCount int    `json:"connectionCount"`
}

func serversToResult(servers []servermanager.ServerStatus) []serverStatusResult {
	out := make([]serverStatusResult, 0, len(servers))
	for _, s := range servers {
		out = append(out, serverStatusResult{
			URL:             s.Descriptor.URL,
			Kind:            string(s.Descriptor.Kind),
			State:           string(s.State),
			IsRunning:       s.Descriptor.IsRunning,
			IsManaged:       s.Descriptor.IsManaged,
			ConnectionCount: s.Descriptor.ConnectionCount,
		})
	}
	return out
}

// RefreshServers replies with the current server table and schedules a status
// sweep; while the panel is hidden the sweep waits for visibility.
func (r *jsonRPCRouter) RefreshServers(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	r.pendingLoad.Enqueue(PanelServers, func() {
		r.manager.UpdateStatus(context.Background())
	})
	return reply(ctx, serversToResult(r.manager.Servers(ctx)), nil)
}

type panelVisibleParams struct {
	Panel   string `json:"panel"`
	Visible bool   `json:"visible"`
}

// PanelVisible records a panel's visibility, flushing its deferred loads when
// it becomes visible.
func (r *jsonRPCRouter) PanelVisible(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params panelVisibleParams
	if err := mapper.RequestToParams(req, &params); err != nil {
		return reply(ctx, nil, err)
	}

	handle := pendingload.Handle(params.Panel)
	if params.Visible {
		r.pendingLoad.MarkVisible(handle)
	} else {
		r.pendingLoad.MarkHidden(handle)
	}
	return reply(ctx, nil, nil)
}
