package idedaemon

import (
	"context"
	stderr "errors"
	"fmt"

	consolepicker "github.com/cortexdata/ide-daemon/src/ided/controller/console-picker"
	localrunner "github.com/cortexdata/ide-daemon/src/ided/controller/local-runner"
	servermanager "github.com/cortexdata/ide-daemon/src/ided/controller/server-manager"
	"github.com/cortexdata/ide-daemon/src/ided/entity"
	notifier "github.com/cortexdata/ide-daemon/src/ided/gateway/ide-client"
	"github.com/cortexdata/ide-daemon/src/ided/internal/errors"
	"github.com/cortexdata/ide-daemon/src/ided/internal/pendingload"
	"github.com/gofrs/uuid"
	"github.com/uber-go/tally"
	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
	"go.uber.org/zap"
)

// Custom inbound methods served to the IDE extension.
const (
	MethodConnectionConnect    = "connection/connect"
	MethodConnectionDisconnect = "connection/disconnect"
	MethodConsoleRun           = "console/run"
	MethodEditorBind           = "editor/bind"
	MethodEditorDidClose       = "editor/didClose"
	MethodServerStart          = "server/start"
	MethodServerStop           = "server/stop"
	MethodServerRefresh        = "server/refresh"
	MethodPanelVisible         = "panel/visible"
)

type jsonRPCRouter struct {
	logger *zap.SugaredLogger
	stats  tally.Scope
	uuid   uuid.UUID

	manager     servermanager.Controller
	picker      consolepicker.Controller
	runner      localrunner.Controller
	ideGateway  notifier.Gateway
	pendingLoad *pendingload.Set
}

// HandleReq handles routing for a single request.
func (r *jsonRPCRouter) HandleReq(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) (err error) {
	ctx = context.WithValue(ctx, entity.SessionContextKey, r.uuid)
	r.stats.Counter("requests").Inc(1)

	// A panic in a method must fail the request, never the daemon.
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Errorw("panic while handling request", "method", req.Method(), "panic", rec)
			err = reply(ctx, nil, fmt.Errorf("internal error handling %q", req.Method()))
		}
	}()

	switch req.Method() {
	case MethodConnectionConnect:
		return r.Connect(ctx, reply, req)

	case MethodConnectionDisconnect:
		return r.Disconnect(ctx, reply, req)

	case MethodConsoleRun:
		return r.RunCode(ctx, reply, req)

	case MethodEditorBind:
		return r.BindEditor(ctx, reply, req)

	case MethodEditorDidClose:
		return r.EditorDidClose(ctx, reply, req)

	case MethodServerStart:
		return r.StartServer(ctx, reply, req)

	case MethodServerStop:
		return r.StopServer(ctx, reply, req)

	case MethodServerRefresh:
		return r.RefreshServers(ctx, reply, req)

	case MethodPanelVisible:
		return r.PanelVisible(ctx, reply, req)

	default:
		return jsonrpc2.MethodNotFoundHandler(ctx, reply, req)
	}
}

func (r *jsonRPCRouter) UUID() uuid.UUID {
	return r.uuid
}

// replyError surfaces a domain error to the user and fails the request.
func (r *jsonRPCRouter) replyError(ctx context.Context, reply jsonrpc2.Replier, err error) error {
	r.logger.Warnw("request failed", "error", err)
	r.stats.Counter("request_errors").Inc(1)

	if message := userMessage(err); message != "" {
		if serr := r.ideGateway.ShowMessage(ctx, &protocol.ShowMessageParams{
			Type:    protocol.MessageTypeError,
			Message: message,
		}); serr != nil {
			r.logger.Warnw("unable to surface error to IDE", "error", serr)
		}
	}
	return reply(ctx, nil, err)
}

// userMessage renders the domain errors worth a dialog; transport-level
// failures stay in the reply only.
func userMessage(err error) string {
	switch {
	case errors.IsAuthentication(err),
		errors.IsUnsupportedConsole(err),
		errors.IsPollingTimeout(err),
		errors.IsProcessExit(err),
		errors.IsBusy(err):
		return err.Error()
	}
	var npe *errors.NoAvailablePortError
	if stderr.As(err, &npe) {
		return err.Error()
	}
	var ine *errors.InstallNotFoundError
	if stderr.As(err, &ine) {
		return err.Error()
	}
	return ""
}
