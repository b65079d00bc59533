package handler

import (
	controller "github.com/cortexdata/ide-daemon/src/ided/controller"
	idedaemon "github.com/cortexdata/ide-daemon/src/ided/handler/ided-daemon"
	"github.com/cortexdata/ide-daemon/src/ided/internal/pendingload"
	"github.com/cortexdata/ide-daemon/src/ided/repository/binding"
	"github.com/cortexdata/ide-daemon/src/ided/repository/connection"
	"go.uber.org/fx"
)

// Module provides the ide-daemon server into an Fx application.
var Module = fx.Options(
	controller.Module,
	fx.Provide(connection.New),
	fx.Provide(binding.New),
	fx.Provide(pendingload.New),
	idedaemon.Module,
	fx.Invoke(func(h idedaemon.Handler) {}),
)
