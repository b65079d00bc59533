package app

import (
	"context"
	"time"

	"github.com/cortexdata/ide-daemon/src/ided/gateway"
	notifier "github.com/cortexdata/ide-daemon/src/ided/gateway/ide-client"
	"github.com/cortexdata/ide-daemon/src/ided/handler"
	"github.com/cortexdata/ide-daemon/src/ided/internal/configsource"
	"github.com/cortexdata/ide-daemon/src/ided/internal/core"
	"github.com/cortexdata/ide-daemon/src/ided/internal/jsonrpcfx"
	"github.com/cortexdata/ide-daemon/src/ided/internal/prochost"
	"github.com/cortexdata/ide-daemon/src/ided/internal/secrets"
	"github.com/cortexdata/ide-daemon/src/ided/internal/serverinfofile"
	tally "github.com/uber-go/tally"
	"go.uber.org/fx"
)

// Module defines the ide-daemon application module.
var Module = fx.Options(
	gateway.Module, // outbounds
	handler.Module, // inbounds
	jsonrpcfx.Module,
	serverinfofile.Module,
	configsource.Module,
	secrets.Module,
	prochost.Module,
	core.ConfigModule,
	core.LoggerModule,
	fx.Provide(notifier.New),
	fx.Provide(func(lc fx.Lifecycle) tally.Scope {
		rs, closer := tally.NewRootScope(tally.ScopeOptions{
			Tags: map[string]string{
				"service": "ide-daemon",
			},
		}, 1*time.Second)

		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return closer.Close()
			},
		})

		return rs
	}),
	fx.Decorate(decorateConfigProvider),
)
