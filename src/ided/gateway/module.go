package gateway

import (
	engineclient "github.com/cortexdata/ide-daemon/src/ided/gateway/engine-client"
	"go.uber.org/fx"
)

// Module provides the daemon's outbound gateways.
var Module = fx.Options(
	engineclient.Module,
)
