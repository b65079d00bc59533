package controller

import (
	consolepicker "github.com/cortexdata/ide-daemon/src/ided/controller/console-picker"
	localrunner "github.com/cortexdata/ide-daemon/src/ided/controller/local-runner"
	servermanager "github.com/cortexdata/ide-daemon/src/ided/controller/server-manager"
	"go.uber.org/fx"
)

var Module = fx.Options(
	servermanager.Module,
	localrunner.Module,
	consolepicker.Module,
)
