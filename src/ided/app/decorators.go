package app

import (
	"fmt"
	"os"
	"path"

	"go.uber.org/config"
	"go.uber.org/fx"
)

const _configKeyInfoFile = "serverInfoFilePath"

// DecorateConfigParams is the set of dependencies required to decorate the config.Provider.
type DecorateConfigParams struct {
	fx.In

	Cfg config.Provider
}

// decorateConfigProvider includes any steps that modify the config.Provider
// before it is used, or use its data for any startup related activities.
func decorateConfigProvider(p DecorateConfigParams) (config.Provider, error) {
	if err := ensureInfoFileFolder(p.Cfg); err != nil {
		return nil, fmt.Errorf("ensuring server info folder: %v", err)
	}

	return p.Cfg, nil
}

// Ensure that the directory holding the server info file exists, so the IDE
// can watch it before the daemon finishes starting.
func ensureInfoFileFolder(cfg config.Provider) error {
	var infoPath string
	if err := cfg.Get(_configKeyInfoFile).Populate(&infoPath); err != nil {
		return fmt.Errorf("loading info file config: %v", err)
	}
	if infoPath == "" {
		return nil
	}

	return os.MkdirAll(path.Dir(infoPath), 0755)
}
