package core

import (
	"fmt"
	"os"
	"path/filepath"

	uberconfig "go.uber.org/config"
	"go.uber.org/fx"
)

// ConfigModule provides the YAML configuration provider.
var ConfigModule = fx.Options(
	fx.Provide(NewConfig),
)

const _envConfigDir = "IDED_CONFIG_DIR"

// NewConfig loads the daemon configuration: meta.yaml lists the files to
// merge, and environment variables are expanded in every value.
func NewConfig() (uberconfig.Provider, error) {
	configDir := ConfigDir()

	metaProvider, err := uberconfig.NewYAML(
		uberconfig.File(filepath.Join(configDir, "meta.yaml")),
		uberconfig.Expand(os.LookupEnv),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load meta configuration: %w", err)
	}

	var configFiles []string
	if err := metaProvider.Get("files").Populate(&configFiles); err != nil {
		return nil, fmt.Errorf("failed to read files list from meta.yaml: %w", err)
	}

	var options []uberconfig.YAMLOption
	for _, file := range configFiles {
		fullPath := filepath.Join(configDir, file)
		if _, err := os.Stat(fullPath); err == nil {
			options = append(options, uberconfig.File(fullPath))
		}
	}
	if len(options) == 0 {
		return nil, fmt.Errorf("no configuration files found in %s", configDir)
	}
	options = append(options, uberconfig.Expand(os.LookupEnv))

	provider, err := uberconfig.NewYAML(options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return provider, nil
}

// ConfigDir returns the configuration directory, honoring IDED_CONFIG_DIR.
func ConfigDir() string {
	if dir := os.Getenv(_envConfigDir); dir != "" {
		return dir
	}
	// Assumes the binary is run from the workspace root.
	return "src/ided/config"
}
