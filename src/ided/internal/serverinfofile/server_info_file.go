// Package serverinfofile maintains the discovery file the IDE reads to find
// the daemon: a small JSON map written at launch and removed on shutdown.
package serverinfofile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"

	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	_configKeyInfoFile = "serverInfoFilePath"
	_keyPID            = "pid"
)

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// ServerInfoFile manages the contents of the daemon's discovery file.
type ServerInfoFile interface {
	UpdateField(key string, value string) error
}

type infoFile struct {
	path   string
	logger *zap.SugaredLogger

	mu       sync.Mutex
	contents map[string]string
}

// Params define values to be used by ServerInfoFile.
type Params struct {
	fx.In

	Config    config.Provider
	Lifecycle fx.Lifecycle
	Logger    *zap.SugaredLogger
}

// New creates a ServerInfoFile and schedules its removal on shutdown. The
// daemon pid is recorded so stale files from dead daemons can be detected.
func New(p Params) (ServerInfoFile, error) {
	var path string
	if err := p.Config.Get(_configKeyInfoFile).Populate(&path); err != nil {
		return nil, fmt.Errorf("getting config field %q: %w", _configKeyInfoFile, err)
	}
	if path == "" {
		return nil, fmt.Errorf("missing field %q in config", _configKeyInfoFile)
	}

	f := &infoFile{
		path:     path,
		logger:   p.Logger,
		contents: map[string]string{_keyPID: strconv.Itoa(os.Getpid())},
	}

	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return f.remove()
		},
	})

	return f, nil
}

func (f *infoFile) UpdateField(key string, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.contents[key] = value
	data, err := json.Marshal(f.contents)
	if err != nil {
		return fmt.Errorf("marshalling server info: %w", err)
	}
	if err := os.WriteFile(f.path, data, 0644); err != nil {
		return fmt.Errorf("writing server info file: %w", err)
	}

	f.logger.Infow("server info saved", "file", f.path, key, value)
	return nil
}

func (f *infoFile) remove() error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
