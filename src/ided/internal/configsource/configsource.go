// Package configsource exposes the user-authored server list and emits a
// change event whenever the configuration files are edited on disk.
package configsource

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/cortexdata/ide-daemon/src/ided/entity"
	"github.com/cortexdata/ide-daemon/src/ided/internal/core"
	"github.com/fsnotify/fsnotify"
	uberconfig "go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const _configKeyServers = "servers"

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// ServerConfig is one entry of the static `servers` config block.
type ServerConfig struct {
	URL  string `yaml:"url"`
	Kind string `yaml:"kind"`
	PSK  string `yaml:"psk,omitempty"`
}

// Source is the configuration boundary for the resolver: a static server list
// plus change notifications with explicit unsubscribe tokens.
type Source interface {
	// GetServers returns the currently configured servers.
	GetServers() []entity.ServerDescriptor
	// Subscribe registers a change callback and returns its unsubscribe token.
	Subscribe(fn func()) (unsubscribe func())
}

type source struct {
	logger *zap.SugaredLogger
	reload func() (uberconfig.Provider, error)

	mu          sync.Mutex
	provider    uberconfig.Provider
	subscribers map[int]func()
	nextToken   int

	watcher *fsnotify.Watcher
	done    chan struct{}
	stopped chan struct{}
}

// Params define values to be used by the Source.
type Params struct {
	fx.In

	Config    uberconfig.Provider
	Logger    *zap.SugaredLogger
	Lifecycle fx.Lifecycle
}

// New constructs the Source and hooks the config-directory watcher into the
// fx lifecycle.
func New(p Params) (Source, error) {
	s := &source{
		logger:      p.Logger,
		reload:      core.NewConfig,
		provider:    p.Config,
		subscribers: make(map[int]func()),
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return s.startWatcher(core.ConfigDir())
		},
		OnStop: func(ctx context.Context) error {
			return s.stopWatcher()
		},
	})

	return s, nil
}

func (s *source) GetServers() []entity.ServerDescriptor {
	s.mu.Lock()
	provider := s.provider
	s.mu.Unlock()

	var configs []ServerConfig
	if err := provider.Get(_configKeyServers).Populate(&configs); err != nil {
		s.logger.Warnw("unable to read servers from config", "error", err)
		return nil
	}

	out := make([]entity.ServerDescriptor, 0, len(configs))
	for _, c := range configs {
		if c.URL == "" {
			continue
		}
		out = append(out, entity.ServerDescriptor{
			URL:  c.URL,
			Kind: parseKind(c.Kind),
			PSK:  c.PSK,
		})
	}
	return out
}

func (s *source) Subscribe(fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	token := s.nextToken
	s.nextToken++
	s.subscribers[token] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers, token)
	}
}

func (s *source) startWatcher(dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watching config dir %q: %w", dir, err)
	}
	s.watcher = watcher

	go func() {
		defer close(s.stopped)
		for {
			select {
			case <-s.done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
					continue
				}
				if !strings.HasSuffix(event.Name, ".yaml") && !strings.HasSuffix(event.Name, ".yml") {
					continue
				}
				s.handleChange(event.Name)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warnw("config watcher error", "error", err)
			}
		}
	}()

	return nil
}

func (s *source) stopWatcher() error {
	if s.watcher == nil {
		return nil
	}
	close(s.done)
	err := s.watcher.Close()
	<-s.stopped
	return err
}

func (s *source) handleChange(file string) {
	s.logger.Infow("configuration changed", "file", file)

	provider, err := s.reload()
	if err != nil {
		s.logger.Warnw("configuration reload failed, keeping previous", "error", err)
	} else {
		s.mu.Lock()
		s.provider = provider
		s.mu.Unlock()
	}

	s.notify()
}

func (s *source) notify() {
	s.mu.Lock()
	fns := make([]func(), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func parseKind(kind string) entity.ServerKind {
	if strings.EqualFold(kind, string(entity.ServerKindEnterprise)) {
		return entity.ServerKindEnterprise
	}
	return entity.ServerKindCore
}
