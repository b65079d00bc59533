// Package secrets stores per-server credentials durably across daemon restarts.
package secrets

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const _configKeySecretsFile = "secretsFilePath"

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// Credentials authenticate the daemon against one server.
type Credentials struct {
	User  string `yaml:"user,omitempty"`
	Token string `yaml:"token"`
}

// Store is a durable map from server URL to credentials.
type Store interface {
	Get(url string) (Credentials, bool)
	Set(url string, creds Credentials) error
	Delete(url string) error
}

type store struct {
	path   string
	logger *zap.SugaredLogger

	mu      sync.Mutex
	entries map[string]Credentials
}

// Params define values to be used by the Store.
type Params struct {
	fx.In

	Config config.Provider
	Logger *zap.SugaredLogger
}

// New loads the secrets file if present and returns the Store.
func New(p Params) (Store, error) {
	var path string
	if err := p.Config.Get(_configKeySecretsFile).Populate(&path); err != nil {
		return nil, fmt.Errorf("unable to get secrets file path from config: %w", err)
	}
	if path == "" {
		return nil, fmt.Errorf("missing %q in config", _configKeySecretsFile)
	}

	s := &store{
		path:    path,
		logger:  p.Logger,
		entries: make(map[string]Credentials),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading secrets file: %w", err)
	}
	if err := yaml.Unmarshal(data, &s.entries); err != nil {
		return fmt.Errorf("parsing secrets file: %w", err)
	}
	return nil
}

func (s *store) Get(url string) (Credentials, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	creds, ok := s.entries[url]
	return creds, ok
}

func (s *store) Set(url string, creds Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[url] = creds
	return s.write()
}

func (s *store) Delete(url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, url)
	return s.write()
}

func (s *store) write() error {
	data, err := yaml.Marshal(s.entries)
	if err != nil {
		return fmt.Errorf("marshalling secrets: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("writing secrets file: %w", err)
	}
	return nil
}
