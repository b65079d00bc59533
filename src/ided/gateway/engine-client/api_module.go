package engineclient

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// APIModule is the scripting API module a server serves to its clients. The
// contents are opaque to the daemon; it is fetched once per server and handed
// to the IDE on request.
type APIModule struct {
	Version string `json:"version"`
	Source  string `json:"source"`
}

// ModuleFetcher downloads the API module a server exposes.
type ModuleFetcher interface {
	Fetch(ctx context.Context, url string) (*APIModule, error)
}

type moduleFetcher struct {
	client *http.Client
	logger *zap.SugaredLogger
}

// NewModuleFetcher returns the HTTP-backed ModuleFetcher.
func NewModuleFetcher(logger *zap.SugaredLogger) ModuleFetcher {
	return &moduleFetcher{
		client: &http.Client{Timeout: _requestTimeout},
		logger: logger,
	}
}

func (f *moduleFetcher) Fetch(ctx context.Context, url string) (*APIModule, error) {
	var module APIModule
	if err := doJSON(ctx, f.client, http.MethodGet, url+"/api/module", "", nil, &module); err != nil {
		return nil, fmt.Errorf("fetching api module from %q: %w", url, err)
	}
	f.logger.Infow("api module fetched", "url", url, "version", module.Version)
	return &module, nil
}
