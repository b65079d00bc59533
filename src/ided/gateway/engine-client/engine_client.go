// Package engineclient is the boundary to the remote analytics engine. The
// wire protocol is opaque to the rest of the daemon: callers see only an
// authenticated client capability.
package engineclient

import (
	"bytes"
	"context"
	"encoding/json"
	stderr "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cortexdata/ide-daemon/src/ided/entity"
	ierrors "github.com/cortexdata/ide-daemon/src/ided/internal/errors"
	"github.com/cortexdata/ide-daemon/src/ided/internal/secrets"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const _requestTimeout = 30 * time.Second

// Module provides the Core and Enterprise client factories and the API
// module fetcher.
var Module = fx.Options(
	fx.Provide(NewCoreFactory),
	fx.Provide(NewEnterpriseFactory),
	fx.Provide(NewModuleFetcher),
)

// Result is the outcome of running code on a console session.
type Result struct {
	Output string `json:"output"`
}

// AuthenticatedClient is a live authenticated session with a server.
type AuthenticatedClient interface {
	// RunCode executes source on the session's console.
	RunCode(ctx context.Context, source string) (*Result, error)
	// ConsoleKinds lists the console kinds this session offers.
	ConsoleKinds(ctx context.Context) (map[entity.ConsoleKind]struct{}, error)
	// Disconnect releases the session on the server.
	Disconnect(ctx context.Context) error
}

// CoreFactory authenticates against single-tenant Core servers.
type CoreFactory interface {
	Connect(ctx context.Context, url string, creds secrets.Credentials) (AuthenticatedClient, error)
}

// EnterpriseFactory authenticates against multi-tenant Enterprise servers,
// provisioning a fresh worker per session.
type EnterpriseFactory interface {
	ConnectWorker(ctx context.Context, url string, creds secrets.Credentials) (entity.WorkerInfo, AuthenticatedClient, error)
}

type coreFactory struct {
	client *http.Client
	logger *zap.SugaredLogger
}

// NewCoreFactory returns the HTTP-backed Core factory.
func NewCoreFactory(logger *zap.SugaredLogger) CoreFactory {
	return &coreFactory{
		client: &http.Client{Timeout: _requestTimeout},
		logger: logger,
	}
}

func (f *coreFactory) Connect(ctx context.Context, url string, creds secrets.Credentials) (AuthenticatedClient, error) {
	token, err := authenticate(ctx, f.client, url, creds)
	if err != nil {
		return nil, err
	}
	f.logger.Infow("authenticated", "url", url, "kind", entity.ServerKindCore)
	return &httpClient{http: f.client, base: url, token: token}, nil
}

type enterpriseFactory struct {
	client *http.Client
	logger *zap.SugaredLogger
}

// NewEnterpriseFactory returns the HTTP-backed Enterprise factory.
func NewEnterpriseFactory(logger *zap.SugaredLogger) EnterpriseFactory {
	return &enterpriseFactory{
		client: &http.Client{Timeout: _requestTimeout},
		logger: logger,
	}
}

func (f *enterpriseFactory) ConnectWorker(ctx context.Context, url string, creds secrets.Credentials) (entity.WorkerInfo, AuthenticatedClient, error) {
	token, err := authenticate(ctx, f.client, url, creds)
	if err != nil {
		return entity.WorkerInfo{}, nil, err
	}

	var worker struct {
		PID            int    `json:"pid"`
		GRPCURL        string `json:"grpcUrl"`
		RoutingPrefix  string `json:"routingPrefix"`
		IDECallbackURL string `json:"ideCallbackUrl"`
		Serial         int64  `json:"serial"`
	}
	if err := doJSON(ctx, f.client, http.MethodPost, url+"/worker/new", token, nil, &worker); err != nil {
		return entity.WorkerInfo{}, nil, fmt.Errorf("provisioning worker: %w", err)
	}

	info := entity.WorkerInfo{
		PID:            worker.PID,
		GRPCURL:        worker.GRPCURL,
		RoutingPrefix:  worker.RoutingPrefix,
		IDECallbackURL: worker.IDECallbackURL,
		Serial:         worker.Serial,
	}
	f.logger.Infow("worker provisioned", "url", url, "serial", info.Serial)

	return info, &httpClient{http: f.client, base: url + worker.RoutingPrefix, token: token}, nil
}

type httpClient struct {
	http  *http.Client
	base  string
	token string
}

func (c *httpClient) RunCode(ctx context.Context, source string) (*Result, error) {
	var result Result
	body := map[string]string{"source": source}
	if err := doJSON(ctx, c.http, http.MethodPost, c.base+"/console/run", c.token, body, &result); err != nil {
		return nil, fmt.Errorf("running code: %w", err)
	}
	return &result, nil
}

func (c *httpClient) ConsoleKinds(ctx context.Context) (map[entity.ConsoleKind]struct{}, error) {
	var resp struct {
		Kinds []string `json:"kinds"`
	}
	if err := doJSON(ctx, c.http, http.MethodGet, c.base+"/console/kinds", c.token, nil, &resp); err != nil {
		return nil, fmt.Errorf("listing console kinds: %w", err)
	}

	kinds := make(map[entity.ConsoleKind]struct{}, len(resp.Kinds))
	for _, k := range resp.Kinds {
		kinds[entity.ConsoleKind(k)] = struct{}{}
	}
	return kinds, nil
}

func (c *httpClient) Disconnect(ctx context.Context) error {
	if err := doJSON(ctx, c.http, http.MethodDelete, c.base+"/session", c.token, nil, nil); err != nil {
		return fmt.Errorf("releasing session: %w", err)
	}
	return nil
}

func authenticate(ctx context.Context, client *http.Client, url string, creds secrets.Credentials) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	body := map[string]string{"user": creds.User, "token": creds.Token}
	err := doJSON(ctx, client, http.MethodPost, url+"/auth", "", body, &resp)
	if err != nil {
		if isUnauthorized(err) {
			return "", &ierrors.AuthenticationError{URL: url}
		}
		return "", fmt.Errorf("authenticating with %q: %w", url, err)
	}
	return resp.Token, nil
}

type statusError struct {
	code int
	body string
}

func (s *statusError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", s.code, s.body)
}

func isUnauthorized(err error) bool {
	var se *statusError
	if !stderr.As(err, &se) {
		return false
	}
	return se.code == http.StatusUnauthorized || se.code == http.StatusForbidden
}

func doJSON(ctx context.Context, client *http.Client, method, url, token string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(resp.Body)
		return &statusError{code: resp.StatusCode, body: buf.String()}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
