package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/singleflight"
)

// WellKnownConfigPath is the path of a provider's discovery document,
// relative to its authority URL.
const WellKnownConfigPath = "/.well-known/openid-configuration"

// ProviderMetadata is the subset of a provider's discovery document the flow
// needs.  It is immutable after a successful fetch and must never be used
// before one.
type ProviderMetadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserinfoEndpoint      string `json:"userinfo_endpoint"`
	EndSessionEndpoint    string `json:"end_session_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
}

// Discoverer fetches and caches provider metadata.  Metadata is fetched at
// most once per authority for the lifetime of the Discoverer; concurrent
// first fetches for the same authority coalesce into a single in-flight
// request.  The cache is only ever populated with a fully decoded document.
type Discoverer struct {
	client *http.Client
	logger hclog.Logger

	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]*ProviderMetadata
}

// NewDiscoverer creates a Discoverer.  Supported options: WithHTTPClient,
// WithProviderCA, WithLogger.
func NewDiscoverer(opt ...Option) (*Discoverer, error) {
	const op = "oidc.NewDiscoverer"
	opts := getNetOpts(opt...)
	client := opts.withHTTPClient
	if client == nil {
		var err error
		if client, err = NewHTTPClient(opts.withProviderCA); err != nil {
			return nil, fmt.Errorf("%s: unable to create http client: %w", op, err)
		}
	}
	return &Discoverer{
		client: client,
		logger: opts.withLogger,
		cache:  map[string]*ProviderMetadata{},
	}, nil
}

// Metadata returns the provider metadata for the authority, fetching its
// discovery document on first use.  Non-success HTTP statuses and malformed
// JSON wrap ErrDiscoveryFailed, which is fatal to the whole flow.
func (d *Discoverer) Metadata(ctx context.Context, authority string) (*ProviderMetadata, error) {
	const op = "Discoverer.Metadata"
	if authority == "" {
		return nil, fmt.Errorf("%s: authority is empty: %w", op, ErrInvalidParameter)
	}

	d.mu.RLock()
	cached := d.cache[authority]
	d.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	v, err, _ := d.group.Do(authority, func() (interface{}, error) {
		// the winner of a concurrent first fetch populates the cache; losers
		// share its result
		d.mu.RLock()
		cached := d.cache[authority]
		d.mu.RUnlock()
		if cached != nil {
			return cached, nil
		}
		meta, err := d.fetch(ctx, authority)
		if err != nil {
			return nil, err
		}
		d.mu.Lock()
		d.cache[authority] = meta
		d.mu.Unlock()
		return meta, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return v.(*ProviderMetadata), nil
}

func (d *Discoverer) fetch(ctx context.Context, authority string) (*ProviderMetadata, error) {
	const op = "Discoverer.fetch"
	wellKnown := strings.TrimSuffix(authority, "/") + WellKnownConfigPath
	d.logger.Debug("fetching provider metadata", "url", wellKnown)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create discovery request: %w", op, err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: discovery request failed: %w (%v)", op, ErrDiscoveryFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%s: discovery returned status %d: %s: %w", op, resp.StatusCode, body, ErrDiscoveryFailed)
	}

	var meta ProviderMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("%s: malformed discovery document: %w (%v)", op, ErrDiscoveryFailed, err)
	}
	if meta.AuthorizationEndpoint == "" || meta.TokenEndpoint == "" {
		return nil, fmt.Errorf("%s: discovery document is missing required endpoints: %w", op, ErrDiscoveryFailed)
	}
	return &meta, nil
}

// netOptions is the set of available options shared by the network-facing
// types (Discoverer, Client).
type netOptions struct {
	withHTTPClient *http.Client
	withProviderCA string
	withLogger     hclog.Logger
}

// netDefaults is a handy way to get the defaults at runtime and during unit
// tests.
func netDefaults() netOptions {
	return netOptions{
		withLogger: hclog.NewNullLogger(),
	}
}

// getNetOpts gets the defaults and applies the opt overrides passed in
func getNetOpts(opt ...Option) netOptions {
	opts := netDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithHTTPClient provides an optional http client, overriding the default
// cleanhttp-backed one.
func WithHTTPClient(client *http.Client) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *netOptions:
			v.withHTTPClient = client
		case *clientOptions:
			v.withHTTPClient = client
		}
	}
}

// WithProviderCA provides an optional CA cert PEM to trust when sending
// requests to the provider.
func WithProviderCA(caPEM string) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *netOptions:
			v.withProviderCA = caPEM
		case *clientOptions:
			v.withProviderCA = caPEM
		}
	}
}

// WithLogger provides an optional hclog.Logger.  The null logger is used by
// default.
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		if l == nil {
			return
		}
		switch v := o.(type) {
		case *netOptions:
			v.withLogger = l
		case *clientOptions:
			v.withLogger = l
		}
	}
}
