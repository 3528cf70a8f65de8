// Package session implements the relying-party side of a browser login: a
// store for the values that survive the redirect round trip to the provider,
// the state machine deciding between serving an authenticated user and
// redirecting to the provider, a cancellable refresh scheduler and net/http
// handlers wiring it all up.
package session

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/singleflight"

	"oidcrp/oidc"
)

// MetadataSource provides discovered provider metadata.  Satisfied by
// *oidc.Discoverer.
type MetadataSource interface {
	Metadata(ctx context.Context, authority string) (*oidc.ProviderMetadata, error)
}

// Exchanger performs the network legs of the flow.  Satisfied by
// *oidc.Client.
type Exchanger interface {
	AuthorizationURL(meta *oidc.ProviderMetadata, req *oidc.Request) (string, error)
	Exchange(ctx context.Context, meta *oidc.ProviderMetadata, req *oidc.Request, authorizationCode string) (*oidc.TokenSet, error)
	Refresh(ctx context.Context, meta *oidc.ProviderMetadata, refreshToken oidc.RefreshToken) (*oidc.TokenSet, error)
	UserInfo(ctx context.Context, meta *oidc.ProviderMetadata, accessToken oidc.AccessToken) (map[string]interface{}, error)
	LogoutURL(meta *oidc.ProviderMetadata, idToken oidc.IDToken) (string, error)
}

// Result is the outcome of one state machine pass: either an authenticated
// user (claims plus the resident token set) or a redirect the caller must
// issue.
type Result struct {
	// User holds the claims resolved from the userinfo endpoint.  Opaque to
	// this layer.
	User map[string]interface{}

	// Tokens is the resident token set when authenticated.
	Tokens *oidc.TokenSet

	// RedirectTo is non-empty when the caller must redirect: to the
	// provider's authorization endpoint, or back to the captured return
	// target after a successful exchange.
	RedirectTo string
}

// Authenticated is true when the pass resolved a user.
func (r *Result) Authenticated() bool {
	return r != nil && r.User != nil
}

// Flow is the session state machine.  One Flow serves all sessions of one
// configured provider and is safe for concurrent use; all per-session state
// lives in the Store passed to each call.
type Flow struct {
	cfg      Config
	metadata MetadataSource
	client   Exchanger
	logger   hclog.Logger

	// refreshGroup guarantees at most one in-flight refresh per session id.
	refreshGroup singleflight.Group
}

// NewFlow validates the config, applies its defaults and builds the state
// machine.  By default discovery and exchanges go through oidc.Discoverer
// and oidc.Client; WithMetadataSource and WithExchanger substitute them.
func NewFlow(cfg Config, opt ...Option) (*Flow, error) {
	const op = "session.NewFlow"
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	cfg = cfg.withDefaults()
	opts := getFlowOpts(opt...)

	f := &Flow{
		cfg:      cfg,
		metadata: opts.withMetadataSource,
		client:   opts.withExchanger,
		logger:   opts.withLogger,
	}
	if f.metadata == nil {
		d, err := oidc.NewDiscoverer(
			oidc.WithProviderCA(opts.withProviderCA),
			oidc.WithLogger(opts.withLogger),
		)
		if err != nil {
			return nil, fmt.Errorf("%s: unable to create discoverer: %w", op, err)
		}
		f.metadata = d
	}
	if f.client == nil {
		clientOpts := []oidc.Option{
			oidc.WithProviderCA(opts.withProviderCA),
			oidc.WithLogger(opts.withLogger),
			oidc.WithScopes(cfg.Scopes...),
		}
		if cfg.Audience != "" {
			clientOpts = append(clientOpts,
				oidc.WithAudiences(cfg.Audience),
				oidc.WithExtraParams(map[string]string{"audience": cfg.Audience}),
			)
		}
		if cfg.OfflineAccess {
			clientOpts = append(clientOpts, oidc.WithOfflineAccess())
		}
		if len(opts.withSupportedAlgs) > 0 {
			clientOpts = append(clientOpts, oidc.WithSupportedAlgs(opts.withSupportedAlgs...))
		}
		c, err := oidc.NewClient(cfg.ClientID, cfg.RedirectURI, clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("%s: unable to create client: %w", op, err)
		}
		f.client = c
	}
	return f, nil
}

// Store binds a CookieStore for one request/response pair, configured per
// this Flow's Config.
func (f *Flow) Store(w http.ResponseWriter, r *http.Request) (Store, error) {
	return NewCookieStore(&f.cfg, w, r)
}

// Authenticate runs one full pass of the state machine for the request at
// current:
//
//  1. Provider metadata is resolved (discovery is fetched at most once per
//     authority for the process; its failure is fatal to the pass).
//  2. The resident token set is loaded from the store.
//  3. An expired token set is refreshed before anything else.  Refreshes
//     for the same session id coalesce, and a failed refresh purges the
//     local token state and falls through to a fresh login.
//  4. With a live token set the user is resolved from the userinfo
//     endpoint; success is terminal for the pass.  A userinfo failure is
//     soft: purge and fall through.
//  5. A callback request (code parameter present) is exchanged via
//     Callback; terminal.
//  6. Otherwise the current URL is captured as the return target and the
//     result carries a fresh authorization redirect.
func (f *Flow) Authenticate(ctx context.Context, store Store, current *url.URL) (*Result, error) {
	const op = "Flow.Authenticate"
	if store == nil {
		return nil, fmt.Errorf("%s: store is nil: %w", op, oidc.ErrNilParameter)
	}
	if current == nil {
		return nil, fmt.Errorf("%s: current URL is nil: %w", op, oidc.ErrNilParameter)
	}
	meta, err := f.metadata.Metadata(ctx, f.cfg.Authority)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	ts, err := store.LoadTokens()
	if err != nil {
		f.logger.Warn("unable to load resident tokens", "error", err)
		ts = nil
	}
	if ts != nil && ts.IsExpired() {
		refreshed, err := f.refresh(ctx, meta, store)
		if err != nil {
			f.logger.Debug("refresh failed, forcing a fresh login", "session", store.ID(), "error", err)
			_ = store.ClearTokens()
			ts = nil
		} else {
			ts = refreshed
		}
	}
	if ts != nil {
		claims, err := f.client.UserInfo(ctx, meta, ts.AccessToken)
		if err == nil {
			return &Result{User: claims, Tokens: ts}, nil
		}
		f.logger.Debug("userinfo failed, forcing a fresh login", "session", store.ID(), "error", err)
		_ = store.ClearTokens()
	}

	q := current.Query()
	if code := q.Get("code"); code != "" {
		return f.Callback(ctx, store, code, q.Get("state"))
	}
	return f.Begin(ctx, store, current.RequestURI())
}

// Begin captures returnTo, binds a fresh authorization request (state,
// nonce, PKCE pair) to the session and returns the provider redirect.  An
// empty returnTo falls back to the configured default.
func (f *Flow) Begin(ctx context.Context, store Store, returnTo string) (*Result, error) {
	const op = "Flow.Begin"
	if store == nil {
		return nil, fmt.Errorf("%s: store is nil: %w", op, oidc.ErrNilParameter)
	}
	meta, err := f.metadata.Metadata(ctx, f.cfg.Authority)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if returnTo == "" {
		returnTo = f.cfg.DefaultReturnTo
	}

	req, err := oidc.NewRequest(f.cfg.RequestExpiry, returnTo)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create authorization request: %w", op, err)
	}
	if err := store.SaveRequestState(req); err != nil {
		return nil, fmt.Errorf("%s: unable to persist authorization request: %w", op, err)
	}
	if err := store.SaveReturnTo(returnTo); err != nil {
		return nil, fmt.Errorf("%s: unable to persist return target: %w", op, err)
	}

	u, err := f.client.AuthorizationURL(meta, req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	f.logger.Debug("starting authorization redirect", "session", store.ID(), "state", req.State())
	return &Result{RedirectTo: u}, nil
}

// Callback consumes the provider's redirect back: it rehydrates the bound
// authorization request, checks the echoed state and exchanges the code.
// The stored request state is cleared whether the exchange succeeds or
// fails; a callback with no bound request fails with
// oidc.ErrMissingVerifier (a 400-class client error, typically a stale or
// duplicate callback).  On success the tokens are persisted and the return
// target is consumed exactly once.
func (f *Flow) Callback(ctx context.Context, store Store, code, state string) (*Result, error) {
	const op = "Flow.Callback"
	if store == nil {
		return nil, fmt.Errorf("%s: store is nil: %w", op, oidc.ErrNilParameter)
	}
	if code == "" {
		return nil, fmt.Errorf("%s: authorization code is empty: %w", op, oidc.ErrInvalidParameter)
	}
	meta, err := f.metadata.Metadata(ctx, f.cfg.Authority)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	req, err := store.LoadRequestState()
	if err != nil {
		return nil, fmt.Errorf("%s: unable to load authorization request: %w", op, err)
	}
	if req == nil {
		return nil, fmt.Errorf("%s: no authorization request bound to this callback: %w", op, oidc.ErrMissingVerifier)
	}
	defer func() {
		_ = store.ClearRequestState()
	}()
	if state != req.State() {
		return nil, fmt.Errorf("%s: callback state does not match the bound request: %w", op, oidc.ErrResponseStateInvalid)
	}

	ts, err := f.client.Exchange(ctx, meta, req, code)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := store.SaveTokens(ts); err != nil {
		return nil, fmt.Errorf("%s: unable to persist tokens: %w", op, err)
	}

	returnTo, err := store.LoadReturnTo()
	if err != nil {
		f.logger.Warn("unable to load return target", "error", err)
	}
	_ = store.ClearReturnTo()
	if returnTo == "" {
		returnTo = f.cfg.DefaultReturnTo
	}
	f.logger.Debug("authorization code exchanged", "session", store.ID())
	return &Result{Tokens: ts, RedirectTo: returnTo}, nil
}

// Refresh exchanges the session's refresh token for a fresh token set and
// persists it.  Concurrent calls for the same session id share a single
// in-flight exchange; a caller arriving after a refresh completed gets the
// already fresh resident set back instead of refreshing again.
func (f *Flow) Refresh(ctx context.Context, store Store) (*oidc.TokenSet, error) {
	const op = "Flow.Refresh"
	if store == nil {
		return nil, fmt.Errorf("%s: store is nil: %w", op, oidc.ErrNilParameter)
	}
	meta, err := f.metadata.Metadata(ctx, f.cfg.Authority)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return f.refresh(ctx, meta, store)
}

func (f *Flow) refresh(ctx context.Context, meta *oidc.ProviderMetadata, store Store) (*oidc.TokenSet, error) {
	const op = "Flow.refresh"
	v, err, _ := f.refreshGroup.Do(store.ID(), func() (interface{}, error) {
		ts, err := store.LoadTokens()
		if err != nil {
			return nil, fmt.Errorf("%s: unable to load resident tokens: %w", op, err)
		}
		if ts == nil {
			return nil, fmt.Errorf("%s: no resident tokens: %w", op, oidc.ErrTokenRefreshFailed)
		}
		if !ts.IsExpired() {
			// a coalesced caller already refreshed
			return ts, nil
		}
		if ts.RefreshToken == "" {
			return nil, fmt.Errorf("%s: no refresh token: %w", op, oidc.ErrTokenRefreshFailed)
		}
		fresh, err := f.client.Refresh(ctx, meta, ts.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if err := store.SaveTokens(fresh); err != nil {
			return nil, fmt.Errorf("%s: unable to persist refreshed tokens: %w", op, err)
		}
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*oidc.TokenSet), nil
}

// Logout purges all local session state and returns the provider's
// end-session URL when one can be built (requires a resident id_token and a
// discovered end_session_endpoint).  The local purge always happens;
// building the provider logout URL is best effort and an empty return means
// the caller should just redirect to its default page.
func (f *Flow) Logout(ctx context.Context, store Store) (string, error) {
	const op = "Flow.Logout"
	if store == nil {
		return "", fmt.Errorf("%s: store is nil: %w", op, oidc.ErrNilParameter)
	}
	ts, err := store.LoadTokens()
	if err != nil {
		f.logger.Warn("unable to load resident tokens", "error", err)
	}
	_ = store.ClearTokens()
	_ = store.ClearRequestState()
	_ = store.ClearReturnTo()

	if ts == nil || ts.IDToken == "" {
		return "", nil
	}
	meta, err := f.metadata.Metadata(ctx, f.cfg.Authority)
	if err != nil {
		f.logger.Debug("discovery failed building logout URL", "error", err)
		return "", nil
	}
	u, err := f.client.LogoutURL(meta, ts.IDToken)
	if err != nil {
		f.logger.Debug("unable to build logout URL", "error", err)
		return "", nil
	}
	return u, nil
}

// flowOptions is the set of available options for session.NewFlow
type flowOptions struct {
	withLogger         hclog.Logger
	withMetadataSource MetadataSource
	withExchanger      Exchanger
	withProviderCA     string
	withSupportedAlgs  []oidc.Alg
}

// Option configures NewFlow.
type Option func(*flowOptions)

func flowDefaults() flowOptions {
	return flowOptions{
		withLogger: hclog.NewNullLogger(),
	}
}

func getFlowOpts(opt ...Option) flowOptions {
	opts := flowDefaults()
	for _, o := range opt {
		o(&opts)
	}
	return opts
}

// WithLogger provides an optional logger.
func WithLogger(l hclog.Logger) Option {
	return func(o *flowOptions) {
		if l != nil {
			o.withLogger = l
		}
	}
}

// WithMetadataSource substitutes the discovery client.
func WithMetadataSource(m MetadataSource) Option {
	return func(o *flowOptions) {
		o.withMetadataSource = m
	}
}

// WithExchanger substitutes the exchange client.
func WithExchanger(e Exchanger) Option {
	return func(o *flowOptions) {
		o.withExchanger = e
	}
}

// WithProviderCA provides an optional CA PEM for the provider's TLS
// endpoints.
func WithProviderCA(pem string) Option {
	return func(o *flowOptions) {
		o.withProviderCA = pem
	}
}

// WithSupportedAlgs provides an optional list of allowed id_token signing
// algorithms for the default exchange client.
func WithSupportedAlgs(algs ...oidc.Alg) Option {
	return func(o *flowOptions) {
		o.withSupportedAlgs = algs
	}
}
