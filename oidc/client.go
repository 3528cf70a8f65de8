package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	goOidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/oauth2"

	"oidcrp/oidc/internal/strutils"
)

// Alg represents asymmetric signing algorithms
type Alg string

const (
	RS256 Alg = "RS256"
	RS384 Alg = "RS384"
	RS512 Alg = "RS512"
	ES256 Alg = "ES256"
	ES384 Alg = "ES384"
	ES512 Alg = "ES512"
	PS256 Alg = "PS256"
	PS384 Alg = "PS384"
	PS512 Alg = "PS512"
	EdDSA Alg = "EdDSA"
)

var supportedAlgorithms = map[Alg]bool{
	RS256: true,
	RS384: true,
	RS512: true,
	ES256: true,
	ES384: true,
	ES512: true,
	PS256: true,
	PS384: true,
	PS512: true,
	EdDSA: true,
}

// defaultScopes are always requested; openid is required for OIDC flows and
// profile is the minimum for a usable userinfo response.
var defaultScopes = []string{goOidc.ScopeOpenID, "profile"}

// Client performs the network legs of the authorization code flow against
// endpoints discovered in a ProviderMetadata: building authorization
// redirects, exchanging codes, refreshing tokens, fetching userinfo claims
// and building logout URLs.
//
// A Client is safe for concurrent use.  ID-token verification keys are
// fetched lazily from the provider's jwks_uri and cached per issuer.
type Client struct {
	clientID      string
	redirectURL   string
	scopes        []string
	audiences     []string
	extraParams   map[string]string
	offlineAccess bool
	supportedAlgs []Alg
	client        *http.Client
	logger        hclog.Logger

	mu        sync.Mutex
	verifiers map[string]*goOidc.IDTokenVerifier
}

// NewClient creates a Client for the relying party identified by clientID.
// redirectURL is the URL the provider redirects back to after the user
// authenticates.  Supported options: WithHTTPClient, WithProviderCA,
// WithLogger, WithScopes, WithAudiences, WithExtraParams, WithOfflineAccess,
// WithSupportedAlgs.
func NewClient(clientID, redirectURL string, opt ...Option) (*Client, error) {
	const op = "oidc.NewClient"
	if clientID == "" {
		return nil, fmt.Errorf("%s: client id is empty: %w", op, ErrInvalidParameter)
	}
	if redirectURL == "" {
		return nil, fmt.Errorf("%s: redirect URL is empty: %w", op, ErrInvalidParameter)
	}
	opts := getClientOpts(opt...)
	for _, a := range opts.withSupportedAlgs {
		if !supportedAlgorithms[a] {
			return nil, fmt.Errorf("%s: unsupported algorithm %s: %w", op, a, ErrInvalidParameter)
		}
	}
	client := opts.withHTTPClient
	if client == nil {
		var err error
		if client, err = NewHTTPClient(opts.withProviderCA); err != nil {
			return nil, fmt.Errorf("%s: unable to create http client: %w", op, err)
		}
	}
	return &Client{
		clientID:      clientID,
		redirectURL:   redirectURL,
		scopes:        opts.withScopes,
		audiences:     opts.withAudiences,
		extraParams:   opts.withExtraParams,
		offlineAccess: opts.withOfflineAccess,
		supportedAlgs: opts.withSupportedAlgs,
		client:        client,
		logger:        opts.withLogger,
		verifiers:     map[string]*goOidc.IDTokenVerifier{},
	}, nil
}

// AuthorizationURL generates the URL which kicks off the authorization code
// flow with the provider, binding the given Request's state, nonce and PKCE
// challenge into it.  Extra parameters configured on the client (for
// example, audience) are appended verbatim.
func (c *Client) AuthorizationURL(meta *ProviderMetadata, req *Request) (string, error) {
	const op = "Client.AuthorizationURL"
	if meta == nil {
		return "", fmt.Errorf("%s: provider metadata is nil: %w", op, ErrNilParameter)
	}
	if req == nil {
		return "", fmt.Errorf("%s: request is nil: %w", op, ErrNilParameter)
	}
	if meta.AuthorizationEndpoint == "" {
		return "", fmt.Errorf("%s: authorization endpoint is empty: %w", op, ErrInvalidParameter)
	}
	if req.State() == req.Nonce() {
		return "", fmt.Errorf("%s: request state and nonce cannot be equal: %w", op, ErrInvalidParameter)
	}
	v := req.PKCEVerifier()
	if v == nil {
		return "", fmt.Errorf("%s: %w", op, ErrMissingVerifier)
	}

	oauthCfg := c.oauthConfig(meta, req)
	authCodeOpts := []oauth2.AuthCodeOption{
		goOidc.Nonce(req.Nonce()),
		oauth2.SetAuthURLParam("code_challenge", v.Challenge()),
		oauth2.SetAuthURLParam("code_challenge_method", string(v.Method())),
	}
	if locales := req.UILocales(); len(locales) > 0 {
		tags := make([]string, 0, len(locales))
		for _, l := range locales {
			tags = append(tags, l.String())
		}
		authCodeOpts = append(authCodeOpts, oauth2.SetAuthURLParam("ui_locales", strings.Join(tags, " ")))
	}
	for k, val := range c.extraParams {
		authCodeOpts = append(authCodeOpts, oauth2.SetAuthURLParam(k, val))
	}
	return oauthCfg.AuthCodeURL(req.State(), authCodeOpts...), nil
}

// Exchange requests a token set from the provider's token endpoint, using
// the authorizationCode received in the callback from an earlier successful
// authorization redirect.
//
// The Request must carry the PKCE verifier originally bound to the attempt:
// a missing verifier fails with ErrMissingVerifier and an expired request
// with ErrExpiredRequest, both before any network call is made.  A non-2xx
// token endpoint response wraps ErrTokenExchangeFailed and carries the
// provider's response body.  When the response includes an id_token it is
// verified (signature, nonce, audience) before the token set is returned.
func (c *Client) Exchange(ctx context.Context, meta *ProviderMetadata, req *Request, authorizationCode string) (*TokenSet, error) {
	const op = "Client.Exchange"
	if meta == nil {
		return nil, fmt.Errorf("%s: provider metadata is nil: %w", op, ErrNilParameter)
	}
	if req == nil {
		return nil, fmt.Errorf("%s: request is nil: %w", op, ErrNilParameter)
	}
	if authorizationCode == "" {
		return nil, fmt.Errorf("%s: authorization code is empty: %w", op, ErrInvalidParameter)
	}
	v := req.PKCEVerifier()
	if v == nil || v.Verifier() == "" {
		return nil, fmt.Errorf("%s: %w", op, ErrMissingVerifier)
	}
	if req.IsExpired() {
		return nil, fmt.Errorf("%s: %w", op, ErrExpiredRequest)
	}

	oidcCtx := HTTPClientContext(ctx, c.client)
	tok, err := c.oauthConfig(meta, req).Exchange(oidcCtx, authorizationCode, oauth2.VerifierOption(v.Verifier()))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, convertTokenError(err, ErrTokenExchangeFailed))
	}

	ts, err := NewTokenSet(tok)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create token set: %w", op, err)
	}
	if ts.IDToken != "" {
		if err := c.verifyIDToken(ctx, meta, string(ts.IDToken), req.Nonce()); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	return ts, nil
}

// Refresh exchanges a refresh token for a fresh token set.  A failure wraps
// ErrTokenRefreshFailed and must be treated as terminal for the current
// session (force a re-login): refresh tokens are typically single-use or
// provider-invalidated on failure, so it is never retried here.
func (c *Client) Refresh(ctx context.Context, meta *ProviderMetadata, refreshToken RefreshToken) (*TokenSet, error) {
	const op = "Client.Refresh"
	if meta == nil {
		return nil, fmt.Errorf("%s: provider metadata is nil: %w", op, ErrNilParameter)
	}
	if refreshToken == "" {
		return nil, fmt.Errorf("%s: refresh token is empty: %w", op, ErrInvalidParameter)
	}

	oidcCtx := HTTPClientContext(ctx, c.client)
	src := c.oauthConfig(meta, nil).TokenSource(oidcCtx, &oauth2.Token{
		RefreshToken: string(refreshToken),
		// an already expired placeholder forces the source to refresh
		Expiry: time.Now().Add(-time.Minute),
	})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, convertTokenError(err, ErrTokenRefreshFailed))
	}

	ts, err := NewTokenSet(tok)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create token set: %w", op, err)
	}
	if ts.RefreshToken == "" {
		// providers that don't rotate refresh tokens omit them from the
		// refresh response
		ts.RefreshToken = refreshToken
	}
	return ts, nil
}

// UserInfo gets the claims from the provider's userinfo endpoint using the
// given access token.  The claims are returned as an opaque map; this layer
// imposes no structure on them.  A non-success status wraps
// ErrUserInfoFailed, which callers should treat as a soft failure: an
// expired or invalid access token is an expected, recoverable condition.
func (c *Client) UserInfo(ctx context.Context, meta *ProviderMetadata, accessToken AccessToken) (map[string]interface{}, error) {
	const op = "Client.UserInfo"
	if meta == nil {
		return nil, fmt.Errorf("%s: provider metadata is nil: %w", op, ErrNilParameter)
	}
	if meta.UserinfoEndpoint == "" {
		return nil, fmt.Errorf("%s: userinfo endpoint is empty: %w", op, ErrInvalidParameter)
	}
	if accessToken == "" {
		return nil, fmt.Errorf("%s: access token is empty: %w", op, ErrInvalidParameter)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, meta.UserinfoEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create userinfo request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+string(accessToken))

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: userinfo request failed: %w (%v)", op, ErrUserInfoFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%s: userinfo returned status %d: %s: %w", op, resp.StatusCode, body, ErrUserInfoFailed)
	}

	var claims map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return nil, fmt.Errorf("%s: malformed userinfo response: %w (%v)", op, ErrUserInfoFailed, err)
	}
	return claims, nil
}

// LogoutURL generates the provider's end-session URL with the id_token_hint
// parameter appended.
func (c *Client) LogoutURL(meta *ProviderMetadata, idToken IDToken) (string, error) {
	const op = "Client.LogoutURL"
	if meta == nil {
		return "", fmt.Errorf("%s: provider metadata is nil: %w", op, ErrNilParameter)
	}
	if meta.EndSessionEndpoint == "" {
		return "", fmt.Errorf("%s: end session endpoint is empty: %w", op, ErrInvalidParameter)
	}
	if idToken == "" {
		return "", fmt.Errorf("%s: %w", op, ErrMissingIDToken)
	}
	u, err := url.Parse(meta.EndSessionEndpoint)
	if err != nil {
		return "", fmt.Errorf("%s: end session endpoint is invalid: %w", op, err)
	}
	q := u.Query()
	q.Set("id_token_hint", string(idToken))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// verifyIDToken verifies the inbound id_token: it's been signed by the
// provider, the nonce matches the request and any configured audiences are
// satisfied.
//
// See: https://openid.net/specs/openid-connect-core-1_0.html#IDTokenValidation
func (c *Client) verifyIDToken(ctx context.Context, meta *ProviderMetadata, rawIDToken string, nonce string) error {
	const op = "Client.verifyIDToken"
	verifier, err := c.idTokenVerifier(meta)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	idToken, err := verifier.Verify(HTTPClientContext(ctx, c.client), rawIDToken)
	if err != nil {
		return fmt.Errorf("%s: invalid id_token signature: %w (%v)", op, ErrTokenVerificationFailed, err)
	}
	if idToken.Nonce != nonce {
		return fmt.Errorf("%s: invalid id_token nonce: %w", op, ErrInvalidNonce)
	}
	if len(c.audiences) > 0 {
		var found bool
		for _, aud := range c.audiences {
			if strutils.StrListContains(idToken.Audience, aud) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%s: invalid id_token audiences: %w", op, ErrInvalidAudience)
		}
	}
	return nil
}

// idTokenVerifier lazily creates one verifier per issuer, each backed by a
// remote key set which caches the provider's JWKS.
func (c *Client) idTokenVerifier(meta *ProviderMetadata) (*goOidc.IDTokenVerifier, error) {
	const op = "Client.idTokenVerifier"
	if meta.JWKSURI == "" {
		return nil, fmt.Errorf("%s: jwks_uri is empty: %w", op, ErrInvalidParameter)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.verifiers[meta.Issuer]; ok {
		return v, nil
	}
	algs := make([]string, 0, len(c.supportedAlgs))
	for _, a := range c.supportedAlgs {
		algs = append(algs, string(a))
	}
	keySet := goOidc.NewRemoteKeySet(HTTPClientContext(context.Background(), c.client), meta.JWKSURI)
	v := goOidc.NewVerifier(meta.Issuer, keySet, &goOidc.Config{
		ClientID:             c.clientID,
		SupportedSigningAlgs: algs,
	})
	c.verifiers[meta.Issuer] = v
	return v, nil
}

// oauthConfig composes the oauth2 config for the discovered endpoints.  The
// client is a public one (PKCE, no secret), so credentials always travel in
// the POST body.
func (c *Client) oauthConfig(meta *ProviderMetadata, req *Request) *oauth2.Config {
	scopes := append([]string{}, defaultScopes...)
	scopes = append(scopes, c.scopes...)
	offline := c.offlineAccess
	if req != nil {
		scopes = append(scopes, req.Scopes()...)
		offline = offline || req.OfflineAccess()
	}
	if offline {
		scopes = append(scopes, "offline_access")
	}
	return &oauth2.Config{
		ClientID:    c.clientID,
		RedirectURL: c.redirectURL,
		Scopes:      strutils.RemoveDuplicatesStable(scopes, false),
		Endpoint: oauth2.Endpoint{
			AuthURL:   meta.AuthorizationEndpoint,
			TokenURL:  meta.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// convertTokenError folds an oauth2 retrieve error into the package's
// taxonomy, preserving the provider's response body.
func convertTokenError(err error, kind error) error {
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) {
		return fmt.Errorf("token endpoint returned status %d: %s: %w", rErr.Response.StatusCode, rErr.Body, kind)
	}
	return fmt.Errorf("%w (%v)", kind, err)
}

// clientOptions is the set of available options for Client functions
type clientOptions struct {
	withHTTPClient    *http.Client
	withProviderCA    string
	withLogger        hclog.Logger
	withScopes        []string
	withAudiences     []string
	withExtraParams   map[string]string
	withOfflineAccess bool
	withSupportedAlgs []Alg
}

// clientDefaults is a handy way to get the defaults at runtime and during
// unit tests.
func clientDefaults() clientOptions {
	return clientOptions{
		withLogger:        hclog.NewNullLogger(),
		withSupportedAlgs: []Alg{RS256},
	}
}

// getClientOpts gets the defaults and applies the opt overrides passed in
func getClientOpts(opt ...Option) clientOptions {
	opts := clientDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithExtraParams provides optional authorization URL query parameters which
// are appended verbatim (for example, audience).
func WithExtraParams(params map[string]string) Option {
	return func(o interface{}) {
		if o, ok := o.(*clientOptions); ok {
			o.withExtraParams = params
		}
	}
}

// WithSupportedAlgs provides an optional list of allowed id_token signing
// algorithms.  RS256 is the default.
func WithSupportedAlgs(algs ...Alg) Option {
	return func(o interface{}) {
		if o, ok := o.(*clientOptions); ok {
			o.withSupportedAlgs = algs
		}
	}
}
