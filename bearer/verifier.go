// Package bearer verifies inbound API bearer tokens against the provider's
// published signing keys.  It is independent of the browser login flow: API
// requests carry a token (Authorization header or an extractor-supplied
// source) which is checked for signature and standard claims before any
// protected logic runs.
package bearer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/singleflight"

	"oidcrp/oidc"
)

// DefaultJWKSTTL is how long a fetched key set is served before refetching
// (a Cache-Control max-age on the JWKS response overrides it).
const DefaultJWKSTTL = 5 * time.Minute

// DefaultLeeway absorbs clock skew between the provider and this process
// when checking time claims.
const DefaultLeeway = 30 * time.Second

// Claims is the verified view of a bearer token.  Raw carries every claim
// for callers needing more than the standard set.
type Claims struct {
	Subject   string
	Issuer    string
	Audiences []string
	Scopes    []string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Raw       map[string]interface{}
}

// HasScopes reports whether the claims carry every required scope.
func (c *Claims) HasScopes(required ...string) bool {
	have := make(map[string]struct{}, len(c.Scopes))
	for _, s := range c.Scopes {
		have[s] = struct{}{}
	}
	for _, need := range required {
		if _, ok := have[need]; !ok {
			return false
		}
	}
	return true
}

// MetadataSource provides discovered provider metadata.  Satisfied by
// *oidc.Discoverer.
type MetadataSource interface {
	Metadata(ctx context.Context, authority string) (*oidc.ProviderMetadata, error)
}

// Verifier validates bearer tokens against the JWKS published at the
// authority's discovered jwks_uri.  The key set is cached with a TTL and an
// ETag, concurrent refreshes coalesce, and an unknown kid triggers exactly
// one forced refresh (new keys roll in ahead of the TTL).
//
// A Verifier is safe for concurrent use.
type Verifier struct {
	authority string
	metadata  MetadataSource
	client    *http.Client
	logger    hclog.Logger
	algs      []string
	audiences []string
	leeway    time.Duration
	ttl       time.Duration

	group singleflight.Group
	mu    sync.RWMutex
	cache jwksCache
}

type jwksCache struct {
	set     jose.JSONWebKeySet
	expires time.Time
	etag    string
}

// NewVerifier creates a Verifier for tokens issued by the given authority.
// Supported options: WithHTTPClient, WithProviderCA, WithLogger,
// WithSupportedAlgs, WithAudiences, WithMetadataSource, WithJWKSTTL,
// WithLeeway.
func NewVerifier(authority string, opt ...Option) (*Verifier, error) {
	const op = "bearer.NewVerifier"
	if authority == "" {
		return nil, fmt.Errorf("%s: authority is empty: %w", op, oidc.ErrInvalidParameter)
	}
	opts := getOpts(opt...)

	client := opts.withHTTPClient
	if client == nil {
		var err error
		if client, err = oidc.NewHTTPClient(opts.withProviderCA); err != nil {
			return nil, fmt.Errorf("%s: unable to create http client: %w", op, err)
		}
	}
	metadata := opts.withMetadataSource
	if metadata == nil {
		d, err := oidc.NewDiscoverer(
			oidc.WithHTTPClient(client),
			oidc.WithLogger(opts.withLogger),
		)
		if err != nil {
			return nil, fmt.Errorf("%s: unable to create discoverer: %w", op, err)
		}
		metadata = d
	}
	algs := make([]string, 0, len(opts.withSupportedAlgs))
	for _, a := range opts.withSupportedAlgs {
		algs = append(algs, string(a))
	}
	return &Verifier{
		authority: authority,
		metadata:  metadata,
		client:    client,
		logger:    opts.withLogger,
		algs:      algs,
		audiences: opts.withAudiences,
		leeway:    opts.withLeeway,
		ttl:       opts.withJWKSTTL,
	}, nil
}

// Verify checks the raw token's signature against the provider's keys and
// its standard claims (expiry with leeway, issuer, audience when
// configured).  An empty token is rejected before any network call.  Every
// failure wraps oidc.ErrTokenVerificationFailed: callers respond 401 and
// must never fall through to protected logic.
func (v *Verifier) Verify(ctx context.Context, raw string) (*Claims, error) {
	const op = "Verifier.Verify"
	if raw == "" {
		return nil, fmt.Errorf("%s: token is empty: %w", op, oidc.ErrTokenVerificationFailed)
	}

	meta, err := v.metadata.Metadata(ctx, v.authority)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	set, err := v.keySet(ctx, meta, "")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(v.algs),
		jwt.WithLeeway(v.leeway),
	)
	mc := jwt.MapClaims{}
	tok, err := parser.ParseWithClaims(raw, mc, func(token *jwt.Token) (interface{}, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token header has no kid")
		}
		key := findKey(set, kid)
		if key == nil {
			// the provider may have rolled keys; refresh once
			if fresh, err := v.keySet(ctx, meta, kid); err == nil {
				key = findKey(fresh, kid)
			}
		}
		if key == nil {
			return nil, fmt.Errorf("no signing key for kid %q", kid)
		}
		return key.Key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w (%v)", op, oidc.ErrTokenVerificationFailed, err)
	}
	if !tok.Valid {
		return nil, fmt.Errorf("%s: %w", op, oidc.ErrTokenVerificationFailed)
	}
	claims, err := v.mapClaims(meta, mc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return claims, nil
}

func (v *Verifier) mapClaims(meta *oidc.ProviderMetadata, mc jwt.MapClaims) (*Claims, error) {
	const op = "Verifier.mapClaims"
	raw := make(map[string]interface{}, len(mc))
	for k, val := range mc {
		raw[k] = val
	}

	iss, _ := mc["iss"].(string)
	if iss != meta.Issuer {
		return nil, fmt.Errorf("%s: issuer %q does not match %q: %w", op, iss, meta.Issuer, oidc.ErrTokenVerificationFailed)
	}
	sub, _ := mc["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%s: sub claim is missing: %w", op, oidc.ErrTokenVerificationFailed)
	}
	audiences := normalizeAudience(mc["aud"])
	if len(v.audiences) > 0 && !audienceAllowed(audiences, v.audiences) {
		return nil, fmt.Errorf("%s: %w: %w", op, oidc.ErrInvalidAudience, oidc.ErrTokenVerificationFailed)
	}

	scopeStr, _ := mc["scope"].(string)
	return &Claims{
		Subject:   sub,
		Issuer:    iss,
		Audiences: audiences,
		Scopes:    strings.Fields(scopeStr),
		ExpiresAt: parseUnix(mc["exp"]),
		IssuedAt:  parseUnix(mc["iat"]),
		Raw:       raw,
	}, nil
}

// keySet returns the cached key set, fetching when the cache is cold or
// stale, or when kid names a key the cache doesn't hold.  Concurrent
// fetches coalesce.
func (v *Verifier) keySet(ctx context.Context, meta *oidc.ProviderMetadata, kid string) (jose.JSONWebKeySet, error) {
	const op = "Verifier.keySet"
	v.mu.RLock()
	cache := v.cache
	v.mu.RUnlock()

	if cache.set.Keys != nil && time.Now().Before(cache.expires) && kid == "" {
		return cache.set, nil
	}
	if meta.JWKSURI == "" {
		return jose.JSONWebKeySet{}, fmt.Errorf("%s: jwks_uri is empty: %w", op, oidc.ErrInvalidParameter)
	}

	res, err, _ := v.group.Do("jwks", func() (interface{}, error) {
		// a coalesced waiter may find the cache already fresh
		v.mu.RLock()
		cache := v.cache
		v.mu.RUnlock()
		if cache.set.Keys != nil && time.Now().Before(cache.expires) && (kid == "" || findKey(cache.set, kid) != nil) {
			return cache.set, nil
		}
		return v.fetch(ctx, meta.JWKSURI, cache)
	})
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	return res.(jose.JSONWebKeySet), nil
}

func (v *Verifier) fetch(ctx context.Context, jwksURI string, cache jwksCache) (jose.JSONWebKeySet, error) {
	const op = "Verifier.fetch"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURI, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("%s: unable to create jwks request: %w", op, err)
	}
	if cache.etag != "" {
		req.Header.Set("If-None-Match", cache.etag)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("%s: jwks request failed: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		cache.expires = time.Now().Add(v.ttl)
		v.mu.Lock()
		v.cache = cache
		v.mu.Unlock()
		return cache.set, nil
	}
	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("%s: jwks fetch returned status %d", op, resp.StatusCode)
	}
	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("%s: malformed jwks response: %w", op, err)
	}

	fresh := jwksCache{set: set, etag: resp.Header.Get("ETag")}
	fresh.expires = time.Now().Add(maxAge(resp.Header.Get("Cache-Control"), v.ttl))
	v.mu.Lock()
	v.cache = fresh
	v.mu.Unlock()
	v.logger.Debug("jwks refreshed", "keys", len(set.Keys))
	return set, nil
}

func findKey(set jose.JSONWebKeySet, kid string) *jose.JSONWebKey {
	for _, k := range set.Keys {
		if k.KeyID == kid {
			key := k
			return &key
		}
	}
	return nil
}

func audienceAllowed(aud, expected []string) bool {
	for _, a := range aud {
		for _, e := range expected {
			if a == e {
				return true
			}
		}
	}
	return false
}

func normalizeAudience(val interface{}) []string {
	switch v := val.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []interface{}:
		res := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				res = append(res, s)
			}
		}
		return res
	case []string:
		return v
	default:
		return nil
	}
}

func parseUnix(val interface{}) time.Time {
	switch v := val.(type) {
	case float64:
		return time.Unix(int64(v), 0)
	case json.Number:
		i, _ := v.Int64()
		return time.Unix(i, 0)
	case int64:
		return time.Unix(v, 0)
	default:
		return time.Time{}
	}
}

// maxAge honors a Cache-Control max-age on the JWKS response, falling back
// to the configured TTL.
func maxAge(header string, fallback time.Duration) time.Duration {
	for _, part := range strings.Split(header, ",") {
		k, val, found := strings.Cut(strings.TrimSpace(part), "=")
		if found && strings.EqualFold(k, "max-age") {
			if d, err := time.ParseDuration(val + "s"); err == nil {
				return d
			}
		}
	}
	return fallback
}
