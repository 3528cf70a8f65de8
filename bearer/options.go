package bearer

import (
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"

	"oidcrp/oidc"
)

// Option configures NewVerifier.
type Option func(*options)

type options struct {
	withHTTPClient     *http.Client
	withProviderCA     string
	withLogger         hclog.Logger
	withSupportedAlgs  []oidc.Alg
	withAudiences      []string
	withMetadataSource MetadataSource
	withJWKSTTL        time.Duration
	withLeeway         time.Duration
}

func defaults() options {
	return options{
		withLogger:        hclog.NewNullLogger(),
		withSupportedAlgs: []oidc.Alg{oidc.RS256},
		withJWKSTTL:       DefaultJWKSTTL,
		withLeeway:        DefaultLeeway,
	}
}

func getOpts(opt ...Option) options {
	opts := defaults()
	for _, o := range opt {
		o(&opts)
	}
	return opts
}

// WithHTTPClient provides an optional http client for JWKS fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.withHTTPClient = c
	}
}

// WithProviderCA provides an optional CA PEM for the provider's TLS
// endpoints.
func WithProviderCA(pem string) Option {
	return func(o *options) {
		o.withProviderCA = pem
	}
}

// WithLogger provides an optional logger.
func WithLogger(l hclog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.withLogger = l
		}
	}
}

// WithSupportedAlgs provides an optional list of allowed signing
// algorithms.  RS256 is the default.
func WithSupportedAlgs(algs ...oidc.Alg) Option {
	return func(o *options) {
		o.withSupportedAlgs = algs
	}
}

// WithAudiences provides an optional list of audiences, at least one of
// which must appear in a verified token's aud claim.
func WithAudiences(auds ...string) Option {
	return func(o *options) {
		o.withAudiences = auds
	}
}

// WithMetadataSource substitutes the discovery client.
func WithMetadataSource(m MetadataSource) Option {
	return func(o *options) {
		o.withMetadataSource = m
	}
}

// WithJWKSTTL provides an optional key set cache lifetime.
func WithJWKSTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.withJWKSTTL = d
		}
	}
}

// WithLeeway provides an optional clock skew allowance for time claims.
func WithLeeway(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.withLeeway = d
		}
	}
}
