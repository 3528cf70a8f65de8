package oidc

import (
	"fmt"
	"time"

	"golang.org/x/text/language"
)

// Request represents one OIDC authentication attempt for a user.  It binds
// the attempt's state, nonce and PKCE verifier together with the URL the
// user originally asked for (the return target), across the multiple
// interactions needed to complete the flow.  The State() is passed
// throughout the OIDC interactions to uniquely identify the attempt, and the
// State() and Nonce() are never equal.
//
// A Request is single-use: it expires if unconsumed and its verifier must be
// discarded after the token exchange, whether the exchange succeeds or
// fails.
type Request struct {
	state      string
	nonce      string
	verifier   *CodeVerifier
	returnTo   string
	expiration time.Time

	audiences     []string
	scopes        []string
	uiLocales     []language.Tag
	offlineAccess bool

	nowFunc func() time.Time
}

// NewRequest creates a new authentication Request with a generated state,
// nonce and PKCE verifier.  expireIn bounds the lifetime of an unconsumed
// attempt and must be greater than zero.  returnTo is the URL the user
// originally requested, consumed exactly once after a successful exchange.
//
// Supported options: WithNow, WithAudiences, WithScopes, WithUILocales,
// WithOfflineAccess, WithPKCE.
func NewRequest(expireIn time.Duration, returnTo string, opt ...Option) (*Request, error) {
	const op = "oidc.NewRequest"
	if expireIn <= 0 {
		return nil, fmt.Errorf("%s: expireIn not greater than zero: %w", op, ErrInvalidParameter)
	}
	opts := getReqOpts(opt...)

	state, err := NewID(WithPrefix("st"))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to generate a request's state: %w", op, err)
	}
	nonce, err := NewID(WithPrefix("n"))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to generate a request's nonce: %w", op, err)
	}

	verifier := opts.withVerifier
	if verifier == nil {
		if verifier, err = NewCodeVerifier(); err != nil {
			return nil, fmt.Errorf("%s: unable to generate a pkce verifier: %w", op, err)
		}
	}

	return &Request{
		state:         state,
		nonce:         nonce,
		verifier:      verifier,
		returnTo:      returnTo,
		expiration:    opts.withNowFunc().Add(expireIn),
		audiences:     opts.withAudiences,
		scopes:        opts.withScopes,
		uiLocales:     opts.withUILocales,
		offlineAccess: opts.withOfflineAccess,
		nowFunc:       opts.withNowFunc,
	}, nil
}

// RestoreRequest rehydrates a Request that was persisted across the redirect
// round trip to the provider.  The verifier must be the one originally bound
// to the attempt; restoring without one fails with ErrMissingVerifier before
// any exchange can be attempted.
func RestoreRequest(state, nonce string, verifier *CodeVerifier, expiration time.Time, returnTo string) (*Request, error) {
	const op = "oidc.RestoreRequest"
	if state == "" {
		return nil, fmt.Errorf("%s: state is empty: %w", op, ErrInvalidParameter)
	}
	if verifier == nil {
		return nil, fmt.Errorf("%s: %w", op, ErrMissingVerifier)
	}
	return &Request{
		state:      state,
		nonce:      nonce,
		verifier:   verifier,
		returnTo:   returnTo,
		expiration: expiration,
		nowFunc:    time.Now,
	}, nil
}

func (r *Request) State() string                { return r.state }
func (r *Request) Nonce() string                { return r.nonce }
func (r *Request) PKCEVerifier() *CodeVerifier  { return r.verifier }
func (r *Request) ReturnTo() string             { return r.returnTo }
func (r *Request) Expiration() time.Time        { return r.expiration }
func (r *Request) Audiences() []string          { return r.audiences }
func (r *Request) Scopes() []string             { return r.scopes }
func (r *Request) UILocales() []language.Tag    { return r.uiLocales }
func (r *Request) OfflineAccess() bool          { return r.offlineAccess }

// IsExpired returns true if the request has expired.  Supports the
// WithExpirySkew option.
func (r *Request) IsExpired(opt ...Option) bool {
	opts := getReqOpts(opt...)
	now := r.nowFunc
	if now == nil {
		now = time.Now
	}
	return r.expiration.Before(now().Add(opts.withExpirySkew))
}

// reqOptions is the set of available options for Request functions
type reqOptions struct {
	withNowFunc       func() time.Time
	withExpirySkew    time.Duration
	withAudiences     []string
	withScopes        []string
	withUILocales     []language.Tag
	withOfflineAccess bool
	withVerifier      *CodeVerifier
}

// reqDefaults is a handy way to get the defaults at runtime and during unit
// tests.
func reqDefaults() reqOptions {
	return reqOptions{
		withNowFunc: time.Now,
	}
}

// getReqOpts gets the request defaults and applies the opt overrides passed
// in
func getReqOpts(opt ...Option) reqOptions {
	opts := reqDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithAudiences provides an optional list of audiences.
func WithAudiences(auds ...string) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *reqOptions:
			v.withAudiences = auds
		case *clientOptions:
			v.withAudiences = auds
		}
	}
}

// WithScopes provides an optional list of scopes to request beyond the
// defaults (openid profile).
func WithScopes(scopes ...string) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *reqOptions:
			v.withScopes = scopes
		case *clientOptions:
			v.withScopes = scopes
		}
	}
}

// WithUILocales provides an optional list of language tags for the
// provider's ui_locales parameter, ordered by preference.
func WithUILocales(locales ...language.Tag) Option {
	return func(o interface{}) {
		if o, ok := o.(*reqOptions); ok {
			o.withUILocales = locales
		}
	}
}

// WithOfflineAccess requests the offline_access scope so the provider issues
// a refresh token.  Whether it is needed depends on the provider and on the
// deployment, so it is an option rather than a default.
func WithOfflineAccess() Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *reqOptions:
			v.withOfflineAccess = true
		case *clientOptions:
			v.withOfflineAccess = true
		}
	}
}

// WithPKCE provides an optional pre-made code verifier for a Request.
func WithPKCE(v *CodeVerifier) Option {
	return func(o interface{}) {
		if o, ok := o.(*reqOptions); ok {
			o.withVerifier = v
		}
	}
}
