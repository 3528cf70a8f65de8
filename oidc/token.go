package oidc

import (
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// TokenSet holds the tokens from a successful authorization code exchange or
// refresh.  ExpiresAt is always derived locally from the provider's
// expires_in (issue time + expires_in seconds); a provider-supplied absolute
// expiry is never trusted.
//
// A TokenSet is mutated only by the initial exchange and by a refresh
// exchange.  It is destroyed on logout, on an irrecoverable refresh failure,
// and when a persisted copy fails verification on load.
type TokenSet struct {
	AccessToken  AccessToken
	RefreshToken RefreshToken
	IDToken      IDToken
	ExpiresAt    time.Time
}

// NewTokenSet creates a TokenSet from an oauth2 token.  The oauth2 package
// computes Expiry from the token endpoint's expires_in, which is exactly the
// derived absolute expiry this type requires.
func NewTokenSet(t *oauth2.Token) (*TokenSet, error) {
	const op = "oidc.NewTokenSet"
	if t == nil {
		return nil, fmt.Errorf("%s: token is nil: %w", op, ErrNilParameter)
	}
	if t.AccessToken == "" {
		return nil, fmt.Errorf("%s: access_token is empty: %w", op, ErrInvalidParameter)
	}
	ts := &TokenSet{
		AccessToken:  AccessToken(t.AccessToken),
		RefreshToken: RefreshToken(t.RefreshToken),
		ExpiresAt:    t.Expiry,
	}
	if idToken, ok := t.Extra("id_token").(string); ok {
		ts.IDToken = IDToken(idToken)
	}
	return ts, nil
}

// IsExpired returns true if the token set's derived expiry is strictly
// before the current time; a token expiring at exactly the current instant
// is not yet expired.  A zero ExpiresAt means the provider did not report a
// lifetime and the token set never expires locally.  Supports the
// WithExpirySkew and WithNow options.
func (t *TokenSet) IsExpired(opt ...Option) bool {
	if t == nil || t.ExpiresAt.IsZero() {
		return false
	}
	opts := getTokenOpts(opt...)
	return t.ExpiresAt.Round(0).Before(opts.withNowFunc().Add(opts.withExpirySkew))
}

// Valid returns true if the token set has an access token which has not
// expired.
func (t *TokenSet) Valid() bool {
	if t == nil || t.AccessToken == "" {
		return false
	}
	return !t.IsExpired()
}

// tokenOptions is the set of available options for TokenSet functions
type tokenOptions struct {
	withExpirySkew time.Duration
	withNowFunc    func() time.Time
}

// tokenDefaults is a handy way to get the defaults at runtime and during unit
// tests.
func tokenDefaults() tokenOptions {
	return tokenOptions{
		withExpirySkew: 0,
		withNowFunc:    time.Now,
	}
}

// getTokenOpts gets the token defaults and applies the opt overrides passed
// in
func getTokenOpts(opt ...Option) tokenOptions {
	opts := tokenDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}
