package oidc

import (
	"errors"
)

var (
	ErrInvalidParameter           = errors.New("invalid parameter")
	ErrNilParameter               = errors.New("nil parameter")
	ErrInvalidCACert              = errors.New("invalid CA certificate")
	ErrIDGeneratorFailed          = errors.New("id generation failed")
	ErrUnsupportedChallengeMethod = errors.New("unsupported challenge method")

	// ErrDiscoveryFailed means the provider's well-known configuration could
	// not be fetched or decoded.  Without discovered endpoints no part of the
	// flow can proceed, so callers should treat it as fatal.
	ErrDiscoveryFailed = errors.New("provider discovery failed")

	// ErrMissingVerifier means a token exchange was attempted without the
	// PKCE verifier that was bound to the authorization attempt.  This is a
	// client/protocol error (stale or duplicate callback) and maps to a
	// 400-class response.
	ErrMissingVerifier = errors.New("missing pkce verifier")

	// ErrExpiredRequest means the stored authorization request outlived its
	// allowed age before the callback arrived.
	ErrExpiredRequest = errors.New("authorization request is expired")

	// ErrResponseStateInvalid means the state echoed by the provider does not
	// match the state bound to the authorization attempt.
	ErrResponseStateInvalid = errors.New("oidc response state is invalid")

	// ErrTokenExchangeFailed and ErrTokenRefreshFailed are terminal for the
	// current session: callers must clear local token state and force a fresh
	// login rather than retry.
	ErrTokenExchangeFailed = errors.New("authorization code exchange failed")
	ErrTokenRefreshFailed  = errors.New("token refresh failed")

	// ErrUserInfoFailed is a soft failure: an invalid or expired access token
	// is a routine condition and callers fall through to a fresh login.
	ErrUserInfoFailed = errors.New("userinfo request failed")

	// ErrTokenVerificationFailed means an inbound token failed signature or
	// claim verification and the request must be rejected.
	ErrTokenVerificationFailed = errors.New("token verification failed")

	ErrMissingIDToken  = errors.New("id_token is missing")
	ErrInvalidNonce    = errors.New("invalid nonce")
	ErrInvalidAudience = errors.New("invalid audience")
	ErrNotFound        = errors.New("not found")
)
