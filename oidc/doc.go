// oidc is a package for writing OIDC relying parties which use the
// authorization code flow with PKCE.
//
// The package's fundamental types:
//
//   - Discoverer: fetches and caches a provider's well-known configuration
//     (endpoints, jwks_uri) at most once per authority for the process.
//
//   - CodeVerifier: a PKCE verifier/challenge pair which binds one
//     authorization request to its eventual token exchange.
//
//   - Request: represents one OIDC authentication attempt.  It binds the
//     state, nonce, PKCE verifier and the URL the user originally asked for,
//     and it expires if the attempt is abandoned.
//
//   - Client: performs the network legs of the flow: building the
//     authorization redirect, exchanging an authorization code for tokens,
//     refreshing tokens, fetching userinfo claims and building the provider
//     logout URL.  ID tokens returned by the provider are verified against
//     the provider's published signing keys.
//
//   - TokenSet: the access/refresh/id tokens from a successful exchange with
//     a derived absolute expiry.  The expiry is always computed locally from
//     expires_in and never trusted from the provider.
//
// The sibling packages build on this one: session implements the
// browser-facing session state machine and store, and bearer verifies inbound
// API bearer tokens against the provider's JWKS.
package oidc
