// oidcrp implements the relying-party side of OpenID Connect logins using
// the authorization code flow with PKCE, plus bearer-token verification for
// API routes.
//
// The oidc package is the protocol core: PKCE, provider discovery, the
// authorization request, the token set and the exchange/refresh/userinfo
// client.  The session package layers the browser-facing state machine on
// top: a signed-cookie store for the values that survive the redirect round
// trip, the per-request authentication pass and net/http handlers.  Client
// hosted deployments can pair session.Scheduler with Flow.Refresh to renew
// tokens shortly before Result.Tokens.ExpiresAt instead of on the next
// request.  The
// bearer package gates API routes by verifying inbound tokens against the
// provider's JWKS.
//
// See README.md
package oidcrp
