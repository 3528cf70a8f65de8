package session

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
)

const (
	// DefaultRequestExpiry bounds the lifetime of an unconsumed authorization
	// attempt.  An abandoned login's verifier and return target must not
	// linger indefinitely.
	DefaultRequestExpiry = 10 * time.Minute

	// DefaultTokenMaxAge is how long the persisted token set survives in the
	// browser.  It represents the user's durable login state, so it gets the
	// provider session lifetime rather than a browser-session cookie.
	DefaultTokenMaxAge = 365 * 24 * time.Hour

	// minCookieSecretLen is the minimum byte length accepted for the cookie
	// signing secret (the HMAC-SHA256 block size is 64; 32 is the digest
	// size and the usual floor).
	minCookieSecretLen = 32
)

// Config holds everything needed to run the relying-party login flow for one
// provider.  Zero values for the optional fields get defaults applied by
// NewFlow.
type Config struct {
	// Authority is the provider's issuer URL, used for discovery.
	Authority string

	// ClientID is the relying party's registered client identifier.
	ClientID string

	// RedirectURI is the registered callback URL the provider redirects back
	// to with an authorization code.
	RedirectURI string

	// Audience is an optional audience to request (sent verbatim as the
	// audience authorization parameter) and to accept in id_tokens.
	Audience string

	// Scopes are requested in addition to the defaults (openid profile).
	Scopes []string

	// OfflineAccess requests the offline_access scope so the provider issues
	// refresh tokens.  Provider-dependent, so it's opt-in rather than a
	// default.
	OfflineAccess bool

	// RequestExpiry bounds how long an unconsumed authorization attempt
	// remains valid.  Defaults to DefaultRequestExpiry.
	RequestExpiry time.Duration

	// TokenMaxAge is the max-age of the persisted token set.  Defaults to
	// DefaultTokenMaxAge.
	TokenMaxAge time.Duration

	// CookieSecret signs every persisted value.  Must be at least 32 bytes.
	CookieSecret string

	// CookieSecure marks persisted values Secure (HTTPS only).
	CookieSecure bool

	// CookiePath scopes persisted values.  Defaults to "/".
	CookiePath string

	// DefaultReturnTo is where users land after login or logout when no
	// return target was captured.  Defaults to "/".
	DefaultReturnTo string
}

// Validate reports every problem with the configuration, not just the first
// one found.
func (c *Config) Validate() error {
	const op = "session.(Config).Validate"
	var result *multierror.Error
	if c.Authority == "" {
		result = multierror.Append(result, fmt.Errorf("%s: authority is empty", op))
	}
	if c.ClientID == "" {
		result = multierror.Append(result, fmt.Errorf("%s: client id is empty", op))
	}
	if c.RedirectURI == "" {
		result = multierror.Append(result, fmt.Errorf("%s: redirect URI is empty", op))
	}
	if len(c.CookieSecret) < minCookieSecretLen {
		result = multierror.Append(result, fmt.Errorf("%s: cookie secret is shorter than %d bytes", op, minCookieSecretLen))
	}
	if c.RequestExpiry < 0 {
		result = multierror.Append(result, fmt.Errorf("%s: request expiry is negative", op))
	}
	return result.ErrorOrNil()
}

// withDefaults returns a copy with the optional fields defaulted.
func (c Config) withDefaults() Config {
	if c.RequestExpiry == 0 {
		c.RequestExpiry = DefaultRequestExpiry
	}
	if c.TokenMaxAge == 0 {
		c.TokenMaxAge = DefaultTokenMaxAge
	}
	if c.CookiePath == "" {
		c.CookiePath = "/"
	}
	if c.DefaultReturnTo == "" {
		c.DefaultReturnTo = "/"
	}
	return c
}
