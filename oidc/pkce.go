package oidc

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// ChallengeMethod represents PKCE code challenge methods as defined by RFC
// 7636.
type ChallengeMethod string

const (
	// S256 is the SHA-256 based challenge method.  It is the only method
	// supported; the "plain" method defeats the purpose of PKCE.
	S256 ChallengeMethod = "S256"
)

const (
	// verifierLen is the default number of verifier characters.  RFC 7636
	// requires at least 43; drawing 96 bytes keeps plenty of entropy even
	// though the modulo-36 fold below loses a fraction of a bit per byte.
	verifierLen = 96

	// minVerifierLen is the RFC 7636 lower bound.
	minVerifierLen = 43

	base36Alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// CodeVerifier represents an OAuth PKCE code verifier and its derived S256
// challenge.  The verifier is created immediately before building an
// authorization redirect and must be consumed exactly once by the subsequent
// token exchange.
type CodeVerifier struct {
	verifier  string
	challenge string
	method    ChallengeMethod
}

// NewCodeVerifier creates a verifier of cryptographically random characters
// from the base36 alphabet, along with its S256 challenge.  Supported
// options: WithVerifierLength.  Failure to read from the system's secure
// randomness source is an error and the auth flow must not start.
func NewCodeVerifier(opt ...Option) (*CodeVerifier, error) {
	const op = "oidc.NewCodeVerifier"
	opts := getPKCEOpts(opt...)
	if opts.withVerifierLength < minVerifierLen {
		return nil, fmt.Errorf("%s: verifier length must be at least %d characters: %w", op, minVerifierLen, ErrInvalidParameter)
	}
	data := make([]byte, opts.withVerifierLength)
	if _, err := rand.Read(data); err != nil {
		return nil, fmt.Errorf("%s: unable to read random bytes: %w", op, err)
	}
	for i, b := range data {
		data[i] = base36Alphabet[int(b)%len(base36Alphabet)]
	}
	v := &CodeVerifier{
		verifier: string(data),
		method:   S256,
	}
	var err error
	if v.challenge, err = CreateCodeChallenge(S256, v); err != nil {
		return nil, fmt.Errorf("%s: unable to create code challenge: %w", op, err)
	}
	return v, nil
}

// RestoreCodeVerifier rehydrates a verifier that was persisted across the
// authorization redirect round trip, re-deriving its challenge.
func RestoreCodeVerifier(verifier string) (*CodeVerifier, error) {
	const op = "oidc.RestoreCodeVerifier"
	if verifier == "" {
		return nil, fmt.Errorf("%s: verifier is empty: %w", op, ErrMissingVerifier)
	}
	v := &CodeVerifier{
		verifier: verifier,
		method:   S256,
	}
	var err error
	if v.challenge, err = CreateCodeChallenge(S256, v); err != nil {
		return nil, fmt.Errorf("%s: unable to create code challenge: %w", op, err)
	}
	return v, nil
}

// CreateCodeChallenge derives a challenge from the verifier using the given
// method.  Only the S256 method is supported: the SHA-256 digest of the
// verifier's ASCII bytes, base64url encoded without padding.
func CreateCodeChallenge(method ChallengeMethod, v *CodeVerifier) (string, error) {
	const op = "oidc.CreateCodeChallenge"
	if v == nil {
		return "", fmt.Errorf("%s: code verifier is nil: %w", op, ErrNilParameter)
	}
	if method != S256 {
		return "", fmt.Errorf("%s: %q is not supported: %w", op, method, ErrUnsupportedChallengeMethod)
	}
	sum := sha256.Sum256([]byte(v.verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

func (v *CodeVerifier) Verifier() string        { return v.verifier }
func (v *CodeVerifier) Challenge() string       { return v.challenge }
func (v *CodeVerifier) Method() ChallengeMethod { return v.method }

// Copy returns a copy of the verifier
func (v *CodeVerifier) Copy() *CodeVerifier {
	return &CodeVerifier{
		verifier:  v.verifier,
		challenge: v.challenge,
		method:    v.method,
	}
}

// pkceOptions is the set of available options for CodeVerifier functions
type pkceOptions struct {
	withVerifierLength int
}

// pkceDefaults is a handy way to get the defaults at runtime and during unit
// tests.
func pkceDefaults() pkceOptions {
	return pkceOptions{
		withVerifierLength: verifierLen,
	}
}

// getPKCEOpts gets the defaults and applies the opt overrides passed in
func getPKCEOpts(opt ...Option) pkceOptions {
	opts := pkceDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithVerifierLength provides an optional verifier length (minimum 43
// characters) for NewCodeVerifier.
func WithVerifierLength(l int) Option {
	return func(o interface{}) {
		if o, ok := o.(*pkceOptions); ok {
			o.withVerifierLength = l
		}
	}
}
