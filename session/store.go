package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-uuid"

	"oidcrp/oidc"
)

// Cookie names for the three persisted values plus the per-browser session
// id.
const (
	TokensCookie  = "oidcrp-tokens"
	RequestCookie = "oidcrp-request"
	ReturnCookie  = "oidcrp-return"
	SessionCookie = "oidcrp-sid"
)

// Store is the abstraction over persisted, per-browser-session state.  Three
// logical values survive the redirect round trip to the provider and back:
// the token set, the authorization request state (verifier, state, nonce and
// expiration) and the return target.
//
// Load operations report absence as a nil/zero value with no error; an error
// means the store itself failed.  The request state and return target are
// single-use: callers clear them immediately after consumption.
type Store interface {
	// ID returns a stable per-browser-session identifier, suitable for
	// keying in-flight refresh guards and scheduled refreshes.
	ID() string

	LoadTokens() (*oidc.TokenSet, error)
	SaveTokens(*oidc.TokenSet) error
	ClearTokens() error

	LoadRequestState() (*oidc.Request, error)
	SaveRequestState(*oidc.Request) error
	ClearRequestState() error

	LoadReturnTo() (string, error)
	SaveReturnTo(string) error
	ClearReturnTo() error
}

// CookieStore is a per-request Store over signed cookies.  Values are opaque
// to the client: base64url JSON payloads carrying an HMAC-SHA256 signature
// bound to the cookie name, so a payload cannot be replayed under a
// different key.  Tampered or undecodable payloads are treated as absent and
// cleared.
//
// A CookieStore is bound to one request/response pair and is not safe for
// concurrent use.
type CookieStore struct {
	w   http.ResponseWriter
	r   *http.Request
	cfg *Config
	sid string

	// saved overlays cookie values written during this request so later
	// loads in the same pass observe them.
	saved   map[string]string
	cleared map[string]bool
}

// NewCookieStore binds a CookieStore to one request/response pair.  A session
// id cookie is issued if the request doesn't carry one.
func NewCookieStore(cfg *Config, w http.ResponseWriter, r *http.Request) (*CookieStore, error) {
	const op = "session.NewCookieStore"
	if cfg == nil {
		return nil, fmt.Errorf("%s: config is nil: %w", op, oidc.ErrNilParameter)
	}
	if len(cfg.CookieSecret) < minCookieSecretLen {
		return nil, fmt.Errorf("%s: cookie secret is shorter than %d bytes: %w", op, minCookieSecretLen, oidc.ErrInvalidParameter)
	}
	if w == nil || r == nil {
		return nil, fmt.Errorf("%s: response writer or request is nil: %w", op, oidc.ErrNilParameter)
	}
	s := &CookieStore{
		w:       w,
		r:       r,
		cfg:     cfg,
		saved:   map[string]string{},
		cleared: map[string]bool{},
	}

	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		s.sid = c.Value
	} else {
		sid, err := uuid.GenerateUUID()
		if err != nil {
			return nil, fmt.Errorf("%s: unable to generate a session id: %w", op, err)
		}
		s.sid = sid
		s.setCookie(SessionCookie, sid, cfg.TokenMaxAge)
	}
	return s, nil
}

// ID implements Store.
func (s *CookieStore) ID() string { return s.sid }

// tokenPayload is the wire form of a persisted token set.  The oidc token
// types marshal redacted, so the cookie carries plain strings.
type tokenPayload struct {
	AccessToken  string    `json:"at"`
	RefreshToken string    `json:"rt,omitempty"`
	IDToken      string    `json:"idt,omitempty"`
	ExpiresAt    time.Time `json:"exp"`
}

type requestPayload struct {
	State      string    `json:"state"`
	Nonce      string    `json:"nonce"`
	Verifier   string    `json:"verifier"`
	Expiration time.Time `json:"expiration"`
}

type returnPayload struct {
	URL string `json:"url"`
}

// LoadTokens implements Store.
func (s *CookieStore) LoadTokens() (*oidc.TokenSet, error) {
	var p tokenPayload
	ok, err := s.load(TokensCookie, &p)
	if err != nil || !ok {
		return nil, err
	}
	return &oidc.TokenSet{
		AccessToken:  oidc.AccessToken(p.AccessToken),
		RefreshToken: oidc.RefreshToken(p.RefreshToken),
		IDToken:      oidc.IDToken(p.IDToken),
		ExpiresAt:    p.ExpiresAt,
	}, nil
}

// SaveTokens implements Store.
func (s *CookieStore) SaveTokens(ts *oidc.TokenSet) error {
	const op = "CookieStore.SaveTokens"
	if ts == nil {
		return fmt.Errorf("%s: token set is nil: %w", op, oidc.ErrNilParameter)
	}
	return s.save(TokensCookie, &tokenPayload{
		AccessToken:  string(ts.AccessToken),
		RefreshToken: string(ts.RefreshToken),
		IDToken:      string(ts.IDToken),
		ExpiresAt:    ts.ExpiresAt,
	}, s.cfg.TokenMaxAge)
}

// ClearTokens implements Store.
func (s *CookieStore) ClearTokens() error {
	s.clear(TokensCookie)
	return nil
}

// LoadRequestState implements Store.
func (s *CookieStore) LoadRequestState() (*oidc.Request, error) {
	var p requestPayload
	ok, err := s.load(RequestCookie, &p)
	if err != nil || !ok {
		return nil, err
	}
	v, err := oidc.RestoreCodeVerifier(p.Verifier)
	if err != nil {
		s.clear(RequestCookie)
		return nil, nil
	}
	req, err := oidc.RestoreRequest(p.State, p.Nonce, v, p.Expiration, "")
	if err != nil {
		s.clear(RequestCookie)
		return nil, nil
	}
	return req, nil
}

// SaveRequestState implements Store.
func (s *CookieStore) SaveRequestState(req *oidc.Request) error {
	const op = "CookieStore.SaveRequestState"
	if req == nil {
		return fmt.Errorf("%s: request is nil: %w", op, oidc.ErrNilParameter)
	}
	if req.PKCEVerifier() == nil {
		return fmt.Errorf("%s: %w", op, oidc.ErrMissingVerifier)
	}
	return s.save(RequestCookie, &requestPayload{
		State:      req.State(),
		Nonce:      req.Nonce(),
		Verifier:   req.PKCEVerifier().Verifier(),
		Expiration: req.Expiration(),
	}, s.cfg.RequestExpiry)
}

// ClearRequestState implements Store.
func (s *CookieStore) ClearRequestState() error {
	s.clear(RequestCookie)
	return nil
}

// LoadReturnTo implements Store.
func (s *CookieStore) LoadReturnTo() (string, error) {
	var p returnPayload
	ok, err := s.load(ReturnCookie, &p)
	if err != nil || !ok {
		return "", err
	}
	return p.URL, nil
}

// SaveReturnTo implements Store.
func (s *CookieStore) SaveReturnTo(u string) error {
	const op = "CookieStore.SaveReturnTo"
	if u == "" {
		return fmt.Errorf("%s: return target is empty: %w", op, oidc.ErrInvalidParameter)
	}
	return s.save(ReturnCookie, &returnPayload{URL: u}, s.cfg.RequestExpiry)
}

// ClearReturnTo implements Store.
func (s *CookieStore) ClearReturnTo() error {
	s.clear(ReturnCookie)
	return nil
}

// load reads and verifies one named value.  A missing, tampered or
// undecodable cookie reports absent; tampered values are also cleared.
func (s *CookieStore) load(name string, out interface{}) (bool, error) {
	raw, ok := s.rawValue(name)
	if !ok {
		return false, nil
	}
	payload, err := s.verify(name, raw)
	if err != nil {
		s.clear(name)
		return false, nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		s.clear(name)
		return false, nil
	}
	return true, nil
}

func (s *CookieStore) save(name string, in interface{}, maxAge time.Duration) error {
	const op = "CookieStore.save"
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s: unable to marshal %s payload: %w", op, name, err)
	}
	s.setCookie(name, s.sign(name, payload), maxAge)
	return nil
}

func (s *CookieStore) clear(name string) {
	delete(s.saved, name)
	s.cleared[name] = true
	http.SetCookie(s.w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     s.cfg.CookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *CookieStore) rawValue(name string) (string, bool) {
	if v, ok := s.saved[name]; ok {
		return v, true
	}
	if s.cleared[name] {
		return "", false
	}
	c, err := s.r.Cookie(name)
	if err != nil || c.Value == "" {
		return "", false
	}
	return c.Value, true
}

func (s *CookieStore) setCookie(name, value string, maxAge time.Duration) {
	s.saved[name] = value
	delete(s.cleared, name)
	http.SetCookie(s.w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     s.cfg.CookiePath,
		MaxAge:   int(maxAge / time.Second),
		HttpOnly: true,
		Secure:   s.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// sign produces payloadB64 "." macB64 where the mac covers the cookie name
// and the encoded payload.
func (s *CookieStore) sign(name string, payload []byte) string {
	return signValue(s.cfg.CookieSecret, name, payload)
}

func (s *CookieStore) verify(name, value string) ([]byte, error) {
	return verifyValue(s.cfg.CookieSecret, name, value)
}

func signValue(secret, name string, payload []byte) string {
	encoded := base64.RawURLEncoding.EncodeToString(payload)
	mac := macValue(secret, name, encoded)
	return encoded + "." + base64.RawURLEncoding.EncodeToString(mac)
}

func verifyValue(secret, name, value string) ([]byte, error) {
	const op = "session.verifyValue"
	encoded, macB64, found := strings.Cut(value, ".")
	if !found {
		return nil, fmt.Errorf("%s: malformed %s value: %w", op, name, oidc.ErrInvalidParameter)
	}
	got, err := base64.RawURLEncoding.DecodeString(macB64)
	if err != nil {
		return nil, fmt.Errorf("%s: malformed %s signature: %w", op, name, oidc.ErrInvalidParameter)
	}
	if !hmac.Equal(got, macValue(secret, name, encoded)) {
		return nil, fmt.Errorf("%s: %s signature mismatch: %w", op, name, oidc.ErrInvalidParameter)
	}
	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%s: malformed %s payload: %w", op, name, oidc.ErrInvalidParameter)
	}
	return payload, nil
}

func macValue(secret, name, encodedPayload string) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	_, _ = h.Write([]byte(name))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(encodedPayload))
	return h.Sum(nil)
}

// AccessTokenFromRequest reads the resident access token out of the signed
// tokens cookie, without needing a response writer.  It returns "" when the
// cookie is absent or fails verification, which suits bearer-token
// extractors on API routes: the API path shares the browser session's
// login.
func AccessTokenFromRequest(cfg *Config, r *http.Request) string {
	if cfg == nil || r == nil {
		return ""
	}
	c, err := r.Cookie(TokensCookie)
	if err != nil || c.Value == "" {
		return ""
	}
	payload, err := verifyValue(cfg.CookieSecret, TokensCookie, c.Value)
	if err != nil {
		return ""
	}
	var p tokenPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return ""
	}
	return p.AccessToken
}
