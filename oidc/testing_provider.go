package oidc

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/go-jose/go-jose/v3/jwt"
	"github.com/stretchr/testify/require"
)

// TestProvider is a local server that supports test provider capabilities
// which make writing relying-party tests much easier: a discovery document,
// an authorization endpoint, a token endpoint supporting both the
// authorization_code (with PKCE checking) and refresh_token grants, a JWKS
// endpoint and a userinfo endpoint.  Endpoint hit counters allow asserting
// fetch-once caching behavior.
type TestProvider struct {
	httpServer *httptest.Server
	caCert     string

	keyID      string
	pubKey     string
	privKey    string
	jwks       *jose.JSONWebKeySet

	mu                    sync.Mutex
	clientID              string
	expectedAuthCode      string
	expectedAuthNonce     string
	expectedCodeChallenge string
	expectedRefreshToken  string
	replyExpiresIn        int
	replySubject          string
	replyUserinfo         map[string]interface{}
	customClaims          map[string]interface{}
	omitIDToken           bool
	omitRefreshToken      bool
	disableUserInfo       bool

	discoveryCount int
	jwksCount      int
	tokenCount     int
	userinfoCount  int

	t *testing.T
}

// StartTestProvider creates and starts a disposable TestProvider over TLS.
// The server is stopped via t.Cleanup.
func StartTestProvider(t *testing.T) *TestProvider {
	t.Helper()
	require := require.New(t)

	p := &TestProvider{
		t:                    t,
		keyID:                "test-key-1",
		replyExpiresIn:       3600,
		expectedRefreshToken: "test-refresh-token",
		replySubject:         "alice@example.com",
		replyUserinfo: map[string]interface{}{
			"sub":   "alice@example.com",
			"name":  "Alice Example",
			"email": "alice@example.com",
		},
	}
	p.pubKey, p.privKey = TestGenerateKeys(t)

	block, _ := pem.Decode([]byte(p.pubKey))
	require.NotNil(block)
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	require.NoError(err)
	p.jwks = &jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{
			{Key: pub, KeyID: p.keyID, Use: "sig", Algorithm: string(jose.ES256)},
		},
	}

	p.httpServer = httptest.NewTLSServer(p)
	t.Cleanup(p.httpServer.Close)

	cert := p.httpServer.Certificate()
	p.caCert = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}))

	return p
}

// Stop stops the running TestProvider.
func (p *TestProvider) Stop() { p.httpServer.Close() }

// Addr returns the current base URL for the test provider's running
// webserver, which doubles as its issuer.
func (p *TestProvider) Addr() string { return p.httpServer.URL }

// CACert returns the pem-encoded CA certificate used by the test provider's
// HTTPS server.
func (p *TestProvider) CACert() string { return p.caCert }

// SigningKeys returns the test provider's pem-encoded keys used to sign
// JWTs, along with the key id published in its JWKS.
func (p *TestProvider) SigningKeys() (pub, priv, keyID string) {
	return p.pubKey, p.privKey, p.keyID
}

// SetClientID configures the client id embedded as the audience of issued
// tokens.
func (p *TestProvider) SetClientID(clientID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clientID = clientID
}

// SetExpectedAuthCode configures the auth code returned from /auth and the
// only code /token will accept.
func (p *TestProvider) SetExpectedAuthCode(code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedAuthCode = code
}

// SetExpectedAuthNonce configures the nonce claim embedded in issued id
// tokens.
func (p *TestProvider) SetExpectedAuthNonce(nonce string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedAuthNonce = nonce
}

// SetExpectedCodeChallenge makes the token endpoint require that the S256
// digest of the submitted code_verifier matches the given challenge.
func (p *TestProvider) SetExpectedCodeChallenge(challenge string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedCodeChallenge = challenge
}

// SetExpectedRefreshToken configures the only refresh token the token
// endpoint's refresh_token grant will accept.  An empty value makes every
// refresh fail.
func (p *TestProvider) SetExpectedRefreshToken(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedRefreshToken = token
}

// SetReplyExpiresIn configures the expires_in seconds of token responses.
func (p *TestProvider) SetReplyExpiresIn(seconds int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replyExpiresIn = seconds
}

// SetCustomClaims lets you set claims to merge into issued id tokens.
func (p *TestProvider) SetCustomClaims(claims map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.customClaims = claims
}

// OmitIDTokens forces token responses without an id_token.
func (p *TestProvider) OmitIDTokens() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitIDToken = true
}

// OmitRefreshTokens forces token responses without a refresh_token.
func (p *TestProvider) OmitRefreshTokens() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitRefreshToken = true
}

// DisableUserInfo makes the userinfo endpoint return 404 and omits it from
// the discovery document.
func (p *TestProvider) DisableUserInfo() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disableUserInfo = true
}

// DiscoveryCount returns how many times the discovery document was fetched.
func (p *TestProvider) DiscoveryCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.discoveryCount
}

// JWKSCount returns how many times the JWKS endpoint was fetched.
func (p *TestProvider) JWKSCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.jwksCount
}

// TokenCount returns how many token endpoint requests were handled.
func (p *TestProvider) TokenCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokenCount
}

// UserInfoCount returns how many userinfo requests were handled.
func (p *TestProvider) UserInfoCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.userinfoCount
}

func (p *TestProvider) writeJSON(w http.ResponseWriter, out interface{}) {
	p.t.Helper()
	require.NoError(p.t, json.NewEncoder(w).Encode(out))
}

func (p *TestProvider) writeTokenError(w http.ResponseWriter, statusCode int, errorCode, errorMessage string) {
	body := struct {
		Code string `json:"error"`
		Desc string `json:"error_description,omitempty"`
	}{
		Code: errorCode,
		Desc: errorMessage,
	}
	w.WriteHeader(statusCode)
	p.writeJSON(w, &body)
}

// ServeHTTP implements the test provider's http.Handler.
func (p *TestProvider) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.t.Helper()

	w.Header().Set("Content-Type", "application/json")

	switch req.URL.Path {
	case "/.well-known/openid-configuration":
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		p.discoveryCount++
		reply := ProviderMetadata{
			Issuer:                p.Addr(),
			AuthorizationEndpoint: p.Addr() + "/auth",
			TokenEndpoint:         p.Addr() + "/token",
			UserinfoEndpoint:      p.Addr() + "/userinfo",
			EndSessionEndpoint:    p.Addr() + "/logout",
			JWKSURI:               p.Addr() + "/certs",
		}
		if p.disableUserInfo {
			reply.UserinfoEndpoint = ""
		}
		p.writeJSON(w, &reply)

	case "/auth":
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		qv := req.URL.Query()
		redirectURI := qv.Get("redirect_uri")
		switch {
		case qv.Get("response_type") != "code",
			qv.Get("code_challenge") == "",
			qv.Get("code_challenge_method") != "S256",
			qv.Get("state") == "",
			redirectURI == "":
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		redirectURI += "?state=" + url.QueryEscape(qv.Get("state")) +
			"&code=" + url.QueryEscape(p.expectedAuthCode)
		http.Redirect(w, req, redirectURI, http.StatusFound)

	case "/certs":
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		p.jwksCount++
		p.writeJSON(w, p.jwks)

	case "/token":
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		p.tokenCount++
		switch req.FormValue("grant_type") {
		case "authorization_code":
			if req.FormValue("code") != p.expectedAuthCode {
				p.writeTokenError(w, http.StatusUnauthorized, "invalid_grant", "unexpected auth code")
				return
			}
			if p.expectedCodeChallenge != "" {
				sum := sha256.Sum256([]byte(req.FormValue("code_verifier")))
				if base64.RawURLEncoding.EncodeToString(sum[:]) != p.expectedCodeChallenge {
					p.writeTokenError(w, http.StatusBadRequest, "invalid_grant", "code_verifier does not match challenge")
					return
				}
			}
			p.writeTokenReply(w)
		case "refresh_token":
			if p.expectedRefreshToken == "" || req.FormValue("refresh_token") != p.expectedRefreshToken {
				p.writeTokenError(w, http.StatusUnauthorized, "invalid_grant", "unexpected refresh token")
				return
			}
			p.writeTokenReply(w)
		default:
			p.writeTokenError(w, http.StatusBadRequest, "invalid_request", "bad grant_type")
		}

	case "/userinfo":
		if p.disableUserInfo {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		p.userinfoCount++
		if req.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		p.writeJSON(w, p.replyUserinfo)

	case "/logout":
		w.WriteHeader(http.StatusOK)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// writeTokenReply must be called with p.mu held.
func (p *TestProvider) writeTokenReply(w http.ResponseWriter) {
	now := time.Now()
	stdClaims := jwt.Claims{
		Subject:   p.replySubject,
		Issuer:    p.Addr(),
		NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
		IssuedAt:  jwt.NewNumericDate(now),
		Expiry:    jwt.NewNumericDate(now.Add(time.Duration(p.replyExpiresIn) * time.Second)),
		Audience:  jwt.Audience{p.clientID},
	}
	privateClaims := map[string]interface{}{}
	for k, v := range p.customClaims {
		privateClaims[k] = v
	}
	if p.expectedAuthNonce != "" {
		privateClaims["nonce"] = p.expectedAuthNonce
	}
	jwtData := TestSignJWT(p.t, p.privKey, p.keyID, stdClaims, privateClaims)

	reply := struct {
		AccessToken  string `json:"access_token"`
		IDToken      string `json:"id_token,omitempty"`
		RefreshToken string `json:"refresh_token,omitempty"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int    `json:"expires_in"`
	}{
		AccessToken:  jwtData,
		IDToken:      jwtData,
		RefreshToken: p.expectedRefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    p.replyExpiresIn,
	}
	if p.omitIDToken {
		reply.IDToken = ""
	}
	if p.omitRefreshToken {
		reply.RefreshToken = ""
	}
	p.writeJSON(w, &reply)
}
