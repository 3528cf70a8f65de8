package oidc

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"
)

func TestNewClient(t *testing.T) {
	t.Parallel()
	t.Run("valid", func(t *testing.T) {
		require := require.New(t)
		c, err := NewClient("client-id", "https://rp.example.com/callback")
		require.NoError(err)
		require.NotNil(c)
	})
	t.Run("empty-client-id", func(t *testing.T) {
		require := require.New(t)
		_, err := NewClient("", "https://rp.example.com/callback")
		require.Error(err)
		require.True(errors.Is(err, ErrInvalidParameter))
	})
	t.Run("empty-redirect-url", func(t *testing.T) {
		require := require.New(t)
		_, err := NewClient("client-id", "")
		require.Error(err)
		require.True(errors.Is(err, ErrInvalidParameter))
	})
	t.Run("unsupported-alg", func(t *testing.T) {
		require := require.New(t)
		_, err := NewClient("client-id", "https://rp.example.com/callback", WithSupportedAlgs(Alg("HS256")))
		require.Error(err)
		require.True(errors.Is(err, ErrInvalidParameter))
	})
	t.Run("invalid-ca", func(t *testing.T) {
		require := require.New(t)
		_, err := NewClient("client-id", "https://rp.example.com/callback", WithProviderCA("not a pem"))
		require.Error(err)
		require.True(errors.Is(err, ErrInvalidCACert))
	})
}

func TestClient_AuthorizationURL(t *testing.T) {
	t.Parallel()
	meta := &ProviderMetadata{
		Issuer:                "https://issuer.example.com",
		AuthorizationEndpoint: "https://issuer.example.com/auth",
		TokenEndpoint:         "https://issuer.example.com/token",
	}

	t.Run("basics", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		c, err := NewClient("client-id", "https://rp.example.com/callback",
			WithExtraParams(map[string]string{"audience": "https://api.example.com"}))
		require.NoError(err)
		req, err := NewRequest(time.Minute, "/dashboard",
			WithScopes("email"),
			WithUILocales(language.French, language.AmericanEnglish),
		)
		require.NoError(err)

		raw, err := c.AuthorizationURL(meta, req)
		require.NoError(err)

		u, err := url.Parse(raw)
		require.NoError(err)
		assert.Equal("https", u.Scheme)
		assert.Equal("issuer.example.com", u.Host)
		assert.Equal("/auth", u.Path)

		qv := u.Query()
		assert.Equal("code", qv.Get("response_type"))
		assert.Equal("client-id", qv.Get("client_id"))
		assert.Equal("https://rp.example.com/callback", qv.Get("redirect_uri"))
		assert.Equal(req.State(), qv.Get("state"))
		assert.Equal(req.Nonce(), qv.Get("nonce"))
		assert.Equal(req.PKCEVerifier().Challenge(), qv.Get("code_challenge"))
		assert.Equal("S256", qv.Get("code_challenge_method"))
		assert.Equal("openid profile email", qv.Get("scope"))
		assert.Equal("fr en-US", qv.Get("ui_locales"))
		assert.Equal("https://api.example.com", qv.Get("audience"))
	})
	t.Run("offline-access-scope", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		c, err := NewClient("client-id", "https://rp.example.com/callback")
		require.NoError(err)
		req, err := NewRequest(time.Minute, "/", WithOfflineAccess())
		require.NoError(err)
		raw, err := c.AuthorizationURL(meta, req)
		require.NoError(err)
		u, err := url.Parse(raw)
		require.NoError(err)
		assert.Equal("openid profile offline_access", u.Query().Get("scope"))
	})
	t.Run("nil-metadata", func(t *testing.T) {
		require := require.New(t)
		c, err := NewClient("client-id", "https://rp.example.com/callback")
		require.NoError(err)
		req, err := NewRequest(time.Minute, "/")
		require.NoError(err)
		_, err = c.AuthorizationURL(nil, req)
		require.Error(err)
		require.True(errors.Is(err, ErrNilParameter))
	})
	t.Run("missing-verifier", func(t *testing.T) {
		require := require.New(t)
		c, err := NewClient("client-id", "https://rp.example.com/callback")
		require.NoError(err)
		req := &Request{state: "st_1", nonce: "n_1"}
		_, err = c.AuthorizationURL(meta, req)
		require.Error(err)
		require.True(errors.Is(err, ErrMissingVerifier))
	})
	t.Run("state-equals-nonce", func(t *testing.T) {
		require := require.New(t)
		c, err := NewClient("client-id", "https://rp.example.com/callback")
		require.NoError(err)
		v, err := NewCodeVerifier()
		require.NoError(err)
		req := &Request{state: "same", nonce: "same", verifier: v}
		_, err = c.AuthorizationURL(meta, req)
		require.Error(err)
		require.True(errors.Is(err, ErrInvalidParameter))
	})
}

func testClientSetup(t *testing.T) (*TestProvider, *ProviderMetadata, *Client) {
	t.Helper()
	require := require.New(t)
	ctx := context.Background()

	tp := StartTestProvider(t)
	tp.SetClientID("test-rp")

	d, err := NewDiscoverer(WithProviderCA(tp.CACert()))
	require.NoError(err)
	meta, err := d.Metadata(ctx, tp.Addr())
	require.NoError(err)

	c, err := NewClient("test-rp", "https://rp.example.com/callback",
		WithProviderCA(tp.CACert()),
		WithSupportedAlgs(ES256),
	)
	require.NoError(err)
	return tp, meta, c
}

func TestClient_Exchange(t *testing.T) {
	ctx := context.Background()

	t.Run("basics", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp, meta, c := testClientSetup(t)

		req, err := NewRequest(time.Minute, "/dashboard")
		require.NoError(err)
		tp.SetExpectedAuthCode("test-code")
		tp.SetExpectedAuthNonce(req.Nonce())
		tp.SetExpectedCodeChallenge(req.PKCEVerifier().Challenge())

		before := time.Now()
		ts, err := c.Exchange(ctx, meta, req, "test-code")
		require.NoError(err)
		require.NotNil(ts)
		assert.NotEmpty(ts.AccessToken)
		assert.NotEmpty(ts.IDToken)
		assert.Equal(RefreshToken("test-refresh-token"), ts.RefreshToken)

		// expires_at is always derived from expires_in at receipt time
		wantExpiry := before.Add(3600 * time.Second)
		assert.WithinDuration(wantExpiry, ts.ExpiresAt, 5*time.Second)
		assert.False(ts.IsExpired())
	})
	t.Run("missing-verifier", func(t *testing.T) {
		require := require.New(t)
		tp, meta, c := testClientSetup(t)
		req := &Request{state: "st_1", nonce: "n_1", expiration: time.Now().Add(time.Minute)}
		_, err := c.Exchange(ctx, meta, req, "test-code")
		require.Error(err)
		require.True(errors.Is(err, ErrMissingVerifier))
		require.Equal(0, tp.TokenCount())
	})
	t.Run("expired-request", func(t *testing.T) {
		require := require.New(t)
		tp, meta, c := testClientSetup(t)
		req, err := NewRequest(1*time.Nanosecond, "/")
		require.NoError(err)
		_, err = c.Exchange(ctx, meta, req, "test-code")
		require.Error(err)
		require.True(errors.Is(err, ErrExpiredRequest))
		require.Equal(0, tp.TokenCount())
	})
	t.Run("wrong-code", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp, meta, c := testClientSetup(t)
		req, err := NewRequest(time.Minute, "/")
		require.NoError(err)
		tp.SetExpectedAuthCode("test-code")
		_, err = c.Exchange(ctx, meta, req, "not-the-code")
		require.Error(err)
		assert.True(errors.Is(err, ErrTokenExchangeFailed))
		// the provider's response body travels with the error
		assert.Contains(err.Error(), "invalid_grant")
	})
	t.Run("nonce-mismatch", func(t *testing.T) {
		require := require.New(t)
		tp, meta, c := testClientSetup(t)
		req, err := NewRequest(time.Minute, "/")
		require.NoError(err)
		tp.SetExpectedAuthCode("test-code")
		tp.SetExpectedAuthNonce("some-other-nonce")
		tp.SetExpectedCodeChallenge(req.PKCEVerifier().Challenge())
		_, err = c.Exchange(ctx, meta, req, "test-code")
		require.Error(err)
		require.True(errors.Is(err, ErrInvalidNonce))
	})
	t.Run("without-id-token", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp, meta, c := testClientSetup(t)
		req, err := NewRequest(time.Minute, "/")
		require.NoError(err)
		tp.SetExpectedAuthCode("test-code")
		tp.SetExpectedCodeChallenge(req.PKCEVerifier().Challenge())
		tp.OmitIDTokens()
		ts, err := c.Exchange(ctx, meta, req, "test-code")
		require.NoError(err)
		assert.Empty(ts.IDToken)
		assert.NotEmpty(ts.AccessToken)
	})
}

func TestClient_Refresh(t *testing.T) {
	ctx := context.Background()

	t.Run("basics", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		_, meta, c := testClientSetup(t)
		before := time.Now()
		ts, err := c.Refresh(ctx, meta, "test-refresh-token")
		require.NoError(err)
		assert.NotEmpty(ts.AccessToken)
		assert.Equal(RefreshToken("test-refresh-token"), ts.RefreshToken)
		assert.WithinDuration(before.Add(3600*time.Second), ts.ExpiresAt, 5*time.Second)
	})
	t.Run("keeps-old-refresh-token-when-omitted", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp, meta, c := testClientSetup(t)
		tp.OmitRefreshTokens()
		ts, err := c.Refresh(ctx, meta, "test-refresh-token")
		require.NoError(err)
		assert.Equal(RefreshToken("test-refresh-token"), ts.RefreshToken)
	})
	t.Run("rejected-refresh-token", func(t *testing.T) {
		require := require.New(t)
		_, meta, c := testClientSetup(t)
		_, err := c.Refresh(ctx, meta, "revoked-token")
		require.Error(err)
		require.True(errors.Is(err, ErrTokenRefreshFailed))
	})
	t.Run("empty-refresh-token", func(t *testing.T) {
		require := require.New(t)
		_, meta, c := testClientSetup(t)
		_, err := c.Refresh(ctx, meta, "")
		require.Error(err)
		require.True(errors.Is(err, ErrInvalidParameter))
	})
}

func TestClient_UserInfo(t *testing.T) {
	ctx := context.Background()

	t.Run("basics", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp, meta, c := testClientSetup(t)
		claims, err := c.UserInfo(ctx, meta, "opaque-access-token")
		require.NoError(err)
		assert.Equal("alice@example.com", claims["sub"])
		assert.Equal(1, tp.UserInfoCount())
	})
	t.Run("endpoint-failure", func(t *testing.T) {
		require := require.New(t)
		tp, _, c := testClientSetup(t)
		tp.DisableUserInfo()
		meta := &ProviderMetadata{
			Issuer:           tp.Addr(),
			UserinfoEndpoint: tp.Addr() + "/userinfo",
		}
		_, err := c.UserInfo(ctx, meta, "opaque-access-token")
		require.Error(err)
		require.True(errors.Is(err, ErrUserInfoFailed))
	})
	t.Run("empty-access-token", func(t *testing.T) {
		require := require.New(t)
		_, meta, c := testClientSetup(t)
		_, err := c.UserInfo(ctx, meta, "")
		require.Error(err)
		require.True(errors.Is(err, ErrInvalidParameter))
	})
}

func TestClient_LogoutURL(t *testing.T) {
	t.Parallel()
	meta := &ProviderMetadata{
		Issuer:             "https://issuer.example.com",
		EndSessionEndpoint: "https://issuer.example.com/logout",
	}
	c, err := NewClient("client-id", "https://rp.example.com/callback")
	require.NoError(t, err)

	t.Run("basics", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		raw, err := c.LogoutURL(meta, "the-id-token")
		require.NoError(err)
		u, err := url.Parse(raw)
		require.NoError(err)
		assert.Equal("/logout", u.Path)
		assert.Equal("the-id-token", u.Query().Get("id_token_hint"))
	})
	t.Run("missing-id-token", func(t *testing.T) {
		require := require.New(t)
		_, err := c.LogoutURL(meta, "")
		require.Error(err)
		require.True(errors.Is(err, ErrMissingIDToken))
	})
	t.Run("no-end-session-endpoint", func(t *testing.T) {
		require := require.New(t)
		_, err := c.LogoutURL(&ProviderMetadata{}, "the-id-token")
		require.Error(err)
		require.True(errors.Is(err, ErrInvalidParameter))
	})
}
