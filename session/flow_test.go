package session

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oidcrp/oidc"
)

// fakeStore is an in-memory Store for exercising the state machine without
// cookies.
type fakeStore struct {
	mu       sync.Mutex
	id       string
	tokens   *oidc.TokenSet
	request  *oidc.Request
	returnTo string
}

func newFakeStore() *fakeStore { return &fakeStore{id: "session-1"} }

func (s *fakeStore) ID() string { return s.id }

func (s *fakeStore) LoadTokens() (*oidc.TokenSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens, nil
}
func (s *fakeStore) SaveTokens(ts *oidc.TokenSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = ts
	return nil
}
func (s *fakeStore) ClearTokens() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = nil
	return nil
}
func (s *fakeStore) LoadRequestState() (*oidc.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.request, nil
}
func (s *fakeStore) SaveRequestState(req *oidc.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.request = req
	return nil
}
func (s *fakeStore) ClearRequestState() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.request = nil
	return nil
}
func (s *fakeStore) LoadReturnTo() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.returnTo, nil
}
func (s *fakeStore) SaveReturnTo(u string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.returnTo = u
	return nil
}
func (s *fakeStore) ClearReturnTo() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.returnTo = ""
	return nil
}

// fakeExchanger records the order of network legs and lets tests force
// failures.
type fakeExchanger struct {
	mu                sync.Mutex
	calls             []string
	refreshCount      int
	refreshDelay      time.Duration
	refreshErr        error
	exchangeErr       error
	userInfoErr       error
	lastUserInfoToken oidc.AccessToken
}

func (f *fakeExchanger) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeExchanger) AuthorizationURL(meta *oidc.ProviderMetadata, req *oidc.Request) (string, error) {
	f.record("authorize")
	return fmt.Sprintf("%s?state=%s&code_challenge=%s&code_challenge_method=%s",
		meta.AuthorizationEndpoint, req.State(), req.PKCEVerifier().Challenge(), req.PKCEVerifier().Method()), nil
}

func (f *fakeExchanger) Exchange(_ context.Context, _ *oidc.ProviderMetadata, _ *oidc.Request, _ string) (*oidc.TokenSet, error) {
	f.record("exchange")
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return &oidc.TokenSet{
		AccessToken:  "exchanged-at",
		RefreshToken: "exchanged-rt",
		IDToken:      "exchanged-idt",
		ExpiresAt:    time.Now().Add(3600 * time.Second),
	}, nil
}

func (f *fakeExchanger) Refresh(_ context.Context, _ *oidc.ProviderMetadata, _ oidc.RefreshToken) (*oidc.TokenSet, error) {
	f.record("refresh")
	time.Sleep(f.refreshDelay)
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	f.mu.Lock()
	f.refreshCount++
	f.mu.Unlock()
	return &oidc.TokenSet{
		AccessToken:  "refreshed-at",
		RefreshToken: "refreshed-rt",
		ExpiresAt:    time.Now().Add(time.Hour),
	}, nil
}

func (f *fakeExchanger) UserInfo(_ context.Context, _ *oidc.ProviderMetadata, at oidc.AccessToken) (map[string]interface{}, error) {
	f.record("userinfo")
	f.mu.Lock()
	f.lastUserInfoToken = at
	f.mu.Unlock()
	if f.userInfoErr != nil {
		return nil, f.userInfoErr
	}
	return map[string]interface{}{"sub": "alice@example.com"}, nil
}

func (f *fakeExchanger) LogoutURL(meta *oidc.ProviderMetadata, idToken oidc.IDToken) (string, error) {
	f.record("logout")
	return meta.EndSessionEndpoint + "?id_token_hint=" + string(idToken), nil
}

type fakeMetadata struct {
	mu    sync.Mutex
	calls int
	meta  *oidc.ProviderMetadata
	err   error
}

func (m *fakeMetadata) Metadata(context.Context, string) (*oidc.ProviderMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.meta, nil
}

func testFlow(t *testing.T, x *fakeExchanger) (*Flow, *fakeMetadata) {
	t.Helper()
	md := &fakeMetadata{meta: &oidc.ProviderMetadata{
		Issuer:                "https://issuer.example.com",
		AuthorizationEndpoint: "https://issuer.example.com/auth",
		TokenEndpoint:         "https://issuer.example.com/token",
		UserinfoEndpoint:      "https://issuer.example.com/userinfo",
		EndSessionEndpoint:    "https://issuer.example.com/logout",
	}}
	f, err := NewFlow(Config{
		Authority:    "https://issuer.example.com",
		ClientID:     "web-app",
		RedirectURI:  "https://rp.example.com/api/oauth/callback",
		CookieSecret: strings.Repeat("s", 32),
	}, WithMetadataSource(md), WithExchanger(x))
	require.NoError(t, err)
	return f, md
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()
	t.Run("valid", func(t *testing.T) {
		cfg := Config{
			Authority:    "https://issuer.example.com",
			ClientID:     "web-app",
			RedirectURI:  "https://rp.example.com/cb",
			CookieSecret: strings.Repeat("s", 32),
		}
		require.NoError(t, cfg.Validate())
	})
	t.Run("reports-every-problem", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		cfg := Config{}
		err := cfg.Validate()
		require.Error(err)
		assert.Contains(err.Error(), "authority")
		assert.Contains(err.Error(), "client id")
		assert.Contains(err.Error(), "redirect URI")
		assert.Contains(err.Error(), "cookie secret")
	})
}

func TestFlow_Authenticate_LoginRedirect(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	x := &fakeExchanger{}
	f, _ := testFlow(t, x)
	store := newFakeStore()

	res, err := f.Authenticate(ctx, store, mustURL(t, "/dashboard?tab=1"))
	require.NoError(err)
	assert.False(res.Authenticated())

	// redirect to the provider with an S256 challenge
	assert.Contains(res.RedirectTo, "https://issuer.example.com/auth")
	assert.Contains(res.RedirectTo, "code_challenge_method=S256")

	// a fresh verifier is bound and the current URL captured
	require.NotNil(store.request)
	assert.NotNil(store.request.PKCEVerifier())
	assert.Contains(res.RedirectTo, "state="+store.request.State())
	assert.Equal("/dashboard?tab=1", store.returnTo)
}

func TestFlow_Callback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	newBoundStore := func(t *testing.T) (*fakeStore, *oidc.Request) {
		t.Helper()
		store := newFakeStore()
		req, err := oidc.NewRequest(DefaultRequestExpiry, "/dashboard")
		require.NoError(t, err)
		require.NoError(t, store.SaveRequestState(req))
		require.NoError(t, store.SaveReturnTo("/dashboard"))
		return store, req
	}

	t.Run("basics", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		x := &fakeExchanger{}
		f, _ := testFlow(t, x)
		store, req := newBoundStore(t)

		before := time.Now()
		res, err := f.Callback(ctx, store, "abc123", req.State())
		require.NoError(err)
		assert.Equal("/dashboard", res.RedirectTo)

		// tokens persisted with a derived absolute expiry
		require.NotNil(store.tokens)
		assert.Equal(oidc.AccessToken("exchanged-at"), store.tokens.AccessToken)
		assert.WithinDuration(before.Add(3600*time.Second), store.tokens.ExpiresAt, 5*time.Second)

		// the request state and return target are single-use
		assert.Nil(store.request)
		assert.Empty(store.returnTo)
	})
	t.Run("missing-request-state", func(t *testing.T) {
		require := require.New(t)
		x := &fakeExchanger{}
		f, _ := testFlow(t, x)
		store := newFakeStore()
		_, err := f.Callback(ctx, store, "abc123", "st_1")
		require.Error(err)
		require.ErrorIs(err, oidc.ErrMissingVerifier)
		require.Empty(x.calls)
	})
	t.Run("state-mismatch", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		x := &fakeExchanger{}
		f, _ := testFlow(t, x)
		store, _ := newBoundStore(t)
		_, err := f.Callback(ctx, store, "abc123", "st_someone-elses")
		require.Error(err)
		require.ErrorIs(err, oidc.ErrResponseStateInvalid)
		// the bound request is consumed even on failure
		assert.Nil(store.request)
		assert.Empty(x.calls)
	})
	t.Run("exchange-failure-clears-request-state", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		x := &fakeExchanger{exchangeErr: fmt.Errorf("boom: %w", oidc.ErrTokenExchangeFailed)}
		f, _ := testFlow(t, x)
		store, req := newBoundStore(t)
		_, err := f.Callback(ctx, store, "abc123", req.State())
		require.Error(err)
		require.ErrorIs(err, oidc.ErrTokenExchangeFailed)
		assert.Nil(store.request)
		assert.Nil(store.tokens)
	})
	t.Run("empty-code", func(t *testing.T) {
		require := require.New(t)
		x := &fakeExchanger{}
		f, _ := testFlow(t, x)
		store, _ := newBoundStore(t)
		_, err := f.Callback(ctx, store, "", "st_1")
		require.Error(err)
		require.ErrorIs(err, oidc.ErrInvalidParameter)
	})
}

func TestFlow_Authenticate_RefreshBeforeUserInfo(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	x := &fakeExchanger{}
	f, _ := testFlow(t, x)
	store := newFakeStore()
	store.tokens = &oidc.TokenSet{
		AccessToken:  "stale-at",
		RefreshToken: "valid-rt",
		ExpiresAt:    time.Now().Add(-10 * time.Second),
	}

	res, err := f.Authenticate(ctx, store, mustURL(t, "/dashboard"))
	require.NoError(err)
	require.True(res.Authenticated())
	assert.Empty(res.RedirectTo)
	assert.Equal("alice@example.com", res.User["sub"])

	// refresh strictly precedes userinfo, and userinfo uses the new token
	assert.Equal([]string{"refresh", "userinfo"}, x.calls)
	assert.Equal(oidc.AccessToken("refreshed-at"), x.lastUserInfoToken)
	require.NotNil(store.tokens)
	assert.Equal(oidc.AccessToken("refreshed-at"), store.tokens.AccessToken)
}

func TestFlow_Authenticate_RefreshFailure(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	x := &fakeExchanger{refreshErr: fmt.Errorf("boom: %w", oidc.ErrTokenRefreshFailed)}
	f, _ := testFlow(t, x)
	store := newFakeStore()
	store.tokens = &oidc.TokenSet{
		AccessToken:  "stale-at",
		RefreshToken: "revoked-rt",
		ExpiresAt:    time.Now().Add(-10 * time.Second),
	}

	res, err := f.Authenticate(ctx, store, mustURL(t, "/dashboard"))
	require.NoError(err)
	assert.False(res.Authenticated())

	// all local token state is purged and the pass falls through to login
	assert.Nil(store.tokens)
	assert.Contains(res.RedirectTo, "https://issuer.example.com/auth")
	assert.NotContains(x.calls, "userinfo")
}

func TestFlow_Authenticate_UserInfoSoftFailure(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	x := &fakeExchanger{userInfoErr: fmt.Errorf("boom: %w", oidc.ErrUserInfoFailed)}
	f, _ := testFlow(t, x)
	store := newFakeStore()
	store.tokens = &oidc.TokenSet{
		AccessToken: "rejected-at",
		ExpiresAt:   time.Now().Add(time.Hour),
	}

	res, err := f.Authenticate(ctx, store, mustURL(t, "/dashboard"))
	require.NoError(err)
	assert.False(res.Authenticated())
	assert.Nil(store.tokens)
	assert.Contains(res.RedirectTo, "https://issuer.example.com/auth")
}

func TestFlow_Authenticate_DiscoveryFailureIsFatal(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ctx := context.Background()
	x := &fakeExchanger{}
	f, md := testFlow(t, x)
	md.err = fmt.Errorf("boom: %w", oidc.ErrDiscoveryFailed)

	_, err := f.Authenticate(ctx, newFakeStore(), mustURL(t, "/"))
	require.Error(err)
	require.ErrorIs(err, oidc.ErrDiscoveryFailed)
	require.Empty(x.calls)
}

func TestFlow_Refresh_Coalesces(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	x := &fakeExchanger{refreshDelay: 50 * time.Millisecond}
	f, _ := testFlow(t, x)
	store := newFakeStore()
	store.tokens = &oidc.TokenSet{
		AccessToken:  "stale-at",
		RefreshToken: "valid-rt",
		ExpiresAt:    time.Now().Add(-10 * time.Second),
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ts, err := f.Refresh(ctx, store)
			assert.NoError(err)
			assert.Equal(oidc.AccessToken("refreshed-at"), ts.AccessToken)
		}()
	}
	wg.Wait()
	assert.Equal(1, x.refreshCount)
	require.NotNil(store.tokens)
	assert.Equal(oidc.AccessToken("refreshed-at"), store.tokens.AccessToken)
}

func TestFlow_Logout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("builds-end-session-url-and-purges", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		x := &fakeExchanger{}
		f, _ := testFlow(t, x)
		store := newFakeStore()
		store.tokens = &oidc.TokenSet{
			AccessToken: "at",
			IDToken:     "the-id-token",
			ExpiresAt:   time.Now().Add(time.Hour),
		}
		u, err := f.Logout(ctx, store)
		require.NoError(err)
		assert.Equal("https://issuer.example.com/logout?id_token_hint=the-id-token", u)
		assert.Nil(store.tokens)
	})
	t.Run("no-resident-tokens", func(t *testing.T) {
		require := require.New(t)
		x := &fakeExchanger{}
		f, _ := testFlow(t, x)
		u, err := f.Logout(ctx, newFakeStore())
		require.NoError(err)
		require.Empty(u)
	})
}
