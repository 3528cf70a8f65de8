package oidc

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestNewTokenSet(t *testing.T) {
	t.Parallel()
	testExpiry := time.Now().Add(1 * time.Hour)
	tests := []struct {
		name      string
		token     *oauth2.Token
		want      *TokenSet
		wantErr   bool
		wantIsErr error
	}{
		{
			name: "valid-with-id-token",
			token: (&oauth2.Token{
				AccessToken:  "at",
				RefreshToken: "rt",
				Expiry:       testExpiry,
			}).WithExtra(map[string]interface{}{"id_token": "idt"}),
			want: &TokenSet{
				AccessToken:  "at",
				RefreshToken: "rt",
				IDToken:      "idt",
				ExpiresAt:    testExpiry,
			},
		},
		{
			name: "valid-without-id-token",
			token: &oauth2.Token{
				AccessToken: "at",
				Expiry:      testExpiry,
			},
			want: &TokenSet{
				AccessToken: "at",
				ExpiresAt:   testExpiry,
			},
		},
		{
			name:      "nil-token",
			token:     nil,
			wantErr:   true,
			wantIsErr: ErrNilParameter,
		},
		{
			name:      "missing-access-token",
			token:     &oauth2.Token{RefreshToken: "rt"},
			wantErr:   true,
			wantIsErr: ErrInvalidParameter,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert, require := assert.New(t), require.New(t)
			got, err := NewTokenSet(tt.token)
			if tt.wantErr {
				require.Error(err)
				assert.True(errors.Is(err, tt.wantIsErr))
				return
			}
			require.NoError(err)
			assert.Equal(tt.want, got)
		})
	}
}

func TestTokenSet_IsExpired(t *testing.T) {
	t.Parallel()
	now := time.Now()
	nowFn := func() time.Time { return now }

	tests := []struct {
		name string
		ts   *TokenSet
		opt  []Option
		want bool
	}{
		{
			name: "nil-token-set",
			ts:   nil,
			want: false,
		},
		{
			name: "zero-expiry-never-expires",
			ts:   &TokenSet{AccessToken: "at"},
			want: false,
		},
		{
			name: "in-the-past",
			ts:   &TokenSet{AccessToken: "at", ExpiresAt: now.Add(-10 * time.Second)},
			opt:  []Option{WithNow(nowFn)},
			want: true,
		},
		{
			name: "in-the-future",
			ts:   &TokenSet{AccessToken: "at", ExpiresAt: now.Add(10 * time.Second)},
			opt:  []Option{WithNow(nowFn)},
			want: false,
		},
		{
			// the boundary is defined as not-yet-expired
			name: "exactly-now",
			ts:   &TokenSet{AccessToken: "at", ExpiresAt: now},
			opt:  []Option{WithNow(nowFn)},
			want: false,
		},
		{
			name: "skew-expires-early",
			ts:   &TokenSet{AccessToken: "at", ExpiresAt: now.Add(10 * time.Second)},
			opt:  []Option{WithNow(nowFn), WithExpirySkew(20 * time.Second)},
			want: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.ts.IsExpired(tt.opt...))
		})
	}
}

func TestTokenSet_Valid(t *testing.T) {
	t.Parallel()
	t.Run("valid", func(t *testing.T) {
		ts := &TokenSet{AccessToken: "at", ExpiresAt: time.Now().Add(time.Hour)}
		require.True(t, ts.Valid())
	})
	t.Run("nil", func(t *testing.T) {
		var ts *TokenSet
		require.False(t, ts.Valid())
	})
	t.Run("missing-access-token", func(t *testing.T) {
		ts := &TokenSet{ExpiresAt: time.Now().Add(time.Hour)}
		require.False(t, ts.Valid())
	})
	t.Run("expired", func(t *testing.T) {
		ts := &TokenSet{AccessToken: "at", ExpiresAt: time.Now().Add(-time.Hour)}
		require.False(t, ts.Valid())
	})
}

func TestTokens_Redaction(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	assert.Equal(RedactedAccessToken, AccessToken("secret").String())
	assert.Equal(RedactedRefreshToken, RefreshToken("secret").String())
	assert.Equal(RedactedIDToken, IDToken("secret").String())

	got, err := AccessToken("secret").MarshalJSON()
	require.NoError(t, err)
	assert.NotContains(string(got), "secret")
}
