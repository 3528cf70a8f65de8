package oidc

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/go-jose/go-jose/v3"
	"github.com/go-jose/go-jose/v3/jwt"
	"github.com/stretchr/testify/require"
)

// TestGenerateKeys generates an ECDSA P-256 key pair, pem-encoded, suitable
// for test JWT signing.
func TestGenerateKeys(t *testing.T) (pub, priv string) {
	t.Helper()
	require := require.New(t)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(err)

	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(err)
	priv = string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}))

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(err)
	pub = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))

	return pub, priv
}

// TestSignJWT signs a JWT with the given pem-encoded ECDSA private key using
// ES256, optionally merging privateClaims into the standard claims.
func TestSignJWT(t *testing.T, privPEM string, keyID string, claims jwt.Claims, privateClaims map[string]interface{}) string {
	t.Helper()
	require := require.New(t)

	block, _ := pem.Decode([]byte(privPEM))
	require.NotNil(block)
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	require.NoError(err)
	key, ok := parsed.(*ecdsa.PrivateKey)
	require.True(ok)

	sig, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.ES256, Key: jose.JSONWebKey{Key: key, KeyID: keyID}},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	require.NoError(err)

	builder := jwt.Signed(sig).Claims(claims)
	if privateClaims != nil {
		builder = builder.Claims(privateClaims)
	}
	raw, err := builder.CompactSerialize()
	require.NoError(err)
	return raw
}
