package oidc

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	serrors "go.pilab.hu/awsfed/errors"
)

const (
	testIssuer   = "https://idp.example.com"
	testClientID = "awsfed-client"
)

type staticKeySource struct {
	issuer string
	keys   map[string]crypto.PublicKey
	err    error
}

func (s *staticKeySource) Issuer(context.Context) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.issuer, nil
}

func (s *staticKeySource) Key(_ context.Context, kid string) (crypto.PublicKey, error) {
	if s.err != nil {
		return nil, s.err
	}
	key, ok := s.keys[kid]
	if !ok {
		return nil, fmt.Errorf("no signing key with id %q", kid)
	}
	return key, nil
}

type tokenSigner struct {
	priv *rsa.PrivateKey
	kid  string
}

func newTokenSigner(t *testing.T, kid string) *tokenSigner {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return &tokenSigner{priv: priv, kid: kid}
}

func (s *tokenSigner) keySource() *staticKeySource {
	return &staticKeySource{
		issuer: testIssuer,
		keys:   map[string]crypto.PublicKey{s.kid: &s.priv.PublicKey},
	}
}

func (s *tokenSigner) sign(t *testing.T, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.kid
	raw, err := token.SignedString(s.priv)
	require.NoError(t, err)
	return raw
}

func validClaims(nonce string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   "ad|Example-LDAP|jdoe",
			Audience:  jwt.ClaimStrings{testClientID},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Nonce: nonce,
		Email: "jdoe@example.com",
	}
}

func TestValidator_ValidToken(t *testing.T) {
	signer := newTokenSigner(t, "key-1")
	v := NewValidator(signer.keySource(), testClientID)

	raw := signer.sign(t, validClaims("nonce-123"))
	claims, err := v.Validate(context.Background(), raw, "nonce-123")
	require.NoError(t, err)
	assert.Equal(t, "jdoe@example.com", claims.Email)
	assert.Equal(t, "ad|Example-LDAP|jdoe", claims.Subject)
}

func TestValidator_NonceMismatch(t *testing.T) {
	signer := newTokenSigner(t, "key-1")
	v := NewValidator(signer.keySource(), testClientID)

	// Everything else about the token is valid; only the nonce differs.
	raw := signer.sign(t, validClaims("nonce-123"))
	_, err := v.Validate(context.Background(), raw, "different-nonce")
	require.Error(t, err)
	assert.Equal(t, serrors.KindIdentityTokenInvalid, serrors.KindOf(err))
	assert.Contains(t, err.Error(), "nonce")
}

func TestValidator_EmptyExpectedNonceRejected(t *testing.T) {
	signer := newTokenSigner(t, "key-1")
	v := NewValidator(signer.keySource(), testClientID)

	claims := validClaims("")
	raw := signer.sign(t, claims)
	_, err := v.Validate(context.Background(), raw, "")
	require.Error(t, err)
	assert.Equal(t, serrors.KindIdentityTokenInvalid, serrors.KindOf(err))
}

func TestValidator_WrongSignature(t *testing.T) {
	signer := newTokenSigner(t, "key-1")
	impostor := newTokenSigner(t, "key-1")
	v := NewValidator(signer.keySource(), testClientID)

	raw := impostor.sign(t, validClaims("nonce-123"))
	_, err := v.Validate(context.Background(), raw, "nonce-123")
	require.Error(t, err)
	assert.Equal(t, serrors.KindIdentityTokenInvalid, serrors.KindOf(err))
	assert.Contains(t, err.Error(), "signature")
}

func TestValidator_Malformed(t *testing.T) {
	signer := newTokenSigner(t, "key-1")
	v := NewValidator(signer.keySource(), testClientID)

	_, err := v.Validate(context.Background(), "not.a.jwt", "nonce-123")
	require.Error(t, err)
	assert.Equal(t, serrors.KindIdentityTokenInvalid, serrors.KindOf(err))
	assert.Contains(t, err.Error(), "malformed")
}

func TestValidator_WrongIssuer(t *testing.T) {
	signer := newTokenSigner(t, "key-1")
	v := NewValidator(signer.keySource(), testClientID)

	claims := validClaims("nonce-123")
	claims.Issuer = "https://evil.example.com"
	raw := signer.sign(t, claims)
	_, err := v.Validate(context.Background(), raw, "nonce-123")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "issuer")
}

func TestValidator_WrongAudience(t *testing.T) {
	signer := newTokenSigner(t, "key-1")
	v := NewValidator(signer.keySource(), testClientID)

	claims := validClaims("nonce-123")
	claims.Audience = jwt.ClaimStrings{"some-other-client"}
	raw := signer.sign(t, claims)
	_, err := v.Validate(context.Background(), raw, "nonce-123")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audience")
}

func TestValidator_Expired(t *testing.T) {
	signer := newTokenSigner(t, "key-1")
	v := NewValidator(signer.keySource(), testClientID)

	claims := validClaims("nonce-123")
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	raw := signer.sign(t, claims)
	_, err := v.Validate(context.Background(), raw, "nonce-123")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")
}

func TestValidator_MissingExpiry(t *testing.T) {
	signer := newTokenSigner(t, "key-1")
	v := NewValidator(signer.keySource(), testClientID)

	claims := validClaims("nonce-123")
	claims.ExpiresAt = nil
	raw := signer.sign(t, claims)
	_, err := v.Validate(context.Background(), raw, "nonce-123")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing_expiry")
}

func TestValidator_NotYetValid(t *testing.T) {
	signer := newTokenSigner(t, "key-1")
	v := NewValidator(signer.keySource(), testClientID)

	claims := validClaims("nonce-123")
	claims.NotBefore = jwt.NewNumericDate(time.Now().Add(time.Hour))
	raw := signer.sign(t, claims)
	_, err := v.Validate(context.Background(), raw, "nonce-123")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not_yet_valid")
}

func TestValidator_UnknownKid(t *testing.T) {
	signer := newTokenSigner(t, "rotated-away")
	source := &staticKeySource{issuer: testIssuer, keys: map[string]crypto.PublicKey{}}
	v := NewValidator(source, testClientID)

	raw := signer.sign(t, validClaims("nonce-123"))
	_, err := v.Validate(context.Background(), raw, "nonce-123")
	require.Error(t, err)
	assert.Equal(t, serrors.KindIdentityTokenInvalid, serrors.KindOf(err))
}

func TestValidator_ProviderOutageIsNotTokenInvalid(t *testing.T) {
	signer := newTokenSigner(t, "key-1")
	source := signer.keySource()
	v := NewValidator(source, testClientID)

	source.err = serrors.NewProviderUnavailable("discovery fetch failed", nil)
	raw := signer.sign(t, validClaims("nonce-123"))
	_, err := v.Validate(context.Background(), raw, "nonce-123")
	require.Error(t, err)
	assert.Equal(t, serrors.KindProviderUnavailable, serrors.KindOf(err))
}

func TestClaims_SessionName(t *testing.T) {
	t.Run("prefers email", func(t *testing.T) {
		c := &Claims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "ad|corp|jdoe"},
			Email:            "jdoe@example.com",
		}
		assert.Equal(t, "jdoe@example.com", c.SessionName())
	})

	t.Run("falls back to subject tail", func(t *testing.T) {
		c := &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "ad|corp|jdoe"}}
		assert.Equal(t, "jdoe", c.SessionName())
	})

	t.Run("plain subject", func(t *testing.T) {
		c := &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "user-42"}}
		assert.Equal(t, "user-42", c.SessionName())
	})
}
