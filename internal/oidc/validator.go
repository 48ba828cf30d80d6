package oidc

import (
	"context"
	"crypto"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	serrors "go.pilab.hu/awsfed/errors"
)

// KeySource supplies provider metadata and signing keys; implemented by the
// discovery cache.
type KeySource interface {
	Issuer(ctx context.Context) (string, error)
	Key(ctx context.Context, kid string) (crypto.PublicKey, error)
}

// Claims are the identity token claims the flow cares about.
type Claims struct {
	jwt.RegisteredClaims

	Nonce string `json:"nonce,omitempty"`
	Email string `json:"email,omitempty"`
}

// SessionName derives the STS role session name: the user's email when
// present, otherwise the trailing segment of a pipe-delimited subject.
func (c *Claims) SessionName() string {
	if c.Email != "" {
		return c.Email
	}
	parts := strings.Split(c.Subject, "|")
	return parts[len(parts)-1]
}

// Validator verifies identity tokens against the provider's published keys
// and the flow's expected nonce.
type Validator struct {
	keys     KeySource
	clientID string
	now      func() time.Time
}

// NewValidator creates an identity token validator for the given client id.
func NewValidator(keys KeySource, clientID string) *Validator {
	return &Validator{
		keys:     keys,
		clientID: clientID,
		now:      time.Now,
	}
}

// Validate checks the token structurally, verifies the signature against the
// key named by its kid header, and then checks issuer, audience, time bounds,
// and nonce binding, in that order. Every failure is terminal and carries a
// short reason code for diagnostics.
func (v *Validator) Validate(ctx context.Context, rawToken, expectedNonce string) (*Claims, error) {
	issuer, err := v.keys.Issuer(ctx)
	if err != nil {
		return nil, err
	}

	var claims Claims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}),
		// Claim checks run manually below so each failure gets its own reason.
		jwt.WithoutClaimsValidation(),
	)
	token, err := parser.ParseWithClaims(rawToken, &claims, func(t *jwt.Token) (interface{}, error) {
		kid, ok := t.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, errors.New("token header has no kid")
		}
		return v.keys.Key(ctx, kid)
	})
	if err != nil {
		// A provider outage during key lookup is not the token's fault.
		if serrors.KindOf(err) == serrors.KindProviderUnavailable {
			return nil, err
		}
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return nil, serrors.NewIdentityTokenInvalid("malformed", err)
		}
		return nil, serrors.NewIdentityTokenInvalid("signature", err)
	}
	if !token.Valid {
		return nil, serrors.NewIdentityTokenInvalid("signature", nil)
	}

	if claims.Issuer != issuer {
		return nil, serrors.NewIdentityTokenInvalid("issuer", nil)
	}

	audOK := false
	for _, aud := range claims.Audience {
		if aud == v.clientID {
			audOK = true
			break
		}
	}
	if !audOK {
		return nil, serrors.NewIdentityTokenInvalid("audience", nil)
	}

	now := v.now()
	if claims.ExpiresAt == nil {
		return nil, serrors.NewIdentityTokenInvalid("missing_expiry", nil)
	}
	if !now.Before(claims.ExpiresAt.Time) {
		return nil, serrors.NewIdentityTokenInvalid("expired", nil)
	}
	if claims.NotBefore != nil && now.Before(claims.NotBefore.Time) {
		return nil, serrors.NewIdentityTokenInvalid("not_yet_valid", nil)
	}

	if expectedNonce == "" || claims.Nonce != expectedNonce {
		return nil, serrors.NewIdentityTokenInvalid("nonce", nil)
	}

	return &claims, nil
}
