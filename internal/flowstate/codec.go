// Package flowstate implements the signed, client-held flow cookie. The
// server keeps no per-user state: everything a login flow needs travels in
// this token and is verified on the way back in.
package flowstate

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

// Flow actions. ActionConsole is the normal login path; ActionRebuildRoleMap
// triggers a group-role-map rebuild in the role-lookup service instead of
// federating into the console.
const (
	ActionConsole        = "aws-web-console"
	ActionRebuildRoleMap = "rebuild-group-role-map"
)

const signingKeyInfo = "awsfed flow cookie signing key v1"

// State is the transient per-flow state carried in the signed cookie.
type State struct {
	// FlowID correlates log lines across the requests of one flow.
	FlowID string
	// State is echoed by the provider on callback and compared for exact
	// equality; any mismatch is a CSRF violation.
	State string
	// Nonce is bound into the identity token by the provider.
	Nonce string
	// CodeVerifier is the PKCE verifier matching the code_challenge sent on
	// the authorization request.
	CodeVerifier string

	Action string

	// ReturnRole is set when the caller preselected a role, or once the user
	// picks one; the account portion may initially be an alias.
	ReturnRole   string
	RoleName     string
	AccountAlias string

	SessionDuration int32
	Destination     string
	NoCache         bool

	IssuedAt time.Time
}

type flowClaims struct {
	jwt.RegisteredClaims

	State           string `json:"st"`
	Nonce           string `json:"nonce"`
	CodeVerifier    string `json:"cv"`
	Action          string `json:"act,omitempty"`
	ReturnRole      string `json:"role_arn,omitempty"`
	RoleName        string `json:"role,omitempty"`
	AccountAlias    string `json:"account,omitempty"`
	SessionDuration int32  `json:"dur,omitempty"`
	Destination     string `json:"dest,omitempty"`
	NoCache         bool   `json:"nocache,omitempty"`
}

// Codec issues and verifies flow cookies. Verification fails closed: any
// signature or expiry failure invalidates the whole flow.
type Codec struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewCodec derives the HS256 signing key from secret and returns a codec
// whose tokens expire after ttl.
func NewCodec(secret string, ttl time.Duration) (*Codec, error) {
	if secret == "" {
		return nil, errors.New("flow cookie secret must not be empty")
	}
	key := make([]byte, sha256.Size)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(signingKeyInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive signing key: %w", err)
	}
	return &Codec{
		key: key,
		ttl: ttl,
		now: time.Now,
	}, nil
}

// TTL returns the lifetime of issued tokens.
func (c *Codec) TTL() time.Duration {
	return c.ttl
}

// New returns a fresh State with random state, nonce, and PKCE verifier.
func (c *Codec) New() (*State, error) {
	state, err := randomToken()
	if err != nil {
		return nil, err
	}
	nonce, err := randomToken()
	if err != nil {
		return nil, err
	}
	verifier, err := randomToken()
	if err != nil {
		return nil, err
	}
	return &State{
		FlowID:       uuid.NewString(),
		State:        state,
		Nonce:        nonce,
		CodeVerifier: verifier,
		Action:       ActionConsole,
		IssuedAt:     c.now(),
	}, nil
}

// Encode signs st into a compact cookie value. Expiry is IssuedAt plus the
// codec TTL, embedded in the payload.
func (c *Codec) Encode(st *State) (string, error) {
	issuedAt := st.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = c.now()
	}
	claims := flowClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        st.FlowID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(c.ttl)),
		},
		State:           st.State,
		Nonce:           st.Nonce,
		CodeVerifier:    st.CodeVerifier,
		Action:          st.Action,
		ReturnRole:      st.ReturnRole,
		RoleName:        st.RoleName,
		AccountAlias:    st.AccountAlias,
		SessionDuration: st.SessionDuration,
		Destination:     st.Destination,
		NoCache:         st.NoCache,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign flow state: %w", err)
	}
	return signed, nil
}

// Decode verifies a cookie value and returns the embedded State. Any
// signature, structure, or expiry problem is an error; callers restart the
// flow from scratch.
func (c *Codec) Decode(cookieValue string) (*State, error) {
	var claims flowClaims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
	)
	_, err := parser.ParseWithClaims(cookieValue, &claims, func(*jwt.Token) (interface{}, error) {
		return c.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid flow state: %w", err)
	}
	if claims.State == "" || claims.Nonce == "" {
		return nil, errors.New("invalid flow state: missing state or nonce")
	}

	st := &State{
		FlowID:          claims.ID,
		State:           claims.State,
		Nonce:           claims.Nonce,
		CodeVerifier:    claims.CodeVerifier,
		Action:          claims.Action,
		ReturnRole:      claims.ReturnRole,
		RoleName:        claims.RoleName,
		AccountAlias:    claims.AccountAlias,
		SessionDuration: claims.SessionDuration,
		Destination:     claims.Destination,
		NoCache:         claims.NoCache,
	}
	if claims.IssuedAt != nil {
		st.IssuedAt = claims.IssuedAt.Time
	}
	return st, nil
}

// CodeChallenge returns the S256 PKCE challenge for the state's verifier.
func (st *State) CodeChallenge() string {
	sum := sha256.Sum256([]byte(st.CodeVerifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// randomToken returns 32 cryptographically random bytes, base64url encoded
// without padding (RFC 7636 appendix A).
func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
