// Package console exchanges a validated identity token for a one-time AWS
// Management Console sign-in URL: AssumeRoleWithWebIdentity, then the
// federation getSigninToken call, then the final login redirect URL.
package console

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/aws-sdk-go-v2/service/sts/types"
	"github.com/rs/zerolog/log"

	serrors "go.pilab.hu/awsfed/errors"
)

const (
	// FederationEndpoint is the AWS console federation endpoint.
	FederationEndpoint = "https://signin.aws.amazon.com/federation"

	// DefaultDestination is the console landing page used when the flow
	// carries no destination of its own.
	DefaultDestination = "https://console.aws.amazon.com/"
)

// stsAPI is the minimal STS surface used here, an interface for testing.
type stsAPI interface {
	AssumeRoleWithWebIdentity(ctx context.Context, params *sts.AssumeRoleWithWebIdentityInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleWithWebIdentityOutput, error)
}

// Request carries everything one credential exchange needs.
type Request struct {
	IDToken         string
	RoleArn         string
	SessionName     string
	SessionDuration int32
	Destination     string
	IssuerURL       string
}

// Federator performs the two-step exchange. The temporary credentials it
// obtains are used exactly once, for the getSigninToken call, and never leave
// this package.
type Federator struct {
	sts           stsAPI
	httpClient    *http.Client
	federationURL string
}

// Option configures a Federator.
type Option func(*Federator)

// WithSTSClient injects a custom STS client (for testing).
func WithSTSClient(client stsAPI) Option {
	return func(f *Federator) { f.sts = client }
}

// WithHTTPClient injects a custom HTTP client for the federation call.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Federator) { f.httpClient = client }
}

// WithFederationEndpoint overrides the federation endpoint (for testing).
func WithFederationEndpoint(endpoint string) Option {
	return func(f *Federator) { f.federationURL = endpoint }
}

// NewFederator creates a Federator in the given region.
// AssumeRoleWithWebIdentity is an unsigned call, so the STS client carries
// anonymous credentials.
func NewFederator(region string, timeout time.Duration, opts ...Option) *Federator {
	f := &Federator{
		sts: sts.New(sts.Options{
			Region:      region,
			Credentials: aws.AnonymousCredentials{},
		}),
		httpClient:    &http.Client{Timeout: timeout},
		federationURL: FederationEndpoint,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// SigninURL exchanges the identity token for a one-time console sign-in URL.
func (f *Federator) SigninURL(ctx context.Context, req Request) (string, error) {
	out, err := f.sts.AssumeRoleWithWebIdentity(ctx, &sts.AssumeRoleWithWebIdentityInput{
		RoleArn:          aws.String(req.RoleArn),
		RoleSessionName:  aws.String(req.SessionName),
		WebIdentityToken: aws.String(req.IDToken),
		DurationSeconds:  aws.Int32(req.SessionDuration),
	})
	if err != nil {
		log.Warn().Str("role_arn", req.RoleArn).Msg("AssumeRoleWithWebIdentity was denied")
		return "", serrors.NewRoleAssumptionDenied("STS rejected the role assumption", err)
	}
	if out.Credentials == nil {
		return "", serrors.NewRoleAssumptionDenied("no credentials returned from AssumeRoleWithWebIdentity", nil)
	}

	signinToken, err := f.signinToken(ctx, out.Credentials)
	if err != nil {
		return "", err
	}

	destination := req.Destination
	if destination == "" {
		destination = DefaultDestination
	}

	query := url.Values{
		"Action":      {"login"},
		"Issuer":      {req.IssuerURL},
		"Destination": {destination},
		"SigninToken": {signinToken},
	}
	return f.federationURL + "?" + query.Encode(), nil
}

// signinToken exchanges temporary credentials for a federation sign-in
// token. SessionDuration is deliberately absent: the federation endpoint
// rejects it for credentials minted by AssumeRoleWithWebIdentity, whose
// lifetime is fixed at assumption time.
func (f *Federator) signinToken(ctx context.Context, creds *types.Credentials) (string, error) {
	session, err := json.Marshal(map[string]string{
		"sessionId":    aws.ToString(creds.AccessKeyId),
		"sessionKey":   aws.ToString(creds.SecretAccessKey),
		"sessionToken": aws.ToString(creds.SessionToken),
	})
	if err != nil {
		return "", serrors.NewFederationExchangeFailed("failed to encode session", err)
	}

	query := url.Values{
		"Action":  {"getSigninToken"},
		"Session": {string(session)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.federationURL+"?"+query.Encode(), nil)
	if err != nil {
		return "", serrors.NewFederationExchangeFailed("failed to build federation request", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", serrors.NewFederationExchangeFailed("federation endpoint unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		log.Warn().Int("status", resp.StatusCode).Msg("federation endpoint rejected signin token request")
		return "", serrors.NewFederationExchangeFailed(
			fmt.Sprintf("federation endpoint returned status %d", resp.StatusCode), nil)
	}

	var result struct {
		SigninToken string `json:"SigninToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", serrors.NewFederationExchangeFailed("malformed federation response", err)
	}
	if result.SigninToken == "" {
		return "", serrors.NewFederationExchangeFailed("empty signin token from federation endpoint", nil)
	}

	return result.SigninToken, nil
}
