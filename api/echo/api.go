// Package echo is the HTTP surface of the relying party: a stateless state
// machine that walks a browser from "who are you?" through role selection to
// a one-time AWS console sign-in URL. Flow position is derived entirely from
// the request shape and the signed flow cookie.
package echo

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"go.pilab.hu/awsfed/config"
	serrors "go.pilab.hu/awsfed/errors"
	"go.pilab.hu/awsfed/internal/console"
	"go.pilab.hu/awsfed/internal/discovery"
	"go.pilab.hu/awsfed/internal/flowstate"
	"go.pilab.hu/awsfed/internal/metrics"
	"go.pilab.hu/awsfed/internal/oidc"
	"go.pilab.hu/awsfed/internal/roles"
)

// MetadataSource supplies provider metadata; implemented by the discovery cache.
type MetadataSource interface {
	Metadata(ctx context.Context) (*discovery.Metadata, error)
}

// CodeExchanger exchanges an authorization code for tokens.
type CodeExchanger interface {
	Exchange(ctx context.Context, tokenEndpoint, code, redirectURI, codeVerifier string) (*oidc.TokenResponse, error)
}

// TokenValidator verifies an identity token against the provider keys and
// the flow nonce.
type TokenValidator interface {
	Validate(ctx context.Context, rawToken, expectedNonce string) (*oidc.Claims, error)
}

// RoleResolver is the role-lookup service client surface used by the flow.
type RoleResolver interface {
	Resolve(ctx context.Context, idToken string, cached bool) ([]roles.Candidate, error)
	ResolveAccountAlias(ctx context.Context, roleArn, idToken string, cached bool) (string, error)
	RebuildGroupRoleMap(ctx context.Context, idToken string) error
}

// ConsoleFederator exchanges a validated identity token for a console
// sign-in URL.
type ConsoleFederator interface {
	SigninURL(ctx context.Context, req console.Request) (string, error)
}

// FlowAPI holds the flow controller's dependencies.
type FlowAPI struct {
	cfg       *config.Config
	codec     *flowstate.Codec
	provider  MetadataSource
	exchanger CodeExchanger
	validator TokenValidator
	roles     RoleResolver
	federator ConsoleFederator
}

// NewFlowAPI initializes the flow controller.
func NewFlowAPI(
	cfg *config.Config,
	codec *flowstate.Codec,
	provider MetadataSource,
	exchanger CodeExchanger,
	validator TokenValidator,
	roleResolver RoleResolver,
	federator ConsoleFederator,
) *FlowAPI {
	return &FlowAPI{
		cfg:       cfg,
		codec:     codec,
		provider:  provider,
		exchanger: exchanger,
		validator: validator,
		roles:     roleResolver,
		federator: federator,
	}
}

// RegisterRoutes registers the flow routes.
func (a *FlowAPI) RegisterRoutes(e *echo.Echo) {
	e.GET("/", a.InitHandler)
	e.GET(a.cfg.RedirectPath, a.CallbackHandler)
	e.POST("/roles", a.SelectRoleHandler)
}

// InitHandler starts a fresh flow: it issues a new signed flow cookie and
// redirects the browser to the provider's authorization endpoint. Optional
// query parameters preselect a role (role_arn, or role+account), bound the
// session duration, pick an action, or disable the role-map cache.
func (a *FlowAPI) InitHandler(c echo.Context) error {
	ctx := c.Request().Context()

	md, err := a.provider.Metadata(ctx)
	if err != nil {
		return a.failure(c, err)
	}

	st, err := a.codec.New()
	if err != nil {
		return a.failure(c, err)
	}

	params := c.QueryParams()
	if action := params.Get("action"); action != "" {
		st.Action = action
	}
	if st.Action != flowstate.ActionConsole && st.Action != flowstate.ActionRebuildRoleMap {
		log.Warn().Str("action", st.Action).Msg("rejecting unknown flow action")
		return c.HTML(http.StatusBadRequest, renderErrorPage("Invalid action"))
	}
	st.SessionDuration = a.boundedDuration(params.Get("session_duration"))
	st.NoCache = params.Get("cache") == "false"
	if arn := roleArnFromQuery(params); arn != "" {
		st.ReturnRole = arn
	}
	st.RoleName = params.Get("role")
	st.AccountAlias = params.Get("account")
	st.Destination = console.DestinationFromReferer(c.Request().Referer(), a.cfg.DefaultDestinationURL)

	cookieValue, err := a.codec.Encode(st)
	if err != nil {
		return a.failure(c, err)
	}
	a.setFlowCookie(c, cookieValue)

	authURL, err := url.Parse(md.AuthorizationEndpoint)
	if err != nil {
		return a.failure(c, serrors.NewProviderUnavailable("invalid authorization endpoint", err))
	}
	authURL.RawQuery = url.Values{
		"response_type":         {"code"},
		"client_id":             {a.cfg.ClientID},
		"redirect_uri":          {a.cfg.RedirectURI()},
		"scope":                 {a.cfg.OIDCScopes},
		"state":                 {st.State},
		"nonce":                 {st.Nonce},
		"code_challenge":        {st.CodeChallenge()},
		"code_challenge_method": {"S256"},
	}.Encode()

	metrics.FlowsInitiatedTotal.Inc()
	log.Info().
		Str("flow_id", st.FlowID).
		Str("action", st.Action).
		Str("ip", c.RealIP()).
		Msg("login flow initiated")

	return c.Redirect(http.StatusFound, authURL.String())
}

// CallbackHandler handles the provider redirect. It enforces the CSRF state
// check before anything else, exchanges the code, validates the identity
// token, resolves roles, and then either federates directly (single or
// preselected role), renders the role picker, or reports "no access".
func (a *FlowAPI) CallbackHandler(c echo.Context) error {
	ctx := c.Request().Context()

	if errCode := c.QueryParam("error"); errCode != "" {
		// Provider-reported failure. The error_description is
		// browser-supplied, so only the code is logged.
		log.Warn().Str("error", errCode).Msg("identity provider returned an error")
		a.clearFlowCookie(c)
		return c.HTML(http.StatusOK, renderErrorPage(genericFailureMessage))
	}

	code := c.QueryParam("code")
	st, decodeErr := a.flowStateFromCookie(c)
	if decodeErr != nil {
		if code == "" {
			// No flow and no code: restart from the top.
			return a.InitHandler(c)
		}
		// A code without a verifiable flow cannot be completed, and the
		// consumed code must not be replayed into a fresh flow.
		a.clearFlowCookie(c)
		log.Warn().Str("ip", c.RealIP()).Msg("callback carried a code but no valid flow cookie")
		return c.HTML(http.StatusOK, renderErrorPage(genericFailureMessage))
	}
	if code == "" {
		return a.InitHandler(c)
	}

	stateParam := c.QueryParam("state")
	if subtle.ConstantTimeCompare([]byte(stateParam), []byte(st.State)) != 1 {
		return a.failure(c, serrors.NewCsrfViolation("state parameter does not match flow cookie"))
	}

	md, err := a.provider.Metadata(ctx)
	if err != nil {
		return a.failure(c, err)
	}

	tokens, err := a.exchanger.Exchange(ctx, md.TokenEndpoint, code, a.cfg.RedirectURI(), st.CodeVerifier)
	if err != nil {
		return a.failure(c, err)
	}

	claims, err := a.validator.Validate(ctx, tokens.IDToken, st.Nonce)
	if err != nil {
		return a.failure(c, err)
	}

	if st.Action == flowstate.ActionRebuildRoleMap {
		if err := a.roles.RebuildGroupRoleMap(ctx, tokens.IDToken); err != nil {
			return a.failure(c, err)
		}
		log.Info().Str("user", claims.SessionName()).Str("ip", c.RealIP()).
			Msg("group role map rebuild initiated")
		a.clearFlowCookie(c)
		return c.HTML(http.StatusOK, renderInfoPage("Group role map rebuild initiated"))
	}

	if st.ReturnRole != "" {
		arn, err := a.roles.ResolveAccountAlias(ctx, st.ReturnRole, tokens.IDToken, !st.NoCache)
		if err != nil {
			return a.failure(c, err)
		}
		cand := roles.CandidateFromArn(arn)
		if st.RoleName != "" {
			cand.RoleName = st.RoleName
		}
		if st.AccountAlias != "" {
			cand.AccountAlias = st.AccountAlias
		}
		return a.federate(c, st, claims, tokens.IDToken, cand)
	}

	candidates, err := a.roles.Resolve(ctx, tokens.IDToken, !st.NoCache)
	if err != nil {
		return a.failure(c, err)
	}

	switch len(candidates) {
	case 0:
		metrics.NoAccessTotal.Inc()
		log.Info().Str("user", claims.SessionName()).Msg("authenticated user has no assumable roles")
		a.clearFlowCookie(c)
		return c.HTML(http.StatusOK, renderNoAccessPage())
	case 1:
		return a.federate(c, st, claims, tokens.IDToken, candidates[0])
	default:
		metrics.RolePickersRenderedTotal.Inc()
		page, err := renderRolePickerPage(candidates, tokens.IDToken)
		if err != nil {
			return a.failure(c, err)
		}
		return c.HTML(http.StatusOK, page)
	}
}

// SelectRoleHandler completes a flow after the user picked a role. The
// echoed identity token is fully re-validated: it may have expired between
// callback and submission, and a client-supplied token is never trusted
// without verification.
func (a *FlowAPI) SelectRoleHandler(c echo.Context) error {
	ctx := c.Request().Context()

	arn := c.FormValue("arn")
	idToken := c.FormValue("id_token")
	if arn == "" || idToken == "" {
		log.Warn().Str("ip", c.RealIP()).Msg("role selection posted without arn or token")
		return c.HTML(http.StatusForbidden, renderErrorPage("Invalid POST data"))
	}

	st, err := a.flowStateFromCookie(c)
	if err != nil {
		// Without the flow cookie there is no nonce to bind the token to.
		log.Warn().Str("ip", c.RealIP()).Msg("role selection posted without a valid flow cookie")
		return c.HTML(http.StatusOK, renderErrorPage(genericFailureMessage))
	}

	claims, err := a.validator.Validate(ctx, idToken, st.Nonce)
	if err != nil {
		return a.failure(c, err)
	}

	return a.federate(c, st, claims, idToken, roles.CandidateFromArn(arn))
}

// federate runs the credential exchange and redirects to the console.
func (a *FlowAPI) federate(c echo.Context, st *flowstate.State, claims *oidc.Claims, idToken string, cand roles.Candidate) error {
	ctx := c.Request().Context()

	issuerURL := a.cfg.IssuerURL()
	issuerQuery := url.Values{}
	if cand.AccountAlias != "" {
		issuerQuery.Set("account", cand.AccountAlias)
	}
	if cand.RoleName != "" {
		issuerQuery.Set("role", cand.RoleName)
	}
	if len(issuerQuery) > 0 {
		issuerURL += "?" + issuerQuery.Encode()
	}

	duration := st.SessionDuration
	if duration == 0 {
		duration = a.cfg.DefaultSessionDuration
	}

	signinURL, err := a.federator.SigninURL(ctx, console.Request{
		IDToken:         idToken,
		RoleArn:         cand.RoleArn,
		SessionName:     claims.SessionName(),
		SessionDuration: duration,
		Destination:     st.Destination,
		IssuerURL:       issuerURL,
	})
	if err != nil {
		return a.failure(c, err)
	}

	metrics.LoginSuccessTotal.Inc()
	log.Info().
		Str("flow_id", st.FlowID).
		Str("role_arn", cand.RoleArn).
		Str("user", claims.SessionName()).
		Str("ip", c.RealIP()).
		Msg("role assumed")

	a.clearFlowCookie(c)
	return c.Redirect(http.StatusFound, signinURL)
}

// failure terminates the flow. The user always gets a generic page; the log
// detail depends on whether the failure is attacker-influenced or an
// infrastructure problem an operator should hear about.
func (a *FlowAPI) failure(c echo.Context, err error) error {
	var fe *serrors.FlowError
	if !errors.As(err, &fe) {
		fe = &serrors.FlowError{Kind: "internal", Description: "unexpected error", Err: err}
	}

	metrics.FlowErrorsTotal.WithLabelValues(fe.Kind).Inc()

	if fe.AttackerInfluenced() {
		log.Warn().
			Str("kind", fe.Kind).
			Str("reason", fe.Description).
			Str("ip", c.RealIP()).
			Msg("login flow rejected")
	} else {
		log.Error().
			Err(fe.Err).
			Str("kind", fe.Kind).
			Str("reason", fe.Description).
			Msg("login flow failed")
	}

	a.clearFlowCookie(c)

	if fe.Kind == serrors.KindCsrfViolation {
		return c.HTML(http.StatusForbidden, renderErrorPage(genericFailureMessage))
	}
	return c.HTML(http.StatusOK, renderErrorPage(genericFailureMessage))
}

func (a *FlowAPI) flowStateFromCookie(c echo.Context) (*flowstate.State, error) {
	cookie, err := c.Cookie(a.cfg.CookieName)
	if err != nil || cookie.Value == "" {
		return nil, errors.New("no flow cookie")
	}
	return a.codec.Decode(cookie.Value)
}

func (a *FlowAPI) setFlowCookie(c echo.Context, value string) {
	c.SetCookie(&http.Cookie{
		Name:     a.cfg.CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int(a.codec.TTL().Seconds()),
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *FlowAPI) clearFlowCookie(c echo.Context) {
	c.SetCookie(&http.Cookie{
		Name:     a.cfg.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// boundedDuration parses the session_duration query parameter and clamps it
// to the configured window. STS enforces a 900 second floor.
func (a *FlowAPI) boundedDuration(raw string) int32 {
	if raw == "" {
		return a.cfg.DefaultSessionDuration
	}
	parsed, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		return a.cfg.DefaultSessionDuration
	}
	duration := int32(parsed)
	if duration < 900 {
		return 900
	}
	if duration > a.cfg.MaxSessionDuration {
		return a.cfg.MaxSessionDuration
	}
	return duration
}

// roleArnFromQuery extracts a preselected role: either an explicit role_arn
// parameter, or a role+account pair composed into an ARN.
func roleArnFromQuery(params url.Values) string {
	if arn := params.Get("role_arn"); arn != "" {
		return arn
	}
	role := params.Get("role")
	account := params.Get("account")
	if role != "" && account != "" {
		return "arn:aws:iam::" + account + ":role/" + role
	}
	return ""
}
