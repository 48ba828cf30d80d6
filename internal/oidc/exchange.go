// Package oidc implements the relying-party side of the authorization code
// flow: exchanging the callback code for tokens and validating the returned
// identity token.
package oidc

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	serrors "go.pilab.hu/awsfed/errors"
)

// TokenResponse is the provider's answer to a code exchange.
type TokenResponse struct {
	IDToken     string
	AccessToken string
	TokenType   string
	ExpiresIn   int
}

// Exchanger performs the authorization-code-for-tokens exchange. It never
// retries: a retried exchange risks a code-reuse rejection from the
// provider, which is terminal anyway.
type Exchanger struct {
	clientID   string
	httpClient *http.Client
}

// NewExchanger creates a token exchange client.
func NewExchanger(clientID string, timeout time.Duration) *Exchanger {
	return &Exchanger{
		clientID:   clientID,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// NewExchangerWithClient creates a token exchange client with a custom HTTP
// client (for testing).
func NewExchangerWithClient(clientID string, client *http.Client) *Exchanger {
	return &Exchanger{clientID: clientID, httpClient: client}
}

// Exchange redeems the authorization code at the provider's token endpoint,
// binding the PKCE verifier. Upstream error bodies are never propagated.
func (e *Exchanger) Exchange(ctx context.Context, tokenEndpoint, code, redirectURI, codeVerifier string) (*TokenResponse, error) {
	conf := &oauth2.Config{
		ClientID:    e.clientID,
		RedirectURL: redirectURI,
		Endpoint: oauth2.Endpoint{
			TokenURL: tokenEndpoint,
			// Public client: client_id travels in the form body, no secret.
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)
	token, err := conf.Exchange(ctx, code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			// Dropped, not wrapped: the provider's error body can echo
			// request data and RetrieveError renders it.
			log.Warn().Int("status", re.Response.StatusCode).Msg("token endpoint rejected code exchange")
			return nil, serrors.NewTokenExchangeFailed("token endpoint rejected the code exchange", nil)
		}
		return nil, serrors.NewTokenExchangeFailed("code exchange failed", err)
	}

	idToken, _ := token.Extra("id_token").(string)
	if idToken == "" {
		return nil, serrors.NewTokenExchangeFailed("token endpoint response contained no id_token", nil)
	}

	expiresIn := 0
	if v, ok := token.Extra("expires_in").(float64); ok {
		expiresIn = int(v)
	}

	return &TokenResponse{
		IDToken:     idToken,
		AccessToken: token.AccessToken,
		TokenType:   token.TokenType,
		ExpiresIn:   expiresIn,
	}, nil
}
