package oidc

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	serrors "go.pilab.hu/awsfed/errors"
)

func TestExchanger_Exchange(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		require.NoError(t, r.ParseForm())

		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "awsfed-client", r.PostForm.Get("client_id"))
		assert.Equal(t, "code-abc", r.PostForm.Get("code"))
		assert.Equal(t, "https://rp.example.com/redirect_uri", r.PostForm.Get("redirect_uri"))
		assert.Equal(t, "verifier-xyz", r.PostForm.Get("code_verifier"))
		assert.Empty(t, r.PostForm.Get("client_secret"), "public client must not send a secret")
		assert.Empty(t, r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id_token":"header.payload.sig","access_token":"at","token_type":"Bearer","expires_in":3600}`)
	}))
	defer server.Close()

	e := NewExchanger("awsfed-client", 5*time.Second)
	tokens, err := e.Exchange(context.Background(), server.URL, "code-abc", "https://rp.example.com/redirect_uri", "verifier-xyz")
	require.NoError(t, err)
	assert.Equal(t, "header.payload.sig", tokens.IDToken)
	assert.Equal(t, 3600, tokens.ExpiresIn)
}

func TestExchanger_ProviderRejectsCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant","error_description":"code code-abc already redeemed"}`, http.StatusBadRequest)
	}))
	defer server.Close()

	e := NewExchanger("awsfed-client", 5*time.Second)
	_, err := e.Exchange(context.Background(), server.URL, "code-abc", "https://rp.example.com/redirect_uri", "v")
	require.Error(t, err)
	assert.Equal(t, serrors.KindTokenExchangeFailed, serrors.KindOf(err))
	assert.NotContains(t, err.Error(), "code-abc",
		"upstream error bodies must not surface in errors")
}

func TestExchanger_MissingIDToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"access_token":"at","token_type":"Bearer"}`)
	}))
	defer server.Close()

	e := NewExchanger("awsfed-client", 5*time.Second)
	_, err := e.Exchange(context.Background(), server.URL, "c", "https://rp.example.com/redirect_uri", "v")
	require.Error(t, err)
	assert.Equal(t, serrors.KindTokenExchangeFailed, serrors.KindOf(err))
}

func TestExchanger_EndpointUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	e := NewExchanger("awsfed-client", time.Second)
	_, err := e.Exchange(context.Background(), server.URL, "c", "https://rp.example.com/redirect_uri", "v")
	require.Error(t, err)
	assert.Equal(t, serrors.KindTokenExchangeFailed, serrors.KindOf(err))
}

func TestExchanger_MalformedResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `this is not json`)
	}))
	defer server.Close()

	e := NewExchanger("awsfed-client", 5*time.Second)
	_, err := e.Exchange(context.Background(), server.URL, "c", "https://rp.example.com/redirect_uri", "v")
	require.Error(t, err)
	assert.Equal(t, serrors.KindTokenExchangeFailed, serrors.KindOf(err))
}
