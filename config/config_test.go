package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CLIENT_ID", "awsfed-client")
	t.Setenv("DISCOVERY_URL", "https://idp.example.com/.well-known/openid-configuration")
	t.Setenv("ID_TOKEN_FOR_ROLES_URL", "https://roles.example.com")
	t.Setenv("DOMAIN_NAME", "aws.example.com")
	t.Setenv("COOKIE_SECRET", "a-long-random-secret")
}

func TestLoadConfig_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, "openid email profile", cfg.OIDCScopes)
	assert.Equal(t, "/redirect_uri", cfg.RedirectPath)
	assert.Equal(t, "federation", cfg.CookieName)
	assert.Equal(t, 10, cfg.FlowTTLMinutes)
	assert.Equal(t, int32(3600), cfg.DefaultSessionDuration)
	assert.Equal(t, int32(43200), cfg.MaxSessionDuration)
	assert.Equal(t, "https://console.aws.amazon.com/", cfg.DefaultDestinationURL)
	assert.Equal(t, 5, cfg.HTTPTimeoutSec)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("DEFAULT_SESSION_DURATION", "7200")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.HTTPPort)
	assert.Equal(t, int32(7200), cfg.DefaultSessionDuration)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfig_MissingRequired(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("COOKIE_SECRET", "")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COOKIE_SECRET")
}

func TestLoadConfig_DurationSanity(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DEFAULT_SESSION_DURATION", "50000")
	t.Setenv("MAX_SESSION_DURATION", "43200")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DEFAULT_SESSION_DURATION")
}

func TestConfig_URLs(t *testing.T) {
	cfg := &Config{DomainName: "aws.example.com", RedirectPath: "/redirect_uri"}
	assert.Equal(t, "https://aws.example.com/redirect_uri", cfg.RedirectURI())
	assert.Equal(t, "https://aws.example.com/", cfg.IssuerURL())
}
