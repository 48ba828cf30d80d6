package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the relying party. Tags use mapstructure
// for Viper unmarshalling; every key is also readable from the environment.
type Config struct {
	HTTPPort string `mapstructure:"HTTP_PORT"`

	// OIDC relying party settings.
	ClientID     string `mapstructure:"CLIENT_ID"`
	DiscoveryURL string `mapstructure:"DISCOVERY_URL"`
	OIDCScopes   string `mapstructure:"OIDC_SCOPES"`

	// External role-lookup service (id-token-for-roles API).
	RolesServiceURL string `mapstructure:"ID_TOKEN_FOR_ROLES_URL"`

	// DomainName scopes the flow cookie and is the host of the absolute
	// redirect URI registered with the identity provider.
	DomainName   string `mapstructure:"DOMAIN_NAME"`
	RedirectPath string `mapstructure:"REDIRECT_PATH"`

	CookieName     string `mapstructure:"COOKIE_NAME"`
	CookieSecret   string `mapstructure:"COOKIE_SECRET"`
	FlowTTLMinutes int    `mapstructure:"FLOW_TTL_MIN"`

	// AWS federation settings.
	AWSRegion              string `mapstructure:"AWS_REGION"`
	DefaultSessionDuration int32  `mapstructure:"DEFAULT_SESSION_DURATION"`
	MaxSessionDuration     int32  `mapstructure:"MAX_SESSION_DURATION"`
	DefaultDestinationURL  string `mapstructure:"DEFAULT_DESTINATION_URL"`

	// Timeout, in seconds, applied to every outbound HTTP call.
	HTTPTimeoutSec int `mapstructure:"HTTP_TIMEOUT_SEC"`

	LogLevel        string `mapstructure:"LOG_LEVEL"`
	LogPretty       bool   `mapstructure:"LOG_PRETTY"`
	OtelServiceName string `mapstructure:"OTEL_SERVICE_NAME"`
}

// RedirectURI returns the absolute redirect URI sent to the identity provider.
func (c *Config) RedirectURI() string {
	return "https://" + c.DomainName + c.RedirectPath
}

// IssuerURL returns the base URL of this deployment, used as the federation
// Issuer so expired console sessions bounce back into the flow.
func (c *Config) IssuerURL() string {
	return "https://" + c.DomainName + "/"
}

// LoadConfig reads configuration from file, environment variables, and defaults.
func LoadConfig() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/awsfed/")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("OIDC_SCOPES", "openid email profile")
	v.SetDefault("REDIRECT_PATH", "/redirect_uri")
	v.SetDefault("COOKIE_NAME", "federation")
	v.SetDefault("FLOW_TTL_MIN", 10)
	v.SetDefault("AWS_REGION", "us-east-1")
	v.SetDefault("DEFAULT_SESSION_DURATION", 3600)
	v.SetDefault("MAX_SESSION_DURATION", 43200)
	v.SetDefault("DEFAULT_DESTINATION_URL", "https://console.aws.amazon.com/")
	v.SetDefault("HTTP_TIMEOUT_SEC", 5)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", false)
	v.SetDefault("OTEL_SERVICE_NAME", "awsfed")

	// Keys with no default still need to be known to Viper for AutomaticEnv
	// to pick them up during Unmarshal.
	for _, key := range []string{
		"CLIENT_ID", "DISCOVERY_URL", "ID_TOKEN_FOR_ROLES_URL",
		"DOMAIN_NAME", "COOKIE_SECRET",
	} {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine, we run on env vars and defaults.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	missing := []string{}
	if c.ClientID == "" {
		missing = append(missing, "CLIENT_ID")
	}
	if c.DiscoveryURL == "" {
		missing = append(missing, "DISCOVERY_URL")
	}
	if c.RolesServiceURL == "" {
		missing = append(missing, "ID_TOKEN_FOR_ROLES_URL")
	}
	if c.DomainName == "" {
		missing = append(missing, "DOMAIN_NAME")
	}
	if c.CookieSecret == "" {
		missing = append(missing, "COOKIE_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if c.DefaultSessionDuration > c.MaxSessionDuration {
		return fmt.Errorf("DEFAULT_SESSION_DURATION %d exceeds MAX_SESSION_DURATION %d",
			c.DefaultSessionDuration, c.MaxSessionDuration)
	}
	return nil
}
