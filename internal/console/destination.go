package console

import (
	"net/url"
	"strings"
)

// DestinationFromReferer derives the console Destination from the request
// that started the flow. When a console session expires, AWS bounces the
// browser to the federation Issuer with a Referer of the form
// https://REGION.signin.aws.amazon.com/oauth?...&redirect_uri=PAGE; sending
// the user back to PAGE (minus AWS's transient state parameters) lands them
// where they were. Anything else falls back to fallback.
func DestinationFromReferer(referer, fallback string) string {
	ref, err := url.Parse(referer)
	if err != nil {
		return fallback
	}
	if !strings.HasSuffix(ref.Host, ".signin.aws.amazon.com") || ref.Path != "/oauth" {
		return fallback
	}

	redirectURI := ref.Query().Get("redirect_uri")
	if redirectURI == "" {
		return fallback
	}
	dest, err := url.Parse(redirectURI)
	if err != nil {
		return fallback
	}

	query := dest.Query()
	for key := range query {
		switch strings.ToLower(key) {
		case "state", "isauthcode":
			query.Del(key)
		}
	}
	dest.RawQuery = query.Encode()
	return dest.String()
}
