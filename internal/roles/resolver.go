// Package roles is the client for the external id-token-for-roles service,
// which maps the groups asserted in an identity token to the set of AWS IAM
// roles those groups may assume.
package roles

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	serrors "go.pilab.hu/awsfed/errors"
)

// Candidate is a single assumable role. The JSON field names match what the
// role picker form posts back.
type Candidate struct {
	RoleArn      string `json:"arn"`
	RoleName     string `json:"role"`
	AccountID    string `json:"id"`
	AccountAlias string `json:"alias"`
}

// Client calls the role-lookup service, passing the raw identity token as
// the credential.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a role-lookup client for the service at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// NewClientWithHTTPClient creates a role-lookup client with a custom HTTP
// client (for testing).
func NewClientWithHTTPClient(baseURL string, client *http.Client) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: client}
}

type rolesRequest struct {
	Token string `json:"token"`
	Cache bool   `json:"cache"`
}

type rolesResponse struct {
	Roles   []string            `json:"roles"`
	Aliases map[string][]string `json:"aliases"`
	Error   string              `json:"error"`
}

// Resolve returns the roles the identity may assume, in the order the
// service returned them. An empty list is a legitimate "no access" outcome,
// not an error.
func (c *Client) Resolve(ctx context.Context, idToken string, cached bool) ([]Candidate, error) {
	var result rolesResponse
	if err := c.post(ctx, "/roles", rolesRequest{Token: idToken, Cache: cached}, &result); err != nil {
		return nil, err
	}
	if result.Error != "" {
		log.Warn().Msg("role-lookup service reported an error")
		return nil, serrors.NewRoleServiceUnavailable("role-lookup service reported an error", nil)
	}

	candidates := make([]Candidate, 0, len(result.Roles))
	for _, arn := range result.Roles {
		accountID, roleName, ok := splitRoleArn(arn)
		if !ok {
			log.Warn().Str("arn", arn).Msg("skipping malformed role ARN from role-lookup service")
			continue
		}
		alias := accountID
		if names := result.Aliases[accountID]; len(names) > 0 {
			alias = names[0]
		}
		candidates = append(candidates, Candidate{
			RoleArn:      arn,
			RoleName:     roleName,
			AccountID:    accountID,
			AccountAlias: alias,
		})
	}
	return candidates, nil
}

// ResolveAccountAlias converts a role ARN whose account field is an account
// alias into one with the real 12-digit account id. ARNs that already carry
// an account id pass through unchanged.
func (c *Client) ResolveAccountAlias(ctx context.Context, roleArn, idToken string, cached bool) (string, error) {
	elements := strings.Split(roleArn, ":")
	if len(elements) != 6 {
		return "", serrors.NewRoleAssumptionDenied("malformed role ARN", nil)
	}
	if accountIDPattern.MatchString(elements[4]) {
		return roleArn, nil
	}

	var result rolesResponse
	if err := c.post(ctx, "/roles", rolesRequest{Token: idToken, Cache: cached}, &result); err != nil {
		return "", err
	}
	for accountID, names := range result.Aliases {
		for _, name := range names {
			if name == elements[4] {
				elements[4] = accountID
				return strings.Join(elements, ":"), nil
			}
		}
	}
	return "", serrors.NewRoleAssumptionDenied("no AWS account found for alias", nil)
}

type rebuildResponse struct {
	Error string `json:"error"`
}

// RebuildGroupRoleMap asks the role-lookup service to rescan AWS accounts
// and rebuild its group-to-role map.
func (c *Client) RebuildGroupRoleMap(ctx context.Context, idToken string) error {
	var result rebuildResponse
	if err := c.post(ctx, "/rebuild-group-role-map", rolesRequest{Token: idToken}, &result); err != nil {
		return err
	}
	if result.Error != "" {
		return serrors.NewRoleServiceUnavailable("group role map rebuild was rejected", nil)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return serrors.NewRoleServiceUnavailable("failed to encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return serrors.NewRoleServiceUnavailable("failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return serrors.NewRoleServiceUnavailable("role-lookup service unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		log.Warn().Int("status", resp.StatusCode).Str("path", path).
			Msg("role-lookup service returned non-200 status")
		return serrors.NewRoleServiceUnavailable(
			fmt.Sprintf("role-lookup service returned status %d", resp.StatusCode), nil)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return serrors.NewRoleServiceUnavailable("malformed role-lookup response", err)
	}
	return nil
}

// CandidateFromArn builds a Candidate from a bare role ARN, with the account
// id standing in for the alias. Used when a role arrives as an ARN only
// (preselection, form submission) rather than from a lookup response.
func CandidateFromArn(arn string) Candidate {
	accountID, roleName, ok := splitRoleArn(arn)
	if !ok {
		return Candidate{RoleArn: arn}
	}
	return Candidate{
		RoleArn:      arn,
		RoleName:     roleName,
		AccountID:    accountID,
		AccountAlias: accountID,
	}
}

var accountIDPattern = regexp.MustCompile(`^\d{12}$`)

// splitRoleArn extracts the account id and role name from an IAM role ARN of
// the form arn:aws:iam::123456789012:role/path/Name.
func splitRoleArn(arn string) (accountID, roleName string, ok bool) {
	elements := strings.Split(arn, ":")
	if len(elements) != 6 {
		return "", "", false
	}
	resource := elements[5]
	slash := strings.LastIndex(resource, "/")
	if slash < 0 || slash == len(resource)-1 {
		return "", "", false
	}
	return elements[4], resource[slash+1:], true
}
