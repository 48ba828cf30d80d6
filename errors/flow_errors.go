package errors

import (
	"errors"
	"fmt"
)

// Flow error kinds. Every failure in the login pipeline maps to exactly one
// of these stable codes so user messaging and operator alerting can differ
// per stage.
const (
	KindProviderUnavailable      = "provider_unavailable"
	KindCsrfViolation            = "csrf_violation"
	KindTokenExchangeFailed      = "token_exchange_failed"
	KindIdentityTokenInvalid     = "identity_token_invalid"
	KindRoleServiceUnavailable   = "role_service_unavailable"
	KindRoleAssumptionDenied     = "role_assumption_denied"
	KindFederationExchangeFailed = "federation_exchange_failed"
)

// FlowError is the tagged error type shared by every stage of the login
// pipeline. Description is for logs only and must never contain tokens,
// credentials, or raw upstream response bodies.
type FlowError struct {
	Kind        string
	Description string
	Err         error
}

func (e *FlowError) Error() string {
	if e.Description == "" {
		return e.Kind
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Description)
}

func (e *FlowError) Unwrap() error {
	return e.Err
}

// AttackerInfluenced reports whether the failure is of the kind an attacker
// can trigger at will. These are logged with minimal detail; everything else
// is an infrastructure failure and logged loudly enough to alert an operator.
func (e *FlowError) AttackerInfluenced() bool {
	return e.Kind == KindCsrfViolation || e.Kind == KindIdentityTokenInvalid
}

// KindOf extracts the flow error kind from err, or "" if err is not a FlowError.
func KindOf(err error) string {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

func NewProviderUnavailable(description string, err error) *FlowError {
	return &FlowError{Kind: KindProviderUnavailable, Description: description, Err: err}
}

func NewCsrfViolation(description string) *FlowError {
	return &FlowError{Kind: KindCsrfViolation, Description: description}
}

func NewTokenExchangeFailed(description string, err error) *FlowError {
	return &FlowError{Kind: KindTokenExchangeFailed, Description: description, Err: err}
}

// NewIdentityTokenInvalid carries a short reason code ("signature", "nonce",
// "expired", ...) for diagnostics. The reason is never shown to the browser.
func NewIdentityTokenInvalid(reason string, err error) *FlowError {
	return &FlowError{Kind: KindIdentityTokenInvalid, Description: reason, Err: err}
}

func NewRoleServiceUnavailable(description string, err error) *FlowError {
	return &FlowError{Kind: KindRoleServiceUnavailable, Description: description, Err: err}
}

func NewRoleAssumptionDenied(description string, err error) *FlowError {
	return &FlowError{Kind: KindRoleAssumptionDenied, Description: description, Err: err}
}

func NewFederationExchangeFailed(description string, err error) *FlowError {
	return &FlowError{Kind: KindFederationExchangeFailed, Description: description, Err: err}
}
