package dingtalk

import (
	"errors"
	"fmt"
)

// Remote error codes we give special treatment. Everything else is a
// plain API failure surfaced to the caller.
const (
	codeInvalidCredential = 40001
	codeInvalidToken      = 40014
	codeThrottled         = 90018
	codeThrottledOrg      = 90019
)

// CredentialError means token issuance for one application failed.
// Retryable on the next access; other applications are unaffected.
type CredentialError struct {
	AppKey string
	Err    error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("credential refresh failed for app %s: %v", e.AppKey, e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// AuthError means the remote rejected our token even after one forced
// refresh. Surfaced, not retried further.
type AuthError struct {
	Code    int
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("remote rejected token after refresh: %d: %s", e.Code, e.Message)
}

// APIError is any non-auth remote failure
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote api error %d: %s", e.Code, e.Message)
}

// RateLimited reports whether this failure is the transient throttle
// class that warrants a backoff retry.
func (e *APIError) RateLimited() bool {
	return e.Code == codeThrottled || e.Code == codeThrottledOrg
}

func isAuthCode(code int) bool {
	return code == codeInvalidCredential || code == codeInvalidToken
}

// IsRateLimited reports whether err is a retryable throttle failure
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.RateLimited()
}
