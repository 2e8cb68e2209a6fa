// Package apperr defines the error taxonomy shared by the policy, audit and
// session-key components, and how each error surfaces over HTTP.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrPolicyRevoked             = errors.New("policy revoked")
	ErrPolicyExpired             = errors.New("policy expired")
	ErrUnauthorizedAccess        = errors.New("unauthorized access")
	ErrReportNotFound            = errors.New("report id does not match policy")
	ErrInvalidAccessType         = errors.New("invalid access type")
	ErrTokenExpired              = errors.New("token not expired")
	ErrSessionKeyNotFound        = errors.New("session key not found")
	ErrSessionKeyExpired         = errors.New("session key expired")
	ErrSignatureMismatch         = errors.New("signature mismatch")
	ErrInvalidChallengeCount     = errors.New("invalid challenge count")
	ErrInvalidSignatureAlgorithm = errors.New("invalid signature algorithm")
	ErrUnauthorized              = errors.New("auditor not authorized")

	ErrNotFound              = errors.New("not found")
	ErrAlreadyExists         = errors.New("already exists")
	ErrInvalidInput          = errors.New("invalid input")
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	ErrStaleAuditEpoch       = errors.New("audit epoch older than last recorded epoch")
)

type entry struct {
	err    error
	code   string
	status int
}

// Order matters: the first match wins, so specific errors come before the
// generic not-found and input errors they may wrap.
var table = []entry{
	{ErrPolicyRevoked, "policy_revoked", http.StatusForbidden},
	{ErrPolicyExpired, "policy_expired", http.StatusForbidden},
	{ErrUnauthorizedAccess, "unauthorized_access", http.StatusForbidden},
	{ErrUnauthorized, "auditor_unauthorized", http.StatusForbidden},
	{ErrReportNotFound, "report_not_found", http.StatusNotFound},
	{ErrInvalidAccessType, "invalid_access_type", http.StatusBadRequest},
	{ErrTokenExpired, "token_not_expired", http.StatusConflict},
	{ErrSessionKeyNotFound, "session_key_not_found", http.StatusNotFound},
	{ErrSessionKeyExpired, "session_key_expired", http.StatusUnauthorized},
	{ErrSignatureMismatch, "signature_mismatch", http.StatusUnauthorized},
	{ErrInvalidChallengeCount, "invalid_challenge_count", http.StatusBadRequest},
	{ErrInvalidSignatureAlgorithm, "invalid_signature_algorithm", http.StatusBadRequest},
	{ErrStaleAuditEpoch, "stale_audit_epoch", http.StatusConflict},
	{ErrDependencyUnavailable, "dependency_unavailable", http.StatusServiceUnavailable},
	{ErrAlreadyExists, "already_exists", http.StatusConflict},
	{ErrNotFound, "not_found", http.StatusNotFound},
	{ErrInvalidInput, "invalid_input", http.StatusBadRequest},
}

// HTTPStatus maps err onto the status code clients see. Unknown errors are 500.
func HTTPStatus(err error) int {
	for _, e := range table {
		if errors.Is(err, e.err) {
			return e.status
		}
	}
	return http.StatusInternalServerError
}

// Code returns a stable machine-readable code naming the check that failed.
func Code(err error) string {
	for _, e := range table {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return "internal"
}

// FromCode is the inverse of Code, used to rebuild errors returned by a
// remote peer. Unknown codes map to nil.
func FromCode(code string) error {
	for _, e := range table {
		if e.code == code {
			return e.err
		}
	}
	return nil
}

// Body is the JSON error envelope every HTTP surface returns.
type Body struct {
	Error Detail `json:"error"`
}

type Detail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewBody(err error) Body {
	return Body{Error: Detail{Code: Code(err), Message: err.Error()}}
}

// Err rebuilds an error that still matches the original sentinel under
// errors.Is.
func (b Body) Err() error {
	if sentinel := FromCode(b.Error.Code); sentinel != nil {
		return fmt.Errorf("%s: %w", b.Error.Message, sentinel)
	}
	return errors.New(b.Error.Message)
}
