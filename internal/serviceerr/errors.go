// Package serviceerr defines the errors returned to HTTP clients. The
// codes follow RFC 6749 section 4.1.2.1 and 5.2 where one fits and are
// extended with codes specific to the dashboard.
package serviceerr

import (
	"encoding/json"
	"errors"
	"net/http"
)

type Code string

// RFC 6749 authorization errors.
const (
	CodeInvalidRequest          Code = "invalid_request"
	CodeUnauthorizedClient      Code = "unauthorized_client"
	CodeAccessDenied            Code = "access_denied"
	CodeUnsupportedResponseType Code = "unsupported_response_type"
	CodeInvalidScope            Code = "invalid_scope"
	CodeServerError             Code = "server_error"
	CodeTemporarilyUnavailable  Code = "temporarily_unavailable"
)

// RFC 6749 token errors.
const (
	CodeInvalidClient        Code = "invalid_client"
	CodeInvalidGrant         Code = "invalid_grant"
	CodeUnsupportedGrantType Code = "unsupported_grant_type"
)

const (
	CodeUnknown                Code = "unknown"
	CodeConflict               Code = "conflict"
	CodeNotFound               Code = "not_found"
	CodeFingerprintMismatch    Code = "fingerprint_mismatch"
	CodeStateExpired           Code = "state_expired"
	CodeInvalidOIDCProvider    Code = "invalid_oidc_provider"
	CodeInvalidCSRFToken       Code = "invalid_csrf_token"
	CodeInvalidAtHashToken     Code = "invalid_at_hash_token"
	CodeEndSessionNotSupported Code = "end_session_not_supported"
	CodeInvalidAction          Code = "invalid_action"
)

type Error struct {
	Err         Code   `json:"error"`
	Description string `json:"error_description,omitempty"`
}

var (
	ErrInvalidRequest          = &Error{Err: CodeInvalidRequest}
	ErrUnauthorizedClient      = &Error{Err: CodeUnauthorizedClient}
	ErrAccessDenied            = &Error{Err: CodeAccessDenied}
	ErrUnsupportedResponseType = &Error{Err: CodeUnsupportedResponseType}
	ErrInvalidScope            = &Error{Err: CodeInvalidScope}
	ErrServerError             = &Error{Err: CodeServerError}
	ErrTemporarilyUnavailable  = &Error{Err: CodeTemporarilyUnavailable}

	ErrInvalidClient        = &Error{Err: CodeInvalidClient}
	ErrInvalidGrant         = &Error{Err: CodeInvalidGrant}
	ErrUnsupportedGrantType = &Error{Err: CodeUnsupportedGrantType}

	ErrUnknown                = &Error{Err: CodeUnknown, Description: "unknown error"}
	ErrConflict               = &Error{Err: CodeConflict, Description: "already exists"}
	ErrNotFound               = &Error{Err: CodeNotFound, Description: "not found"}
	ErrFingerprintMismatch    = &Error{Err: CodeFingerprintMismatch, Description: "fingerprint mismatch"}
	ErrStateExpired           = &Error{Err: CodeStateExpired, Description: "login flow expired"}
	ErrInvalidOIDCProvider    = &Error{Err: CodeInvalidOIDCProvider, Description: "identity provider discovery failed"}
	ErrInvalidCSRFToken       = &Error{Err: CodeInvalidCSRFToken, Description: "missing or invalid CSRF token"}
	ErrUnauthorized           = &Error{Err: CodeUnauthorizedClient, Description: "not authenticated"}
	ErrInvalidAtHash          = &Error{Err: CodeInvalidAtHashToken, Description: "access token does not match at_hash"}
	ErrEndSessionNotSupported = &Error{Err: CodeEndSessionNotSupported, Description: "identity provider does not support end session"}
	ErrInvalidAction          = &Error{Err: CodeInvalidAction, Description: "invalid action"}
)

func (e *Error) Error() string {
	if e.Description == "" {
		return string(e.Err)
	}

	return string(e.Err) + ": " + e.Description
}

// Is reports errors with the same code as equal so that callers can
// match on a predefined error after adding a description.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}

	return e.Err == t.Err
}

// WithDescription returns a copy of the error carrying a new description.
func (e *Error) WithDescription(desc string) *Error {
	return &Error{Err: e.Err, Description: desc}
}

func (e *Error) HTTPStatus() int {
	switch e.Err {
	case CodeInvalidRequest, CodeUnsupportedResponseType, CodeInvalidScope,
		CodeInvalidClient, CodeInvalidGrant, CodeUnsupportedGrantType, CodeInvalidAction:
		return http.StatusBadRequest
	case CodeUnauthorizedClient, CodeInvalidAtHashToken:
		return http.StatusUnauthorized
	case CodeAccessDenied, CodeFingerprintMismatch, CodeInvalidCSRFToken:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeStateExpired:
		return http.StatusGone
	case CodeInvalidOIDCProvider, CodeEndSessionNotSupported:
		return http.StatusPreconditionFailed
	case CodeTemporarilyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON writes err as a JSON error body. Errors that are not an
// *Error are reported as ErrUnknown so that internals never leak.
func WriteJSON(w http.ResponseWriter, err error) {
	var svcErr *Error
	if !errors.As(err, &svcErr) {
		svcErr = ErrUnknown
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(svcErr.HTTPStatus())
	_ = json.NewEncoder(w).Encode(svcErr)
}
