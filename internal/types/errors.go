package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants.
// All handlers MUST use these constants instead of hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationMissingField      ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidEmail      ErrorCode = "validation_invalid_email"
	ErrCodeValidationInvalidPassword   ErrorCode = "validation_invalid_password"
	ErrCodeValidationInvalidJSON       ErrorCode = "validation_invalid_json"
	ErrCodeValidationMissingSessionRef ErrorCode = "validation_missing_session_ref"
	ErrCodeValidationInvalidProvider   ErrorCode = "validation_invalid_provider"
	ErrCodeValidationInvalidPath       ErrorCode = "validation_invalid_path"
	ErrCodeValidationInvalidSignature  ErrorCode = "validation_invalid_signature"

	// Auth (401)
	ErrCodeAuthNotAuthenticated ErrorCode = "auth_not_authenticated"
	ErrCodeAuthTokenMissing     ErrorCode = "auth_token_missing"
	ErrCodeAuthTokenInvalid     ErrorCode = "auth_token_invalid"
	ErrCodeAuthTokenExpired     ErrorCode = "auth_token_expired"
	ErrCodeAuthSessionExpired   ErrorCode = "auth_session_expired"
	ErrCodeAuthInvalidCreds     ErrorCode = "auth_invalid_credentials"
	ErrCodeAuthUserNotFound     ErrorCode = "auth_user_not_found"
	ErrCodeAuthRateLimited      ErrorCode = "auth_rate_limited"
	ErrCodeAuthEmailNotVerified ErrorCode = "auth_email_not_verified"
	ErrCodeAuthProviderMismatch ErrorCode = "auth_provider_mismatch"
	ErrCodeAuthCSRFInvalid      ErrorCode = "auth_csrf_invalid"

	// Permission (403)
	ErrCodePermissionSessionOwner ErrorCode = "permission_session_owner_mismatch"
	ErrCodePermissionNotPaid      ErrorCode = "permission_payment_required"

	// Limits (429)
	ErrCodeRateLimit ErrorCode = "rate_limit_exceeded"

	// Not Found (404)
	ErrCodeNotFoundUser          ErrorCode = "not_found_user"
	ErrCodeNotFoundSession       ErrorCode = "not_found_session"
	ErrCodeNotFoundPaymentRecord ErrorCode = "not_found_payment_record"
	ErrCodeNotFoundLesson        ErrorCode = "not_found_lesson"
	ErrCodeNotFoundRoute         ErrorCode = "not_found_route"

	// Method (405)
	ErrCodeMethodNotAllowed ErrorCode = "method_not_allowed"

	// Conflict (409)
	ErrCodeConflictEmail      ErrorCode = "conflict_email_exists"
	ErrCodeConflictConcurrent ErrorCode = "conflict_concurrent_modification"

	// Payment (402)
	ErrCodePaymentNotConfirmed ErrorCode = "payment_not_confirmed"

	// Internal/Upstream (500/502/503)
	ErrCodeInternalDB                   ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected           ErrorCode = "internal_unexpected_error"
	ErrCodeInternalConfigMissingSecret  ErrorCode = "internal_config_missing_secret"
	ErrCodeUpstreamProcessorUnavailable ErrorCode = "upstream_processor_unavailable"
	ErrCodeUpstreamProcessorNoURL       ErrorCode = "upstream_processor_no_url"
	ErrCodeUpstreamEmailProvider        ErrorCode = "upstream_email_provider_unavailable"
	ErrCodeUpstreamOAuthProvider        ErrorCode = "upstream_oauth_provider_unavailable"
	ErrCodeUpstreamUnavailable          ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited          ErrorCode = "upstream_rate_limited"

	// Session state still resolving when the wait bound expired (503)
	ErrCodeSessionNotReady ErrorCode = "session_not_ready"

	ErrCodeEmailBlocked ErrorCode = "email_blocked"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Used by the API layer to translate AppErrors into HTTP responses.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest // 400
	case s == string(ErrCodeAuthRateLimited):
		return http.StatusTooManyRequests // 429
	case s == string(ErrCodeAuthEmailNotVerified), s == string(ErrCodeAuthCSRFInvalid):
		return http.StatusForbidden // 403
	case s == string(ErrCodeAuthProviderMismatch):
		return http.StatusConflict // 409
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized // 401
	case strings.HasPrefix(s, "permission_"):
		return http.StatusForbidden // 403
	case s == string(ErrCodeRateLimit):
		return http.StatusTooManyRequests // 429
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound // 404
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict // 409
	case strings.HasPrefix(s, "payment_"):
		return http.StatusPaymentRequired // 402
	case s == string(ErrCodeMethodNotAllowed):
		return http.StatusMethodNotAllowed // 405
	case s == string(ErrCodeSessionNotReady):
		return http.StatusServiceUnavailable // 503
	case s == string(ErrCodeEmailBlocked):
		return http.StatusForbidden // 403
	case s == string(ErrCodeUpstreamProcessorUnavailable):
		return http.StatusServiceUnavailable // 503
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway // 502
	case strings.HasPrefix(s, "internal_"):
		return http.StatusInternalServerError // 500
	default:
		return http.StatusInternalServerError // 500
	}
}

// AppError is the standard application error type used throughout the service.
// All domain and handler errors should be expressed as AppError to enable
// consistent error formatting, HTTP status mapping, and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of the error with the provided details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error. This is the standard constructor for domain errors.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError with the given code, message,
// underlying error, and structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// IsCode reports whether err is (or wraps) an AppError carrying code.
func IsCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}
