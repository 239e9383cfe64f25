package core

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"coursegate/internal/types"
)

const maxRequestBodySize = 64 << 10

// APIResponse is the envelope for successful responses.
type APIResponse struct {
	Data any `json:"data"`
}

// APIErrorResponse is the envelope for error responses.
type APIErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the client-visible part of an error.
type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`
}

// JSON writes data with the given status. A marshalling failure becomes a
// 500 envelope.
func JSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		types.LoggerFromContext(r.Context()).Error("failed to marshal response", slog.String("error", err.Error()))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = writePanicEnvelope(w, types.GetRequestID(r.Context()))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// Data writes data wrapped in the APIResponse envelope.
func Data(w http.ResponseWriter, r *http.Request, status int, data any) {
	JSON(w, r, status, APIResponse{Data: data})
}

// Error writes err as an APIErrorResponse. An AppError anywhere in the chain
// determines status, code and details; any other error is reported as a 500
// without leaking its message.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	requestID := types.GetRequestID(r.Context())

	var appErr *types.AppError
	if errors.As(err, &appErr) {
		status := appErr.HTTPStatus()
		if status >= http.StatusInternalServerError {
			types.LoggerFromContext(r.Context()).Error("request failed",
				slog.String("code", string(appErr.Code)),
				slog.Any("error", err),
			)
		}
		JSON(w, r, status, APIErrorResponse{Error: ErrorDetail{
			Code:      string(appErr.Code),
			Message:   appErr.Message,
			Details:   appErr.Details,
			RequestID: requestID,
		}})
		return
	}

	types.LoggerFromContext(r.Context()).Error("unhandled error", slog.Any("error", err))
	JSON(w, r, http.StatusInternalServerError, APIErrorResponse{Error: ErrorDetail{
		Code:      string(types.ErrCodeInternalUnexpected),
		Message:   "an unexpected error occurred",
		RequestID: requestID,
	}})
}

// DecodeJSON reads a single JSON object from the body into dst, rejecting
// unknown fields and bodies over 64 KiB.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return mapDecodeError(err)
	}
	if dec.More() {
		return types.NewAppError(types.ErrCodeValidationInvalidJSON, "request body must contain a single JSON object", nil)
	}
	return nil
}

func mapDecodeError(err error) *types.AppError {
	var (
		maxBytesErr *http.MaxBytesError
		syntaxErr   *json.SyntaxError
		typeErr     *json.UnmarshalTypeError
	)

	switch {
	case errors.As(err, &maxBytesErr):
		return types.NewAppError(types.ErrCodeValidationInvalidJSON, "request body is too large", err)
	case errors.As(err, &syntaxErr):
		return types.NewAppError(types.ErrCodeValidationInvalidJSON, "malformed JSON in request body", err)
	case errors.As(err, &typeErr):
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidJSON, "invalid value for field", err,
			map[string]any{"field": typeErr.Field, "expected": typeErr.Type.String()})
	case strings.HasPrefix(err.Error(), "json: unknown field "):
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidJSON, "unknown field in request body", err,
			map[string]any{"field": strings.Trim(strings.TrimPrefix(err.Error(), "json: unknown field "), `"`)})
	case errors.Is(err, io.EOF):
		return types.NewAppError(types.ErrCodeValidationInvalidJSON, "request body must not be empty", err)
	case errors.Is(err, io.ErrUnexpectedEOF):
		return types.NewAppError(types.ErrCodeValidationInvalidJSON, "malformed JSON in request body", err)
	default:
		return types.NewAppError(types.ErrCodeValidationInvalidJSON, "invalid JSON in request body", err)
	}
}
