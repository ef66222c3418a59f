// Package api defines the response envelope shared by every surface that
// exposes engine operations, and the mapping from engine errors to stable
// error codes.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/slopmasterai/maestro/core"
)

// Stable error codes carried in envelope errors
const (
	CodeValidation        = "VALIDATION_ERROR"
	CodeNotFound          = "NOT_FOUND"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeTimeout           = "TIMEOUT"
	CodeAgentUnavailable  = "AGENT_UNAVAILABLE"
	CodeParticipantLimit  = "PARTICIPANT_LIMIT"
	CodeInternal          = "INTERNAL_ERROR"
)

// Error is the envelope error payload
type Error struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// Meta carries per-response metadata
type Meta struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"requestId"`
}

// Response is the uniform envelope for every operation result
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	Meta    Meta        `json:"meta"`
}

// Success wraps data in a successful envelope. An empty requestID gets a
// generated one so responses are always correlatable.
func Success(data interface{}, requestID string) *Response {
	return &Response{
		Success: true,
		Data:    data,
		Meta:    newMeta(requestID),
	}
}

// Failure wraps an error in an envelope, translating it to a stable code
func Failure(err error, requestID string) *Response {
	return &Response{
		Success: false,
		Error:   translate(err),
		Meta:    newMeta(requestID),
	}
}

// FailureWithDetails attaches structured details to the envelope error
func FailureWithDetails(err error, details interface{}, requestID string) *Response {
	resp := Failure(err, requestID)
	resp.Error.Details = details
	return resp
}

func newMeta(requestID string) Meta {
	if requestID == "" {
		requestID = uuid.New().String()
	}
	return Meta{Timestamp: time.Now().UTC(), RequestID: requestID}
}

// translate maps an engine error onto a stable code. Sentinel matches win
// over kind classification so specific conditions keep distinct codes.
func translate(err error) *Error {
	if err == nil {
		return &Error{Code: CodeInternal, Message: "unknown error"}
	}
	code := CodeInternal
	switch {
	case errors.Is(err, core.ErrRateLimitExceeded):
		code = CodeRateLimitExceeded
	case errors.Is(err, core.ErrParticipantLimit):
		code = CodeParticipantLimit
	case errors.Is(err, core.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		code = CodeTimeout
	case errors.Is(err, core.ErrAgentUnavailable):
		code = CodeAgentUnavailable
	default:
		switch core.KindOf(err) {
		case core.KindValidation:
			code = CodeValidation
		case core.KindNotFound:
			code = CodeNotFound
		case core.KindPermission:
			code = CodeUnauthorized
		case core.KindCapacity:
			code = CodeRateLimitExceeded
		case core.KindTransient:
			code = CodeTimeout
		}
	}
	return &Error{Code: code, Message: err.Error()}
}

// StatusFor returns the HTTP status an envelope error code maps to
func StatusFor(code string) int {
	switch code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeRateLimitExceeded, CodeParticipantLimit:
		return http.StatusTooManyRequests
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeAgentUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
