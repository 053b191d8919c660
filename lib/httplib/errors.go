// BiometricFlow-ZK
// Copyright (C) 2025 BiometricFlow-ZK contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package httplib

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gravitational/trace"
)

// Stable error codes returned in the response envelope.
const (
	CodeAuthRequired        = "AUTH_REQUIRED"
	CodeAuthInvalid         = "AUTH_INVALID"
	CodeForbidden           = "FORBIDDEN"
	CodeRateLimited         = "RATE_LIMITED"
	CodeBadRequest          = "BAD_REQUEST"
	CodeNotFound            = "NOT_FOUND"
	CodeConflict            = "CONFLICT"
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	CodeTimeout             = "TIMEOUT"
	CodeInternal            = "INTERNAL"
)

// Error is an API error carrying a stable code and the HTTP status it maps
// to. Messages are human readable and never echo request content or
// secrets.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`

	// Status is the HTTP status to reply with. Not serialized.
	Status int `json:"-"`
	// RetryAfter, when positive, is emitted as the Retry-After header in
	// seconds.
	RetryAfter int `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%v: %v", e.Code, e.Message)
}

// AuthRequired is returned when no credential was presented.
func AuthRequired() *Error {
	return &Error{Code: CodeAuthRequired, Message: "authentication required", Status: http.StatusUnauthorized}
}

// AuthInvalid is returned for any bad credential. Bad keys, bad
// signatures, expired tokens and wrong token kinds all produce this same
// error.
func AuthInvalid() *Error {
	return &Error{Code: CodeAuthInvalid, Message: "invalid credentials", Status: http.StatusUnauthorized}
}

// Forbidden is returned when the caller address is not allow-listed.
func Forbidden() *Error {
	return &Error{Code: CodeForbidden, Message: "access denied", Status: http.StatusForbidden}
}

// RateLimited is returned when the caller exceeded the request budget,
// with the remaining block time in seconds.
func RateLimited(retryAfter int) *Error {
	return &Error{
		Code:       CodeRateLimited,
		Message:    "too many requests",
		Status:     http.StatusTooManyRequests,
		RetryAfter: retryAfter,
	}
}

// BadRequest is returned on parameter validation or content screening
// failures.
func BadRequest(format string, args ...any) *Error {
	return &Error{Code: CodeBadRequest, Message: fmt.Sprintf(format, args...), Status: http.StatusBadRequest}
}

// NotFound is returned for unknown devices and locations.
func NotFound(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...), Status: http.StatusNotFound}
}

// Conflict is returned when a device name resolves to more than one
// location.
func Conflict(format string, args ...any) *Error {
	return &Error{Code: CodeConflict, Message: fmt.Sprintf(format, args...), Status: http.StatusConflict}
}

// UpstreamUnavailable is returned when every downstream call failed.
func UpstreamUnavailable(format string, args ...any) *Error {
	return &Error{Code: CodeUpstreamUnavailable, Message: fmt.Sprintf(format, args...), Status: http.StatusBadGateway}
}

// Timeout is returned when the overall request deadline elapsed.
func Timeout() *Error {
	return &Error{Code: CodeTimeout, Message: "request deadline exceeded", Status: http.StatusGatewayTimeout}
}

// Internal is returned for unexpected failures. Details stay in the logs.
func Internal() *Error {
	return &Error{Code: CodeInternal, Message: "internal error", Status: http.StatusInternalServerError}
}

// ConvertError maps an error to its API representation. Typed *Error
// values pass through; trace errors map onto the taxonomy; anything else
// is an internal error.
func ConvertError(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout()
	case trace.IsBadParameter(err):
		return BadRequest("%v", trace.UserMessage(err))
	case trace.IsNotFound(err):
		return NotFound("%v", trace.UserMessage(err))
	case trace.IsAccessDenied(err):
		return AuthInvalid()
	case trace.IsAlreadyExists(err):
		return Conflict("%v", trace.UserMessage(err))
	case trace.IsLimitExceeded(err):
		return RateLimited(0)
	case trace.IsConnectionProblem(err):
		return UpstreamUnavailable("%v", trace.UserMessage(err))
	}
	return Internal()
}
