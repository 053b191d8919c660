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

// Package httplib implements the response envelope and utility functions
// shared by the gateway and location HTTP APIs.
package httplib

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	biometricflow "github.com/OsamaM0/BiometricFlow-ZK-sub000"
)

// Failure describes one downstream that could not contribute to a
// response.
type Failure struct {
	LocationID string `json:"location_id"`
	Reason     string `json:"reason"`
}

// Metadata decorates every response envelope.
type Metadata struct {
	RequestID   string    `json:"request_id"`
	GeneratedAt time.Time `json:"generated_at"`
	Partial     *bool     `json:"partial,omitempty"`
	Failures    []Failure `json:"failures,omitempty"`
}

// Envelope is the uniform response body of every endpoint.
type Envelope struct {
	Success  bool     `json:"success"`
	Data     any      `json:"data"`
	Error    *Error   `json:"error"`
	Metadata Metadata `json:"metadata"`
}

// PartialResult is returned by handlers whose data was merged from
// several backends. Partial and Failures are reflected into the response
// metadata.
type PartialResult struct {
	Data     any
	Partial  bool
	Failures []Failure
}

// HandlerFunc is an HTTP handler that returns a payload or an error. The
// returned value is wrapped in the response envelope.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error)

// MakeHandler converts a HandlerFunc to an httprouter.Handle writing the
// uniform envelope.
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		out, err := fn(w, r, p)
		if err != nil {
			ReplyError(w, r, err)
			return
		}
		md := Metadata{RequestID: RequestID(r.Context()), GeneratedAt: time.Now().UTC()}
		if pr, ok := out.(*PartialResult); ok {
			md.Partial = &pr.Partial
			md.Failures = pr.Failures
			out = pr.Data
		}
		replyJSON(w, http.StatusOK, Envelope{Success: true, Data: out, Metadata: md})
	}
}

// ReplyError writes the envelope for a failed request. Errors carrying
// downstream failure details surface them in the metadata.
func ReplyError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := ConvertError(err)
	if apiErr.Status == http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request failed",
			biometricflow.ComponentKey, "http",
			"path", r.URL.Path, "error", err)
	}
	if apiErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(apiErr.RetryAfter))
	}
	md := Metadata{RequestID: RequestID(r.Context()), GeneratedAt: time.Now().UTC()}
	var fe interface{ FailureList() []Failure }
	if errors.As(err, &fe) {
		md.Failures = fe.FailureList()
	}
	replyJSON(w, apiErr.Status, Envelope{Success: false, Error: apiErr, Metadata: md})
}

func replyJSON(w http.ResponseWriter, status int, body Envelope) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// ReadJSON reads an HTTP request body of at most limit bytes and
// unmarshals it into val.
func ReadJSON(r *http.Request, limit int64, val any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return trace.Wrap(err)
	}
	if int64(len(data)) > limit {
		return BadRequest("request body too large")
	}
	if err := json.Unmarshal(data, val); err != nil {
		return BadRequest("invalid JSON request body")
	}
	return nil
}

// SetSecurityHeaders sets the standard response headers emitted on every
// response.
func SetSecurityHeaders(h http.Header) {
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	h.Set("Referrer-Policy", "no-referrer")
}

// FanoutError decorates an API error with the per-target failure list so
// ReplyError can surface it in the response metadata.
type FanoutError struct {
	Err      *Error
	Failures []Failure
}

// Error implements the error interface.
func (e *FanoutError) Error() string { return e.Err.Error() }

// Unwrap exposes the API error to ConvertError.
func (e *FanoutError) Unwrap() error { return e.Err }

// FailureList returns the per-target failures.
func (e *FanoutError) FailureList() []Failure { return e.Failures }

// WithFailures attaches a failure list to an API error.
func WithFailures(err *Error, failures []Failure) error {
	return &FanoutError{Err: err, Failures: failures}
}

type requestIDKey struct{}

// WithRequestID stores the correlation ID on the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the correlation ID attached to the context, or empty.
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewRequestID generates a fresh correlation ID.
func NewRequestID() string {
	return uuid.NewString()
}
