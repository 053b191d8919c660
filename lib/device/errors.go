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

package device

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a device operation failure.
type Kind int

const (
	// KindUnreachable means the terminal could not be reached at all.
	KindUnreachable Kind = iota
	// KindProtocol means the terminal answered with something the client
	// could not make sense of.
	KindProtocol
	// KindTimeout means the operation deadline elapsed.
	KindTimeout
)

// String returns the lowercase kind name.
func (k Kind) String() string {
	switch k {
	case KindUnreachable:
		return "unreachable"
	case KindProtocol:
		return "protocol_error"
	case KindTimeout:
		return "timeout"
	}
	return "unknown"
}

// Error is a typed device operation failure.
type Error struct {
	Device string
	Kind   Kind
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("device %v: %v: %v", e.Device, e.Kind, e.Err)
	}
	return fmt.Sprintf("device %v: %v", e.Device, e.Kind)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err as a typed device failure. Context deadline errors
// become timeouts regardless of the requested kind.
func NewError(device string, kind Kind, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return &Error{Device: device, Kind: kind, Err: err}
}

func isKind(err error, kind Kind) bool {
	var devErr *Error
	return errors.As(err, &devErr) && devErr.Kind == kind
}

// IsUnreachable reports whether err is a device unreachable failure.
func IsUnreachable(err error) bool { return isKind(err, KindUnreachable) }

// IsProtocol reports whether err is a device protocol failure.
func IsProtocol(err error) bool { return isKind(err, KindProtocol) }

// IsTimeout reports whether err is a device operation timeout.
func IsTimeout(err error) bool {
	return isKind(err, KindTimeout) || errors.Is(err, context.DeadlineExceeded)
}
