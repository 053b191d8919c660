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

// Package biometricflow holds constants shared across the gateway and
// location services.
package biometricflow

const (
	// ComponentKey is the log attribute used to identify the emitting
	// component.
	ComponentKey = "component"

	// ComponentGateway is the unified gateway API server.
	ComponentGateway = "gateway"

	// ComponentLocation is the per-site location service.
	ComponentLocation = "location"

	// ComponentDevice is the fingerprint device adapter.
	ComponentDevice = "device"

	// ComponentSecurity is the request security pipeline.
	ComponentSecurity = "security"

	// ComponentConfig is the configuration loader.
	ComponentConfig = "config"

	// MetricNamespace is the prefix for all prometheus metrics.
	MetricNamespace = "biometricflow"
)

const (
	// TokenKindFrontend marks tokens minted for dashboard callers.
	TokenKindFrontend = "frontend"

	// TokenKindPlaceBackend marks tokens minted for location backends and
	// machine-to-machine callers.
	TokenKindPlaceBackend = "place_backend"
)

const (
	// HeaderAPIKey carries a raw API key credential.
	HeaderAPIKey = "X-API-Key"

	// HeaderRequestID carries the request correlation ID, generated when
	// the caller did not supply one.
	HeaderRequestID = "X-Request-Id"
)

// Version is the semantic version of the build, set at link time.
var Version = "0.0.0-dev"
