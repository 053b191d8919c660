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

// Package defaults contains default constants used across the
// biometricflow services.
package defaults

import "time"

// Default port numbers used by the services.
const (
	// GatewayListenPort is the default port of the unified gateway API.
	GatewayListenPort = 8000

	// LocationListenPort is the default port of a location service API.
	LocationListenPort = 8001
)

const (
	// TokenTTL is the lifetime of issued access tokens, for both frontend
	// and place backend kinds.
	TokenTTL = time.Hour

	// TokenRefreshMargin is the remaining lifetime below which the gateway
	// token cache mints a fresh downstream token instead of reusing the
	// cached one.
	TokenRefreshMargin = time.Minute

	// ClockSkew is the tolerance applied when validating token timestamps.
	ClockSkew = 30 * time.Second

	// MinSecretLen is the minimum length in bytes of API keys and JWT
	// signing secrets.
	MinSecretLen = 32
)

const (
	// RateLimitWindow is the width of the per-IP request counting window.
	RateLimitWindow = time.Minute

	// RateLimitCount is the number of requests allowed per IP per window.
	RateLimitCount = 100

	// RateLimitBlock is the initial duration an IP is blocked after
	// exceeding the window capacity. Re-offending inside a block doubles
	// the next block, up to RateLimitBlockMax.
	RateLimitBlock = 2 * time.Minute

	// RateLimitBlockMax caps the escalating block duration.
	RateLimitBlockMax = time.Hour

	// MaxBodyBytes is the largest request body accepted by the content
	// screen.
	MaxBodyBytes = 1 << 20 // 1 MiB

	// MaxResponseBytes is the largest downstream response body the
	// gateway reads.
	MaxResponseBytes = 32 << 20 // 32 MiB
)

const (
	// RequestBudget is the overall deadline applied to every inbound
	// request.
	RequestBudget = 30 * time.Second

	// DownstreamTimeout is the default per-location timeout for gateway
	// fan-out calls, bounded by the remaining request budget.
	DownstreamTimeout = 10 * time.Second

	// OutboundConcurrency caps concurrent gateway downstream requests
	// across all fan-outs.
	OutboundConcurrency = 32

	// HTTPIdleTimeout is the keep-alive idle timeout of the HTTP servers.
	HTTPIdleTimeout = 2 * time.Minute

	// ShutdownTimeout bounds graceful HTTP server shutdown.
	ShutdownTimeout = 10 * time.Second
)

const (
	// BreakerFailureThreshold is the number of consecutive downstream
	// failures that trips a location circuit breaker open.
	BreakerFailureThreshold = 5

	// BreakerOpenInterval is how long a tripped breaker rejects calls
	// before letting a probe through. Doubles on repeated trips up to
	// BreakerOpenIntervalMax.
	BreakerOpenInterval = 15 * time.Second

	// BreakerOpenIntervalMax caps the doubling open interval.
	BreakerOpenIntervalMax = 4 * time.Minute
)

const (
	// DeviceDialTimeout bounds establishing a TCP session to a terminal.
	DeviceDialTimeout = 5 * time.Second

	// DevicePingTimeout bounds the liveness probe of a pooled connection
	// before reuse and during health checks.
	DevicePingTimeout = 2 * time.Second

	// DeviceReadTimeout bounds bulk reads such as the attendance log.
	DeviceReadTimeout = 20 * time.Second

	// DeviceIdleTTL is how long an unused device connection is kept open.
	DeviceIdleTTL = time.Minute
)

const (
	// MaxAttendanceRangeDays is the widest start..end span accepted by
	// attendance queries.
	MaxAttendanceRangeDays = 370
)

const (
	// WorkDayStart is the default working window start, in minutes from
	// midnight local device time.
	WorkDayStart = 8 * 60

	// WorkDayEnd is the default working window end, in minutes from
	// midnight.
	WorkDayEnd = 17 * 60

	// GraceMinutes is the default tolerance applied to late arrival and
	// early leave classification.
	GraceMinutes = 10
)
