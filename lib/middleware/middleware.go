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

// Package middleware gates every HTTP request before it reaches the
// business handlers. Checks run in a fixed order and fail closed on the
// first failure: IP allow-list, rate limiting, size and content
// screening, then authentication on the protected routes.
package middleware

import (
	"bytes"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"

	biometricflow "github.com/OsamaM0/BiometricFlow-ZK-sub000"
	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/auth"
	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/defaults"
	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/httplib"
	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/limiter"
	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/utils"
)

// Rejection reasons attached to security events and metrics.
const (
	ReasonIPDenied    = "ip_denied"
	ReasonRateLimited = "rate_limited"
	ReasonBodySize    = "body_too_large"
	ReasonScreened    = "content_screened"
	ReasonAuth        = "auth_failed"
)

var securityRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: biometricflow.MetricNamespace,
	Subsystem: "security",
	Name:      "rejections_total",
	Help:      "Requests rejected by the security pipeline, by reason.",
}, []string{"reason"})

var registerOnce sync.Once

func ensureRegistered() {
	registerOnce.Do(func() {
		prometheus.MustRegister(securityRejections)
	})
}

// DefaultBlockedPatterns is the default content screen. Patterns are
// literal substrings matched case-insensitively against the path, query
// and body.
var DefaultBlockedPatterns = []string{
	"../",
	"..\\",
	"<script",
	"javascript:",
	"union select",
	"' or '1'='1",
	"; drop table",
	"/etc/passwd",
	"${jndi:",
}

// Config holds the pipeline parameters.
type Config struct {
	// Authenticator verifies bearer tokens and API keys.
	Authenticator *auth.Authenticator
	// Limiter applies the per-IP rate limit.
	Limiter *limiter.Limiter
	// AllowedCIDRs restricts caller addresses. Empty means all pass.
	AllowedCIDRs []*net.IPNet
	// TrustProxyHeaders enables X-Forwarded-For for caller address
	// extraction.
	TrustProxyHeaders bool
	// MaxBodyBytes caps the accepted request body size. Defaults to
	// defaults.MaxBodyBytes.
	MaxBodyBytes int64
	// BlockedPatterns is the content screen. Nil uses
	// DefaultBlockedPatterns; an explicit empty slice disables it.
	BlockedPatterns []string
	// Log receives security events.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Authenticator == nil {
		return trace.BadParameter("missing authenticator")
	}
	if c.Limiter == nil {
		return trace.BadParameter("missing limiter")
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = defaults.MaxBodyBytes
	}
	if c.BlockedPatterns == nil {
		c.BlockedPatterns = DefaultBlockedPatterns
	}
	if c.Log == nil {
		c.Log = slog.Default().With(biometricflow.ComponentKey, biometricflow.ComponentSecurity)
	}
	return nil
}

// Pipeline is the security middleware mounted in front of a router.
type Pipeline struct {
	cfg Config
	// patterns are the blocklist entries lowered once at construction.
	patterns []string
}

// NewPipeline returns a Pipeline for the given config.
func NewPipeline(cfg Config) (*Pipeline, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	ensureRegistered()
	p := &Pipeline{cfg: cfg}
	for _, pat := range cfg.BlockedPatterns {
		p.patterns = append(p.patterns, strings.ToLower(pat))
	}
	return p, nil
}

// Wrap applies the pipeline to a router. Authentication runs per route
// via WithAuth; everything else runs here, before routing.
func (p *Pipeline) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(biometricflow.HeaderRequestID)
		if reqID == "" {
			reqID = httplib.NewRequestID()
		}
		r = r.WithContext(httplib.WithRequestID(r.Context(), reqID))
		w.Header().Set(biometricflow.HeaderRequestID, reqID)
		httplib.SetSecurityHeaders(w.Header())

		ip := utils.ClientIP(r, p.cfg.TrustProxyHeaders)

		if !p.ipAllowed(ip) {
			p.reject(w, r, ip, ReasonIPDenied, httplib.Forbidden())
			return
		}

		if retryAfter, err := p.cfg.Limiter.Allow(ip); err != nil {
			secs := int(retryAfter.Seconds())
			if secs < 1 {
				secs = 1
			}
			p.reject(w, r, ip, ReasonRateLimited, httplib.RateLimited(secs))
			return
		}

		r, reason, err := p.screen(r)
		if err != nil {
			p.reject(w, r, ip, reason, err)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// WithAuth authenticates the request and requires the given token kind.
// An empty kind accepts any authenticated principal.
func (p *Pipeline) WithAuth(kind auth.TokenKind, fn httplib.HandlerFunc) httprouter.Handle {
	return httplib.MakeHandler(func(w http.ResponseWriter, r *http.Request, params httprouter.Params) (any, error) {
		if r.Header.Get("Authorization") == "" && r.Header.Get(biometricflow.HeaderAPIKey) == "" {
			p.logEvent(r, utils.ClientIP(r, p.cfg.TrustProxyHeaders), ReasonAuth)
			securityRejections.WithLabelValues(ReasonAuth).Inc()
			return nil, httplib.AuthRequired()
		}
		principal, err := p.cfg.Authenticator.Authenticate(r)
		if err != nil || (kind != "" && principal.Kind != kind) {
			// Bad keys, bad signatures, expired tokens and wrong kinds
			// are indistinguishable to the caller.
			p.logEvent(r, utils.ClientIP(r, p.cfg.TrustProxyHeaders), ReasonAuth)
			securityRejections.WithLabelValues(ReasonAuth).Inc()
			return nil, httplib.AuthInvalid()
		}
		r = r.WithContext(auth.ContextWithPrincipal(r.Context(), principal))
		return fn(w, r, params)
	})
}

func (p *Pipeline) ipAllowed(ip string) bool {
	if len(p.cfg.AllowedCIDRs) == 0 {
		return true
	}
	addr := net.ParseIP(ip)
	if addr == nil {
		return false
	}
	for _, cidr := range p.cfg.AllowedCIDRs {
		if cidr.Contains(addr) {
			return true
		}
	}
	return false
}

// screen rejects oversized bodies, raw control characters in the path and
// blocklisted substrings in path, query or body. The body is restored for
// the handler.
func (p *Pipeline) screen(r *http.Request) (*http.Request, string, error) {
	for _, c := range r.URL.Path {
		if c < 0x20 || c == 0x7f {
			return r, ReasonScreened, httplib.BadRequest("invalid request path")
		}
	}

	var body []byte
	if r.Body != nil && r.Body != http.NoBody {
		var err error
		body, err = io.ReadAll(io.LimitReader(r.Body, p.cfg.MaxBodyBytes+1))
		if err != nil {
			return r, ReasonBodySize, trace.Wrap(err)
		}
		if int64(len(body)) > p.cfg.MaxBodyBytes {
			return r, ReasonBodySize, httplib.BadRequest("request body too large")
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	haystacks := []string{
		strings.ToLower(r.URL.Path),
		strings.ToLower(r.URL.RawQuery),
	}
	// Match the decoded query as well so encoding does not defeat the
	// blocklist.
	if q, err := url.QueryUnescape(r.URL.RawQuery); err == nil {
		haystacks = append(haystacks, strings.ToLower(q))
	}
	if len(body) > 0 {
		haystacks = append(haystacks, strings.ToLower(string(body)))
	}
	for _, pat := range p.patterns {
		for _, hay := range haystacks {
			if strings.Contains(hay, pat) {
				return r, ReasonScreened, httplib.BadRequest("request rejected by content screen")
			}
		}
	}
	return r, "", nil
}

func (p *Pipeline) reject(w http.ResponseWriter, r *http.Request, ip, reason string, err error) {
	securityRejections.WithLabelValues(reason).Inc()
	p.logEvent(r, ip, reason)
	httplib.ReplyError(w, r, err)
}

func (p *Pipeline) logEvent(r *http.Request, ip, reason string) {
	p.cfg.Log.WarnContext(r.Context(), "request rejected",
		"request_id", httplib.RequestID(r.Context()),
		"ip", ip,
		"event", "security_rejection",
		"reason", reason,
		"path", r.URL.Path,
	)
}
