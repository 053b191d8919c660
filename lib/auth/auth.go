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

// Package auth implements token issuance and request authentication for
// both services: HS256 access tokens with a kind claim, plus raw API key
// credentials for machine-to-machine callers.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	biometricflow "github.com/OsamaM0/BiometricFlow-ZK-sub000"
	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/defaults"
)

// TokenKind distinguishes the two caller classes.
type TokenKind string

const (
	// KindFrontend identifies dashboard callers.
	KindFrontend TokenKind = biometricflow.TokenKindFrontend
	// KindPlaceBackend identifies location backends and internal tooling.
	KindPlaceBackend TokenKind = biometricflow.TokenKindPlaceBackend
)

// Principal is the authenticated identity attached to a request after the
// security pipeline runs.
type Principal struct {
	Kind      TokenKind
	IssuedAt  time.Time
	ExpiresAt time.Time
	Issuer    string
}

// APIKey is a configured shared-secret credential and the principal kind
// it authenticates as.
type APIKey struct {
	Key  string
	Kind TokenKind
}

// TokenResponse is the body returned by every token endpoint.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// Config holds the authenticator parameters.
type Config struct {
	// ServiceID is the token issuer name.
	ServiceID string
	// JWTSecret signs and verifies access tokens. At least
	// defaults.MinSecretLen bytes.
	JWTSecret []byte
	// APIKeys are the accepted raw key credentials.
	APIKeys []APIKey
	// TokenTTL is the lifetime of issued tokens. Defaults to
	// defaults.TokenTTL.
	TokenTTL time.Duration
	// Clock is used for token timestamps, real time if unset.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.ServiceID == "" {
		return trace.BadParameter("missing service ID")
	}
	if len(c.JWTSecret) < defaults.MinSecretLen {
		return trace.BadParameter("JWT secret must be at least %v bytes", defaults.MinSecretLen)
	}
	for _, k := range c.APIKeys {
		if len(k.Key) < defaults.MinSecretLen {
			return trace.BadParameter("API key must be at least %v characters", defaults.MinSecretLen)
		}
	}
	if c.TokenTTL == 0 {
		c.TokenTTL = defaults.TokenTTL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Authenticator issues and verifies credentials for one service.
type Authenticator struct {
	cfg Config
}

// NewAuthenticator returns an Authenticator for the given config.
func NewAuthenticator(cfg Config) (*Authenticator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Authenticator{cfg: cfg}, nil
}

type tokenClaims struct {
	Kind string `json:"kind"`
	jwt.RegisteredClaims
}

// IssueToken mints an HS256 token of the given kind. A zero ttl uses the
// configured default.
func (a *Authenticator) IssueToken(kind TokenKind, ttl time.Duration) (token string, expiresIn time.Duration, err error) {
	if kind != KindFrontend && kind != KindPlaceBackend {
		return "", 0, trace.BadParameter("unsupported token kind %q", kind)
	}
	if ttl == 0 {
		ttl = a.cfg.TokenTTL
	}
	now := a.cfg.Clock.Now()
	claims := tokenClaims{
		Kind: string(kind),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.cfg.ServiceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.cfg.JWTSecret)
	if err != nil {
		return "", 0, trace.Wrap(err)
	}
	return signed, ttl, nil
}

// VerifyToken validates a raw token and returns its principal. Bad
// signatures, expired tokens and malformed tokens all return the same
// access denied error.
func (a *Authenticator) VerifyToken(raw string) (*Principal, error) {
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(raw, &claims,
		func(*jwt.Token) (any, error) { return a.cfg.JWTSecret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(defaults.ClockSkew),
		jwt.WithTimeFunc(a.cfg.Clock.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, trace.AccessDenied("invalid token")
	}
	kind := TokenKind(claims.Kind)
	if kind != KindFrontend && kind != KindPlaceBackend {
		return nil, trace.AccessDenied("invalid token")
	}
	p := &Principal{Kind: kind, Issuer: claims.Issuer}
	if claims.IssuedAt != nil {
		p.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}

// CheckAPIKey compares a presented key against the configured keys in
// constant time and returns the matching principal.
func (a *Authenticator) CheckAPIKey(presented string) (*Principal, error) {
	now := a.cfg.Clock.Now()
	var matched *Principal
	for _, k := range a.cfg.APIKeys {
		// Compare every configured key so timing does not reveal which
		// one matched.
		if subtle.ConstantTimeCompare([]byte(k.Key), []byte(presented)) == 1 {
			matched = &Principal{
				Kind:      k.Kind,
				IssuedAt:  now,
				ExpiresAt: now.Add(a.cfg.TokenTTL),
				Issuer:    a.cfg.ServiceID,
			}
		}
	}
	if matched == nil {
		return nil, trace.AccessDenied("invalid API key")
	}
	return matched, nil
}

// Authenticate extracts the credential from an HTTP request. It accepts
// either a bearer token minted by this service or a configured API key in
// the X-API-Key header.
func (a *Authenticator) Authenticate(r *http.Request) (*Principal, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, found := strings.Cut(h, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
			return nil, trace.AccessDenied("unsupported authorization scheme")
		}
		p, err := a.VerifyToken(strings.TrimSpace(token))
		return p, trace.Wrap(err)
	}
	if key := r.Header.Get(biometricflow.HeaderAPIKey); key != "" {
		p, err := a.CheckAPIKey(key)
		return p, trace.Wrap(err)
	}
	return nil, trace.AccessDenied("authentication required")
}

type principalKey struct{}

// ContextWithPrincipal attaches the authenticated principal to a request
// context.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal attached to the context, if
// any.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok
}
