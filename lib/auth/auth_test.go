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

package auth

import (
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/defaults"
	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

const (
	testSecret = "0123456789abcdef0123456789abcdef01234567"
	testAPIKey = "api-key-0123456789abcdef0123456789abcdef"
)

func newTestAuthenticator(t *testing.T, clock clockwork.Clock) *Authenticator {
	t.Helper()
	a, err := NewAuthenticator(Config{
		ServiceID: "location-hq",
		JWTSecret: []byte(testSecret),
		APIKeys:   []APIKey{{Key: testAPIKey, Kind: KindPlaceBackend}},
		Clock:     clock,
	})
	require.NoError(t, err)
	return a
}

func TestIssueAndVerify(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Now())
	a := newTestAuthenticator(t, clock)

	token, expiresIn, err := a.IssueToken(KindFrontend, 0)
	require.NoError(t, err)
	require.Equal(t, defaults.TokenTTL, expiresIn)

	p, err := a.VerifyToken(token)
	require.NoError(t, err)
	require.Equal(t, KindFrontend, p.Kind)
	require.Equal(t, "location-hq", p.Issuer)
	require.Equal(t, clock.Now().Add(defaults.TokenTTL).Unix(), p.ExpiresAt.Unix())
}

func TestVerifyExpiry(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Now())
	a := newTestAuthenticator(t, clock)

	ttl := 10 * time.Minute
	token, _, err := a.IssueToken(KindPlaceBackend, ttl)
	require.NoError(t, err)

	// Just before expiry the token is accepted.
	clock.Advance(ttl - time.Second)
	_, err = a.VerifyToken(token)
	require.NoError(t, err)

	// Inside the skew tolerance it is still accepted.
	clock.Advance(time.Second + defaults.ClockSkew - time.Second)
	_, err = a.VerifyToken(token)
	require.NoError(t, err)

	// One second past expiry plus skew it is rejected.
	clock.Advance(2 * time.Second)
	_, err = a.VerifyToken(token)
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid token")
}

func TestVerifyTampered(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Now())
	a := newTestAuthenticator(t, clock)

	token, _, err := a.IssueToken(KindFrontend, 0)
	require.NoError(t, err)

	// Flip a character in the signature segment.
	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	sig := []byte(parts[2])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	_, err = a.VerifyToken(strings.Join([]string{parts[0], parts[1], string(sig)}, "."))
	require.Error(t, err)

	// A token signed with a different secret is rejected too.
	other, err := NewAuthenticator(Config{
		ServiceID: "location-hq",
		JWTSecret: []byte(strings.Repeat("x", 40)),
		Clock:     clock,
	})
	require.NoError(t, err)
	foreign, _, err := other.IssueToken(KindFrontend, 0)
	require.NoError(t, err)
	_, err = a.VerifyToken(foreign)
	require.Error(t, err)
}

func TestCheckAPIKey(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Now())
	a := newTestAuthenticator(t, clock)

	p, err := a.CheckAPIKey(testAPIKey)
	require.NoError(t, err)
	require.Equal(t, KindPlaceBackend, p.Kind)

	_, err = a.CheckAPIKey("wrong-key-0123456789abcdef0123456789")
	require.Error(t, err)
	_, err = a.CheckAPIKey("")
	require.Error(t, err)
}

func TestAuthenticateRequest(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Now())
	a := newTestAuthenticator(t, clock)

	token, _, err := a.IssueToken(KindFrontend, 0)
	require.NoError(t, err)

	t.Run("bearer", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/devices", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		p, err := a.Authenticate(r)
		require.NoError(t, err)
		require.Equal(t, KindFrontend, p.Kind)
	})

	t.Run("api key", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/devices", nil)
		r.Header.Set("X-API-Key", testAPIKey)
		p, err := a.Authenticate(r)
		require.NoError(t, err)
		require.Equal(t, KindPlaceBackend, p.Kind)
	})

	t.Run("unknown scheme", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/devices", nil)
		r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
		_, err := a.Authenticate(r)
		require.Error(t, err)
	})

	t.Run("no credential", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/devices", nil)
		_, err := a.Authenticate(r)
		require.Error(t, err)
	})
}
