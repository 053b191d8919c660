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

package service

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/config"
	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/utils"
)

const testSecret = "test-secret-0123456789abcdef0123456789abcdef"

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestNewLocationService(t *testing.T) {
	t.Setenv(config.EnvJWTSecret, testSecret)
	t.Setenv(config.EnvAPIKey, testSecret)
	devices := writeFile(t, "devices.json",
		`{"gate": {"ip": "192.0.2.10", "port": 4370, "password": 0}}`)

	svc, err := New(config.CommandLineFlags{
		Role:        config.RoleLocation,
		DevicesPath: devices,
	})
	require.NoError(t, err)
	require.NotNil(t, svc.handler)
	require.NotNil(t, svc.devices.Load())

	// Unauthenticated requests are rejected by the assembled pipeline.
	rec := httptest.NewRecorder()
	svc.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/devices", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestNewGatewayService(t *testing.T) {
	t.Setenv(config.EnvJWTSecret, testSecret)
	t.Setenv(config.EnvFrontendAPIKey, testSecret)
	t.Setenv(config.EnvPlaceAPIKey, testSecret)
	locations := writeFile(t, "locations.json",
		`{"hq": {"display_name": "HQ", "url": "http://127.0.0.1:8001", "api_key": "`+testSecret+`", "enabled": true, "devices": ["gate"]}}`)

	svc, err := New(config.CommandLineFlags{
		Role:          config.RoleGateway,
		LocationsPath: locations,
	})
	require.NoError(t, err)
	require.NotNil(t, svc.handler)
	require.Nil(t, svc.devices.Load())

	// The aggregated health endpoint is public.
	rec := httptest.NewRecorder()
	svc.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	// Reload picks up registry edits without restarting.
	require.NoError(t, os.WriteFile(locations,
		[]byte(`{"hq": {"display_name": "HQ", "url": "http://127.0.0.1:8001", "api_key": "`+testSecret+`", "enabled": false, "devices": ["gate"]}}`), 0o600))
	require.NoError(t, svc.reload())
	require.False(t, svc.store.Current().Locations[0].Enabled)
}

func TestNewRejectsMissingConfig(t *testing.T) {
	t.Setenv(config.EnvJWTSecret, testSecret)
	t.Setenv(config.EnvAPIKey, testSecret)

	_, err := New(config.CommandLineFlags{Role: config.RoleLocation})
	require.Error(t, err)

	_, err = New(config.CommandLineFlags{Role: "proxy"})
	require.Error(t, err)
}
