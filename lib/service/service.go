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

// Package service assembles and supervises one process: it builds either
// the gateway or a location service from configuration, runs the HTTP
// listeners, reloads configuration on SIGHUP and shuts down gracefully
// on SIGINT/SIGTERM.
package service

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	biometricflow "github.com/OsamaM0/BiometricFlow-ZK-sub000"
	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/auth"
	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/config"
	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/defaults"
	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/device"
	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/device/zk"
	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/gateway"
	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/limiter"
	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/location"
	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/middleware"
)

// Supervisor owns one running service instance.
type Supervisor struct {
	clf   config.CommandLineFlags
	store *config.Store
	clock clockwork.Clock
	log   *slog.Logger

	handler http.Handler
	// reload applies a fresh configuration snapshot to the running
	// service.
	reload func() error
	// devices is swapped on reload; only set for the location role.
	devices atomic.Pointer[device.Manager]
}

// New loads configuration and assembles the service for the given flags.
func New(clf config.CommandLineFlags) (*Supervisor, error) {
	s := &Supervisor{
		clf:   clf,
		clock: clockwork.NewRealClock(),
		log: slog.Default().With(biometricflow.ComponentKey,
			componentForRole(clf.Role)),
	}
	store, err := config.NewStore(func() (*config.Snapshot, error) {
		return config.Load(clf)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.store = store
	snap := store.Current()

	authn, err := auth.NewAuthenticator(auth.Config{
		ServiceID: snap.ServiceID,
		JWTSecret: []byte(snap.JWTSecret),
		APIKeys:   apiKeysForRole(snap),
		Clock:     s.clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	lim, err := limiter.New(limiter.Config{
		Window: snap.RateLimitWindow,
		Count:  snap.RateLimitCount,
		Block:  snap.RateLimitBlock,
		Clock:  s.clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	pipeline, err := middleware.NewPipeline(middleware.Config{
		Authenticator:     authn,
		Limiter:           lim,
		AllowedCIDRs:      snap.AllowedCIDRs,
		TrustProxyHeaders: snap.TrustProxyHeaders,
		BlockedPatterns:   snap.BlockedPatterns,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	switch snap.Role {
	case config.RoleLocation:
		mgr, err := s.buildDeviceManager(snap)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		s.devices.Store(mgr)
		svc, err := location.NewService(location.Config{
			Store:         store,
			Devices:       s.devices.Load,
			Authenticator: authn,
			Pipeline:      pipeline,
			Clock:         s.clock,
			Log:           s.log,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		s.handler = svc
		s.reload = func() error {
			if err := store.Reload(); err != nil {
				return trace.Wrap(err)
			}
			mgr, err := s.buildDeviceManager(store.Current())
			if err != nil {
				return trace.Wrap(err)
			}
			s.devices.Store(mgr)
			return nil
		}
	case config.RoleGateway:
		svc, err := gateway.NewService(gateway.Config{
			Store:         store,
			Authenticator: authn,
			Pipeline:      pipeline,
			Clock:         s.clock,
			Log:           s.log,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		s.handler = svc
		s.reload = func() error {
			if err := store.Reload(); err != nil {
				return trace.Wrap(err)
			}
			return trace.Wrap(svc.Reload())
		}
	default:
		return nil, trace.BadParameter("unknown role %q", snap.Role)
	}
	return s, nil
}

func (s *Supervisor) buildDeviceManager(snap *config.Snapshot) (*device.Manager, error) {
	mgr, err := device.NewManager(device.ManagerConfig{
		Devices: snap.Devices,
		Dial:    zk.Dial,
		Clock:   s.clock,
		Log:     s.log,
	})
	return mgr, trace.Wrap(err)
}

// Run serves until ctx is done or a fatal error occurs. SIGHUP reloads
// configuration; SIGINT and SIGTERM begin a graceful shutdown.
func (s *Supervisor) Run(ctx context.Context) error {
	snap := s.store.Current()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)

	server := &http.Server{
		Addr:              snap.ListenAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       defaults.HTTPIdleTimeout,
	}
	group.Go(func() error {
		s.log.InfoContext(ctx, "listening", "addr", snap.ListenAddr, "role", snap.Role, "version", biometricflow.Version)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return trace.Wrap(err)
		}
		return nil
	})

	if snap.DiagAddr != "" {
		diag := &http.Server{
			Addr:              snap.DiagAddr,
			Handler:           newDiagHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		group.Go(func() error {
			s.log.InfoContext(ctx, "diagnostics listening", "addr", snap.DiagAddr)
			if err := diag.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return trace.Wrap(err)
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), defaults.ShutdownTimeout)
			defer cancel()
			return trace.Wrap(diag.Shutdown(shutdownCtx))
		})
	}

	// Idle connection sweeper for the device pool.
	if mgr := s.devices.Load(); mgr != nil {
		group.Go(func() error {
			mgr.Run(ctx)
			return nil
		})
	}

	group.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hup:
				s.log.InfoContext(ctx, "received SIGHUP, reloading configuration")
				if err := s.reload(); err != nil {
					s.log.ErrorContext(ctx, "configuration reload failed", "error", err)
				}
			}
		}
	})

	group.Go(func() error {
		<-ctx.Done()
		s.log.InfoContext(ctx, "shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaults.ShutdownTimeout)
		defer cancel()
		return trace.Wrap(server.Shutdown(shutdownCtx))
	})

	return trace.Wrap(group.Wait())
}

// newDiagHandler serves the metrics scrape endpoint and a liveness
// probe.
func newDiagHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

func componentForRole(role config.Role) string {
	if role == config.RoleGateway {
		return biometricflow.ComponentGateway
	}
	return biometricflow.ComponentLocation
}

// apiKeysForRole lists the raw key credentials the service accepts.
// Unset keys are skipped: the matching token endpoint rejects all
// requests until the key is configured.
func apiKeysForRole(snap *config.Snapshot) []auth.APIKey {
	var keys []auth.APIKey
	add := func(key string, kind auth.TokenKind) {
		if key != "" {
			keys = append(keys, auth.APIKey{Key: key, Kind: kind})
		}
	}
	switch snap.Role {
	case config.RoleGateway:
		add(snap.FrontendAPIKey, auth.KindFrontend)
		add(snap.PlaceAPIKey, auth.KindPlaceBackend)
	default:
		add(snap.APIKey, auth.KindPlaceBackend)
	}
	return keys
}
