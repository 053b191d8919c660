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

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	biometricflow "github.com/OsamaM0/BiometricFlow-ZK-sub000"
	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/auth"
	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/breaker"
	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/config"
	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/defaults"
	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/httplib"
)

// Failure reasons recorded in response metadata for downstream calls.
const (
	reasonTimeout     = "timeout"
	reasonAuthFailed  = "auth_failed"
	reasonTransport   = "transport_error"
	reasonBreakerOpen = "breaker_open"
	reasonBadPayload  = "bad_payload"
)

// callError classifies a failed downstream call.
type callError struct {
	reason string
	err    error
}

func (e *callError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%v: %v", e.reason, e.err)
	}
	return e.reason
}

func (e *callError) Unwrap() error { return e.err }

// failureReason extracts the metadata reason from a downstream error.
func failureReason(err error) string {
	var ce *callError
	if errors.As(err, &ce) {
		return ce.reason
	}
	var apiErr *httplib.Error
	if errors.As(err, &apiErr) {
		return fmt.Sprintf("http_%d", apiErr.Status)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return reasonTimeout
	}
	return reasonTransport
}

// downstream is one registered location service: its HTTP client, its
// cached place token and its circuit breaker.
type downstream struct {
	loc     config.Location
	client  *http.Client
	breaker *breaker.CircuitBreaker
	clock   clockwork.Clock
	log     *slog.Logger

	// mu guards the token cache.
	mu      sync.Mutex
	token   string
	expires time.Time
}

func newDownstream(loc config.Location, client *http.Client, clock clockwork.Clock, log *slog.Logger) (*downstream, error) {
	cb, err := breaker.New(breaker.Config{Name: loc.ID, Clock: clock})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &downstream{
		loc:     loc,
		client:  client,
		breaker: cb,
		clock:   clock,
		log:     log.With("location", loc.ID),
	}, nil
}

// Get performs one authenticated GET against the location service and
// returns the envelope's data payload. The call runs through the
// location's circuit breaker; a 401 evicts the cached token and retries
// exactly once with a fresh one.
func (d *downstream) Get(ctx context.Context, path string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, d.loc.Timeout)
	defer cancel()

	var data json.RawMessage
	err := d.breaker.Execute(func() error {
		var err error
		data, err = d.get(ctx, path)
		return err
	})
	if errors.Is(err, breaker.ErrStateOpen) {
		return nil, &callError{reason: reasonBreakerOpen, err: err}
	}
	return data, trace.Wrap(err)
}

func (d *downstream) get(ctx context.Context, path string) (json.RawMessage, error) {
	token, err := d.getToken(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	data, status, err := d.roundtrip(ctx, path, token)
	if status == http.StatusUnauthorized {
		// The cached token was rejected: refresh and retry exactly once.
		d.evictToken(token)
		token, err = d.getToken(ctx)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		data, status, err = d.roundtrip(ctx, path, token)
		if status == http.StatusUnauthorized {
			return nil, &callError{reason: reasonAuthFailed}
		}
	}
	return data, trace.Wrap(err)
}

// roundtrip performs one HTTP exchange and decodes the response envelope.
func (d *downstream) roundtrip(ctx context.Context, path, token string) (json.RawMessage, int, error) {
	url := strings.TrimRight(d.loc.URL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, trace.Wrap(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if reqID := httplib.RequestID(ctx); reqID != "" {
		req.Header.Set(biometricflow.HeaderRequestID, reqID)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, 0, classifyTransport(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, defaults.MaxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, classifyTransport(err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, resp.StatusCode, &callError{reason: reasonAuthFailed}
	}
	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *httplib.Error  `json:"error"`
	}
	if resp.StatusCode != http.StatusOK {
		// Surface the downstream's envelope error with its original code
		// so single-target proxies pass it through unchanged.
		if err := json.Unmarshal(body, &env); err == nil && env.Error != nil {
			env.Error.Status = resp.StatusCode
			return nil, resp.StatusCode, env.Error
		}
		return nil, resp.StatusCode, &callError{reason: fmt.Sprintf("http_%d", resp.StatusCode)}
	}
	if err := json.Unmarshal(body, &env); err != nil || !env.Success {
		return nil, resp.StatusCode, &callError{reason: reasonBadPayload, err: err}
	}
	return env.Data, resp.StatusCode, nil
}

func classifyTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &callError{reason: reasonTimeout, err: err}
	}
	return &callError{reason: reasonTransport, err: err}
}

// getToken returns the cached place token, minting a fresh one when less
// than the refresh margin remains.
func (d *downstream) getToken(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.token != "" && d.clock.Now().Add(defaults.TokenRefreshMargin).Before(d.expires) {
		return d.token, nil
	}

	body, err := json.Marshal(map[string]string{"api_key": d.loc.APIKey})
	if err != nil {
		return "", trace.Wrap(err)
	}
	url := strings.TrimRight(d.loc.URL, "/") + "/auth/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", trace.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return "", classifyTransport(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &callError{reason: reasonAuthFailed}
	}
	var env struct {
		Data auth.TokenResponse `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil || env.Data.AccessToken == "" {
		return "", &callError{reason: reasonBadPayload, err: err}
	}
	d.token = env.Data.AccessToken
	d.expires = d.clock.Now().Add(time.Duration(env.Data.ExpiresIn) * time.Second)
	return d.token, nil
}

// evictToken drops the cached token if it is still the one that was
// rejected. A concurrent refresh may already have replaced it.
func (d *downstream) evictToken(rejected string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.token == rejected {
		d.token = ""
	}
}

// registry holds the downstream set and carries breaker and token state
// across configuration reloads for unchanged locations.
type registry struct {
	client *http.Client
	clock  clockwork.Clock
	log    *slog.Logger

	mu      sync.Mutex
	targets map[string]*downstream
}

func newRegistry(client *http.Client, clock clockwork.Clock, log *slog.Logger) *registry {
	return &registry{
		client:  client,
		clock:   clock,
		log:     log,
		targets: map[string]*downstream{},
	}
}

// Update replaces the downstream set with the given locations. Entries
// whose URL and API key are unchanged keep their state.
func (r *registry) Update(locations []config.Location) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make(map[string]*downstream, len(locations))
	for _, loc := range locations {
		if existing, ok := r.targets[loc.ID]; ok &&
			existing.loc.URL == loc.URL && existing.loc.APIKey == loc.APIKey {
			existing.loc = loc
			next[loc.ID] = existing
			continue
		}
		d, err := newDownstream(loc, r.client, r.clock, r.log)
		if err != nil {
			return trace.Wrap(err)
		}
		next[loc.ID] = d
	}
	r.targets = next
	return nil
}

// Enabled returns the enabled downstreams ordered by priority, then ID.
func (r *registry) Enabled() []*downstream {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*downstream
	for _, d := range r.targets {
		if d.loc.Enabled {
			out = append(out, d)
		}
	}
	sortDownstreams(out)
	return out
}

// Lookup returns the downstream for a location ID, enabled or not.
func (r *registry) Lookup(id string) (*downstream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.targets[id]
	return d, ok
}

// ResolveDevice finds the unique enabled location owning a device name.
func (r *registry) ResolveDevice(name string) (*downstream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var owner *downstream
	for _, d := range r.targets {
		if !d.loc.Enabled {
			continue
		}
		for _, dev := range d.loc.Devices {
			if dev != name {
				continue
			}
			if owner != nil {
				return nil, httplib.Conflict("device %q is registered under locations %q and %q",
					name, owner.loc.ID, d.loc.ID)
			}
			owner = d
		}
	}
	if owner == nil {
		return nil, httplib.NotFound("device %q is not registered under any location", name)
	}
	return owner, nil
}
